// ABOUTME: Operator CLI for inspecting a hearth database
// ABOUTME: Lists conversations, tails messages, and shows read state

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/hearth/internal/config"
	"github.com/2389/hearth/internal/store"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Println("Usage: hearth-admin <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  conversations              List conversations")
		fmt.Println("  messages <conversation>    Show recent messages in a conversation")
		fmt.Println("  read-state <conversation>  Show read cursors for a conversation")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "conversations":
		err = runConversations(ctx)
	case "messages":
		err = runMessages(ctx, os.Args[2:])
	case "read-state":
		err = runReadState(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore opens the database named by HEARTH_DB, falling back to the
// gateway config file.
func openStore() (*store.SQLiteStore, error) {
	path := os.Getenv("HEARTH_DB")
	if path == "" {
		cfg, err := config.Load(configPath())
		if err != nil {
			return nil, fmt.Errorf("set HEARTH_DB or provide a config file: %w", err)
		}
		path = cfg.Database.Path
	}
	return store.NewSQLiteStore(path)
}

func configPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = homeDir + "/.config"
	}
	return configDir + "/hearth/gateway.yaml"
}

func runConversations(ctx context.Context) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	convs, err := st.ListConversations(ctx, 100)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	if len(convs) == 0 {
		color.Yellow("no conversations")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPARTICIPANTS\tCREATED")
	for _, conv := range convs {
		fmt.Fprintf(w, "%s\t%s ↔ %s\t%s\n",
			conv.ID,
			conv.ParticipantA,
			conv.ParticipantB,
			conv.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runMessages(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hearth-admin messages <conversation-id>")
	}
	conversationID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Walk all pages; the tail is what operators usually want, but the
	// dataset for a single conversation is small enough to print whole.
	var cursor string
	for {
		page, err := st.ListMessages(ctx, store.ListMessagesParams{
			ConversationID: conversationID,
			Cursor:         cursor,
			Limit:          200,
		})
		if err != nil {
			return fmt.Errorf("listing messages: %w", err)
		}

		for _, msg := range page.Messages {
			gray := color.New(color.FgHiBlack)
			gray.Printf("[%d] %s ", msg.ID, msg.SentAt.Format("2006-01-02 15:04:05"))
			color.New(color.FgCyan).Printf("%s: ", msg.SenderID)
			fmt.Print(msg.Body)
			if len(msg.AttachmentRefs) > 0 {
				gray.Printf(" (+%d attachments)", len(msg.AttachmentRefs))
			}
			if msg.ReadAt != nil {
				color.New(color.FgGreen).Print(" ✓")
			}
			fmt.Println()
		}

		if !page.HasMore {
			return nil
		}
		cursor = page.NextCursor
	}
}

func runReadState(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hearth-admin read-state <conversation-id>")
	}
	conversationID := args[0]

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conv, err := st.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "READER\tLAST READ\tUPDATED")
	for _, reader := range []string{conv.ParticipantA, conv.ParticipantB} {
		state, err := st.GetReadState(ctx, conversationID, reader)
		if err != nil {
			return fmt.Errorf("loading read state for %s: %w", reader, err)
		}
		updated := "-"
		if !state.UpdatedAt.IsZero() {
			updated = state.UpdatedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", reader, state.LastReadID, updated)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("conversation %s (%s)\n", conv.ID,
		strings.Join([]string{conv.ParticipantA, conv.ParticipantB}, " ↔ "))
	return nil
}
