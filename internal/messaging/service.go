// ABOUTME: Service is the central layer for the conversation messaging core
// ABOUTME: Sequences upload resolution, ordered persistence and live fan-out

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/hearth/internal/broker"
	"github.com/2389/hearth/internal/metrics"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/upload"
)

// Service coordinates the messaging core: every message flows upload ->
// store -> broker, so the ledger is the source of truth and live events
// always describe persisted state.
type Service struct {
	store    store.Store
	broker   *broker.Broker
	uploader *upload.Coordinator
	logger   *slog.Logger
}

// New creates a messaging service.
func New(st store.Store, br *broker.Broker, up *upload.Coordinator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		broker:   br,
		uploader: up,
		logger:   logger.With("component", "messaging"),
	}
}

// SendRequest contains everything needed to send a message.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Body           string
	Files          []upload.File
}

// FileFailure reports one attachment that could not be uploaded, for the
// caller to surface and allow manual retry.
type FileFailure struct {
	Index int
	Name  string
	Err   error
}

// SendResult contains the created message plus any per-file upload
// failures. The message references only the attachments that succeeded.
type SendResult struct {
	Message  *store.Message
	Failures []FileFailure
}

// CreateConversation creates a new two-participant conversation.
func (s *Service) CreateConversation(ctx context.Context, participantA, participantB string) (*store.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, participantA, participantB)
	if err != nil {
		return nil, err
	}
	metrics.ConversationsCreated.Inc()
	return conv, nil
}

// GetConversation returns conversation metadata.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// SendMessage resolves attachments, appends the message and publishes the
// NewMessage event.
//
// Key principle: record first, then announce. The message is persisted
// BEFORE any subscriber hears about it, so a crash between the two leaves
// the ledger ahead of the live stream, never behind.
//
// Partial upload failure does not block the message: it is created with
// whatever refs succeeded (order preserved) and the failures are returned
// alongside. Only a message that would end up with no body and no
// attachments is rejected.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResult, error) {
	// Reject before spending upload work on an unsendable message
	if req.Body == "" && len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: message needs a body or at least one file", store.ErrValidation)
	}

	// Membership is checked up front so a non-participant cannot park
	// orphaned files in storage either.
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Participant(req.SenderID) {
		return nil, fmt.Errorf("%w: %s", store.ErrForbidden, req.SenderID)
	}

	refs, failures := s.resolveAttachments(ctx, req)
	if req.Body == "" && len(refs) == 0 {
		return nil, fmt.Errorf("%w: all %d attachments failed to upload", store.ErrValidation, len(failures))
	}

	msg, err := s.store.AppendMessage(ctx, req.ConversationID, req.SenderID, req.Body, refs)
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.Inc()

	s.broker.Publish(req.ConversationID, &broker.Event{
		Type:           broker.EventNewMessage,
		ConversationID: req.ConversationID,
		Message:        msg,
	})

	s.logger.Debug("message sent",
		"conversation_id", req.ConversationID,
		"message_id", msg.ID,
		"sender_id", req.SenderID,
		"attachments", len(refs),
		"failed_attachments", len(failures))

	return &SendResult{Message: msg, Failures: failures}, nil
}

// resolveAttachments uploads the request's files and splits the outcomes
// into ordered refs and per-file failures.
func (s *Service) resolveAttachments(ctx context.Context, req *SendRequest) ([]string, []FileFailure) {
	if len(req.Files) == 0 {
		return nil, nil
	}

	results, _ := s.uploader.UploadAll(ctx, req.ConversationID, req.Files)

	collected := make([]upload.Result, 0, len(req.Files))
	for res := range results {
		collected = append(collected, res)
	}
	// Results complete in upload order; refs must keep input order
	sort.Slice(collected, func(i, j int) bool { return collected[i].Index < collected[j].Index })

	var refs []string
	var failures []FileFailure
	for _, res := range collected {
		if res.Err != nil {
			failures = append(failures, FileFailure{
				Index: res.Index,
				Name:  req.Files[res.Index].Name,
				Err:   res.Err,
			})
			continue
		}
		refs = append(refs, res.Ref)
	}
	return refs, failures
}

// UploadAll exposes the coordinator's streaming interface for callers that
// drive progress UIs; the returned results feed a later SendMessage.
func (s *Service) UploadAll(ctx context.Context, conversationID string, files []upload.File) (<-chan upload.Result, <-chan upload.Progress) {
	return s.uploader.UploadAll(ctx, conversationID, files)
}

// ListMessages returns one page of messages in ascending (SentAt, ID) order.
func (s *Service) ListMessages(ctx context.Context, params store.ListMessagesParams) (*store.ListMessagesResult, error) {
	return s.store.ListMessages(ctx, params)
}

// MarkConversationRead advances the reader's read cursor and, when the
// cursor actually moved, publishes a ReadReceipt. Idempotent repeats and
// regressions stay silent so subscribers never see a receipt go backwards.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, readerID string, uptoMessageID int64) error {
	advanced, err := s.store.MarkRead(ctx, conversationID, readerID, uptoMessageID)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	metrics.ReadReceipts.Inc()

	s.broker.Publish(conversationID, &broker.Event{
		Type:           broker.EventReadReceipt,
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageID:      uptoMessageID,
		Timestamp:      time.Now().UTC(),
	})
	return nil
}

// GetReadState returns the reader's current read cursor.
func (s *Service) GetReadState(ctx context.Context, conversationID, readerID string) (*store.ReadState, error) {
	return s.store.GetReadState(ctx, conversationID, readerID)
}

// Subscribe attaches a live event stream to the conversation. The stream
// is live-only; callers reconcile via ListMessages after subscribing.
// Returns ErrNotFound for unknown conversations and ErrForbidden for
// non-participants.
func (s *Service) Subscribe(ctx context.Context, conversationID, userID string) (<-chan *broker.Event, string, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if !conv.Participant(userID) {
		return nil, "", fmt.Errorf("%w: %s", store.ErrForbidden, userID)
	}

	ch, subID := s.broker.Subscribe(ctx, conversationID)
	return ch, subID, nil
}

// Unsubscribe cancels a live subscription.
func (s *Service) Unsubscribe(conversationID, subID string) {
	s.broker.Unsubscribe(conversationID, subID)
}

// Typing registers typing activity for a participant; the broker handles
// the debounce window and emits TypingStart/TypingStop.
func (s *Service) Typing(ctx context.Context, conversationID, userID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.Participant(userID) {
		return fmt.Errorf("%w: %s", store.ErrForbidden, userID)
	}

	s.broker.BroadcastTyping(conversationID, userID)
	return nil
}
