// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with per-conversation ordering

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Per-conversation append/read-state serialization. Lock scope is one
	// conversation; different conversations append fully concurrently.
	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		logger:    logger,
		convLocks: make(map[string]*sync.Mutex),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL,
			attachment_refs TEXT NOT NULL DEFAULT '[]',
			sent_at         TEXT NOT NULL,

			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at, seq);

		CREATE TABLE IF NOT EXISTS read_state (
			conversation_id TEXT NOT NULL,
			reader_id       TEXT NOT NULL,
			last_read_seq   INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (conversation_id, reader_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// lockConversation returns the mutex serializing writes for one conversation.
func (s *SQLiteStore) lockConversation(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[id] = l
	}
	return l
}

// CreateConversation creates a new two-participant conversation.
// Returns ErrValidation if the participants are identical or empty.
func (s *SQLiteStore) CreateConversation(ctx context.Context, participantA, participantB string) (*Conversation, error) {
	if participantA == "" || participantB == "" {
		return nil, fmt.Errorf("%w: participants must be non-empty", ErrValidation)
	}
	if participantA == participantB {
		return nil, fmt.Errorf("%w: participants must differ", ErrValidation)
	}

	conv := &Conversation{
		ID:           uuid.New().String(),
		ParticipantA: participantA,
		ParticipantB: participantB,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, conv.ParticipantA, conv.ParticipantB, conv.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation",
		"conversation_id", conv.ID,
		"participant_a", participantA,
		"participant_b", participantB)
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAtStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves conversations ordered by creation time,
// newest first. If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_a, participant_b, created_at
		FROM conversations
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr string

		if err := rows.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		conversations = append(conversations, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return conversations, nil
}

// AppendMessage appends a message to a conversation and assigns its order.
// The assigned (SentAt, ID) pair is strictly greater than every previously
// appended message in the conversation; appends are serialized per
// conversation, never globally.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, body string, attachmentRefs []string) (*Message, error) {
	if body == "" && len(attachmentRefs) == 0 {
		return nil, fmt.Errorf("%w: message needs a body or at least one attachment", ErrValidation)
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Participant(senderID) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, senderID)
	}

	refsJSON, err := json.Marshal(attachmentRefs)
	if err != nil {
		return nil, fmt.Errorf("encoding attachment refs: %w", err)
	}
	if attachmentRefs == nil {
		refsJSON = []byte("[]")
	}

	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	lastSeq, lastSentAt, err := s.latestMessage(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ConversationID: conversationID,
		ID:             lastSeq + 1,
		SenderID:       senderID,
		Body:           body,
		AttachmentRefs: attachmentRefs,
		SentAt:         time.Now().UTC(),
	}
	// Keep sent_at strictly increasing so (sent_at, seq) is a total order
	// even when a burst of appends lands within clock resolution.
	if !msg.SentAt.After(lastSentAt) {
		msg.SentAt = lastSentAt.Add(time.Microsecond)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, seq, sender_id, body, attachment_refs, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conversationID, msg.ID, senderID, body, string(refsJSON), msg.SentAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender_id", senderID,
		"attachments", len(attachmentRefs))
	return msg, nil
}

// latestMessage returns the newest seq and sent_at of a conversation,
// or (0, zero time) when the conversation is empty.
func (s *SQLiteStore) latestMessage(ctx context.Context, conversationID string) (int64, time.Time, error) {
	var seq int64
	var sentAtStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, sent_at FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, conversationID).Scan(&seq, &sentAtStr)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("querying latest message: %w", err)
	}
	sentAt, err := time.Parse(time.RFC3339Nano, sentAtStr)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	return seq, sentAt, nil
}

// encodeCursor creates an opaque cursor string from a message position.
// Format is base64(sent_at_rfc3339nano|seq)
func encodeCursor(sentAt time.Time, seq int64) string {
	data := fmt.Sprintf("%s|%d", sentAt.Format(time.RFC3339Nano), seq)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// decodeCursor parses an opaque cursor string into a message seq.
// Returns an error if the cursor is invalid.
func decodeCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid cursor format: expected sent_at|seq")
	}

	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor seq: %w", err)
	}

	return seq, nil
}

// ListMessages retrieves one page of messages in ascending (SentAt, ID)
// order. Because the store enforces strictly increasing sent_at per
// conversation, seq order and (sent_at, seq) order coincide; pagination
// keys on seq for determinism. Calling again with the same cursor returns
// the same page unless new messages were appended past it.
func (s *SQLiteStore) ListMessages(ctx context.Context, p ListMessagesParams) (*ListMessagesResult, error) {
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id required", ErrValidation)
	}

	conv, err := s.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}

	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}

	var afterSeq int64
	if p.Cursor != "" {
		afterSeq, err = decodeCursor(p.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	// Fetch limit+1 to detect if there are more results
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, sender_id, body, attachment_refs, sent_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, p.ConversationID, afterSeq, p.Limit+1)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{ConversationID: p.ConversationID}
		var refsJSON, sentAtStr string

		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.Body, &refsJSON, &sentAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if err := json.Unmarshal([]byte(refsJSON), &msg.AttachmentRefs); err != nil {
			return nil, fmt.Errorf("decoding attachment refs: %w", err)
		}
		msg.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	hasMore := len(messages) > p.Limit
	if hasMore {
		messages = messages[:p.Limit]
	}

	if err := s.annotateReadAt(ctx, conv, messages); err != nil {
		return nil, err
	}

	result := &ListMessagesResult{
		Messages: messages,
		HasMore:  hasMore,
	}
	if hasMore && len(messages) > 0 {
		last := messages[len(messages)-1]
		result.NextCursor = encodeCursor(last.SentAt, last.ID)
	}

	return result, nil
}

// annotateReadAt fills Message.ReadAt from the recipient's read state.
// A message counts as read once the participant who received it has
// advanced their read cursor to or past its seq.
func (s *SQLiteStore) annotateReadAt(ctx context.Context, conv *Conversation, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}

	states := make(map[string]*ReadState, 2)
	for _, reader := range []string{conv.ParticipantA, conv.ParticipantB} {
		st, err := s.readState(ctx, conv.ID, reader)
		if err != nil {
			return err
		}
		states[reader] = st
	}

	for _, msg := range messages {
		recipient := conv.Other(msg.SenderID)
		st := states[recipient]
		if st != nil && st.LastReadID >= msg.ID {
			t := st.UpdatedAt
			msg.ReadAt = &t
		}
	}
	return nil
}

// MarkRead advances the reader's last-read cursor to uptoMessageID.
// Idempotent: a request at or below the current cursor is a no-op, not an
// error. Returns ErrNotFound if uptoMessageID is beyond the newest message
// and ErrForbidden for non-participants.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, readerID string, uptoMessageID int64) (bool, error) {
	return s.markRead(ctx, conversationID, readerID, uptoMessageID, false)
}

// MarkReadStrict behaves like MarkRead but returns ErrConflict on an
// explicit regression, for callers that assert monotonicity themselves.
func (s *SQLiteStore) MarkReadStrict(ctx context.Context, conversationID, readerID string, uptoMessageID int64) (bool, error) {
	return s.markRead(ctx, conversationID, readerID, uptoMessageID, true)
}

func (s *SQLiteStore) markRead(ctx context.Context, conversationID, readerID string, uptoMessageID int64, strict bool) (bool, error) {
	if uptoMessageID <= 0 {
		return false, fmt.Errorf("%w: message id must be positive", ErrValidation)
	}

	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if !conv.Participant(readerID) {
		return false, fmt.Errorf("%w: %s", ErrForbidden, readerID)
	}

	lock := s.lockConversation(conversationID)
	lock.Lock()
	defer lock.Unlock()

	lastSeq, _, err := s.latestMessage(ctx, conversationID)
	if err != nil {
		return false, err
	}
	if uptoMessageID > lastSeq {
		return false, fmt.Errorf("%w: message %d", ErrNotFound, uptoMessageID)
	}

	current, err := s.readState(ctx, conversationID, readerID)
	if err != nil {
		return false, err
	}
	if current != nil && uptoMessageID <= current.LastReadID {
		if strict && uptoMessageID < current.LastReadID {
			return false, fmt.Errorf("%w: %d < %d", ErrConflict, uptoMessageID, current.LastReadID)
		}
		return false, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO read_state (conversation_id, reader_id, last_read_seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, reader_id)
		DO UPDATE SET last_read_seq = excluded.last_read_seq, updated_at = excluded.updated_at
	`, conversationID, readerID, uptoMessageID, now.Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("updating read state: %w", err)
	}

	s.logger.Debug("advanced read state",
		"conversation_id", conversationID,
		"reader_id", readerID,
		"last_read", uptoMessageID)
	return true, nil
}

// GetReadState returns the reader's read state. A reader that has never
// marked anything read gets a zero-valued state (LastReadID 0).
func (s *SQLiteStore) GetReadState(ctx context.Context, conversationID, readerID string) (*ReadState, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Participant(readerID) {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, readerID)
	}

	st, err := s.readState(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &ReadState{ConversationID: conversationID, ReaderID: readerID}, nil
	}
	return st, nil
}

// readState fetches the raw read-state row, nil when absent.
func (s *SQLiteStore) readState(ctx context.Context, conversationID, readerID string) (*ReadState, error) {
	st := &ReadState{ConversationID: conversationID, ReaderID: readerID}
	var updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT last_read_seq, updated_at FROM read_state
		WHERE conversation_id = ? AND reader_id = ?
	`, conversationID, readerID).Scan(&st.LastReadID, &updatedAtStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying read state: %w", err)
	}

	st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return st, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
