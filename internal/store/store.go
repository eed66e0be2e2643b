// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines Conversation, Message, ReadState and the error taxonomy

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller is not a participant of the conversation
var ErrForbidden = errors.New("not a conversation participant")

// ErrValidation is returned for malformed input, e.g. a message with no
// body and no attachments, or a conversation with identical participants
var ErrValidation = errors.New("validation failed")

// ErrConflict is returned by MarkReadStrict when a caller that asserts
// monotonicity itself requests a read-state regression. Plain MarkRead
// treats regressions as an idempotent no-op and never returns this.
var ErrConflict = errors.New("read state regression")

// Conversation is a two-participant message thread. Immutable after creation.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	CreatedAt    time.Time
}

// Participant reports whether userID is one of the two participants.
func (c *Conversation) Participant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// Other returns the participant that is not userID. Callers check
// membership first; for a non-participant the result is ParticipantA.
func (c *Conversation) Other(userID string) string {
	if userID == c.ParticipantA {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is one ordered unit of conversation content. ID is assigned by
// the store and is strictly increasing within its conversation; together
// with SentAt it forms the conversation's total order.
type Message struct {
	ConversationID string
	ID             int64
	SenderID       string
	Body           string
	AttachmentRefs []string
	SentAt         time.Time

	// ReadAt is derived at list time from the recipient's read state.
	// Nil until the recipient's read cursor has advanced past ID.
	ReadAt *time.Time
}

// ReadState is the per-reader monotonic marker of the last message read.
type ReadState struct {
	ConversationID string
	ReaderID       string
	LastReadID     int64
	UpdatedAt      time.Time
}

// ListMessagesParams specifies the parameters for a message page query.
type ListMessagesParams struct {
	ConversationID string // Required
	Cursor         string // Opaque cursor from a previous response, empty for start
	Limit          int    // 1-500, defaults to 50
}

// ListMessagesResult is one page of messages in ascending (SentAt, ID) order.
type ListMessagesResult struct {
	Messages   []*Message
	NextCursor string // Opaque cursor for the next page, empty if no more
	HasMore    bool
}

// Store defines the interface for conversation and message persistence.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, participantA, participantB string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// Messages. AppendMessage linearizes ordering per conversation: the
	// returned (SentAt, ID) pair is strictly greater than every message
	// previously appended to the same conversation, under any concurrency.
	AppendMessage(ctx context.Context, conversationID, senderID, body string, attachmentRefs []string) (*Message, error)
	ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error)

	// Read state. MarkRead is idempotent: a request that does not advance
	// the cursor is a no-op with advanced=false. MarkReadStrict returns
	// ErrConflict instead for explicit regressions.
	MarkRead(ctx context.Context, conversationID, readerID string, uptoMessageID int64) (advanced bool, err error)
	MarkReadStrict(ctx context.Context, conversationID, readerID string, uptoMessageID int64) (advanced bool, err error)
	GetReadState(ctx context.Context, conversationID, readerID string) (*ReadState, error)

	// Close releases any resources held by the store
	Close() error
}
