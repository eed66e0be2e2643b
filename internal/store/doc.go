// Package store provides persistent storage for conversations and messages
// using SQLite.
//
// # Data Models
//
//   - Conversation: immutable two-participant thread
//   - Message: ordered conversation content with optional attachment refs
//   - ReadState: per-reader monotonic last-read marker
//
// # Ordering
//
// Message order is the store's central guarantee. Each conversation owns a
// seq counter starting at 1; AppendMessage serializes per conversation (a
// mutex keyed by conversation id) and assigns a (sent_at, seq) pair that is
// strictly greater than every earlier message in that conversation. No
// global ordering point exists, so unrelated conversations append fully
// concurrently.
//
// # Read State
//
// MarkRead only moves the cursor forward. Requests at or below the current
// cursor are idempotent no-ops; MarkReadStrict turns an explicit regression
// into ErrConflict for callers tracking monotonicity themselves. Message
// ReadAt values are derived from the recipient's cursor at list time and
// never written to message rows.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339Nano text. Attachment refs are a JSON
// array column; the store treats each ref as an opaque string.
//
// # Error Handling
//
// Sentinel errors, all errors.Is-matchable through wrapping:
//
//   - ErrNotFound: conversation or message absent
//   - ErrForbidden: caller is not a participant
//   - ErrValidation: malformed input
//   - ErrConflict: strict read-state regression
//
// All methods accept context.Context for cancellation support.
package store
