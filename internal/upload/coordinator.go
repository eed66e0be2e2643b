// ABOUTME: Upload coordinator resolving pending files into storage references
// ABOUTME: Bounded concurrency, per-file retry with backoff, monotonic progress

package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/hearth/internal/metrics"
)

const (
	// DefaultConcurrency caps how many files of one UploadAll call are
	// in flight at once; the rest queue.
	DefaultConcurrency = 3

	// DefaultMaxRetries is how many times a transient per-file fault is
	// retried before the failure turns terminal.
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the first retry delay; each further retry
	// quadruples it (200ms, 800ms, 3200ms).
	DefaultBackoffBase = 200 * time.Millisecond
)

// File is a pending attachment: a named, sized, rewindable byte source.
// Data must support seeking so a transient failure can restart the stream.
type File struct {
	Name string
	Size int64
	Data io.ReadSeeker
}

// Result is the terminal outcome for one file: either Ref or Err is set.
// Index refers to the file's position in the UploadAll input.
type Result struct {
	Index int
	Ref   string
	Err   error
}

// Progress reports per-file upload progress, 0-100. Values for one file
// never decrease, and 100 is only reported once storage has acknowledged
// the full file.
type Progress struct {
	Index   int
	Percent int
}

// Coordinator uploads attachment files to object storage ahead of message
// creation. One failing file never blocks its siblings.
type Coordinator struct {
	storage     ObjectStorage
	concurrency int64
	maxRetries  int
	backoffBase time.Duration
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency overrides the per-call concurrency bound.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = int64(n)
		}
	}
}

// WithMaxRetries overrides the transient retry budget per file.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoffBase overrides the first retry delay (tests use short ones).
func WithBackoffBase(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// New creates a coordinator around the given storage collaborator.
// Pass nil logger for default.
func New(storage ObjectStorage, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		storage:     storage,
		concurrency: DefaultConcurrency,
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		logger:      logger.With("component", "upload"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadAll uploads the files concurrently, bounded by the coordinator's
// concurrency limit, and returns a result stream plus a best-effort
// progress stream. Every file yields exactly one Result; both channels
// close once all files have reached a terminal state. Cancelling ctx
// stops new files and new chunks but does not undo completed uploads.
func (c *Coordinator) UploadAll(ctx context.Context, conversationID string, files []File) (<-chan Result, <-chan Progress) {
	results := make(chan Result, len(files))
	progress := make(chan Progress, 64)

	go func() {
		defer close(results)
		defer close(progress)

		// The semaphore is scoped to this call, not the coordinator:
		// parallel UploadAll calls do not contend with each other.
		sem := semaphore.NewWeighted(c.concurrency)
		var wg sync.WaitGroup

		for i := range files {
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- Result{Index: i, Err: err}
				continue
			}
			file := files[i]
			index := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				results <- c.uploadFile(ctx, conversationID, index, file, progress)
			}()
		}

		wg.Wait()
	}()

	return results, progress
}

// uploadFile runs one file to a terminal state: uploaded, cancelled, or
// failed after the retry budget. A file whose bytes storage has fully
// acknowledged is never re-sent.
func (c *Coordinator) uploadFile(ctx context.Context, conversationID string, index int, file File, progress chan<- Progress) Result {
	key := objectKey(conversationID, file.Name)
	tracker := &progressTracker{index: index, size: file.Size, out: progress}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.UploadRetries.Inc()
			if _, err := file.Data.Seek(0, io.SeekStart); err != nil {
				metrics.Uploads.WithLabelValues("failed").Inc()
				return Result{Index: index, Err: fmt.Errorf("rewinding %s: %w", file.Name, err)}
			}
			tracker.rewind()
		}

		ref, err := c.storage.Put(ctx, key, tracker.reader(file.Data), file.Size)
		if err == nil {
			tracker.complete()
			metrics.Uploads.WithLabelValues("ok").Inc()
			c.logger.Debug("file uploaded",
				"conversation_id", conversationID,
				"index", index,
				"name", file.Name,
				"ref", ref,
				"attempts", attempt+1)
			return Result{Index: index, Ref: ref}
		}

		if ctx.Err() != nil {
			metrics.Uploads.WithLabelValues("failed").Inc()
			return Result{Index: index, Err: ctx.Err()}
		}
		if !errors.Is(err, ErrTransient) || attempt == c.maxRetries {
			metrics.Uploads.WithLabelValues("failed").Inc()
			c.logger.Warn("file upload failed",
				"conversation_id", conversationID,
				"index", index,
				"name", file.Name,
				"attempts", attempt+1,
				"error", err)
			return Result{Index: index, Err: err}
		}

		backoff := c.backoffBase << (2 * attempt)
		c.logger.Debug("retrying upload after transient fault",
			"index", index,
			"name", file.Name,
			"attempt", attempt+1,
			"backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			metrics.Uploads.WithLabelValues("failed").Inc()
			return Result{Index: index, Err: ctx.Err()}
		}
	}
}

// objectKey builds a unique storage key, keeping the original extension.
func objectKey(conversationID, name string) string {
	return conversationID + "/" + uuid.New().String() + filepath.Ext(name)
}

// progressTracker emits monotonic 0-100 progress for one file. During the
// transfer it caps at 99; complete() alone reports 100, so progress never
// moves from success back to in-progress, including across retries.
type progressTracker struct {
	index int
	size  int64
	out   chan<- Progress

	mu       sync.Mutex
	read     int64
	reported int
}

// reader wraps the byte source for one attempt.
func (t *progressTracker) reader(r io.Reader) io.Reader {
	return &progressReader{r: r, t: t}
}

// rewind resets the byte count for a retry; the reported watermark is kept
// so earlier percentages are never re-emitted.
func (t *progressTracker) rewind() {
	t.mu.Lock()
	t.read = 0
	t.mu.Unlock()
}

func (t *progressTracker) add(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.read += int64(n)
	pct := 99
	if t.size > 0 {
		pct = int(t.read * 100 / t.size)
		if pct > 99 {
			pct = 99
		}
	}
	if pct <= t.reported {
		return
	}
	t.reported = pct
	t.emit(pct)
}

func (t *progressTracker) complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reported = 100
	t.emit(100)
}

// emit is non-blocking: progress is best-effort and must never stall an
// upload on a slow listener. Callers hold t.mu.
func (t *progressTracker) emit(pct int) {
	select {
	case t.out <- Progress{Index: t.index, Percent: pct}:
	default:
	}
}

type progressReader struct {
	r io.Reader
	t *progressTracker
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.t.add(n)
	}
	return n, err
}
