// Package upload resolves pending attachment files into stable storage
// references before a message is created.
//
// # Contract
//
// UploadAll streams each file to the object-storage collaborator with a
// per-call concurrency bound (default 3; extra files queue rather than
// fail). Transient faults (ErrTransient) are retried per file up to 3
// times with exponential backoff (200ms, 800ms, 3200ms) before the
// failure is surfaced as that file's terminal Result. One failing file
// never blocks its siblings; the caller decides what to do with partial
// success.
//
// Progress is reported per file as a monotonically non-decreasing 0-100
// stream: the transfer caps at 99, and 100 is emitted exactly when
// storage acknowledges the whole file. Retries resume reporting from the
// high-water mark instead of regressing.
//
// Cancelling the UploadAll context stops new files and in-flight chunk
// transfers. Files already acknowledged keep their references; cleaning
// up orphaned references is the caller's concern.
package upload
