// Package broker provides in-memory, per-conversation fan-out of live
// messaging events.
//
// # Delivery contract
//
// Subscribers receive events for one conversation in publish order, at
// most once each. Delivery is best-effort and live-only: nothing is
// persisted, nothing is replayed. A subscriber that falls behind its
// 64-event buffer loses events silently; a client that (re)connects must
// catch up through the store before subscribing, accepting the benign
// race window between catch-up and the first live event.
//
// # Typing signals
//
// BroadcastTyping implements the typing debounce state machine on the
// server side. Per (conversation, user) signal:
//
//	Idle   -> Active  first call, emits TypingStart, arms the window timer
//	Active -> Active  call within the window, resets the timer, no emission
//	Active -> Idle    window expires, emits TypingStop, clears the signal
//
// The window defaults to 2 seconds and is configurable via
// WithTypingWindow. Signals live only in broker memory.
package broker
