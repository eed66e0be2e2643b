// Package messaging is the service layer of the conversation core. It
// owns the send pipeline (upload attachments, append to the store,
// publish to the broker), read-state advancement with receipt fan-out,
// live subscriptions, and typing signals, enforcing participant
// membership at every entry point.
package messaging
