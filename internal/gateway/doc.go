// Package gateway is the HTTP/WebSocket surface over the messaging
// service. Identity arrives pre-authenticated in the X-User-ID header;
// the gateway routes, shapes JSON, and maps domain errors to status
// codes (not found 404, forbidden 403, validation 400, conflict 409,
// transient storage 502) without holding business rules of its own.
//
// The WebSocket stream at /conversations/{id}/ws is live-only. Clients
// subscribe first, then reconcile history through the paginated
// messages endpoint, so nothing published after the subscription is
// missed.
package gateway
