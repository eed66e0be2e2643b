// ABOUTME: HTTP/WebSocket gateway exposing the conversation messaging core
// ABOUTME: Thin layer: identity header, routing, error mapping, JSON shaping

package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/hearth/internal/messaging"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/upload"
)

// userIDHeader carries the caller identity. Authentication happens
// upstream; the gateway trusts this header.
const userIDHeader = "X-User-ID"

// Gateway is the HTTP surface over the messaging service. It owns no
// business rules: every decision is delegated to the service and the
// result mapped onto status codes.
type Gateway struct {
	svc      *messaging.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New creates a gateway over the messaging service.
func New(svc *messaging.Service, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		svc:    svc,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the HTTP routing table.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", g.handleCreateConversation)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/messages", g.handleListMessages)
			r.Post("/messages", g.handleSendMessage)
			r.Post("/read", g.handleMarkRead)
			r.Get("/ws", g.handleWebSocket)
		})
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID extracts the caller identity, writing a 401 when absent.
func (g *Gateway) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userIDHeader)
	if id == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
		return "", false
	}
	return id, true
}

// writeError maps domain errors onto HTTP status codes.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrValidation):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrTransient):
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
