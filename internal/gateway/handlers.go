// ABOUTME: REST handlers for conversations, message pages, send, and read state
// ABOUTME: Multipart send accepts a body field plus attachment files

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/hearth/internal/messaging"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/upload"
)

// maxUploadMemory bounds how much of a multipart send is buffered in
// memory before spilling to temp files.
const maxUploadMemory = 32 << 20

// CreateConversationRequest is the JSON request body for POST /conversations.
type CreateConversationRequest struct {
	Participant string `json:"participant"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID           string `json:"id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	CreatedAt    string `json:"created_at"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             int64    `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Body           string   `json:"body,omitempty"`
	AttachmentRefs []string `json:"attachment_refs,omitempty"`
	SentAt         string   `json:"sent_at"`
	ReadAt         string   `json:"read_at,omitempty"`
}

// MessagePageResponse is the JSON response for GET /conversations/{id}/messages.
type MessagePageResponse struct {
	Messages   []MessageResponse `json:"messages"`
	NextCursor string            `json:"next_cursor,omitempty"`
	HasMore    bool              `json:"has_more"`
}

// SendMessageResponse is the JSON response for POST /conversations/{id}/messages.
// Failures lists attachments that could not be uploaded; the message stands
// with the refs that succeeded.
type SendMessageResponse struct {
	Message  MessageResponse       `json:"message"`
	Failures []UploadFailureDetail `json:"failures,omitempty"`
}

// UploadFailureDetail describes one attachment that failed to upload.
type UploadFailureDetail struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// MarkReadRequest is the JSON request body for POST /conversations/{id}/read.
type MarkReadRequest struct {
	MessageID int64 `json:"message_id"`
}

// handleCreateConversation handles POST /conversations. The caller is one
// participant; the body names the other.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	caller, ok := g.userID(w, r)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.svc.CreateConversation(r.Context(), caller, req.Participant)
	if err != nil {
		g.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toConversationResponse(conv))
}

// handleListMessages handles GET /conversations/{id}/messages?cursor=&limit=.
// Membership is enforced here: history is only visible to participants.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := g.userID(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := g.svc.GetConversation(r.Context(), conversationID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if !conv.Participant(caller) {
		g.writeError(w, fmt.Errorf("%w: %s", store.ErrForbidden, caller))
		return
	}

	params := store.ListMessagesParams{
		ConversationID: conversationID,
		Cursor:         r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		params.Limit = limit
	}

	page, err := g.svc.ListMessages(r.Context(), params)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := MessagePageResponse{
		Messages:   make([]MessageResponse, len(page.Messages)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for i, msg := range page.Messages {
		resp.Messages[i] = toMessageResponse(msg)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /conversations/{id}/messages. A multipart
// form carries the text in a "body" field and attachments as "files"
// parts; a plain JSON body works for text-only sends.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := g.userID(w, r)
	if !ok {
		return
	}

	req := &messaging.SendRequest{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       caller,
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.Body = body.Body
	} else {
		if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "expected multipart form or JSON body")
			return
		}
		req.Body = r.FormValue("body")

		if r.MultipartForm != nil {
			for _, header := range r.MultipartForm.File["files"] {
				f, err := header.Open()
				if err != nil {
					g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("opening %s: %v", header.Filename, err))
					return
				}
				defer f.Close()
				req.Files = append(req.Files, upload.File{
					Name: header.Filename,
					Size: header.Size,
					Data: f,
				})
			}
		}
	}

	result, err := g.svc.SendMessage(r.Context(), req)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := SendMessageResponse{Message: toMessageResponse(result.Message)}
	for _, failure := range result.Failures {
		resp.Failures = append(resp.Failures, UploadFailureDetail{
			Index: failure.Index,
			Name:  failure.Name,
			Error: failure.Err.Error(),
		})
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleMarkRead handles POST /conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := g.userID(w, r)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.svc.MarkConversationRead(r.Context(), chi.URLParam(r, "conversationID"), caller, req.MessageID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toConversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           conv.ID,
		ParticipantA: conv.ParticipantA,
		ParticipantB: conv.ParticipantB,
		CreatedAt:    conv.CreatedAt.Format(time.RFC3339),
	}
}

func toMessageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		AttachmentRefs: msg.AttachmentRefs,
		SentAt:         msg.SentAt.Format(time.RFC3339Nano),
	}
	if msg.ReadAt != nil {
		resp.ReadAt = msg.ReadAt.Format(time.RFC3339)
	}
	return resp
}
