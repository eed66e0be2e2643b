// ABOUTME: Tests for the HTTP/WebSocket gateway
// ABOUTME: Exercises routing, identity, error mapping, multipart send, and the event stream

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hearth/internal/broker"
	"github.com/2389/hearth/internal/messaging"
	"github.com/2389/hearth/internal/store"
	"github.com/2389/hearth/internal/upload"
)

type memStorage struct {
	mu      sync.Mutex
	failing map[string]bool
}

func (s *memStorage) Put(_ context.Context, _ string, data io.Reader, _ int64) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	content := string(b)

	s.mu.Lock()
	fail := s.failing[content]
	s.mu.Unlock()
	if fail {
		return "", fmt.Errorf("storage rejected %s", content)
	}
	return "https://cdn.test/" + content, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memStorage) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "hearth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	br := broker.New(nil, broker.WithTypingWindow(50*time.Millisecond))
	t.Cleanup(br.Close)

	storage := &memStorage{failing: make(map[string]bool)}
	up := upload.New(storage, nil, upload.WithBackoffBase(time.Millisecond))

	svc := messaging.New(st, br, up, nil)
	srv := httptest.NewServer(New(svc, nil).Router())
	t.Cleanup(srv.Close)

	return srv, storage
}

// doJSON issues a request with the identity header and a JSON body.
func doJSON(t *testing.T, method, url, userID string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func createConversation(t *testing.T, srv *httptest.Server, caller, other string) ConversationResponse {
	t.Helper()
	res := doJSON(t, http.MethodPost, srv.URL+"/conversations", caller,
		CreateConversationRequest{Participant: other})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	return decodeBody[ConversationResponse](t, res)
}

func TestGateway_CreateConversation(t *testing.T) {
	srv, _ := newTestServer(t)

	conv := createConversation(t, srv, "homeowner-1", "pro-1")
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, "homeowner-1", conv.ParticipantA)
	assert.Equal(t, "pro-1", conv.ParticipantB)
}

func TestGateway_MissingIdentityHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodPost, srv.URL+"/conversations", "",
		CreateConversationRequest{Participant: "pro-1"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestGateway_CreateConversationValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	// Conversation with yourself is rejected by the core
	res := doJSON(t, http.MethodPost, srv.URL+"/conversations", "a",
		CreateConversationRequest{Participant: "a"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestGateway_SendAndListMessages(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	for i := 1; i <= 3; i++ {
		res := doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/messages", "a",
			map[string]string{"body": fmt.Sprintf("msg %d", i)})
		require.Equal(t, http.StatusCreated, res.StatusCode)
		sent := decodeBody[SendMessageResponse](t, res)
		assert.Equal(t, int64(i), sent.Message.ID)
	}

	res := doJSON(t, http.MethodGet, srv.URL+"/conversations/"+conv.ID+"/messages?limit=2", "b", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page := decodeBody[MessagePageResponse](t, res)

	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "msg 1", page.Messages[0].Body)

	res = doJSON(t, http.MethodGet,
		srv.URL+"/conversations/"+conv.ID+"/messages?limit=2&cursor="+page.NextCursor, "b", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	page = decodeBody[MessagePageResponse](t, res)

	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "msg 3", page.Messages[0].Body)
}

func TestGateway_ListMessagesForbiddenForStranger(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	res := doJSON(t, http.MethodGet, srv.URL+"/conversations/"+conv.ID+"/messages", "stranger", nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestGateway_UnknownConversationIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	res := doJSON(t, http.MethodGet, srv.URL+"/conversations/nope/messages", "a", nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGateway_MultipartSendWithAttachments(t *testing.T) {
	srv, storage := newTestServer(t)
	storage.failing["broken"] = true
	conv := createConversation(t, srv, "a", "b")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	require.NoError(t, form.WriteField("body", "photos attached"))
	for _, name := range []string{"ok", "broken"} {
		part, err := form.CreateFormFile("files", name+".jpg")
		require.NoError(t, err)
		_, err = part.Write([]byte(name))
		require.NoError(t, err)
	}
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/conversations/"+conv.ID+"/messages", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set(userIDHeader, "a")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	sent := decodeBody[SendMessageResponse](t, res)

	assert.Equal(t, []string{"https://cdn.test/ok"}, sent.Message.AttachmentRefs)
	require.Len(t, sent.Failures, 1)
	assert.Equal(t, "broken.jpg", sent.Failures[0].Name)
}

func TestGateway_MarkRead(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	res := doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/messages", "a",
		map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/read", "b",
		MarkReadRequest{MessageID: 1})
	defer res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	// Beyond the newest message: 404
	res = doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/read", "b",
		MarkReadRequest{MessageID: 99})
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestGateway_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGateway_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hearth_")
}

// dialWS opens the event stream for a participant.
func dialWS(t *testing.T, srv *httptest.Server, conversationID, userID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/conversations/" + conversationID + "/ws"
	header := http.Header{userIDHeader: []string{userID}}

	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if res != nil {
		res.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *broker.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broker.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func TestGateway_WebSocketStreamsEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	conn := dialWS(t, srv, conv.ID, "b")

	res := doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/messages", "a",
		map[string]string{"body": "hello"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	ev := readEvent(t, conn)
	assert.Equal(t, broker.EventNewMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, "hello", ev.Message.Body)

	res = doJSON(t, http.MethodPost, srv.URL+"/conversations/"+conv.ID+"/read", "b",
		MarkReadRequest{MessageID: 1})
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	ev = readEvent(t, conn)
	assert.Equal(t, broker.EventReadReceipt, ev.Type)
	assert.Equal(t, "b", ev.ReaderID)
	assert.Equal(t, int64(1), ev.MessageID)
}

func TestGateway_WebSocketTypingFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	listener := dialWS(t, srv, conv.ID, "b")
	typist := dialWS(t, srv, conv.ID, "a")

	require.NoError(t, typist.WriteJSON(map[string]string{"type": "typing"}))

	ev := readEvent(t, listener)
	assert.Equal(t, broker.EventTypingStart, ev.Type)
	assert.Equal(t, "a", ev.UserID)

	// Debounce window expires with no further frames
	ev = readEvent(t, listener)
	assert.Equal(t, broker.EventTypingStop, ev.Type)
	assert.Equal(t, "a", ev.UserID)
}

func TestGateway_WebSocketRejectsStranger(t *testing.T) {
	srv, _ := newTestServer(t)
	conv := createConversation(t, srv, "a", "b")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/conversations/" + conv.ID + "/ws"
	header := http.Header{userIDHeader: []string{"stranger"}}

	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, res)
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
