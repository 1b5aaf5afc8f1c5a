package miloco

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type deliveredMessage struct {
	ChatID string
	Text   string
	Final  bool
}

type deliveryRecorder struct {
	mu    sync.Mutex
	calls []deliveredMessage
}

func (r *deliveryRecorder) record(chatID, text string, final bool) {
	r.mu.Lock()
	r.calls = append(r.calls, deliveredMessage{ChatID: chatID, Text: text, Final: final})
	r.mu.Unlock()
}

func (r *deliveryRecorder) all() []deliveredMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]deliveredMessage(nil), r.calls...)
}

// newBackendStub runs a WebSocket server that waits for the single request
// event and then hands control to script.
func newBackendStub(t *testing.T, script func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request frame: %v", err)
			return
		}
		script(t, r, req, conn)
	}))
}

func sendInstruction(t *testing.T, conn *websocket.Conn, namespace, name string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	fr := frame{
		Header: frameHeader{
			Type:      frameTypeInstruction,
			Namespace: namespace,
			Name:      name,
			Timestamp: time.Now().UnixMilli(),
		},
		Payload: string(raw),
	}
	if err := conn.WriteJSON(fr); err != nil {
		t.Errorf("write instruction: %v", err)
	}
}

func sendClose(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func newTestClient(t *testing.T, srv *httptest.Server, rec *deliveryRecorder) *Client {
	t.Helper()
	c, err := New(Options{
		WSURL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws/query",
		AccessToken: "tok",
		OnMessage:   rec.record,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.graceDelay = 0
	return c
}

func TestSendQueryStreamsToSingleAnswer(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		if r.URL.Query().Get("request_id") == "" || r.URL.Query().Get("session_id") == "" {
			t.Errorf("missing request_id/session_id in query: %s", r.URL.RawQuery)
		}
		if cookie, err := r.Cookie("access_token"); err != nil || cookie.Value != "tok" {
			t.Errorf("access_token cookie not attached (err=%v)", err)
		}
		if req.Header.Type != frameTypeEvent || req.Header.Namespace != "Nlp" || req.Header.Name != "Request" {
			t.Errorf("request header = %+v", req.Header)
		}
		var payload requestPayload
		if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
			t.Errorf("request payload: %v", err)
		}
		if payload.Query != "hello" {
			t.Errorf("query = %q, want hello", payload.Query)
		}
		if len(payload.MCPList) == 0 {
			t.Error("mcp_list is empty")
		}
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "Hi "})
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "there"})
		sendInstruction(t, conn, "Dialog", "Finish", map[string]any{})
		sendClose(conn)
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}

	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("got %d delivery callbacks, want 1: %+v", len(calls), calls)
	}
	if calls[0].ChatID != "c1" || calls[0].Text != "Hi there" || !calls[0].Final {
		t.Errorf("delivered = %+v, want final \"Hi there\" to c1", calls[0])
	}
}

func TestSendQueryOriginHeaderMatchesBackendHost(t *testing.T) {
	var gotOrigin string
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		gotOrigin = r.Header.Get("Origin")
		sendInstruction(t, conn, "Dialog", "Finish", map[string]any{})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if gotOrigin != srv.URL {
		t.Errorf("Origin = %q, want %q", gotOrigin, srv.URL)
	}
}

func TestSendQueryReflectionFallback(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "<reflect>thinking...</reflect>"})
		sendInstruction(t, conn, "Dialog", "Finish", map[string]any{})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(calls))
	}
	if !strings.HasSuffix(calls[0].Text, reflectFallbackNotice) {
		t.Errorf("text %q should end with the fallback notice", calls[0].Text)
	}
}

func TestSendQueryFinishWithoutReflectionIsUnchanged(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "All done."})
		sendInstruction(t, conn, "Dialog", "Finish", map[string]any{})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if calls := rec.all(); len(calls) != 1 || calls[0].Text != "All done." {
		t.Errorf("delivered = %+v, want unchanged text", calls)
	}
}

func TestSendQueryExceptionResetsStaleSession(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Dialog", "Exception", exceptionPayload{Message: "invalid tool_calls history"})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	before := c.sessions.get("c1")
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].Text != "Error: invalid tool_calls history" {
		t.Fatalf("delivered = %+v, want one error message", calls)
	}
	if after := c.sessions.get("c1"); after == before {
		t.Errorf("session id %q was not rotated after a stale-history error", after)
	}
}

func TestSendQueryExceptionWithoutStaleMarkerKeepsSession(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Dialog", "Exception", exceptionPayload{Message: "device unreachable"})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	before := c.sessions.get("c1")
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if after := c.sessions.get("c1"); after != before {
		t.Errorf("session id changed from %q to %q without a stale-history error", before, after)
	}
}

func TestSendQuerySaveRuleConfirm(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Confirmation", "SaveRuleConfirm", map[string]any{
			"rule": map[string]any{
				"name":      "Night light",
				"condition": "after sunset",
				"execute_info": map[string]any{
					"ai_recommend_action_descriptions": []string{"turn on hallway light"},
				},
			},
		})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(calls))
	}
	for _, want := range []string{"Night light", "after sunset", "turn on hallway light"} {
		if !strings.Contains(calls[0].Text, want) {
			t.Errorf("rule summary missing %q:\n%s", want, calls[0].Text)
		}
	}
}

func TestSendQueryUnhandledDialogInstruction(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Dialog", "ToolCall", map[string]any{"tool": "light.on"})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("got %d callbacks, want 1", len(calls))
	}
	if !strings.Contains(calls[0].Text, "Received unhandled instruction: Dialog.ToolCall") {
		t.Errorf("text = %q", calls[0].Text)
	}
	if !strings.Contains(calls[0].Text, `"tool": "light.on"`) {
		t.Errorf("debug dump missing payload: %q", calls[0].Text)
	}
}

func TestSendQueryIgnoresUninterestingNamespaces(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Device", "Status", map[string]any{"online": true})
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "ok"})
		sendInstruction(t, conn, "Dialog", "Finish", map[string]any{})
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if calls := rec.all(); len(calls) != 1 || calls[0].Text != "ok" {
		t.Errorf("delivered = %+v, want exactly the streamed text", calls)
	}
}

func TestSendQueryCloseWithoutTerminal(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		sendInstruction(t, conn, "Template", "ToastStream", streamPayload{Stream: "partial"})
		sendClose(conn)
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	// Known gap: the close is logged but produces neither an error nor a
	// delivery callback.
	if err := c.SendQuery(context.Background(), "c1", "hi"); err != nil {
		t.Fatalf("SendQuery: %v", err)
	}
	if calls := rec.all(); len(calls) != 0 {
		t.Errorf("got %d callbacks, want 0: %+v", len(calls), calls)
	}
}

func TestSendQueryNotLoggedIn(t *testing.T) {
	c, err := New(Options{
		WSURL:  "ws://127.0.0.1:1/api/chat/ws/query",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.SendQuery(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("err = %v, want ErrNotLoggedIn", err)
	}
}

func TestSendQueryTimeout(t *testing.T) {
	srv := newBackendStub(t, func(t *testing.T, r *http.Request, req frame, conn *websocket.Conn) {
		// Never send a terminal instruction.
		time.Sleep(300 * time.Millisecond)
	})
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	c.queryTimeout = 50 * time.Millisecond

	err := c.SendQuery(context.Background(), "c1", "hi")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
	if calls := rec.all(); len(calls) != 0 {
		t.Errorf("timeout should not deliver a callback, got %+v", calls)
	}
}

func TestSendQueryDialFailureIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	rec := &deliveryRecorder{}
	c := newTestClient(t, srv, rec)
	err := c.SendQuery(context.Background(), "c1", "hi")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
}
