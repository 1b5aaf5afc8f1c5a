package miloco

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reflectCloseTag       = "</reflect>"
	reflectFallbackNotice = "\n\n(System: No final response received from Miloco backend)"

	// Substring in a Dialog.Exception message that indicates the backend's
	// conversation history is in an invalid state and the session must be
	// rotated before the next query.
	staleHistoryMarker = "tool_calls"

	defaultGraceDelay = 500 * time.Millisecond
)

// querySession is a one-shot protocol state machine. It owns one WebSocket
// connection, sends exactly one Nlp.Request, consumes instruction frames
// until a terminal one arrives, and invokes the delivery callback at most
// once. Never reused.
type querySession struct {
	chatID    string
	requestID string
	sessionID string

	logger         *slog.Logger
	deliver        func(chatID, text string, final bool)
	onStaleHistory func()
	graceDelay     time.Duration

	acc       strings.Builder
	delivered bool
}

// run drives the session to its terminal state. It returns nil on every
// terminal instruction (including Dialog.Exception, which is surfaced through
// the delivery callback) and on a server-side close without a terminal
// instruction. Known gap: the latter produces no user-visible message; it is
// logged at warn level instead of silently swallowed.
func (q *querySession) run(ctx context.Context, dialer *websocket.Dialer, wsURL string, header http.Header, req frame) error {
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return &TransportError{Err: fmt.Errorf("dial: %w (http %d)", err, resp.StatusCode)}
		}
		return &TransportError{Err: fmt.Errorf("dial: %w", err)}
	}
	defer conn.Close()

	if err := conn.WriteJSON(req); err != nil {
		return &TransportError{Err: fmt.Errorf("write request: %w", err)}
	}

	// Unblock ReadMessage when the context expires (bounded wait).
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchdogDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return &TransportError{Err: fmt.Errorf("query aborted: %w", ctx.Err())}
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				q.logger.Warn("query_closed_without_terminal",
					"chat_id", q.chatID,
					"request_id", q.requestID,
					"accumulated_len", q.acc.Len(),
				)
				return nil
			}
			return &TransportError{Err: fmt.Errorf("read: %w", err)}
		}

		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			q.logger.Warn("query_frame_decode_error", "chat_id", q.chatID, "error", err.Error())
			continue
		}
		if q.handleFrame(fr) {
			// Grace delay before closing so already-in-flight frames drain.
			q.sleep(ctx, q.graceDelay)
			return nil
		}
	}
}

// handleFrame dispatches one inbound frame and reports whether it was
// terminal.
func (q *querySession) handleFrame(fr frame) bool {
	h := fr.Header
	switch classifyInstruction(h) {
	case kindStream:
		var p streamPayload
		if err := json.Unmarshal([]byte(fr.Payload), &p); err != nil {
			q.logger.Warn("query_stream_decode_error", "chat_id", q.chatID, "error", err.Error())
			return false
		}
		q.acc.WriteString(p.Stream)
		return false

	case kindFinish:
		text := q.acc.String()
		if strings.HasSuffix(strings.TrimSpace(text), reflectCloseTag) {
			// The backend emitted internal reasoning but never closed with
			// user-facing text.
			text += reflectFallbackNotice
		}
		q.logger.Debug("query_finish", "chat_id", q.chatID, "request_id", q.requestID, "text_len", len(text))
		q.deliverFinal(text)
		return true

	case kindException:
		var p exceptionPayload
		_ = json.Unmarshal([]byte(fr.Payload), &p)
		if strings.Contains(p.Message, staleHistoryMarker) && q.onStaleHistory != nil {
			q.logger.Info("query_session_reset", "chat_id", q.chatID, "reason", "stale_history")
			q.onStaleHistory()
		}
		q.deliverFinal("Error: " + p.Message)
		return true

	case kindSaveRuleConfirm:
		var p saveRulePayload
		if err := json.Unmarshal([]byte(fr.Payload), &p); err != nil {
			q.deliverFinal("Received SaveRuleConfirm but failed to parse: " + err.Error())
			return true
		}
		q.deliverFinal(renderProposedRule(p.Rule))
		return true

	case kindUnhandledInteresting:
		q.logger.Warn("query_instruction_unhandled", "namespace", h.Namespace, "name", h.Name, "chat_id", q.chatID)
		q.deliverFinal(fmt.Sprintf("Received unhandled instruction: %s.%s\n\n%s", h.Namespace, h.Name, debugDump(fr.Payload)))
		return true

	default:
		q.logger.Debug("query_instruction_ignored", "type", h.Type, "namespace", h.Namespace, "name", h.Name)
		return false
	}
}

func (q *querySession) deliverFinal(text string) {
	if q.delivered {
		return
	}
	q.delivered = true
	if q.deliver != nil {
		q.deliver(q.chatID, text, true)
	}
}

func (q *querySession) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
