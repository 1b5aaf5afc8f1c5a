package miloco

import (
	"encoding/json"
	"time"
)

// Wire protocol: every message is a frame with a discriminating header and a
// JSON-encoded string payload. (namespace, name) selects the payload schema.

const (
	frameTypeEvent       = "event"
	frameTypeInstruction = "instruction"
)

type frameHeader struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}

type frame struct {
	Header  frameHeader `json:"header"`
	Payload string      `json:"payload"`
}

type requestPayload struct {
	Query     string   `json:"query"`
	MCPList   []string `json:"mcp_list"`
	CameraIDs []string `json:"camera_ids"`
}

func newRequestFrame(requestID, sessionID, query string, mcpList []string, now time.Time) (frame, error) {
	payload, err := json.Marshal(requestPayload{
		Query:     query,
		MCPList:   mcpList,
		CameraIDs: []string{},
	})
	if err != nil {
		return frame{}, err
	}
	return frame{
		Header: frameHeader{
			Type:      frameTypeEvent,
			Namespace: "Nlp",
			Name:      "Request",
			Timestamp: now.UnixMilli(),
			RequestID: requestID,
			SessionID: sessionID,
		},
		Payload: string(payload),
	}, nil
}

type streamPayload struct {
	Stream string `json:"stream"`
}

type exceptionPayload struct {
	Message string `json:"message"`
}

type saveRulePayload struct {
	Rule proposedRule `json:"rule"`
}

type proposedRule struct {
	Name        string `json:"name"`
	Condition   string `json:"condition"`
	ExecuteInfo struct {
		AIRecommendActionDescriptions []string `json:"ai_recommend_action_descriptions"`
	} `json:"execute_info"`
}

// instructionKind classifies an inbound frame. Terminal kinds end the query
// session; kindStream accumulates; kindIgnored keeps the session waiting.
type instructionKind int

const (
	kindIgnored instructionKind = iota
	kindStream
	kindFinish
	kindException
	kindSaveRuleConfirm
	kindUnhandledInteresting
)

func classifyInstruction(h frameHeader) instructionKind {
	if h.Type != frameTypeInstruction {
		return kindIgnored
	}
	switch {
	case h.Namespace == "Template" && h.Name == "ToastStream":
		return kindStream
	case h.Namespace == "Dialog" && h.Name == "Finish":
		return kindFinish
	case h.Namespace == "Dialog" && h.Name == "Exception":
		return kindException
	case h.Namespace == "Confirmation" && h.Name == "SaveRuleConfirm":
		return kindSaveRuleConfirm
	case h.Namespace == "Dialog" || h.Namespace == "Confirmation":
		// Anything else under these namespaces ends the session with a debug
		// dump so the user at least sees that something happened.
		return kindUnhandledInteresting
	default:
		return kindIgnored
	}
}

// debugDump pretty-prints a payload when it parses as JSON, otherwise returns
// the raw text.
func debugDump(payload string) string {
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return payload
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return payload
	}
	return string(pretty)
}
