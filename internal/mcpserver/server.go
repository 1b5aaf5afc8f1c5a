// Package mcpserver exposes the Telegram channel and the backend's automation
// rules as MCP tools and resources over the streamable HTTP transport.
package mcpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/AkarinServer/miloco-bot/internal/recentlog"
	"github.com/AkarinServer/miloco-bot/miloco"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const recentMessagesURI = "telegram://messages/recent"

// Messenger is the outbound half of the Telegram transport.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error
}

// RuleStore is the backend automation-rule surface.
type RuleStore interface {
	ListRules(ctx context.Context) ([]miloco.Rule, error)
	ToggleRule(ctx context.Context, id string, enabled bool) error
}

type Options struct {
	Version string
	// APIKey guards the HTTP endpoint; empty disables auth.
	APIKey string
	// DefaultChatID is the fallback tool target when chat_id is omitted.
	DefaultChatID int64
	Messenger     Messenger
	Rules         RuleStore
	Recent        *recentlog.Ring
	Logger        *slog.Logger
}

type Server struct {
	mcpServer     *mcp.Server
	apiKey        string
	defaultChatID int64
	messenger     Messenger
	rules         RuleStore
	recent        *recentlog.Ring
	logger        *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Messenger == nil {
		return nil, fmt.Errorf("mcpserver: messenger is required")
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recent := opts.Recent
	if recent == nil {
		recent = recentlog.New(0)
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    "miloco-bot",
			Version: version,
		}, nil),
		apiKey:        strings.TrimSpace(opts.APIKey),
		defaultChatID: opts.DefaultChatID,
		messenger:     opts.Messenger,
		rules:         opts.Rules,
		recent:        recent,
		logger:        logger,
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Handler returns the streamable HTTP handler, wrapped with bearer auth when
// an API key is configured.
func (s *Server) Handler() http.Handler {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
	if s.apiKey == "" {
		return handler
	}
	want := []byte("Bearer " + s.apiKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			s.logger.Warn("mcp_unauthorized", "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

type sendMessageInput struct {
	Message string `json:"message" jsonschema:"The message text to send"`
	ChatID  string `json:"chat_id,omitempty" jsonschema:"The Telegram chat ID to send to. Leave empty to use the configured default chat ID."`
}

type sendPhotoInput struct {
	Photo   string `json:"photo" jsonschema:"The image URL to send"`
	Caption string `json:"caption,omitempty" jsonschema:"Optional caption for the photo"`
	ChatID  string `json:"chat_id,omitempty" jsonschema:"The Telegram chat ID to send to. Leave empty to use the configured default chat ID."`
}

type listRulesInput struct{}

type toggleRuleInput struct {
	RuleID  string `json:"rule_id" jsonschema:"The id of the automation rule"`
	Enabled bool   `json:"enabled" jsonschema:"Whether the rule should be enabled"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "send_telegram_message",
		Description: "Send a text message to a Telegram user or group",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sendMessageInput) (*mcp.CallToolResult, any, error) {
		chatID, err := s.resolveChatID(in.ChatID)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if err := s.messenger.SendMessage(ctx, chatID, in.Message); err != nil {
			return errorResult("Failed to send message: " + err.Error()), nil, nil
		}
		return textResult(fmt.Sprintf("Message sent to %d", chatID)), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "send_telegram_photo",
		Description: "Send a photo/image to a Telegram user or group",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in sendPhotoInput) (*mcp.CallToolResult, any, error) {
		chatID, err := s.resolveChatID(in.ChatID)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		if err := s.messenger.SendPhoto(ctx, chatID, in.Photo, in.Caption); err != nil {
			return errorResult("Failed to send photo: " + err.Error()), nil, nil
		}
		return textResult(fmt.Sprintf("Photo sent to %d", chatID)), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_rules",
		Description: "List the Miloco automation rules",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in listRulesInput) (*mcp.CallToolResult, any, error) {
		if s.rules == nil {
			return errorResult("Rules are not available: Miloco backend is not configured."), nil, nil
		}
		rules, err := s.rules.ListRules(ctx)
		if err != nil {
			return errorResult("Failed to list rules: " + err.Error()), nil, nil
		}
		return textResult(renderRules(rules)), nil, nil
	})

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "toggle_rule",
		Description: "Enable or disable a Miloco automation rule by id",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in toggleRuleInput) (*mcp.CallToolResult, any, error) {
		if s.rules == nil {
			return errorResult("Rules are not available: Miloco backend is not configured."), nil, nil
		}
		if err := s.rules.ToggleRule(ctx, in.RuleID, in.Enabled); err != nil {
			return errorResult("Failed to toggle rule: " + err.Error()), nil, nil
		}
		state := "disabled"
		if in.Enabled {
			state = "enabled"
		}
		return textResult(fmt.Sprintf("Rule %s %s", in.RuleID, state)), nil, nil
	})
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(&mcp.Resource{
		URI:         recentMessagesURI,
		Name:        "recent_messages",
		Description: "Get recent Telegram messages",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		raw, err := json.MarshalIndent(s.recent.List(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{{
				URI:      recentMessagesURI,
				MIMEType: "application/json",
				Text:     string(raw),
			}},
		}, nil
	})
}

// resolveChatID maps a tool-supplied chat id to a concrete Telegram chat.
// Empty and the literal "default" both mean the configured default; models
// sometimes pass the placeholder text verbatim.
func (s *Server) resolveChatID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "default") {
		if s.defaultChatID == 0 {
			return 0, fmt.Errorf("Error: No chat_id provided and no default configured.")
		}
		return s.defaultChatID, nil
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Error: chat_id %q is not a valid Telegram chat id.", raw)
	}
	return chatID, nil
}

func renderRules(rules []miloco.Rule) string {
	if len(rules) == 0 {
		return "No automation rules configured."
	}
	var b strings.Builder
	for _, r := range rules {
		state := "disabled"
		if r.Enabled {
			state = "enabled"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)", r.ID, r.Name, state)
		if strings.TrimSpace(r.Condition) != "" {
			fmt.Fprintf(&b, " when %s", r.Condition)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
