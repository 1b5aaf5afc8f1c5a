// Package miloco implements the bridge to the Miloco conversational backend:
// token login over HTTP, a per-conversation session registry, and a one-shot
// WebSocket query session per outbound message.
package miloco

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultMCPList is the capability list attached to every Nlp.Request. It is
// deployment configuration, never user-supplied.
var DefaultMCPList = []string{"MIoT Automation", "MIoT Device Control"}

// Options configures a Client. WSURL is the only required field besides
// OnMessage; everything else has a working default.
type Options struct {
	// WSURL is the backend query endpoint, e.g.
	// ws://localhost:8000/api/chat/ws/query. The login and rules HTTP
	// endpoints are derived from its host (wss -> https, ws -> http).
	WSURL string

	// Username for the login exchange. Defaults to "admin".
	Username string

	// AccessToken, when set, installs a pre-obtained token and skips login.
	AccessToken string

	// MCPList overrides DefaultMCPList.
	MCPList []string

	// InsecureSkipVerify disables TLS certificate validation on both the
	// login HTTP call and the query WebSocket. Off by default; intended only
	// for private-network backends with self-signed certificates.
	InsecureSkipVerify bool

	// QueryTimeout bounds a single query round trip. Zero means the default
	// of 5 minutes; the session waits no longer than this for a terminal
	// instruction before the transport is closed.
	QueryTimeout time.Duration

	// OnMessage receives the terminal answer (or error text) for a query.
	// Invoked at most once per query, always with final=true.
	OnMessage func(chatID, text string, final bool)

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client is the bridge facade. Safe for concurrent use across conversations;
// concurrent queries for the same conversation are not serialized here (the
// serve loop runs one worker per chat for that).
type Client struct {
	wsURL        string
	loginURL     string
	httpBase     string
	origin       string
	username     string
	mcpList      []string
	queryTimeout time.Duration
	graceDelay   time.Duration
	insecure     bool

	httpClient *http.Client
	logger     *slog.Logger
	onMessage  func(chatID, text string, final bool)

	creds    *credentialStore
	sessions *sessionRegistry
}

func New(opts Options) (*Client, error) {
	wsURL := strings.TrimSpace(opts.WSURL)
	if wsURL == "" {
		return nil, fmt.Errorf("miloco: ws url is required")
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("miloco: invalid ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("miloco: ws url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("miloco: ws url has no host")
	}

	httpScheme := "http"
	if u.Scheme == "wss" {
		httpScheme = "https"
	}
	httpBase := httpScheme + "://" + u.Host

	username := strings.TrimSpace(opts.Username)
	if username == "" {
		username = "admin"
	}
	mcpList := opts.MCPList
	if mcpList == nil {
		mcpList = DefaultMCPList
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	}

	c := &Client{
		wsURL:        wsURL,
		loginURL:     httpBase + "/api/auth/login",
		httpBase:     httpBase,
		origin:       httpBase,
		username:     username,
		mcpList:      mcpList,
		queryTimeout: queryTimeout,
		graceDelay:   defaultGraceDelay,
		insecure:     opts.InsecureSkipVerify,
		httpClient:   httpClient,
		logger:       logger,
		onMessage:    opts.OnMessage,
		creds:        &credentialStore{},
		sessions:     newSessionRegistry(now),
	}
	if strings.TrimSpace(opts.AccessToken) != "" {
		c.creds.configure(opts.AccessToken)
	}
	return c, nil
}

// LoggedIn reports whether a token is installed.
func (c *Client) LoggedIn() bool {
	_, ok := c.creds.get()
	return ok
}

// Configure installs a pre-obtained token. Idempotent.
func (c *Client) Configure(token string) {
	c.creds.configure(token)
}

// Login exchanges the secret for a token. Returns immediately with the
// existing token when already authenticated.
func (c *Client) Login(ctx context.Context, secret string) (string, error) {
	token, err := c.creds.login(ctx, c.httpClient, c.loginURL, c.username, secret)
	if err != nil {
		c.logger.Warn("miloco_login_error", "error", err.Error())
		return "", err
	}
	c.logger.Info("miloco_login_ok", "token_prefix", tokenPrefix(token))
	return token, nil
}

// ResetSession drops the session binding for chatID; the next query starts a
// fresh backend session.
func (c *Client) ResetSession(chatID string) {
	c.sessions.reset(chatID)
}

// SendQuery runs one full query session: resolve session id, dial, send the
// request event, consume instructions until a terminal one. The answer is
// pushed through OnMessage; the returned error covers only bridge-side
// failures (ErrNotLoggedIn, *TransportError, timeout).
func (c *Client) SendQuery(ctx context.Context, chatID, text string) error {
	token, ok := c.creds.get()
	if !ok {
		return ErrNotLoggedIn
	}

	requestID := uuid.NewString()
	sessionID := c.sessions.get(chatID)
	req, err := newRequestFrame(requestID, sessionID, text, c.mcpList, time.Now())
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	header := http.Header{}
	header.Set("Cookie", "access_token="+token)
	header.Set("Origin", c.origin)

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	c.logger.Info("miloco_query_start",
		"chat_id", chatID,
		"request_id", requestID,
		"session_id", sessionID,
		"text_len", len(text),
	)

	q := &querySession{
		chatID:     chatID,
		requestID:  requestID,
		sessionID:  sessionID,
		logger:     c.logger,
		deliver:    c.onMessage,
		graceDelay: c.graceDelay,
		onStaleHistory: func() {
			c.sessions.reset(chatID)
		},
	}
	return q.run(ctx, c.dialer(), c.queryURL(requestID, sessionID), header, req)
}

// SendPhotoQuery embeds a resolved media URL (and optional caption) into a
// text query. The Nlp.Request payload only carries a query string, so images
// travel by reference.
func (c *Client) SendPhotoQuery(ctx context.Context, chatID, fileURL, caption string) error {
	caption = strings.TrimSpace(caption)
	query := "[Image: " + fileURL + "]"
	if caption != "" {
		query = caption + " " + query
	}
	return c.SendQuery(ctx, chatID, query)
}

// HandleInboundMessage is the chat-side entry point. While unauthenticated
// the text is treated as the backend password; afterwards it becomes a query.
// Every failure is reported back through OnMessage, never propagated to the
// chat transport.
func (c *Client) HandleInboundMessage(ctx context.Context, chatID, text string) {
	if !c.LoggedIn() {
		if _, err := c.Login(ctx, strings.TrimSpace(text)); err != nil {
			c.notify(chatID, "Login failed: "+err.Error()+". Please try again.")
			return
		}
		c.notify(chatID, "Login successful! You can now chat with Miloco.")
		return
	}
	if err := c.SendQuery(ctx, chatID, text); err != nil {
		c.reportQueryError(chatID, err)
	}
}

// HandleInboundPhoto follows the same authenticated path as text. Photos
// received before login are ignored with a prompt to authenticate.
func (c *Client) HandleInboundPhoto(ctx context.Context, chatID, fileURL, caption string) {
	if !c.LoggedIn() {
		c.notify(chatID, "Not logged in. Please enter your password.")
		return
	}
	if err := c.SendPhotoQuery(ctx, chatID, fileURL, caption); err != nil {
		c.reportQueryError(chatID, err)
	}
}

func (c *Client) reportQueryError(chatID string, err error) {
	if errors.Is(err, ErrNotLoggedIn) {
		c.notify(chatID, "Not logged in. Please enter your password.")
		return
	}
	c.logger.Warn("miloco_query_error", "chat_id", chatID, "error", err.Error())
	c.notify(chatID, "Failed to send message to Miloco. Check logs.")
}

func (c *Client) notify(chatID, text string) {
	if c.onMessage != nil {
		c.onMessage(chatID, text, true)
	}
}

func (c *Client) dialer() *websocket.Dialer {
	dialer := *websocket.DefaultDialer
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &dialer
}

func (c *Client) queryURL(requestID, sessionID string) string {
	sep := "?"
	if strings.Contains(c.wsURL, "?") {
		sep = "&"
	}
	return c.wsURL + sep + "request_id=" + url.QueryEscape(requestID) + "&session_id=" + url.QueryEscape(sessionID)
}

func tokenPrefix(token string) string {
	if len(token) <= 5 {
		return token
	}
	return token[:5] + "..."
}
