package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/AkarinServer/miloco-bot/internal/logutil"
	"github.com/AkarinServer/miloco-bot/internal/mcpserver"
	"github.com/AkarinServer/miloco-bot/internal/recentlog"
	"github.com/AkarinServer/miloco-bot/miloco"
	"github.com/spf13/cobra"
)

type telegramJob struct {
	ChatID   int64
	Text     string
	PhotoURL string
	Caption  string
	IsPhoto  bool
}

type telegramChatWorker struct {
	Jobs chan telegramJob
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bridge and the MCP server",
		RunE:  runServe,
	}

	cmd.Flags().String("telegram-bot-token", "", "Telegram bot token.")
	cmd.Flags().StringArray("telegram-allowed-chat-id", nil, "Chat ids allowed to talk to the bot (repeatable; empty allows all).")
	cmd.Flags().Duration("telegram-poll-timeout", 30*time.Second, "Long-poll timeout for getUpdates.")
	cmd.Flags().Int("telegram-max-concurrency", 3, "Max concurrent backend queries across all chats.")

	cmd.Flags().String("miloco-ws-url", "", "Miloco query WebSocket URL (ws:// or wss://).")
	cmd.Flags().String("miloco-username", "", "Miloco login username.")
	cmd.Flags().String("miloco-password", "", "Miloco login password (can also be entered over chat).")
	cmd.Flags().String("miloco-access-token", "", "Pre-obtained Miloco access token; skips login.")
	cmd.Flags().StringArray("miloco-mcp", nil, "MCP capability names attached to each query (repeatable).")
	cmd.Flags().Duration("miloco-query-timeout", 5*time.Minute, "Upper bound for one query round trip.")
	cmd.Flags().Bool("miloco-insecure-skip-verify", false, "Skip TLS certificate validation towards the Miloco backend.")

	cmd.Flags().String("mcp-bind", "", "Bind address for the MCP HTTP server.")
	cmd.Flags().Int("mcp-port", 0, "Port for the MCP HTTP server.")
	cmd.Flags().String("mcp-api-key", "", "Bearer token guarding the MCP endpoint (empty disables auth).")
	cmd.Flags().Int64("mcp-default-chat-id", 0, "Default Telegram chat id for MCP tools when chat_id is omitted.")
	cmd.Flags().Int("mcp-recent-messages-max", 10, "How many inbound messages the recent_messages resource keeps.")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	token := strings.TrimSpace(flagOrViperString(cmd, "telegram-bot-token", "telegram.bot_token"))
	if token == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --telegram-bot-token or %s_TELEGRAM_BOT_TOKEN)", envPrefix)
	}

	allowed := make(map[int64]bool)
	for _, s := range flagOrViperStringArray(cmd, "telegram-allowed-chat-id", "telegram.allowed_chat_ids") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid telegram.allowed_chat_ids entry %q: %w", s, err)
		}
		allowed[id] = true
	}

	pollTimeout := flagOrViperDuration(cmd, "telegram-poll-timeout", "telegram.poll_timeout")
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	maxConc := flagOrViperInt(cmd, "telegram-max-concurrency", "telegram.max_concurrency")
	if maxConc <= 0 {
		maxConc = 3
	}
	sem := make(chan struct{}, maxConc)

	httpClient := &http.Client{Timeout: 60 * time.Second}
	api := newTelegramAPI(httpClient, "https://api.telegram.org", token)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	me, err := api.getMe(ctx)
	if err != nil {
		return err
	}

	backend, err := miloco.New(miloco.Options{
		WSURL:              flagOrViperString(cmd, "miloco-ws-url", "miloco.ws_url"),
		Username:           flagOrViperString(cmd, "miloco-username", "miloco.username"),
		AccessToken:        flagOrViperString(cmd, "miloco-access-token", "miloco.access_token"),
		MCPList:            flagOrViperStringArray(cmd, "miloco-mcp", "miloco.mcp_list"),
		InsecureSkipVerify: flagOrViperBool(cmd, "miloco-insecure-skip-verify", "miloco.insecure_skip_verify"),
		QueryTimeout:       flagOrViperDuration(cmd, "miloco-query-timeout", "miloco.query_timeout"),
		Logger:             logger,
		OnMessage: func(chatID, text string, final bool) {
			id, err := strconv.ParseInt(chatID, 10, 64)
			if err != nil {
				logger.Warn("telegram_bad_chat_id", "chat_id", chatID)
				return
			}
			if err := api.sendMessageChunked(context.Background(), id, text); err != nil {
				logger.Warn("telegram_send_error", "chat_id", chatID, "error", err.Error())
			}
		},
	})
	if err != nil {
		return err
	}

	if password := strings.TrimSpace(flagOrViperString(cmd, "miloco-password", "miloco.password")); password != "" && !backend.LoggedIn() {
		if _, err := backend.Login(ctx, password); err != nil {
			// Chat-side login still works; don't refuse to start.
			logger.Warn("miloco_startup_login_failed", "error", err.Error())
		}
	}

	recent := recentlog.New(flagOrViperInt(cmd, "mcp-recent-messages-max", "mcp.recent_messages_max"))

	mcpSrv, err := mcpserver.New(mcpserver.Options{
		Version:       version,
		APIKey:        flagOrViperString(cmd, "mcp-api-key", "mcp.api_key"),
		DefaultChatID: flagOrViperInt64(cmd, "mcp-default-chat-id", "mcp.default_chat_id"),
		Messenger:     &telegramMessenger{api: api},
		Rules:         backend,
		Recent:        recent,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	mcpBind := strings.TrimSpace(flagOrViperString(cmd, "mcp-bind", "mcp.bind"))
	if mcpBind == "" {
		mcpBind = "0.0.0.0"
	}
	mcpPort := flagOrViperInt(cmd, "mcp-port", "mcp.port")
	if mcpPort <= 0 {
		mcpPort = 3000
	}
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpSrv.Handler())
	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(mcpBind, strconv.Itoa(mcpPort)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("mcp_server_start", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mcp_server_error", "error", err.Error())
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	var (
		mu      sync.Mutex
		workers = make(map[int64]*telegramChatWorker)
		offset  int64
	)

	logger.Info("telegram_start",
		"bot_username", me.Username,
		"bot_id", me.ID,
		"poll_timeout", pollTimeout.String(),
		"max_concurrency", maxConc,
		"logged_in", backend.LoggedIn(),
	)

	// One worker per chat keeps queries for a conversation strictly in order;
	// sem bounds concurrency across chats.
	getOrStartWorkerLocked := func(chatID int64) *telegramChatWorker {
		if w, ok := workers[chatID]; ok && w != nil {
			return w
		}
		w := &telegramChatWorker{Jobs: make(chan telegramJob, 16)}
		workers[chatID] = w

		go func(chatID int64, w *telegramChatWorker) {
			for job := range w.Jobs {
				sem <- struct{}{}
				func() {
					defer func() { <-sem }()

					typingStop := startTypingTicker(context.Background(), api, chatID, "typing", 4*time.Second)
					defer typingStop()

					chatKey := strconv.FormatInt(chatID, 10)
					if job.IsPhoto {
						backend.HandleInboundPhoto(ctx, chatKey, job.PhotoURL, job.Caption)
					} else {
						backend.HandleInboundMessage(ctx, chatKey, job.Text)
					}
				}()
			}
		}(chatID, w)

		return w
	}

	helpText := "Send a message and I will ask the Miloco assistant.\n" +
		"Commands: /reset, /id, /help\n\n" +
		"If the bridge is not logged in yet, your first message is used as the Miloco password.\n" +
		"You can also send a photo (with an optional caption) and Miloco will look at it."

	for {
		updates, nextOffset, err := api.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("telegram_stop")
				return nil
			}
			logger.Warn("telegram_get_updates_error", "error", err.Error())
			if err := sleepWithContext(ctx, 1*time.Second); err != nil {
				logger.Info("telegram_stop")
				return nil
			}
			continue
		}
		offset = nextOffset

		for _, u := range updates {
			msg := u.Message
			if msg == nil {
				msg = u.EditedMessage
			}
			if msg == nil || msg.Chat == nil {
				continue
			}
			if msg.From != nil && msg.From.IsBot {
				continue
			}
			chatID := msg.Chat.ID
			chatType := strings.ToLower(strings.TrimSpace(msg.Chat.Type))
			text := strings.TrimSpace(messageTextOrCaption(msg))

			cmdWord, _ := splitCommand(text)
			switch normalizeSlashCommand(cmdWord) {
			case "/start", "/help":
				_ = api.sendMessage(context.Background(), chatID, helpText, true)
				continue
			case "/id":
				_ = api.sendMessage(context.Background(), chatID, fmt.Sprintf("chat_id=%d type=%s", chatID, chatType), true)
				continue
			case "/reset":
				if len(allowed) > 0 && !allowed[chatID] {
					logger.Warn("telegram_unauthorized_chat", "chat_id", chatID)
					_ = api.sendMessage(context.Background(), chatID, "unauthorized", true)
					continue
				}
				backend.ResetSession(strconv.FormatInt(chatID, 10))
				_ = api.sendMessage(context.Background(), chatID, "ok (reset). The next message starts a fresh conversation.", true)
				continue
			}

			if len(allowed) > 0 && !allowed[chatID] {
				logger.Warn("telegram_unauthorized_chat", "chat_id", chatID)
				_ = api.sendMessage(context.Background(), chatID, "unauthorized", true)
				continue
			}

			job := telegramJob{ChatID: chatID, Text: text}
			if photo, ok := largestPhoto(msg.Photo); ok {
				file, err := api.getFile(ctx, photo.FileID)
				if err != nil {
					logger.Warn("telegram_get_file_error", "chat_id", chatID, "error", err.Error())
					_ = api.sendMessage(context.Background(), chatID, "Failed to fetch the photo from Telegram.", true)
					continue
				}
				job.IsPhoto = true
				job.PhotoURL = api.fileURL(file.FilePath)
				job.Caption = strings.TrimSpace(msg.Caption)
				job.Text = ""
			} else if text == "" {
				continue
			}

			if job.IsPhoto {
				recent.Add(fmt.Sprintf("[%d] (photo) %s", chatID, job.Caption))
			} else {
				recent.Add(fmt.Sprintf("[%d] %s", chatID, job.Text))
			}

			mu.Lock()
			w := getOrStartWorkerLocked(chatID)
			mu.Unlock()
			select {
			case w.Jobs <- job:
			default:
				logger.Warn("telegram_chat_busy", "chat_id", chatID)
				_ = api.sendMessage(context.Background(), chatID, "Busy with earlier messages, please retry in a moment.", true)
			}
		}
	}
}

// telegramMessenger adapts the bot API to the MCP tool surface.
type telegramMessenger struct {
	api *telegramAPI
}

func (m *telegramMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	return m.api.sendMessageChunked(ctx, chatID, text)
}

func (m *telegramMessenger) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error {
	return m.api.sendPhoto(ctx, chatID, photoURL, caption)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
