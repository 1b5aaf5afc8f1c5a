package main

import (
	"time"

	"github.com/AkarinServer/miloco-bot/miloco"
	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Miloco backend
	viper.SetDefault("miloco.ws_url", "ws://localhost:8000/api/chat/ws/query")
	viper.SetDefault("miloco.username", "admin")
	viper.SetDefault("miloco.password", "")
	viper.SetDefault("miloco.access_token", "")
	viper.SetDefault("miloco.mcp_list", miloco.DefaultMCPList)
	viper.SetDefault("miloco.query_timeout", 5*time.Minute)
	viper.SetDefault("miloco.insecure_skip_verify", false)

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.allowed_chat_ids", []string{})
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.max_concurrency", 3)

	// MCP server
	viper.SetDefault("mcp.bind", "0.0.0.0")
	viper.SetDefault("mcp.port", 3000)
	viper.SetDefault("mcp.api_key", "")
	viper.SetDefault("mcp.default_chat_id", int64(0))
	viper.SetDefault("mcp.recent_messages_max", 10)
}
