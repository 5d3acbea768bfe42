package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()

	// Set up the test environment file
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

BR_DATABASE=/home/foo/bugreports.sqlite3
BR_DATABASE_TYPE=sqlite
BR_DATABASE_LOG_LEVEL=INFO
BR_DATABASE_SLOW_THRESHOLD=200ms
BR_LOG_LEVEL=INFO
BR_STARTUP_TIMEOUT=30s
BR_SHUTDOWN_TIMEOUT=60s

# Discord bot config

BR_DISCORD_TOKEN=your-discord-bot-token
BR_DISCORD_APPLICATION_ID=your-discord-bot-app-id
BR_DISCORD_GUILD_ID=your-guild-id
BR_DISCORD_CUSTOM_STATUS="DM me to report a bug!"
BR_DISCORD_LOG_LEVEL=WARN
BR_DISCORD_DISCORDGO_LOG_LEVEL=WARN
BR_DISCORD_GATEWAY_INTENTS=25603

# Report conversation flow

BR_REPORTS_REQUIRE_CONFIRMATION=false
BR_REPORTS_TIMEOUT_EVERY_TURN=true
BR_REPORTS_REPLY_TIMEOUT=2m
BR_REPORTS_CONFIRM_TIMEOUT=10s
BR_REPORTS_TRIGGER_KEYWORD=report
BR_REPORTS_CONFIRM_PROMPTS_PER_MINUTE=2
BR_REPORTS_CONFIRM_PROMPT_BURST=2

# API server

BR_API_LISTEN=127.0.0.1:5000
BR_API_LISTEN_NETWORK=tcp
BR_API_SSL_CERT=/etc/ssl/cert.pem
BR_API_SSL_KEY=/etc/ssl/key.pem
BR_API_SSL_TLS_MIN_VERSION=771
BR_API_SECRET=your-api-secret
BR_API_LOG_LEVEL=DEBUG
BR_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
BR_API_CORS_ALLOW_METHODS=GET POST PUT PATCH DELETE OPTIONS HEAD
BR_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept Authorization X-Requested-With Cache-Control
BR_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length Accept-Encoding Location ETag Authorization Last-Modified
BR_API_CORS_ALLOW_CREDENTIALS=true
BR_API_CORS_MAX_AGE=12h
BR_API_READ_TIMEOUT=5s
BR_API_READ_HEADER_TIMEOUT=5s
BR_API_WRITE_TIMEOUT=10s
BR_API_IDLE_TIMEOUT=30s
BR_API_SESSION_MAX_AGE=6h
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	assert.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/bugreports.sqlite3", cfg.Database)
	assert.Equal(
		t,
		"/home/foo/bugreports.sqlite3",
		viper.GetString("database"),
	)
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "your-guild-id", cfg.Discord.GuildID)

	require.NotNil(t, cfg.Reports)
	assert.False(t, cfg.Reports.RequireConfirmation)
	assert.True(t, cfg.Reports.TimeoutEveryTurn)
	assert.Equal(t, 2*time.Minute, cfg.Reports.ReplyTimeout)
	assert.Equal(t, 10*time.Second, cfg.Reports.ConfirmTimeout)
	assert.Equal(t, "report", cfg.Reports.TriggerKeyword)

	require.NotNil(t, cfg.API)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, 6*time.Hour, cfg.API.SessionMaxAge)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input     string
		expected  slog.Level
		expectErr bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "INFO", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "TRACE", expectErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			lvl, err := getLogLevel(tc.input)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, lvl)
		})
	}
}
