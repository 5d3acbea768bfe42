package bugreports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NotNil(t, cfg.Discord)
	require.NotNil(t, cfg.Reports)
	require.NotNil(t, cfg.API)

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())

	assert.True(t, cfg.Reports.RequireConfirmation)
	assert.True(t, cfg.Reports.TimeoutEveryTurn)
	assert.Equal(t, DefaultTriggerKeyword, cfg.Reports.TriggerKeyword)
	assert.Equal(t, DefaultConfirmTimeout, cfg.Reports.ConfirmTimeout)

	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(
		t,
		uint16(DefaultAPITLSMinVersion),
		cfg.API.SSL.TLSMinVersion,
	)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app-id"
	cfg.Discord.GuildID = testGuildID

	require.NoError(t, structValidator.Struct(cfg))

	cfg.Discord.Token = ""
	assert.Error(t, structValidator.Struct(cfg))
	cfg.Discord.Token = "token"

	cfg.DatabaseType = "mysql"
	assert.Error(t, structValidator.Struct(cfg))
	cfg.DatabaseType = DefaultDatabaseType

	cfg.API.SessionMaxAge = 0
	assert.Error(t, structValidator.Struct(cfg))
}

func TestCORSGINConfig(t *testing.T) {
	t.Parallel()

	corsCfg := DefaultCORSConfig()
	corsCfg.AllowOrigins = []string{"https://example.com"}

	ginCfg := corsCfg.GINConfig()
	assert.Equal(t, corsCfg.AllowOrigins, ginCfg.AllowOrigins)
	assert.Equal(t, corsCfg.AllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, corsCfg.AllowHeaders, ginCfg.AllowHeaders)
	assert.Equal(t, corsCfg.ExposeHeaders, ginCfg.ExposeHeaders)
	assert.Equal(t, corsCfg.MaxAge, ginCfg.MaxAge)
	assert.True(t, ginCfg.AllowCredentials)
}
