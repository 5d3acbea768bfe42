package bugreports

import (
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerConnectSetsCustomStatus(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscordSession{}
	d := &Discord{
		session: fake,
		config:  &DiscordConfig{CustomStatus: "DM me to report a bug!"},
		logger:  slog.Default(),
	}

	d.handlerConnect()(nil, nil)

	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())
	assert.Equal(
		t,
		[]string{"DM me to report a bug!"},
		fake.customStatuses(),
	)
}

func TestHandlerConnectNoCustomStatus(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscordSession{}
	d := &Discord{
		session: fake,
		config:  &DiscordConfig{},
		logger:  slog.Default(),
	}

	d.handlerConnect()(nil, nil)
	assert.Empty(t, fake.customStatuses())
}

func TestHandlerDisconnect(t *testing.T) {
	t.Parallel()

	d := &Discord{
		session: &fakeDiscordSession{},
		config:  &DiscordConfig{},
		logger:  slog.Default(),
	}
	d.connected.Store(true)

	d.handlerDisconnect()(nil, nil)

	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestNewSessionSetsHTTPClient(t *testing.T) {
	t.Parallel()

	client := &http.Client{Timeout: 17 * time.Second}
	levelVar := &slog.LevelVar{}
	levelVar.Set(slog.LevelWarn)

	d := &Discord{
		config: &DiscordConfig{
			Token:             "test-token",
			GatewayIntents:    discordgo.IntentsDirectMessages,
			DiscordGoLogLevel: levelVar,
			httpClient:        client,
		},
		logger: slog.Default(),
	}

	handler, err := d.newSession()
	require.NoError(t, err)

	session, ok := handler.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, client, session.session.Client)
	assert.Equal(t, discordgo.LogWarning, session.session.LogLevel)
}
