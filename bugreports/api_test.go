package bugreports

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newHandlerTestContext returns a gin context backed by a recorder, with
// a request attached so the logging helpers work.
func newHandlerTestContext(t *testing.T, method string, path string) (
	*gin.Context,
	*httptest.ResponseRecorder,
) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	return c, w
}

func TestGetDiscordGatewayBot(t *testing.T) {
	t.Parallel()

	fake := &fakeDiscordSession{}
	h := &APIHandlers{
		b: &Bot{
			discord: &Discord{session: fake},
			logger:  slog.Default(),
		},
		logger: slog.Default(),
	}

	c, w := newHandlerTestContext(
		t,
		http.MethodGet,
		apiPrefix+apiPathDiscordGatewayBot,
	)
	h.getDiscordGatewayBot(c)

	require.Equal(t, http.StatusOK, w.Code)

	var gb discordgo.GatewayBotResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gb))
	assert.Equal(t, "wss://gateway.discord.gg", gb.URL)
	assert.Equal(t, 1, gb.Shards)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	discord := &Discord{session: &fakeDiscordSession{}}
	discord.connected.Store(true)

	registry := NewConversationRegistry()
	require.True(t, registry.TryAcquire("123"))

	h := &APIHandlers{
		b: &Bot{
			discord:  discord,
			registry: registry,
			logger:   slog.Default(),
		},
		logger: slog.Default(),
	}

	c, w := newHandlerTestContext(t, http.MethodGet, apiHealthCheck)
	h.healthCheck(c)

	require.Equal(t, http.StatusOK, w.Code)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.True(t, health.DiscordGatewayConnected)
	assert.Equal(t, 1, health.ActiveConversations)
	assert.Equal(t, Version, health.Version)
}
