package bugreports

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))

	ok, err := VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hashed, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("not-a-hash", "hunter2")
	assert.Error(t, err)

	// salts differ per call, so hashes do too
	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, other)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abc", truncate("abcde", 3))
	assert.Equal(t, "", truncate("", 3))
	// counts runes, not bytes
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestDerive64ByteKey(t *testing.T) {
	t.Parallel()

	key := derive64ByteKey("secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("secret"))
	assert.NotEqual(t, key, derive64ByteKey("other"))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()

	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)

	// odd lengths round up
	s, err = generateRandomHexString(5)
	require.NoError(t, err)
	assert.Len(t, s, 6)
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()

	type creds struct {
		Username string `json:"username"`
		Password string `json:"password" log:"[redacted]"`
		Empty    string `json:"empty"`
	}

	value := structToSlogValue(
		creds{Username: "admin", Password: "hunter2"},
	)
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}
	assert.Equal(t, "admin", attrs["username"])
	assert.Equal(t, "[redacted]", attrs["password"])
	// empty fields are dropped
	assert.NotContains(t, attrs, "empty")
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("component", "test")
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
}
