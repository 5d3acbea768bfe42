package bugreports

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationRegistryAcquireRelease(t *testing.T) {
	t.Parallel()

	registry := NewConversationRegistry()

	assert.True(t, registry.TryAcquire("123"))
	assert.False(t, registry.TryAcquire("123"))
	assert.Equal(t, 1, registry.Len())

	// slot is a placeholder until a session is attached
	assert.Nil(t, registry.Get("123"))

	registry.Release("123")
	assert.Zero(t, registry.Len())
	assert.True(t, registry.TryAcquire("123"))
}

func TestConversationRegistryAttach(t *testing.T) {
	t.Parallel()

	registry := NewConversationRegistry()
	require.True(t, registry.TryAcquire("123"))

	sess, err := newReportSession(
		ReportAuthor{ID: "123"},
		[]string{"What happened?"},
	)
	require.NoError(t, err)

	registry.Attach("123", sess)
	assert.Same(t, sess, registry.Get("123"))
	assert.Nil(t, registry.Get("456"))
}

func TestConversationRegistryReleaseAbsent(t *testing.T) {
	t.Parallel()

	registry := NewConversationRegistry()
	registry.Release("123")
	registry.Release("123")
	assert.Zero(t, registry.Len())
}

func TestConversationRegistryConcurrentAcquire(t *testing.T) {
	t.Parallel()

	registry := NewConversationRegistry()

	var wg sync.WaitGroup
	var acquired atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.TryAcquire("123") {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), acquired.Load())
	assert.Equal(t, 1, registry.Len())
}
