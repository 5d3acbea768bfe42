package bugreports

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSettingsTestCache(t *testing.T) (*GuildSettingsCache, DBI) {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "bugreports.db"),
	)
	require.NoError(t, err)
	writeDB := NewDatabase(db, nil, false)
	return NewGuildSettingsCache(db, writeDB, nil), writeDB
}

func TestGuildSettingsValidate(t *testing.T) {
	t.Parallel()

	settings := &GuildSettings{
		GuildID:          testGuildID,
		ReportsChannelID: testReportsChannel,
		Questions:        QuestionList{"What happened?"},
	}
	assert.NoError(t, settings.Validate())

	settings.GuildID = ""
	assert.Error(t, settings.Validate())
	settings.GuildID = testGuildID

	tooMany := make(QuestionList, MaxQuestions+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("question %d", i)
	}
	settings.Questions = tooMany
	assert.Error(t, settings.Validate())

	settings.Questions = QuestionList{"What happened?", ""}
	assert.Error(t, settings.Validate())

	// allowed at rest: the collector refuses conversations until set
	settings.Questions = nil
	settings.ReportsChannelID = ""
	assert.NoError(t, settings.Validate())
}

func TestGuildSettingsCacheSaveGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newSettingsTestCache(t)

	_, err := cache.Get(ctx, testGuildID)
	assert.ErrorIs(t, err, ErrGuildNotConfigured)

	require.NoError(
		t, cache.Save(
			ctx, &GuildSettings{
				GuildID:          testGuildID,
				ReportsChannelID: testReportsChannel,
				Questions:        QuestionList{"What happened?", "Steps?"},
			},
		),
	)

	settings, err := cache.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testReportsChannel, settings.ReportsChannelID)
	assert.Equal(
		t,
		QuestionList{"What happened?", "Steps?"},
		settings.Questions,
	)
}

func TestGuildSettingsSnapshotIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, _ := newSettingsTestCache(t)

	require.NoError(
		t, cache.Save(
			ctx, &GuildSettings{
				GuildID:          testGuildID,
				ReportsChannelID: testReportsChannel,
				Questions:        QuestionList{"What happened?"},
			},
		),
	)

	questions, channelID, err := cache.Snapshot(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testReportsChannel, channelID)
	require.Equal(t, []string{"What happened?"}, questions)

	questions[0] = "mutated"

	settings, err := cache.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, QuestionList{"What happened?"}, settings.Questions)
}

func TestGuildSettingsCacheInvalidate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, writeDB := newSettingsTestCache(t)

	require.NoError(
		t, cache.Save(
			ctx, &GuildSettings{
				GuildID:          testGuildID,
				ReportsChannelID: testReportsChannel,
				Questions:        QuestionList{"What happened?"},
			},
		),
	)

	// write behind the cache's back
	updated := &GuildSettings{
		GuildID:          testGuildID,
		ReportsChannelID: "other-chan",
		Questions:        QuestionList{"What happened?"},
	}
	_, err := writeDB.Save(ctx, updated)
	require.NoError(t, err)

	settings, err := cache.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, testReportsChannel, settings.ReportsChannelID)

	cache.Invalidate(testGuildID)

	settings, err = cache.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "other-chan", settings.ReportsChannelID)
}

func TestGuildSettingsCacheInvalidateAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache, writeDB := newSettingsTestCache(t)

	require.NoError(
		t, cache.Save(
			ctx, &GuildSettings{
				GuildID:          testGuildID,
				ReportsChannelID: testReportsChannel,
				Questions:        QuestionList{"What happened?"},
			},
		),
	)

	updated := &GuildSettings{
		GuildID:          testGuildID,
		ReportsChannelID: "other-chan",
		Questions:        QuestionList{"Steps?"},
	}
	_, err := writeDB.Save(ctx, updated)
	require.NoError(t, err)

	cache.InvalidateAll()

	settings, err := cache.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "other-chan", settings.ReportsChannelID)
	assert.Equal(t, QuestionList{"Steps?"}, settings.Questions)
}
