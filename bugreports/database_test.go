package bugreports

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) DBI {
	t.Helper()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "bugreports.db"),
	)
	require.NoError(t, err)
	return NewDatabase(db, nil, false)
}

func TestCreateDBUnknownType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mysql", "dsn")
	assert.Error(t, err)
}

func TestGetOrCreateUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	discordUser := discordgo.User{
		ID:            "123",
		Username:      "reporter",
		GlobalName:    "Reporter",
		Discriminator: "0001",
	}

	user, isNew, err := db.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	assert.True(t, isNew)
	require.NotNil(t, user)
	assert.Equal(t, "reporter", user.Username)
	assert.Positive(t, user.LastSeen)

	again, isNew, err := db.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, user.ID, again.ID)
}

func TestGetOrCreateUserProfileDrift(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	discordUser := discordgo.User{ID: "123", Username: "reporter"}
	_, isNew, err := db.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	require.True(t, isNew)

	discordUser.Username = "renamed"
	updated, isNew, err := db.GetOrCreateUser(ctx, discordUser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "renamed", updated.Username)

	reloaded := db.ReloadUser("123")
	require.NotNil(t, reloaded)
	assert.Equal(t, "renamed", reloaded.Username)
}

func TestGetOrCreateUserBotFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	user, _, err := db.GetOrCreateUser(
		ctx,
		discordgo.User{ID: "456", Username: "some-bot", Bot: true},
	)
	require.NoError(t, err)
	assert.True(t, user.Ignored)
}

func TestLoadUsers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	for _, id := range []string{"1", "2", "3"} {
		_, _, err := db.GetOrCreateUser(
			ctx,
			discordgo.User{ID: id, Username: "user" + id},
		)
		require.NoError(t, err)
	}

	users := db.LoadUsers()
	assert.Len(t, users, 3)

	assert.NotNil(t, db.GetUser("2"))
	assert.Nil(t, db.GetUser("99"))
}

func TestDatabaseSave(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	report := NewBugReport(testGuildID, completedSession(t))
	rows, err := db.Save(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	report.MessageID = "m1"
	_, err = db.Save(ctx, report)
	require.NoError(t, err)

	var stored BugReport
	require.NoError(
		t,
		db.DB().Where(
			"identifier = ?",
			report.Identifier,
		).Take(&stored).Error,
	)
	assert.Equal(t, "m1", stored.MessageID)
}
