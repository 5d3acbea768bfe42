package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Harmiox/discord-bugreports/bugreports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("BR_DATABASE_TYPE", "sqlite")
	os.Setenv("BR_DATABASE", dbPath)
	os.Setenv("BR_DISCORD_GUILD_ID", "init-test-guild")
	t.Cleanup(
		func() {
			os.Unsetenv("BR_DATABASE_TYPE")
			os.Unsetenv("BR_DATABASE")
			os.Unsetenv("BR_DISCORD_GUILD_ID")
		},
	)

	// Mock user input
	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	customPasswordReader = mockPasswordReader

	input := "testadmin\n"
	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte(input))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Created settings for guild init-test-guild")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var creds bugreports.AdminCredentials
	err = db.First(&creds).Error
	require.NoError(t, err)

	assert.Equal(t, "testadmin", creds.Username)
	assert.NotEmpty(t, creds.Password)
	assert.NotEqual(t, "testpassword", creds.Password) // Password should be hashed

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&bugreports.User{}))
	assert.True(t, mg.HasTable(&bugreports.GuildSettings{}))
	assert.True(t, mg.HasTable(&bugreports.BugReport{}))
	assert.True(t, mg.HasTable(&bugreports.AdminCredentials{}))

	valid, err := bugreports.VerifyPassword(creds.Password, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)

	var settings bugreports.GuildSettings
	err = db.Where("guild_id = ?", "init-test-guild").Take(&settings).Error
	require.NoError(t, err)
	assert.Equal(t, "init-test-guild", settings.GuildID)
	assert.Empty(t, settings.ReportsChannelID)
	assert.Empty(t, settings.Questions)
}
