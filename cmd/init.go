package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"

	"github.com/Harmiox/discord-bugreports/bugreports"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable BR_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable BR_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
		db, err := bugreports.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}

		out := cmd.OutOrStdout()

		var creds bugreports.AdminCredentials
		rv := db.Last(&creds)
		if rv.Error != nil && !errors.Is(rv.Error, gorm.ErrRecordNotFound) {
			log.Fatalf(
				"Error retrieving admin credentials: %s",
				rv.Error.Error(),
			)
		}

		if creds.Username == "" || creds.Password == "" {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

			reader := bufio.NewReader(os.Stdin)

			// Prompt for username
			fmt.Fprint(out, "Enter admin username: ")
			username, _ := reader.ReadString('\n')
			username = strings.TrimSpace(username)

			// Prompt for password
			var password string

			if customPasswordReader == nil {
				customPasswordReader = func() ([]byte, error) {
					return term.ReadPassword(int(syscall.Stdin))
				}
			}
			for {
				fmt.Fprint(out, "Enter admin password: ")
				passwordBytes, _ := customPasswordReader()
				password = string(passwordBytes)
				fmt.Fprintln(out)

				fmt.Fprint(out, "Confirm admin password: ")
				confirmPasswordBytes, _ := customPasswordReader()
				confirmPassword := string(confirmPasswordBytes)
				fmt.Fprintln(out)

				if password == confirmPassword {
					break
				}
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
			}

			hashedPassword, err := bugreports.HashPassword(password)
			if err != nil {
				log.Fatalf("Error hashing password: %v", err)
			}

			creds.Username = username
			creds.Password = hashedPassword
			if err := db.Save(&creds).Error; err != nil {
				log.Fatalf("Error saving admin credentials: %v", err)
			}

			fmt.Fprintln(out, "Admin credentials set successfully.")
		} else {
			fmt.Fprintln(out, "Admin credentials are already set.")
		}

		if cfg.Discord != nil && cfg.Discord.GuildID != "" {
			var settings bugreports.GuildSettings
			rv = db.Where(
				"guild_id = ?",
				cfg.Discord.GuildID,
			).Take(&settings)
			switch {
			case rv.Error == nil:
				fmt.Fprintf(
					out,
					"Settings for guild %s already exist.\n",
					cfg.Discord.GuildID,
				)
			case errors.Is(rv.Error, gorm.ErrRecordNotFound):
				settings.GuildID = cfg.Discord.GuildID
				if err = db.Save(&settings).Error; err != nil {
					log.Fatalf("Error saving guild settings: %v", err)
				}
				fmt.Fprintf(
					out,
					"Created settings for guild %s. Set the question list "+
						"and reports channel via the backend API before "+
						"accepting reports.\n",
					cfg.Discord.GuildID,
				)
			default:
				log.Fatalf(
					"Error retrieving guild settings: %v",
					rv.Error,
				)
			}
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the server with the 'run' subcommand.",
		)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
