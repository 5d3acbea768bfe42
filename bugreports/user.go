package bugreports

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnUserUsername      = "username"
	columnUserGlobalName    = "global_name"
	columnUserDiscriminator = "discriminator"
	columnUserAvatar        = "avatar"
	columnUserLastSeen      = "last_seen"
	columnUserID            = "user_id"
)

// User is a record of a Discord user that has messaged the bot.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Discriminator is the legacy 4-digit discord tag
	Discriminator string `json:"discriminator" gorm:"type:string"`

	// Avatar is the resolved avatar URL
	Avatar string `json:"avatar" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots are ignored.
	Bot bool `json:"bot" gorm:"type:bool"`

	// If true, direct messages from this user never start a report
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time a direct message was seen from this user
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	user := User{
		ID:            u.ID,
		Username:      u.Username,
		GlobalName:    u.GlobalName,
		Discriminator: u.Discriminator,
		Avatar:        u.AvatarURL(""),
		Bot:           u.Bot,
		LastSeen:      time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
	)
}

// ReportAuthor returns the identity snapshot embedded in a BugReport.
func (u *User) ReportAuthor() ReportAuthor {
	author := ReportAuthor{
		ID:       u.ID,
		Username: u.Username,
		Disc:     u.Discriminator,
		Avatar:   u.Avatar,
	}
	if u.GlobalName != u.Username {
		author.Nickname = u.GlobalName
	}
	return author
}

// userChangedDiscordProfile compares the stored profile fields with the
// given discordgo.User, and returns a bool indicating whether any field
// has changed. This helps avoid 'drift' if the user updates their
// Discord profile.
func (u *User) userChangedDiscordProfile(d discordgo.User) bool {
	return d.Username != u.Username ||
		d.GlobalName != u.GlobalName ||
		d.Discriminator != u.Discriminator ||
		d.AvatarURL("") != u.Avatar
}
