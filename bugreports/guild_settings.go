package bugreports

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gorm.io/gorm"
)

// QuestionList is the ordered question prompts for a guild, stored as a
// JSON column.
type QuestionList []string

// Scan implements the sql.Scanner interface.
func (q *QuestionList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, q)
	case string:
		return json.Unmarshal([]byte(v), q)
	default:
		return fmt.Errorf("unexpected type for QuestionList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (q QuestionList) Value() (driver.Value, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (QuestionList) GormDataType() string {
	return "string"
}

// GuildSettings holds the per-guild report configuration: the ordered
// question list and the channel report summaries are posted to. These
// are things a moderator may want to change without restarting the bot,
// so they live in the database rather than the config file.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	// GuildID is the Discord guild (community) these settings belong to
	GuildID string `json:"guild_id" gorm:"primaryKey;unique;type:string" binding:"required"`

	// ReportsChannelID is the destination channel for report summaries
	ReportsChannelID string `json:"reports_channel_id" gorm:"type:string"`

	// Questions are asked one at a time, in order
	Questions QuestionList `json:"questions" binding:"max=20,dive,required"`

	ModelUnixTime
}

// Validate checks the settings are storable. A missing reports channel
// or empty question list is allowed at rest (the collector rejects
// conversations until both are set), but a stored question list may
// never exceed MaxQuestions or contain empty prompts.
func (g *GuildSettings) Validate() error {
	if g.GuildID == "" {
		return errors.New("guild_id is required")
	}
	if len(g.Questions) > MaxQuestions {
		return fmt.Errorf(
			"too many questions: %d (max %d)",
			len(g.Questions),
			MaxQuestions,
		)
	}
	return structValidator.Struct(g)
}

func (g *GuildSettings) LogValue() slog.Value {
	if g == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("reports_channel_id", g.ReportsChannelID),
		slog.Int("questions", len(g.Questions)),
	)
}

// SettingsProvider resolves per-guild report settings. GuildSettingsCache
// implements it over GORM with an in-memory cache.
type SettingsProvider interface {
	// Get returns the settings for the guild, or ErrGuildNotConfigured
	Get(ctx context.Context, guildID string) (*GuildSettings, error)

	// Snapshot returns a copy of the question list and the reports
	// channel for the guild, for use by a new conversation. Mutating
	// stored settings afterwards does not affect the returned slice.
	Snapshot(ctx context.Context, guildID string) (
		questions []string,
		reportsChannelID string,
		err error,
	)

	// Save validates and persists the settings, refreshing the cache
	Save(ctx context.Context, settings *GuildSettings) error

	// Invalidate drops any cached entry for the guild
	Invalidate(guildID string)
}

// ErrGuildNotConfigured indicates no settings row exists for a guild.
var ErrGuildNotConfigured = errors.New("guild is not configured")

// GuildSettingsCache is the GORM-backed SettingsProvider. Reads hit the
// in-memory cache; Save and Invalidate keep it coherent (plus, when
// running multiple instances on postgres, NOTIFY-driven invalidation via
// SettingsNotifier).
type GuildSettingsCache struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*GuildSettings
}

func NewGuildSettingsCache(
	db *gorm.DB,
	writeDB DBI,
	logger *slog.Logger,
) *GuildSettingsCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettingsCache{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "guild_settings"),
		cache:   map[string]*GuildSettings{},
	}
}

func (c *GuildSettingsCache) Get(ctx context.Context, guildID string) (
	*GuildSettings,
	error,
) {
	c.mu.RLock()
	cached, ok := c.cache[guildID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return c.reload(ctx, guildID)
}

func (c *GuildSettingsCache) reload(ctx context.Context, guildID string) (
	*GuildSettings,
	error,
) {
	var settings GuildSettings
	err := c.db.WithContext(ctx).Where(
		"guild_id = ?",
		guildID,
	).Take(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGuildNotConfigured
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache[guildID] = &settings
	c.mu.Unlock()
	return &settings, nil
}

func (c *GuildSettingsCache) Snapshot(ctx context.Context, guildID string) (
	[]string,
	string,
	error,
) {
	settings, err := c.Get(ctx, guildID)
	if err != nil {
		return nil, "", err
	}
	questions := make([]string, len(settings.Questions))
	copy(questions, settings.Questions)
	return questions, settings.ReportsChannelID, nil
}

func (c *GuildSettingsCache) Save(
	ctx context.Context,
	settings *GuildSettings,
) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if _, err := c.writeDB.Save(ctx, settings); err != nil {
		return fmt.Errorf(
			"error saving settings for guild %s: %w",
			settings.GuildID,
			err,
		)
	}
	c.mu.Lock()
	c.cache[settings.GuildID] = settings
	c.mu.Unlock()
	return nil
}

func (c *GuildSettingsCache) Invalidate(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, guildID)
}

// InvalidateAll drops the whole cache, used by the NOTIFY-driven reload.
func (c *GuildSettingsCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = map[string]*GuildSettings{}
}
