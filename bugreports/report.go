package bugreports

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrReportNotFound indicates no report exists for the given identifier
	ErrReportNotFound = errors.New("report not found")
)

var (
	columnReportMessageID = "message_id"
)

// ReportAuthor is a snapshot of the reporting user's identity, captured
// at session start. It's embedded in BugReport rather than joined, so a
// report keeps the identity the user had when they filed it.
type ReportAuthor struct {
	ID       string `json:"id" gorm:"type:string"`
	Username string `json:"username" gorm:"type:string"`
	Disc     string `json:"disc" gorm:"type:string"`
	Avatar   string `json:"avatar" gorm:"type:string"`
	Nickname string `json:"nickname,omitempty" gorm:"type:string"`
}

// ReportResponse is one (question, answer) pair, in ask order.
type ReportResponse struct {
	Question string `json:"question"`
	Response string `json:"response"`
}

// ReportResponses is the ordered answer list, stored as a JSON column.
type ReportResponses []ReportResponse

// Scan implements the sql.Scanner interface.
func (r *ReportResponses) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unexpected type for ReportResponses: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (r ReportResponses) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (ReportResponses) GormDataType() string {
	return "string"
}

// BugReport is the durable artifact produced by a completed report
// session. The `created_at` timestamp (unix millis, via ModelUnixTime)
// replaces the legacy day-of-month `date` field.
//
//nolint:lll // struct tags can't be split
type BugReport struct {
	// Identifier is the globally unique lookup key, generated at
	// completion time (UUIDv4: 122 random bits, collisions are not a
	// practical concern at any plausible report volume)
	Identifier string `json:"identifier" gorm:"primaryKey;unique;type:string"`

	// GuildID is the community the report was filed for
	GuildID string `json:"guild_id" gorm:"type:string;index"`

	// Author identity, as of completion time
	Author ReportAuthor `json:"author" gorm:"embedded;embeddedPrefix:author_"`

	// MessageID is the posted summary message in the reports channel,
	// empty when posting failed (the report is persisted regardless)
	MessageID string `json:"message_id,omitempty" gorm:"type:string"`

	// Responses holds the (question, answer) pairs in ask order
	Responses ReportResponses `json:"responses"`

	ModelUnixTime
}

// NewBugReport builds a report from a completed session. The caller is
// expected to have checked the session reached ReportStatusCompleted.
func NewBugReport(guildID string, sess *ReportSession) *BugReport {
	report := &BugReport{
		Identifier: uuid.NewString(),
		GuildID:    guildID,
		Author:     sess.Owner(),
		Responses:  sess.Answers(),
	}
	// set explicitly rather than via autoCreateTime, so the summary
	// embed carries the timestamp before the record is persisted
	report.CreatedAt = time.Now().UTC().UnixMilli()
	return report
}

func (r *BugReport) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("identifier", r.Identifier),
		slog.String("guild_id", r.GuildID),
		slog.String(columnUserID, r.Author.ID),
		slog.String(columnReportMessageID, r.MessageID),
		slog.Int("responses", len(r.Responses)),
	)
}

// ReportStore is keyed persistence for completed reports. It exists as an
// interface to enable mocking in tests; reportStore implements it over
// GORM.
type ReportStore interface {
	// Put persists the given report, overwriting any record with the
	// same identifier
	Put(ctx context.Context, report *BugReport) error

	// Get returns the report with the given identifier, or
	// ErrReportNotFound
	Get(ctx context.Context, identifier string) (*BugReport, error)

	// List returns reports ordered most recent first
	List(ctx context.Context, limit int, offset int) ([]BugReport, error)
}

type reportStore struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger
}

// NewReportStore returns a ReportStore backed by the given connections.
func NewReportStore(db *gorm.DB, writeDB DBI, logger *slog.Logger) ReportStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &reportStore{
		db:      db,
		writeDB: writeDB,
		logger:  logger.With(loggerNameKey, "report_store"),
	}
}

func (s *reportStore) Put(ctx context.Context, report *BugReport) error {
	if _, err := s.writeDB.Save(ctx, report); err != nil {
		return fmt.Errorf("error saving report %s: %w", report.Identifier, err)
	}
	return nil
}

func (s *reportStore) Get(ctx context.Context, identifier string) (
	*BugReport,
	error,
) {
	var report BugReport
	err := s.db.WithContext(ctx).Where(
		"identifier = ?",
		identifier,
	).Take(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReportNotFound
		}
		return nil, err
	}
	return &report, nil
}

func (s *reportStore) List(ctx context.Context, limit int, offset int) (
	[]BugReport,
	error,
) {
	var reports []BugReport
	err := s.db.WithContext(ctx).Order(
		"created_at desc",
	).Limit(limit).Offset(offset).Find(&reports).Error
	return reports, err
}
