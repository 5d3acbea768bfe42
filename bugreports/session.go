package bugreports

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ReportStatus is the lifecycle state of a ReportSession. Active is the
// only non-terminal status; no transition leaves a terminal status.
type ReportStatus string

const (
	ReportStatusActive    ReportStatus = "active"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusCancelled ReportStatus = "cancelled"
	ReportStatusTimedOut  ReportStatus = "timed_out"
)

const (
	cancelKeyword      = "quit"
	cancelKeywordShort = "q"
)

var (
	// ErrNoQuestionsConfigured indicates the guild has no question list set
	ErrNoQuestionsConfigured = errors.New("no questions configured")

	// ErrNoReportsChannel indicates the guild has no reports channel set
	ErrNoReportsChannel = errors.New("no reports channel configured")

	// ErrSessionNotActive is returned for any operation on a session in a
	// terminal status
	ErrSessionNotActive = errors.New("session is not active")

	// ErrDirectMessageUnavailable indicates the user could not be messaged
	// directly (e.g. DMs disabled)
	ErrDirectMessageUnavailable = errors.New("unable to send direct message")
)

// isCancelKeyword reports whether the given reply aborts the
// conversation: exactly "q", or anything starting with "quit"
// (case-insensitive).
func isCancelKeyword(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	return lowered == cancelKeywordShort || strings.HasPrefix(lowered, cancelKeyword)
}

// ReportSession is the state machine for one in-progress bug report: the
// owner's identity snapshot, the questions not yet answered, and the
// answers collected so far. At all times
// len(answers)+len(remaining) equals the original question count.
//
// The session itself performs no I/O. The ReportCollector drives it from
// its await-reply loop, feeding inbound messages through the reply
// channel and calling SubmitReply/Timeout.
type ReportSession struct {
	owner     ReportAuthor
	channelID string

	remaining []string
	answers   []ReportResponse
	status    ReportStatus

	startedAt time.Time
	endedAt   time.Time

	// replyCh carries the owner's DM contents from the gateway handler
	// to the collector's await loop. Buffered so a single delivery never
	// blocks the gateway handler.
	replyCh chan inboundReply

	mu sync.Mutex
}

// inboundReply is one DM from the session owner: the text, and the
// message ID so the collector can acknowledge it with a reaction.
type inboundReply struct {
	content   string
	messageID string
	channelID string
}

// newReportSession constructs an active session from an owner snapshot
// and a question snapshot. The snapshot is copied, so later edits to the
// configured question list never affect an in-flight session.
func newReportSession(owner ReportAuthor, questions []string) (
	*ReportSession,
	error,
) {
	if len(questions) == 0 {
		return nil, ErrNoQuestionsConfigured
	}
	remaining := make([]string, len(questions))
	copy(remaining, questions)

	return &ReportSession{
		owner:     owner,
		remaining: remaining,
		answers:   make([]ReportResponse, 0, len(questions)),
		status:    ReportStatusActive,
		startedAt: time.Now().UTC(),
		replyCh:   make(chan inboundReply, 1),
	}, nil
}

// Owner returns the identity snapshot captured at session start.
func (s *ReportSession) Owner() ReportAuthor {
	return s.owner
}

// Status returns the session's current lifecycle state.
func (s *ReportSession) Status() ReportStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentQuestion returns the head of the remaining questions, and false
// if none remain.
func (s *ReportSession) CurrentQuestion() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remaining) == 0 {
		return "", false
	}
	return s.remaining[0], true
}

// Answers returns a copy of the (question, answer) pairs collected so
// far, in ask order.
func (s *ReportSession) Answers() ReportResponses {
	s.mu.Lock()
	defer s.mu.Unlock()
	answers := make(ReportResponses, len(s.answers))
	copy(answers, s.answers)
	return answers
}

// Remaining returns the count of questions not yet answered.
func (s *ReportSession) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.remaining)
}

// SubmitReply records the owner's answer to the current question, and
// returns the next question to ask (empty when none) along with the
// resulting status. A cancel keyword transitions the session to
// ReportStatusCancelled without recording an answer. Replies to a
// session in a terminal status return ErrSessionNotActive.
func (s *ReportSession) SubmitReply(text string) (
	next string,
	status ReportStatus,
	err error,
) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != ReportStatusActive {
		return "", s.status, ErrSessionNotActive
	}

	if isCancelKeyword(text) {
		s.status = ReportStatusCancelled
		s.endedAt = time.Now().UTC()
		return "", s.status, nil
	}

	s.answers = append(
		s.answers,
		ReportResponse{Question: s.remaining[0], Response: text},
	)
	s.remaining = s.remaining[1:]

	if len(s.remaining) == 0 {
		s.status = ReportStatusCompleted
		s.endedAt = time.Now().UTC()
		return "", s.status, nil
	}
	return s.remaining[0], s.status, nil
}

// Timeout transitions an active session to ReportStatusTimedOut. It
// returns ErrSessionNotActive if the session already reached a terminal
// status (e.g. the final reply raced the timer).
func (s *ReportSession) Timeout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != ReportStatusActive {
		return ErrSessionNotActive
	}
	s.status = ReportStatusTimedOut
	s.endedAt = time.Now().UTC()
	return nil
}

func (s *ReportSession) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slog.GroupValue(
		slog.String(columnUserID, s.owner.ID),
		slog.String("username", s.owner.Username),
		slog.String("status", string(s.status)),
		slog.Int("answered", len(s.answers)),
		slog.Int("remaining", len(s.remaining)),
	)
}
