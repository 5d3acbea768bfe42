package bugreports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportSessionCompletion(t *testing.T) {
	t.Parallel()

	questions := []string{
		"What happened?",
		"Steps to reproduce?",
		"Which version?",
	}
	owner := ReportAuthor{ID: "123", Username: "reporter"}

	sess, err := newReportSession(owner, questions)
	require.NoError(t, err)
	assert.Equal(t, ReportStatusActive, sess.Status())
	assert.Equal(t, len(questions), sess.Remaining())

	current, ok := sess.CurrentQuestion()
	require.True(t, ok)
	assert.Equal(t, "What happened?", current)

	next, status, err := sess.SubmitReply("Game crashed")
	require.NoError(t, err)
	assert.Equal(t, ReportStatusActive, status)
	assert.Equal(t, "Steps to reproduce?", next)

	next, status, err = sess.SubmitReply("Open menu then click X")
	require.NoError(t, err)
	assert.Equal(t, ReportStatusActive, status)
	assert.Equal(t, "Which version?", next)

	next, status, err = sess.SubmitReply("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, ReportStatusCompleted, status)
	assert.Empty(t, next)
	assert.Zero(t, sess.Remaining())

	answers := sess.Answers()
	require.Len(t, answers, 3)
	assert.Equal(
		t,
		ReportResponse{
			Question: "What happened?",
			Response: "Game crashed",
		},
		answers[0],
	)
	assert.Equal(
		t,
		ReportResponse{
			Question: "Steps to reproduce?",
			Response: "Open menu then click X",
		},
		answers[1],
	)
	assert.Equal(
		t,
		ReportResponse{Question: "Which version?", Response: "1.2.3"},
		answers[2],
	)
}

func TestReportSessionCancelKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reply        string
		expectCancel bool
	}{
		{reply: "quit", expectCancel: true},
		{reply: "QUIT", expectCancel: true},
		{reply: "qUiT", expectCancel: true},
		{reply: "q", expectCancel: true},
		{reply: "Q", expectCancel: true},
		{reply: "  quit  ", expectCancel: true},
		{reply: "quit please", expectCancel: true},
		{reply: "quip", expectCancel: false},
		{reply: "qq", expectCancel: false},
		{reply: "yes", expectCancel: false},
		{reply: "it said quit unexpectedly", expectCancel: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.reply, func(t *testing.T) {
			t.Parallel()
			sess, err := newReportSession(
				ReportAuthor{ID: "123"},
				[]string{"What happened?", "Steps?"},
			)
			require.NoError(t, err)

			_, status, err := sess.SubmitReply(tc.reply)
			require.NoError(t, err)
			if tc.expectCancel {
				assert.Equal(t, ReportStatusCancelled, status)
				assert.Empty(t, sess.Answers())
			} else {
				assert.Equal(t, ReportStatusActive, status)
				assert.Len(t, sess.Answers(), 1)
			}
		})
	}
}

func TestReportSessionTerminalStatus(t *testing.T) {
	t.Parallel()

	sess, err := newReportSession(
		ReportAuthor{ID: "123"},
		[]string{"What happened?"},
	)
	require.NoError(t, err)

	_, status, err := sess.SubmitReply("Game crashed")
	require.NoError(t, err)
	require.Equal(t, ReportStatusCompleted, status)

	_, status, err = sess.SubmitReply("another answer")
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Equal(t, ReportStatusCompleted, status)
	assert.Len(t, sess.Answers(), 1)

	// a timer firing after the final reply must not clobber the status
	assert.ErrorIs(t, sess.Timeout(), ErrSessionNotActive)
	assert.Equal(t, ReportStatusCompleted, sess.Status())
}

func TestReportSessionTimeout(t *testing.T) {
	t.Parallel()

	sess, err := newReportSession(
		ReportAuthor{ID: "123"},
		[]string{"What happened?"},
	)
	require.NoError(t, err)

	require.NoError(t, sess.Timeout())
	assert.Equal(t, ReportStatusTimedOut, sess.Status())

	assert.ErrorIs(t, sess.Timeout(), ErrSessionNotActive)

	_, _, err = sess.SubmitReply("too late")
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestNewReportSessionNoQuestions(t *testing.T) {
	t.Parallel()

	_, err := newReportSession(ReportAuthor{ID: "123"}, nil)
	assert.ErrorIs(t, err, ErrNoQuestionsConfigured)

	_, err = newReportSession(ReportAuthor{ID: "123"}, []string{})
	assert.ErrorIs(t, err, ErrNoQuestionsConfigured)
}

func TestReportSessionQuestionSnapshot(t *testing.T) {
	t.Parallel()

	questions := []string{"What happened?", "Steps?"}
	sess, err := newReportSession(ReportAuthor{ID: "123"}, questions)
	require.NoError(t, err)

	questions[0] = "mutated"

	current, ok := sess.CurrentQuestion()
	require.True(t, ok)
	assert.Equal(t, "What happened?", current)
}

func TestIsAffirmative(t *testing.T) {
	t.Parallel()

	for _, reply := range []string{"yes", "y", "Y", "YES", " yeah "} {
		assert.True(t, isAffirmative(reply), reply)
	}
	for _, reply := range []string{"no", "n", "", "maybe", "ok yes"} {
		assert.False(t, isAffirmative(reply), reply)
	}
}
