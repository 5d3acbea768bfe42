package bugreports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	msgConfirmPrompt = "Are you wanting to start a report? " +
		"*(Respond with **yes** or **y** to start one)*"
	msgConfirmDeclined = "No problem, but feel free to message me any " +
		"time you do want to make a report!"
	msgReplyTimeout    = "It looks like you're not there. Have a good day!"
	msgNoQuestions     = "It seems bug reports have not been set up for this server yet."
	msgNoReportChannel = "I was unable to find the reports channel."
	msgCancelled       = "Bug report has been cancelled."
	msgSent            = "Thank you, your report has been sent!"
	msgPartialPost     = "Your report was saved, but I was unable to post " +
		"it to the reports channel."
)

// errReplyTimeout indicates the user did not reply within the configured
// wait window.
var errReplyTimeout = errors.New("timed out waiting for a reply")

// ReportCollector is the orchestrator for report conversations: it gates
// entry through the ConversationRegistry, resolves the guild's question
// snapshot, drives a ReportSession to a terminal status over DM
// exchanges, and persists completed reports.
//
// Inbound direct messages arrive via HandleMessage, on the gateway
// handler's goroutine. Each conversation runs on its own goroutine;
// replies are handed over through the session's reply channel.
type ReportCollector struct {
	config   *ReportsConfig
	guildID  string
	registry *ConversationRegistry
	store    ReportStore
	settings SettingsProvider
	session  DiscordSessionHandler
	writeDB  DBI
	logger   *slog.Logger

	// confirmLimiters throttles confirmation prompts per user, so a
	// chatty user doesn't get re-prompted on every message
	confirmLimiters map[string]*rate.Limiter
	limiterMu       sync.Mutex

	wg sync.WaitGroup
}

func NewReportCollector(
	config *ReportsConfig,
	guildID string,
	registry *ConversationRegistry,
	store ReportStore,
	settings SettingsProvider,
	session DiscordSessionHandler,
	writeDB DBI,
	logger *slog.Logger,
) *ReportCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportCollector{
		config:          config,
		guildID:         guildID,
		registry:        registry,
		store:           store,
		settings:        settings,
		session:         session,
		writeDB:         writeDB,
		logger:          logger.With(loggerNameKey, "report_collector"),
		confirmLimiters: map[string]*rate.Limiter{},
	}
}

// isAffirmative reports whether the reply confirms starting a report
// ("yes"/"y", case-insensitive prefix).
func isAffirmative(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), "y")
}

// matchesTrigger reports whether the message starts with the configured
// trigger keyword (case-insensitive).
func (c *ReportCollector) matchesTrigger(text string) bool {
	keyword := strings.ToLower(c.config.TriggerKeyword)
	if keyword == "" {
		return false
	}
	return strings.HasPrefix(
		strings.ToLower(strings.TrimSpace(text)),
		keyword,
	)
}

func (c *ReportCollector) confirmLimiter(userID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	limiter, ok := c.confirmLimiters[userID]
	if !ok {
		perMinute := c.config.ConfirmPromptsPerMinute
		if perMinute <= 0 {
			perMinute = DefaultConfirmPromptsPerMinute
		}
		burst := c.config.ConfirmPromptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perMinute/60), burst)
		c.confirmLimiters[userID] = limiter
	}
	return limiter
}

// HandleMessage is the entry point for inbound direct messages. For a
// user with a conversation in flight, the message is delivered to that
// conversation's reply channel. For an idle user, it may start a new
// conversation, depending on the configured entry style.
func (c *ReportCollector) HandleMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	userID := m.Author.ID

	user, _, err := c.writeDB.GetOrCreateUser(ctx, *m.Author)
	if err != nil {
		c.logger.Error(
			"error upserting user",
			tint.Err(err),
			columnUserID, userID,
		)
		return
	}
	if user.Ignored {
		return
	}

	if sess := c.registry.Get(userID); sess != nil {
		// non-blocking: only one prompt is outstanding at a time, so a
		// second message before the loop consumes the first is dropped
		select {
		case sess.replyCh <- inboundReply{
			content:   m.Content,
			messageID: m.ID,
			channelID: m.ChannelID,
		}:
		default:
			c.logger.Debug(
				"dropping extra reply",
				columnUserID, userID,
			)
		}
		return
	}

	triggered := c.matchesTrigger(m.Content)
	if !c.config.RequireConfirmation && !triggered {
		return
	}

	if !c.registry.TryAcquire(userID) {
		// conversation setup already in progress for this user
		return
	}

	if c.config.RequireConfirmation && !triggered {
		if !c.confirmLimiter(userID).Allow() {
			c.registry.Release(userID)
			return
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.registry.Release(userID)
		c.collect(ctx, user, m, triggered)
	}()
}

// collect runs one conversation start to finish. The registry slot for
// the user is held by the caller and released when this returns.
func (c *ReportCollector) collect(
	ctx context.Context,
	user *User,
	m *discordgo.MessageCreate,
	triggered bool,
) {
	userID := user.ID
	logger := c.logger.With(userLogAttrs(*user)...)

	// prompts go to the user's DM channel; the inbound message's channel
	// is the fallback when opening one fails (for DMs they're the same)
	channelID := m.ChannelID
	if dmChannel, dmErr := c.session.UserChannelCreate(userID); dmErr != nil {
		logger.Warn(
			"unable to open dm channel, using the inbound channel",
			tint.Err(dmErr),
		)
	} else if dmChannel != nil {
		channelID = dmChannel.ID
	}

	questions, reportsChannelID, err := c.settings.Snapshot(ctx, c.guildID)
	switch {
	case errors.Is(err, ErrGuildNotConfigured):
		c.notify(channelID, msgNoQuestions)
		return
	case err != nil:
		logger.Error("error resolving guild settings", tint.Err(err))
		return
	case len(questions) == 0:
		c.notify(channelID, msgNoQuestions)
		return
	case reportsChannelID == "":
		c.notify(channelID, msgNoReportChannel)
		return
	}

	sess, err := newReportSession(user.ReportAuthor(), questions)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))
		c.notify(channelID, msgNoQuestions)
		return
	}
	sess.channelID = channelID
	c.registry.Attach(userID, sess)

	if c.config.RequireConfirmation && !triggered {
		if !c.confirm(ctx, sess, channelID, logger) {
			return
		}
	}

	question, _ := sess.CurrentQuestion()
	if _, err = c.session.ChannelMessageSendEmbed(
		channelID,
		questionEmbed(question),
	); err != nil {
		logger.Warn(
			"unable to send first prompt",
			tint.Err(err),
		)
		return
	}

	c.run(ctx, sess, channelID, reportsChannelID, logger)
}

// confirm sends the yes/no confirmation prompt and awaits the reply,
// bounded by ConfirmTimeout. It returns true when the user confirmed.
func (c *ReportCollector) confirm(
	ctx context.Context,
	sess *ReportSession,
	channelID string,
	logger *slog.Logger,
) bool {
	if _, err := c.session.ChannelMessageSend(
		channelID,
		msgConfirmPrompt,
	); err != nil {
		logger.Warn("unable to send confirmation prompt", tint.Err(err))
		return false
	}

	reply, err := c.awaitReply(ctx, sess, c.config.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, errReplyTimeout) {
			c.notify(channelID, msgReplyTimeout)
		}
		return false
	}
	if !isAffirmative(reply.content) {
		c.notify(channelID, msgConfirmDeclined)
		return false
	}
	return true
}

// run is the question/answer loop: await each reply, feed it to the
// session, and act on the resulting status.
func (c *ReportCollector) run(
	ctx context.Context,
	sess *ReportSession,
	channelID string,
	reportsChannelID string,
	logger *slog.Logger,
) {
	var timeout time.Duration
	if c.config.TimeoutEveryTurn {
		timeout = c.config.ReplyTimeout
	}

	for {
		reply, err := c.awaitReply(ctx, sess, timeout)
		if err != nil {
			if errors.Is(err, errReplyTimeout) {
				if timeoutErr := sess.Timeout(); timeoutErr == nil {
					c.notify(channelID, msgReplyTimeout)
				}
			}
			return
		}

		if ackErr := c.session.MessageReactionAdd(
			reply.channelID,
			reply.messageID,
			answerAckEmoji,
		); ackErr != nil {
			logger.Debug("unable to ack reply", tint.Err(ackErr))
		}

		next, status, err := sess.SubmitReply(reply.content)
		if err != nil {
			logger.Warn("error submitting reply", tint.Err(err))
			return
		}

		switch status {
		case ReportStatusCancelled:
			c.notify(channelID, msgCancelled)
			return
		case ReportStatusCompleted:
			c.finalize(ctx, sess, channelID, reportsChannelID, logger)
			return
		default:
			if _, sendErr := c.session.ChannelMessageSendEmbed(
				channelID,
				questionEmbed(next),
			); sendErr != nil {
				logger.Warn("unable to send prompt", tint.Err(sendErr))
				_ = sess.Timeout()
				return
			}
		}
	}
}

// awaitReply blocks until the session owner's next message arrives, the
// timeout elapses, or the context is cancelled. A zero timeout waits
// indefinitely.
func (c *ReportCollector) awaitReply(
	ctx context.Context,
	sess *ReportSession,
	timeout time.Duration,
) (inboundReply, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case reply := <-sess.replyCh:
		return reply, nil
	case <-timeoutCh:
		return inboundReply{}, errReplyTimeout
	case <-ctx.Done():
		return inboundReply{}, ctx.Err()
	}
}

// finalize builds the report record from a completed session, posts the
// summary to the reports channel with the triage reactions, and persists
// the record. Posting is best-effort: a post failure still persists the
// record, without the summary message ID.
func (c *ReportCollector) finalize(
	ctx context.Context,
	sess *ReportSession,
	channelID string,
	reportsChannelID string,
	logger *slog.Logger,
) {
	report := NewBugReport(c.guildID, sess)

	posted, postErr := c.session.ChannelMessageSendEmbed(
		reportsChannelID,
		reportEmbed(report),
	)
	if postErr != nil {
		logger.Error(
			"unable to post report summary",
			tint.Err(postErr),
			"report", report,
			"reports_channel_id", reportsChannelID,
		)
	} else {
		report.MessageID = posted.ID
		for _, emoji := range []string{triageApproveEmoji, triageDenyEmoji} {
			if reactErr := c.session.MessageReactionAdd(
				reportsChannelID,
				posted.ID,
				emoji,
			); reactErr != nil {
				logger.Warn(
					"unable to add triage reaction",
					tint.Err(reactErr),
					"emoji", emoji,
				)
			}
		}
	}

	if err := c.store.Put(ctx, report); err != nil {
		logger.Error("unable to save report", tint.Err(err), "report", report)
		c.notify(
			channelID,
			fmt.Sprintf("An error has occurred while saving: %s", err),
		)
		return
	}
	// attached per-call so the record carries the posted message ID
	logger.Info("report saved", "report", report)

	if postErr != nil {
		c.notify(channelID, msgPartialPost)
		return
	}
	c.notify(channelID, msgSent)
}

// notify sends a plain text DM, logging (rather than propagating) any
// send failure.
func (c *ReportCollector) notify(channelID string, message string) {
	if _, err := c.session.ChannelMessageSend(channelID, message); err != nil {
		c.logger.Warn(
			"unable to send notification",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}

// Wait blocks until all in-flight conversations have finished.
func (c *ReportCollector) Wait() {
	c.wg.Wait()
}
