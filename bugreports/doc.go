// Package bugreports implements a Discord bot that collects structured
// bug reports from users over direct-message conversations, and posts
// formatted summaries to a moderator-facing channel.
//
// The bot walks a user through a configured list of questions one at a
// time. Each (question, answer) pair is recorded in order, and on
// completion the assembled report is posted to the configured reports
// channel with approve/deny triage reactions attached, then persisted to
// the database under a generated identifier.
//
// Key components of the package include:
//
//   - Bot: The main struct that encapsulates the bot's core functionality.
//   - ReportSession: The per-user question/answer state machine.
//   - ConversationRegistry: Guard that prevents overlapping sessions per user.
//   - ReportCollector: Orchestrates sessions, posting and persistence.
//   - ReportStore: Durable storage for completed reports.
//   - Discord: Handles Discord integration and message processing.
//   - API: Provides a backend API for report lookup and settings management.
//
// A user starts a report either by sending any direct message to the bot
// (confirmation-first mode, answered with "yes"/"y"), or by sending a
// message starting with the "report" keyword. Replying "quit" (or "q") at
// any point cancels the conversation without persisting anything.
//
// The package is designed to be configurable: the question list, reports
// channel, confirmation behavior and reply timeouts are all settings
// rather than code.
package bugreports
