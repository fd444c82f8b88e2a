// Package steward implements a Discord bot that lets server moderators
// view and edit per-guild settings from inside Discord itself.
//
// Steward presents an interactive settings menu backed by a persistent
// guild configuration store. Edits made through the menu, through chat
// prefix commands, or through the management API all funnel through the
// same validated field mutators, so a value that would be rejected in
// one place is rejected everywhere. The bot also delivers scheduled
// reminders and watches an update feed, posting new entries to a
// per-guild channel.
//
// Key components of the package include:
//
//   - Steward: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles Discord integration and interaction dispatch.
//   - GuildConfigStore: Cached, validated access to per-guild settings.
//   - MenuManager: Tracks live settings-menu sessions, one per guild.
//   - API: Provides a backend API for bot management and monitoring.
//   - TimerRunner: Persists and delivers scheduled reminders.
//   - FeedWatcher: Polls the update feed and fans out new entries.
//
// The bot supports two application commands:
//
//   - /settings: Opens the interactive settings menu (moderators only).
//   - /remind: Schedules a reminder delivered to the invoking channel.
//
// Steward also includes rate limiting, structured logging, and a small
// authenticated web API for operating the bot without shell access.
package steward
