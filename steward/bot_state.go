package steward

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnBotStateAdminUsername = "admin_username"
	columnBotStateAdminPassword = "admin_password"

	columnBotStateDiscordCustomStatus          = "discord_custom_status"
	columnBotStateDiscordNotificationChannelID = "discord_notification_channel_id"
	columnBotStatePaused                       = "paused"
)

// BotState holds settings that can be modified at runtime and persist
// across restarts (e.g., being paused). Exactly one row exists; it's
// created on first startup and loaded by every instance sharing the
// database.
//
//nolint:lll // struct tags can't be split
type BotState struct {
	ModelUintID
	ModelUnixTime

	// Paused indicates whether the bot is currently paused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection. Required for the bot
	// to receive interactions and appear online.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// NotificationChannelID receives operational announcements, like the
	// startup message.
	NotificationChannelID string `json:"discord_notification_channel_id" gorm:"column:discord_notification_channel_id;type:string"`

	// BusyMessage is shown when a menu press is rejected because the
	// session is already working on an earlier press.
	BusyMessage string `json:"busy_message" gorm:"type:string" binding:"omitempty,min=1,max=500"`

	// ErrorMessage is the generic user-facing failure message.
	ErrorMessage string `json:"error_message" gorm:"type:string" binding:"omitempty,min=1,max=500"`

	// FeedPollInterval overrides the configured update-feed poll
	// interval when set.
	FeedPollInterval Duration `json:"feed_poll_interval" gorm:"type:string"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// FeedLogLevel is the logging level for the update-feed watcher.
	FeedLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:feed_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"feed_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (BotState) TableName() string {
	return "bot_state"
}

func DefaultBotState() BotState {
	return BotState{
		DiscordGatewayEnabled: true,
		DiscordCustomStatus:   DefaultDiscordCustomStatus,
		BusyMessage:           DefaultDiscordBusyMessage,
		ErrorMessage:          DefaultDiscordErrorMessage,
		LogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:       DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:     DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:      DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:           DBLogLevel(slog.LevelInfo.String()),
		FeedLogLevel:          DBLogLevel(slog.LevelInfo.String()),
	}
}

// Sanitized returns a copy safe to hand to API clients: the password
// hash is stripped.
func (b BotState) Sanitized() BotState {
	b.AdminPassword = ""
	return b
}

// busyMessage returns the configured busy message, or the default if the
// column is empty.
func (b BotState) busyMessage() string {
	if b.BusyMessage != "" {
		return b.BusyMessage
	}
	return DefaultDiscordBusyMessage
}

// errorMessage returns the configured generic error message, or the
// default if the column is empty.
func (b BotState) errorMessage() string {
	if b.ErrorMessage != "" {
		return b.ErrorMessage
	}
	return DefaultDiscordErrorMessage
}

// BotStateUpdate is the PATCH payload for [BotState]. Nil fields are
// left unchanged.
//
//nolint:lll // can't break tags
type BotStateUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordGatewayEnabled *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus   *string `json:"discord_custom_status,omitempty"`
	NotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	BusyMessage  *string `json:"busy_message,omitempty" binding:"omitnil,min=1,max=500"`
	ErrorMessage *string `json:"error_message,omitempty" binding:"omitnil,min=1,max=500"`

	FeedPollInterval *Duration `json:"feed_poll_interval,omitempty"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	FeedLogLevel      *DBLogLevel `json:"feed_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func validateBotStateUpdate(field reflect.Value) any {
	if value, ok := field.Interface().(BotStateUpdate); ok {
		if value.FeedPollInterval != nil {
			interval := *value.FeedPollInterval
			if interval.Duration != 0 && interval.Duration < 10*time.Second {
				return "feed_poll_interval must be at least 10s"
			}
			if interval.Duration > 24*time.Hour {
				return "feed_poll_interval must be at most 24h"
			}
		}
	}
	return nil
}

func (b BotStateUpdate) validate() error {
	err := structValidator.Struct(b)
	if err != nil {
		return err
	}
	if msg := validateBotStateUpdate(reflect.ValueOf(b)); msg != nil {
		return fmt.Errorf("%v", msg)
	}
	return nil
}

func getDiscordPresenceStatusUpdate(state BotState) discordgo.GatewayStatusUpdate {
	if state.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: state.DiscordCustomStatus}
}
