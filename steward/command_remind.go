package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	remindSubcommandMe     = "me"
	remindSubcommandList   = "list"
	remindSubcommandRemove = "remove"
)

// handleRemindCommand dispatches a `/remind` invocation to its
// subcommand handler.
func (d *Steward) handleRemindCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
	}

	sub, options := subCommandOptions(i)
	switch sub {
	case remindSubcommandMe:
		d.remindMe(ctx, logger, i, options)
	case remindSubcommandList:
		d.remindList(ctx, logger, i)
	case remindSubcommandRemove:
		d.remindRemove(ctx, logger, i, options)
	default:
		logger.WarnContext(ctx, "unknown remind subcommand", "subcommand", sub)
		d.respondEphemeral(i, d.State().errorMessage())
	}
}

// remindMe sets a reminder. The confirmation message is sent publicly
// so the eventual reminder can reply to it; its ID is appended once
// the timer row exists so the reminder can be removed later.
func (d *Steward) remindMe(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	user := getDiscordUser(i)
	if user == nil {
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}

	var when, text string
	if opt, ok := options[remindWhenOption]; ok {
		when = strings.TrimSpace(opt.StringValue())
	}
	if opt, ok := options[remindTextOption]; ok {
		text = strings.TrimSpace(opt.StringValue())
	}
	if text == "" {
		text = "something"
	}

	delay, err := parseReminderDelay(when)
	if err != nil {
		d.respondEphemeral(
			i, "I couldn't read that duration. Try `30m`, `2h`, or `7d`.",
		)
		return
	}
	if delay < minReminderDelay || delay > maxReminderDelay {
		d.respondEphemeral(
			i, "Reminders must be at least 10 seconds and at most a year out.",
		)
		return
	}

	expiry := time.Now().Add(delay)
	confirmation := fmt.Sprintf(
		"Ok, I'll remind you <t:%d:R>: %s", expiry.Unix(), text,
	)
	err = d.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: confirmation},
		},
	)
	if err != nil {
		logger.ErrorContext(
			ctx, "error responding to remind command", tint.Err(err),
		)
		return
	}

	var messageID string
	msg, msgErr := d.discord.session.InteractionResponse(i.Interaction)
	switch {
	case msgErr != nil:
		logger.WarnContext(
			ctx, "couldn't fetch confirmation message", tint.Err(msgErr),
		)
	case msg != nil:
		messageID = msg.ID
	}

	timer, err := d.timers.Schedule(
		ctx,
		NewReminder(user.ID, i.GuildID, i.ChannelID, messageID, text, expiry),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error scheduling reminder", tint.Err(err))
		content := "Something went wrong saving that reminder."
		if _, editErr := d.discord.session.InteractionResponseEdit(
			i.Interaction, &discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			logger.WarnContext(
				ctx, "error editing confirmation", tint.Err(editErr),
			)
		}
		return
	}

	if timer.ID != 0 {
		content := fmt.Sprintf("%s (#%d)", confirmation, timer.ID)
		if _, editErr := d.discord.session.InteractionResponseEdit(
			i.Interaction, &discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			logger.WarnContext(
				ctx, "couldn't add reminder ID to confirmation", tint.Err(editErr),
			)
		}
	}
	logger.InfoContext(ctx, "reminder set", "timer", timer)
}

// remindList shows the caller's pending reminders. Reminders short
// enough to be slept out in-process are never listed.
func (d *Steward) remindList(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
) {
	user := getDiscordUser(i)
	if user == nil {
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}

	timers, err := d.timers.pendingReminders(ctx, user.ID, timerMaxListed)
	if err != nil {
		logger.ErrorContext(ctx, "error listing reminders", tint.Err(err))
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}
	if len(timers) == 0 {
		d.respondEphemeral(i, "You don't have any reminders set.")
		return
	}

	lines := make([]string, 0, len(timers))
	for _, timer := range timers {
		lines = append(
			lines, fmt.Sprintf(
				"`#%d` <t:%d:R> %s",
				timer.ID,
				timer.Expiry().Unix(),
				truncate(timer.Content, 100),
			),
		)
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Your reminders",
		Description: strings.Join(lines, "\n"),
	}
	err = d.discord.session.InteractionRespond(
		i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
				Flags:  discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error sending reminder list", tint.Err(err))
	}
}

// remindRemove deletes one of the caller's reminders by ID.
func (d *Steward) remindRemove(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	user := getDiscordUser(i)
	if user == nil {
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}

	opt, ok := options[remindIDOption]
	if !ok {
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}
	id := opt.IntValue()
	if id <= 0 {
		d.respondEphemeral(i, "I couldn't find a reminder with that ID.")
		return
	}

	removed, err := d.timers.removeReminder(ctx, user.ID, uint(id))
	if err != nil {
		logger.ErrorContext(ctx, "error removing reminder", tint.Err(err))
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}
	if !removed {
		d.respondEphemeral(i, "I couldn't find a reminder with that ID.")
		return
	}
	logger.InfoContext(ctx, "reminder removed", "timer_id", id)
	d.respondEphemeral(i, fmt.Sprintf("Reminder #%d removed.", id))
}

// parseReminderDelay reads a duration like "30m", "2h", "1h30m", "7d",
// or "2w". Day and week suffixes are handled here since
// time.ParseDuration stops at hours.
func parseReminderDelay(value string) (time.Duration, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}

	var unit time.Duration
	switch value[len(value)-1:] {
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unrecognized duration: %q", value)
	}
	n, err := strconv.ParseFloat(value[:len(value)-1], 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unrecognized duration: %q", value)
	}
	return time.Duration(n * float64(unit)), nil
}
