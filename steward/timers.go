package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	timerEventReminder = "reminder"

	// shortTimerThreshold is the cutoff below which a timer is kept
	// in-process instead of written to the database.
	shortTimerThreshold = time.Minute

	minReminderDelay = 10 * time.Second
	maxReminderDelay = 365 * 24 * time.Hour

	// timerMaxListed caps how many reminders `/remind list` shows.
	timerMaxListed = 25
)

var columnTimerError = "error"

// Timer is a row in the `timers` table: something to do for someone at
// a future point in time. Reminders are the only event today, but the
// table is event-keyed so other deferred work can share the runner.
type Timer struct {
	ModelUintID
	ModelUnixTime

	Event     string `json:"event" gorm:"not null;index"`
	UserID    string `json:"user_id" gorm:"not null;index"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`

	// MessageID references the confirmation message the reminder
	// replies to, when one could be recorded.
	MessageID string `json:"message_id"`

	Content string `json:"content"`

	// ExpiresAt is when the timer fires (unix milliseconds).
	ExpiresAt int64 `json:"expires_at" gorm:"not null;index"`

	// Error is set when delivery failed. Errored timers are kept for
	// inspection but never retried or listed.
	Error NullableString `json:"error,omitempty"`
}

// NewReminder creates (but does not persist or schedule) a reminder
// timer.
func NewReminder(
	userID string,
	guildID string,
	channelID string,
	messageID string,
	content string,
	expiry time.Time,
) *Timer {
	return &Timer{
		ModelUnixTime: ModelUnixTime{CreatedAt: time.Now().UnixMilli()},
		Event:         timerEventReminder,
		UserID:        userID,
		GuildID:       guildID,
		ChannelID:     channelID,
		MessageID:     messageID,
		Content:       content,
		ExpiresAt:     expiry.UnixMilli(),
	}
}

// Expiry returns the expiration as a time.Time.
func (t *Timer) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

func (t *Timer) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(t.ID)),
		slog.String("event", t.Event),
		slog.String("user_id", t.UserID),
		slog.String("channel_id", t.ChannelID),
		slog.Time("expires_at", t.Expiry()),
	)
}

// TimerRunner fires persisted timers as they come due. It sleeps until
// the earliest expiry and is nudged awake through a reschedule channel
// whenever the set of pending timers changes under it.
type TimerRunner struct {
	st           *Steward
	logger       *slog.Logger
	lookahead    time.Duration
	rescheduleCh chan struct{}
	wg           sync.WaitGroup
}

func newTimerRunner(st *Steward) *TimerRunner {
	logger := st.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerRunner{
		st:           st,
		logger:       logger.With(loggerNameKey, "timers"),
		lookahead:    DefaultTimerLookahead,
		rescheduleCh: make(chan struct{}, 1),
	}
}

// Run dispatches timers until ctx is canceled. It blocks, and waits for
// any in-process short timers before returning.
func (r *TimerRunner) Run(ctx context.Context) {
	r.logger.InfoContext(ctx, "timer runner started")
	defer r.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		timer, err := r.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.ErrorContext(ctx, "error loading next timer", tint.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(dbOperationTimeout):
			}
			continue
		}

		if timer == nil {
			// Nothing due inside the lookahead window. A timer further
			// out than the window is picked up by the periodic requery.
			select {
			case <-ctx.Done():
				return
			case <-r.rescheduleCh:
			case <-time.After(r.lookahead):
			}
			continue
		}

		if delay := time.Until(timer.Expiry()); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.rescheduleCh:
				// An earlier timer may have been added, or this one
				// removed. Start over.
				continue
			case <-time.After(delay):
			}
		}
		r.fire(ctx, timer)
	}
}

// next returns the pending timer with the earliest expiry inside the
// lookahead window, or nil if there is none.
func (r *TimerRunner) next(ctx context.Context) (*Timer, error) {
	var timer Timer
	cutoff := time.Now().Add(r.lookahead).UnixMilli()
	err := r.st.writeDB.DB().WithContext(ctx).Where(
		"expires_at < ? AND error IS NULL", cutoff,
	).Order("expires_at").First(&timer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

// Schedule stores the timer and wakes the runner. Timers expiring
// within [shortTimerThreshold] never touch the database and are slept
// out in-process, so they have no ID and can't be listed or removed.
func (r *TimerRunner) Schedule(ctx context.Context, timer *Timer) (*Timer, error) {
	if delay := time.Until(timer.Expiry()); delay <= shortTimerThreshold {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				r.fire(ctx, timer)
			}
		}()
		return timer, nil
	}

	if _, err := r.st.writeDB.Create(ctx, timer); err != nil {
		return nil, &StorageError{Op: "create timer", Err: err}
	}
	r.notify()
	r.logger.InfoContext(ctx, "scheduled timer", "timer", timer)
	return timer, nil
}

// notify nudges the run loop to requery without blocking. A pending
// nudge is enough, so sends onto a full channel are dropped.
func (r *TimerRunner) notify() {
	select {
	case r.rescheduleCh <- struct{}{}:
	default:
	}
}

// fire delivers the timer's event. Delivered timers are deleted,
// failed ones are kept with the error recorded so they aren't retried
// on the next loop.
func (r *TimerRunner) fire(ctx context.Context, timer *Timer) {
	var err error
	switch timer.Event {
	case timerEventReminder:
		err = r.deliverReminder(timer)
	default:
		err = fmt.Errorf("unknown timer event %q", timer.Event)
	}

	if err != nil {
		r.logger.ErrorContext(
			ctx, "timer delivery failed", tint.Err(err), "timer", timer,
		)
		if timer.ID != 0 {
			if _, uerr := r.st.writeDB.Update(
				ctx, timer, columnTimerError, err.Error(),
			); uerr != nil {
				r.logger.ErrorContext(
					ctx, "error recording timer failure", tint.Err(uerr),
				)
			}
		}
		return
	}

	r.logger.InfoContext(ctx, "timer delivered", "timer", timer)
	if timer.ID != 0 {
		if _, derr := r.st.writeDB.Delete(timer); derr != nil {
			r.logger.ErrorContext(
				ctx, "error deleting delivered timer", tint.Err(derr),
			)
		}
	}
}

// deliverReminder sends the reminder to the channel it was created in,
// replying to the confirmation message when one was recorded. If the
// channel send fails (channel deleted, permissions pulled) it falls
// back to a DM.
func (r *TimerRunner) deliverReminder(timer *Timer) error {
	content := fmt.Sprintf(
		"<@%s> You asked to be reminded <t:%d:R>: %s",
		timer.UserID,
		time.UnixMilli(timer.CreatedAt).Unix(),
		timer.Content,
	)
	send := &discordgo.MessageSend{
		Content: content,
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: []string{timer.UserID},
		},
	}

	if timer.ChannelID != "" {
		if timer.MessageID != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: timer.MessageID,
				ChannelID: timer.ChannelID,
				GuildID:   timer.GuildID,
			}
		}
		_, err := r.st.discord.session.ChannelMessageSendComplex(
			timer.ChannelID, send,
		)
		if err == nil {
			return nil
		}
		r.logger.Warn(
			"channel delivery failed, trying DM",
			tint.Err(err),
			"timer", timer,
		)
	}

	dm, err := r.st.discord.session.UserChannelCreate(timer.UserID)
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}
	send.Reference = nil
	if _, err = r.st.discord.session.ChannelMessageSendComplex(
		dm.ID, send,
	); err != nil {
		return fmt.Errorf("error sending DM: %w", err)
	}
	return nil
}

// pendingReminders lists a user's undelivered reminders, soonest first.
func (r *TimerRunner) pendingReminders(
	ctx context.Context,
	userID string,
	limit int,
) ([]Timer, error) {
	var timers []Timer
	err := r.st.writeDB.DB().WithContext(ctx).Where(
		"event = ? AND user_id = ? AND error IS NULL",
		timerEventReminder,
		userID,
	).Order("expires_at").Limit(limit).Find(&timers).Error
	if err != nil {
		return nil, &StorageError{Op: "list reminders", Err: err}
	}
	return timers, nil
}

// removeReminder deletes a reminder owned by the given user. It reports
// whether a matching reminder existed.
func (r *TimerRunner) removeReminder(
	ctx context.Context,
	userID string,
	id uint,
) (bool, error) {
	rows, err := r.st.writeDB.Delete(
		&Timer{},
		"id = ? AND user_id = ? AND event = ?",
		id,
		userID,
		timerEventReminder,
	)
	if err != nil {
		return false, &StorageError{Op: "delete reminder", Err: err}
	}
	if rows > 0 {
		// The removed reminder may have been the one the runner was
		// sleeping on.
		r.notify()
	}
	return rows > 0, nil
}
