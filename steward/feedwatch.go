package steward

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// feedMaxPerPoll caps deliveries per poll so a feed that dumps its
// backlog doesn't flood every subscribed guild.
const feedMaxPerPoll = 5

var (
	columnFeedDigestDigest      = "digest"
	columnFeedDigestPublishedAt = "published_at"
	columnFeedDigestTitle       = "title"
)

// FeedDigest records the newest feed entry already delivered, one row
// per feed URL, so restarts don't re-announce old entries.
type FeedDigest struct {
	ModelUintID
	ModelUnixTime

	FeedURL string `json:"feed_url" gorm:"uniqueIndex;not null"`

	// Digest is the SHA-256 hex of the newest delivered entry's
	// identity (GUID, or link, or title+published).
	Digest string `json:"digest" gorm:"not null"`

	// PublishedAt is the entry's publish time (unix milliseconds).
	// Entries at or before this point are never delivered again.
	PublishedAt int64  `json:"published_at"`
	Title       string `json:"title"`
}

// FeedWatcher polls an RSS/Atom feed and announces new entries to every
// subscribed guild through its stored webhook.
type FeedWatcher struct {
	st      *Steward
	logger  *slog.Logger
	config  *FeedConfig
	parser  *gofeed.Parser
	limiter *rate.Limiter
}

func newFeedWatcher(st *Steward) *FeedWatcher {
	cfg := st.config.Feed

	parser := gofeed.NewParser()
	parser.UserAgent = "steward"
	parser.Client = &http.Client{Timeout: cfg.RequestTimeout}
	if st.config.HTTPClient != nil {
		parser.Client = st.config.HTTPClient
	}

	perSecond := cfg.DeliveriesPerSecond
	if perSecond <= 0 {
		perSecond = DefaultFeedDeliveriesPerSecond
	}

	logger := st.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedWatcher{
		st:      st,
		logger:  logger.With(loggerNameKey, "feed"),
		config:  cfg,
		parser:  parser,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Run polls until ctx is canceled. BotState.FeedPollInterval overrides
// the configured interval so the cadence can be changed over the admin
// API without a restart.
func (w *FeedWatcher) Run(ctx context.Context) {
	if !w.config.Enabled || w.config.URL == "" {
		w.logger.InfoContext(ctx, "feed watcher disabled")
		return
	}

	interval := w.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.InfoContext(
		ctx,
		"feed watcher started",
		"url", w.config.URL,
		"interval", interval,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.st.paused.Load() {
				continue
			}
			if err := w.poll(ctx); err != nil {
				w.logger.ErrorContext(ctx, "feed poll failed", tint.Err(err))
			}
			if next := w.pollInterval(); next != interval {
				w.logger.InfoContext(
					ctx,
					"feed poll interval changed",
					"previous", interval,
					"interval", next,
				)
				interval = next
				ticker.Reset(next)
			}
		}
	}
}

func (w *FeedWatcher) pollInterval() time.Duration {
	if override := w.st.State().FeedPollInterval.Duration; override > 0 {
		return override
	}
	if w.config.PollInterval > 0 {
		return w.config.PollInterval
	}
	return DefaultFeedPollInterval
}

// poll fetches the feed and delivers anything newer than the recorded
// digest. The first poll for a feed only records a baseline, so a new
// deployment doesn't replay history into every guild.
func (w *FeedWatcher) poll(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
	defer cancel()

	feed, err := w.parser.ParseURLWithContext(w.config.URL, fetchCtx)
	if err != nil {
		return fmt.Errorf("error fetching feed: %w", err)
	}
	if len(feed.Items) == 0 {
		return nil
	}

	items := slices.Clone(feed.Items)
	slices.SortStableFunc(
		items, func(a, b *gofeed.Item) int {
			return cmp.Compare(feedItemPublished(b), feedItemPublished(a))
		},
	)
	newest := items[0]
	newestDigest := feedItemDigest(newest)

	var state FeedDigest
	err = w.st.writeDB.DB().WithContext(ctx).Where(
		"feed_url = ?", w.config.URL,
	).First(&state).Error
	firstRun := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !firstRun {
		return fmt.Errorf("error loading feed state: %w", err)
	}

	if firstRun {
		state = FeedDigest{
			FeedURL:     w.config.URL,
			Digest:      newestDigest,
			PublishedAt: feedItemPublished(newest),
			Title:       newest.Title,
		}
		if _, err = w.st.writeDB.Create(ctx, &state); err != nil {
			return fmt.Errorf("error recording feed baseline: %w", err)
		}
		w.logger.InfoContext(
			ctx, "recorded feed baseline", "title", newest.Title,
		)
		return nil
	}

	if state.Digest == newestDigest {
		return nil
	}

	fresh := make([]*gofeed.Item, 0, feedMaxPerPoll)
	for _, item := range items {
		if item == nil || feedItemDigest(item) == state.Digest {
			break
		}
		if published := feedItemPublished(item); published != 0 &&
			published <= state.PublishedAt {
			break
		}
		fresh = append(fresh, item)
		if len(fresh) == feedMaxPerPoll {
			break
		}
	}

	if len(fresh) > 0 {
		subscribers, subErr := w.subscribers(ctx)
		if subErr != nil {
			return subErr
		}
		// Oldest first, so guild channels read in publish order.
		slices.Reverse(fresh)
		for _, item := range fresh {
			w.deliver(ctx, feed, item, subscribers)
		}
	}

	if _, err = w.st.writeDB.Updates(
		ctx, &state, map[string]any{
			columnFeedDigestDigest:      newestDigest,
			columnFeedDigestPublishedAt: feedItemPublished(newest),
			columnFeedDigestTitle:       newest.Title,
		},
	); err != nil {
		return fmt.Errorf("error updating feed state: %w", err)
	}
	return nil
}

// subscribers returns every guild config with a feed webhook attached.
func (w *FeedWatcher) subscribers(ctx context.Context) ([]GuildConfig, error) {
	var configs []GuildConfig
	err := w.st.writeDB.DB().WithContext(ctx).Where(
		"feed_webhook_id IS NOT NULL",
	).Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("error loading feed subscribers: %w", err)
	}
	return configs, nil
}

// deliver fans one entry out to all subscribed guilds under the rate
// limiter. Webhooks Discord reports as gone are pruned from the guild's
// config so they aren't retried forever.
func (w *FeedWatcher) deliver(
	ctx context.Context,
	feed *gofeed.Feed,
	item *gofeed.Item,
	subscribers []GuildConfig,
) {
	embed := &discordgo.MessageEmbed{
		Title:       item.Title,
		URL:         item.Link,
		Description: truncate(strings.TrimSpace(item.Description), 300),
	}
	if feed.Title != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{Name: feed.Title}
	}
	if item.PublishedParsed != nil {
		embed.Timestamp = item.PublishedParsed.Format(time.RFC3339)
	}
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}

	delivered := 0
	for idx := range subscribers {
		config := &subscribers[idx]
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		_, err := w.st.discord.session.WebhookExecute(
			stringPointerValue(config.FeedWebhookID),
			stringPointerValue(config.FeedWebhookToken),
			false,
			params,
		)
		if err == nil {
			delivered++
			continue
		}
		if webhookGone(err) {
			w.logger.WarnContext(
				ctx,
				"pruning dead feed webhook",
				tint.Err(err),
				"guild_id", config.ID,
			)
			if _, clearErr := w.st.guildConfigs.ClearFeedWebhook(
				ctx, config.ID,
			); clearErr != nil {
				w.logger.ErrorContext(
					ctx,
					"error pruning feed webhook",
					tint.Err(clearErr),
					"guild_id", config.ID,
				)
			}
			continue
		}
		w.logger.ErrorContext(
			ctx,
			"feed delivery failed",
			tint.Err(err),
			"guild_id", config.ID,
		)
	}
	w.logger.InfoContext(
		ctx,
		"delivered feed entry",
		"title", item.Title,
		"delivered", delivered,
		"subscribers", len(subscribers),
	)
}

// webhookGone reports whether the error means the webhook no longer
// exists or its token is no longer valid.
func webhookGone(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr == nil || restErr.Response == nil {
		return false
	}
	switch restErr.Response.StatusCode {
	case http.StatusNotFound, http.StatusUnauthorized:
		return true
	default:
		return false
	}
}

// feedItemDigest hashes the entry's most stable identity.
func feedItemDigest(item *gofeed.Item) string {
	key := item.GUID
	if key == "" {
		key = item.Link
	}
	if key == "" {
		key = item.Title + "|" + item.Published
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func feedItemPublished(item *gofeed.Item) int64 {
	when := item.PublishedParsed
	if when == nil {
		when = item.UpdatedParsed
	}
	if when == nil {
		return 0
	}
	return when.UnixMilli()
}
