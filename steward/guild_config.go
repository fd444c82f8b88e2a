package steward

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	// maxGuildPrefixes caps the number of custom command prefixes a guild
	// can register. Mentioning the bot always works as a prefix, so the
	// cap is on extras only.
	maxGuildPrefixes = 5

	minPrefixLength = 1
	maxPrefixLength = 50

	redisKeyGuildConfig   = "guild_config"
	defaultRedisKeyPrefix = "steward"
)

var (
	columnGuildConfigAutoRoleID       = "auto_role_id"
	columnGuildConfigPrefixes         = "prefixes"
	columnGuildConfigFeedChannelID    = "feed_channel_id"
	columnGuildConfigFeedWebhookID    = "feed_webhook_id"
	columnGuildConfigFeedWebhookToken = "feed_webhook_token"
)

// ValidationError indicates a value was understood, but rejected by a
// rule (duplicate prefix, prefix cap, bad length). It's raised before
// any write is attempted, and is safe to show to the user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConversionError indicates raw wire input (a component value or modal
// field) couldn't be translated into the stored representation.
type ConversionError struct {
	Field string
	Value string
	Err   error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot use %q as %s: %s", e.Value, e.Field, e.Err)
	}
	return fmt.Sprintf("cannot use %q as %s", e.Value, e.Field)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// StorageError wraps a database or cache backend failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates no stored row exists for a guild. It never
// escapes [GuildConfigStore.Get], which substitutes an empty record.
type NotFoundError struct {
	GuildID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no guild config for guild %s", e.GuildID)
}

// Prefixes is a JSON-serialized string slice column.
type Prefixes []string

// Scan implements the sql.Scanner interface.
func (p *Prefixes) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return p.parse(v)
	case string:
		return p.parse([]byte(v))
	default:
		return fmt.Errorf("unexpected type for Prefixes: %T", value)
	}
}

func (p *Prefixes) parse(data []byte) error {
	if len(data) == 0 {
		*p = nil
		return nil
	}
	return json.Unmarshal(data, p)
}

// Value implements the driver.Valuer interface.
func (p Prefixes) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (Prefixes) GormDataType() string {
	return "string"
}

// GuildConfig is the per-guild configuration record. The primary key is
// the guild snowflake. A guild without a stored row behaves as an empty
// record; rows are created on first write.
type GuildConfig struct {
	ModelStringID
	ModelUnixTime

	// AutoRoleID is granted to members when they join. Nil disables it.
	AutoRoleID *string `json:"auto_role_id" gorm:"type:string"`

	// Prefixes are the guild's custom command prefixes, capped at
	// [maxGuildPrefixes].
	Prefixes Prefixes `json:"prefixes" gorm:"type:string"`

	// FeedChannelID is the channel subscribed to the update feed. The
	// webhook ID/token pair is what deliveries actually use; the channel
	// is kept for display and for recreating the webhook.
	FeedChannelID    *string `json:"feed_channel_id" gorm:"type:string"`
	FeedWebhookID    *string `json:"feed_webhook_id" gorm:"type:string"`
	FeedWebhookToken *string `json:"feed_webhook_token,omitempty" gorm:"type:string" log:"[redacted]"`
}

// NewGuildConfig returns an empty, unsaved record for the given guild.
func NewGuildConfig(guildID string) *GuildConfig {
	return &GuildConfig{ModelStringID: ModelStringID{ID: guildID}}
}

func (g GuildConfig) LogValue() slog.Value {
	return structToSlogValue(g)
}

// Sanitized returns a copy with secrets removed, for API responses.
func (g GuildConfig) Sanitized() GuildConfig {
	g.FeedWebhookToken = nil
	return g
}

func (g *GuildConfig) HasPrefix(prefix string) bool {
	return slices.Contains(g.Prefixes, prefix)
}

// AutoRole returns the configured autorole ID, or "" if unset.
func (g *GuildConfig) AutoRole() string {
	return stringPointerValue(g.AutoRoleID)
}

// FeedChannel returns the subscribed feed channel ID, or "" if unset.
func (g *GuildConfig) FeedChannel() string {
	return stringPointerValue(g.FeedChannelID)
}

// FeedConfigured reports whether the guild has a usable feed webhook.
func (g *GuildConfig) FeedConfigured() bool {
	return g.FeedWebhookID != nil && g.FeedWebhookToken != nil
}

// getStats compiles interaction and reminder counts for the guild.
// Query errors are joined and returned alongside whatever was
// collected.
func (g *GuildConfig) getStats(
	ctx context.Context,
	db *gorm.DB,
) (GuildStats, error) {
	s := GuildStats{InteractionsByType: map[string]int{}}

	var errs []error

	var recent int64
	err := db.WithContext(ctx).Model(&InteractionLog{}).Where(
		"guild_id = ? AND created_at >= ?",
		g.ID,
		time.Now().UTC().Add(-24*time.Hour).UnixMilli(),
	).Count(&recent).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error counting recent interactions: %w", err),
		)
	}
	s.Interactions24h = int(recent)

	var entries []InteractionLog
	err = db.WithContext(ctx).Select(
		"type",
	).Where("guild_id = ?", g.ID).Find(&entries).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error getting interaction types: %w", err),
		)
	}
	for _, entry := range entries {
		s.InteractionsByType[entry.Type]++
	}

	var pending int64
	err = db.WithContext(ctx).Model(&Timer{}).Where(
		"guild_id = ? AND expires_at > ?",
		g.ID,
		time.Now().UTC().UnixMilli(),
	).Count(&pending).Error
	if err != nil {
		errs = append(
			errs,
			fmt.Errorf("error counting pending reminders: %w", err),
		)
	}
	s.PendingReminders = int(pending)

	return s, errors.Join(errs...)
}

// GuildStats summarizes a guild's recorded activity.
type GuildStats struct {
	Interactions24h    int            `json:"interactions_24h"`
	InteractionsByType map[string]int `json:"interactions_by_type"`
	PendingReminders   int            `json:"pending_reminders"`
}

// ConfigField describes a single mutable guild config setting: the
// column it writes, and how raw Discord input converts into a stored
// value. Conversion and validation both run before any write.
type ConfigField struct {
	// Column is the database column written by SetField
	Column string

	// Display is the user-facing field name, used in error messages
	Display string

	// Convert translates raw wire input into the stored representation
	Convert func(wire string) (any, error)

	// Validate inspects the converted value against the current record
	Validate func(value any, current *GuildConfig) error
}

var (
	// FieldAutoRole is the role granted to new members on join.
	FieldAutoRole = ConfigField{
		Column:  columnGuildConfigAutoRoleID,
		Display: "autorole",
		Convert: convertSnowflake,
	}

	// FieldFeedChannel is the channel receiving update-feed posts.
	FieldFeedChannel = ConfigField{
		Column:  columnGuildConfigFeedChannelID,
		Display: "update feed channel",
		Convert: convertSnowflake,
	}
)

// convertSnowflake accepts a Discord snowflake ID in string form.
func convertSnowflake(wire string) (any, error) {
	wire = strings.TrimSpace(wire)
	if _, err := strconv.ParseUint(wire, 10, 64); err != nil {
		return nil, &ConversionError{Value: wire, Err: err}
	}
	return wire, nil
}

// ConfigCache is the cache in front of guild config rows. Entries have
// no TTL; they're removed only by explicit invalidation after writes.
type ConfigCache interface {
	Get(ctx context.Context, guildID string) (*GuildConfig, bool)
	Set(ctx context.Context, guildID string, config *GuildConfig)
	Delete(ctx context.Context, guildID string)

	// Ping verifies the backend is reachable. The in-memory backend
	// always succeeds.
	Ping(ctx context.Context) error
	Name() string
}

// memoryConfigCache is the default single-process backend.
type memoryConfigCache struct {
	cache *ttlcache.Cache[string, *GuildConfig]
}

func newMemoryConfigCache() *memoryConfigCache {
	return &memoryConfigCache{
		cache: ttlcache.New[string, *GuildConfig](
			ttlcache.WithTTL[string, *GuildConfig](ttlcache.NoTTL),
		),
	}
}

func (m *memoryConfigCache) Get(_ context.Context, guildID string) (*GuildConfig, bool) {
	item := m.cache.Get(guildID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (m *memoryConfigCache) Set(_ context.Context, guildID string, config *GuildConfig) {
	m.cache.Set(guildID, config, ttlcache.NoTTL)
}

func (m *memoryConfigCache) Delete(_ context.Context, guildID string) {
	m.cache.Delete(guildID)
}

func (memoryConfigCache) Ping(_ context.Context) error {
	return nil
}

func (memoryConfigCache) Name() string {
	return cacheBackendMemory
}

// redisConfigCache shares cached rows between bot instances. Records are
// stored as JSON with no expiration.
type redisConfigCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *slog.Logger
}

func newRedisConfigCache(cfg RedisConfig, logger *slog.Logger) *redisConfigCache {
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &redisConfigCache{
		client: redis.NewClient(
			&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			},
		),
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (r *redisConfigCache) key(guildID string) string {
	return strings.Join([]string{r.keyPrefix, redisKeyGuildConfig, guildID}, ":")
}

func (r *redisConfigCache) Get(ctx context.Context, guildID string) (*GuildConfig, bool) {
	data, err := r.client.Get(ctx, r.key(guildID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(
				ctx,
				"redis get failed",
				tint.Err(err),
				"guild_id", guildID,
			)
		}
		return nil, false
	}
	var config GuildConfig
	if err := json.Unmarshal(data, &config); err != nil {
		r.logger.WarnContext(
			ctx,
			"dropping undecodable cache entry",
			tint.Err(err),
			"guild_id", guildID,
		)
		r.client.Del(ctx, r.key(guildID))
		return nil, false
	}
	return &config, true
}

func (r *redisConfigCache) Set(ctx context.Context, guildID string, config *GuildConfig) {
	data, err := json.Marshal(config)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error marshaling guild config",
			tint.Err(err),
			"guild_id", guildID,
		)
		return
	}
	if err := r.client.Set(ctx, r.key(guildID), data, 0).Err(); err != nil {
		r.logger.WarnContext(
			ctx,
			"redis set failed",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
}

func (r *redisConfigCache) Delete(ctx context.Context, guildID string) {
	if err := r.client.Del(ctx, r.key(guildID)).Err(); err != nil {
		r.logger.WarnContext(
			ctx,
			"redis delete failed",
			tint.Err(err),
			"guild_id", guildID,
		)
	}
}

func (r *redisConfigCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (redisConfigCache) Name() string {
	return cacheBackendRedis
}

// GuildConfigStore reads and mutates guild config records through the
// cache. Reads never report a missing row: guilds without one get an
// empty record. Every write attempt ends with the cache entry dropped,
// whether or not the write succeeded, so the next read always reloads
// from the database.
type GuildConfigStore struct {
	db       DBI
	cache    ConfigCache
	notifier ConfigNotifier
	logger   *slog.Logger
}

// NewGuildConfigStore assembles a store with the backend selected by cfg.
// notifier may be nil, in which case invalidations stay process-local.
func NewGuildConfigStore(
	cfg CacheConfig,
	db DBI,
	notifier ConfigNotifier,
	logger *slog.Logger,
) (*GuildConfigStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "guild_config")

	var cache ConfigCache
	switch cfg.Backend {
	case cacheBackendMemory, "":
		cache = newMemoryConfigCache()
	case cacheBackendRedis:
		cache = newRedisConfigCache(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf(
			"unsupported cache backend: %s (must be %q or %q)",
			cfg.Backend, cacheBackendMemory, cacheBackendRedis,
		)
	}
	return &GuildConfigStore{
		db:       db,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Ping verifies the cache backend is reachable.
func (s *GuildConfigStore) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// Get returns the guild's config record, from cache when possible. A
// guild with no stored row gets an empty record with the ID set, which
// is cached but not persisted.
func (s *GuildConfigStore) Get(ctx context.Context, guildID string) (*GuildConfig, error) {
	if cached, ok := s.cache.Get(ctx, guildID); ok {
		return cached, nil
	}

	config, err := s.load(ctx, guildID)
	if err != nil {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		config = NewGuildConfig(guildID)
	}

	s.cache.Set(ctx, guildID, config)
	return config, nil
}

func (s *GuildConfigStore) load(ctx context.Context, guildID string) (*GuildConfig, error) {
	var config GuildConfig
	err := s.db.DB().WithContext(ctx).Where("id = ?", guildID).Last(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{GuildID: guildID}
		}
		return nil, &StorageError{Op: "load guild config", Err: err}
	}
	return &config, nil
}

// Invalidate drops the cache entry for a guild and tells other bot
// instances to do the same.
func (s *GuildConfigStore) Invalidate(ctx context.Context, guildID string) {
	s.cache.Delete(ctx, guildID)
	s.logger.DebugContext(
		ctx,
		"invalidated guild config",
		"guild_id", guildID,
		"cache", s.cache.Name(),
	)
	if s.notifier != nil {
		s.notifier.GuildConfigUpdated(ctx, guildID)
	}
}

// Evict drops the local cache entry without notifying other instances.
// Used when an invalidation arrives from the notifier.
func (s *GuildConfigStore) Evict(ctx context.Context, guildID string) {
	s.cache.Delete(ctx, guildID)
}

// SetField converts and validates wire input for the given field, then
// writes that single column. The returned record is freshly loaded.
func (s *GuildConfigStore) SetField(
	ctx context.Context,
	guildID string,
	field ConfigField,
	wire string,
) (*GuildConfig, error) {
	value, err := field.Convert(wire)
	if err != nil {
		var convErr *ConversionError
		if errors.As(err, &convErr) && convErr.Field == "" {
			convErr.Field = field.Display
		}
		return nil, err
	}

	if field.Validate != nil {
		current, getErr := s.Get(ctx, guildID)
		if getErr != nil {
			return nil, getErr
		}
		if err := field.Validate(value, current); err != nil {
			return nil, err
		}
	}

	if err := s.writeColumns(
		ctx, guildID, map[string]any{field.Column: value},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// ClearField nulls out the given field's column.
func (s *GuildConfigStore) ClearField(
	ctx context.Context,
	guildID string,
	field ConfigField,
) (*GuildConfig, error) {
	if err := s.writeColumns(
		ctx, guildID, map[string]any{field.Column: nil},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// AddPrefix appends a prefix to the guild's list. Duplicates and
// additions past the cap are rejected before anything is written.
func (s *GuildConfigStore) AddPrefix(
	ctx context.Context,
	guildID string,
	prefix string,
) (*GuildConfig, error) {
	prefix = strings.TrimSpace(prefix)
	if len(prefix) < minPrefixLength || len(prefix) > maxPrefixLength {
		return nil, &ValidationError{
			Field: "prefix",
			Reason: fmt.Sprintf(
				"prefixes must be between %d and %d characters",
				minPrefixLength, maxPrefixLength,
			),
		}
	}

	current, err := s.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if current.HasPrefix(prefix) {
		return nil, &ValidationError{
			Field:  "prefix",
			Reason: fmt.Sprintf("%q is already registered", prefix),
		}
	}
	if len(current.Prefixes) >= maxGuildPrefixes {
		return nil, &ValidationError{
			Field: "prefix",
			Reason: fmt.Sprintf(
				"you can have at most %d custom prefixes", maxGuildPrefixes,
			),
		}
	}

	next := make(Prefixes, len(current.Prefixes), len(current.Prefixes)+1)
	copy(next, current.Prefixes)
	next = append(next, prefix)

	if err := s.writeColumns(
		ctx, guildID, map[string]any{columnGuildConfigPrefixes: next},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// RemovePrefix removes a prefix from the guild's list. Removing a prefix
// that isn't registered is a no-op, not an error.
func (s *GuildConfigStore) RemovePrefix(
	ctx context.Context,
	guildID string,
	prefix string,
) (*GuildConfig, error) {
	prefix = strings.TrimSpace(prefix)

	current, err := s.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if !current.HasPrefix(prefix) {
		return current, nil
	}

	next := make(Prefixes, 0, len(current.Prefixes))
	for _, p := range current.Prefixes {
		if p != prefix {
			next = append(next, p)
		}
	}

	if err := s.writeColumns(
		ctx, guildID, map[string]any{columnGuildConfigPrefixes: next},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// ReplacePrefixes overwrites the guild's prefix list wholesale. Order is
// preserved and duplicates are collapsed.
func (s *GuildConfigStore) ReplacePrefixes(
	ctx context.Context,
	guildID string,
	prefixes []string,
) (*GuildConfig, error) {
	next := make(Prefixes, 0, len(prefixes))
	for _, raw := range prefixes {
		p := strings.TrimSpace(raw)
		if len(p) < minPrefixLength || len(p) > maxPrefixLength {
			return nil, &ValidationError{
				Field: "prefix",
				Reason: fmt.Sprintf(
					"prefixes must be between %d and %d characters",
					minPrefixLength, maxPrefixLength,
				),
			}
		}
		if slices.Contains(next, p) {
			continue
		}
		next = append(next, p)
	}
	if len(next) > maxGuildPrefixes {
		return nil, &ValidationError{
			Field: "prefix",
			Reason: fmt.Sprintf(
				"you can have at most %d custom prefixes", maxGuildPrefixes,
			),
		}
	}

	if err := s.writeColumns(
		ctx, guildID, map[string]any{columnGuildConfigPrefixes: next},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// SetFeedWebhook records the webhook the update feed delivers through.
func (s *GuildConfigStore) SetFeedWebhook(
	ctx context.Context,
	guildID string,
	channelID string,
	webhookID string,
	webhookToken string,
) (*GuildConfig, error) {
	if err := s.writeColumns(
		ctx, guildID, map[string]any{
			columnGuildConfigFeedChannelID:    channelID,
			columnGuildConfigFeedWebhookID:    webhookID,
			columnGuildConfigFeedWebhookToken: webhookToken,
		},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// ClearFeedWebhook removes the guild's feed subscription.
func (s *GuildConfigStore) ClearFeedWebhook(
	ctx context.Context,
	guildID string,
) (*GuildConfig, error) {
	if err := s.writeColumns(
		ctx, guildID, map[string]any{
			columnGuildConfigFeedChannelID:    nil,
			columnGuildConfigFeedWebhookID:    nil,
			columnGuildConfigFeedWebhookToken: nil,
		},
	); err != nil {
		return nil, err
	}
	return s.Get(ctx, guildID)
}

// writeColumns updates the given columns for a guild, creating the row
// first if it doesn't exist. The cache entry is dropped even when the
// write fails, so a half-applied change can't be served from cache.
func (s *GuildConfigStore) writeColumns(
	ctx context.Context,
	guildID string,
	values map[string]any,
) error {
	defer s.Invalidate(ctx, guildID)

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			record := GuildConfig{ModelStringID: ModelStringID{ID: guildID}}
			if err := tx.FirstOrCreate(&record).Error; err != nil {
				return err
			}
			return tx.Model(&GuildConfig{}).Where(
				"id = ?", guildID,
			).Updates(values).Error
		},
	)
	if err != nil {
		return &StorageError{Op: "update guild config", Err: err}
	}
	return nil
}
