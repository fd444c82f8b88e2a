package steward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestGuildConfigStore(t testing.TB) (*GuildConfigStore, *gorm.DB) {
	t.Helper()
	logger := slog.Default().With("test", t.Name())
	db := setupTestDB(t)
	writeDB := NewDatabase(db, logger, false)
	store, err := NewGuildConfigStore(
		CacheConfig{Backend: cacheBackendMemory},
		writeDB,
		nil,
		logger,
	)
	require.NoError(t, err)
	return store, db
}

// recordingNotifier captures cross-instance invalidation announcements.
type recordingNotifier struct {
	guildInvalidations chan string
	stateReloads       atomic.Int64
	stops              atomic.Int64
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{guildInvalidations: make(chan string, 100)}
}

func (r *recordingNotifier) GuildConfigChannelName() string { return "test_guild_config" }

func (r *recordingNotifier) GuildConfigUpdated(_ context.Context, guildID string) bool {
	r.guildInvalidations <- guildID
	return true
}

func (r *recordingNotifier) BotStateChannelName() string { return "test_bot_state" }

func (r *recordingNotifier) ReloadBotState(context.Context) bool {
	r.stateReloads.Add(1)
	return true
}

func (r *recordingNotifier) StopChannelName() string { return "test_stop" }

func (r *recordingNotifier) Stop(context.Context) bool {
	r.stops.Add(1)
	return true
}

func (r *recordingNotifier) ID() string { return "test_notifier" }

func (r *recordingNotifier) Listen(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingWriteDB wraps a DBI and fails transactions on demand, to
// exercise write-failure paths.
type failingWriteDB struct {
	DBI
	failWrites atomic.Bool
}

func (f *failingWriteDB) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	if f.failWrites.Load() {
		return errors.New("transaction refused")
	}
	return f.DBI.Transaction(ctx, fc, opts...)
}

func TestGuildConfigStore_GetUnknownGuild(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	config, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	require.NotNil(t, config)

	assert.Equal(t, ids.GuildID, config.ID)
	assert.Nil(t, config.AutoRoleID)
	assert.Empty(t, config.Prefixes)
	assert.False(t, config.FeedConfigured())

	// reads never create rows
	var count int64
	require.NoError(
		t,
		db.Model(&GuildConfig{}).Where("id = ?", ids.GuildID).Count(&count).Error,
	)
	assert.Zero(t, count)

	// the empty record is cached
	again, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.Same(t, config, again)
}

func TestGuildConfigStore_SetField(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	updated, err := store.SetField(
		ctx, ids.GuildID, FieldAutoRole, "  "+ids.RoleID+"  ",
	)
	require.NoError(t, err)
	assert.Equal(t, ids.RoleID, updated.AutoRole())

	// first write creates the row
	var row GuildConfig
	require.NoError(t, db.Where("id = ?", ids.GuildID).Last(&row).Error)
	assert.Equal(t, ids.RoleID, row.AutoRole())
}

func TestGuildConfigStore_SetFieldRejectsBadSnowflake(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	_, err := store.SetField(ctx, ids.GuildID, FieldAutoRole, "not-a-role")
	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "autorole", convErr.Field)
	assert.Equal(t, "not-a-role", convErr.Value)

	// rejected input never reaches storage
	var count int64
	require.NoError(
		t,
		db.Model(&GuildConfig{}).Where("id = ?", ids.GuildID).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestGuildConfigStore_ClearField(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	_, err := store.SetField(ctx, ids.GuildID, FieldAutoRole, ids.RoleID)
	require.NoError(t, err)

	cleared, err := store.ClearField(ctx, ids.GuildID, FieldAutoRole)
	require.NoError(t, err)
	assert.Nil(t, cleared.AutoRoleID)
	assert.Equal(t, "", cleared.AutoRole())

	// the row survives with the column nulled
	var row GuildConfig
	require.NoError(t, db.Where("id = ?", ids.GuildID).Last(&row).Error)
	assert.Nil(t, row.AutoRoleID)
}

func TestGuildConfigStore_AddPrefix(t *testing.T) {
	t.Parallel()
	store, _ := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	updated, err := store.AddPrefix(ctx, ids.GuildID, "!")
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"!"}, updated.Prefixes)

	// whitespace is trimmed, order preserved
	updated, err = store.AddPrefix(ctx, ids.GuildID, "  ?steward  ")
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"!", "?steward"}, updated.Prefixes)
	assert.True(t, updated.HasPrefix("?steward"))
}

func TestGuildConfigStore_AddPrefixDuplicate(t *testing.T) {
	t.Parallel()
	store, _ := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	_, err := store.AddPrefix(ctx, ids.GuildID, "!")
	require.NoError(t, err)

	_, err = store.AddPrefix(ctx, ids.GuildID, "!")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "already registered")

	current, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"!"}, current.Prefixes)
}

func TestGuildConfigStore_AddPrefixCap(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	for i := 0; i < maxGuildPrefixes; i++ {
		_, err := store.AddPrefix(ctx, ids.GuildID, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
	}

	_, err := store.AddPrefix(ctx, ids.GuildID, "extra")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(
		t,
		validationErr.Reason,
		fmt.Sprintf("at most %d", maxGuildPrefixes),
	)

	// the stored list is untouched by the rejected addition
	var row GuildConfig
	require.NoError(t, db.Where("id = ?", ids.GuildID).Last(&row).Error)
	assert.Len(t, row.Prefixes, maxGuildPrefixes)
	assert.NotContains(t, row.Prefixes, "extra")
}

func TestGuildConfigStore_AddPrefixLength(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	var validationErr *ValidationError

	_, err := store.AddPrefix(ctx, ids.GuildID, "   ")
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "between")

	_, err = store.AddPrefix(
		ctx, ids.GuildID, strings.Repeat("x", maxPrefixLength+1),
	)
	require.ErrorAs(t, err, &validationErr)

	// length is checked before anything touches the database
	var count int64
	require.NoError(
		t,
		db.Model(&GuildConfig{}).Where("id = ?", ids.GuildID).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestGuildConfigStore_RemovePrefix(t *testing.T) {
	t.Parallel()
	store, _ := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	_, err := store.AddPrefix(ctx, ids.GuildID, "!")
	require.NoError(t, err)
	_, err = store.AddPrefix(ctx, ids.GuildID, "?")
	require.NoError(t, err)
	_, err = store.AddPrefix(ctx, ids.GuildID, "$")
	require.NoError(t, err)

	updated, err := store.RemovePrefix(ctx, ids.GuildID, "?")
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"!", "$"}, updated.Prefixes)
}

func TestGuildConfigStore_RemovePrefixAbsent(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	_, err := store.AddPrefix(ctx, ids.GuildID, "!")
	require.NoError(t, err)

	current, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)

	// removing an unregistered prefix is a no-op, not an error, and
	// doesn't write: the cached record is returned as-is
	result, err := store.RemovePrefix(ctx, ids.GuildID, "zzz")
	require.NoError(t, err)
	assert.Same(t, current, result)
	assert.Equal(t, Prefixes{"!"}, result.Prefixes)

	// a guild with no stored row stays that way
	otherGuild := ids.GuildID + "_other"
	result, err = store.RemovePrefix(ctx, otherGuild, "!")
	require.NoError(t, err)
	assert.Empty(t, result.Prefixes)

	var count int64
	require.NoError(
		t,
		db.Model(&GuildConfig{}).Where("id = ?", otherGuild).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestGuildConfigStore_ReplacePrefixes(t *testing.T) {
	t.Parallel()
	store, _ := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	// trims and collapses duplicates, preserving first-seen order
	updated, err := store.ReplacePrefixes(
		ctx, ids.GuildID, []string{"  ! ", "?", "!", "?", "$"},
	)
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"!", "?", "$"}, updated.Prefixes)

	updated, err = store.ReplacePrefixes(ctx, ids.GuildID, nil)
	require.NoError(t, err)
	assert.Empty(t, updated.Prefixes)

	var validationErr *ValidationError

	_, err = store.ReplacePrefixes(
		ctx, ids.GuildID, []string{"a", "b", "c", "d", "e", "f"},
	)
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "at most")

	_, err = store.ReplacePrefixes(ctx, ids.GuildID, []string{"ok", ""})
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Reason, "between")

	// duplicates don't count against the cap
	updated, err = store.ReplacePrefixes(
		ctx, ids.GuildID, []string{"a", "a", "b", "b", "c", "c", "d"},
	)
	require.NoError(t, err)
	assert.Equal(t, Prefixes{"a", "b", "c", "d"}, updated.Prefixes)
}

func TestGuildConfigStore_WriteInvalidatesCache(t *testing.T) {
	t.Parallel()
	store, _ := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	stale, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)

	_, err = store.SetField(ctx, ids.GuildID, FieldAutoRole, ids.RoleID)
	require.NoError(t, err)

	fresh, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)
	assert.Equal(t, ids.RoleID, fresh.AutoRole())
}

// TestGuildConfigStore_FailedWriteInvalidatesCache verifies the cache
// entry is dropped even when the write itself fails, so a stale record
// can't outlive a write attempt.
func TestGuildConfigStore_FailedWriteInvalidatesCache(t *testing.T) {
	t.Parallel()
	logger := slog.Default().With("test", t.Name())
	db := setupTestDB(t)
	writeDB := &failingWriteDB{DBI: NewDatabase(db, logger, false)}
	store, err := NewGuildConfigStore(
		CacheConfig{Backend: cacheBackendMemory},
		writeDB,
		nil,
		logger,
	)
	require.NoError(t, err)

	ctx := context.Background()
	ids := newCommandData(t)

	_, err = store.SetField(ctx, ids.GuildID, FieldAutoRole, ids.RoleID)
	require.NoError(t, err)

	// another instance changes the row behind the cache's back
	require.NoError(
		t,
		db.Model(&GuildConfig{}).Where("id = ?", ids.GuildID).Update(
			columnGuildConfigAutoRoleID, "999000999000999000",
		).Error,
	)

	cached, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.Equal(t, ids.RoleID, cached.AutoRole(), "expected the stale cached value")

	writeDB.failWrites.Store(true)
	_, err = store.AddPrefix(ctx, ids.GuildID, "!")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)

	// the failed write still dropped the cache entry, so the next read
	// sees the other instance's value
	writeDB.failWrites.Store(false)
	fresh, err := store.Get(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.Equal(t, "999000999000999000", fresh.AutoRole())
}

func TestGuildConfigStore_InvalidateNotifies(t *testing.T) {
	t.Parallel()
	logger := slog.Default().With("test", t.Name())
	db := setupTestDB(t)
	notifier := newRecordingNotifier()
	store, err := NewGuildConfigStore(
		CacheConfig{Backend: cacheBackendMemory},
		NewDatabase(db, logger, false),
		notifier,
		logger,
	)
	require.NoError(t, err)

	ctx := context.Background()
	ids := newCommandData(t)

	_, err = store.SetField(ctx, ids.GuildID, FieldAutoRole, ids.RoleID)
	require.NoError(t, err)

	select {
	case guildID := <-notifier.guildInvalidations:
		assert.Equal(t, ids.GuildID, guildID)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for invalidation announcement")
	}

	// Evict is local-only: no announcement goes out
	store.Evict(ctx, ids.GuildID)
	select {
	case guildID := <-notifier.guildInvalidations:
		t.Fatalf("unexpected announcement for guild %s", guildID)
	default:
		//
	}
}

func TestGuildConfigStore_FeedWebhook(t *testing.T) {
	t.Parallel()
	store, db := newTestGuildConfigStore(t)
	ctx := context.Background()
	ids := newCommandData(t)

	updated, err := store.SetFeedWebhook(
		ctx, ids.GuildID, ids.ChannelID, "webhook_id", "webhook_token",
	)
	require.NoError(t, err)
	assert.True(t, updated.FeedConfigured())
	assert.Equal(t, ids.ChannelID, updated.FeedChannel())
	assert.Equal(t, "webhook_id", stringPointerValue(updated.FeedWebhookID))
	assert.Equal(t, "webhook_token", stringPointerValue(updated.FeedWebhookToken))

	// API responses hide the token
	assert.Nil(t, updated.Sanitized().FeedWebhookToken)

	cleared, err := store.ClearFeedWebhook(ctx, ids.GuildID)
	require.NoError(t, err)
	assert.False(t, cleared.FeedConfigured())
	assert.Nil(t, cleared.FeedChannelID)
	assert.Nil(t, cleared.FeedWebhookID)
	assert.Nil(t, cleared.FeedWebhookToken)

	var row GuildConfig
	require.NoError(t, db.Where("id = ?", ids.GuildID).Last(&row).Error)
	assert.Nil(t, row.FeedWebhookID)
}

func TestNewGuildConfigStore_UnsupportedBackend(t *testing.T) {
	t.Parallel()
	_, err := NewGuildConfigStore(
		CacheConfig{Backend: "memcached"},
		NewDatabase(setupTestDB(t), nil, false),
		nil,
		nil,
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported cache backend")
}

func TestMemoryConfigCache(t *testing.T) {
	t.Parallel()
	cache := newMemoryConfigCache()
	ctx := context.Background()

	_, ok := cache.Get(ctx, "g1")
	assert.False(t, ok)

	config := NewGuildConfig("g1")
	cache.Set(ctx, "g1", config)
	got, ok := cache.Get(ctx, "g1")
	require.True(t, ok)
	assert.Same(t, config, got)

	cache.Delete(ctx, "g1")
	_, ok = cache.Get(ctx, "g1")
	assert.False(t, ok)

	assert.NoError(t, cache.Ping(ctx))
	assert.Equal(t, cacheBackendMemory, cache.Name())
}

func TestPrefixesScan(t *testing.T) {
	t.Parallel()

	var p Prefixes
	require.NoError(t, p.Scan(nil))
	assert.Nil(t, p)

	require.NoError(t, p.Scan([]byte(`["!","?"]`)))
	assert.Equal(t, Prefixes{"!", "?"}, p)

	require.NoError(t, p.Scan(`["$"]`))
	assert.Equal(t, Prefixes{"$"}, p)

	require.Error(t, p.Scan(42))

	v, err := Prefixes(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", v)

	v, err = Prefixes{"!"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["!"]`, v)
}
