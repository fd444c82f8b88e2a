package steward

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))

	cfg.DatabaseType = "mariadb"
	err := structValidator.Struct(cfg)
	require.Error(t, err)
}

func TestValidateConfigDiscordToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	err := structValidator.Struct(cfg)
	require.Error(t, err)
}

func TestValidateConfigSessionMaxAge(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.API.SessionMaxAge = time.Minute
	err := structValidator.Struct(cfg)
	require.Error(t, err)

	cfg.API.SessionMaxAge = 25 * time.Hour
	err = structValidator.Struct(cfg)
	require.Error(t, err)
}

func TestValidateCacheConfig(t *testing.T) {
	rv := validateCacheConfig(
		reflect.ValueOf(CacheConfig{Backend: cacheBackendRedis}),
	)
	assert.Equal(t, "redis.addr is required when backend is 'redis'", rv)

	rv = validateCacheConfig(
		reflect.ValueOf(
			CacheConfig{
				Backend: cacheBackendRedis,
				Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
			},
		),
	)
	assert.Nil(t, rv)

	rv = validateCacheConfig(reflect.ValueOf(CacheConfig{Backend: cacheBackendMemory}))
	assert.Nil(t, rv)
}

func TestValidateFeedConfig(t *testing.T) {
	rv := validateFeedConfig(reflect.ValueOf(FeedConfig{Enabled: true}))
	assert.Equal(t, "url is required when the feed watcher is enabled", rv)

	rv = validateFeedConfig(
		reflect.ValueOf(
			FeedConfig{
				Enabled:      true,
				URL:          "https://example.com/feed.xml",
				PollInterval: 100 * time.Millisecond,
			},
		),
	)
	assert.Equal(t, "poll_interval must be at least 1s", rv)

	rv = validateFeedConfig(
		reflect.ValueOf(
			FeedConfig{
				Enabled:      true,
				URL:          "https://example.com/feed.xml",
				PollInterval: time.Minute,
			},
		),
	)
	assert.Nil(t, rv)

	rv = validateFeedConfig(reflect.ValueOf(FeedConfig{}))
	assert.Nil(t, rv)
}

func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()
	ids := newCommandData(t)

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = ids.DiscordToken
	cfg.Discord.ApplicationID = ids.DiscordApplicationID

	// Each test binds its own ephemeral port, so parallel tests don't
	// fight over a fixed listen address.
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Development = true
	cfg.API.CORS.AllowOrigins = []string{"*"}

	certfile := filepath.Join(tmpdir, "cert.pem")
	keyfile := filepath.Join(tmpdir, "key.pem")
	_, err := generateSelfSignedCert(certfile, keyfile)
	require.NoError(t, err)

	cfg.API.SSL.Cert = certfile
	cfg.API.SSL.Key = keyfile

	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	cfg.Cache.LogLevel.Set(logLevel)
	cfg.Feed.LogLevel.Set(logLevel)

	return cfg
}
