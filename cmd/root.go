package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stewardbot/steward/steward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = steward.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "steward [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", steward.DefaultDatabase)
	viper.SetDefault("database_type", steward.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		steward.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		steward.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", steward.DefaultLogLevel.String())
	viper.SetDefault("log_file", "")

	viper.SetDefault("startup_timeout", steward.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", steward.DefaultShutdownTimeout)

	// Cache config
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("cache.log_level", steward.DefaultCacheLogLevel.String())
	viper.SetDefault("cache.redis.addr", "")
	viper.SetDefault("cache.redis.db", 0)
	viper.SetDefault("cache.redis.key_prefix", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		steward.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		steward.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		steward.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", steward.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.menu_timeout", steward.DefaultMenuTimeout)
	viper.SetDefault("discord.prompt_timeout", steward.DefaultPromptTimeout)

	// Feed config
	viper.SetDefault("feed.enabled", false)
	viper.SetDefault("feed.url", "")
	viper.SetDefault("feed.poll_interval", steward.DefaultFeedPollInterval)
	viper.SetDefault("feed.request_timeout", steward.DefaultFeedRequestTimeout)
	viper.SetDefault(
		"feed.deliveries_per_second",
		steward.DefaultFeedDeliveriesPerSecond,
	)
	viper.SetDefault("feed.log_level", steward.DefaultFeedLogLevel.String())

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	fatalErr(viper.BindEnv("cache.redis.password"))

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", steward.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.log_level", steward.DefaultAPILogLevel.String())

	viper.SetDefault(
		"api.session_max_age",
		steward.DefaultAPISessionMaxAge,
	)
	viper.SetDefault("api.read_timeout", steward.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		steward.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", steward.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", steward.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		steward.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		steward.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		steward.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", steward.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		steward.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(steward.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = steward.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}
	logLevelVar, err := levelStringToLevelVar(viper.GetString("log_level"))
	if err != nil {
		log.Fatalf("error parsing log_level: %v", err)
	}
	viper.Set("log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.log_level"))
	if err != nil {
		log.Fatalf("error parsing discord log level: %v", err)
	}
	viper.Set("discord.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("discord.discordgo_log_level"))
	if err != nil {
		log.Fatalf("error parsing discordgo log level: %v", err)
	}
	viper.Set("discord.discordgo_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("database_log_level"))
	if err != nil {
		log.Fatalf("error parsing database log level: %v", err)
	}
	viper.Set("database_log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("api.log_level"))
	if err != nil {
		log.Fatalf("error parsing api log level: %v", err)
	}
	viper.Set("api.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("cache.log_level"))
	if err != nil {
		log.Fatalf("error parsing cache log level: %v", err)
	}
	viper.Set("cache.log_level", logLevelVar)

	logLevelVar, err = levelStringToLevelVar(viper.GetString("feed.log_level"))
	if err != nil {
		log.Fatalf("error parsing feed log level: %v", err)
	}
	viper.Set("feed.log_level", logLevelVar)
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
