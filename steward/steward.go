package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/stewardbot/steward/steward.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// setupPollInterval is how often, while initial setup is pending, the
// bot re-checks the DB for admin credentials created via the API.
var setupPollInterval = 5 * time.Second

// Steward is the main application struct for the bot. It ties together
// the Discord session, guild configuration storage, the interactive
// settings menus, reminder timers, the update-feed watcher and the
// admin API.
type Steward struct {
	notifier ConfigNotifier
	config   *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Steward.db]
	// is that, when using sqlite, a mutex is used. Otherwise,
	// just use [Steward.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Per-guild configuration, cached with invalidate-on-write
	guildConfigs *GuildConfigStore

	// Live interactive settings-menu sessions
	menus *MenuManager

	// Schedules and fires persisted reminder timers
	timers *TimerRunner

	// Polls the update feed and fans digests out to subscribed guilds
	feed *FeedWatcher

	// Provides the back-end admin API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - initializing database connections
	// - getting current state from the DB
	// - starting the API
	// - opening a discord session
	// - adding the discord handlers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Steward.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the bot rejects new slash commands with a courtesy
	// message. In-flight menu sessions still respond.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set.
	// If they haven't, Run will hold just after the init
	// process is done and the API has started, prior to starting
	// any other processes - this ensures the bot doesn't start
	// responding to commands before it can be configured/stopped
	// via the API.
	pendingSetup atomic.Bool

	// Runtime-adjustable settings - things you may want to
	// change without restarting the bot.
	state *BotState

	// protecc the state
	cfgMu sync.RWMutex

	// triggerGuildConfigInvalidateCh receives guild IDs whose cached
	// config must be dropped, generally because another instance
	// wrote to it
	triggerGuildConfigInvalidateCh chan string

	// triggerBotStateRefreshCh signals [BotState] should be re-read
	// from the DB
	triggerBotStateRefreshCh chan bool
}

func (d *Steward) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// State returns a copy of the current [BotState].
func (d *Steward) State() BotState {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()

	if d.state == nil {
		return DefaultBotState()
	}
	return *d.state
}

// New creates and validates a new Steward instance from the given
// config. The instance isn't running until [Steward.Run] is called.
func New(config *Config) (*Steward, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres'"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	d := &Steward{
		config:                         config,
		signalReady:                    make(chan struct{}, 1),
		eventShutdown:                  make(chan struct{}, 1),
		triggerGuildConfigInvalidateCh: make(chan string, 1),
		triggerBotStateRefreshCh:       make(chan bool, 1),
	}

	logWriter := newLogWriter(config.LogFile)

	d.logHandler = tint.NewHandler(
		logWriter, &tint.Options{
			Level:     d.config.LogLevel,
			AddSource: true,
		},
	)

	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			logWriter, &tint.Options{
				Level:     d.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			logWriter, &tint.Options{
				Level:     d.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	d.discord = disc
	disc.st = d

	d.menus = newMenuManager(d)
	d.timers = newTimerRunner(d)
	d.feed = newFeedWatcher(d)

	if config.API.Enabled {
		api, e := newAPI(d, config.API)
		errs = append(errs, e)
		d.api = api
	}

	return d, errors.Join(errs...)
}

func (d *Steward) ValidateConfig() error {
	err := structValidator.Struct(d.config)
	if err != nil {
		return err
	}

	return nil
}

// RegisterSlashCommands registers the bot's slash commands
// (`/settings`, `/remind`) with Discord, overwriting any existing set.
func (d *Steward) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return d.discord.registerCommands(options...)
}

// Run starts the bot, blocking until the context is canceled or a stop
// signal is received.
//
// This initializes the database, loads the current [BotState], starts
// the API (if enabled), connects to Discord, and starts the primary
// application functions: menu session handling, reminder timers, the
// update-feed watcher, and cross-instance config notifications.
func (d *Steward) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.signalStop = make(chan struct{}, 1)

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newConfigNotifier(d)
	if err != nil {
		logger.Error("error creating config notifier", tint.Err(err))
		return err
	}
	d.notifier = notifier

	ctx = WithLogger(ctx, logger)

	// tracks goroutines spawned by the main processes, primarily
	// in-flight interaction handlers
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-d.signalStop:
			d.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			d.logger.Warn("context canceled, sending stop signal")
			d.signalStop <- struct{}{}
			return
		}
	}()

	if d.api != nil {
		go func() {
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if d.api != nil && d.api.listener != nil {
				go func() {
					if e := d.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		} else {
			logger.WarnContext(ctx, "init complete")
		}
	}

	if setupErr := d.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	botState := d.State()

	if discErr := d.initDiscordSession(ctx, runtimeWG); discErr != nil {
		d.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := d.discordInit(ctx, botState, logger); err != nil {
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		d.timers.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		d.feed.Run(ctx)
	}()

	d.startBotStateRefresher(ctx, runtimeWG)
	d.startGuildConfigInvalidator(ctx, runtimeWG)

	d.signalReady <- struct{}{}
	d.logger.InfoContext(ctx, "sent ready signal")

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.notifier.Listen(ctx, d.notifier.GuildConfigChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to guild config channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.notifier.Listen(ctx, d.notifier.BotStateChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to bot state channel", tint.Err(e))
		}
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := d.notifier.Listen(ctx, d.notifier.StopChannelName()); e != nil {
			d.logger.ErrorContext(ctx, "error listening to stop channel", tint.Err(e))
		}
	}()

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return d.shutdown(ctx, runtimeWG)
}

func (d *Steward) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !d.pendingSetup.Load() {
		return nil
	}

	if d.api == nil {
		logger.WarnContext(
			ctx,
			"admin credentials not set and API disabled, continuing without admin access",
		)
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			d.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var botState BotState
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			getStateErr := d.db.Last(&botState).Error
			if getStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting bot state",
					tint.Err(getStateErr),
				)
			}
			if botState.AdminUsername != "" && botState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(setupPollInterval)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return d.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		d.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection, if the gateway
// is enabled
func (d *Steward) discordInit(
	ctx context.Context,
	botState BotState,
	logger *slog.Logger,
) error {
	if !botState.DiscordGatewayEnabled {
		logger.WarnContext(ctx, "discord gateway disabled")
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if botState.DiscordCustomStatus != "" && !d.paused.Load() {
		go func() {
			if statusErr := d.discord.session.UpdateCustomStatus(
				botState.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// startBotStateRefresher consumes [Steward.triggerBotStateRefreshCh],
// re-reading [BotState] from the DB on each signal. Signals come from
// the notifier: either forwarded in-process (sqlite) or from the
// postgres listener when another instance announces a change.
func (d *Steward) startBotStateRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case <-d.triggerBotStateRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, dbOperationTimeout)
				go func() {
					d.refreshBotState(refreshCtx)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					d.logger.Warn("bot state refresh timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

// startGuildConfigInvalidator consumes
// [Steward.triggerGuildConfigInvalidateCh], dropping the cache entry
// for each announced guild so the next read comes from the DB.
func (d *Steward) startGuildConfigInvalidator(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case guildID := <-d.triggerGuildConfigInvalidateCh:
				evictCtx, evictCancel := context.WithTimeout(ctx, dbOperationTimeout)
				d.guildConfigs.Evict(evictCtx, guildID)
				evictCancel()
				d.logger.Info("dropped cached guild config", "guild_id", guildID)
			}
		}
	}()
}

// refreshBotState re-reads [BotState] from the DB and applies it:
// log levels, the paused flag, and the discord connection/presence.
func (d *Steward) refreshBotState(ctx context.Context) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()

	rollbackState := d.state

	var freshState BotState
	if err := d.db.WithContext(ctx).Last(&freshState).Error; err != nil {
		d.logger.Error("error getting bot state", tint.Err(err))
		return
	}

	updateDiscordBotStatus(d, d.logger, *rollbackState, &freshState)

	d.setRuntimeLevels(freshState)
	d.paused.Store(freshState.Paused)
	d.state = &freshState

	d.logger.Info("refreshed bot state")
}

func (d *Steward) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			go func() {
				d.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		if d.api != nil {
			go func() {
				_ = d.api.httpServer.Close()
			}()
		}
		return fmt.Errorf("forced immediate shutdown")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	shutdownAnnouncementInterval := 10 * time.Second

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", d.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// close menu sessions first - this unblocks any handler
		// goroutine waiting on user input, and edits the menu
		// messages while the discord session is still open
		d.menus.StopAll()

		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if d.api != nil && d.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "stopping http server")
				_ = d.api.httpServer.Shutdown(closeCtx)
				d.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if d.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				d.logger.InfoContext(ctx, "closing discord session")
				_ = d.discord.session.Close()
				d.logger.InfoContext(ctx, "discord session closed")
				if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
					d.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(d.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			d.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			d.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			d.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, enqueue closing stuff
			d.logger.Warn("graceful shutdown did not finish in time, forcing close")

			if d.api != nil {
				go func() {
					_ = d.api.httpServer.Close()
				}()
			}

			return fmt.Errorf("graceful shutdown did not finish in time")
		}
	}
}

// setRuntimeLevels sets the logging levels for the bot's components
// based on the provided [BotState].
func (d *Steward) setRuntimeLevels(state BotState) {
	d.config.LogLevel.Set(state.LogLevel.Level())
	d.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	d.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	d.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	d.config.API.LogLevel.Set(state.APILogLevel.Level())
	d.config.Feed.LogLevel.Set(state.FeedLogLevel.Level())
}

func (d *Steward) initRun(startCtx context.Context, ctx context.Context) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	// load or create the DB state record - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential scenario
	// where we want to keep it paused, but it crashes and restarts in
	// an active state)
	var botState BotState

	getStateErr := d.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			d.pendingSetup.Store(true)
			botState = DefaultBotState()

			if _, err := d.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating bot state: %w", err)
			}
		} else {
			return fmt.Errorf("error getting bot state: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid bot state: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		d.pendingSetup.Store(true)
	}
	d.paused.Store(botState.Paused)
	d.setRuntimeLevels(botState)
	d.state = &botState

	store, storeErr := NewGuildConfigStore(
		*d.config.Cache,
		d.writeDB,
		d.notifier,
		d.logger,
	)
	if storeErr != nil {
		return fmt.Errorf("error creating guild config store: %w", storeErr)
	}
	d.guildConfigs = store

	d.logger.InfoContext(ctx, "loaded bot state", "state", structToSlogValue(botState))

	return nil
}

func (d *Steward) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}

	handler := tint.NewHandler(
		newLogWriter(d.config.LogFile), &tint.Options{
			Level:     d.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, d.config.DatabaseSlowThreshold)
	db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)

	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	d.db = db

	d.writeDB = NewDatabase(db, d.logger, d.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if d.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&GuildConfig{},
		&BotState{},
		&Timer{},
		&FeedDigest{},
		&InteractionLog{},
		&DiscordMessage{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}

	return nil
}

func (d *Steward) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: d.config.Discord.GatewayIntents}
	if d.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: d.State().DiscordCustomStatus,
		}
	}
	d.discord.session.SetIdentify(identify)

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(d.discord.handlerGuildMemberAdd()),
		d.discord.session.AddHandler(d.discord.handlerGuildMemberUpdate()),
		d.discord.session.AddHandler(d.discord.handlerMessageCreate()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, i)
				}()
			},
		),
	}

	return nil
}

// handleInteraction is the entrypoint for all interactions received
// over the gateway. Slash commands are dispatched to their command
// handler, component and modal interactions are routed to the menu
// session that owns them. Every interaction is recorded as an
// [InteractionLog].
func (d *Steward) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	ctx, logger := d.getLogger(ctx)

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	logger = logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	}

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	if interactionLog != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := d.writeDB.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		if pongErr := d.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		); pongErr != nil {
			logger.ErrorContext(ctx, "error responding to ping", tint.Err(pongErr))
		}
	case discordgo.InteractionModalSubmit:
		d.menus.HandleModal(ctx, i)
	case discordgo.InteractionMessageComponent:
		d.menus.HandleComponent(ctx, i)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name

		// new commands are rejected while paused; component and modal
		// interactions still go through so in-flight menus can finish
		if d.paused.Load() {
			logger.WarnContext(ctx, "bot paused, rejecting command", "command", commandName)
			d.respondEphemeral(i, d.State().busyMessage())
			return
		}

		switch commandName {
		case DiscordSlashCommandSettings:
			d.handleSettingsCommand(ctx, i)
		case DiscordSlashCommandRemind:
			d.handleRemindCommand(ctx, i)
		default:
			logger.WarnContext(ctx, "unknown command", "command_name", commandName)
		}
	default:
		logger.WarnContext(
			ctx,
			"unexpected interaction type",
			"interaction_type", i.Type.String(),
		)
	}
}

// respondEphemeral answers an interaction with a message only the
// invoking user can see.
func (d *Steward) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := d.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		d.logger.Warn("error sending ephemeral response", tint.Err(err))
	}
}

// Pause 'pauses' the bot. While paused, new slash commands are
// rejected with a courtesy message. Returns false if the bot was
// already paused.
func (d *Steward) Pause(ctx context.Context) bool {
	prev := d.paused.Swap(true)
	if prev {
		return false
	}

	if err := d.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		d.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !d.state.Paused {
		if _, err := d.writeDB.Update(
			ctx,
			d.state,
			columnBotStatePaused,
			true,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing. It returns a bool indicating
// whether the bot was paused at the time the function was called.
func (d *Steward) Resume(ctx context.Context) bool {
	prev := d.paused.Swap(false)
	if !prev {
		d.logger.Warn("bot not paused")
		return false
	}
	d.logger.InfoContext(ctx, "bot resumed")

	if err := d.discord.updateCustomStatus(d.state.DiscordCustomStatus); err != nil {
		d.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if d.state.Paused {
		if _, err := d.writeDB.Update(
			ctx, d.state, columnBotStatePaused, false,
		); err != nil {
			d.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}
