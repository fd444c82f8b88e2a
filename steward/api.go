package steward

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix          = "/debug"
	apiPrefix            = "/api"
	apiPathPause         = "/pause"
	apiPathResume        = "/resume"
	apiPathQuit          = "/quit"
	apiPathLogin         = "/login"
	apiPathLogout        = "/logout"
	apiPathLoggedIn      = "/logged_in"
	apiHealthCheck       = "/healthz"
	apiPathState         = "/state"
	apiPathGuilds        = "/guilds"
	apiPathGuildConfig   = "/guilds/:id/config"
	apiPathGuildPrefixes = "/guilds/:id/prefixes"
	apiPathInteractions  = "/interactions"
	apiPathSetup         = "/setup"
	apiPathSetupStatus   = "/setup/status"

	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathDiscordGatewayBot = "/discord/gateway/bot"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server: guild config inspection and editing,
// runtime state updates, pause/resume/quit, and the interaction audit
// log, behind cookie-session auth.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API: session store, TLS, middleware and
// routes. The server isn't started until [API.Serve] is called.
func newAPI(st *Steward, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(st)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.POST(apiPathSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(st))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuildConfig, apiHandlers.getGuildConfig)
	protected.PATCH(apiPathGuildConfig, apiHandlers.patchGuildConfig)
	protected.PUT(apiPathGuildPrefixes, apiHandlers.putGuildPrefixes)
	protected.GET(apiPathState, apiHandlers.getState)
	protected.PATCH(apiPathState, apiHandlers.patchState)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.GET(apiPathInteractions, apiHandlers.getInteractions)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)
	protected.GET(apiPathDiscordGatewayBot, apiHandlers.getDiscordGatewayBot)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	st     *Steward
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the session store. Without a configured API
// secret, a random key is generated and sessions won't survive a
// restart.
func NewAPIHandlers(st *Steward) *APIHandlers {
	logger := st.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := st.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if st.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(st.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{st: st, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending.
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.st.pendingSetup.Load()})
}

// adminSetup handles the one-time admin credential setup.
//
// Responses:
//   - 201 Created: If the admin credentials were successfully set.
//   - 400 Bad Request: If the request payload is invalid.
//   - 403 Forbidden: If setup has already been completed.
//   - 500 Internal Server Error: If there is an error updating the admin credentials.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.st.cfgMu.Lock()
	defer h.st.cfgMu.Unlock()

	if !h.st.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.st.state

	username := adminSetup.Username

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.st.writeDB.Updates(
		context.Background(), currentState, map[string]any{
			columnBotStateAdminUsername: username,
			columnBotStateAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.st.state = currentState
	h.st.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates admin credentials and creates a session
// cookie. Login attempts are rate limited globally, not per client.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
//   - 500 Internal Server Error: If there is an error processing the login request.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.st.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.st.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := h.st.State()
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.st.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.st.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.st.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the paused flag, gateway connection status and
// the number of live menu sessions.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.st.paused.Load(),
			MenuSessions:            h.st.menus.sessionCount(),
			DiscordGatewayConnected: h.st.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.st.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getGuildConfig returns the stored config for a guild. Guilds without
// a stored row get the empty record, so this never 404s.
func (h *APIHandlers) getGuildConfig(c *gin.Context) {
	guildID := c.Param("id")

	config, err := h.st.guildConfigs.Get(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error(
			"error getting guild config",
			tint.Err(err),
			"guild_id", guildID,
		)
		ginReplyError(c, "error getting guild config")
		return
	}
	c.JSON(http.StatusOK, config.Sanitized())
}

// patchGuildConfig applies a field-level patch to a guild's config.
// Present fields are updated, absent fields are left alone, and an
// empty string clears the field. Writes go through the same mutators
// the menus use, so conversion, validation and cache invalidation all
// apply.
//
// Responses:
//   - 200 OK: Returns the updated guild config.
//   - 400 Bad Request: If the payload is invalid or a value is rejected.
//   - 500 Internal Server Error: If the write fails.
func (h *APIHandlers) patchGuildConfig(c *gin.Context) {
	guildID := c.Param("id")
	logger := ginContextLogger(c)

	var patch guildConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	fields := []struct {
		field ConfigField
		value *string
	}{
		{FieldAutoRole, patch.AutoRoleID},
		{FieldFeedChannel, patch.FeedChannelID},
	}

	var config *GuildConfig
	var err error
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if *f.value == "" {
			config, err = h.st.guildConfigs.ClearField(ctx, guildID, f.field)
		} else {
			config, err = h.st.guildConfigs.SetField(
				ctx, guildID, f.field, *f.value,
			)
		}
		if err != nil {
			replyGuildConfigError(c, logger, err)
			return
		}
	}

	if config == nil {
		config, err = h.st.guildConfigs.Get(ctx, guildID)
		if err != nil {
			logger.Error("error getting guild config", tint.Err(err))
			ginReplyError(c, "error getting guild config")
			return
		}
	}
	c.JSON(http.StatusOK, config.Sanitized())
}

// putGuildPrefixes replaces a guild's entire prefix list.
func (h *APIHandlers) putGuildPrefixes(c *gin.Context) {
	guildID := c.Param("id")
	logger := ginContextLogger(c)

	var payload guildPrefixesPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	config, err := h.st.guildConfigs.ReplacePrefixes(
		c.Request.Context(), guildID, payload.Prefixes,
	)
	if err != nil {
		replyGuildConfigError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, config.Sanitized())
}

// replyGuildConfigError maps a guild config mutation error to a
// response: rejected input gets a 400 with the rule spelled out,
// backend failures get a generic 500.
func replyGuildConfigError(c *gin.Context, logger *slog.Logger, err error) {
	var validationErr *ValidationError
	var conversionErr *ConversionError
	switch {
	case errors.As(err, &validationErr), errors.As(err, &conversionErr):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
	default:
		logger.Error("error updating guild config", tint.Err(err))
		ginReplyError(c, "error updating guild config")
	}
}

func (h *APIHandlers) getState(c *gin.Context) {
	state := h.st.State()
	c.JSON(http.StatusOK, state.Sanitized())
}

// patchState updates the runtime state: pause flag, custom status,
// notification channel, feed poll interval, user-facing messages and
// log levels. The update is validated against the full record inside
// the transaction and rolled back if it doesn't hold. Other instances
// are told to reload their state afterward.
//
// Responses:
//   - 202 Accepted: Returns the updated state.
//   - 400 Bad Request: If the request payload is invalid.
//   - 500 Internal Server Error: If there is an error updating the state.
func (h *APIHandlers) patchState(c *gin.Context) {
	st := h.st
	st.cfgMu.Lock()
	defer st.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest BotStateUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid update", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingState := st.state
	rollbackState := *existingState

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "applying updates", "updates", updates)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = st.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingState).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "error updating state"}
				return updateError
			}

			updateError = structValidator.Struct(existingState)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "error validating state"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		st.state = &rollbackState
		logger.ErrorContext(c, "error updating state", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	st.setRuntimeLevels(*existingState)

	wasPaused := st.paused.Swap(existingState.Paused)
	switch {
	case wasPaused && !existingState.Paused:
		logger.Info("unpaused bot")
	case existingState.Paused && !wasPaused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(st, logger, rollbackState, existingState)

	if existingState.NotificationChannelID != rollbackState.NotificationChannelID {
		go sendStartupMessage(st.discord, logger, *existingState)
	}

	updated := existingState.Sanitized()
	c.JSON(http.StatusAccepted, updated)

	sent := st.notifier.ReloadBotState(ctx)
	if !sent {
		logger.Error("error sending state update notification")
	}
}

// botPause pauses the bot: menu presses and commands get the courtesy
// "paused" reply, and feed polls are skipped, until it's resumed.
//
// Responses:
//   - 200 OK: If the bot was paused.
//   - 409 Conflict: If the bot is already paused.
func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	h.st.cfgMu.Lock()
	defer h.st.cfgMu.Unlock()

	ctx := context.Background()
	if !h.st.Pause(ctx) {
		c.AbortWithStatusJSON(
			http.StatusConflict,
			httpError{Error: "bot already paused"},
		)
		return
	}
	log.Info("bot paused")
	ginReplyMessage(c, "bot paused")

	if !h.st.notifier.ReloadBotState(ctx) {
		log.Error("error sending state update notification")
	}
}

// botResume undoes [APIHandlers.botPause].
//
// Responses:
//   - 200 OK: If the bot was resumed.
//   - 409 Conflict: If the bot isn't paused.
func (h *APIHandlers) botResume(c *gin.Context) {
	log := ginContextLogger(c)
	h.st.cfgMu.Lock()
	defer h.st.cfgMu.Unlock()

	ctx := context.Background()
	if !h.st.Resume(ctx) {
		c.AbortWithStatusJSON(
			http.StatusConflict,
			httpError{Error: "bot not paused"},
		)
		return
	}
	ginReplyMessage(c, "bot resumed")

	if !h.st.notifier.ReloadBotState(ctx) {
		log.Error("error sending state update notification")
	}
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.st.notifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// getInteractions lists recorded Discord interactions, newest first by
// default, filterable by user, guild and date range.
// getGuilds returns every guild with a stored config. With
// include_stats=true, each guild also carries activity counts compiled
// from the interaction log and reminder timers.
//
// Responses:
//   - 200 OK: Returns the list of guild configs.
//   - 400 Bad Request: If the query parameters are invalid.
//   - 500 Internal Server Error: If there is an error retrieving guilds or stats.
func (h *APIHandlers) getGuilds(c *gin.Context) {
	var pagination GetGuildsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var guilds []GuildConfig

	var err error
	switch pagination.Order {
	case Descending:
		err = h.st.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id desc").Find(&guilds).Error
	default:
		err = h.st.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id asc").Find(&guilds).Error
	}
	if err != nil {
		log.Error("error getting guilds", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting guilds"})
		return
	}

	if !pagination.IncludeStats {
		sanitized := make([]GuildConfig, len(guilds))
		for i, guild := range guilds {
			sanitized[i] = guild.Sanitized()
		}
		c.JSON(http.StatusOK, sanitized)
		return
	}

	guildsWithStats := make([]guildWithStats, len(guilds))

	g, _ := errgroup.WithContext(context.Background())
	for ind, guild := range guilds {
		g.Go(
			func() error {
				withStats := guildWithStats{GuildConfig: guild.Sanitized()}
				stats, e := guild.getStats(context.Background(), h.st.db)
				withStats.GuildStats = &stats
				if e == nil {
					guildsWithStats[ind] = withStats
				}
				return e
			},
		)
	}
	if e := g.Wait(); e != nil {
		log.Error("error getting guild stats", tint.Err(e))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting guild stats"},
		)
		return
	}

	c.JSON(http.StatusOK, guildsWithStats)
}

func (h *APIHandlers) getInteractions(c *gin.Context) {
	var pagination GetInteractionsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var interactions []InteractionLog

	query := h.st.writeDB.DB().WithContext(c.Request.Context()).Model(
		&InteractionLog{},
	).Limit(pagination.Limit).Offset(pagination.Offset)

	if pagination.UserID != "" {
		query = query.Where("user_id = ?", pagination.UserID)
	}

	if pagination.GuildID != "" {
		query = query.Where("guild_id = ?", pagination.GuildID)
	}

	if pagination.StartDate != "" {
		startDate, err := time.Parse("2006-01-02", pagination.StartDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid start_date format"},
			)
			return
		}
		query = query.Where("created_at >= ?", startDate.UnixMilli())
	}

	if pagination.EndDate != "" {
		endDate, err := time.Parse("2006-01-02", pagination.EndDate)
		if err != nil {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "invalid end_date format"},
			)
			return
		}
		// Add one day to include the entire end date
		endDate = endDate.Add(24 * time.Hour)
		query = query.Where("created_at < ?", endDate.UnixMilli())
	}

	switch pagination.Order {
	case Descending:
		query = query.Order("created_at desc")
	default:
		query = query.Order("created_at asc")
	}

	err := query.Find(&interactions).Error
	if err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting interactions",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting interactions"},
		)
		return
	}

	c.JSON(http.StatusOK, interactions)
}

// discordRegisterCommands overwrites the bot's slash commands with the
// current set.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.st.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) getDiscordGatewayBot(c *gin.Context) {
	gb, err := h.st.discord.session.GatewayBot(
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching gateway bot"})
		return
	}
	c.JSON(http.StatusOK, gb)
}

// GetInteractionsQuery represents the query parameters for fetching
// interaction log records.
type GetInteractionsQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	GuildID   string `form:"guild_id"`
	StartDate string `form:"start_date" binding:"omitempty,datetime=2006-01-02"`
	EndDate   string `form:"end_date" binding:"omitempty,datetime=2006-01-02"`
}

// GetGuildsQuery represents the query parameters for fetching guild
// config records.
type GetGuildsQuery struct {
	Pagination
	IncludeStats bool `form:"include_stats" json:"include_stats"`
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort represents the sorting order for queries.
type Sort string

// guildWithStats pairs a guild's stored config with activity counts
// compiled from the interaction log and reminder timers.
type guildWithStats struct {
	GuildConfig

	// GuildStats may be nil if stats have not been calculated.
	GuildStats *GuildStats `json:"stats,omitempty"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	MenuSessions            int  `json:"menu_sessions"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status'
// endpoint. If admin credentials haven't been set yet, Required will
// be true, indicating setup is needed.
type setupResponse struct {
	Required bool `json:"required"`
}

// guildConfigPatch accepts a partial guild config update. Any non-nil
// value is applied; an empty string clears the field.
type guildConfigPatch struct {
	AutoRoleID    *string `json:"auto_role_id,omitempty"`
	FeedChannelID *string `json:"feed_channel_id,omitempty"`
}

// guildPrefixesPayload is the PUT body replacing a guild's prefixes.
type guildPrefixesPayload struct {
	Prefixes []string `json:"prefixes" binding:"required"`
}

// authMiddleware aborts with 401 for requests without a valid session,
// and for all requests while the initial admin setup is pending.
func authMiddleware(st *Steward) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := st.api.store
		logger := st.logger
		if logger == nil {
			logger = slog.Default()
		}
		if st.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set both in the Gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status once the handler chain finishes.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments the request count for each unique
// combination of HTTP method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// updateDiscordBotStatus reconciles the Discord connection and
// presence with a state change: the gateway is opened or closed when
// the enabled flag flips, and the presence is updated when the paused
// flag or custom status changes.
func updateDiscordBotStatus(
	st *Steward,
	logger *slog.Logger,
	rollbackState BotState,
	existingState *BotState,
) {
	switch {
	case rollbackState.DiscordGatewayEnabled && !existingState.DiscordGatewayEnabled:
		if discErr := st.discord.session.Close(); discErr != nil {
			logger.Error("error closing discord connection", tint.Err(discErr))
		}
	case rollbackState.DiscordGatewayEnabled && existingState.DiscordGatewayEnabled:
		switch {
		case existingState.Paused:
			if !rollbackState.Paused {
				if discErr := st.discord.session.UpdateStatusComplex(
					discordgo.UpdateStatusData{
						AFK:    true,
						Status: string(discordgo.StatusDoNotDisturb),
					},
				); discErr != nil {
					logger.Error("error updating discord status", tint.Err(discErr))
				}
			}
		case existingState.DiscordCustomStatus != rollbackState.DiscordCustomStatus:
			if discErr := st.discord.session.UpdateCustomStatus(
				existingState.DiscordCustomStatus,
			); discErr != nil {
				logger.Error("error updating discord status", tint.Err(discErr))
			}
		}
	case existingState.DiscordGatewayEnabled:
		st.discord.session.SetIdentify(
			discordgo.Identify{
				Intents:  st.config.Discord.GatewayIntents,
				Presence: getDiscordPresenceStatusUpdate(*existingState),
			},
		)
		if discErr := st.discord.session.Open(); discErr != nil {
			logger.Error("error opening discord connection", tint.Err(discErr))
		}
	}
}

// sendStartupMessage announces the bot in the configured notification
// channel, if one is set.
func sendStartupMessage(d *Discord, logger *slog.Logger, state BotState) {
	if !state.DiscordGatewayEnabled {
		return
	}
	if state.NotificationChannelID == "" {
		return
	}

	if sendErr := d.channelMessageSend(
		state.NotificationChannelID,
		d.config.StartupMessage,
	); sendErr != nil {
		logger.Error("error sending startup message", tint.Err(sendErr))
	}
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	// Generate a private key
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Steward"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateCacheConfig, CacheConfig{})
	structValidator.RegisterCustomTypeFunc(validateFeedConfig, FeedConfig{})
	structValidator.RegisterCustomTypeFunc(
		validateBotStateUpdate,
		BotStateUpdate{},
	)
}
