package steward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gsessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestAPILoginRateLimit(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)

	requestLogin := func() int {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: fmt.Sprintf("user_%s", t.Name()),
			Password: fmt.Sprintf("password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, requestLogin())

	resultCodes := make(chan int, 5)
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resultCodes <- requestLogin()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	doneCh := make(chan struct{}, 1)
	go func() {
		wg.Wait()
		close(resultCodes)
		doneCh <- struct{}{}
	}()

	select {
	case <-doneCh:
		//
	case <-ctx.Done():
		t.Fatalf("context cancelled: %v", ctx.Err())
	}

	tooManyRequestsSeen := false
	codesSeen := []int{}
	for rc := range resultCodes {
		codesSeen = append(codesSeen, rc)
		if rc == http.StatusTooManyRequests {
			tooManyRequestsSeen = true
			break
		}
	}
	assert.Truef(
		t,
		tooManyRequestsSeen,
		"expected to see %d, saw: %#v",
		http.StatusTooManyRequests,
		codesSeen,
	)
}

func TestAPI_LoggedIn(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	bot.config.API.Development = false
	requestLogin := func() *http.Response {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: bot.State().AdminUsername,
			Password: fmt.Sprintf("password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		return w.Result()
	}
	rv := requestLogin()
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	cookies := rv.Cookies()
	assert.Equal(t, 1, len(cookies))
	cookie := cookies[0]

	t.Logf("cookie: %#v", cookie.String())
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(bot.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	loggedIn := func() *http.Response {
		w := httptest.NewRecorder()
		req, err := http.NewRequest(
			http.MethodGet,
			fmt.Sprintf("%s%s", apiPrefix, apiPathLoggedIn),
			http.NoBody,
		)
		require.NoError(t, err)
		req.AddCookie(cookie)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp
	}
	loggedInResp := loggedIn()
	assert.Equal(t, http.StatusOK, loggedInResp.StatusCode)

	data, err := io.ReadAll(loggedInResp.Body)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			e := loggedInResp.Body.Close()
			if e != nil {
				t.Logf("error closing body: %s", e.Error())
			}
		},
	)

	var crv loggedInResponse
	err = json.Unmarshal(data, &crv)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("user_%s", t.Name()), crv.Username)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	bot, _ := newSteward(t)

	requestLogin := func() int {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: fmt.Sprintf("user_%s", t.Name()),
			Password: fmt.Sprintf("wrong_password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, requestLogin())
}

// TestAPI_Unauthorized hits a protected route with no session cookie.
func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(
		http.MethodGet,
		fmt.Sprintf("%s%s", apiPrefix, apiPathState),
		http.NoBody,
	)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var rvErr httpError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rvErr))
	assert.Equal(t, "unauthorized", rvErr.Error)
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, apiHealthCheck, http.NoBody)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.False(t, health.Paused)
	assert.Equal(t, 0, health.MenuSessions)
	assert.False(t, health.DiscordGatewayConnected)
}

func TestAPI_SetupStatus(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(
		t,
		handlers.setupStatus,
		http.MethodGet,
		http.NoBody,
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	var status setupResponse
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rv.Body.Close() })
	require.NoError(t, json.Unmarshal(data, &status))
	assert.False(t, status.Required)

	bot.pendingSetup.Store(true)
	t.Cleanup(func() { bot.pendingSetup.Store(false) })

	rv = handleTestRequest(
		t,
		handlers.setupStatus,
		http.MethodGet,
		http.NoBody,
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rv.Body.Close() })
	require.NoError(t, json.Unmarshal(data, &status))
	assert.True(t, status.Required)
}

func TestAPI_AdminSetup_Forbidden(t *testing.T) {
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)
	require.False(t, bot.pendingSetup.Load())
	rv := handleTestRequest(
		t,
		handlers.adminSetup,
		http.MethodPost,
		http.NoBody,
		gin.Param{},
	)
	require.Equal(t, http.StatusForbidden, rv.StatusCode)

	var rvErr httpError
	data, err := io.ReadAll(rv.Body)
	t.Cleanup(
		func() {
			_ = rv.Body.Close()
		},
	)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))

	require.Equal(t, "Forbidden", rvErr.Error)
}

func TestAPI_AdminSetup_DBUpdateError(t *testing.T) {
	originalInterval := setupPollInterval
	setupPollInterval = 100 * time.Millisecond
	t.Cleanup(func() { setupPollInterval = originalInterval })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	gin.DefaultWriter = io.Discard
	cfg := DefaultTestConfig(t)

	bot, err := New(cfg)
	require.NoError(t, err)
	bot.discord.session = newMockDiscordSession()
	setLoggers(t, bot)

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	// no stored credentials, so the bot holds for setup once its state
	// record exists
	require.Eventually(
		t,
		func() bool { return bot.pendingSetup.Load() && bot.State().ID != 0 },
		15*time.Second,
		50*time.Millisecond,
		"expected the bot to hold for initial setup",
	)

	handlers := NewAPIHandlers(bot)
	payload := adminSetupPayload{
		Username:        t.Name(),
		Password:        "changeme",
		ConfirmPassword: "changeme",
	}
	payloadData, err := json.Marshal(payload)
	require.NoError(t, err)

	originalColumn := columnBotStateAdminPassword
	columnBotStateAdminPassword = "admin_asdf"
	t.Cleanup(
		func() {
			columnBotStateAdminPassword = originalColumn
		},
	)
	rv := handleTestRequest(
		t,
		handlers.adminSetup,
		http.MethodPost,
		bytes.NewReader(payloadData),
		gin.Param{},
	)
	require.Equal(t, http.StatusInternalServerError, rv.StatusCode)

	var rvErr httpError
	data, err := io.ReadAll(rv.Body)
	t.Cleanup(
		func() {
			_ = rv.Body.Close()
		},
	)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))

	require.Equal(t, "error updating admin credentials", rvErr.Error)
	assert.True(t, bot.pendingSetup.Load())

	cancel()
	select {
	case <-botErr:
		//
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for the bot to exit")
	}
}

func TestAPI_GetState(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)

	requestState := func() *http.Response {
		w := httptest.NewRecorder()

		req, err := http.NewRequest(
			http.MethodGet,
			fmt.Sprintf("%s%s", apiPrefix, apiPathState),
			http.NoBody,
		)
		require.NoError(t, err)
		req.Header.Add("Content-Type", "application/json")

		c, _ := gin.CreateTestContext(w)
		c.Request = req

		sess, err := bot.api.store.New(req, sessionVarName)
		require.NoError(t, err)
		sess.Options = &gsessions.Options{
			MaxAge:   60 * 60,
			SameSite: http.SameSiteStrictMode,
			HttpOnly: true,
		}
		sess.Values[sessionVarField] = bot.State().AdminUsername
		mockStore := &MockStore{}
		bot.api.store = mockStore
		mockStore.returnSession = sess
		bot.api.engine.ServeHTTP(w, req)
		return w.Result()
	}

	resp := requestState()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var state BotState

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			e := resp.Body.Close()
			if e != nil {
				t.Logf("error closing body: %s", e.Error())
			}
		},
	)

	err = json.Unmarshal(data, &state)
	require.NoError(t, err)
	assert.Empty(t, state.AdminPassword)
	assert.Equal(t, bot.State().AdminUsername, state.AdminUsername)

	expected, err := json.Marshal(bot.State().Sanitized())
	require.NoError(t, err)
	assert.Equal(t, string(expected), string(data))
}

func TestAPI_UpdateState(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	currentState := bot.State()
	assert.False(t, currentState.Paused)
	assert.Equal(t, slog.LevelWarn, bot.config.LogLevel.Level())

	update := BotStateUpdate{
		Paused:              boolPtr(true),
		BusyMessage:         strPtr("hold please"),
		DiscordCustomStatus: strPtr("tending the garden"),
		LogLevel:            dbLogLevelPtr(DBLogLevelDebug),
		FeedPollInterval:    durationPtr(30 * time.Minute),
	}
	payload, err := json.Marshal(update)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.patchState,
		http.MethodPatch,
		bytes.NewReader(payload),
	)
	if !assert.Equal(t, http.StatusAccepted, rv.StatusCode) {
		data, readErr := io.ReadAll(rv.Body)
		require.NoError(t, readErr)
		t.Fatalf(
			"unexpected status code: %d (data: %s)",
			rv.StatusCode,
			string(data),
		)
	}

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	var updated BotState
	bodyData, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bodyData, &updated))

	assert.True(t, updated.Paused)
	assert.Equal(t, "hold please", updated.BusyMessage)
	assert.Equal(t, "tending the garden", updated.DiscordCustomStatus)
	assert.Equal(t, 30*time.Minute, updated.FeedPollInterval.Duration)
	assert.Empty(t, updated.AdminPassword)

	// the runtime flags and log levels follow the stored state
	assert.True(t, bot.paused.Load())
	assert.Equal(t, slog.LevelDebug, bot.config.LogLevel.Level())

	var stored BotState
	require.NoError(t, bot.db.Last(&stored).Error)
	assert.True(t, stored.Paused)
	assert.Equal(t, "hold please", stored.BusyMessage)
}

func TestAPI_BadStateUpdate(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	originalState := bot.State()

	tests := []struct {
		name    string
		payload string
	}{
		{
			name: "busy message too long",
			payload: fmt.Sprintf(
				`{"busy_message": %q}`,
				strings.Repeat("a", 501),
			),
		},
		{
			name:    "empty error message",
			payload: `{"error_message": ""}`,
		},
		{
			name:    "unknown log level",
			payload: `{"log_level": "TRACE"}`,
		},
		{
			name:    "feed poll interval too short",
			payload: `{"feed_poll_interval": "5s"}`,
		},
		{
			name:    "feed poll interval too long",
			payload: `{"feed_poll_interval": "25h"}`,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				rv := handleTestRequest(
					t,
					handlers.patchState,
					http.MethodPatch,
					strings.NewReader(tt.payload),
				)
				assert.Equal(t, http.StatusBadRequest, rv.StatusCode)
			},
		)
	}

	// nothing should have stuck
	assert.Equal(t, originalState, bot.State())
	assert.False(t, bot.paused.Load())
}

func TestAPI_UpdateState_NotificationChannelID(t *testing.T) {
	bot, _ := newSteward(t)
	require.Empty(t, bot.State().NotificationChannelID)

	mockSession := newMockDiscordSession()
	connectSession := discordChannelMessageSendHandler{
		DiscordSessionHandler: mockSession,
		messagesSent:          make(chan stubChannelMessageSend, 100),
		repliesSent:           make(chan stubMessageReply, 100),
		errCh:                 make(chan error, 100),
		t:                     t,
	}
	channelID := fmt.Sprintf("c_%s", t.Name())
	bot.discord.session = connectSession

	handlers := NewAPIHandlers(bot)
	payload := BotStateUpdate{
		NotificationChannelID: strPtr(channelID),
	}
	payloadData, err := json.Marshal(payload)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.patchState,
		http.MethodPatch,
		bytes.NewReader(payloadData),
		gin.Param{},
	)
	assert.Equal(t, http.StatusAccepted, rv.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	select {
	case msgSent := <-connectSession.messagesSent:
		require.Equal(t, channelID, msgSent.ChannelID)
		require.Equal(t, bot.config.Discord.StartupMessage, msgSent.Content)
	case <-ctx.Done():
		t.Fatal("timed out")
	}
}

func TestAPI_PauseResume(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(t, handlers.botPause, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	var reply httpReply
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "bot paused", reply.Message)
	assert.True(t, bot.paused.Load())

	rv = handleTestRequest(t, handlers.botPause, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusConflict, rv.StatusCode)
	var rvErr httpError
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))
	assert.Equal(t, "bot already paused", rvErr.Error)

	rv = handleTestRequest(t, handlers.botResume, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "bot resumed", reply.Message)
	assert.False(t, bot.paused.Load())

	rv = handleTestRequest(t, handlers.botResume, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusConflict, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))
	assert.Equal(t, "bot not paused", rvErr.Error)
}

func TestAPIHandlers_botQuit(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(
		t,
		handlers.botQuit,
		http.MethodPost,
		http.NoBody,
	)

	assert.Equal(t, http.StatusOK, rv.StatusCode)
	var response httpReply
	responseData, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	defer func() {
		_ = rv.Body.Close()
	}()

	err = json.Unmarshal(responseData, &response)
	require.NoError(t, err)
	assert.Equal(t, "quitting", response.Message)

	select {
	case <-bot.eventShutdown:
		//
	case <-time.After(60 * time.Second):
		t.Fatal("Timeout waiting for stop signal")
	}
}

// TestAPI_GetGuildConfig verifies guilds without a stored row come back
// as the empty record rather than a 404.
func TestAPI_GetGuildConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	guildID := fmt.Sprintf("g_%s", t.Name())
	rv := handleTestRequest(
		t,
		handlers.getGuildConfig,
		http.MethodGet,
		http.NoBody,
		gin.Param{Key: "id", Value: guildID},
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	var config GuildConfig
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rv.Body.Close() })
	require.NoError(t, json.Unmarshal(data, &config))

	assert.Equal(t, guildID, config.ID)
	assert.Nil(t, config.AutoRoleID)
	assert.Nil(t, config.FeedChannelID)
	assert.Empty(t, config.Prefixes)
}

func TestAPI_UpdateGuildConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	guildID := fmt.Sprintf("g_%s", t.Name())
	roleID := "123456789012345678"
	channelID := "876543210987654321"

	patch := guildConfigPatch{
		AutoRoleID:    strPtr(roleID),
		FeedChannelID: strPtr(channelID),
	}
	payload, err := json.Marshal(patch)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.patchGuildConfig,
		http.MethodPatch,
		bytes.NewReader(payload),
		gin.Param{Key: "id", Value: guildID},
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	var config GuildConfig
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &config))
	require.NotNil(t, config.AutoRoleID)
	assert.Equal(t, roleID, *config.AutoRoleID)
	require.NotNil(t, config.FeedChannelID)
	assert.Equal(t, channelID, *config.FeedChannelID)

	// the row was created on first write
	var stored GuildConfig
	require.NoError(t, bot.db.Where("id = ?", guildID).First(&stored).Error)
	require.NotNil(t, stored.AutoRoleID)
	assert.Equal(t, roleID, *stored.AutoRoleID)

	// an empty string clears the field, absent fields are untouched
	payload, err = json.Marshal(guildConfigPatch{AutoRoleID: strPtr("")})
	require.NoError(t, err)
	rv = handleTestRequest(
		t,
		handlers.patchGuildConfig,
		http.MethodPatch,
		bytes.NewReader(payload),
		gin.Param{Key: "id", Value: guildID},
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Nil(t, config.AutoRoleID)
	require.NotNil(t, config.FeedChannelID)
	assert.Equal(t, channelID, *config.FeedChannelID)
}

func TestAPI_BadGuildConfigUpdate(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	guildID := fmt.Sprintf("g_%s", t.Name())
	payload, err := json.Marshal(
		guildConfigPatch{AutoRoleID: strPtr("not-a-role")},
	)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.patchGuildConfig,
		http.MethodPatch,
		bytes.NewReader(payload),
		gin.Param{Key: "id", Value: guildID},
	)
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)

	var rvErr httpError
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))
	assert.Contains(t, rvErr.Error, "not-a-role")

	// nothing was written
	var count int64
	require.NoError(
		t,
		bot.db.Model(&GuildConfig{}).Where("id = ?", guildID).Count(&count).Error,
	)
	assert.Zero(t, count)
}

func TestAPI_ReplaceGuildPrefixes(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)

	guildID := fmt.Sprintf("g_%s", t.Name())

	putPrefixes := func(body string) *http.Response {
		return handleTestRequest(
			t,
			handlers.putGuildPrefixes,
			http.MethodPut,
			strings.NewReader(body),
			gin.Param{Key: "id", Value: guildID},
		)
	}

	// duplicates collapse instead of erroring
	rv := putPrefixes(`{"prefixes": ["!", "?", "!"]}`)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	var config GuildConfig
	data, err := io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Equal(t, Prefixes{"!", "?"}, config.Prefixes)

	rv = putPrefixes(`{"prefixes": ["a", "b", "c", "d", "e", "f"]}`)
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)
	var rvErr httpError
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rvErr))
	assert.Contains(t, rvErr.Error, "at most 5")

	rv = putPrefixes(fmt.Sprintf(`{"prefixes": [%q]}`, strings.Repeat("!", 51)))
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)

	rv = putPrefixes(`{}`)
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)

	// an empty list clears the prefixes
	rv = putPrefixes(`{"prefixes": []}`)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &config))
	assert.Empty(t, config.Prefixes)
}

func TestAPI_GetGuilds(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	for _, guildID := range []string{"100", "200", "300"} {
		guild := GuildConfig{ModelStringID: ModelStringID{ID: guildID}}
		_, err := bot.writeDB.Create(ctx, &guild)
		require.NoError(t, err)
	}

	// activity for guild 100 only: one interaction, one pending reminder
	_, err := bot.writeDB.Create(
		ctx, &InteractionLog{
			InteractionID: fmt.Sprintf("i_%s", t.Name()),
			Type:          "ApplicationCommand",
			UserID:        "u1",
			GuildID:       "100",
		},
	)
	require.NoError(t, err)
	_, err = bot.writeDB.Create(
		ctx, &Timer{
			Event:     timerEventReminder,
			UserID:    "u1",
			GuildID:   "100",
			ChannelID: "c1",
			Content:   "water the plants",
			ExpiresAt: time.Now().UTC().Add(time.Hour).UnixMilli(),
		},
	)
	require.NoError(t, err)

	testCases := []struct {
		name           string
		query          map[string]string
		expectedStatus int
		validate       func(t *testing.T, guilds []guildWithStats)
	}{
		{
			name:           "default ascending order",
			query:          map[string]string{},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, guilds []guildWithStats) {
				require.Equal(t, 3, len(guilds))
				assert.Equal(t, "100", guilds[0].ID)
				assert.Equal(t, "200", guilds[1].ID)
				assert.Equal(t, "300", guilds[2].ID)
				assert.Nil(t, guilds[0].GuildStats)
			},
		},
		{
			name:           "descending order",
			query:          map[string]string{"order": "desc"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, guilds []guildWithStats) {
				require.Equal(t, 3, len(guilds))
				assert.Equal(t, "300", guilds[0].ID)
				assert.Equal(t, "100", guilds[2].ID)
			},
		},
		{
			name:           "pagination",
			query:          map[string]string{"limit": "1", "offset": "1"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, guilds []guildWithStats) {
				require.Equal(t, 1, len(guilds))
				assert.Equal(t, "200", guilds[0].ID)
			},
		},
		{
			name:           "stats included",
			query:          map[string]string{"include_stats": "true"},
			expectedStatus: http.StatusOK,
			validate: func(t *testing.T, guilds []guildWithStats) {
				require.Equal(t, 3, len(guilds))

				require.NotNil(t, guilds[0].GuildStats)
				assert.Equal(t, 1, guilds[0].GuildStats.Interactions24h)
				assert.Equal(t, 1, guilds[0].GuildStats.PendingReminders)
				assert.Equal(
					t,
					1,
					guilds[0].GuildStats.InteractionsByType["ApplicationCommand"],
				)

				require.NotNil(t, guilds[2].GuildStats)
				assert.Zero(t, guilds[2].GuildStats.Interactions24h)
				assert.Zero(t, guilds[2].GuildStats.PendingReminders)
			},
		},
		{
			name:           "limit above cap",
			query:          map[string]string{"limit": "1000"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown order",
			query:          map[string]string{"order": "sideways"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				req, err := http.NewRequest(
					http.MethodGet,
					fmt.Sprintf("%s%s", apiPrefix, apiPathGuilds),
					http.NoBody,
				)
				require.NoError(t, err)

				q := req.URL.Query()
				for key, value := range tc.query {
					q.Add(key, value)
				}
				req.URL.RawQuery = q.Encode()

				rv := handleTestHTTPRequest(t, handlers.getGuilds, req)
				assert.Equal(t, tc.expectedStatus, rv.StatusCode)
				if tc.expectedStatus != http.StatusOK {
					return
				}

				var guilds []guildWithStats
				require.NoError(t, json.NewDecoder(rv.Body).Decode(&guilds))
				if tc.validate != nil {
					tc.validate(t, guilds)
				}
			},
		)
	}
}

func TestAPI_GetInteractions(t *testing.T) {
	t.Parallel()
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)

	first := &InteractionLog{
		InteractionID: "ifoo1",
		Type:          "ApplicationCommand",
		UserID:        "foo",
		GuildID:       "g1",
	}
	first.CreatedAt = now.Add(-2 * (24 * time.Hour)).UnixMilli()
	_, err := bot.writeDB.Create(ctx, first)
	require.NoError(t, err)

	second := &InteractionLog{
		InteractionID: "ifoo2",
		Type:          "MessageComponent",
		UserID:        "foo",
		GuildID:       "g1",
	}
	second.CreatedAt = now.Add(-1 * (24 * time.Hour)).UnixMilli()
	_, err = bot.writeDB.Create(ctx, second)
	require.NoError(t, err)

	third := &InteractionLog{
		InteractionID: "ibar",
		Type:          "ApplicationCommand",
		UserID:        "bar",
		GuildID:       "g2",
	}
	third.CreatedAt = now.UnixMilli()
	_, err = bot.writeDB.Create(ctx, third)
	require.NoError(t, err)

	testCases := []struct {
		name           string
		query          map[string]string
		expectedStatus int
		expectedIDs    []string
	}{
		{
			name:           "newest first by default",
			query:          map[string]string{},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ibar", "ifoo2", "ifoo1"},
		},
		{
			name:           "oldest first",
			query:          map[string]string{"order": "asc"},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ifoo1", "ifoo2", "ibar"},
		},
		{
			name:           "filter by user",
			query:          map[string]string{"user_id": "foo"},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ifoo2", "ifoo1"},
		},
		{
			name:           "filter by guild",
			query:          map[string]string{"guild_id": "g2"},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ibar"},
		},
		{
			name: "date range",
			query: map[string]string{
				"start_date": now.Add(-2 * (24 * time.Hour)).Format("2006-01-02"),
				"end_date":   now.Add(-1 * (24 * time.Hour)).Format("2006-01-02"),
			},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ifoo2", "ifoo1"},
		},
		{
			name:           "pagination",
			query:          map[string]string{"limit": "2", "offset": "1"},
			expectedStatus: http.StatusOK,
			expectedIDs:    []string{"ifoo2", "ifoo1"},
		},
		{
			name:           "bad start date",
			query:          map[string]string{"start_date": "05-20-2026"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				req, err := http.NewRequest(
					http.MethodGet,
					fmt.Sprintf("%s%s", apiPrefix, apiPathInteractions),
					http.NoBody,
				)
				require.NoError(t, err)

				q := req.URL.Query()
				for key, value := range tc.query {
					q.Add(key, value)
				}
				req.URL.RawQuery = q.Encode()

				rv := handleTestHTTPRequest(t, handlers.getInteractions, req)
				assert.Equal(t, tc.expectedStatus, rv.StatusCode)
				if tc.expectedStatus != http.StatusOK {
					return
				}

				var interactions []InteractionLog
				require.NoError(
					t,
					json.NewDecoder(rv.Body).Decode(&interactions),
				)
				ids := make([]string, len(interactions))
				for i, interaction := range interactions {
					ids[i] = interaction.InteractionID
				}
				assert.Equal(t, tc.expectedIDs, ids)
			},
		)
	}
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, _ := newSteward(t)
	handlers := NewAPIHandlers(bot)
	cmdMock := registerCommandSessionMock{
		mockDiscordSession: bot.discord.session.(mockDiscordSession),
		CommandResponse:    make(chan []*discordgo.ApplicationCommand, 1),
		CommandError:       make(chan error, 1),
	}
	bot.discord.session = cmdMock

	rv := handleTestRequest(
		t,
		handlers.discordRegisterCommands,
		http.MethodPost,
		http.NoBody,
	)

	assert.Equal(t, http.StatusCreated, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	var createdCommands []*discordgo.ApplicationCommand
	bodyData, err := io.ReadAll(body)
	require.NoError(t, err)
	err = json.Unmarshal(bodyData, &createdCommands)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	select {
	case <-ctx.Done():
		t.Fatal("timed out")
	case e := <-cmdMock.CommandError:
		if e != nil {
			t.Fatalf("expected no error, got: %s", e.Error())
		}
	}

	select {
	case <-ctx.Done():
		t.Fatal("timed out")
	case cmds := <-cmdMock.CommandResponse:
		assert.NotNil(t, cmds)
		assert.Equal(t, len(cmds), len(createdCommands))
	}
}

func TestGinContextLogger_ExistingLogger(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c.Set(string(loggerContextKey), logger)

	result := ginContextLogger(c)

	assert.Equal(t, logger, result)
}

func TestGetSessionUsername(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		setupMock      func(*MockGStore)
		expectedResult string
		expectedError  error
	}{
		{
			name: "Valid session with username",
			setupMock: func(m *MockGStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = "testuser"
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			expectedResult: "testuser",
			expectedError:  nil,
		},
		{
			name: "Session without username",
			setupMock: func(m *MockGStore) {
				session := gsessions.NewSession(m, sessionVarName)
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			expectedResult: "",
			expectedError:  errors.New("username not found in session"),
		},
		{
			name: "Session with non-string username",
			setupMock: func(m *MockGStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = 123 // Non-string value
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			expectedResult: "",
			expectedError:  errors.New("username not a string"),
		},
		{
			name: "Error getting session",
			setupMock: func(m *MockGStore) {
				m.On(
					"Get",
					mock.Anything,
					sessionVarName,
				).Return(sessions.Session(nil), errors.New("session error"))
			},
			expectedResult: "",
			expectedError:  errors.New("session error"),
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				mockStore := &MockGStore{}
				tt.setupMock(mockStore)

				api := &API{
					store: mockStore,
				}

				w := httptest.NewRecorder()
				c, _ := gin.CreateTestContext(w)
				c.Request, _ = http.NewRequest("GET", "/", nil)

				result, err := api.getSessionUsername(c)

				assert.Equal(t, tt.expectedResult, result)
				if tt.expectedError != nil {
					assert.EqualError(t, err, tt.expectedError.Error())
				} else {
					assert.NoError(t, err)
				}

				mockStore.AssertExpectations(t)
			},
		)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())

	r.GET(
		"/test", func(c *gin.Context) {
			requestID, exists := c.Get(xRequestIDHeader)

			assert.True(t, exists, "Request ID should exist in context")
			assert.IsType(t, "", requestID, "Request ID should be a string")
			assert.NotEmpty(t, requestID, "Request ID should not be empty")
			assert.Len(
				t,
				requestID.(string),
				32,
				"Request ID should be 32 characters long",
			)

			c.String(http.StatusOK, "test")
		},
	)

	// Test multiple requests to ensure uniqueness
	previousID := ""
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest("GET", "/test", http.NoBody)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		requestID := w.Header().Get(xRequestIDHeader)
		assert.NotEmpty(
			t,
			requestID,
			"Request ID should be set in response header",
		)
		assert.Len(t, requestID, 32, "Request ID should be 32 characters long")
		assert.NotEqual(
			t,
			previousID,
			requestID,
			"Request IDs should be unique",
		)
		previousID = requestID
	}
}

func TestAPIHandlers_logoutHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name               string
		setupSession       func(*gin.Engine)
		expectedStatusCode int
		expectedMessage    string
	}{
		{
			name: "No active session",
			setupSession: func(r *gin.Engine) {
				store := NewCookieStore([]byte("secret"))
				r.Use(sessions.Sessions(sessionVarName, store))
			},
			expectedStatusCode: http.StatusOK,
			expectedMessage:    "logged out",
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				r := gin.New()
				tt.setupSession(r)

				bot, _ := newSteward(t)
				handlers := NewAPIHandlers(bot)

				w := httptest.NewRecorder()
				c, _ := gin.CreateTestContext(w)
				c.Request, _ = http.NewRequest("POST", apiPathLogout, nil)

				handlers.logoutHandler(c)
				assert.Equal(t, tt.expectedStatusCode, w.Code)

				var response httpReply
				err := json.Unmarshal(w.Body.Bytes(), &response)
				require.NoError(t, err)
				assert.Equal(t, tt.expectedMessage, response.Message)
			},
		)
	}
}

func handleTestRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	method string,
	body io.Reader,
	params ...gin.Param,
) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	doneCh := make(chan struct{}, 1)

	req, err := http.NewRequest(method, "/", body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	go func() {
		t.Logf("calling handler! %s", t.Name())
		handler(c)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		t.Logf("handler finished!")
	case <-ctx.Done():
		t.Fatalf("%s timed out", t.Name())
	}
	return w.Result()
}

func handleTestHTTPRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	req *http.Request,
	params ...gin.Param,
) *http.Response {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	handler(c)
	return w.Result()

}

type MockStore struct {
	sessions.Store
	mock.Mock
	returnSession *gsessions.Session
}

func (m *MockStore) Get(_ *http.Request, _ string) (
	*gsessions.Session,
	error,
) {
	return m.returnSession, nil
}

type MockGStore struct {
	gsessions.Store
	mock.Mock
}

func (m *MockGStore) Options(_ sessions.Options) {
	//
}

func (m *MockGStore) Get(r *http.Request, name string) (
	*gsessions.Session,
	error,
) {
	args := m.Called(r, name)
	sa := args.Get(0)
	if sa != nil {
		return sa.(*gsessions.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGStore) New(r *http.Request, name string) (
	*gsessions.Session,
	error,
) {
	args := m.Called(r, name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *MockGStore) Save(
	r *http.Request,
	w http.ResponseWriter,
	s *gsessions.Session,
) error {
	args := m.Called(r, w, s)
	return args.Error(0)
}

type registerCommandSessionMock struct {
	mockDiscordSession
	CommandResponse chan []*discordgo.ApplicationCommand
	CommandError    chan error
}

func (r registerCommandSessionMock) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	rv, err := r.mockDiscordSession.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	go func() {
		r.CommandError <- err
	}()
	go func() {
		r.CommandResponse <- rv
	}()

	return rv, err
}
