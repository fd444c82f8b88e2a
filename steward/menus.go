package steward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	menuSessionIDBytes = 16

	menuExpiredMessage  = "This menu has expired. Run /settings to open a new one."
	menuNotYoursMessage = "This menu belongs to someone else. Run /settings to open your own."
	menuClosedMessage   = "Settings closed."
	menuTimedOutMessage = "Settings menu timed out. Run /settings to open a new one."
)

var (
	// ErrPromptTimeout indicates the user never submitted the requested
	// input before the prompt deadline.
	ErrPromptTimeout = errors.New("timed out waiting for input")

	// ErrSessionClosed indicates the menu session exited while a
	// sub-flow was still waiting on input.
	ErrSessionClosed = errors.New("menu session closed")
)

// MenuState is the lifecycle state of a menu session.
//
// Sessions rest in [MenuStateIdle] between presses. A press moves the
// session through [MenuStateAwaitingInput] (if the control collects
// input first), [MenuStateMutating] (while the config write runs), and
// [MenuStateRendering] (while the screen is rebuilt from a fresh
// record), then back to idle. [MenuStateExited] is terminal.
type MenuState string

const (
	MenuStateIdle          MenuState = "idle"
	MenuStateRendering     MenuState = "rendering"
	MenuStateAwaitingInput MenuState = "awaiting_input"
	MenuStateMutating      MenuState = "mutating"
	MenuStateExited        MenuState = "exited"
)

func (m MenuState) String() string {
	return string(m)
}

// MenuView is a rendered menu screen: the message content and component
// rows that display it.
type MenuView struct {
	Content    string
	Embeds     []*discordgo.MessageEmbed
	Components []discordgo.MessageComponent
}

// ControlHandler handles a press of a single menu control. Handlers own
// responding to the interaction on their success and sub-flow error
// paths; an error return means nothing was sent yet, and the dispatcher
// answers with a user-facing message.
type ControlHandler func(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error

// Menu is a single screen of the settings menu: it renders itself from
// a fresh guild config record, and names the controls it responds to.
type Menu interface {
	Name() string

	// Render builds the screen. Implementations derive all labels and
	// component states from the record they load here, never from
	// anything remembered between renders.
	Render(ctx context.Context, s *MenuSession) (*MenuView, error)

	// Controls returns the control table. Keys are the control names
	// embedded in component custom IDs.
	Controls() map[string]ControlHandler
}

// PromptResponse is the resolved input of a sub-flow: the submitted
// text (modal prompts) or selected values (select prompts), plus the
// interaction that delivered it, which the resumed handler answers.
type PromptResponse struct {
	CustomID    string
	Value       string
	Values      []string
	Interaction *discordgo.InteractionCreate
}

// pendingInput is a sub-flow waiting on user input. The channel has
// capacity 1 and receives at most one response: resolvers take the
// pending slot under the session mutex before sending, so a second
// submit, a timeout, and an exit can't all deliver.
type pendingInput struct {
	ids []string
	ch  chan *PromptResponse
}

// MenuSession is one user's pass through the settings menu for one
// guild. All mutations of the guild's config made through the menu are
// funneled through session state transitions, and a per-session lock
// rejects presses that arrive while an earlier press is still being
// handled.
type MenuSession struct {
	ID        string
	GuildID   string
	UserID    string
	ChannelID string

	st     *Steward
	logger *slog.Logger

	// interaction is the root interaction the menu message answered.
	// Timeout and shutdown edits go through it.
	interaction *discordgo.Interaction

	mu      sync.Mutex
	state   MenuState
	menu    Menu
	pending *pendingInput

	// locked is the per-press lock: set for the duration of one control
	// press, so overlapping presses are rejected rather than queued.
	locked atomic.Bool

	created      time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	timeoutTimer *time.Timer
}

// State returns the session's current lifecycle state.
func (s *MenuSession) State() MenuState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MenuSession) setState(state MenuState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == MenuStateExited {
		return
	}
	s.state = state
}

// MenuName returns the name of the screen currently displayed.
func (s *MenuSession) MenuName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.menu == nil {
		return ""
	}
	return s.menu.Name()
}

// SetMenu switches the session to a different screen. The caller still
// needs to re-render.
func (s *MenuSession) SetMenu(menu Menu) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menu = menu
}

func (s *MenuSession) currentMenu() Menu {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.menu
}

// CustomID builds the wire custom ID for one of this session's controls.
func (s *MenuSession) CustomID(control string) string {
	return newCustomID(control, s.ID)
}

// Config loads the guild's config record through the store.
func (s *MenuSession) Config(ctx context.Context) (*GuildConfig, error) {
	return s.st.guildConfigs.Get(ctx, s.GuildID)
}

// handleComponent routes a component press on this session's message.
func (s *MenuSession) handleComponent(
	ctx context.Context,
	control string,
	i *discordgo.InteractionCreate,
) {
	logger := s.logger.With(sessionLogAttrs(s)...)

	user := getDiscordUser(i)
	if user == nil || user.ID != s.UserID {
		s.respondEphemeral(i, menuNotYoursMessage)
		return
	}

	// Sub-flow inputs (selects shown by a waiting handler) resolve the
	// pending slot instead of going through the control table.
	if s.resolveComponent(i) {
		return
	}

	if s.State() == MenuStateExited {
		s.respondEphemeral(i, menuExpiredMessage)
		return
	}

	if !s.locked.CompareAndSwap(false, true) {
		logger.Debug("rejecting press, session busy", "control", control)
		s.respondEphemeral(i, s.st.State().busyMessage())
		return
	}
	defer s.locked.Store(false)

	handler, ok := s.currentMenu().Controls()[control]
	if !ok {
		logger.Warn("unknown control", "control", control)
		s.respondEphemeral(i, s.st.State().errorMessage())
		return
	}

	logger.Info("control pressed", "control", control)
	if err := handler(ctx, s, i); err != nil {
		logger.Error(
			"control handler failed",
			tint.Err(err),
			"control", control,
		)
		s.respondEphemeral(i, s.userFacingError(err))
	}
}

// resolveComponent delivers a component interaction to the pending
// sub-flow, if its custom ID is one the sub-flow is waiting on.
func (s *MenuSession) resolveComponent(i *discordgo.InteractionCreate) bool {
	data := i.MessageComponentData()
	return s.resolvePending(
		&PromptResponse{
			CustomID:    data.CustomID,
			Values:      data.Values,
			Interaction: i,
		},
	)
}

// resolveModal delivers a modal submission to the pending sub-flow.
func (s *MenuSession) resolveModal(i *discordgo.InteractionCreate) bool {
	data := i.ModalSubmitData()
	value, _ := modalTextInput(data)
	return s.resolvePending(
		&PromptResponse{
			CustomID:    data.CustomID,
			Value:       value,
			Interaction: i,
		},
	)
}

func (s *MenuSession) resolvePending(response *PromptResponse) bool {
	s.mu.Lock()
	p := s.pending
	if p == nil || !slices.Contains(p.ids, response.CustomID) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	p.ch <- response
	return true
}

// registerPending installs a new pending slot, replacing any prior one.
func (s *MenuSession) registerPending(ids ...string) *pendingInput {
	p := &pendingInput{
		ids: ids,
		ch:  make(chan *PromptResponse, 1),
	}
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
	return p
}

func (s *MenuSession) clearPending(p *pendingInput) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
}

// awaitPending blocks until the pending slot resolves, the prompt times
// out, or the session closes.
func (s *MenuSession) awaitPending(
	ctx context.Context,
	p *pendingInput,
	timeout time.Duration,
) (*PromptResponse, error) {
	s.setState(MenuStateAwaitingInput)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-p.ch:
		return response, nil
	case <-timer.C:
		s.clearPending(p)
		return nil, ErrPromptTimeout
	case <-ctx.Done():
		s.clearPending(p)
		return nil, ctx.Err()
	case <-s.ctx.Done():
		s.clearPending(p)
		return nil, ErrSessionClosed
	}
}

// PromptConfig describes a modal text prompt shown by a control.
type PromptConfig struct {
	Name        string
	Title       string
	Label       string
	Placeholder string
	MinLength   int
	MaxLength   int
}

// Prompt responds to the triggering press with a modal and waits for
// the submission. The returned response carries the submit interaction,
// which the caller must answer.
func (s *MenuSession) Prompt(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	cfg PromptConfig,
) (*PromptResponse, error) {
	customID := s.CustomID(cfg.Name)
	p := s.registerPending(customID)

	modal := discordModalResponse(
		customID,
		s.CustomID(cfg.Name+"_input"),
		cfg.Title,
		truncate(cfg.Label, discordModalInputLabelMaxLength),
		cfg.Placeholder,
		cfg.MinLength,
		cfg.MaxLength,
	)
	if err := s.st.discord.session.InteractionRespond(i.Interaction, modal); err != nil {
		s.clearPending(p)
		return nil, fmt.Errorf("error showing prompt modal: %w", err)
	}

	return s.awaitPending(ctx, p, s.promptTimeout())
}

// AwaitSelect swaps the menu message for the given view, which must
// contain components whose custom IDs match the given control names,
// and waits for one of them to be used.
func (s *MenuSession) AwaitSelect(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	view *MenuView,
	controls ...string,
) (*PromptResponse, error) {
	ids := make([]string, 0, len(controls))
	for _, control := range controls {
		ids = append(ids, s.CustomID(control))
	}
	p := s.registerPending(ids...)

	if err := s.respondUpdate(i, view); err != nil {
		s.clearPending(p)
		return nil, fmt.Errorf("error showing select: %w", err)
	}

	return s.awaitPending(ctx, p, s.promptTimeout())
}

func (s *MenuSession) promptTimeout() time.Duration {
	timeout := s.st.config.Discord.PromptTimeout
	if timeout <= 0 {
		timeout = DefaultPromptTimeout
	}
	return timeout
}

// Mutate runs a config mutation with the session in the mutating state.
func (s *MenuSession) Mutate(
	ctx context.Context,
	fn func(ctx context.Context) (*GuildConfig, error),
) (*GuildConfig, error) {
	s.setState(MenuStateMutating)
	return fn(ctx)
}

// RenderTo rebuilds the current screen from a fresh config record and
// answers the given interaction by updating the menu message in place.
func (s *MenuSession) RenderTo(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) error {
	return s.RenderNoticeTo(ctx, i, "")
}

// RenderNoticeTo is RenderTo with a status line shown above the screen,
// used to confirm a change or surface why one was rejected.
func (s *MenuSession) RenderNoticeTo(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	notice string,
) error {
	s.setState(MenuStateRendering)
	view, err := s.currentMenu().Render(ctx, s)
	if err != nil {
		return err
	}
	if notice != "" {
		view.Content = notice + "\n\n" + view.Content
	}
	if err := s.respondUpdate(i, view); err != nil {
		return err
	}
	s.setState(MenuStateIdle)
	return nil
}

// RestoreRoot re-renders the current screen by editing the menu message
// through the root interaction. Used on paths with no press to answer,
// like a sub-flow timing out while a select is displayed.
func (s *MenuSession) RestoreRoot(ctx context.Context, notice string) error {
	s.setState(MenuStateRendering)
	view, err := s.currentMenu().Render(ctx, s)
	if err != nil {
		return err
	}
	if notice != "" {
		view.Content = notice + "\n\n" + view.Content
	}
	_, err = s.st.discord.session.InteractionResponseEdit(
		s.interaction,
		&discordgo.WebhookEdit{
			Content:    &view.Content,
			Embeds:     &view.Embeds,
			Components: &view.Components,
		},
	)
	if err != nil {
		return err
	}
	s.setState(MenuStateIdle)
	return nil
}

// respondUpdate answers a component or modal interaction by replacing
// the menu message content.
func (s *MenuSession) respondUpdate(
	i *discordgo.InteractionCreate,
	view *MenuView,
) error {
	return s.st.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    view.Content,
				Embeds:     view.Embeds,
				Components: view.Components,
			},
		},
	)
}

// respondEphemeral answers an interaction with a short-lived notice
// visible only to the pressing user.
func (s *MenuSession) respondEphemeral(i *discordgo.InteractionCreate, content string) {
	err := s.st.discord.session.InteractionRespond(
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
		s.logger.Warn("error sending ephemeral response", tint.Err(err))
	}
}

// userFacingError maps an error to something safe to show the user.
// Validation and conversion problems surface their reason; everything
// else gets the generic error message.
func (s *MenuSession) userFacingError(err error) string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Reason
	}
	var conversionErr *ConversionError
	if errors.As(err, &conversionErr) {
		return conversionErr.Error()
	}
	if errors.Is(err, ErrPromptTimeout) {
		return "Timed out waiting for your input."
	}
	return s.st.State().errorMessage()
}

// Exit terminates the session. If editRoot is set, the menu message is
// edited through the root interaction to show why the menu closed (used
// for timeouts and shutdown, where no press is being answered).
func (s *MenuSession) Exit(reason string, editRoot bool) {
	s.mu.Lock()
	if s.state == MenuStateExited {
		s.mu.Unlock()
		return
	}
	s.state = MenuStateExited
	s.pending = nil
	s.mu.Unlock()

	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
	}
	s.cancel()
	s.st.menus.remove(s.ID)
	s.logger.Info("menu session exited", "reason", reason)

	if editRoot && s.interaction != nil {
		content := menuTimedOutMessage
		components := []discordgo.MessageComponent{}
		embeds := []*discordgo.MessageEmbed{}
		_, err := s.st.discord.session.InteractionResponseEdit(
			s.interaction,
			&discordgo.WebhookEdit{
				Content:    &content,
				Components: &components,
				Embeds:     &embeds,
			},
		)
		if err != nil {
			s.logger.Warn("error editing expired menu message", tint.Err(err))
		}
	}
}

// MenuManager tracks live menu sessions and routes component and modal
// interactions to them by the session ID carried in custom IDs.
type MenuManager struct {
	st       *Steward
	logger   *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*MenuSession
}

func newMenuManager(st *Steward) *MenuManager {
	return &MenuManager{
		st:       st,
		logger:   st.logger.With(loggerNameKey, "menus"),
		sessions: map[string]*MenuSession{},
	}
}

// Start creates a session for the invoking user, renders the initial
// screen, and answers the slash command interaction with it.
func (m *MenuManager) Start(
	ctx context.Context,
	menu Menu,
	i *discordgo.InteractionCreate,
) (*MenuSession, error) {
	user := getDiscordUser(i)
	if user == nil {
		return nil, errors.New("interaction has no user")
	}

	sessionID, err := generateRandomHexString(menuSessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("error generating session ID: %w", err)
	}

	s := &MenuSession{
		ID:          sessionID,
		GuildID:     i.GuildID,
		UserID:      user.ID,
		ChannelID:   i.ChannelID,
		st:          m.st,
		menu:        menu,
		state:       MenuStateIdle,
		interaction: i.Interaction,
		created:     time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.logger = m.logger.With("session_id", sessionID, "guild_id", s.GuildID)

	s.setState(MenuStateRendering)
	view, err := menu.Render(ctx, s)
	if err != nil {
		s.cancel()
		return nil, err
	}

	err = m.st.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    view.Content,
				Embeds:     view.Embeds,
				Components: view.Components,
			},
		},
	)
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("error sending menu: %w", err)
	}
	s.setState(MenuStateIdle)

	timeout := m.st.config.Discord.MenuTimeout
	if timeout <= 0 {
		timeout = DefaultMenuTimeout
	}
	s.timeoutTimer = time.AfterFunc(
		timeout, func() {
			s.Exit("timed out", true)
		},
	)

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.logger.Info("menu session started", sessionLogAttrs(s)...)
	return s, nil
}

func (m *MenuManager) get(sessionID string) *MenuSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *MenuManager) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// sessionCount returns the number of live sessions.
func (m *MenuManager) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleComponent routes a component interaction to its session.
func (m *MenuManager) HandleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.MessageComponentData()
	control, sessionID, err := parseCustomID(data.CustomID)
	if err != nil {
		m.logger.Warn("unroutable component interaction", tint.Err(err))
		m.respondExpired(i)
		return
	}
	s := m.get(sessionID)
	if s == nil {
		m.respondExpired(i)
		return
	}
	s.handleComponent(ctx, control, i)
}

// HandleModal routes a modal submission to the session sub-flow waiting
// on it.
func (m *MenuManager) HandleModal(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.ModalSubmitData()
	_, sessionID, err := parseCustomID(data.CustomID)
	if err != nil {
		m.logger.Warn("unroutable modal interaction", tint.Err(err))
		m.respondExpired(i)
		return
	}
	s := m.get(sessionID)
	if s == nil || !s.resolveModal(i) {
		m.respondExpired(i)
	}
}

func (m *MenuManager) respondExpired(i *discordgo.InteractionCreate) {
	err := m.st.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: menuExpiredMessage,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		m.logger.Warn("error sending expired response", tint.Err(err))
	}
}

// StopAll exits every live session, editing their messages to show the
// menu closed. Used during shutdown.
func (m *MenuManager) StopAll() {
	m.mu.RLock()
	sessions := make([]*MenuSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Exit("shutting down", true)
	}
}
