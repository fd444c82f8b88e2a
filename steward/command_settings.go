package steward

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	controlOpenAutoRole = "open_autorole"
	controlOpenPrefixes = "open_prefixes"
	controlOpenFeed     = "open_feed"
	controlMenuExit     = "menu_exit"
)

// handleSettingsCommand starts a menu session for a `/settings`
// invocation.
func (d *Steward) handleSettingsCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = d.logger
	}

	if i.GuildID == "" {
		d.respondEphemeral(i, "Settings can only be changed from inside a server.")
		return
	}

	session, err := d.menus.Start(ctx, newSettingsMenu(), i)
	if err != nil {
		logger.ErrorContext(ctx, "error starting menu session", tint.Err(err))
		d.respondEphemeral(i, d.State().errorMessage())
		return
	}
	logger.InfoContext(ctx, "started settings menu", sessionLogAttrs(session)...)
}

// settingsMenu is the top-level screen: a summary of the guild's
// current configuration, with buttons opening each section.
type settingsMenu struct{}

func newSettingsMenu() *settingsMenu {
	return &settingsMenu{}
}

func (settingsMenu) Name() string {
	return "settings"
}

func (settingsMenu) Render(ctx context.Context, s *MenuSession) (*MenuView, error) {
	config, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	autorole := "Not set"
	if roleID := config.AutoRole(); roleID != "" {
		autorole = fmt.Sprintf("<@&%s>", roleID)
	}

	prefixes := "None"
	if len(config.Prefixes) > 0 {
		quoted := make([]string, 0, len(config.Prefixes))
		for _, p := range config.Prefixes {
			quoted = append(quoted, fmt.Sprintf("`%s`", p))
		}
		prefixes = strings.Join(quoted, ", ")
	}

	feed := "Not subscribed"
	if config.FeedConfigured() {
		feed = fmt.Sprintf("Posting to <#%s>", config.FeedChannel())
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Server settings",
		Description: "Pick a section to configure.",
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Autorole", Value: autorole, Inline: true},
			{Name: "Prefixes", Value: prefixes, Inline: true},
			{Name: "Update feed", Value: feed, Inline: true},
		},
	}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Autorole",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlOpenAutoRole),
				},
				discordgo.Button{
					Label:    "Prefixes",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlOpenPrefixes),
				},
				discordgo.Button{
					Label:    "Update feed",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlOpenFeed),
				},
				discordgo.Button{
					Label:    "Close",
					Style:    discordgo.DangerButton,
					CustomID: s.CustomID(controlMenuExit),
				},
			},
		},
	}

	return &MenuView{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, nil
}

func (m settingsMenu) Controls() map[string]ControlHandler {
	return map[string]ControlHandler{
		controlOpenAutoRole: m.handleOpenAutoRole,
		controlOpenPrefixes: m.handleOpenPrefixes,
		controlOpenFeed:     m.handleOpenFeed,
		controlMenuExit:     m.handleExit,
	}
}

func (settingsMenu) handleOpenAutoRole(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newAutoRoleMenu())
	return s.RenderTo(ctx, i)
}

func (settingsMenu) handleOpenPrefixes(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newPrefixMenu())
	return s.RenderTo(ctx, i)
}

func (settingsMenu) handleOpenFeed(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newFeedMenu())
	return s.RenderTo(ctx, i)
}

func (settingsMenu) handleExit(
	_ context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	err := s.respondUpdate(
		i, &MenuView{
			Content:    menuClosedMessage,
			Embeds:     []*discordgo.MessageEmbed{},
			Components: []discordgo.MessageComponent{},
		},
	)
	s.Exit("closed by user", false)
	return err
}
