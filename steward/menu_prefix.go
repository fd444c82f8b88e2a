package steward

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	controlPrefixAdd    = "prefix_add"
	controlPrefixRemove = "prefix_remove"
	controlPrefixPick   = "prefix_pick"
	controlPrefixCancel = "prefix_cancel"
	controlPrefixBack   = "prefix_back"
	controlPrefixModal  = "prefix_value"
)

// prefixMenu manages the guild's custom command prefixes. Adding uses a
// modal prompt, removing uses a select listing the current prefixes.
type prefixMenu struct{}

func newPrefixMenu() *prefixMenu {
	return &prefixMenu{}
}

func (prefixMenu) Name() string {
	return "prefixes"
}

func (prefixMenu) Render(ctx context.Context, s *MenuSession) (*MenuView, error) {
	config, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	var description string
	if len(config.Prefixes) == 0 {
		description = "No custom prefixes are set. Commands only respond to mentions."
	} else {
		quoted := make([]string, 0, len(config.Prefixes))
		for _, prefix := range config.Prefixes {
			quoted = append(quoted, fmt.Sprintf("`%s`", prefix))
		}
		description = "Commands respond to: " + strings.Join(quoted, " ")
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Command prefixes",
		Description: description,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf(
				"%d of %d prefixes used", len(config.Prefixes), maxGuildPrefixes,
			),
		},
	}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Add prefix",
					Style:    discordgo.PrimaryButton,
					CustomID: s.CustomID(controlPrefixAdd),
					Disabled: len(config.Prefixes) >= maxGuildPrefixes,
				},
				discordgo.Button{
					Label:    "Remove prefix",
					Style:    discordgo.DangerButton,
					CustomID: s.CustomID(controlPrefixRemove),
					Disabled: len(config.Prefixes) == 0,
				},
				discordgo.Button{
					Label:    "Back",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlPrefixBack),
				},
			},
		},
	}

	return &MenuView{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, nil
}

func (m prefixMenu) Controls() map[string]ControlHandler {
	return map[string]ControlHandler{
		controlPrefixAdd:    m.handleAdd,
		controlPrefixRemove: m.handleRemove,
		controlPrefixBack:   m.handleBack,
	}
}

func (prefixMenu) handleAdd(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	response, err := s.Prompt(
		ctx, i, PromptConfig{
			Name:        controlPrefixModal,
			Title:       "Add a prefix",
			Label:       "Prefix",
			Placeholder: "!",
			MinLength:   minPrefixLength,
			MaxLength:   maxPrefixLength,
		},
	)
	if err != nil {
		if errors.Is(err, ErrPromptTimeout) {
			return s.RestoreRoot(ctx, "Timed out waiting for a prefix.")
		}
		s.logger.Debug("prefix prompt abandoned", tint.Err(err))
		return nil
	}

	_, err = s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.AddPrefix(ctx, s.GuildID, response.Value)
		},
	)
	if err != nil {
		return s.RenderNoticeTo(ctx, response.Interaction, s.userFacingError(err))
	}
	return s.RenderNoticeTo(
		ctx,
		response.Interaction,
		fmt.Sprintf("Prefix `%s` added.", response.Value),
	)
}

func (prefixMenu) handleRemove(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	config, err := s.Config(ctx)
	if err != nil {
		return err
	}
	if len(config.Prefixes) == 0 {
		return s.RenderNoticeTo(ctx, i, "No prefixes to remove.")
	}

	options := make([]discordgo.SelectMenuOption, 0, len(config.Prefixes))
	for _, prefix := range config.Prefixes {
		options = append(
			options, discordgo.SelectMenuOption{Label: prefix, Value: prefix},
		)
	}
	view := &MenuView{
		Content: "Pick the prefix to remove.",
		Embeds:  []*discordgo.MessageEmbed{},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.StringSelectMenu,
						CustomID:    s.CustomID(controlPrefixPick),
						Placeholder: "Select a prefix",
						Options:     options,
					},
				},
			},
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Cancel",
						Style:    discordgo.SecondaryButton,
						CustomID: s.CustomID(controlPrefixCancel),
					},
				},
			},
		},
	}

	response, err := s.AwaitSelect(
		ctx, i, view, controlPrefixPick, controlPrefixCancel,
	)
	if err != nil {
		if errors.Is(err, ErrPromptTimeout) {
			return s.RestoreRoot(ctx, "Timed out waiting for a selection.")
		}
		s.logger.Debug("prefix selection abandoned", tint.Err(err))
		return nil
	}

	if response.CustomID == s.CustomID(controlPrefixCancel) {
		return s.RenderTo(ctx, response.Interaction)
	}
	if len(response.Values) == 0 {
		return s.RenderNoticeTo(ctx, response.Interaction, "No prefix selected.")
	}

	removed := response.Values[0]
	_, err = s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.RemovePrefix(ctx, s.GuildID, removed)
		},
	)
	if err != nil {
		return s.RenderNoticeTo(ctx, response.Interaction, s.userFacingError(err))
	}
	return s.RenderNoticeTo(
		ctx,
		response.Interaction,
		fmt.Sprintf("Prefix `%s` removed.", removed),
	)
}

func (prefixMenu) handleBack(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newSettingsMenu())
	return s.RenderTo(ctx, i)
}
