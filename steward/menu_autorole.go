package steward

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	controlAutoRoleSet    = "autorole_set"
	controlAutoRoleRemove = "autorole_remove"
	controlAutoRolePick   = "autorole_pick"
	controlAutoRoleCancel = "autorole_cancel"
	controlAutoRoleBack   = "autorole_back"
)

// autoRoleMenu manages the role granted to new members. The screen has
// three distinct states: no autorole set, a healthy autorole, and an
// autorole pointing at a role that no longer exists in the guild.
type autoRoleMenu struct{}

func newAutoRoleMenu() *autoRoleMenu {
	return &autoRoleMenu{}
}

func (autoRoleMenu) Name() string {
	return "autorole"
}

func (m autoRoleMenu) Render(ctx context.Context, s *MenuSession) (*MenuView, error) {
	config, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	roleID := config.AutoRole()
	setLabel := "Add an autorole"
	removeDisabled := true
	description := "No autorole is set. New members won't receive a role automatically."

	if roleID != "" {
		removeDisabled = false
		exists, lookupErr := m.roleExists(s, roleID)
		switch {
		case lookupErr != nil:
			// Can't tell whether the role still exists, so don't claim
			// it's broken.
			s.logger.Warn("unable to verify autorole", tint.Err(lookupErr))
			setLabel = "Change autorole"
			description = fmt.Sprintf(
				"New members automatically receive <@&%s>.", roleID,
			)
		case exists:
			setLabel = "Change autorole"
			description = fmt.Sprintf(
				"New members automatically receive <@&%s>.", roleID,
			)
		default:
			setLabel = "Pick a new autorole"
			description = fmt.Sprintf(
				"The configured autorole (`%s`) no longer exists in this "+
					"server. Pick a new one, or remove it.",
				roleID,
			)
		}
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Autorole",
		Description: description,
	}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    setLabel,
					Style:    discordgo.PrimaryButton,
					CustomID: s.CustomID(controlAutoRoleSet),
				},
				discordgo.Button{
					Label:    "Remove autorole",
					Style:    discordgo.DangerButton,
					CustomID: s.CustomID(controlAutoRoleRemove),
					Disabled: removeDisabled,
				},
				discordgo.Button{
					Label:    "Back",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlAutoRoleBack),
				},
			},
		},
	}

	return &MenuView{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, nil
}

func (m autoRoleMenu) Controls() map[string]ControlHandler {
	return map[string]ControlHandler{
		controlAutoRoleSet:    m.handleSet,
		controlAutoRoleRemove: m.handleRemove,
		controlAutoRoleBack:   m.handleBack,
	}
}

func (m autoRoleMenu) handleSet(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	view := &MenuView{
		Content: "Pick the role new members should receive.",
		Embeds:  []*discordgo.MessageEmbed{},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.RoleSelectMenu,
						CustomID:    s.CustomID(controlAutoRolePick),
						Placeholder: "Select a role",
					},
				},
			},
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Cancel",
						Style:    discordgo.SecondaryButton,
						CustomID: s.CustomID(controlAutoRoleCancel),
					},
				},
			},
		},
	}

	response, err := s.AwaitSelect(
		ctx, i, view, controlAutoRolePick, controlAutoRoleCancel,
	)
	if err != nil {
		if errors.Is(err, ErrPromptTimeout) {
			return s.RestoreRoot(ctx, "Timed out waiting for a role selection.")
		}
		s.logger.Debug("role selection abandoned", tint.Err(err))
		return nil
	}

	if response.CustomID == s.CustomID(controlAutoRoleCancel) {
		return s.RenderTo(ctx, response.Interaction)
	}
	if len(response.Values) == 0 {
		return s.RenderNoticeTo(ctx, response.Interaction, "No role selected.")
	}

	_, err = s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.SetField(
				ctx, s.GuildID, FieldAutoRole, response.Values[0],
			)
		},
	)
	if err != nil {
		return s.RenderNoticeTo(ctx, response.Interaction, s.userFacingError(err))
	}
	return s.RenderNoticeTo(ctx, response.Interaction, "Autorole updated.")
}

func (autoRoleMenu) handleRemove(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	_, err := s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.ClearField(ctx, s.GuildID, FieldAutoRole)
		},
	)
	if err != nil {
		return s.RenderNoticeTo(ctx, i, s.userFacingError(err))
	}
	return s.RenderNoticeTo(ctx, i, "Autorole removed.")
}

func (autoRoleMenu) handleBack(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newSettingsMenu())
	return s.RenderTo(ctx, i)
}

func (autoRoleMenu) roleExists(s *MenuSession, roleID string) (bool, error) {
	roles, err := s.st.discord.session.GuildRoles(s.GuildID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.ID == roleID {
			return true, nil
		}
	}
	return false, nil
}
