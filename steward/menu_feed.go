package steward

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	controlFeedSubscribe   = "feed_subscribe"
	controlFeedUnsubscribe = "feed_unsubscribe"
	controlFeedPick        = "feed_pick"
	controlFeedCancel      = "feed_cancel"
	controlFeedBack        = "feed_back"

	feedWebhookName = "Steward Updates"
)

// feedMenu manages the guild's update feed subscription. Subscribing
// creates a webhook in the chosen channel so deliveries don't depend on
// the bot keeping channel permissions.
type feedMenu struct{}

func newFeedMenu() *feedMenu {
	return &feedMenu{}
}

func (feedMenu) Name() string {
	return "feed"
}

func (feedMenu) Render(ctx context.Context, s *MenuSession) (*MenuView, error) {
	config, err := s.Config(ctx)
	if err != nil {
		return nil, err
	}

	subscribeLabel := "Subscribe"
	description := "This server isn't subscribed to update announcements."
	if config.FeedConfigured() {
		subscribeLabel = "Change channel"
		description = fmt.Sprintf(
			"Update announcements are posted to <#%s>.", config.FeedChannel(),
		)
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Update feed",
		Description: description,
	}

	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    subscribeLabel,
					Style:    discordgo.PrimaryButton,
					CustomID: s.CustomID(controlFeedSubscribe),
				},
				discordgo.Button{
					Label:    "Unsubscribe",
					Style:    discordgo.DangerButton,
					CustomID: s.CustomID(controlFeedUnsubscribe),
					Disabled: !config.FeedConfigured(),
				},
				discordgo.Button{
					Label:    "Back",
					Style:    discordgo.SecondaryButton,
					CustomID: s.CustomID(controlFeedBack),
				},
			},
		},
	}

	return &MenuView{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	}, nil
}

func (m feedMenu) Controls() map[string]ControlHandler {
	return map[string]ControlHandler{
		controlFeedSubscribe:   m.handleSubscribe,
		controlFeedUnsubscribe: m.handleUnsubscribe,
		controlFeedBack:        m.handleBack,
	}
}

func (m feedMenu) handleSubscribe(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	view := &MenuView{
		Content: "Pick the channel update announcements should go to.",
		Embeds:  []*discordgo.MessageEmbed{},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.SelectMenu{
						MenuType:    discordgo.ChannelSelectMenu,
						CustomID:    s.CustomID(controlFeedPick),
						Placeholder: "Select a channel",
						ChannelTypes: []discordgo.ChannelType{
							discordgo.ChannelTypeGuildText,
							discordgo.ChannelTypeGuildNews,
						},
					},
				},
			},
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Cancel",
						Style:    discordgo.SecondaryButton,
						CustomID: s.CustomID(controlFeedCancel),
					},
				},
			},
		},
	}

	response, err := s.AwaitSelect(
		ctx, i, view, controlFeedPick, controlFeedCancel,
	)
	if err != nil {
		if errors.Is(err, ErrPromptTimeout) {
			return s.RestoreRoot(ctx, "Timed out waiting for a channel selection.")
		}
		s.logger.Debug("channel selection abandoned", tint.Err(err))
		return nil
	}

	if response.CustomID == s.CustomID(controlFeedCancel) {
		return s.RenderTo(ctx, response.Interaction)
	}
	if len(response.Values) == 0 {
		return s.RenderNoticeTo(ctx, response.Interaction, "No channel selected.")
	}

	channelID := response.Values[0]
	previous, err := s.Config(ctx)
	if err != nil {
		return err
	}

	webhook, err := s.st.discord.session.WebhookCreate(
		channelID, feedWebhookName, "",
	)
	if err != nil {
		s.logger.Warn(
			"error creating feed webhook",
			tint.Err(err),
			"channel_id", channelID,
		)
		return s.RenderNoticeTo(
			ctx,
			response.Interaction,
			"Couldn't create a webhook in that channel. "+
				"Check the bot's **Manage Webhooks** permission there.",
		)
	}

	_, err = s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.SetFeedWebhook(
				ctx, s.GuildID, channelID, webhook.ID, webhook.Token,
			)
		},
	)
	if err != nil {
		m.deleteWebhook(s, webhook.ID, webhook.Token)
		return s.RenderNoticeTo(ctx, response.Interaction, s.userFacingError(err))
	}

	if previous.FeedConfigured() && stringPointerValue(previous.FeedWebhookID) != webhook.ID {
		m.deleteWebhook(
			s,
			stringPointerValue(previous.FeedWebhookID),
			stringPointerValue(previous.FeedWebhookToken),
		)
	}

	return s.RenderNoticeTo(
		ctx,
		response.Interaction,
		fmt.Sprintf("Update announcements will be posted to <#%s>.", channelID),
	)
}

func (m feedMenu) handleUnsubscribe(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	config, err := s.Config(ctx)
	if err != nil {
		return err
	}
	if config.FeedConfigured() {
		m.deleteWebhook(
			s,
			stringPointerValue(config.FeedWebhookID),
			stringPointerValue(config.FeedWebhookToken),
		)
	}

	_, err = s.Mutate(
		ctx, func(ctx context.Context) (*GuildConfig, error) {
			return s.st.guildConfigs.ClearFeedWebhook(ctx, s.GuildID)
		},
	)
	if err != nil {
		return s.RenderNoticeTo(ctx, i, s.userFacingError(err))
	}
	return s.RenderNoticeTo(ctx, i, "Unsubscribed from update announcements.")
}

func (feedMenu) handleBack(
	ctx context.Context,
	s *MenuSession,
	i *discordgo.InteractionCreate,
) error {
	s.SetMenu(newSettingsMenu())
	return s.RenderTo(ctx, i)
}

// deleteWebhook is best effort cleanup. The webhook may already be gone
// if someone deleted it from the channel settings.
func (feedMenu) deleteWebhook(s *MenuSession, webhookID string, token string) {
	if webhookID == "" || token == "" {
		return
	}
	if _, err := s.st.discord.session.WebhookDeleteWithToken(
		webhookID, token,
	); err != nil {
		s.logger.Warn(
			"error deleting feed webhook",
			tint.Err(err),
			"webhook_id", webhookID,
		)
	}
}
