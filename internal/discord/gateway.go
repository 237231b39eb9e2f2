// Package discord connects the relay to Discord: message delivery, guild
// membership lookups, channel provisioning and guild lifecycle events.
package discord

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

// Session is the part of *discordgo.Session the relay calls.
type Session interface {
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

const sendPermissions = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages

// Gateway sends messages as the bot user after checking it may post.
type Gateway struct {
	session   Session
	botUserID string
}

func NewGateway(session Session, botUserID string) *Gateway {
	return &Gateway{session: session, botUserID: botUserID}
}

func (g *Gateway) Send(ctx context.Context, channelID, content string) error {
	perms, err := g.session.UserChannelPermissions(g.botUserID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return classify(channelID, err)
	}
	if perms&sendPermissions != sendPermissions {
		return &relay.DeliveryError{Kind: relay.ErrPermissionDenied, ChannelID: channelID}
	}
	if _, err := g.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
		return classify(channelID, err)
	}
	return nil
}

// classify maps a discordgo failure onto a DeliveryError kind.
func classify(channelID string, err error) error {
	kind := relay.ErrTransport
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownChannel:
			kind = relay.ErrChannelNotFound
		case restErr.Message != nil && (restErr.Message.Code == discordgo.ErrCodeMissingAccess ||
			restErr.Message.Code == discordgo.ErrCodeMissingPermissions):
			kind = relay.ErrPermissionDenied
		case restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound:
			kind = relay.ErrChannelNotFound
		case restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden:
			kind = relay.ErrPermissionDenied
		}
	} else if errors.Is(err, discordgo.ErrStateNotFound) {
		kind = relay.ErrChannelNotFound
	}
	return &relay.DeliveryError{Kind: kind, ChannelID: channelID, Err: err}
}

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
