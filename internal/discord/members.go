package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

// GuildCache is the gateway state's view of guilds; *discordgo.State
// satisfies it.
type GuildCache interface {
	Guild(guildID string) (*discordgo.Guild, error)
}

// Members answers membership questions with the bot's own view of a guild.
type Members struct {
	session Session
	cache   GuildCache
}

// NewMembers builds a resolver. cache may be nil, in which case every guild
// lookup goes to the REST API.
func NewMembers(session Session, cache GuildCache) *Members {
	return &Members{session: session, cache: cache}
}

func (m *Members) Membership(ctx context.Context, guildID, userID string) (relay.Membership, error) {
	guild, err := m.guild(ctx, guildID)
	if isGone(err) {
		return relay.Membership{}, nil
	}
	if err != nil {
		return relay.Membership{}, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	if guild.OwnerID == userID {
		return relay.Membership{Owner: true, Member: true}, nil
	}

	member, err := m.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return relay.Membership{}, nil
	}
	if err != nil {
		return relay.Membership{}, fmt.Errorf("fetch member %s of %s: %w", userID, guildID, err)
	}
	return relay.Membership{Member: true, Roles: append([]string(nil), member.Roles...)}, nil
}

func (m *Members) guild(ctx context.Context, guildID string) (*discordgo.Guild, error) {
	if m.cache != nil {
		if g, err := m.cache.Guild(guildID); err == nil && g != nil && g.OwnerID != "" {
			return g, nil
		}
	}
	return m.session.Guild(guildID, discordgo.WithContext(ctx))
}

// isGone reports a guild the bot can no longer see: deleted, or the bot was
// removed while offline.
func isGone(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	return restErr.Response != nil &&
		(restErr.Response.StatusCode == http.StatusNotFound || restErr.Response.StatusCode == http.StatusForbidden)
}
