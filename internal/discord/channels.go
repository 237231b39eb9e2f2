package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

const channelPrefix = "sat-"

// Provisioner creates a category for a server with one text channel per
// event type.
type Provisioner struct {
	session Session
}

func NewProvisioner(session Session) *Provisioner {
	return &Provisioner{session: session}
}

// ProvisionChannels creates category sat-<label> and channels
// sat-<label>-<event> under it. The first channel created becomes the
// default.
func (p *Provisioner) ProvisionChannels(ctx context.Context, guildID, label string) (relay.LinkConfig, error) {
	slug := channelSlug(label)
	if slug == "" {
		return relay.LinkConfig{}, fmt.Errorf("%w: label %q has no usable characters", relay.ErrInvalidInput, label)
	}
	category, err := p.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: channelPrefix + slug,
		Type: discordgo.ChannelTypeGuildCategory,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return relay.LinkConfig{}, fmt.Errorf("create category: %w", err)
	}

	cfg := relay.LinkConfig{
		CategoryID:    category.ID,
		EventChannels: map[relay.EventType]string{},
	}
	for _, eventType := range relay.EventTypes {
		name := channelPrefix + slug + "-" + strings.ReplaceAll(eventType.Short(), "_", "-")
		ch, err := p.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildText,
			ParentID: category.ID,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return cfg, fmt.Errorf("create channel %s: %w", name, err)
		}
		cfg.EventChannels[eventType] = ch.ID
		if cfg.DefaultChannel == "" {
			cfg.DefaultChannel = ch.ID
		}
	}
	return cfg, nil
}

// channelSlug lowercases label and replaces anything Discord rejects in a
// channel name with a dash.
func channelSlug(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(label)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
