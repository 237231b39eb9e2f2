package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

const lifecycleTimeout = 10 * time.Second

// Lifecycle keeps tenants in step with the guilds the bot belongs to.
type Lifecycle struct {
	tenants relay.TenantStore
}

func NewLifecycle(tenants relay.TenantStore) *Lifecycle {
	return &Lifecycle{tenants: tenants}
}

func (l *Lifecycle) OnGuildCreate(_ *discordgo.Session, ev *discordgo.GuildCreate) {
	if ev == nil || ev.Guild == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := l.tenants.UpsertTenant(ctx, ev.ID, ev.OwnerID); err != nil {
		log.Error().Err(err).Str("tenant", ev.ID).Msg("record guild")
		return
	}
	log.Info().Str("tenant", ev.ID).Str("name", ev.Name).Msg("guild available")
}

// OnGuildDelete removes the tenant when the bot leaves a guild. Outages
// arrive as deletes with Unavailable set and are ignored.
func (l *Lifecycle) OnGuildDelete(_ *discordgo.Session, ev *discordgo.GuildDelete) {
	if ev == nil || ev.Guild == nil || ev.Unavailable {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	if err := l.tenants.DeleteTenant(ctx, ev.ID); err != nil {
		log.Error().Err(err).Str("tenant", ev.ID).Msg("delete tenant for removed guild")
		return
	}
	log.Info().Str("tenant", ev.ID).Msg("guild removed, tenant deleted")
}

// OnReady drops tenants for guilds the bot left while it was offline. READY
// lists every guild of the session, so on a single shard anything stored but
// absent is stale.
func (l *Lifecycle) OnReady(_ *discordgo.Session, ev *discordgo.Ready) {
	if ev == nil || (ev.Shard != nil && ev.Shard[1] > 1) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()
	present := make(map[string]struct{}, len(ev.Guilds))
	for _, g := range ev.Guilds {
		if g != nil {
			present[g.ID] = struct{}{}
		}
	}
	tenants, err := l.tenants.ListTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("list tenants for guild reconciliation")
		return
	}
	for _, tenant := range tenants {
		if _, ok := present[tenant.ID]; ok {
			continue
		}
		if err := l.tenants.DeleteTenant(ctx, tenant.ID); err != nil {
			log.Error().Err(err).Str("tenant", tenant.ID).Msg("delete stale tenant")
			continue
		}
		log.Info().Str("tenant", tenant.ID).Msg("guild no longer joined, tenant deleted")
	}
}

// Client owns the process-wide Discord session.
type Client struct {
	session   *discordgo.Session
	botUserID string
}

// Open starts a bot session and registers guild lifecycle handlers.
func Open(token string, tenants relay.TenantStore) (*Client, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	lifecycle := NewLifecycle(tenants)
	session.AddHandler(lifecycle.OnGuildCreate)
	session.AddHandler(lifecycle.OnGuildDelete)
	session.AddHandler(lifecycle.OnReady)
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	botUserID := ""
	if session.State != nil && session.State.User != nil {
		botUserID = session.State.User.ID
	}
	log.Info().Str("botUser", botUserID).Msg("discord session open")
	return &Client{session: session, botUserID: botUserID}, nil
}

func (c *Client) Gateway() *Gateway         { return NewGateway(c.session, c.botUserID) }
func (c *Client) Provisioner() *Provisioner { return NewProvisioner(c.session) }

// Members prefers guilds cached by the gateway over REST lookups.
func (c *Client) Members() *Members {
	if c.session.State == nil {
		return NewMembers(c.session, nil)
	}
	return NewMembers(c.session, c.session.State)
}

func (c *Client) Close() error {
	if c == nil || c.session == nil {
		return nil
	}
	return c.session.Close()
}

var errNotConnected = errors.New("chat client not connected")

// Disabled stands in for the client when no bot token is configured. Sends
// fail as transport errors and nobody is a member of anything.
type Disabled struct{}

func (Disabled) Send(_ context.Context, channelID, _ string) error {
	return &relay.DeliveryError{Kind: relay.ErrTransport, ChannelID: channelID, Err: errNotConnected}
}

func (Disabled) Membership(context.Context, string, string) (relay.Membership, error) {
	return relay.Membership{}, nil
}

func (Disabled) ProvisionChannels(context.Context, string, string) (relay.LinkConfig, error) {
	return relay.LinkConfig{}, fmt.Errorf("%w: %v", relay.ErrNotImplemented, errNotConnected)
}
