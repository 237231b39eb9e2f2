package relay

import (
	"context"
	"errors"
)

// Router resolves destination channels for (server, tenant, event type).
type Router struct {
	store RoutingStore
}

func NewRouter(store RoutingStore) *Router {
	return &Router{store: store}
}

// GetChannel returns the event's mapped channel, falling back to the link's
// default channel. ok is false when neither is set or the server is not
// linked to the tenant.
func (r *Router) GetChannel(ctx context.Context, serverID int64, tenantID string, eventType EventType) (string, bool, error) {
	cfg, err := r.store.Link(ctx, serverID, tenantID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if channelID := cfg.EventChannels[eventType]; channelID != "" {
		return channelID, true, nil
	}
	if cfg.DefaultChannel != "" {
		return cfg.DefaultChannel, true, nil
	}
	return "", false, nil
}

// SetDefault, SetEventChannel and SetCategory create the link if it does not
// exist yet.
func (r *Router) SetDefault(ctx context.Context, serverID int64, tenantID, channelID string) error {
	return r.store.SetDefaultChannel(ctx, serverID, tenantID, channelID)
}

func (r *Router) SetEventChannel(ctx context.Context, serverID int64, tenantID string, eventType EventType, channelID string) error {
	return r.store.SetEventChannel(ctx, serverID, tenantID, eventType, channelID)
}

func (r *Router) SetCategory(ctx context.Context, serverID int64, tenantID, categoryID string) error {
	return r.store.SetCategory(ctx, serverID, tenantID, categoryID)
}

func (r *Router) Snapshot(ctx context.Context, serverID int64, tenantID string) (LinkConfig, error) {
	return r.store.Link(ctx, serverID, tenantID)
}

// Apply writes every non-empty part of cfg onto the link.
func (r *Router) Apply(ctx context.Context, serverID int64, tenantID string, cfg LinkConfig) error {
	if cfg.CategoryID != "" {
		if err := r.SetCategory(ctx, serverID, tenantID, cfg.CategoryID); err != nil {
			return err
		}
	}
	for _, eventType := range EventTypes {
		channelID := cfg.EventChannels[eventType]
		if channelID == "" {
			continue
		}
		if err := r.SetEventChannel(ctx, serverID, tenantID, eventType, channelID); err != nil {
			return err
		}
	}
	if cfg.DefaultChannel != "" {
		return r.SetDefault(ctx, serverID, tenantID, cfg.DefaultChannel)
	}
	return nil
}

// Unlink removes the link together with its routes.
func (r *Router) Unlink(ctx context.Context, serverID int64, tenantID string) error {
	return r.store.UnlinkServer(ctx, serverID, tenantID)
}
