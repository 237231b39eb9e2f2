package relay

import (
	"context"
	"io"
	"time"
)

// Tenant is a chat community that servers deliver into.
type Tenant struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
}

// Server is a registered event source. Token is never serialized.
type Server struct {
	ID        int64     `json:"id"`
	Label     string    `json:"label"`
	Token     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	RotatedAt time.Time `json:"rotatedAt,omitempty"`
}

// Identity is what a bearer token resolves to.
type Identity struct {
	Server  Server
	Tenants []string
}

// LinkConfig is the routing state of one (server, tenant) link.
type LinkConfig struct {
	DefaultChannel string               `json:"defaultChannel,omitempty"`
	CategoryID     string               `json:"categoryId,omitempty"`
	EventChannels  map[EventType]string `json:"eventChannels"`
}

// LegacyTenant carries the pre-server single-tenant credential scheme, where
// the token, default channel and event map lived on the tenant itself.
type LegacyTenant struct {
	TenantID       string
	Token          string
	DefaultChannel string
	EventChannels  map[EventType]string
	MigratedAt     time.Time
}

type TenantStore interface {
	// UpsertTenant records a tenant and its owner. An empty ownerID keeps the
	// stored owner.
	UpsertTenant(ctx context.Context, tenantID, ownerID string) error
	// DeleteTenant removes the tenant with its links, routes and grants.
	DeleteTenant(ctx context.Context, tenantID string) error
	Tenant(ctx context.Context, tenantID string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
}

type CredentialStore interface {
	ServerByToken(ctx context.Context, token string) (Server, error)
	ServerByLabel(ctx context.Context, label string) (Server, error)
	// CreateServer fails with ErrConflict if the label or token is taken.
	CreateServer(ctx context.Context, label, token string) (Server, error)
	// ReplaceServerToken swaps the token only while the stored token equals
	// expected; an empty expected replaces unconditionally.
	ReplaceServerToken(ctx context.Context, label, expected, next string) (Server, error)
}

// RoutingStore owns links and their channel routes. The Set* calls create the
// link when it does not exist yet.
type RoutingStore interface {
	LinkServer(ctx context.Context, serverID int64, tenantID string) error
	UnlinkServer(ctx context.Context, serverID int64, tenantID string) error
	IsLinked(ctx context.Context, serverID int64, tenantID string) (bool, error)
	LinkedTenants(ctx context.Context, serverID int64) ([]string, error)
	LinkedServers(ctx context.Context, tenantID string) ([]Server, error)
	SetDefaultChannel(ctx context.Context, serverID int64, tenantID, channelID string) error
	SetCategory(ctx context.Context, serverID int64, tenantID, categoryID string) error
	SetEventChannel(ctx context.Context, serverID int64, tenantID string, eventType EventType, channelID string) error
	// Link returns ErrNotFound when the server is not linked to the tenant.
	Link(ctx context.Context, serverID int64, tenantID string) (LinkConfig, error)
}

type GrantStore interface {
	GrantRole(ctx context.Context, tenantID, roleID string) error
	RevokeRole(ctx context.Context, tenantID, roleID string) error
	ListRoles(ctx context.Context, tenantID string) ([]string, error)
}

type LegacyStore interface {
	PutLegacyTenant(ctx context.Context, legacy LegacyTenant) error
	// MigrateLegacyToken converts an unmigrated legacy tenant credential into
	// a server named legacy-<tenantID>, linked to that tenant with the legacy
	// routes copied over. It returns ErrNotFound when no unmigrated tenant
	// carries the token.
	MigrateLegacyToken(ctx context.Context, token string) (Server, error)
}

type Store interface {
	TenantStore
	CredentialStore
	RoutingStore
	GrantStore
	LegacyStore
	io.Closer
}

func legacyLabel(tenantID string) string {
	return "legacy-" + tenantID
}

func cloneChannels(in map[EventType]string) map[EventType]string {
	out := make(map[EventType]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
