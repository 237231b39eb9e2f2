package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// storeState is the whole relay dataset in a form that serializes to JSON.
// The memory and file stores share it.
type storeState struct {
	NextServerID int64                    `json:"nextServerId"`
	Tenants      map[string]*tenantRecord `json:"tenants"`
	Servers      map[int64]*serverRecord  `json:"servers"`
	Links        map[string]*linkRecord   `json:"links"`
}

type tenantRecord struct {
	OwnerID              string               `json:"ownerId,omitempty"`
	Roles                []string             `json:"roles,omitempty"`
	LegacyToken          string               `json:"legacyToken,omitempty"`
	LegacyDefaultChannel string               `json:"legacyDefaultChannel,omitempty"`
	LegacyEventChannels  map[EventType]string `json:"legacyEventChannels,omitempty"`
	LegacyMigratedAt     int64                `json:"legacyMigratedAt,omitempty"`
}

type serverRecord struct {
	ID        int64  `json:"id"`
	Label     string `json:"label"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"`
	RotatedAt int64  `json:"rotatedAt,omitempty"`
}

type linkRecord struct {
	ServerID       int64                `json:"serverId"`
	TenantID       string               `json:"tenantId"`
	DefaultChannel string               `json:"defaultChannel,omitempty"`
	CategoryID     string               `json:"categoryId,omitempty"`
	EventChannels  map[EventType]string `json:"eventChannels,omitempty"`
}

func newStoreState() *storeState {
	return &storeState{
		NextServerID: 1,
		Tenants:      map[string]*tenantRecord{},
		Servers:      map[int64]*serverRecord{},
		Links:        map[string]*linkRecord{},
	}
}

func (s *storeState) clone() (*storeState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := newStoreState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func linkKey(serverID int64, tenantID string) string {
	return strconv.FormatInt(serverID, 10) + "/" + tenantID
}

func (r *serverRecord) server() Server {
	s := Server{
		ID:        r.ID,
		Label:     r.Label,
		Token:     r.Token,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.RotatedAt > 0 {
		s.RotatedAt = time.Unix(r.RotatedAt, 0).UTC()
	}
	return s
}

func (s *storeState) serverByLabel(label string) *serverRecord {
	for _, rec := range s.Servers {
		if rec.Label == label {
			return rec
		}
	}
	return nil
}

func (s *storeState) serverByToken(token string) *serverRecord {
	for _, rec := range s.Servers {
		if subtle.ConstantTimeCompare([]byte(rec.Token), []byte(token)) == 1 {
			return rec
		}
	}
	return nil
}

func (s *storeState) ensureTenant(tenantID string) *tenantRecord {
	rec, ok := s.Tenants[tenantID]
	if !ok {
		rec = &tenantRecord{}
		s.Tenants[tenantID] = rec
	}
	return rec
}

func (s *storeState) ensureLink(serverID int64, tenantID string) (*linkRecord, error) {
	if _, ok := s.Servers[serverID]; !ok {
		return nil, fmt.Errorf("server %d: %w", serverID, ErrNotFound)
	}
	s.ensureTenant(tenantID)
	key := linkKey(serverID, tenantID)
	link, ok := s.Links[key]
	if !ok {
		link = &linkRecord{ServerID: serverID, TenantID: tenantID}
		s.Links[key] = link
	}
	if link.EventChannels == nil {
		link.EventChannels = map[EventType]string{}
	}
	return link, nil
}

func (s *storeState) createServer(label, token string, now time.Time) (*serverRecord, error) {
	label = strings.TrimSpace(label)
	if label == "" || token == "" {
		return nil, ErrInvalidInput
	}
	if s.serverByLabel(label) != nil {
		return nil, fmt.Errorf("%w: label %q already registered", ErrConflict, label)
	}
	if s.serverByToken(token) != nil {
		return nil, fmt.Errorf("%w: token already in use", ErrConflict)
	}
	rec := &serverRecord{
		ID:        s.NextServerID,
		Label:     label,
		Token:     token,
		CreatedAt: now.Unix(),
	}
	s.NextServerID++
	s.Servers[rec.ID] = rec
	return rec, nil
}

// MemoryStore keeps everything in process. Mutations run against a copy of
// the state that replaces the live one only after the optional persist hook
// succeeds.
type MemoryStore struct {
	mu      sync.RWMutex
	state   *storeState
	persist func(*storeState) error
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newStoreState(),
		now:   time.Now,
	}
}

func (m *MemoryStore) read(fn func(*storeState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *MemoryStore) mutate(fn func(*storeState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.state.clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return err
	}
	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}
	m.state = next
	return nil
}

// exchange runs fn under the write lock, so no mutate or persist is in
// flight. A non-nil result replaces the state.
func (m *MemoryStore) exchange(fn func() *storeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next := fn(); next != nil {
		m.state = next
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) UpsertTenant(_ context.Context, tenantID, ownerID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrInvalidInput
	}
	return m.mutate(func(s *storeState) error {
		rec := s.ensureTenant(tenantID)
		if ownerID != "" {
			rec.OwnerID = ownerID
		}
		return nil
	})
}

func (m *MemoryStore) DeleteTenant(_ context.Context, tenantID string) error {
	return m.mutate(func(s *storeState) error {
		delete(s.Tenants, tenantID)
		for key, link := range s.Links {
			if link.TenantID == tenantID {
				delete(s.Links, key)
			}
		}
		return nil
	})
}

func (m *MemoryStore) Tenant(_ context.Context, tenantID string) (Tenant, error) {
	var out Tenant
	err := m.read(func(s *storeState) error {
		rec, ok := s.Tenants[tenantID]
		if !ok {
			return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
		}
		out = Tenant{ID: tenantID, OwnerID: rec.OwnerID}
		return nil
	})
	return out, err
}

func (m *MemoryStore) ListTenants(_ context.Context) ([]Tenant, error) {
	var out []Tenant
	err := m.read(func(s *storeState) error {
		for id, rec := range s.Tenants {
			out = append(out, Tenant{ID: id, OwnerID: rec.OwnerID})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (m *MemoryStore) ServerByToken(_ context.Context, token string) (Server, error) {
	var out Server
	err := m.read(func(s *storeState) error {
		if token == "" {
			return ErrNotFound
		}
		rec := s.serverByToken(token)
		if rec == nil {
			return ErrNotFound
		}
		out = rec.server()
		return nil
	})
	return out, err
}

func (m *MemoryStore) ServerByLabel(_ context.Context, label string) (Server, error) {
	var out Server
	err := m.read(func(s *storeState) error {
		rec := s.serverByLabel(label)
		if rec == nil {
			return fmt.Errorf("server %q: %w", label, ErrNotFound)
		}
		out = rec.server()
		return nil
	})
	return out, err
}

func (m *MemoryStore) CreateServer(_ context.Context, label, token string) (Server, error) {
	var out Server
	err := m.mutate(func(s *storeState) error {
		rec, err := s.createServer(label, token, m.now())
		if err != nil {
			return err
		}
		out = rec.server()
		return nil
	})
	return out, err
}

func (m *MemoryStore) ReplaceServerToken(_ context.Context, label, expected, next string) (Server, error) {
	if next == "" {
		return Server{}, ErrInvalidInput
	}
	var out Server
	err := m.mutate(func(s *storeState) error {
		rec := s.serverByLabel(label)
		if rec == nil {
			return fmt.Errorf("server %q: %w", label, ErrNotFound)
		}
		if expected != "" && subtle.ConstantTimeCompare([]byte(rec.Token), []byte(expected)) != 1 {
			return ErrTokenInvalid
		}
		if other := s.serverByToken(next); other != nil && other.ID != rec.ID {
			return fmt.Errorf("%w: token already in use", ErrConflict)
		}
		rec.Token = next
		rec.RotatedAt = m.now().Unix()
		out = rec.server()
		return nil
	})
	return out, err
}

func (m *MemoryStore) LinkServer(_ context.Context, serverID int64, tenantID string) error {
	return m.mutate(func(s *storeState) error {
		_, err := s.ensureLink(serverID, tenantID)
		return err
	})
}

func (m *MemoryStore) UnlinkServer(_ context.Context, serverID int64, tenantID string) error {
	return m.mutate(func(s *storeState) error {
		delete(s.Links, linkKey(serverID, tenantID))
		return nil
	})
}

func (m *MemoryStore) IsLinked(_ context.Context, serverID int64, tenantID string) (bool, error) {
	var ok bool
	err := m.read(func(s *storeState) error {
		_, ok = s.Links[linkKey(serverID, tenantID)]
		return nil
	})
	return ok, err
}

func (m *MemoryStore) LinkedTenants(_ context.Context, serverID int64) ([]string, error) {
	var out []string
	err := m.read(func(s *storeState) error {
		for _, link := range s.Links {
			if link.ServerID == serverID {
				out = append(out, link.TenantID)
			}
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (m *MemoryStore) LinkedServers(_ context.Context, tenantID string) ([]Server, error) {
	var out []Server
	err := m.read(func(s *storeState) error {
		for _, link := range s.Links {
			if link.TenantID != tenantID {
				continue
			}
			if rec, ok := s.Servers[link.ServerID]; ok {
				out = append(out, rec.server())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, err
}

func (m *MemoryStore) SetDefaultChannel(_ context.Context, serverID int64, tenantID, channelID string) error {
	return m.mutate(func(s *storeState) error {
		link, err := s.ensureLink(serverID, tenantID)
		if err != nil {
			return err
		}
		link.DefaultChannel = channelID
		return nil
	})
}

func (m *MemoryStore) SetCategory(_ context.Context, serverID int64, tenantID, categoryID string) error {
	return m.mutate(func(s *storeState) error {
		link, err := s.ensureLink(serverID, tenantID)
		if err != nil {
			return err
		}
		link.CategoryID = categoryID
		return nil
	})
}

func (m *MemoryStore) SetEventChannel(_ context.Context, serverID int64, tenantID string, eventType EventType, channelID string) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %s", ErrUnrecognizedEventType, eventType)
	}
	return m.mutate(func(s *storeState) error {
		link, err := s.ensureLink(serverID, tenantID)
		if err != nil {
			return err
		}
		link.EventChannels[eventType] = channelID
		return nil
	})
}

func (m *MemoryStore) Link(_ context.Context, serverID int64, tenantID string) (LinkConfig, error) {
	var out LinkConfig
	err := m.read(func(s *storeState) error {
		link, ok := s.Links[linkKey(serverID, tenantID)]
		if !ok {
			return fmt.Errorf("link %s: %w", linkKey(serverID, tenantID), ErrNotFound)
		}
		out = LinkConfig{
			DefaultChannel: link.DefaultChannel,
			CategoryID:     link.CategoryID,
			EventChannels:  cloneChannels(link.EventChannels),
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) GrantRole(_ context.Context, tenantID, roleID string) error {
	if tenantID == "" || roleID == "" {
		return ErrInvalidInput
	}
	return m.mutate(func(s *storeState) error {
		rec := s.ensureTenant(tenantID)
		for _, existing := range rec.Roles {
			if existing == roleID {
				return nil
			}
		}
		rec.Roles = append(rec.Roles, roleID)
		sort.Strings(rec.Roles)
		return nil
	})
}

func (m *MemoryStore) RevokeRole(_ context.Context, tenantID, roleID string) error {
	return m.mutate(func(s *storeState) error {
		rec, ok := s.Tenants[tenantID]
		if !ok {
			return nil
		}
		kept := rec.Roles[:0]
		for _, existing := range rec.Roles {
			if existing != roleID {
				kept = append(kept, existing)
			}
		}
		rec.Roles = kept
		return nil
	})
}

func (m *MemoryStore) ListRoles(_ context.Context, tenantID string) ([]string, error) {
	var out []string
	err := m.read(func(s *storeState) error {
		if rec, ok := s.Tenants[tenantID]; ok {
			out = append(out, rec.Roles...)
		}
		return nil
	})
	return out, err
}

func (m *MemoryStore) PutLegacyTenant(_ context.Context, legacy LegacyTenant) error {
	if legacy.TenantID == "" || legacy.Token == "" {
		return ErrInvalidInput
	}
	return m.mutate(func(s *storeState) error {
		for id, rec := range s.Tenants {
			if id != legacy.TenantID && rec.LegacyToken == legacy.Token {
				return fmt.Errorf("%w: legacy token already in use", ErrConflict)
			}
		}
		rec := s.ensureTenant(legacy.TenantID)
		rec.LegacyToken = legacy.Token
		rec.LegacyDefaultChannel = legacy.DefaultChannel
		rec.LegacyEventChannels = cloneChannels(legacy.EventChannels)
		rec.LegacyMigratedAt = 0
		if !legacy.MigratedAt.IsZero() {
			rec.LegacyMigratedAt = legacy.MigratedAt.Unix()
		}
		return nil
	})
}

func (m *MemoryStore) MigrateLegacyToken(_ context.Context, token string) (Server, error) {
	if token == "" {
		return Server{}, ErrNotFound
	}
	var out Server
	err := m.mutate(func(s *storeState) error {
		var (
			tenantID string
			tenant   *tenantRecord
		)
		for id, rec := range s.Tenants {
			if rec.LegacyMigratedAt == 0 && rec.LegacyToken != "" &&
				subtle.ConstantTimeCompare([]byte(rec.LegacyToken), []byte(token)) == 1 {
				tenantID, tenant = id, rec
				break
			}
		}
		if tenant == nil {
			return ErrNotFound
		}
		now := m.now()
		srv, err := s.createServer(legacyLabel(tenantID), token, now)
		if err != nil {
			return err
		}
		link, err := s.ensureLink(srv.ID, tenantID)
		if err != nil {
			return err
		}
		link.DefaultChannel = tenant.LegacyDefaultChannel
		for eventType, channelID := range tenant.LegacyEventChannels {
			link.EventChannels[eventType] = channelID
		}
		tenant.LegacyMigratedAt = now.Unix()
		out = srv.server()
		return nil
	})
	return out, err
}
