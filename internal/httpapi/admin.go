package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/eventrelay/internal/metrics"
	"github.com/agentworkforce/eventrelay/internal/relay"
)

type registerServerRequest struct {
	Label string `json:"label"`
	Token string `json:"token,omitempty"`
}

type registerServerResponse struct {
	Server relay.Server `json:"server"`
	Token  string       `json:"token"`
}

type channelRequest struct {
	ChannelID string `json:"channelId"`
}

type categoryRequest struct {
	CategoryID string `json:"categoryId"`
}

type rotateRequest struct {
	CurrentToken string `json:"currentToken,omitempty"`
}

type linkedServer struct {
	Server  relay.Server     `json:"server"`
	Routing relay.LinkConfig `json:"routing"`
}

type tenantView struct {
	ID      string         `json:"id"`
	OwnerID string         `json:"ownerId"`
	Owner   bool           `json:"owner"`
	Servers []linkedServer `json:"servers"`
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (principal, bool) {
	p, authErr := sessionFromHeader(r.Header.Get("Authorization"), s.cfg.SessionSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return principal{}, false
	}
	return p, true
}

// requireAuthorized authenticates the session and applies the tenant admin
// policy. It writes the failure response itself.
func (s *Server) requireAuthorized(w http.ResponseWriter, r *http.Request) (principal, string, bool) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return principal{}, "", false
	}
	tenantID := mux.Vars(r)["tenantID"]
	if err := s.policy.Authorize(r.Context(), tenantID, p.UserID); err != nil {
		writeStoreError(w, r, err)
		return principal{}, "", false
	}
	return p, tenantID, true
}

// linkedServer resolves label and checks that it is linked to tenantID.
// Routing changes go through here so one tenant cannot steer another
// tenant's server without its token.
func (s *Server) linkedServer(ctx context.Context, label, tenantID string) (relay.Server, error) {
	srv, err := s.store.ServerByLabel(ctx, label)
	if err != nil {
		return relay.Server{}, err
	}
	linked, err := s.store.IsLinked(ctx, srv.ID, tenantID)
	if err != nil {
		return relay.Server{}, err
	}
	if !linked {
		return relay.Server{}, fmt.Errorf("server %q is not linked to tenant %s: %w", label, tenantID, relay.ErrNotFound)
	}
	return srv, nil
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	p, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	var req registerServerRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	srv, err := s.creds.RegisterOrLink(r.Context(), req.Label, req.Token, tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log.Info().
		Str("correlationId", getCorrelationID(r)).
		Str("tenant", tenantID).
		Str("user", p.UserID).
		Str("server", srv.Label).
		Msg("server linked")
	writeJSON(w, http.StatusCreated, registerServerResponse{Server: srv, Token: srv.Token})
}

func (s *Server) handleUnlinkServer(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	srv, err := s.linkedServer(r.Context(), mux.Vars(r)["label"], tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if err := s.router.Unlink(r.Context(), srv.ID, tenantID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetDefaultChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	s.updateRouting(w, r, &req, func(ctx context.Context, srv relay.Server, tenantID string) error {
		if strings.TrimSpace(req.ChannelID) == "" {
			return fmt.Errorf("%w: channelId is required", relay.ErrInvalidInput)
		}
		return s.router.SetDefault(ctx, srv.ID, tenantID, req.ChannelID)
	})
}

func (s *Server) handleSetCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	s.updateRouting(w, r, &req, func(ctx context.Context, srv relay.Server, tenantID string) error {
		return s.router.SetCategory(ctx, srv.ID, tenantID, strings.TrimSpace(req.CategoryID))
	})
}

func (s *Server) handleSetEventChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	s.updateRouting(w, r, &req, func(ctx context.Context, srv relay.Server, tenantID string) error {
		eventType, err := relay.ParseEventType(mux.Vars(r)["eventType"])
		if err != nil {
			return err
		}
		if strings.TrimSpace(req.ChannelID) == "" {
			return fmt.Errorf("%w: channelId is required", relay.ErrInvalidInput)
		}
		return s.router.SetEventChannel(ctx, srv.ID, tenantID, eventType, req.ChannelID)
	})
}

// updateRouting runs one routing mutation for a linked server and answers
// with the resulting snapshot.
func (s *Server) updateRouting(w http.ResponseWriter, r *http.Request, req any, apply func(context.Context, relay.Server, string) error) {
	_, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	if !s.decodeJSONBody(w, r, req) {
		return
	}
	srv, err := s.linkedServer(r.Context(), mux.Vars(r)["label"], tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if err := apply(r.Context(), srv, tenantID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.writeSnapshot(w, r, srv, tenantID)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, srv relay.Server, tenantID string) {
	cfg, err := s.router.Snapshot(r.Context(), srv.ID, tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, linkedServer{Server: srv, Routing: cfg})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	var req rotateRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	label := mux.Vars(r)["label"]
	srv, err := s.store.ServerByLabel(r.Context(), label)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	override, err := s.store.IsLinked(r.Context(), srv.ID, tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	rotated, err := s.creds.Rotate(r.Context(), label, req.CurrentToken, override)
	if err != nil {
		metrics.TokenRotationsTotal.WithLabelValues("failed").Inc()
		writeStoreError(w, r, err)
		return
	}
	metrics.TokenRotationsTotal.WithLabelValues("rotated").Inc()
	writeJSON(w, http.StatusOK, registerServerResponse{Server: rotated, Token: rotated.Token})
}

func (s *Server) handleSetupChannels(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	if s.provisioner == nil {
		writeStoreError(w, r, relay.ErrNotImplemented)
		return
	}
	srv, err := s.linkedServer(r.Context(), mux.Vars(r)["label"], tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	cfg, err := s.provisioner.ProvisionChannels(r.Context(), tenantID, srv.Label)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if err := s.router.Apply(r.Context(), srv.ID, tenantID, cfg); err != nil {
		writeStoreError(w, r, err)
		return
	}
	log.Info().
		Str("correlationId", getCorrelationID(r)).
		Str("tenant", tenantID).
		Str("server", srv.Label).
		Int("channels", len(cfg.EventChannels)).
		Msg("event channels provisioned")
	s.writeSnapshot(w, r, srv, tenantID)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	_, tenantID, ok := s.requireAuthorized(w, r)
	if !ok {
		return
	}
	roles, err := s.store.ListRoles(r.Context(), tenantID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "roles": roles})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.store.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, s.store.RevokeRole)
}

// changeRole is limited to the tenant owner; granted roles cannot grant.
func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, change func(context.Context, string, string) error) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	tenantID, roleID := vars["tenantID"], strings.TrimSpace(vars["roleID"])
	owner, err := s.policy.IsOwner(r.Context(), tenantID, p.UserID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !owner {
		writeStoreError(w, r, relay.ErrForbidden)
		return
	}
	if err := change(r.Context(), tenantID, roleID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMyTenants(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	views := []tenantView{}
	for _, tenant := range tenants {
		member, err := s.policy.IsMember(ctx, tenant.ID, p.UserID)
		if err != nil {
			// One unreachable tenant must not hide the others.
			log.Warn().Err(err).
				Str("correlationId", getCorrelationID(r)).
				Str("tenant", tenant.ID).
				Msg("membership lookup failed, tenant omitted")
			continue
		}
		if !member {
			continue
		}
		servers, err := s.store.LinkedServers(ctx, tenant.ID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		view := tenantView{
			ID:      tenant.ID,
			OwnerID: tenant.OwnerID,
			Owner:   tenant.OwnerID == p.UserID,
			Servers: make([]linkedServer, 0, len(servers)),
		}
		for _, srv := range servers {
			cfg, err := s.router.Snapshot(ctx, srv.ID, tenant.ID)
			if errors.Is(err, relay.ErrNotFound) {
				continue
			}
			if err != nil {
				writeStoreError(w, r, err)
				return
			}
			view.Servers = append(view.Servers, linkedServer{Server: srv, Routing: cfg})
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": views})
}

// handleFeed also reads the session from access_token since browsers cannot
// set headers on websocket upgrades.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeStoreError(w, r, relay.ErrNotImplemented)
		return
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			header = "Bearer " + token
		}
	}
	p, authErr := sessionFromHeader(header, s.cfg.SessionSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	tenantID := mux.Vars(r)["tenantID"]
	member, err := s.policy.IsMember(r.Context(), tenantID, p.UserID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if !member {
		writeStoreError(w, r, relay.ErrForbidden)
		return
	}
	s.feed.ServeTenant(w, r, tenantID)
}
