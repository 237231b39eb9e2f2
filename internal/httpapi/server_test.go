package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/eventrelay/internal/feed"
	"github.com/agentworkforce/eventrelay/internal/relay"
)

const testSecret = "test-secret"

type sentMessage struct {
	ChannelID string
	Content   string
}

type fakeGateway struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures map[string]error
}

func (g *fakeGateway) Send(_ context.Context, channelID, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failures[channelID]; err != nil {
		return err
	}
	g.sent = append(g.sent, sentMessage{ChannelID: channelID, Content: content})
	return nil
}

func (g *fakeGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

// staticMembers is keyed by "tenant/user".
type staticMembers map[string]relay.Membership

func (m staticMembers) Membership(_ context.Context, tenantID, userID string) (relay.Membership, error) {
	if tenantID == "g-unreachable" {
		return relay.Membership{}, errors.New("missing access")
	}
	return m[tenantID+"/"+userID], nil
}

type fakeProvisioner struct {
	cfg relay.LinkConfig
	err error
}

func (p fakeProvisioner) ProvisionChannels(context.Context, string, string) (relay.LinkConfig, error) {
	return p.cfg, p.err
}

type harness struct {
	t       *testing.T
	store   *relay.MemoryStore
	gateway *fakeGateway
	hub     *feed.Hub
	server  *Server
}

func newHarness(t *testing.T, cfg ServerConfig) *harness {
	t.Helper()
	store := relay.NewMemoryStore()
	require.NoError(t, store.UpsertTenant(context.Background(), "g1", "owner"))
	require.NoError(t, store.UpsertTenant(context.Background(), "g2", "other-owner"))
	members := staticMembers{
		"g1/owner":    {Member: true, Owner: true},
		"g1/mod":      {Member: true, Roles: []string{"mods"}},
		"g1/player":   {Member: true, Roles: []string{"players"}},
		"g2/outsider": {Member: true, Owner: true},
	}
	gw := &fakeGateway{failures: map[string]error{}}
	hub := feed.NewHub(8)
	cfg.SessionSecret = testSecret
	provisioner := fakeProvisioner{cfg: relay.LinkConfig{
		DefaultChannel: "chan-joined",
		CategoryID:     "cat-1",
		EventChannels: map[relay.EventType]string{
			relay.EventPlayerJoined: "chan-joined",
			relay.EventGameEnded:    "chan-ended",
		},
	}}
	srv := NewServer(Dependencies{
		Store:       store,
		Gateway:     gw,
		Members:     members,
		Provisioner: provisioner,
		Feed:        hub,
	}, cfg)
	return &harness{t: t, store: store, gateway: gw, hub: hub, server: srv}
}

func (h *harness) session(userID string) string {
	h.t.Helper()
	token, err := IssueSessionToken(testSecret, userID, userID, time.Hour)
	require.NoError(h.t, err)
	return "Bearer " + token
}

// register links a new server to g1 as the owner and returns its token.
func (h *harness) register(label string) string {
	h.t.Helper()
	rec := doRequest(h.t, h.server, request{
		method:  http.MethodPost,
		path:    "/v1/tenants/g1/servers",
		headers: map[string]string{"Authorization": h.session("owner")},
		body:    map[string]any{"label": label},
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp registerServerResponse
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(h.t, resp.Token)
	return resp.Token
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	switch body := r.body.(type) {
	case nil:
	case []byte:
		bodyBytes = body
	case string:
		bodyBytes = []byte(body)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func decodeSummary(t *testing.T, rec *httptest.ResponseRecorder) relay.BatchSummary {
	t.Helper()
	var summary relay.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary), rec.Body.String())
	return summary
}

func postEvents(t *testing.T, server http.Handler, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	return doRequest(t, server, request{method: http.MethodPost, path: "/events", headers: headers, body: body})
}

var (
	gameStarted  = map[string]any{"name": "serveradmintools_game_started", "title": "t", "data": map[string]any{}, "timestamp": 1}
	playerJoined = map[string]any{
		"name":      "serveradmintools_player_joined",
		"title":     "t",
		"data":      map[string]any{"player": "bob", "identity": "abc", "playerId": 7},
		"timestamp": 2,
	}
)

func TestHealthAndCorrelation(t *testing.T) {
	h := newHarness(t, ServerConfig{})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/health", headers: map[string]string{"X-Correlation-Id": "corr_1"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "corr_1", rec.Header().Get("X-Correlation-Id"))

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	generated := rec.Header().Get("X-Correlation-Id")
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, decodeError(t, rec)["correlationId"])

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/events"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	postEvents(t, h.server, "", map[string]any{"events": []any{}})

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/metrics"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eventrelay_batches_total")
}

func TestEventsRejectsBadRequests(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")

	cases := []struct {
		name   string
		token  string
		body   any
		status int
		code   string
	}{
		{"missing token", "", map[string]any{"events": []any{}}, http.StatusUnauthorized, "unauthorized"},
		{"unknown token", "nope", map[string]any{"events": []any{}}, http.StatusUnauthorized, "unauthorized"},
		{"not json", token, "{", http.StatusBadRequest, "malformed_batch"},
		{"events not array", token, map[string]any{"events": "x"}, http.StatusBadRequest, "malformed_batch"},
		{"missing events", token, map[string]any{}, http.StatusBadRequest, "malformed_batch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postEvents(t, h.server, tc.token, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decodeError(t, rec)["code"])
		})
	}
	assert.Empty(t, h.gateway.messages())
}

func TestEventsDeliversToRoutedChannels(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")
	owner := map[string]string{"Authorization": h.session("owner")}

	rec := doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/default-channel",
		headers: owner, body: map[string]any{"channelId": "c-default"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/events/player_joined",
		headers: owner, body: map[string]any{"channelId": "c-joins"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	unknown := map[string]any{"name": "serveradmintools_bogus", "data": map[string]any{}, "timestamp": 3}
	badShape := map[string]any{"name": "serveradmintools_game_ended", "data": map[string]any{}, "timestamp": 4}
	rec = postEvents(t, h.server, token, map[string]any{"events": []any{gameStarted, playerJoined, unknown, badShape}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	summary := decodeSummary(t, rec)
	assert.Equal(t, 4, summary.Received)
	assert.Equal(t, 3, summary.Recognized)
	assert.Equal(t, 2, summary.Handled)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "invalid_event", summary.Errors[0].Code)

	assert.Equal(t, []sentMessage{
		{ChannelID: "c-default", Content: "Game started."},
		{ChannelID: "c-joins", Content: "🟢 Player joined: **bob** (id: 7, identity: abc)"},
	}, h.gateway.messages())
}

func TestEventsBodyTokenAndDoubleEncoding(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")
	require.NoError(t, h.store.SetDefaultChannel(context.Background(), 1, "g1", "c1"))

	inner, err := json.Marshal(map[string]any{"token": token, "events": []any{gameStarted}})
	require.NoError(t, err)
	encoded, err := json.Marshal(string(inner))
	require.NoError(t, err)

	rec := postEvents(t, h.server, "", encoded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decodeSummary(t, rec)
	assert.Equal(t, 1, summary.Handled)
	assert.Empty(t, summary.Errors)
	assert.NotContains(t, rec.Body.String(), "errors")
}

func TestEventsReportsDeliveryFailures(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")
	require.NoError(t, h.store.SetDefaultChannel(context.Background(), 1, "g1", "c1"))
	h.gateway.failures["c1"] = &relay.DeliveryError{Kind: relay.ErrPermissionDenied, ChannelID: "c1"}

	rec := postEvents(t, h.server, token, map[string]any{"events": []any{gameStarted}})
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeSummary(t, rec)
	assert.Equal(t, 0, summary.Handled)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "permission_denied", summary.Errors[0].Code)
	assert.Equal(t, "c1", summary.Errors[0].ChannelID)
}

func TestEventsPayloadTooLarge(t *testing.T) {
	h := newHarness(t, ServerConfig{MaxBodyBytes: 64})
	token := h.register("alpha")

	rec := postEvents(t, h.server, token, map[string]any{"events": []any{gameStarted, playerJoined}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rec)["code"])
}

func TestEventsRateLimited(t *testing.T) {
	h := newHarness(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := h.register("alpha")
	other := h.register("beta")

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, postEvents(t, h.server, token, map[string]any{"events": []any{}}).Code)
	}
	rec := postEvents(t, h.server, token, map[string]any{"events": []any{}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec)["code"])

	assert.Equal(t, http.StatusOK, postEvents(t, h.server, other, map[string]any{"events": []any{}}).Code)
}

func TestAdminRequiresSessionAndPolicy(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	body := map[string]any{"label": "alpha"}

	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body,
		headers: map[string]string{"Authorization": "Bearer not-a-jwt"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueSessionToken(testSecret, "owner", "owner", -time.Minute)
	require.NoError(t, err)
	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body,
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", decodeError(t, rec)["message"])

	forged, err := IssueSessionToken("other-secret", "owner", "owner", time.Hour)
	require.NoError(t, err)
	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body,
		headers: map[string]string{"Authorization": "Bearer " + forged},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body,
		headers: map[string]string{"Authorization": h.session("mod")},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec)["code"])

	require.NoError(t, h.store.GrantRole(context.Background(), "g1", "mods"))
	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers", body: body,
		headers: map[string]string{"Authorization": h.session("mod")},
	})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestRegisterAndLinkRequireToken(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")
	outsider := map[string]string{"Authorization": h.session("outsider")}

	rec := doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g2/servers", headers: outsider,
		body: map[string]any{"label": "alpha"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "token_required", decodeError(t, rec)["code"])

	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g2/servers", headers: outsider,
		body: map[string]any{"label": "alpha", "token": "wrong"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "token_invalid", decodeError(t, rec)["code"])

	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g2/servers", headers: outsider,
		body: map[string]any{"label": "alpha", "token": token},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	tenants, err := h.store.LinkedTenants(context.Background(), 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g2"}, tenants)

	rec = doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers",
		headers: map[string]string{"Authorization": h.session("owner")},
		body:    map[string]any{"label": " "},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutingRequiresLinkedServer(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.register("alpha")
	outsider := map[string]string{"Authorization": h.session("outsider")}

	rec := doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g2/servers/alpha/default-channel",
		headers: outsider, body: map[string]any{"channelId": "evil"},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	linked, err := h.store.IsLinked(context.Background(), 1, "g2")
	require.NoError(t, err)
	assert.False(t, linked)
}

func TestRoutingEndpoints(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.register("alpha")
	owner := map[string]string{"Authorization": h.session("owner")}

	rec := doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/events/not_an_event",
		headers: owner, body: map[string]any{"channelId": "c1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/default-channel",
		headers: owner, body: map[string]any{"channelId": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/category",
		headers: owner, body: map[string]any{"categoryId": "cat"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, h.server, request{
		method: http.MethodPut, path: "/v1/tenants/g1/servers/alpha/events/serveradmintools_vote_ended",
		headers: owner, body: map[string]any{"channelId": "c-votes"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap linkedServer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "alpha", snap.Server.Label)
	assert.Equal(t, "cat", snap.Routing.CategoryID)
	assert.Equal(t, "c-votes", snap.Routing.EventChannels[relay.EventVoteEnded])
	assert.NotContains(t, rec.Body.String(), "token")

	rec = doRequest(t, h.server, request{method: http.MethodDelete, path: "/v1/tenants/g1/servers/alpha", headers: owner})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, err := h.store.Link(context.Background(), 1, "g1")
	assert.True(t, errors.Is(err, relay.ErrNotFound))
}

func TestRotate(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	first := h.register("alpha")
	owner := map[string]string{"Authorization": h.session("owner")}
	require.NoError(t, h.store.SetDefaultChannel(context.Background(), 1, "g1", "c1"))

	rec := doRequest(t, h.server, request{
		method: http.MethodPost, path: "/v1/tenants/g1/servers/alpha/rotate",
		headers: owner, body: map[string]any{"currentToken": first},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rotated registerServerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, first, rotated.Token)

	assert.Equal(t, http.StatusUnauthorized, postEvents(t, h.server, first, map[string]any{"events": []any{}}).Code)
	assert.Equal(t, http.StatusOK, postEvents(t, h.server, rotated.Token, map[string]any{"events": []any{}}).Code)

	// Linked tenant admins may rotate without the current token.
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/tenants/g1/servers/alpha/rotate", headers: owner})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Admins of an unlinked tenant must prove the token.
	outsider := map[string]string{"Authorization": h.session("outsider")}
	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/tenants/g2/servers/alpha/rotate", headers: outsider})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "token_invalid", decodeError(t, rec)["code"])

	rec = doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/tenants/g1/servers/missing/rotate", headers: owner})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetupChannels(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.register("alpha")
	owner := map[string]string{"Authorization": h.session("owner")}

	rec := doRequest(t, h.server, request{method: http.MethodPost, path: "/v1/tenants/g1/servers/alpha/setup-channels", headers: owner})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	cfg, err := h.store.Link(context.Background(), 1, "g1")
	require.NoError(t, err)
	assert.Equal(t, "cat-1", cfg.CategoryID)
	assert.Equal(t, "chan-joined", cfg.DefaultChannel)
	assert.Equal(t, "chan-ended", cfg.EventChannels[relay.EventGameEnded])
}

func TestRoleManagementIsOwnerOnly(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	owner := map[string]string{"Authorization": h.session("owner")}
	mod := map[string]string{"Authorization": h.session("mod")}

	rec := doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/tenants/g1/roles/mods", headers: owner})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/tenants/g1/roles", headers: mod})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenantId":"g1","roles":["mods"]}`, rec.Body.String())

	rec = doRequest(t, h.server, request{method: http.MethodPut, path: "/v1/tenants/g1/roles/players", headers: mod})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h.server, request{method: http.MethodDelete, path: "/v1/tenants/g1/roles/mods", headers: owner})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/tenants/g1/roles", headers: mod})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMyTenants(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	h.register("alpha")
	require.NoError(t, h.store.SetDefaultChannel(context.Background(), 1, "g1", "c1"))

	rec := doRequest(t, h.server, request{
		method: http.MethodGet, path: "/v1/me/tenants",
		headers: map[string]string{"Authorization": h.session("player")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "token")

	var body struct {
		Tenants []tenantView `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tenants, 1)
	assert.Equal(t, "g1", body.Tenants[0].ID)
	assert.False(t, body.Tenants[0].Owner)
	require.Len(t, body.Tenants[0].Servers, 1)
	assert.Equal(t, "alpha", body.Tenants[0].Servers[0].Server.Label)
	assert.Equal(t, "c1", body.Tenants[0].Servers[0].Routing.DefaultChannel)
}

func TestMyTenantsSkipsUnreachableTenant(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	require.NoError(t, h.store.UpsertTenant(context.Background(), "g-unreachable", "owner"))

	rec := doRequest(t, h.server, request{
		method: http.MethodGet, path: "/v1/me/tenants",
		headers: map[string]string{"Authorization": h.session("owner")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Tenants []tenantView `json:"tenants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tenants, 1)
	assert.Equal(t, "g1", body.Tenants[0].ID)
	assert.True(t, body.Tenants[0].Owner)
}

func TestFeedStreamsDeliveries(t *testing.T) {
	h := newHarness(t, ServerConfig{})
	token := h.register("alpha")
	require.NoError(t, h.store.SetDefaultChannel(context.Background(), 1, "g1", "c1"))

	ts := httptest.NewServer(h.server)
	defer ts.Close()

	rec := doRequest(t, h.server, request{method: http.MethodGet, path: "/v1/tenants/g1/feed", headers: map[string]string{"Authorization": h.session("stranger")}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	session, err := IssueSessionToken(testSecret, "player", "player", time.Hour)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tenants/g1/feed?access_token=" + session
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return h.hub.Subscribers("g1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, postEvents(t, h.server, token, map[string]any{"events": []any{gameStarted}}).Code)

	var got relay.DeliveryOutcome
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "alpha", got.Server)
	assert.Equal(t, "c1", got.ChannelID)
	assert.Equal(t, "Game started.", got.Content)
}
