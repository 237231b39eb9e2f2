// Package feed streams delivery outcomes to dashboard viewers of a tenant.
package feed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/eventrelay/internal/relay"
)

const (
	defaultBuffer = 64
	writeTimeout  = 5 * time.Second
)

type subscriber struct {
	ch chan relay.DeliveryOutcome
}

// Hub fans delivery outcomes out per tenant. Subscribers that fall behind
// lose messages instead of slowing the dispatcher.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: map[string]map[*subscriber]struct{}{}, buffer: buffer}
}

// Subscribe returns a channel of outcomes for tenantID and a func that
// unsubscribes and closes it.
func (h *Hub) Subscribe(tenantID string) (<-chan relay.DeliveryOutcome, func()) {
	sub := &subscriber{ch: make(chan relay.DeliveryOutcome, h.buffer)}
	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = map[*subscriber]struct{}{}
	}
	h.subs[tenantID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenantID], sub)
			if len(h.subs[tenantID]) == 0 {
				delete(h.subs, tenantID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Subscribers(tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tenantID])
}

func (h *Hub) EventNormalized(relay.EventType, error) {}

func (h *Hub) Delivered(outcome relay.DeliveryOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[outcome.TenantID] {
		select {
		case sub.ch <- outcome:
		default:
		}
	}
}

// ServeTenant upgrades the request to a websocket and streams tenantID's
// outcomes as JSON until the client goes away.
func (h *Hub) ServeTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("feed upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := conn.CloseRead(r.Context())
	outcomes, unsubscribe := h.Subscribe(tenantID)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case outcome, ok := <-outcomes:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, outcome); err != nil {
				log.Debug().Err(err).Str("tenant", tenantID).Msg("feed write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, outcome relay.DeliveryOutcome) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, outcome)
}
