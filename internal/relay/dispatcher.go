package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Gateway delivers a rendered message to one channel. Errors are
// *DeliveryError values; a Gateway makes a single attempt.
type Gateway interface {
	Send(ctx context.Context, channelID, content string) error
}

// DeliveryOutcome describes one send attempt.
type DeliveryOutcome struct {
	Server    string    `json:"server"`
	TenantID  string    `json:"tenantId"`
	EventType EventType `json:"eventType"`
	ChannelID string    `json:"channelId"`
	Content   string    `json:"content"`
	Error     string    `json:"error,omitempty"`
	Code      string    `json:"code,omitempty"`
	At        time.Time `json:"at"`
}

// Observer is told about every normalized event and every delivery.
type Observer interface {
	EventNormalized(eventType EventType, err error)
	Delivered(outcome DeliveryOutcome)
}

type DeliveryFailure struct {
	TenantID  string
	ChannelID string
	Code      string
	Err       error
}

type DispatchResult struct {
	Delivered int
	Failures  []DeliveryFailure
}

type BatchError struct {
	Index     int    `json:"index"`
	EventType string `json:"eventType,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
	ChannelID string `json:"channelId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// BatchSummary is the ingestion response body.
type BatchSummary struct {
	Received   int          `json:"received"`
	Recognized int          `json:"recognized"`
	Handled    int          `json:"handled"`
	Errors     []BatchError `json:"errors,omitempty"`
}

type Dispatcher struct {
	router    *Router
	gateway   Gateway
	observers []Observer
	now       func() time.Time
}

func NewDispatcher(router *Router, gateway Gateway, observers ...Observer) *Dispatcher {
	return &Dispatcher{
		router:    router,
		gateway:   gateway,
		observers: observers,
		now:       time.Now,
	}
}

// Dispatch sends ev once to every tenant of id that has a channel for it.
// Tenants without a channel are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, id Identity) DispatchResult {
	var result DispatchResult
	content := ev.Render()
	for _, tenantID := range id.Tenants {
		channelID, ok, err := d.router.GetChannel(ctx, id.Server.ID, tenantID, ev.Type)
		if err != nil {
			log.Error().Err(err).
				Str("server", id.Server.Label).
				Str("tenant", tenantID).
				Str("eventType", string(ev.Type)).
				Msg("resolve channel")
			result.Failures = append(result.Failures, DeliveryFailure{
				TenantID: tenantID,
				Code:     "routing_failed",
				Err:      errors.New("could not resolve channel"),
			})
			continue
		}
		if !ok {
			log.Debug().
				Str("server", id.Server.Label).
				Str("tenant", tenantID).
				Str("eventType", string(ev.Type)).
				Msg("no channel configured, skipping")
			continue
		}

		outcome := DeliveryOutcome{
			Server:    id.Server.Label,
			TenantID:  tenantID,
			EventType: ev.Type,
			ChannelID: channelID,
			Content:   content,
			At:        d.now().UTC(),
		}
		if err := d.gateway.Send(ctx, channelID, content); err != nil {
			code := deliveryErrorCode(err)
			log.Warn().Err(err).
				Str("server", id.Server.Label).
				Str("tenant", tenantID).
				Str("channel", channelID).
				Str("code", code).
				Msg("delivery failed")
			outcome.Error = err.Error()
			outcome.Code = code
			result.Failures = append(result.Failures, DeliveryFailure{
				TenantID:  tenantID,
				ChannelID: channelID,
				Code:      code,
				Err:       err,
			})
		} else {
			result.Delivered++
		}
		d.notifyDelivered(outcome)
	}
	return result
}

// ProcessBatch normalizes and dispatches events in order. Per-event problems
// are collected in the summary; they never abort the batch.
func (d *Dispatcher) ProcessBatch(ctx context.Context, id Identity, events []json.RawMessage) BatchSummary {
	summary := BatchSummary{Received: len(events)}
	for i, raw := range events {
		ev, err := NormalizeEvent(raw)
		if errors.Is(err, ErrUnrecognizedEventType) {
			log.Warn().Err(err).Str("server", id.Server.Label).Int("index", i).Msg("unrecognized event")
			d.notifyNormalized("", err)
			continue
		}
		summary.Recognized++
		if err != nil {
			var shapeErr *ShapeError
			eventType := ""
			if errors.As(err, &shapeErr) {
				eventType = string(shapeErr.Type)
			}
			log.Warn().Err(err).Str("server", id.Server.Label).Int("index", i).Msg("invalid event payload")
			summary.Errors = append(summary.Errors, BatchError{
				Index:     i,
				EventType: eventType,
				Code:      "invalid_event",
				Message:   err.Error(),
			})
			d.notifyNormalized(EventType(eventType), err)
			continue
		}
		d.notifyNormalized(ev.Type, nil)

		log.Info().
			Str("server", id.Server.Label).
			Str("eventType", string(ev.Type)).
			Str("title", ev.Title).
			Int64("timestamp", ev.Timestamp).
			Msg("event received")

		result := d.Dispatch(ctx, ev, id)
		summary.Handled += result.Delivered
		for _, failure := range result.Failures {
			msg := "delivery failed"
			if failure.Err != nil {
				msg = failure.Err.Error()
			}
			summary.Errors = append(summary.Errors, BatchError{
				Index:     i,
				EventType: string(ev.Type),
				TenantID:  failure.TenantID,
				ChannelID: failure.ChannelID,
				Code:      failure.Code,
				Message:   msg,
			})
		}
	}
	return summary
}

func (d *Dispatcher) notifyNormalized(eventType EventType, err error) {
	for _, o := range d.observers {
		o.EventNormalized(eventType, err)
	}
}

func (d *Dispatcher) notifyDelivered(outcome DeliveryOutcome) {
	for _, o := range d.observers {
		o.Delivered(outcome)
	}
}
