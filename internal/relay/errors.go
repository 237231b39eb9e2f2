package relay

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("conflict")
	ErrNotImplemented        = errors.New("not implemented")
	ErrMalformedBatch        = errors.New("malformed batch")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrTokenRequired         = errors.New("token required")
	ErrTokenInvalid          = errors.New("token invalid")
	ErrUnrecognizedEventType = errors.New("unrecognized event type")
	ErrEventShapeInvalid     = errors.New("event shape invalid")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrChannelNotFound       = errors.New("channel not found")
	ErrTransport             = errors.New("transport error")
)

// ShapeError reports a recognized event whose payload does not match its type.
type ShapeError struct {
	Type  EventType
	Field string
	Issue string
}

func (e *ShapeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Type.Short(), e.Issue)
	}
	return fmt.Sprintf("invalid %s payload: %s %s", e.Type.Short(), e.Field, e.Issue)
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrEventShapeInvalid
}

// DeliveryError classifies a failed send. Kind is one of ErrPermissionDenied,
// ErrChannelNotFound or ErrTransport.
type DeliveryError struct {
	Kind      error
	ChannelID string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("deliver to channel %s: %v", e.ChannelID, e.Kind)
	}
	return fmt.Sprintf("deliver to channel %s: %v: %v", e.ChannelID, e.Kind, e.Err)
}

func (e *DeliveryError) Is(target error) bool {
	return target == e.Kind
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// deliveryErrorCode maps a send failure to the short code reported to callers.
func deliveryErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrChannelNotFound):
		return "channel_not_found"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "delivery_failed"
	}
}
