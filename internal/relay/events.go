package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// EventType is the closed set of gameplay events the relay forwards.
type EventType string

const (
	EventAdminAction  EventType = "serveradmintools_admin_action"
	EventBaseCaptured EventType = "serveradmintools_conflict_base_captured"
	EventGameEnded    EventType = "serveradmintools_game_ended"
	EventGameStarted  EventType = "serveradmintools_game_started"
	EventPlayerJoined EventType = "serveradmintools_player_joined"
	EventPlayerKilled EventType = "serveradmintools_player_killed"
	EventServerFPSLow EventType = "serveradmintools_server_fps_low"
	EventVoteEnded    EventType = "serveradmintools_vote_ended"
	EventVoteStarted  EventType = "serveradmintools_vote_started"
)

const eventNamePrefix = "serveradmintools_"

// EventTypes lists every recognized type in a stable order.
var EventTypes = []EventType{
	EventAdminAction,
	EventBaseCaptured,
	EventGameEnded,
	EventGameStarted,
	EventPlayerJoined,
	EventPlayerKilled,
	EventServerFPSLow,
	EventVoteEnded,
	EventVoteStarted,
}

// ParseEventType accepts the full wire name or the name without the
// serveradmintools_ prefix.
func ParseEventType(name string) (EventType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnrecognizedEventType)
	}
	if !strings.HasPrefix(name, eventNamePrefix) {
		name = eventNamePrefix + name
	}
	candidate := EventType(name)
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnrecognizedEventType, name)
	}
	return candidate, nil
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Short returns the type name without the wire prefix, e.g. "player_joined".
func (t EventType) Short() string {
	return strings.TrimPrefix(string(t), eventNamePrefix)
}

// Event is a recognized, shape-checked gameplay event.
type Event struct {
	Type      EventType
	Title     string
	Timestamp int64
	Payload   Payload
}

// Render produces the chat message for the event.
func (e Event) Render() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Render()
}

// Payload is implemented by one struct per EventType.
type Payload interface {
	EventType() EventType
	Render() string
}

type PlayerJoined struct {
	Player   string `json:"player"`
	Identity string `json:"identity"`
	PlayerID int64  `json:"playerId"`
}

func (PlayerJoined) EventType() EventType { return EventPlayerJoined }

func (p PlayerJoined) Render() string {
	return fmt.Sprintf("🟢 Player joined: **%s** (id: %d, identity: %s)", p.Player, p.PlayerID, p.Identity)
}

type PlayerKilled struct {
	Player     string `json:"player"`
	Instigator string `json:"instigator"`
	Friendly   bool   `json:"friendly"`
}

func (PlayerKilled) EventType() EventType { return EventPlayerKilled }

func (p PlayerKilled) Render() string {
	ff := ""
	if p.Friendly {
		ff = " (friendly fire)"
	}
	return fmt.Sprintf("Player **%s** killed by **%s**%s", p.Player, p.Instigator, ff)
}

type GameStarted struct{}

func (GameStarted) EventType() EventType { return EventGameStarted }

func (GameStarted) Render() string { return "Game started." }

type GameEnded struct {
	Reason string `json:"reason"`
	Winner string `json:"winner,omitempty"`
}

func (GameEnded) EventType() EventType { return EventGameEnded }

func (p GameEnded) Render() string {
	if p.Winner == "" {
		return fmt.Sprintf("Game ended. Reason: %s.", p.Reason)
	}
	return fmt.Sprintf("Game ended. Reason: %s. Winner: %s.", p.Reason, p.Winner)
}

type VoteStarted struct {
	VoteType  string `json:"type"`
	Initiator string `json:"initiator"`
	Target    string `json:"target,omitempty"`
}

func (VoteStarted) EventType() EventType { return EventVoteStarted }

func (p VoteStarted) Render() string {
	return fmt.Sprintf("Vote started: **%s** by **%s**%s", p.VoteType, p.Initiator, voteTarget(p.Target))
}

type VoteEnded struct {
	VoteType string `json:"type"`
	Winner   string `json:"winner"`
	Target   string `json:"target,omitempty"`
}

func (VoteEnded) EventType() EventType { return EventVoteEnded }

func (p VoteEnded) Render() string {
	result := fmt.Sprintf("won by **%s**", p.Winner)
	if p.Winner == "failed" {
		result = "failed"
	}
	return fmt.Sprintf("Vote ended: **%s** %s%s", p.VoteType, result, voteTarget(p.Target))
}

func voteTarget(target string) string {
	if target == "" {
		return ""
	}
	return fmt.Sprintf(" on **%s**", target)
}

type ServerFPSLow struct {
	FPS          float64 `json:"fps"`
	Players      int64   `json:"players"`
	AICharacters int64   `json:"ai_characters"`
}

func (ServerFPSLow) EventType() EventType { return EventServerFPSLow }

func (p ServerFPSLow) Render() string {
	return fmt.Sprintf("Server FPS low: **%.1f** (players: %d, ai: %d)", p.FPS, p.Players, p.AICharacters)
}

type AdminAction struct {
	Player string `json:"player"`
	Admin  string `json:"admin"`
	Action string `json:"action"`
}

func (AdminAction) EventType() EventType { return EventAdminAction }

func (p AdminAction) Render() string {
	return fmt.Sprintf("Admin action: **%s** %s **%s**", p.Admin, p.Action, p.Player)
}

type BaseCaptured struct {
	Faction string `json:"faction"`
	Base    string `json:"base"`
}

func (BaseCaptured) EventType() EventType { return EventBaseCaptured }

func (p BaseCaptured) Render() string {
	return fmt.Sprintf("🏳️ Base captured: %s by %s", p.Base, p.Faction)
}

type wireEvent struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// NormalizeEvent converts one raw batch entry into a typed Event. It returns
// an error matching ErrUnrecognizedEventType when the entry does not name a
// known type, and a *ShapeError when the payload does not fit the type.
func NormalizeEvent(raw json.RawMessage) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Event{}, fmt.Errorf("%w: entry is not an event object", ErrUnrecognizedEventType)
	}
	name := wire.Name
	if strings.TrimSpace(name) == "" {
		name = wire.Type
	}
	eventType, err := ParseEventType(name)
	if err != nil {
		return Event{}, err
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Event{}, &ShapeError{Type: eventType, Field: "timestamp", Issue: err.Error()}
	}
	fields, err := decodeFields(eventType, wire.Data)
	if err != nil {
		return Event{}, err
	}
	payload, err := buildPayload(eventType, fields)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Title:     wire.Title,
		Timestamp: ts,
		Payload:   payload,
	}, nil
}

func buildPayload(t EventType, f payloadFields) (Payload, error) {
	switch t {
	case EventPlayerJoined:
		var p PlayerJoined
		err := f.each(
			f.requireString("player", &p.Player),
			f.requireString("identity", &p.Identity),
			f.requireInt("playerId", &p.PlayerID),
		)
		return p, err
	case EventPlayerKilled:
		var p PlayerKilled
		err := f.each(
			f.requireString("player", &p.Player),
			f.requireString("instigator", &p.Instigator),
			f.requireFlag("friendly", &p.Friendly),
		)
		return p, err
	case EventGameStarted:
		return GameStarted{}, nil
	case EventGameEnded:
		var p GameEnded
		err := f.each(
			f.requireString("reason", &p.Reason),
			f.optionalString("winner", &p.Winner),
		)
		return p, err
	case EventVoteStarted:
		var p VoteStarted
		err := f.each(
			f.requireString("type", &p.VoteType),
			f.requireString("initiator", &p.Initiator),
			f.optionalString("target", &p.Target),
		)
		return p, err
	case EventVoteEnded:
		var p VoteEnded
		err := f.each(
			f.requireString("type", &p.VoteType),
			f.requireString("winner", &p.Winner),
			f.optionalString("target", &p.Target),
		)
		return p, err
	case EventServerFPSLow:
		var p ServerFPSLow
		err := f.each(
			f.requireNumber("fps", &p.FPS),
			f.requireInt("players", &p.Players),
			f.requireInt("ai_characters", &p.AICharacters),
		)
		return p, err
	case EventAdminAction:
		var p AdminAction
		err := f.each(
			f.requireString("player", &p.Player),
			f.requireString("admin", &p.Admin),
			f.requireString("action", &p.Action),
		)
		return p, err
	case EventBaseCaptured:
		var p BaseCaptured
		err := f.each(
			f.requireString("faction", &p.Faction),
			f.requireString("base", &p.Base),
		)
		return p, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnrecognizedEventType, t)
}

// payloadFields holds an event's data object decoded with json.Number so
// integers survive intact.
type payloadFields struct {
	eventType EventType
	values    map[string]any
}

func decodeFields(t EventType, data json.RawMessage) (payloadFields, error) {
	f := payloadFields{eventType: t, values: map[string]any{}}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return f, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&f.values); err != nil {
		return f, &ShapeError{Type: t, Field: "data", Issue: "must be an object"}
	}
	return f, nil
}

// each returns the first failure among already-evaluated checks.
func (f payloadFields) each(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (f payloadFields) fail(field, issue string) error {
	return &ShapeError{Type: f.eventType, Field: field, Issue: issue}
}

func (f payloadFields) requireString(key string, dst *string) error {
	s, ok := f.values[key].(string)
	if !ok || s == "" {
		return f.fail(key, "must be a non-empty string")
	}
	*dst = s
	return nil
}

func (f payloadFields) optionalString(key string, dst *string) error {
	v, present := f.values[key]
	if !present || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return f.fail(key, "must be a string")
	}
	*dst = s
	return nil
}

func (f payloadFields) requireNumber(key string, dst *float64) error {
	n, ok := f.values[key].(json.Number)
	if !ok {
		return f.fail(key, "must be a number")
	}
	v, err := n.Float64()
	if err != nil {
		return f.fail(key, "must be a number")
	}
	*dst = v
	return nil
}

func (f payloadFields) requireInt(key string, dst *int64) error {
	n, ok := f.values[key].(json.Number)
	if !ok {
		return f.fail(key, "must be an integer")
	}
	v, ok := numberToInt64(n)
	if !ok {
		return f.fail(key, "must be an integer within 64-bit range")
	}
	*dst = v
	return nil
}

// numberToInt64 accepts integral numbers, including exponent forms like 1e3,
// that fit in an int64.
func numberToInt64(n json.Number) (int64, bool) {
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	v, err := n.Float64()
	if err != nil || v != math.Trunc(v) || v < -(1<<63) || v >= 1<<63 {
		return 0, false
	}
	return int64(v), true
}

// requireFlag accepts a boolean or a number, where any non-zero number is true.
func (f payloadFields) requireFlag(key string, dst *bool) error {
	switch v := f.values[key].(type) {
	case bool:
		*dst = v
		return nil
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return f.fail(key, "must be a boolean or number")
		}
		*dst = n != 0
		return nil
	default:
		return f.fail(key, "must be a boolean or number")
	}
}

func parseTimestamp(raw json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	v, ok := numberToInt64(n)
	if !ok {
		return 0, fmt.Errorf("must be an integer within 64-bit range")
	}
	return v, nil
}
