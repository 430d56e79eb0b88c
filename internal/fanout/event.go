package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fpang/ward-safety/internal/store"
)

// Kind is the wire "type" of a broadcast event.
type Kind string

const (
	KindAccident           Kind = "ACCIDENT"
	KindAccidentResolved   Kind = "ACCIDENT_RESOLVED"
	KindEnvAlert           Kind = "ENV_ALERT"
	KindAIFallDetection    Kind = "AI_FALL_DETECTION"
	KindMonitoringSettings Kind = "MONITORING_SETTINGS_CHANGED"
	KindNewMessage         Kind = "NEW_MESSAGE"
)

// Kinds lists every event kind clients may receive.
var Kinds = []Kind{
	KindAccident, KindAccidentResolved, KindEnvAlert,
	KindAIFallDetection, KindMonitoringSettings, KindNewMessage,
}

// AccidentPayload is the data for ACCIDENT and ACCIDENT_RESOLVED.
type AccidentPayload struct {
	Accident    store.Accident `json:"accident"`
	PatientName string         `json:"patientName,omitempty"`
	RoomName    string         `json:"roomName,omitempty"`
}

// FallDetectionPayload is the data for AI_FALL_DETECTION.
type FallDetectionPayload struct {
	Accident    store.Accident `json:"accident"`
	RoomID      int64          `json:"roomId"`
	RoomName    string         `json:"roomName"`
	PatientID   int64          `json:"patientId"`
	PatientName string         `json:"patientName"`
	Confidence  *float64       `json:"confidence,omitempty"`
	DetectedAt  time.Time      `json:"detectedAt"`
}

// EnvAlertPayload is the data for ENV_ALERT.
type EnvAlertPayload struct {
	RoomID   int64     `json:"roomId"`
	RoomName string    `json:"roomName,omitempty"`
	Metric   string    `json:"metric"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit"`
	Bound    string    `json:"bound"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

// Event is one broadcast message. It can only be built through the
// New*Event constructors, so every event carries the payload type that
// belongs to its kind.
type Event struct {
	kind Kind
	data any
}

// Kind returns the event's wire type.
func (e Event) Kind() Kind { return e.kind }

// Data returns the typed payload.
func (e Event) Data() any { return e.data }

// NewAccidentEvent builds an ACCIDENT event for a staff-reported accident.
func NewAccidentEvent(p AccidentPayload) Event {
	return Event{kind: KindAccident, data: p}
}

// NewAccidentResolvedEvent builds an ACCIDENT_RESOLVED event.
func NewAccidentResolvedEvent(p AccidentPayload) Event {
	return Event{kind: KindAccidentResolved, data: p}
}

// NewFallDetectionEvent builds an AI_FALL_DETECTION event for a device-reported fall.
func NewFallDetectionEvent(p FallDetectionPayload) Event {
	return Event{kind: KindAIFallDetection, data: p}
}

// NewEnvAlertEvent builds an ENV_ALERT event.
func NewEnvAlertEvent(p EnvAlertPayload) Event {
	return Event{kind: KindEnvAlert, data: p}
}

// NewMonitoringSettingsEvent builds a MONITORING_SETTINGS_CHANGED event.
func NewMonitoringSettingsEvent(s store.MonitoringSettings) Event {
	return Event{kind: KindMonitoringSettings, data: s}
}

// NewMessageEvent builds a NEW_MESSAGE event.
func NewMessageEvent(m store.Message) Event {
	return Event{kind: KindNewMessage, data: m}
}

type wireEvent struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {"type": ..., "data": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.kind == "" {
		return nil, fmt.Errorf("fanout: zero Event")
	}
	data, err := json.Marshal(e.data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.kind, err)
	}
	return json.Marshal(wireEvent{Type: e.kind, Data: data})
}

// DecodeEvent parses a wire message back into a typed event. Unknown
// types are rejected.
func DecodeEvent(b []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	var target any
	switch w.Type {
	case KindAccident, KindAccidentResolved:
		target = &AccidentPayload{}
	case KindAIFallDetection:
		target = &FallDetectionPayload{}
	case KindEnvAlert:
		target = &EnvAlertPayload{}
	case KindMonitoringSettings:
		target = &store.MonitoringSettings{}
	case KindNewMessage:
		target = &store.Message{}
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
	if err := json.Unmarshal(w.Data, target); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", w.Type, err)
	}

	var data any
	switch v := target.(type) {
	case *AccidentPayload:
		data = *v
	case *FallDetectionPayload:
		data = *v
	case *EnvAlertPayload:
		data = *v
	case *store.MonitoringSettings:
		data = *v
	case *store.Message:
		data = *v
	}
	return Event{kind: w.Type, data: data}, nil
}
