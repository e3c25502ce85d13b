package opshub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseProgress  Phase = "progress"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Event is the canonical internal shape every push-channel frame is
// normalized into before it reaches the store. Status is empty when the
// frame carried none; the store treats such events as merge-only and never
// downgrades a terminal record from them.
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Phase         Phase          `json:"phase"`
	Status        Status         `json:"status,omitempty"`
	Discriminator string         `json:"discriminator,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	Message       string         `json:"message,omitempty"`
	DetailMessage string         `json:"detailMessage,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	ReceivedAt    time.Time      `json:"receivedAt,omitempty"`
}

// HubFrame is the raw shape emitted by the push channel:
// {"eventType":"<Kind>Started|Progress|Complete","payload":{...}}.
type HubFrame struct {
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
}

var kindsByEventPrefix = map[string]Kind{
	"CacheClear":       KindCacheClearing,
	"ServiceRemove":    KindServiceRemoval,
	"DepotMapping":     KindDepotMapping,
	"LogRemove":        KindLogRemoval,
	"CorruptionDetect": KindCorruptionDetection,
	"CorruptionRemove": KindCorruptionRemoval,
	"GameRemove":       KindGameRemoval,
	// Game-cache detection is a short synchronous operation upstream; its
	// events carry no dedicated notification kind.
	"GameDetect": KindGeneric,
}

// Payload keys lifted into typed fields. Everything else stays in Details.
var liftedPayloadKeys = map[string]bool{
	"id":              true,
	"message":         true,
	"detailMessage":   true,
	"error":           true,
	"errorMessage":    true,
	"percentComplete": true,
	"progress":        true,
	"status":          true,
	"success":         true,
}

// ParseHubFrame normalizes a raw push-channel frame into a canonical Event.
// Frames that cannot yield a stable identity are rejected with
// ErrInvalidInput; the caller drops them with a diagnostic log.
func ParseHubFrame(frame HubFrame) (Event, error) {
	eventType := strings.TrimSpace(frame.EventType)
	if eventType == "" {
		return Event{}, fmt.Errorf("%w: missing eventType", ErrInvalidInput)
	}

	var phase Phase
	var prefix string
	switch {
	case strings.HasSuffix(eventType, "Started"):
		phase = PhaseStarted
		prefix = strings.TrimSuffix(eventType, "Started")
	case strings.HasSuffix(eventType, "Progress"):
		phase = PhaseProgress
		prefix = strings.TrimSuffix(eventType, "Progress")
	case strings.HasSuffix(eventType, "Complete"):
		phase = PhaseCompleted
		prefix = strings.TrimSuffix(eventType, "Complete")
	case strings.HasSuffix(eventType, "Failed"):
		phase = PhaseFailed
		prefix = strings.TrimSuffix(eventType, "Failed")
	default:
		return Event{}, fmt.Errorf("%w: unrecognized eventType %q", ErrInvalidInput, eventType)
	}

	kind, ok := kindsByEventPrefix[prefix]
	if !ok {
		kind = KindGeneric
	}

	payload := frame.Payload
	discriminator := payloadString(payload, "service")
	if discriminator == "" {
		discriminator = payloadString(payload, "datasource")
	}

	id := payloadString(payload, "id")
	if id == "" {
		if kind == KindGeneric && payloadString(payload, "operationId") == "" {
			return Event{}, fmt.Errorf("%w: frame %q has no identity", ErrInvalidInput, eventType)
		}
		id = NotificationID(kind, discriminator)
	}

	ev := Event{
		ID:            id,
		Kind:          kind,
		Phase:         phase,
		Discriminator: discriminator,
		Message:       payloadString(payload, "message"),
		DetailMessage: payloadString(payload, "detailMessage"),
		ReceivedAt:    time.Now().UTC(),
	}

	if errText := payloadString(payload, "error"); errText != "" {
		ev.Error = errText
	} else if errText := payloadString(payload, "errorMessage"); errText != "" {
		ev.Error = errText
	}

	if progress, ok := payloadFloat(payload, "percentComplete"); ok {
		ev.Progress = &progress
	} else if progress, ok := payloadFloat(payload, "progress"); ok {
		ev.Progress = &progress
	}

	switch phase {
	case PhaseStarted:
		ev.Status = StatusRunning
	case PhaseProgress:
		// Progress frames carry no status of their own; the store must not
		// downgrade a terminal record from them.
		if raw := payloadString(payload, "status"); raw != "" {
			if status := Status(raw); status.Valid() {
				ev.Status = status
			}
		}
	case PhaseCompleted:
		ev.Status = completionStatus(payload)
		if ev.Status == StatusFailed {
			ev.Phase = PhaseFailed
		}
	case PhaseFailed:
		ev.Status = StatusFailed
	}

	for key, value := range payload {
		if liftedPayloadKeys[key] {
			continue
		}
		if ev.Details == nil {
			ev.Details = map[string]any{}
		}
		ev.Details[key] = value
	}

	return ev, nil
}

func completionStatus(payload map[string]any) Status {
	if raw := payloadString(payload, "status"); raw != "" {
		if status := Status(raw); status.Terminal() {
			return status
		}
	}
	if success, ok := payload["success"].(bool); ok && !success {
		return StatusFailed
	}
	return StatusCompleted
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch typed := payload[key].(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		value, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}
