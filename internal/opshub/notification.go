package opshub

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrQueueFull      = errors.New("queue full")
	ErrDispatchBusy   = errors.New("dispatch already in flight")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

type Kind string

const (
	KindCacheClearing       Kind = "cache_clearing"
	KindServiceRemoval      Kind = "service_removal"
	KindDepotMapping        Kind = "depot_mapping"
	KindLogRemoval          Kind = "log_removal"
	KindCorruptionDetection Kind = "corruption_detection"
	KindCorruptionRemoval   Kind = "corruption_removal"
	KindGameRemoval         Kind = "game_removal"
	KindGeneric             Kind = "generic"
)

var knownKinds = map[Kind]bool{
	KindCacheClearing:       true,
	KindServiceRemoval:      true,
	KindDepotMapping:        true,
	KindLogRemoval:          true,
	KindCorruptionDetection: true,
	KindCorruptionRemoval:   true,
	KindGameRemoval:         true,
	KindGeneric:             true,
}

// Kinds whose running state blocks other removal-class operations.
var removalKinds = map[Kind]bool{
	KindLogRemoval:        true,
	KindCorruptionRemoval: true,
	KindServiceRemoval:    true,
}

func ParseKind(raw string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	return kind, knownKinds[kind]
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusRunning || s == StatusCompleted || s == StatusFailed
}

// NotificationID builds the stable identity for an operation-scoped
// notification. A fresh Started event for the same kind and discriminator
// yields the same id and therefore replaces rather than duplicates.
func NotificationID(kind Kind, discriminator string) string {
	discriminator = strings.TrimSpace(discriminator)
	if discriminator == "" {
		discriminator = "all"
	}
	return string(kind) + "-" + discriminator
}

type Notification struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Status        Status         `json:"status"`
	Discriminator string         `json:"discriminator,omitempty"`
	Message       string         `json:"message,omitempty"`
	DetailMessage string         `json:"detailMessage,omitempty"`
	Error         string         `json:"error,omitempty"`
	Progress      *float64       `json:"progress,omitempty"`
	PeakProgress  float64        `json:"peakProgress,omitempty"`
	Cancelling    bool           `json:"cancelling,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	TerminalAt    *time.Time     `json:"terminalAt,omitempty"`

	// archived tracks whether the terminal record has been handed to the
	// history backend; never serialized.
	archived bool
}

func (n Notification) Clone() Notification {
	out := n
	if n.Progress != nil {
		p := *n.Progress
		out.Progress = &p
	}
	if n.TerminalAt != nil {
		t := *n.TerminalAt
		out.TerminalAt = &t
	}
	if n.Details != nil {
		details := make(map[string]any, len(n.Details))
		for k, v := range n.Details {
			details[k] = v
		}
		out.Details = details
	}
	return out
}

// OperationID returns the backend operation id carried in the details bag,
// if any. Operation ids are assigned by the backend processors and are the
// handle cancel and force-kill commands act on.
func (n Notification) OperationID() string {
	if n.Details == nil {
		return ""
	}
	opID, _ := n.Details["operationId"].(string)
	return opID
}
