package opshub

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryRecord is the archived form of a terminal notification.
type HistoryRecord struct {
	NotificationID string         `json:"notificationId"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status"`
	Discriminator  string         `json:"discriminator,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Progress       float64        `json:"progress,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	EndedAt        time.Time      `json:"endedAt"`
}

func historyRecordFrom(n Notification) HistoryRecord {
	rec := HistoryRecord{
		NotificationID: n.ID,
		Kind:           n.Kind,
		Status:         n.Status,
		Discriminator:  n.Discriminator,
		Message:        n.Message,
		Error:          n.Error,
		CreatedAt:      n.CreatedAt,
	}
	if n.Progress != nil {
		rec.Progress = *n.Progress
	}
	if n.TerminalAt != nil {
		rec.EndedAt = *n.TerminalAt
	} else {
		rec.EndedAt = n.UpdatedAt
	}
	if len(n.Details) > 0 {
		details := make(map[string]any, len(n.Details))
		for k, v := range n.Details {
			details[k] = v
		}
		rec.Details = details
	}
	return rec
}

type HistoryBackend interface {
	Append(rec HistoryRecord) error
	Recent(limit int) ([]HistoryRecord, error)
	Close() error
}

type InMemoryHistoryBackend struct {
	mu      sync.Mutex
	maxSize int
	records []HistoryRecord
}

func NewInMemoryHistoryBackend(maxSize int) *InMemoryHistoryBackend {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &InMemoryHistoryBackend{maxSize: maxSize}
}

func (b *InMemoryHistoryBackend) Append(rec HistoryRecord) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) > b.maxSize {
		b.records = append([]HistoryRecord(nil), b.records[len(b.records)-b.maxSize:]...)
	}
	return nil
}

func (b *InMemoryHistoryBackend) Recent(limit int) ([]HistoryRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return recentOf(b.records, limit), nil
}

func (b *InMemoryHistoryBackend) Close() error {
	return nil
}

type JSONFileHistoryBackend struct {
	path    string
	maxSize int
	mu      sync.Mutex
	records []HistoryRecord
}

type historyFileState struct {
	Records []HistoryRecord `json:"records"`
}

func NewJSONFileHistoryBackend(path string, maxSize int) (*JSONFileHistoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	b := &JSONFileHistoryBackend{path: path, maxSize: maxSize}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *JSONFileHistoryBackend) Append(rec HistoryRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) > b.maxSize {
		b.records = append([]HistoryRecord(nil), b.records[len(b.records)-b.maxSize:]...)
	}
	return b.saveLocked()
}

func (b *JSONFileHistoryBackend) Recent(limit int) ([]HistoryRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return recentOf(b.records, limit), nil
}

func (b *JSONFileHistoryBackend) Close() error {
	return nil
}

func (b *JSONFileHistoryBackend) load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot historyFileState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Records) > b.maxSize {
		snapshot.Records = snapshot.Records[len(snapshot.Records)-b.maxSize:]
	}
	b.records = append([]HistoryRecord(nil), snapshot.Records...)
	return nil
}

func (b *JSONFileHistoryBackend) saveLocked() error {
	snapshot := historyFileState{Records: append([]HistoryRecord(nil), b.records...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// recentOf returns up to limit records, newest first.
func recentOf(records []HistoryRecord, limit int) []HistoryRecord {
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	out := make([]HistoryRecord, 0, limit)
	for i := len(records) - 1; i >= len(records)-limit; i-- {
		out = append(out, records[i])
	}
	return out
}
