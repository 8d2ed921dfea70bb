// Package journal persists the append-only order event record: one JSON
// object per line, consumed externally for audit and idempotent-duplicate
// detection.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventTypeOrderSubmitted marks a successfully submitted order.
const EventTypeOrderSubmitted = "OrderSubmitted"

// OrderSubmittedEvent is the event record appended per submitted order.
type OrderSubmittedEvent struct {
	Type            string          `json:"type"`
	InternalOrderID string          `json:"internalOrderId"`
	Venue           string          `json:"venue"`
	VenueOrderID    string          `json:"venueOrderId"`
	IdempotencyKey  string          `json:"idempotencyKey"`
	ClientOrderID   string          `json:"clientOrderId,omitempty"`
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Side            string          `json:"side"`
	OrderType       string          `json:"orderType"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Journal appends events to a JSONL file. Appends are serialized and
// synced so the record survives a crash of the coordinating process.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// Open creates or opens the journal file in append mode.
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	return &Journal{path: path, file: file, logger: logger}, nil
}

// Append writes one event line and syncs it to disk.
func (j *Journal) Append(event OrderSubmittedEvent) error {
	if event.Type == "" {
		event.Type = EventTypeOrderSubmitted
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	return nil
}

// FindByIdempotencyKey scans the journal for an OrderSubmitted event with
// the given idempotency key. Returns nil when no match exists.
func (j *Journal) FindByIdempotencyKey(key string) (*OrderSubmittedEvent, error) {
	if key == "" {
		return nil, nil
	}
	var found *OrderSubmittedEvent
	err := j.Replay(func(event OrderSubmittedEvent) error {
		if event.Type == EventTypeOrderSubmitted && event.IdempotencyKey == key {
			copied := event
			found = &copied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Replay streams every event through the handler in append order.
// Malformed lines are logged and skipped.
func (j *Journal) Replay(handler func(OrderSubmittedEvent) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event OrderSubmittedEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			j.logger.Warn("skipping malformed journal line", zap.Error(err))
			continue
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
