package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// EventRecord is the GORM model for a persisted telemetry event.
type EventRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement;column:id"`
	Kind       string    `gorm:"column:kind;not null;default:event"`
	Name       string    `gorm:"column:name;index:idx_telemetry_name;not null"`
	Properties string    `gorm:"column:properties;type:text"`
	DurationMs int64     `gorm:"column:duration_ms"`
	Success    bool      `gorm:"column:success"`
	RecordedAt time.Time `gorm:"column:recorded_at;index:idx_telemetry_recorded_at;not null"`
}

// TableName returns the GORM table name.
func (EventRecord) TableName() string { return "telemetry_events" }

// EventStore persists raw telemetry events.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// AutoMigrate creates or updates the telemetry_events table.
func (s *EventStore) AutoMigrate() error {
	return s.db.AutoMigrate(&EventRecord{})
}

// Append stores one event.
func (s *EventStore) Append(ctx context.Context, ev Event) error {
	rec, err := toRecord(ev)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append telemetry event: %w", err)
	}
	return nil
}

// List returns events recorded at or after since, oldest first.
func (s *EventStore) List(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).Order("id ASC")
	if !since.IsZero() {
		q = q.Where("recorded_at >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []EventRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list telemetry events: %w", err)
	}
	out := make([]Event, 0, len(records))
	for _, r := range records {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Replay feeds every stored event, oldest first, into sink.
func (s *EventStore) Replay(ctx context.Context, sink Sink) (int, error) {
	var records []EventRecord
	count := 0
	res := s.db.WithContext(ctx).Order("id ASC").FindInBatches(&records, 500, func(tx *gorm.DB, batch int) error {
		for _, r := range records {
			sink.Record(fromRecord(r))
			count++
		}
		return ctx.Err()
	})
	if res.Error != nil {
		return count, fmt.Errorf("replay telemetry events: %w", res.Error)
	}
	return count, nil
}

// DeleteOlderThan removes events recorded before cutoff.
func (s *EventStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("recorded_at < ?", cutoff).Delete(&EventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old telemetry events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StoreSink persists events on a best-effort basis: failures are logged
// and never reach the caller.
type StoreSink struct {
	store   *EventStore
	timeout time.Duration
	logger  *slog.Logger
}

func NewStoreSink(store *EventStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{store: store, timeout: 5 * time.Second, logger: logger}
}

// Record implements Sink.
func (s *StoreSink) Record(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.store.Append(ctx, ev); err != nil {
		s.logger.Warn("failed to persist telemetry event", "event", ev.Name, "error", err)
	}
}

func toRecord(ev Event) (EventRecord, error) {
	props := "{}"
	if len(ev.Properties) > 0 {
		b, err := json.Marshal(ev.Properties)
		if err != nil {
			return EventRecord{}, fmt.Errorf("encode telemetry properties: %w", err)
		}
		props = string(b)
	}
	kind := ev.Kind
	if kind == "" {
		kind = KindEvent
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return EventRecord{
		Kind:       string(kind),
		Name:       ev.Name,
		Properties: props,
		DurationMs: ev.Duration.Milliseconds(),
		Success:    ev.Success,
		RecordedAt: ts,
	}, nil
}

func fromRecord(r EventRecord) Event {
	var properties map[string]string
	_ = json.Unmarshal([]byte(r.Properties), &properties)
	return Event{
		Kind:       Kind(r.Kind),
		Name:       r.Name,
		Properties: properties,
		Timestamp:  r.RecordedAt.UTC(),
		Duration:   time.Duration(r.DurationMs) * time.Millisecond,
		Success:    r.Success,
	}
}
