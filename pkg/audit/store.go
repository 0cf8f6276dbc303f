package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SnapshotRecord is the GORM model for a persisted snapshot.
type SnapshotRecord struct {
	ID         string    `gorm:"primaryKey;column:id"`
	ProjectID  string    `gorm:"column:project_id;index:idx_snapshot_project;not null"`
	Author     string    `gorm:"column:author"`
	Comment    string    `gorm:"column:comment;type:text"`
	Digest     string    `gorm:"column:digest"`
	Provenance string    `gorm:"column:provenance;type:text"`
	Project    string    `gorm:"column:project;type:text;not null"`
	CapturedAt time.Time `gorm:"column:captured_at;index:idx_snapshot_captured_at;not null"`
}

// TableName returns the GORM table name.
func (SnapshotRecord) TableName() string { return "audit_snapshots" }

// SnapshotStore persists snapshots in a relational database.
type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// AutoMigrate creates or updates the audit_snapshots table.
func (s *SnapshotStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SnapshotRecord{})
}

// Save implements Store.
func (s *SnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	rec, err := snapshotToRecord(snap)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Get returns a snapshot by id. Returns nil, nil if no record exists.
func (s *SnapshotStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap, err := recordToSnapshot(rec)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// List returns paginated snapshots ordered by captured_at DESC (newest
// first). pageToken is an RFC3339Nano timestamp; snapshots captured before
// it are returned. An empty projectID lists every project.
func (s *SnapshotStore) List(ctx context.Context, projectID string, pageSize int, pageToken string) ([]Snapshot, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	base := s.db.WithContext(ctx).Model(&SnapshotRecord{})
	if projectID != "" {
		base = base.Where("project_id = ?", projectID)
	}

	var totalSize int64
	if err := base.Session(&gorm.Session{}).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count snapshots: %w", err)
	}

	query := base.Session(&gorm.Session{}).Order("captured_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("captured_at < ?", t)
	}

	var records []SnapshotRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list snapshots: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CapturedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}

	out := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snap, err := recordToSnapshot(rec)
		if err != nil {
			return nil, "", 0, err
		}
		out = append(out, snap)
	}
	return out, nextToken, int(totalSize), nil
}

// All implements Store. Snapshots are returned oldest first.
func (s *SnapshotStore) All(ctx context.Context) ([]Snapshot, error) {
	var records []SnapshotRecord
	if err := s.db.WithContext(ctx).Order("captured_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		snap, err := recordToSnapshot(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// DeleteAll implements Store.
func (s *SnapshotStore) DeleteAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&SnapshotRecord{}).Error; err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// DeleteOlderThan removes snapshots captured before cutoff.
func (s *SnapshotStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Where("captured_at < ?", cutoff).Delete(&SnapshotRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func snapshotToRecord(snap Snapshot) (SnapshotRecord, error) {
	project, err := json.Marshal(snap.Project)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode snapshot project: %w", err)
	}
	rec := SnapshotRecord{
		ID:         snap.ID,
		ProjectID:  snap.Project.ID,
		Author:     snap.Author,
		Comment:    snap.Comment,
		Digest:     snap.Digest,
		Project:    string(project),
		CapturedAt: snap.CapturedAt,
	}
	if snap.Provenance != nil {
		prov, err := json.Marshal(snap.Provenance)
		if err != nil {
			return SnapshotRecord{}, fmt.Errorf("encode snapshot provenance: %w", err)
		}
		rec.Provenance = string(prov)
	}
	return rec, nil
}

func recordToSnapshot(rec SnapshotRecord) (Snapshot, error) {
	snap := Snapshot{
		ID:         rec.ID,
		CapturedAt: rec.CapturedAt.UTC(),
		Author:     rec.Author,
		Comment:    rec.Comment,
		Digest:     rec.Digest,
	}
	if err := json.Unmarshal([]byte(rec.Project), &snap.Project); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
	}
	if rec.Provenance != "" {
		var prov Provenance
		if err := json.Unmarshal([]byte(rec.Provenance), &prov); err != nil {
			return Snapshot{}, fmt.Errorf("decode snapshot %s provenance: %w", rec.ID, err)
		}
		snap.Provenance = &prov
	}
	return snap, nil
}
