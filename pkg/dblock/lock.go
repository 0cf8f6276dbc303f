// Package dblock serializes schema migrations across server replicas that
// share one database.
package dblock

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// Locker runs fn while holding a database-wide named lock.
type Locker interface {
	WithLock(ctx context.Context, fn func() error) error
}

// New returns the locker for db's dialect: postgres advisory locks, or a
// lock row in installer_locks elsewhere. A nil db yields a locker that runs
// fn directly.
func New(db *gorm.DB, name string) (Locker, error) {
	if db == nil {
		return noopLock{}, nil
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(name)))}, nil
	}
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &rowLock{
		db:            db,
		name:          name,
		attempts:      30,
		retryInterval: time.Second,
		staleAfter:    5 * time.Minute,
	}, nil
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type advisoryLock struct {
	db  *gorm.DB
	key int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.key).Error; err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	defer l.db.Exec("SELECT pg_advisory_unlock(?)", l.key)
	return fn()
}

type lockRecord struct {
	Name     string    `gorm:"primaryKey;column:name"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "installer_locks" }

// rowLock holds the lock while its row exists. Rows older than staleAfter
// belong to a crashed holder and are removed.
type rowLock struct {
	db            *gorm.DB
	name          string
	attempts      int
	retryInterval time.Duration
	staleAfter    time.Duration
}

func (l *rowLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	var lastErr error
	for i := 0; i < l.attempts; i++ {
		l.db.WithContext(ctx).
			Where("name = ? AND locked_at < ?", l.name, time.Now().Add(-l.staleAfter)).
			Delete(&lockRecord{})

		err := l.db.WithContext(ctx).Create(&lockRecord{Name: l.name, LockedAt: time.Now(), LockedBy: holder}).Error
		if err == nil {
			defer l.db.Where("name = ?", l.name).Delete(&lockRecord{})
			return fn()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return fmt.Errorf("acquire lock %q after %d attempts: %w", l.name, l.attempts, lastErr)
}
