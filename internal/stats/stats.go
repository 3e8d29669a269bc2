// Package stats records session lifecycle events durably for usage
// reporting. Recording is best-effort: a failed write never affects
// the session lifecycle itself.
package stats

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	EventSessionStart  = "session_start"
	EventSessionStop   = "session_stop"
	EventSessionFailed = "session_failed"
)

type UsageEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Event     string    `gorm:"not null;index" json:"event"`
	SessionID string    `gorm:"not null;index" json:"session_id"`
	Owner     string    `gorm:"not null;index" json:"owner"`
	SpecID    string    `gorm:"not null" json:"spec_id"`
	Detail    string    `json:"detail"`
	UsageSecs int64     `json:"usage_secs"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Collector is the interface the engine and reaper record through.
type Collector interface {
	SessionStarted(sessionID, owner, specID string)
	SessionStopped(sessionID, owner, specID, reason string, usage time.Duration)
	SessionFailed(sessionID, owner, specID, reason string)
}

type DB struct {
	db *gorm.DB
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&UsageEvent{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSetting returns "" with no error for a key that was never set.
func (d *DB) GetSetting(key string) (string, error) {
	var s Setting
	if err := d.db.First(&s, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return s.Value, nil
}

func (d *DB) SetSetting(key, value string) error {
	return d.db.Save(&Setting{Key: key, Value: value}).Error
}

func (d *DB) record(ev UsageEvent) {
	if err := d.db.Create(&ev).Error; err != nil {
		log.Printf("stats: record %s for session %s: %v", ev.Event, ev.SessionID, err)
	}
}

func (d *DB) SessionStarted(sessionID, owner, specID string) {
	d.record(UsageEvent{Event: EventSessionStart, SessionID: sessionID, Owner: owner, SpecID: specID})
}

func (d *DB) SessionStopped(sessionID, owner, specID, reason string, usage time.Duration) {
	d.record(UsageEvent{
		Event: EventSessionStop, SessionID: sessionID, Owner: owner, SpecID: specID,
		Detail: reason, UsageSecs: int64(usage.Seconds()),
	})
}

func (d *DB) SessionFailed(sessionID, owner, specID, reason string) {
	d.record(UsageEvent{Event: EventSessionFailed, SessionID: sessionID, Owner: owner, SpecID: specID, Detail: reason})
}

// EventsForOwner returns recent events for one owner, newest first.
func (d *DB) EventsForOwner(owner string, limit int) ([]UsageEvent, error) {
	var events []UsageEvent
	err := d.db.Where("owner = ?", owner).Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

// Nop is used when no stats database is configured.
type Nop struct{}

func (Nop) SessionStarted(_, _, _ string)                     {}
func (Nop) SessionStopped(_, _, _, _ string, _ time.Duration) {}
func (Nop) SessionFailed(_, _, _, _ string)                   {}
