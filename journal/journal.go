// Package journal records payment race events in SQLite, so every wallet
// attempt, escalation and outcome can be inspected after the fact.
package journal

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	paidaction "github.com/satsflow/paidaction"
)

// MemoryPath opens a private in-memory journal
const MemoryPath = ":memory:"

// Journal is a paidaction.PaymentObserver persisting every event
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ paidaction.PaymentObserver = (*Journal)(nil)

// Open opens or creates the journal database at path
func Open(path string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite serialises writers; an in-memory database exists per connection
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	logger.Debug("journal opened", zap.String("path", path))
	return &Journal{db: db, logger: logger}, nil
}

// OnPaymentEvent records event. Write failures are logged, never returned
// to the payment race.
func (j *Journal) OnPaymentEvent(event paidaction.PaymentEvent) {
	if err := j.Record(event); err != nil {
		j.logger.Warn("failed to record payment event",
			zap.String("kind", string(event.Kind)),
			zap.String("invoice_hash", event.Hash),
			zap.Error(err))
	}
}

// Record stores one event
func (j *Journal) Record(event paidaction.PaymentEvent) error {
	entry := Entry{
		Kind:      string(event.Kind),
		Channel:   string(event.Channel),
		Wallet:    event.Wallet,
		Hash:      event.Hash,
		Sats:      event.Sats,
		EventTime: event.Timestamp,
	}
	if event.Err != nil {
		entry.Error = event.Err.Error()
	}
	return j.db.Create(&entry).Error
}

// List returns the most recent entries, newest first. limit <= 0 returns all.
func (j *Journal) List(limit int) ([]Entry, error) {
	var entries []Entry
	q := j.db.Order("event_time DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// ForInvoice returns the entries of one invoice in the order they happened
func (j *Journal) ForInvoice(hash string) ([]Entry, error) {
	var entries []Entry
	result := j.db.Where("hash = ?", hash).Order("event_time ASC").Order("id ASC").Find(&entries)
	if result.Error != nil {
		return nil, result.Error
	}
	return entries, nil
}

// Close closes the database
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Format renders an entry as a single line
func Format(e Entry) string {
	line := fmt.Sprintf("%s %-9s %-6s %s %s",
		e.EventTime.Format("2006-01-02 15:04:05"), e.Kind, e.Channel, short(e.Hash), paidaction.FormatSats(e.Sats))
	if e.Wallet != "" {
		line += " wallet=" + e.Wallet
	}
	if e.Error != "" {
		line += " error=" + e.Error
	}
	return line
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
