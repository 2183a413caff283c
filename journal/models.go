package journal

import (
	"time"

	"gorm.io/gorm"
)

// Entry is one recorded step of a payment race
type Entry struct {
	gorm.Model
	Kind      string    `gorm:"index"` // attempt, sent, escalated, retried, paid, failed, canceled
	Channel   string    `gorm:"index"` // wallet or qr
	Wallet    string
	Hash      string    `gorm:"index"`
	Sats      int64
	Error     string
	EventTime time.Time `gorm:"index"`
}

// TableName keeps the table name stable across struct renames
func (Entry) TableName() string {
	return "payment_journal"
}
