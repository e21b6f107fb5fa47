package models

import "time"

// Entry is one key of the postgres backend. Leases set ExpiresAt, every
// other record leaves it nil.
type Entry struct {
	ID        string     `gorm:"primaryKey;size:512" json:"id"`
	Value     []byte     `gorm:"type:bytea;not null" json:"value"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName keeps the table name stable regardless of naming strategy.
func (Entry) TableName() string {
	return "dtypes_entries"
}

// Live reports whether the entry is visible at now.
func (e Entry) Live(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}
