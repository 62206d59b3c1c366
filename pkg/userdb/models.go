package userdb

import "time"

// User is a row of the usage ledger. Only local accounting lives here; the
// authoritative user record (quotas, active flag) stays with the remote
// accounting service.
type User struct {
	UserID int64 `gorm:"primaryKey;column:user_id"`

	// Size is the cumulative number of bytes stored by the user.
	Size int64 `gorm:"not null;default:0"`
}

// Prefix maps a prefix name to its owning user. Prefixes are never re-owned
// or destroyed.
type Prefix struct {
	Name   string `gorm:"primaryKey;size:36"`
	UserID int64  `gorm:"index;not null;column:user_id"`
}

// Traffic accumulates download bytes per user and month. TrafficMonth is
// always the first day of a month at midnight UTC.
type Traffic struct {
	UserID       int64     `gorm:"primaryKey;column:user_id"`
	TrafficMonth time.Time `gorm:"primaryKey"`
	Traffic      int64     `gorm:"not null;default:0"`
}

// TableName keeps the table singular; the month rows are a ledger, not
// entities.
func (Traffic) TableName() string {
	return "traffic"
}

// AllModels returns every model for schema migration.
func AllModels() []any {
	return []any{&User{}, &Prefix{}, &Traffic{}}
}
