// Package models contains the shared domain types of the block gateway.
package models

// User is the gateway's view of an account, replicated from the accounting
// service. Quota is the storage allowance in bytes, TrafficQuota the monthly
// download allowance in bytes.
//
// The accounting service is authoritative; cached copies expire after the
// auth cache TTL and may be slightly stale.
type User struct {
	UserID       int64 `json:"user_id"`
	IsActive     bool  `json:"is_active"`
	Quota        int64 `json:"quota"`
	TrafficQuota int64 `json:"traffic_quota"`
}
