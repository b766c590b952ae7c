package domain

import (
	"time"
)

// Lease is the exclusive-ownership token over one execution id. At most one
// non-expired lease exists per execution at any time; the Generation counter
// increments whenever ownership changes hands.
type Lease struct {
	ExecutionID string    `json:"execution_id"`
	HolderID    string    `json:"holder_id"`
	Generation  int64     `json:"generation"`
	AcquiredAt  time.Time `json:"acquired_at"`
	RenewedAt   time.Time `json:"renewed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l *Lease) IsHeldBy(holderID string) bool {
	return l.HolderID == holderID
}

func (l *Lease) Remaining(now time.Time) time.Duration {
	if l.IsExpired(now) {
		return 0
	}
	return l.ExpiresAt.Sub(now)
}
