package ports

import "time"

// LeaseRecord is the stored form of a node lock. Generation increments every
// time ownership changes.
type LeaseRecord struct {
	Key        string            `json:"key"`
	Owner      string            `json:"owner"`
	Generation int64             `json:"generation"`
	ExpiresAt  time.Time         `json:"expires_at"`
	RenewedAt  time.Time         `json:"renewed_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LeaseManagerPort creates and maintains storage-backed leases.
type LeaseManagerPort interface {
	Key(namespace, id string) string

	// TryAcquire returns false with a nil error when another owner holds an
	// unexpired lease.
	TryAcquire(key, owner string, ttl time.Duration, metadata map[string]string) (*LeaseRecord, bool, error)

	// Renew returns ErrLeaseOwnedByOther when the lease changed hands.
	Renew(key, owner string, ttl time.Duration) (*LeaseRecord, error)

	Release(key, owner string) error
	ForceRelease(key string) error
	Get(key string) (*LeaseRecord, bool, error)
}
