package storage

import (
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	json "github.com/goccy/go-json"
)

const leaseKeyPrefix = "lease:"

// LeaseManager keeps node locks in storage. Ownership changes go through
// versioned writes, so two conductors racing for an expired lease cannot both
// win.
type LeaseManager struct {
	storage ports.StoragePort
	logger  *slog.Logger
	clock   func() time.Time
}

func NewLeaseManager(storage ports.StoragePort, logger *slog.Logger) *LeaseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		storage: storage,
		logger:  logger.With("component", "lease-manager"),
		clock:   time.Now,
	}
}

// WithClock replaces the time source used for expiry decisions.
func (m *LeaseManager) WithClock(clock func() time.Time) *LeaseManager {
	if clock != nil {
		m.clock = clock
	}
	return m
}

func (m *LeaseManager) Key(namespace, id string) string {
	return leaseKeyPrefix + namespace + ":" + id
}

// TryAcquire takes the lease when it is free, expired or already ours.
// Re-acquiring our own lease refreshes it without bumping the generation.
func (m *LeaseManager) TryAcquire(key, owner string, ttl time.Duration, metadata map[string]string) (*ports.LeaseRecord, bool, error) {
	current, version, exists, err := m.load(key)
	if err != nil {
		return nil, false, err
	}

	now := m.clock().UTC()
	if exists && current.Owner != owner && current.ExpiresAt.After(now) {
		return &current, false, nil
	}

	next := ports.LeaseRecord{
		Key:        key,
		Owner:      owner,
		Generation: 1,
		ExpiresAt:  now.Add(ttl),
		RenewedAt:  now,
		Metadata:   maps.Clone(metadata),
	}
	if exists {
		next.Generation = current.Generation
		if current.Owner != owner {
			next.Generation++
		}
	}

	if err := m.store(key, next, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			m.logger.Debug("lost lease race", "key", key, "owner", owner)
			return nil, false, nil
		}
		return nil, false, err
	}

	if exists && current.Owner != owner {
		m.logger.Info("took over expired lease", "key", key, "owner", owner,
			"previous_owner", current.Owner, "generation", next.Generation)
	}
	return &next, true, nil
}

// Renew extends a lease the caller still holds.
func (m *LeaseManager) Renew(key, owner string, ttl time.Duration) (*ports.LeaseRecord, error) {
	current, version, exists, err := m.load(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrLeaseNotFound
	}
	if current.Owner != owner {
		return nil, domain.ErrLeaseOwnedByOther
	}

	now := m.clock().UTC()
	current.RenewedAt = now
	current.ExpiresAt = now.Add(ttl)

	if err := m.store(key, current, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil, domain.ErrLeaseOwnedByOther
		}
		return nil, err
	}
	return &current, nil
}

func (m *LeaseManager) Release(key, owner string) error {
	current, _, exists, err := m.load(key)
	if err != nil || !exists {
		return err
	}
	if current.Owner != owner {
		return domain.ErrLeaseOwnedByOther
	}
	return m.ForceRelease(key)
}

// ForceRelease drops the lease whoever holds it.
func (m *LeaseManager) ForceRelease(key string) error {
	if err := m.storage.Delete(key); err != nil && !domain.IsNotFound(err) {
		return err
	}
	return nil
}

func (m *LeaseManager) Get(key string) (*ports.LeaseRecord, bool, error) {
	current, _, exists, err := m.load(key)
	if err != nil || !exists {
		return nil, false, err
	}
	return &current, true, nil
}

// Held lists the unexpired leases in namespace.
func (m *LeaseManager) Held(namespace string) ([]ports.LeaseRecord, error) {
	entries, err := m.storage.ListByPrefix(leaseKeyPrefix + namespace + ":")
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	held := make([]ports.LeaseRecord, 0, len(entries))
	for _, entry := range entries {
		var record ports.LeaseRecord
		if err := json.Unmarshal(entry.Value, &record); err != nil {
			m.logger.Warn("skipping unreadable lease", "key", entry.Key, "error", err)
			continue
		}
		if record.ExpiresAt.After(now) {
			held = append(held, record)
		}
	}
	return held, nil
}

func (m *LeaseManager) load(key string) (ports.LeaseRecord, int64, bool, error) {
	value, version, exists, err := m.storage.Get(key)
	if err != nil {
		return ports.LeaseRecord{}, 0, false, err
	}
	if !exists || len(value) == 0 {
		return ports.LeaseRecord{}, version, false, nil
	}

	var record ports.LeaseRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return ports.LeaseRecord{}, version, false, &domain.StorageError{
			Type:    domain.ErrCorrupted,
			Key:     key,
			Message: "corrupt lease " + strings.TrimPrefix(key, leaseKeyPrefix) + ": " + err.Error(),
		}
	}
	return record, version, true, nil
}

func (m *LeaseManager) store(key string, record ports.LeaseRecord, version int64) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return m.storage.Put(key, payload, version)
}
