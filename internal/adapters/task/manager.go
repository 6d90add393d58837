// Package task hands out node tasks guarded by storage-backed leases.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/google/uuid"
)

const leaseNamespace = "node"

type Manager struct {
	nodes       ports.NodeStore
	leases      ports.LeaseManagerPort
	drivers     *DriverRegistry
	conductorID string
	ttl         time.Duration
	logger      *slog.Logger
}

func NewManager(nodes ports.NodeStore, leases ports.LeaseManagerPort, drivers *DriverRegistry, conductorID string, lock domain.LockConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := lock.TTL
	if ttl <= 0 {
		ttl = domain.DefaultLockConfig().TTL
	}
	return &Manager{
		nodes:       nodes,
		leases:      leases,
		drivers:     drivers,
		conductorID: conductorID,
		ttl:         ttl,
		logger:      logger.With("component", "task-manager"),
	}
}

// Acquire loads the node and, unless shared, locks it for this conductor.
// A node locked by anyone else yields ErrNodeLocked.
func (m *Manager) Acquire(ctx context.Context, nodeUUID, purpose string, shared bool) (ports.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := &Task{
		manager: m,
		shared:  shared,
		purpose: purpose,
		logger:  m.logger.With("node", nodeUUID, "purpose", purpose),
	}

	if !shared {
		key := m.leases.Key(leaseNamespace, nodeUUID)
		owner := m.conductorID + "/" + uuid.NewString()
		metadata := map[string]string{"conductor": m.conductorID, "purpose": purpose}

		record, ok, err := m.leases.TryAcquire(key, owner, m.ttl, metadata)
		if err != nil {
			return nil, err
		}
		if !ok {
			if record == nil {
				return nil, fmt.Errorf("%w: node %s", domain.ErrNodeLocked, nodeUUID)
			}
			return nil, fmt.Errorf("%w: node %s is held by %q for %q", domain.ErrNodeLocked,
				nodeUUID, record.Metadata["conductor"], record.Metadata["purpose"])
		}
		t.leaseKey = key
		t.owner = owner
	}

	if err := t.load(ctx, nodeUUID); err != nil {
		if !shared {
			if releaseErr := m.leases.Release(t.leaseKey, t.owner); releaseErr != nil {
				t.logger.Warn("failed to release lock after load failure", "error", releaseErr)
			}
		}
		return nil, err
	}

	if !shared {
		t.startRenewal()
	}
	t.logger.Debug("task acquired", "shared", shared)
	return t, nil
}
