package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conductor/internal/adapters/statemachine"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// Task is a ports.Task over the node store. Exclusive tasks renew their
// lease in the background until released.
type Task struct {
	manager *Manager
	shared  bool
	purpose string
	logger  *slog.Logger

	leaseKey string
	owner    string

	node   *domain.Node
	ports  []domain.Port
	driver *ports.DriverSet

	mu       sync.Mutex
	released bool
	stop     chan struct{}
	done     chan struct{}
}

func (t *Task) Node() *domain.Node       { return t.node }
func (t *Task) Ports() []domain.Port     { return t.ports }
func (t *Task) Driver() *ports.DriverSet { return t.driver }
func (t *Task) Shared() bool             { return t.shared }
func (t *Task) Purpose() string          { return t.purpose }

func (t *Task) Save(ctx context.Context) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	return t.manager.nodes.Save(ctx, t.node)
}

// Refresh replaces the node contents in place so callers holding the
// pointer see the stored state.
func (t *Task) Refresh(ctx context.Context) error {
	if err := t.checkReleased(); err != nil {
		return err
	}
	fresh, err := t.manager.nodes.Get(ctx, t.node.UUID)
	if err != nil {
		return err
	}
	*t.node = *fresh
	return nil
}

func (t *Task) ProcessEvent(ctx context.Context, event string, target domain.ProvisionState) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	previous := t.node.ProvisionState
	if err := statemachine.Apply(ctx, t.node, event, target); err != nil {
		return err
	}
	t.logger.Info("provision state changed", "event", event,
		"from", previous, "to", t.node.ProvisionState, "target", t.node.TargetProvisionState)
	return t.manager.nodes.Save(ctx, t.node)
}

func (t *Task) ReleaseResources() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return domain.ErrTaskReleased
	}
	t.released = true
	stop, done := t.stop, t.done
	t.mu.Unlock()

	if t.shared {
		return nil
	}
	close(stop)
	<-done

	if err := t.manager.leases.Release(t.leaseKey, t.owner); err != nil {
		if domain.IsLeaseOwnedByOther(err) {
			t.logger.Warn("lock was taken over before release")
			return nil
		}
		return err
	}
	t.logger.Debug("task released")
	return nil
}

func (t *Task) load(ctx context.Context, nodeUUID string) error {
	node, err := t.manager.nodes.Get(ctx, nodeUUID)
	if err != nil {
		return err
	}
	nodePorts, err := t.manager.nodes.ListPorts(ctx, nodeUUID)
	if err != nil {
		return err
	}
	driver, err := t.manager.drivers.Resolve(node)
	if err != nil {
		return err
	}
	t.node, t.ports, t.driver = node, nodePorts, driver
	return nil
}

func (t *Task) startRenewal() {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	interval := t.manager.ttl / 3

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if _, err := t.manager.leases.Renew(t.leaseKey, t.owner, t.manager.ttl); err != nil {
					t.logger.Error("failed to renew node lock", "error", err)
					if domain.IsLeaseOwnedByOther(err) || errors.Is(err, domain.ErrLeaseNotFound) {
						return
					}
				}
			}
		}
	}()
}

func (t *Task) checkReleased() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return domain.ErrTaskReleased
	}
	return nil
}

func (t *Task) checkWritable() error {
	if err := t.checkReleased(); err != nil {
		return err
	}
	if t.shared {
		return domain.ErrSharedTask
	}
	return nil
}
