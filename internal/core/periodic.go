package core

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

func (m *Manager) runPeriodic(ctx context.Context) {
	interval := m.config.Timeouts.CheckInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.periodicPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.periodicPass(ctx)
		}
	}
}

func (m *Manager) periodicPass(ctx context.Context) {
	if _, err := m.RecoverOrphanedNodes(ctx); err != nil {
		m.logger.Warn("orphaned node check failed", "error", err)
	}
	if _, err := m.CheckTimeouts(ctx); err != nil {
		m.logger.Warn("callback timeout check failed", "error", err)
	}
}

// owns reports whether the hash ring maps node to this conductor.
func (m *Manager) owns(node *domain.Node) bool {
	topic, err := m.ring.TopicFor(node)
	return err == nil && topic == m.topic
}

func (m *Manager) callbackTimeout(state domain.ProvisionState) time.Duration {
	switch state {
	case domain.StateCleanWait:
		return m.config.Timeouts.CleanCallback
	case domain.StateDeployWait:
		return m.config.Timeouts.DeployCallback
	case domain.StateRescueWait:
		return m.config.Timeouts.RescueCallback
	default:
		return 0
	}
}

// CheckTimeouts fails every node owned by this conductor that has waited
// longer than allowed for a ramdisk callback. It returns how many nodes
// were failed.
func (m *Manager) CheckTimeouts(ctx context.Context) (int, error) {
	nodes, err := m.nodes.List(ctx)
	if err != nil {
		return 0, err
	}

	now := m.clock()
	failed := 0
	var errs []error
	for _, node := range nodes {
		limit := m.callbackTimeout(node.ProvisionState)
		if limit <= 0 || now.Sub(node.UpdatedAt) < limit || !m.owns(node) {
			continue
		}

		ok, err := m.withExclusive(ctx, node.UUID, operationTimeout, func(t ports.Task) error {
			return m.timeoutNode(ctx, t, node.ProvisionState)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			failed++
		}
	}
	return failed, errors.Join(errs...)
}

func (m *Manager) timeoutNode(ctx context.Context, t ports.Task, expected domain.ProvisionState) error {
	node := t.Node()
	if node.ProvisionState != expected {
		return errSkipped
	}
	m.logger.Warn("callback timeout reached", "node", node.UUID, "provision_state", node.ProvisionState)

	switch node.ProvisionState {
	case domain.StateCleanWait:
		m.workflows.WithLabelValues(operationCleaning, "timeout").Inc()
		target := domain.ProvisionNoState
		if node.IsManualClean() {
			target = domain.StateManageable
		}
		if err := t.ProcessEvent(ctx, domain.EventFail, target); err != nil {
			return err
		}
		return m.recovery.HandleCleanWaitTimeout(ctx, t)
	case domain.StateDeployWait:
		m.workflows.WithLabelValues(operationDeploying, "timeout").Inc()
		return m.recovery.HandleDeployTimeout(ctx, t)
	case domain.StateRescueWait:
		if err := t.ProcessEvent(ctx, domain.EventFail, domain.ProvisionNoState); err != nil {
			return err
		}
		return m.recovery.HandleRescueWaitTimeout(ctx, t)
	}
	return errSkipped
}

// RecoverOrphanedNodes fails workflows that were running on a conductor
// that no longer holds the node's lock. A node in an active provisioning
// state always has a worker holding its lock, so one that can be locked here
// has lost its worker.
func (m *Manager) RecoverOrphanedNodes(ctx context.Context) (int, error) {
	nodes, err := m.nodes.List(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, node := range nodes {
		if !node.ProvisionState.In(domain.StateCleaning, domain.StateDeploying, domain.StateRescuing) || !m.owns(node) {
			continue
		}

		ok, err := m.withExclusive(ctx, node.UUID, operationTakeover, func(t ports.Task) error {
			return m.takeOver(ctx, t, node.ProvisionState)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (m *Manager) takeOver(ctx context.Context, t ports.Task, expected domain.ProvisionState) error {
	node := t.Node()
	if node.ProvisionState != expected {
		return errSkipped
	}
	m.logger.Warn("taking over orphaned node", "node", node.UUID, "provision_state", node.ProvisionState)

	target := domain.ProvisionNoState
	if node.ProvisionState == domain.StateCleaning && node.IsManualClean() {
		target = domain.StateManageable
	}
	if err := t.ProcessEvent(ctx, domain.EventFail, target); err != nil {
		return err
	}
	m.workflows.WithLabelValues(operationTakeover, "failed").Inc()
	return m.recovery.HandleConductorTakeover(ctx, t)
}

var errSkipped = errors.New("node changed before it could be handled")

// withExclusive runs fn with the node locked. A node locked elsewhere or
// one fn skips is not an error; ok reports whether fn handled the node.
func (m *Manager) withExclusive(ctx context.Context, nodeUUID, purpose string, fn func(ports.Task) error) (bool, error) {
	t, err := m.tasks.Acquire(ctx, nodeUUID, purpose, false)
	if err != nil {
		if domain.IsNodeLocked(err) || domain.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	defer m.release(t)

	if err := fn(t); err != nil {
		if errors.Is(err, errSkipped) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
