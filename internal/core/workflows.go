package core

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/conductor/internal/core/recovery"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/google/uuid"
)

const (
	operationPower     = "power"
	operationCleaning  = "cleaning"
	operationDeploying = "deploying"
	operationCallback  = "callback"
	operationTimeout   = "timeout"
	operationTakeover  = "takeover"
	operationManage    = "manage"
	operationListSteps = "list-steps"
)

// EnrollNode records a new node in the enroll state.
func (m *Manager) EnrollNode(ctx context.Context, node *domain.Node) error {
	if node.UUID == "" {
		node.UUID = uuid.NewString()
	}
	if node.Driver == "" {
		return domain.NewInvalidParameterError("node %s has no driver", node.UUID)
	}
	node.ProvisionState = domain.StateEnroll
	node.TargetProvisionState = domain.ProvisionNoState
	if node.PowerState == domain.PowerNoState {
		node.PowerState = domain.PowerOff
	}
	if err := m.nodes.Create(ctx, node); err != nil {
		return err
	}
	m.logger.Info("node enrolled", "node", node.UUID, "driver", node.Driver)
	return nil
}

func (m *Manager) GetNode(ctx context.Context, nodeUUID string) (*domain.Node, error) {
	return m.nodes.Get(ctx, nodeUUID)
}

func (m *Manager) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	return m.nodes.List(ctx)
}

func (m *Manager) PutPorts(ctx context.Context, nodeUUID string, nodePorts []domain.Port) error {
	if _, err := m.nodes.Get(ctx, nodeUUID); err != nil {
		return err
	}
	return m.nodes.PutPorts(ctx, nodeUUID, nodePorts)
}

func (m *Manager) PutTemplate(ctx context.Context, template domain.DeployTemplate) error {
	return m.templates.Put(ctx, template)
}

func (m *Manager) DeleteTemplate(ctx context.Context, name string) error {
	return m.templates.Delete(ctx, name)
}

// ManageNode validates the node's management interface and moves it to
// manageable.
func (m *Manager) ManageNode(ctx context.Context, nodeUUID string) error {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationManage, false)
	if err != nil {
		return err
	}
	defer m.release(t)

	if mgmt := t.Driver().Management; mgmt != nil {
		if err := mgmt.Validate(ctx, t); err != nil {
			return domain.NewDriverError(domain.InterfaceManagement, "validate", err)
		}
	}
	return t.ProcessEvent(ctx, domain.EventManage, domain.ProvisionNoState)
}

// ListCleanSteps returns every clean step the node's driver offers, in
// execution order.
func (m *Manager) ListCleanSteps(ctx context.Context, nodeUUID string) ([]domain.Step, error) {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationListSteps, true)
	if err != nil {
		return nil, err
	}
	defer m.release(t)
	return m.steps.CleaningSteps(ctx, t, false, true)
}

// ListDeploySteps returns the deploy steps a deployment of the node would
// run, templates included.
func (m *Manager) ListDeploySteps(ctx context.Context, nodeUUID string) ([]domain.Step, error) {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationListSteps, true)
	if err != nil {
		return nil, err
	}
	defer m.release(t)
	return m.steps.MergeDeploymentSteps(ctx, t)
}

// SetPowerState changes the node's power in the background. The returned
// error only covers locking and scheduling.
func (m *Manager) SetPowerState(ctx context.Context, nodeUUID string, state domain.PowerState, timeout time.Duration) error {
	if state.TargetFor() == domain.PowerNoState {
		return domain.NewInvalidParameterError("unsupported power state %q", state)
	}
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationPower, false)
	if err != nil {
		return err
	}
	node := t.Node()
	previous := node.PowerState

	err = m.workers.Spawn(m.workerContext(), operationPower, func(ctx context.Context) {
		defer m.release(t)
		if err := m.power.PerformPowerAction(ctx, t, state, timeout); err != nil {
			m.logger.Error("power action failed", "node", nodeUUID, "state", state, "error", err)
		}
	})
	if err != nil {
		defer m.release(t)
		if handled, handleErr := m.recovery.HandlePowerSpawnFailure(ctx, err, node, previous); handled && handleErr != nil {
			m.logger.Error("failed to record power spawn failure", "node", nodeUUID, "error", handleErr)
		}
		return err
	}
	return nil
}

// ProvideNode starts automated cleaning of a manageable node. The node
// ends up available.
func (m *Manager) ProvideNode(ctx context.Context, nodeUUID string) error {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationCleaning, false)
	if err != nil {
		return err
	}
	node := t.Node()
	previous, previousTarget := node.ProvisionState, node.TargetProvisionState

	if err := t.ProcessEvent(ctx, domain.EventProvide, domain.ProvisionNoState); err != nil {
		m.release(t)
		return err
	}

	if m.steps.SkipAutomatedCleaning(node) {
		defer m.release(t)
		m.logger.Info("automated cleaning disabled, skipping", "node", nodeUUID)
		node.DriverInternalInfo.CleanSteps = nil
		node.ClearCleaningProgress()
		return t.ProcessEvent(ctx, domain.EventDone, domain.ProvisionNoState)
	}

	return m.spawnProvisioning(ctx, t, operationCleaning, previous, previousTarget, func(ctx context.Context) {
		m.runCleaning(ctx, t, true)
	})
}

// CleanNode starts manual cleaning of a manageable node with the given
// steps. The node returns to manageable.
func (m *Manager) CleanNode(ctx context.Context, nodeUUID string, cleanSteps []domain.Step) error {
	if len(cleanSteps) == 0 {
		return domain.NewInvalidParameterError("manual cleaning of node %s needs at least one step", nodeUUID)
	}
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationCleaning, false)
	if err != nil {
		return err
	}
	node := t.Node()
	if node.ProvisionState != domain.StateManageable {
		m.release(t)
		return &domain.InvalidStateError{Event: domain.EventClean, State: node.ProvisionState, Err: domain.ErrInvalidState}
	}
	previous, previousTarget := node.ProvisionState, node.TargetProvisionState

	node.DriverInternalInfo.CleanSteps = domain.CloneSteps(cleanSteps)
	if err := t.ProcessEvent(ctx, domain.EventClean, domain.StateManageable); err != nil {
		m.release(t)
		return err
	}

	return m.spawnProvisioning(ctx, t, operationCleaning, previous, previousTarget, func(ctx context.Context) {
		m.runCleaning(ctx, t, true)
	})
}

// DeployNode validates the node's deploy templates and starts deployment.
// Instance traits, when given, replace the node's current ones first.
func (m *Manager) DeployNode(ctx context.Context, nodeUUID string, instanceTraits []string) error {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationDeploying, false)
	if err != nil {
		return err
	}
	node := t.Node()
	if instanceTraits != nil {
		node.InstanceInfo.Traits = append([]string(nil), instanceTraits...)
	}
	if _, err := m.steps.ValidateDeployTemplates(ctx, t); err != nil {
		m.release(t)
		return err
	}
	previous, previousTarget := node.ProvisionState, node.TargetProvisionState

	if err := t.ProcessEvent(ctx, domain.EventDeploy, domain.ProvisionNoState); err != nil {
		m.release(t)
		return err
	}

	return m.spawnProvisioning(ctx, t, operationDeploying, previous, previousTarget, func(ctx context.Context) {
		m.runDeployment(ctx, t, true)
	})
}

// spawnProvisioning hands t to a worker. When no worker is free the node's
// provision fields are put back and the lock released.
func (m *Manager) spawnProvisioning(ctx context.Context, t ports.Task, operation string, previous, previousTarget domain.ProvisionState, run func(context.Context)) error {
	node := t.Node()
	err := m.workers.Spawn(m.workerContext(), operation, func(ctx context.Context) {
		defer m.release(t)
		run(ctx)
	})
	if err == nil {
		m.workflows.WithLabelValues(operation, "started").Inc()
		return nil
	}

	defer m.release(t)
	if handled, handleErr := m.recovery.HandleProvisioningSpawnFailure(ctx, err, node, previous, previousTarget); handled && handleErr != nil {
		m.logger.Error("failed to record spawn failure", "node", node.UUID, "operation", operation, "error", handleErr)
	}
	return err
}

// Callback is how a node's ramdisk reports that an asynchronous step
// finished. The workflow resumes on whichever conductor owns the node.
func (m *Manager) Callback(ctx context.Context, nodeUUID string) error {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operationCallback, false)
	if err != nil {
		return err
	}

	switch state := t.Node().ProvisionState; state {
	case domain.StateCleanWait:
		err = m.handoff.ResumeCleaning(ctx, t)
	case domain.StateDeployWait:
		err = m.handoff.ResumeDeploying(ctx, t)
	default:
		err = &domain.InvalidStateError{Event: domain.EventResume, State: state, Err: domain.ErrInvalidState}
	}
	if err != nil {
		// The handoff may fail before it releases the lock.
		m.release(t)
	}
	return err
}

// ContinueNodeClean resumes cleaning of a node waiting for a callback. It
// serves peer conductors over RPC.
func (m *Manager) ContinueNodeClean(ctx context.Context, nodeUUID string) error {
	return m.continueWorkflow(ctx, nodeUUID, operationCleaning, domain.StateCleanWait, domain.StateCleaning,
		m.recovery.HandleCleaningSpawnFailure,
		func(ctx context.Context, t ports.Task) { m.runCleaning(ctx, t, false) })
}

// ContinueNodeDeploy resumes deployment of a node waiting for a callback.
func (m *Manager) ContinueNodeDeploy(ctx context.Context, nodeUUID string) error {
	return m.continueWorkflow(ctx, nodeUUID, operationDeploying, domain.StateDeployWait, domain.StateDeploying,
		m.recovery.HandleDeployingSpawnFailure,
		func(ctx context.Context, t ports.Task) { m.runDeployment(ctx, t, false) })
}

type spawnFailureHandler func(ctx context.Context, err error, node *domain.Node) (bool, error)

func (m *Manager) continueWorkflow(ctx context.Context, nodeUUID, operation string, wait, active domain.ProvisionState, onSpawnFailure spawnFailureHandler, run func(context.Context, ports.Task)) error {
	t, err := m.tasks.Acquire(ctx, nodeUUID, operation, false)
	if err != nil {
		return err
	}
	node := t.Node()
	if !node.ProvisionState.In(wait, active) {
		m.release(t)
		return &domain.InvalidStateError{Event: domain.EventResume, State: node.ProvisionState, Err: domain.ErrInvalidState}
	}

	err = m.workers.Spawn(m.workerContext(), operation, func(ctx context.Context) {
		defer m.release(t)
		if node.ProvisionState == wait {
			if err := t.ProcessEvent(ctx, domain.EventResume, domain.ProvisionNoState); err != nil {
				m.logger.Error("failed to resume workflow", "node", nodeUUID, "operation", operation, "error", err)
				return
			}
		}
		run(ctx, t)
	})
	if err != nil {
		defer m.release(t)
		if handled, handleErr := onSpawnFailure(ctx, err, node); handled && handleErr != nil {
			m.logger.Error("failed to record spawn failure", "node", nodeUUID, "operation", operation, "error", handleErr)
		}
		return err
	}
	m.workflows.WithLabelValues(operation, "resumed").Inc()
	return nil
}

func (m *Manager) runCleaning(ctx context.Context, t ports.Task, prepare bool) {
	node := t.Node()
	if prepare {
		if err := m.steps.PrepareCleaning(ctx, t); err != nil {
			m.failCleaning(ctx, t, fmt.Sprintf("Cannot clean node %s: %v", node.UUID, err))
			return
		}
	}

	wait, err := m.runner.RunCleaning(ctx, t)
	if err != nil {
		m.failCleaning(ctx, t, err.Error())
		return
	}
	if wait {
		m.waitForCallback(ctx, t, operationCleaning)
		return
	}

	if err := m.tearDownCleaning(ctx, t); err != nil {
		m.failCleaning(ctx, t, fmt.Sprintf("Failed to tear down from cleaning for node %s: %v", node.UUID, err), recovery.WithoutTearDown())
		return
	}

	event := domain.EventDone
	if node.IsManualClean() {
		event = domain.EventManage
	}
	node.DriverInternalInfo.CleanSteps = nil
	node.ClearCleaningProgress()
	if err := t.ProcessEvent(ctx, event, domain.ProvisionNoState); err != nil {
		m.logger.Error("failed to finish cleaning", "node", node.UUID, "error", err)
		return
	}
	m.workflows.WithLabelValues(operationCleaning, "completed").Inc()
	m.logger.Info("cleaning complete", "node", node.UUID, "provision_state", node.ProvisionState)
}

// tearDownCleaning removes the cleaning setup. Nodes whose network needs
// the host running are powered on for it and returned to their previous
// power state afterwards.
func (m *Manager) tearDownCleaning(ctx context.Context, t ports.Task) error {
	deploy := t.Driver().Deploy
	if deploy == nil {
		return nil
	}
	previous, err := m.power.PowerOnIfNeeded(ctx, t)
	if err != nil {
		return err
	}
	if err := deploy.TearDownCleaning(ctx, t); err != nil {
		return err
	}
	return m.power.RestorePowerStateIfNeeded(ctx, t, previous)
}

func (m *Manager) runDeployment(ctx context.Context, t ports.Task, prepare bool) {
	node := t.Node()
	if prepare {
		if err := m.steps.PrepareDeployment(ctx, t); err != nil {
			m.failDeployment(ctx, t, fmt.Sprintf("Error preparing deploy steps for node %s: %v", node.UUID, err))
			return
		}
	}

	wait, err := m.runner.RunDeployment(ctx, t)
	if err != nil {
		m.failDeployment(ctx, t, err.Error())
		return
	}
	if wait {
		m.waitForCallback(ctx, t, operationDeploying)
		return
	}

	node.ClearDeployProgress()
	if err := t.ProcessEvent(ctx, domain.EventDone, domain.ProvisionNoState); err != nil {
		m.logger.Error("failed to finish deployment", "node", node.UUID, "error", err)
		return
	}
	m.workflows.WithLabelValues(operationDeploying, "completed").Inc()
	m.logger.Info("deployment complete", "node", node.UUID)
}

func (m *Manager) waitForCallback(ctx context.Context, t ports.Task, operation string) {
	if err := t.ProcessEvent(ctx, domain.EventWait, domain.ProvisionNoState); err != nil {
		m.logger.Error("failed to wait for callback", "node", t.Node().UUID, "operation", operation, "error", err)
		return
	}
	m.workflows.WithLabelValues(operation, "waiting").Inc()
}

func (m *Manager) failCleaning(ctx context.Context, t ports.Task, msg string, opts ...recovery.Option) {
	m.workflows.WithLabelValues(operationCleaning, "failed").Inc()
	if err := m.recovery.HandleCleaningError(ctx, t, msg, opts...); err != nil {
		m.logger.Error("failed to record cleaning failure", "node", t.Node().UUID, "error", err)
	}
}

func (m *Manager) failDeployment(ctx context.Context, t ports.Task, msg string) {
	m.workflows.WithLabelValues(operationDeploying, "failed").Inc()
	if err := m.recovery.HandleDeployingError(ctx, t, msg, msg); err != nil {
		m.logger.Error("failed to record deploy failure", "node", t.Node().UUID, "error", err)
	}
}
