package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

const (
	noFreeWorkersMessage = "No free conductor workers available"
	takeoverMessage      = "Operation was aborted due to conductor take over"
)

// PowerActor is the part of the power controller the handlers need to abort
// a rescue.
type PowerActor interface {
	PerformPowerAction(ctx context.Context, task ports.Task, newState domain.PowerState, timeout time.Duration) error
}

// Handlers move a node into a failed or recoverable state when a workflow
// cannot continue. Cleanup failures are folded into the node's last error;
// only persistence failures are returned.
type Handlers struct {
	power  PowerActor
	nodes  ports.NodeStore
	logger *slog.Logger
}

func NewHandlers(power PowerActor, nodes ports.NodeStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		power:  power,
		nodes:  nodes,
		logger: logger.With("component", "recovery"),
	}
}

type options struct {
	tearDown     bool
	setFailState bool
	traceback    bool
	cleanUp      bool
}

type Option func(*options)

// WithoutTearDown skips the deploy interface's cleaning tear down.
func WithoutTearDown() Option {
	return func(o *options) { o.tearDown = false }
}

// WithoutFailState leaves the provision state alone, for callers whose state
// machine already moved the node to a failed state.
func WithoutFailState() Option {
	return func(o *options) { o.setFailState = false }
}

func WithTraceback() Option {
	return func(o *options) { o.traceback = true }
}

// WithoutCleanUp skips the deploy interface's clean up after a failed deploy.
func WithoutCleanUp() Option {
	return func(o *options) { o.cleanUp = false }
}

func resolve(opts []Option) options {
	o := options{tearDown: true, setFailState: true, cleanUp: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// HandleCleaningError records a cleaning failure, puts the node into
// maintenance and fails the cleaning state machine.
func (h *Handlers) HandleCleaningError(ctx context.Context, task ports.Task, msg string, opts ...Option) error {
	o := resolve(opts)
	node := task.Node()
	h.logger.Error("cleaning failed", "node", node.UUID, "error", msg)

	if o.tearDown {
		if err := h.tearDownCleaning(ctx, task); err != nil {
			h.logger.Error("failed to tear down cleaning", "node", node.UUID, "error", err)
			msg = fmt.Sprintf("%s. Also failed to tear down cleaning: %v", msg, err)
		}
	}

	if node.ProvisionState.In(domain.StateCleaning, domain.StateCleanWait, domain.StateCleanFail) {
		node.ClearCleaningProgress()
	}

	manual := node.IsManualClean()
	node.LastError = msg
	node.Maintenance = true
	node.MaintenanceReason = msg
	node.Fault = domain.FaultCleanFailure
	if err := task.Save(ctx); err != nil {
		return err
	}

	if o.setFailState && node.ProvisionState != domain.StateCleanFail {
		target := domain.ProvisionNoState
		if manual {
			target = domain.StateManageable
		}
		return h.fail(ctx, task, target)
	}
	return nil
}

// HandleCleanWaitTimeout runs after the state machine already failed a node
// whose cleaning ramdisk stopped calling back.
func (h *Handlers) HandleCleanWaitTimeout(ctx context.Context, task ports.Task) error {
	node := task.Node()
	step := "none"
	if node.CleanStep != nil {
		step = node.CleanStep.String()
	}
	msg := fmt.Sprintf("Timeout reached while cleaning the node. Please check if the ramdisk responsible for the cleaning is running on the node. Failed on step %s.", step)
	return h.HandleCleaningError(ctx, task, msg, WithoutFailState())
}

// HandleDeployingError records a deploy failure, cleans up the deploy
// interface and fails the deploy state machine exactly once.
func (h *Handlers) HandleDeployingError(ctx context.Context, task ports.Task, logMsg, userMsg string, opts ...Option) error {
	o := resolve(opts)
	if userMsg == "" {
		userMsg = logMsg
	}
	node := task.Node()
	if o.traceback {
		h.logger.Error(logMsg, "node", node.UUID, "stack", string(debug.Stack()))
	} else {
		h.logger.Error(logMsg, "node", node.UUID)
	}

	node.LastError = userMsg
	if err := task.Save(ctx); err != nil {
		return err
	}

	lastError := userMsg
	if o.cleanUp {
		if err := h.cleanUpDeploy(ctx, task); err != nil {
			h.logger.Error("cleanup failed after deploy failure", "node", node.UUID, "error", err)
			if domain.IsDomainError(err) {
				lastError = fmt.Sprintf("%s. Also failed to clean up due to: %v", userMsg, err)
			} else {
				lastError = fmt.Sprintf("%s. An unhandled exception was encountered while aborting. More information may be found in the log file.", userMsg)
			}
		}
	}

	if err := task.Refresh(ctx); err != nil {
		return err
	}
	node = task.Node()
	if node.ProvisionState.In(domain.StateDeploying, domain.StateDeployWait, domain.StateDeployFail) {
		node.ClearDeployProgress()
	}
	node.LastError = lastError
	if err := task.Save(ctx); err != nil {
		return err
	}

	return h.fail(ctx, task, domain.ProvisionNoState)
}

// HandleDeployTimeout handles a deploy whose ramdisk never called back.
func (h *Handlers) HandleDeployTimeout(ctx context.Context, task ports.Task) error {
	msg := fmt.Sprintf("Timeout reached while waiting for callback for node %s", task.Node().UUID)
	return h.HandleDeployingError(ctx, task, msg, msg)
}

// HandleRescueError powers the node off and cleans up the rescue interface.
// The resulting message is always persisted.
func (h *Handlers) HandleRescueError(ctx context.Context, task ports.Task, msg string, opts ...Option) error {
	o := resolve(opts)
	node := task.Node()

	if err := h.abortRescue(ctx, task); err != nil {
		if domain.IsDomainError(err) {
			msg = fmt.Sprintf("Rescue operation was unsuccessful, clean up failed for node: %v", err)
			h.logger.Error("rescue clean up failed", "node", node.UUID, "error", err)
		} else {
			msg = fmt.Sprintf("Rescue failed, but an unhandled exception was encountered while aborting: %v", err)
			h.logger.Error("unhandled error while aborting rescue", "node", node.UUID, "error", err)
		}
	}
	node.LastError = msg
	if err := task.Save(ctx); err != nil {
		return err
	}

	if o.setFailState {
		return h.fail(ctx, task, domain.ProvisionNoState)
	}
	return nil
}

func (h *Handlers) HandleRescueWaitTimeout(ctx context.Context, task ports.Task) error {
	h.logger.Error("timeout reached while waiting for rescue ramdisk callback", "node", task.Node().UUID)
	return h.HandleRescueError(ctx, task, "Timeout reached while waiting for rescue ramdisk callback for node", WithoutFailState())
}

// HandleConductorTakeover runs when another conductor took the node over
// while this one was driving it.
func (h *Handlers) HandleConductorTakeover(ctx context.Context, task ports.Task) error {
	node := task.Node()
	var err error
	if node.ProvisionState == domain.StateCleanFail {
		err = h.HandleCleaningError(ctx, task, takeoverMessage, WithoutFailState())
	} else {
		node.LastError = takeoverMessage
		err = task.Save(ctx)
	}
	h.logger.Warn("aborted the current operation due to conductor take over", "node", node.UUID)
	return err
}

// HandleSpawnFailure records that no worker could be started for operation.
// It reports false and leaves the node alone for any other error.
func (h *Handlers) HandleSpawnFailure(ctx context.Context, err error, node *domain.Node, operation string) (bool, error) {
	if !errors.Is(err, domain.ErrNoFreeWorker) {
		return false, nil
	}
	node.LastError = noFreeWorkersMessage
	h.logger.Warn("no free conductor workers", "node", node.UUID, "operation", operation)
	return true, h.save(ctx, node)
}

func (h *Handlers) HandleCleaningSpawnFailure(ctx context.Context, err error, node *domain.Node) (bool, error) {
	return h.HandleSpawnFailure(ctx, err, node, "cleaning")
}

func (h *Handlers) HandleDeployingSpawnFailure(ctx context.Context, err error, node *domain.Node) (bool, error) {
	return h.HandleSpawnFailure(ctx, err, node, "deploying")
}

// HandleRescueSpawnFailure also drops the staged rescue password.
func (h *Handlers) HandleRescueSpawnFailure(ctx context.Context, err error, node *domain.Node) (bool, error) {
	if !errors.Is(err, domain.ErrNoFreeWorker) {
		return false, nil
	}
	if saveErr := h.RemoveRescuePassword(ctx, node, false); saveErr != nil {
		return true, saveErr
	}
	return h.HandleSpawnFailure(ctx, err, node, "rescue")
}

// HandlePowerSpawnFailure restores the power fields to powerState. No power
// notification is emitted since no action was attempted.
func (h *Handlers) HandlePowerSpawnFailure(ctx context.Context, err error, node *domain.Node, powerState domain.PowerState) (bool, error) {
	if !errors.Is(err, domain.ErrNoFreeWorker) {
		return false, nil
	}
	node.PowerState = powerState
	node.TargetPowerState = domain.PowerNoState
	node.LastError = noFreeWorkersMessage
	h.logger.Warn("no free conductor workers for power change", "node", node.UUID, "power_state", powerState)
	return true, h.save(ctx, node)
}

// HandleProvisioningSpawnFailure restores the provision fields for a
// workflow whose driver never started.
func (h *Handlers) HandleProvisioningSpawnFailure(ctx context.Context, err error, node *domain.Node, provisionState, targetProvisionState domain.ProvisionState) (bool, error) {
	if !errors.Is(err, domain.ErrNoFreeWorker) {
		return false, nil
	}
	node.ProvisionState = provisionState
	node.TargetProvisionState = targetProvisionState
	node.LastError = noFreeWorkersMessage
	h.logger.Warn("no free conductor workers for provisioning", "node", node.UUID,
		"provision_state", provisionState, "target_provision_state", targetProvisionState)
	return true, h.save(ctx, node)
}

// RemoveRescuePassword forgets the node's rescue password, saving the node
// when save is set.
func (h *Handlers) RemoveRescuePassword(ctx context.Context, node *domain.Node, save bool) error {
	node.InstanceInfo.RescuePassword = nil
	if !save {
		return nil
	}
	return h.save(ctx, node)
}

func (h *Handlers) tearDownCleaning(ctx context.Context, task ports.Task) error {
	driver := task.Driver()
	if driver == nil || driver.Deploy == nil {
		return fmt.Errorf("%w: deploy", domain.ErrUnsupportedDriverExtension)
	}
	return driver.Deploy.TearDownCleaning(ctx, task)
}

func (h *Handlers) cleanUpDeploy(ctx context.Context, task ports.Task) error {
	driver := task.Driver()
	if driver == nil || driver.Deploy == nil {
		return fmt.Errorf("%w: deploy", domain.ErrUnsupportedDriverExtension)
	}
	return driver.Deploy.CleanUp(ctx, task)
}

func (h *Handlers) abortRescue(ctx context.Context, task ports.Task) error {
	if h.power != nil {
		if err := h.power.PerformPowerAction(ctx, task, domain.PowerOff, 0); err != nil {
			return err
		}
	}
	driver := task.Driver()
	if driver == nil || driver.Rescue == nil {
		return fmt.Errorf("%w: rescue", domain.ErrUnsupportedDriverExtension)
	}
	return driver.Rescue.CleanUp(ctx, task)
}

// fail fires the fail event. An invalid transition is logged and swallowed
// since the node may already be moving to a failed state.
func (h *Handlers) fail(ctx context.Context, task ports.Task, target domain.ProvisionState) error {
	err := task.ProcessEvent(ctx, domain.EventFail, target)
	if err == nil {
		return nil
	}
	node := task.Node()
	if domain.IsInvalidState(err) {
		h.logger.Error("internal error, node could not transition to a failed state",
			"node", node.UUID, "provision_state", node.ProvisionState, "error", err)
		return nil
	}
	return err
}

func (h *Handlers) save(ctx context.Context, node *domain.Node) error {
	if h.nodes == nil {
		return fmt.Errorf("%w: no node store configured", domain.ErrStorage)
	}
	return h.nodes.Save(ctx, node)
}
