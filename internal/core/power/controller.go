package power

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// errNotYet keeps the backoff loop polling while the node has not reached the
// desired state.
var errNotYet = errors.New("power state not reached yet")

type Controller struct {
	config      domain.PowerConfig
	agent       domain.AgentConfig
	notifier    ports.Notifier
	agentWaiter ports.HostAgentWaiter
	logger      *slog.Logger
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

func WithAgentConfig(cfg domain.AgentConfig) Option {
	return func(c *Controller) {
		c.agent = cfg
	}
}

// WithHostAgentWaiter lets PowerOnIfNeeded wait for a smart NIC host agent
// after powering the node on.
func WithHostAgentWaiter(waiter ports.HostAgentWaiter) Option {
	return func(c *Controller) {
		c.agentWaiter = waiter
	}
}

func WithClock(clock func() time.Time) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewController(config domain.PowerConfig, notifier ports.Notifier, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		config:   config,
		agent:    domain.DefaultAgentConfig(),
		notifier: notifier,
		logger:   logger.With("component", "power-controller"),
		clock:    time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetBootDevice validates the management interface and sets the boot device.
// Nodes being adopted keep their boot configuration.
func (c *Controller) SetBootDevice(ctx context.Context, task ports.Task, device string, persistent bool) error {
	mgmt, err := c.management(ctx, task)
	if err != nil {
		return err
	}
	node := task.Node()
	if node.ProvisionState == domain.StateAdopting {
		c.logger.Debug("not setting boot device while adopting", "node", node.UUID, "device", device)
		return nil
	}
	return mgmt.SetBootDevice(ctx, task, device, persistent)
}

func (c *Controller) GetBootMode(ctx context.Context, task ports.Task) (string, error) {
	mgmt, err := c.management(ctx, task)
	if err != nil {
		return "", err
	}
	return mgmt.GetBootMode(ctx, task)
}

// SetBootMode applies mode if the driver supports it. It is a no-op for nodes
// being adopted.
func (c *Controller) SetBootMode(ctx context.Context, task ports.Task, mode string) error {
	node := task.Node()
	if node.ProvisionState == domain.StateAdopting {
		return nil
	}
	mgmt, err := c.management(ctx, task)
	if err != nil {
		return err
	}
	supported, err := mgmt.GetSupportedBootModes(ctx, task)
	if err != nil {
		return err
	}
	if !slices.Contains(supported, mode) {
		return domain.NewInvalidParameterError(
			"unsupported boot mode %s specified for node %s; supported boot modes are: %s",
			mode, node.UUID, strings.Join(supported, ", "))
	}
	return mgmt.SetBootMode(ctx, task, mode)
}

// WaitForPowerState polls the driver until the node reports target, starting
// one interval after the call. The delay between polls grows exponentially
// and the whole wait is bounded by timeout,
// or the configured state change timeout when timeout is zero.
func (c *Controller) WaitForPowerState(ctx context.Context, task ports.Task, target domain.PowerState, timeout time.Duration) (domain.PowerState, error) {
	driver := task.Driver()
	if driver == nil || driver.Power == nil {
		return domain.PowerNoState, fmt.Errorf("%w: power", domain.ErrUnsupportedDriverExtension)
	}
	if timeout <= 0 {
		timeout = c.config.StateChangeTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.PollInterval
	b.MaxInterval = c.config.PollMaxInterval
	b.Multiplier = c.config.PollMultiplier
	b.RandomizationFactor = 0
	b.Reset()

	// The first read happens one interval after the request.
	first := b.NextBackOff()
	if err := c.sleep(ctx, first); err != nil {
		return domain.PowerNoState, err
	}
	b.MaxElapsedTime = timeout - first
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = time.Nanosecond
	}

	var current domain.PowerState
	poll := func() error {
		state, err := driver.Power.GetPowerState(ctx, task)
		if err != nil {
			return backoff.Permanent(err)
		}
		current = state
		if state != target {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(poll, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return current, nil
	case errors.Is(err, errNotYet):
		node := task.Node()
		c.logger.Error("timed out waiting for power state",
			"node", node.UUID, "state", target, "timeout", timeout, "last_seen", current)
		return current, &domain.PowerStateError{NodeUUID: node.UUID, State: target}
	default:
		return current, err
	}
}

// PerformPowerAction drives the node towards newState and keeps the persisted
// power fields and notifications consistent with the outcome. Driver errors
// are recorded on the node and returned unchanged.
func (c *Controller) PerformPowerAction(ctx context.Context, task ports.Task, newState domain.PowerState, timeout time.Duration) error {
	if task.Shared() {
		return fmt.Errorf("%w: power action %q", domain.ErrSharedTask, newState)
	}
	driver := task.Driver()
	if driver == nil || driver.Power == nil {
		return fmt.Errorf("%w: power", domain.ErrUnsupportedDriverExtension)
	}
	node := task.Node()

	c.notify(ctx, node, domain.NotificationLevelInfo, domain.NotificationStatusStart, newState)

	skip, err := c.canSkip(ctx, task, newState)
	if err != nil || skip {
		return err
	}

	target := newState.TargetFor()
	if node.TargetPowerState != target {
		node.TargetPowerState = target
		node.LastError = ""
		if err := task.Save(ctx); err != nil {
			return err
		}
	}

	if err := c.apply(ctx, task, driver, newState, target, timeout); err != nil {
		node.TargetPowerState = domain.PowerNoState
		node.LastError = fmt.Sprintf("Failed to change power state to '%s' by '%s'. Error: %v", target, newState, err)
		if saveErr := task.Save(ctx); saveErr != nil {
			c.logger.Error("failed to record power action failure", "node", node.UUID, "error", saveErr)
		}
		c.notify(ctx, node, domain.NotificationLevelError, domain.NotificationStatusError, newState)
		return err
	}

	node.PowerState = target
	node.TargetPowerState = domain.PowerNoState
	if err := task.Save(ctx); err != nil {
		return err
	}
	c.notify(ctx, node, domain.NotificationLevelInfo, domain.NotificationStatusEnd, newState)
	c.logger.Info("power state changed", "node", node.UUID, "state", target, "requested", newState)

	if target == domain.PowerOff && node.ProvisionState == domain.StateActive && driver.Storage != nil {
		if err := driver.Storage.DetachVolumes(ctx, task); err != nil {
			c.logger.Error("failed to detach volumes after power off", "node", node.UUID, "error", err)
		}
	}
	return nil
}

func (c *Controller) apply(ctx context.Context, task ports.Task, driver *ports.DriverSet, newState, target domain.PowerState, timeout time.Duration) error {
	node := task.Node()
	if target == domain.PowerOn && node.ProvisionState == domain.StateActive && driver.Storage != nil {
		if err := driver.Storage.AttachVolumes(ctx, task); err != nil {
			return err
		}
	}
	if newState == domain.Reboot {
		return driver.Power.Reboot(ctx, task, timeout)
	}
	return driver.Power.SetPowerState(ctx, task, newState, timeout)
}

// canSkip reports whether the node already is where newState would take it.
// Reboots always run.
func (c *Controller) canSkip(ctx context.Context, task ports.Task, newState domain.PowerState) (bool, error) {
	if newState != domain.PowerOn && newState != domain.PowerOff && newState != domain.SoftPowerOff {
		return false, nil
	}
	node := task.Node()

	current, err := task.Driver().Power.GetPowerState(ctx, task)
	if err != nil {
		node.TargetPowerState = domain.PowerNoState
		node.LastError = fmt.Sprintf("Failed to change power state to '%s'. Error: %v", newState, err)
		if saveErr := task.Save(ctx); saveErr != nil {
			c.logger.Error("failed to record power state read failure", "node", node.UUID, "error", saveErr)
		}
		c.notify(ctx, node, domain.NotificationLevelError, domain.NotificationStatusError, newState)
		return false, err
	}

	switch current {
	case domain.PowerOn:
		if newState != domain.PowerOn {
			return false, nil
		}
	case domain.PowerOff:
		if newState != domain.PowerOff && newState != domain.SoftPowerOff {
			return false, nil
		}
	default:
		c.logger.Warn("driver reported unexpected power state, continuing", "node", node.UUID, "state", current)
		return false, nil
	}

	node.LastError = ""
	node.PowerState = current
	node.TargetPowerState = domain.PowerNoState
	if err := task.Save(ctx); err != nil {
		return false, err
	}
	c.notify(ctx, node, domain.NotificationLevelInfo, domain.NotificationStatusEnd, newState)
	c.logger.Warn("not going to change power state, node already in requested state",
		"node", node.UUID, "state", current, "requested", newState)
	return true, nil
}

// PowerOnIfNeeded powers a switched-off node on when its network interface
// needs the host running to reconfigure ports. It returns the state to
// restore afterwards, or PowerNoState when nothing changed.
func (c *Controller) PowerOnIfNeeded(ctx context.Context, task ports.Task) (domain.PowerState, error) {
	driver := task.Driver()
	if driver == nil || driver.Network == nil || !driver.Network.NeedPowerOn(ctx, task) {
		return domain.PowerNoState, nil
	}
	if driver.Power == nil {
		return domain.PowerNoState, fmt.Errorf("%w: power", domain.ErrUnsupportedDriverExtension)
	}

	previous, err := driver.Power.GetPowerState(ctx, task)
	if err != nil {
		return domain.PowerNoState, err
	}
	if previous != domain.PowerOff {
		return domain.PowerNoState, nil
	}

	if err := c.SetBootDevice(ctx, task, domain.BootDeviceBIOS, false); err != nil {
		return domain.PowerNoState, err
	}
	if err := c.PerformPowerAction(ctx, task, domain.PowerOn, 0); err != nil {
		return domain.PowerNoState, err
	}

	if hostID := domain.SmartNICHostID(task.Ports()); hostID != "" && c.agentWaiter != nil {
		if err := c.agentWaiter.WaitForHostAgent(ctx, hostID, "down"); err != nil {
			return previous, err
		}
	}
	return previous, nil
}

// RestorePowerStateIfNeeded returns the node to previous after giving the
// network agent two polling periods to apply its changes.
func (c *Controller) RestorePowerStateIfNeeded(ctx context.Context, task ports.Task, previous domain.PowerState) error {
	if previous == domain.PowerNoState {
		return nil
	}
	if err := c.sleep(ctx, 2*c.agent.PollInterval); err != nil {
		return err
	}
	return c.PerformPowerAction(ctx, task, previous, 0)
}

func (c *Controller) management(ctx context.Context, task ports.Task) (ports.ManagementInterface, error) {
	driver := task.Driver()
	if driver == nil || driver.Management == nil {
		return nil, fmt.Errorf("%w: management", domain.ErrUnsupportedDriverExtension)
	}
	if err := driver.Management.Validate(ctx, task); err != nil {
		return nil, err
	}
	return driver.Management, nil
}

func (c *Controller) notify(ctx context.Context, node *domain.Node, level domain.NotificationLevel, status domain.NotificationStatus, requested domain.PowerState) {
	if c.notifier == nil {
		return
	}
	c.notifier.EmitPowerSet(ctx, domain.PowerSetNotification{
		NodeUUID:         node.UUID,
		Level:            level,
		Status:           status,
		RequestedState:   requested,
		PowerState:       node.PowerState,
		TargetPowerState: node.TargetPowerState,
		ProvisionState:   node.ProvisionState,
		Timestamp:        c.clock().UTC(),
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
