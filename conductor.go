// Package conductor provides the orchestration core of a bare-metal node
// lifecycle manager.
//
// A conductor drives physical machines through cleaning, deployment and
// rescue by sequencing the steps their hardware drivers offer, under a
// per-node lock. It provides:
//   - Power state changes that skip no-op transitions and wait for the
//     hardware with bounded exponential backoff
//   - Discovery, prioritisation and validation of clean and deploy steps,
//     including deploy templates selected by instance traits
//   - Failure handling that leaves every node in a well defined state
//   - Handoff of running workflows between peer conductors over gRPC
//
// Basic usage:
//
//	c, err := conductor.New("conductor-1", "0.0.0.0:6385", "./data", logger)
//	if err != nil {
//	    return err
//	}
//	c.RegisterDriver("ipmi", &conductor.DriverSet{Power: myPower, Deploy: myDeploy})
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Stop()
//
//	node := &conductor.Node{Name: "rack1-u12", Driver: "ipmi"}
//	c.EnrollNode(ctx, node)
//	c.ManageNode(ctx, node.UUID)
//	c.ProvideNode(ctx, node.UUID)
package conductor

import (
	"log/slog"

	"github.com/eleven-am/conductor/internal/adapters/notify"
	"github.com/eleven-am/conductor/internal/core"
	"github.com/eleven-am/conductor/internal/core/steps"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// Conductor manages nodes, their locks and the workflows running on them.
type Conductor = core.Manager

// Option customises a Conductor at construction.
type Option = core.Option

// Node is the conductor's record of a bare-metal machine.
type Node = domain.Node

// Port is a network port attached to a node.
type Port = domain.Port

// Step is a single clean or deploy operation offered by a driver interface.
type Step = domain.Step

// ArgInfo describes an argument a step accepts.
type ArgInfo = domain.ArgInfo

// DeployTemplate bundles deploy steps applied to nodes whose instance traits
// name the template.
type DeployTemplate = domain.DeployTemplate

type PowerState = domain.PowerState

type ProvisionState = domain.ProvisionState

// PowerSetNotification is published around every power state change.
type PowerSetNotification = domain.PowerSetNotification

// NotificationSink receives power set notifications. Subscribe one with
// Conductor.Notifications().Subscribe.
type NotificationSink = notify.Sink

// Task is exclusive access to a node, handed to drivers on every call.
type Task = ports.Task

// DriverSet composes the capability interfaces of one hardware type.
type DriverSet = ports.DriverSet

// Driver capability interfaces. A DriverSet may leave any of them nil.
type (
	PowerInterface      = ports.PowerInterface
	ManagementInterface = ports.ManagementInterface
	DeployInterface     = ports.DeployInterface
	BiosInterface       = ports.BiosInterface
	RaidInterface       = ports.RaidInterface
	RescueInterface     = ports.RescueInterface
	StorageInterface    = ports.StorageInterface
	NetworkInterface    = ports.NetworkInterface
	CleanStepExecutor   = ports.CleanStepExecutor
	DeployStepExecutor  = ports.DeployStepExecutor
	HostAgentWaiter     = ports.HostAgentWaiter
)

// Power states and requested power actions.
const (
	PowerOn      = domain.PowerOn
	PowerOff     = domain.PowerOff
	Reboot       = domain.Reboot
	SoftReboot   = domain.SoftReboot
	SoftPowerOff = domain.SoftPowerOff
)

// Provision states a node moves through.
const (
	StateEnroll     = domain.StateEnroll
	StateManageable = domain.StateManageable
	StateAvailable  = domain.StateAvailable
	StateActive     = domain.StateActive
	StateCleaning   = domain.StateCleaning
	StateCleanWait  = domain.StateCleanWait
	StateCleanFail  = domain.StateCleanFail
	StateDeploying  = domain.StateDeploying
	StateDeployWait = domain.StateDeployWait
	StateDeployFail = domain.StateDeployFail
	StateRescueWait = domain.StateRescueWait
	StateRescueFail = domain.StateRescueFail
)

// Errors callers can match with errors.Is.
var (
	ErrInvalidParameter  = domain.ErrInvalidParameter
	ErrInvalidState      = domain.ErrInvalidState
	ErrNodeLocked        = domain.ErrNodeLocked
	ErrNoFreeWorker      = domain.ErrNoFreeWorker
	ErrNotFound          = domain.ErrNotFound
	ErrPowerStateTimeout = domain.ErrPowerStateTimeout
)

// WorkflowKind selects clean or deploy rules when validating steps.
type WorkflowKind = domain.WorkflowKind

const (
	WorkflowCleaning  = domain.WorkflowCleaning
	WorkflowDeploying = domain.WorkflowDeploying
)

// New creates a conductor with default settings. An empty dataDir keeps all
// state in memory.
func New(conductorID, bindAddr, dataDir string, logger *slog.Logger) (*Conductor, error) {
	return core.New(conductorID, bindAddr, dataDir, logger)
}

// NewWithConfig creates a conductor from a full configuration.
//
// Example:
//
//	config := conductor.DefaultConfig()
//	config.ConductorID = "conductor-1"
//	config.Transport.Peers = []conductor.PeerConfig{{ID: "conductor-2", Address: "10.0.0.2:6385"}}
//	c, err := conductor.NewWithConfig(config)
func NewWithConfig(config *Config, opts ...Option) (*Conductor, error) {
	return core.NewWithConfig(config, opts...)
}

// WithHostAgentWaiter makes power changes on smart NIC nodes wait for the
// host's network agent.
func WithHostAgentWaiter(waiter HostAgentWaiter) Option {
	return core.WithHostAgentWaiter(waiter)
}

// ValidateUserSteps checks operator supplied steps against the steps a
// driver offers and reports every problem at once.
func ValidateUserSteps(userSteps, driverSteps []Step, kind WorkflowKind) ([]Step, error) {
	return steps.ValidateUserSteps(userSteps, driverSteps, kind)
}
