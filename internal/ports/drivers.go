package ports

import (
	"context"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
)

// PowerInterface controls and reports the node's power.
type PowerInterface interface {
	GetPowerState(ctx context.Context, task Task) (domain.PowerState, error)
	SetPowerState(ctx context.Context, task Task, state domain.PowerState, timeout time.Duration) error
	Reboot(ctx context.Context, task Task, timeout time.Duration) error
}

type ManagementInterface interface {
	Validate(ctx context.Context, task Task) error
	SetBootDevice(ctx context.Context, task Task, device string, persistent bool) error
	GetBootMode(ctx context.Context, task Task) (string, error)
	SetBootMode(ctx context.Context, task Task, mode string) error
	GetSupportedBootModes(ctx context.Context, task Task) ([]string, error)
}

type DeployInterface interface {
	CleanStepProvider
	DeployStepProvider
	TearDownCleaning(ctx context.Context, task Task) error
	CleanUp(ctx context.Context, task Task) error
}

type BiosInterface interface {
	CleanStepProvider
	DeployStepProvider
}

type RaidInterface interface {
	CleanStepProvider
	DeployStepProvider
}

type RescueInterface interface {
	CleanUp(ctx context.Context, task Task) error
}

type StorageInterface interface {
	AttachVolumes(ctx context.Context, task Task) error
	DetachVolumes(ctx context.Context, task Task) error
}

type NetworkInterface interface {
	NeedPowerOn(ctx context.Context, task Task) bool
}

// CleanStepProvider is implemented by interfaces that expose clean steps.
type CleanStepProvider interface {
	GetCleanSteps(ctx context.Context, task Task) ([]domain.Step, error)
}

// DeployStepProvider is implemented by interfaces that expose deploy steps.
type DeployStepProvider interface {
	GetDeploySteps(ctx context.Context, task Task) ([]domain.Step, error)
}

// CleanStepExecutor runs a single clean step. It reports true when the step
// continues asynchronously and the node has to wait for a ramdisk callback.
type CleanStepExecutor interface {
	ExecuteCleanStep(ctx context.Context, task Task, step domain.Step) (bool, error)
}

// DeployStepExecutor is the deploy counterpart of CleanStepExecutor.
type DeployStepExecutor interface {
	ExecuteDeployStep(ctx context.Context, task Task, step domain.Step) (bool, error)
}

// DriverSet is the node's composed driver. Any field may be nil when the
// hardware type does not support that capability.
type DriverSet struct {
	Power      PowerInterface
	Management ManagementInterface
	Deploy     DeployInterface
	Bios       BiosInterface
	Raid       RaidInterface
	Rescue     RescueInterface
	Storage    StorageInterface
	Network    NetworkInterface
}

// Interface returns the capability registered under a step interface name,
// or nil when the node has none.
func (d *DriverSet) Interface(name string) any {
	if d == nil {
		return nil
	}
	switch name {
	case domain.InterfacePower:
		if d.Power != nil {
			return d.Power
		}
	case domain.InterfaceManagement:
		if d.Management != nil {
			return d.Management
		}
	case domain.InterfaceDeploy:
		if d.Deploy != nil {
			return d.Deploy
		}
	case domain.InterfaceBios:
		if d.Bios != nil {
			return d.Bios
		}
	case domain.InterfaceRaid:
		if d.Raid != nil {
			return d.Raid
		}
	}
	return nil
}
