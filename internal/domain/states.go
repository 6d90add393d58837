package domain

// PowerState is a node power state or a requested power action.
type PowerState string

const (
	PowerNoState PowerState = ""
	PowerOn      PowerState = "power on"
	PowerOff     PowerState = "power off"
	PowerError   PowerState = "error"
	Reboot       PowerState = "rebooting"
	SoftReboot   PowerState = "soft rebooting"
	SoftPowerOff PowerState = "soft power off"
)

// TargetFor maps a requested power action to the state the node ends up in.
// Unknown requests have no target.
func (s PowerState) TargetFor() PowerState {
	switch s {
	case PowerOn, Reboot, SoftReboot:
		return PowerOn
	case PowerOff, SoftPowerOff:
		return PowerOff
	default:
		return PowerNoState
	}
}

// ProvisionState is the lifecycle phase of a node.
type ProvisionState string

const (
	ProvisionNoState  ProvisionState = ""
	StateEnroll       ProvisionState = "enroll"
	StateManageable   ProvisionState = "manageable"
	StateAvailable    ProvisionState = "available"
	StateActive       ProvisionState = "active"
	StateAdopting     ProvisionState = "adopting"
	StateAdoptFail    ProvisionState = "adopt failed"
	StateCleaning     ProvisionState = "cleaning"
	StateCleanWait    ProvisionState = "clean wait"
	StateCleanFail    ProvisionState = "clean failed"
	StateDeploying    ProvisionState = "deploying"
	StateDeployWait   ProvisionState = "wait call-back"
	StateDeployFail   ProvisionState = "deploy failed"
	StateDeployDone   ProvisionState = "deploy complete"
	StateRescuing     ProvisionState = "rescuing"
	StateRescueWait   ProvisionState = "rescue wait"
	StateRescueFail   ProvisionState = "rescue failed"
	StateRescue       ProvisionState = "rescue"
	StateUnrescuing   ProvisionState = "unrescuing"
	StateUnrescueFail ProvisionState = "unrescue failed"
)

// In reports whether s is one of states.
func (s ProvisionState) In(states ...ProvisionState) bool {
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}

// Provision state machine events.
const (
	EventFail     = "fail"
	EventDone     = "done"
	EventWait     = "wait"
	EventResume   = "resume"
	EventAbort    = "abort"
	EventClean    = "clean"
	EventDeploy   = "deploy"
	EventRescue   = "rescue"
	EventManage   = "manage"
	EventAdopt    = "adopt"
	EventProvide  = "provide"
	EventUnrescue = "unrescue"
)

// Fault records why a node was put into maintenance by the conductor.
type Fault string

const (
	FaultNone               Fault = ""
	FaultCleanFailure       Fault = "clean failure"
	FaultPowerFailure       Fault = "power failure"
	FaultRescueAbortFailure Fault = "rescue abort failure"
)

// Boot devices and modes understood by management interfaces.
const (
	BootDevicePXE  = "pxe"
	BootDeviceDisk = "disk"
	BootDeviceBIOS = "bios"

	BootModeBIOS = "bios"
	BootModeUEFI = "uefi"
)
