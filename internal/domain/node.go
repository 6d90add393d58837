package domain

import (
	"time"
)

// Node is the conductor's view of a bare-metal machine. The core mutates it in
// memory while holding the node's exclusive lock and persists it explicitly.
type Node struct {
	UUID           string `json:"uuid"`
	Name           string `json:"name,omitempty"`
	Driver         string `json:"driver,omitempty"`
	ConductorGroup string `json:"conductor_group,omitempty"`

	ProvisionState       ProvisionState `json:"provision_state"`
	TargetProvisionState ProvisionState `json:"target_provision_state,omitempty"`
	PowerState           PowerState     `json:"power_state"`
	TargetPowerState     PowerState     `json:"target_power_state,omitempty"`

	LastError         string `json:"last_error,omitempty"`
	Maintenance       bool   `json:"maintenance"`
	MaintenanceReason string `json:"maintenance_reason,omitempty"`
	Fault             Fault  `json:"fault,omitempty"`

	CleanStep  *Step `json:"clean_step,omitempty"`
	DeployStep *Step `json:"deploy_step,omitempty"`

	DriverInternalInfo DriverInternalInfo `json:"driver_internal_info"`
	InstanceInfo       InstanceInfo       `json:"instance_info"`
	Traits             []string           `json:"traits,omitempty"`

	// AutomatedClean overrides the conductor-wide setting when non-nil.
	AutomatedClean *bool `json:"automated_clean,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DriverInternalInfo is the scratch area drivers and the conductor use to
// track an in-flight workflow. Pointer and nil-slice fields distinguish
// "absent" from a zero value.
type DriverInternalInfo struct {
	CleanSteps      []Step         `json:"clean_steps,omitempty"`
	CleanStepIndex  *int           `json:"clean_step_index,omitempty"`
	DeploySteps     []Step         `json:"deploy_steps,omitempty"`
	DeployStepIndex *int           `json:"deploy_step_index,omitempty"`
	CleaningReboot  bool           `json:"cleaning_reboot,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// InstanceInfo holds user-visible data about the workload on the node.
type InstanceInfo struct {
	Traits         []string       `json:"traits,omitempty"`
	RescuePassword *string        `json:"rescue_password,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// IsManualClean reports whether the node is being cleaned on operator request.
// Manual cleaning returns to manageable, automated cleaning to available.
func (n *Node) IsManualClean() bool {
	return n.TargetProvisionState == StateManageable
}

// ClearCleaningProgress forgets the current clean step and cursor.
func (n *Node) ClearCleaningProgress() {
	n.CleanStep = nil
	n.DriverInternalInfo.CleanStepIndex = nil
	n.DriverInternalInfo.CleaningReboot = false
}

// ClearDeployProgress forgets the current deploy step and cursor. The staged
// deploy steps are left in place for debugging.
func (n *Node) ClearDeployProgress() {
	n.DeployStep = nil
	n.DriverInternalInfo.DeployStepIndex = nil
}

// Clone returns a deep enough copy for callers that must not share slices or
// maps with the original.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.CleanStep = n.CleanStep.Clone()
	c.DeployStep = n.DeployStep.Clone()
	c.DriverInternalInfo.CleanSteps = CloneSteps(n.DriverInternalInfo.CleanSteps)
	c.DriverInternalInfo.DeploySteps = CloneSteps(n.DriverInternalInfo.DeploySteps)
	c.DriverInternalInfo.CleanStepIndex = cloneInt(n.DriverInternalInfo.CleanStepIndex)
	c.DriverInternalInfo.DeployStepIndex = cloneInt(n.DriverInternalInfo.DeployStepIndex)
	c.DriverInternalInfo.Extra = cloneMap(n.DriverInternalInfo.Extra)
	c.InstanceInfo.Traits = append([]string(nil), n.InstanceInfo.Traits...)
	c.InstanceInfo.Extra = cloneMap(n.InstanceInfo.Extra)
	if n.InstanceInfo.RescuePassword != nil {
		pw := *n.InstanceInfo.RescuePassword
		c.InstanceInfo.RescuePassword = &pw
	}
	c.Traits = append([]string(nil), n.Traits...)
	if n.AutomatedClean != nil {
		v := *n.AutomatedClean
		c.AutomatedClean = &v
	}
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Port is a network port attached to a node.
type Port struct {
	UUID                string            `json:"uuid"`
	NodeUUID            string            `json:"node_uuid"`
	Address             string            `json:"address"`
	PortGroupID         string            `json:"portgroup_id,omitempty"`
	PhysicalNetwork     string            `json:"physical_network,omitempty"`
	IsSmartNIC          bool              `json:"is_smartnic"`
	LocalLinkConnection map[string]string `json:"local_link_connection,omitempty"`
}

// SmartNICHostID returns the host name of the first smart NIC port, if any.
func SmartNICHostID(ports []Port) string {
	for _, p := range ports {
		if p.IsSmartNIC && p.LocalLinkConnection["hostname"] != "" {
			return p.LocalLinkConnection["hostname"]
		}
	}
	return ""
}
