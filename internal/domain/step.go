package domain

import "fmt"

// Driver interface names that can produce steps.
const (
	InterfacePower      = "power"
	InterfaceManagement = "management"
	InterfaceDeploy     = "deploy"
	InterfaceBios       = "bios"
	InterfaceRaid       = "raid"
)

// ArgInfo describes one keyword argument accepted by a driver step.
type ArgInfo struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required" yaml:"required"`
}

// Step is a clean or deploy step. Drivers populate ArgsInfo and, for clean
// steps, Abortable. User-supplied steps carry Interface, Step, Args and
// optionally Priority.
type Step struct {
	Interface string             `json:"interface" yaml:"interface"`
	Step      string             `json:"step" yaml:"step"`
	Args      map[string]any     `json:"args,omitempty" yaml:"args,omitempty"`
	Priority  int                `json:"priority" yaml:"priority"`
	Abortable bool               `json:"abortable,omitempty" yaml:"abortable,omitempty"`
	ArgsInfo  map[string]ArgInfo `json:"argsinfo,omitempty" yaml:"argsinfo,omitempty"`
}

// StepKey identifies a step for deduplication and validation.
type StepKey struct {
	Interface string
	Step      string
}

func (k StepKey) String() string {
	return k.Interface + "." + k.Step
}

func (s Step) Key() StepKey {
	return StepKey{Interface: s.Interface, Step: s.Step}
}

func (s Step) Enabled() bool {
	return s.Priority > 0
}

func (s Step) String() string {
	return fmt.Sprintf("{interface: %s, step: %s, priority: %d, args: %v}", s.Interface, s.Step, s.Priority, s.Args)
}

// IsCoreDeployStep reports whether s is the deploy.deploy step, which users
// may disable but never replace.
func (s Step) IsCoreDeployStep() bool {
	return s.Interface == InterfaceDeploy && s.Step == "deploy"
}

func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	c := cloneStep(*s)
	return &c
}

func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = cloneStep(s)
	}
	return out
}

func cloneStep(s Step) Step {
	s.Args = cloneMap(s.Args)
	if s.ArgsInfo != nil {
		info := make(map[string]ArgInfo, len(s.ArgsInfo))
		for k, v := range s.ArgsInfo {
			info[k] = v
		}
		s.ArgsInfo = info
	}
	return s
}

// DeployTemplate is a named bundle of deploy steps selected when its name is
// one of the node's instance traits.
type DeployTemplate struct {
	Name  string `json:"name" yaml:"name"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// WorkflowKind selects the interface priorities, the driver query and the
// validation rules used for a set of steps.
type WorkflowKind int

const (
	WorkflowCleaning WorkflowKind = iota
	WorkflowDeploying
)

func (k WorkflowKind) String() string {
	switch k {
	case WorkflowCleaning:
		return "clean"
	case WorkflowDeploying:
		return "deploy"
	default:
		return "unknown"
	}
}

// StepInterfaces is the fixed iteration order used when collecting steps.
var StepInterfaces = []string{
	InterfacePower,
	InterfaceManagement,
	InterfaceDeploy,
	InterfaceBios,
	InterfaceRaid,
}

// When two steps share a priority the step of the interface with the higher
// value here runs first.
var cleaningInterfacePriority = map[string]int{
	InterfacePower:      5,
	InterfaceManagement: 4,
	InterfaceDeploy:     3,
	InterfaceBios:       2,
	InterfaceRaid:       1,
}

var deployingInterfacePriority = map[string]int{
	InterfacePower:      5,
	InterfaceManagement: 4,
	InterfaceDeploy:     3,
	InterfaceBios:       2,
	InterfaceRaid:       1,
}

// InterfacePriority returns the tie-break priority of iface for the kind.
// Unknown interfaces rank below every known one.
func (k WorkflowKind) InterfacePriority(iface string) int {
	table := cleaningInterfacePriority
	if k == WorkflowDeploying {
		table = deployingInterfacePriority
	}
	return table[iface]
}
