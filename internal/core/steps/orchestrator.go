package steps

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/tiendc/go-deepcopy"
)

// Orchestrator discovers, merges and validates the ordered step lists that
// cleaning and deployment execute.
type Orchestrator struct {
	templates ports.TemplateStore
	cleaning  domain.CleaningConfig
	logger    *slog.Logger
}

func NewOrchestrator(templates ports.TemplateStore, cleaning domain.CleaningConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		templates: templates,
		cleaning:  cleaning,
		logger:    logger.With("component", "step-orchestrator"),
	}
}

// CollectSteps queries every step-producing interface the node's driver has,
// in the fixed interface order. Interfaces the driver lacks are skipped.
func (o *Orchestrator) CollectSteps(ctx context.Context, task ports.Task, kind domain.WorkflowKind, enabledOnly, sorted bool) ([]domain.Step, error) {
	driver := task.Driver()
	var collected []domain.Step

	for _, name := range domain.StepInterfaces {
		iface := driver.Interface(name)
		if iface == nil {
			continue
		}

		var (
			found []domain.Step
			err   error
		)
		switch kind {
		case domain.WorkflowCleaning:
			provider, ok := iface.(ports.CleanStepProvider)
			if !ok {
				continue
			}
			found, err = provider.GetCleanSteps(ctx, task)
		case domain.WorkflowDeploying:
			provider, ok := iface.(ports.DeployStepProvider)
			if !ok {
				continue
			}
			found, err = provider.GetDeploySteps(ctx, task)
		default:
			return nil, fmt.Errorf("%w: unknown workflow kind %d", domain.ErrInvalidParameter, kind)
		}
		if err != nil {
			return nil, &domain.StepDiscoveryError{Kind: kind, Err: fmt.Errorf("%s interface: %w", name, err)}
		}

		for _, step := range found {
			if enabledOnly && !step.Enabled() {
				continue
			}
			collected = append(collected, step)
		}
	}

	if sorted {
		SortSteps(collected, kind)
	}
	return collected, nil
}

func (o *Orchestrator) CleaningSteps(ctx context.Context, task ports.Task, enabledOnly, sorted bool) ([]domain.Step, error) {
	return o.CollectSteps(ctx, task, domain.WorkflowCleaning, enabledOnly, sorted)
}

func (o *Orchestrator) DeploymentSteps(ctx context.Context, task ports.Task, enabledOnly, sorted bool) ([]domain.Step, error) {
	return o.CollectSteps(ctx, task, domain.WorkflowDeploying, enabledOnly, sorted)
}

// SortSteps orders steps by priority, highest first. Equal priorities are
// broken by the kind's interface priority and otherwise keep their order.
func SortSteps(steps []domain.Step, kind domain.WorkflowKind) {
	slices.SortStableFunc(steps, func(a, b domain.Step) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return kind.InterfacePriority(b.Interface) - kind.InterfacePriority(a.Interface)
	})
}

// ResolveDeployTemplates returns the templates named by the node's instance
// traits.
func (o *Orchestrator) ResolveDeployTemplates(ctx context.Context, task ports.Task) ([]domain.DeployTemplate, error) {
	traits := task.Node().InstanceInfo.Traits
	if len(traits) == 0 || o.templates == nil {
		return nil, nil
	}
	return o.templates.ListByNames(ctx, traits)
}

// TemplateUserSteps flattens the steps of the node's matching templates,
// keeping only the fields a user may set.
func (o *Orchestrator) TemplateUserSteps(ctx context.Context, task ports.Task) ([]domain.Step, []domain.DeployTemplate, error) {
	templates, err := o.ResolveDeployTemplates(ctx, task)
	if err != nil {
		return nil, nil, err
	}
	var userSteps []domain.Step
	for _, tmpl := range templates {
		for _, step := range tmpl.Steps {
			userStep := domain.Step{
				Interface: step.Interface,
				Step:      step.Step,
				Priority:  step.Priority,
			}
			if step.Args != nil {
				if err := deepcopy.Copy(&userStep.Args, step.Args); err != nil {
					return nil, nil, fmt.Errorf("copy args of %s in template %s: %w", step.Key(), tmpl.Name, err)
				}
			}
			userSteps = append(userSteps, userStep)
		}
	}
	return userSteps, templates, nil
}

// ValidateDeployTemplates checks the steps of the node's matching templates
// against every deploy step the driver offers, enabled or not.
func (o *Orchestrator) ValidateDeployTemplates(ctx context.Context, task ports.Task) ([]domain.Step, error) {
	userSteps, templates, err := o.TemplateUserSteps(ctx, task)
	if err != nil {
		return nil, err
	}
	driverSteps, err := o.DeploymentSteps(ctx, task, false, false)
	if err != nil {
		return nil, err
	}
	validated, err := validate(userSteps, driverSteps, domain.WorkflowDeploying, templatePrefix(templates))
	if err != nil {
		o.logger.Warn("deploy template validation failed", "node", task.Node().UUID, "error", err)
		return nil, err
	}
	return validated, nil
}

// MergeDeploymentSteps combines enabled driver deploy steps with the steps of
// the node's templates. A template step replaces any driver step with the
// same interface and step, and only enabled template steps are kept. The
// templates are not validated here; a disabled step the driver does not
// offer contributes nothing.
func (o *Orchestrator) MergeDeploymentSteps(ctx context.Context, task ports.Task) ([]domain.Step, error) {
	userSteps, _, err := o.TemplateUserSteps(ctx, task)
	if err != nil {
		return nil, err
	}
	driverSteps, err := o.DeploymentSteps(ctx, task, true, false)
	if err != nil {
		return nil, err
	}

	overridden := make(map[domain.StepKey]struct{}, len(userSteps))
	for _, step := range userSteps {
		overridden[step.Key()] = struct{}{}
	}

	merged := make([]domain.Step, 0, len(driverSteps)+len(userSteps))
	for _, step := range driverSteps {
		if _, ok := overridden[step.Key()]; ok {
			continue
		}
		merged = append(merged, step)
	}
	for _, step := range userSteps {
		if step.Enabled() {
			merged = append(merged, step)
		}
	}

	SortSteps(merged, domain.WorkflowDeploying)
	return merged, nil
}

// PrepareCleaning stages the clean steps for the node's current cleaning
// run. Automated cleaning uses every enabled driver step; manual cleaning
// validates the steps the operator already staged. The node is only changed
// when the steps are valid.
func (o *Orchestrator) PrepareCleaning(ctx context.Context, task ports.Task) error {
	node := task.Node()

	var staged []domain.Step
	if !node.IsManualClean() {
		enabled, err := o.CleaningSteps(ctx, task, true, true)
		if err != nil {
			return err
		}
		staged = enabled
	} else {
		driverSteps, err := o.CleaningSteps(ctx, task, false, false)
		if err != nil {
			return err
		}
		validated, err := ValidateUserSteps(node.DriverInternalInfo.CleanSteps, driverSteps, domain.WorkflowCleaning)
		if err != nil {
			return err
		}
		staged = validated
	}
	if staged == nil {
		staged = []domain.Step{}
	}

	node.DriverInternalInfo.CleanSteps = staged
	node.CleanStep = nil
	node.DriverInternalInfo.CleanStepIndex = nil
	if err := task.Save(ctx); err != nil {
		return err
	}
	o.logger.Debug("clean steps prepared", "node", node.UUID, "manual", node.IsManualClean(), "count", len(staged))
	return nil
}

// PrepareDeployment stages the merged deploy steps and resets the cursor.
func (o *Orchestrator) PrepareDeployment(ctx context.Context, task ports.Task) error {
	merged, err := o.MergeDeploymentSteps(ctx, task)
	if err != nil {
		return err
	}
	node := task.Node()
	node.DriverInternalInfo.DeploySteps = merged
	node.DeployStep = nil
	node.DriverInternalInfo.DeployStepIndex = nil
	if err := task.Save(ctx); err != nil {
		return err
	}
	o.logger.Debug("deploy steps prepared", "node", node.UUID, "count", len(merged))
	return nil
}

// SkipAutomatedCleaning reports whether automated cleaning is disabled both
// for the conductor and for the node.
func (o *Orchestrator) SkipAutomatedCleaning(node *domain.Node) bool {
	nodeEnabled := node.AutomatedClean != nil && *node.AutomatedClean
	return !o.cleaning.AutomatedCleanEnabled() && !nodeEnabled
}

func templatePrefix(templates []domain.DeployTemplate) string {
	names := make([]string, 0, len(templates))
	for _, t := range templates {
		names = append(names, t.Name)
	}
	return fmt.Sprintf("Validation of deploy steps from deploy templates matching this node's instance traits failed. Matching deploy templates: %s. Errors: ",
		strings.Join(names, ","))
}
