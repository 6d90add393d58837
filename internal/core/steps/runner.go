package steps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// Runner walks the steps staged on a node, in order, and executes them
// through the driver interface that owns each step. Staging already dropped
// disabled steps, except for manual cleaning where every requested step
// runs. The node's step cursor is saved before every step so that a
// callback or another conductor can resume after the last one started.
type Runner struct {
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With("component", "step-runner")}
}

// RunCleaning executes the remaining clean steps. It returns true when a
// step went asynchronous and the node must wait for a callback.
func (r *Runner) RunCleaning(ctx context.Context, task ports.Task) (bool, error) {
	node := task.Node()
	return r.run(ctx, task, domain.WorkflowCleaning, node.DriverInternalInfo.CleanSteps, node.DriverInternalInfo.CleanStepIndex,
		func(step *domain.Step, index *int) {
			node.CleanStep = step
			node.DriverInternalInfo.CleanStepIndex = index
		})
}

func (r *Runner) RunDeployment(ctx context.Context, task ports.Task) (bool, error) {
	node := task.Node()
	return r.run(ctx, task, domain.WorkflowDeploying, node.DriverInternalInfo.DeploySteps, node.DriverInternalInfo.DeployStepIndex,
		func(step *domain.Step, index *int) {
			node.DeployStep = step
			node.DriverInternalInfo.DeployStepIndex = index
		})
}

func (r *Runner) run(ctx context.Context, task ports.Task, kind domain.WorkflowKind, staged []domain.Step, cursor *int, mark func(*domain.Step, *int)) (bool, error) {
	node := task.Node()
	start := 0
	if cursor != nil {
		start = *cursor + 1
	}

	for i := start; i < len(staged); i++ {
		step := staged[i]
		if err := ctx.Err(); err != nil {
			return false, err
		}

		index := i
		current := step
		mark(&current, &index)
		if err := task.Save(ctx); err != nil {
			return false, err
		}

		r.logger.Info("executing step", "node", node.UUID, "kind", kind.String(), "step", step.String(), "index", i)
		async, err := r.execute(ctx, task, kind, step)
		if err != nil {
			return false, fmt.Errorf("%w: %s step %s: %w", failureFor(kind), kind, step, err)
		}
		if async {
			r.logger.Info("step continues asynchronously", "node", node.UUID, "step", step.String())
			return true, nil
		}
	}

	mark(nil, nil)
	if err := task.Save(ctx); err != nil {
		return false, err
	}
	r.logger.Info("all steps executed", "node", node.UUID, "kind", kind.String())
	return false, nil
}

func (r *Runner) execute(ctx context.Context, task ports.Task, kind domain.WorkflowKind, step domain.Step) (bool, error) {
	iface := task.Driver().Interface(step.Interface)
	switch kind {
	case domain.WorkflowCleaning:
		if executor, ok := iface.(ports.CleanStepExecutor); ok {
			return executor.ExecuteCleanStep(ctx, task, step)
		}
	case domain.WorkflowDeploying:
		if executor, ok := iface.(ports.DeployStepExecutor); ok {
			return executor.ExecuteDeployStep(ctx, task, step)
		}
	}
	return false, fmt.Errorf("%w: %s cannot execute %s steps", domain.ErrUnsupportedDriverExtension, step.Interface, kind)
}

func failureFor(kind domain.WorkflowKind) error {
	if kind == domain.WorkflowDeploying {
		return domain.ErrDeployFailure
	}
	return domain.ErrCleaningFailure
}
