package handoff

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

// ResumeMethod asks the conductor listening on topic to continue a workflow
// for a node.
type ResumeMethod func(ctx context.Context, nodeUUID, topic string) error

// Handoff passes an in-progress workflow back to whichever conductor is
// responsible for the node.
type Handoff struct {
	rpc    ports.ConductorRPC
	logger *slog.Logger
}

func New(rpc ports.ConductorRPC, logger *slog.Logger) *Handoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handoff{
		rpc:    rpc,
		logger: logger.With("component", "handoff"),
	}
}

// ResumeOnPeer releases the node lock and calls method on the node's current
// conductor. The task must not be used after this returns, even on error.
func (h *Handoff) ResumeOnPeer(ctx context.Context, task ports.Task, operation string, method ResumeMethod) error {
	node := task.Node()
	nodeUUID := node.UUID

	topic, err := h.rpc.TopicFor(node)
	if err != nil {
		return fmt.Errorf("resolve conductor for node %s: %w", nodeUUID, err)
	}

	h.logger.Debug("handing off to conductor", "node", nodeUUID, "operation", operation, "topic", topic)

	if err := task.ReleaseResources(); err != nil {
		return fmt.Errorf("release node %s before resuming %s: %w", nodeUUID, operation, err)
	}

	if err := method(ctx, nodeUUID, topic); err != nil {
		h.logger.Error("failed to resume operation on conductor",
			"node", nodeUUID, "operation", operation, "topic", topic, "error", err)
		return fmt.Errorf("continue %s on %s: %w", operation, topic, err)
	}
	return nil
}

func (h *Handoff) ResumeCleaning(ctx context.Context, task ports.Task) error {
	return h.ResumeOnPeer(ctx, task, domain.WorkflowCleaning.String(), h.rpc.ContinueNodeClean)
}

func (h *Handoff) ResumeDeploying(ctx context.Context, task ports.Task) error {
	return h.ResumeOnPeer(ctx, task, domain.WorkflowDeploying.String(), h.rpc.ContinueNodeDeploy)
}
