package ports

import (
	"context"

	"github.com/eleven-am/conductor/internal/domain"
)

// Task is exclusive, lock-protected access to one node and its ports. Every
// mutating core operation requires a task that is not shared.
type Task interface {
	Node() *domain.Node
	Ports() []domain.Port
	Driver() *DriverSet
	Shared() bool

	// Save persists the in-memory node synchronously.
	Save(ctx context.Context) error
	// Refresh reloads the node from storage, discarding unsaved changes.
	Refresh(ctx context.Context) error

	// ProcessEvent drives the provision state machine and persists the
	// result. target may be ProvisionNoState to let the machine pick the
	// default target.
	ProcessEvent(ctx context.Context, event string, target domain.ProvisionState) error

	// ReleaseResources drops the node lock. The task must not be used
	// afterwards.
	ReleaseResources() error
}

// TaskManager hands out tasks for nodes.
type TaskManager interface {
	Acquire(ctx context.Context, nodeUUID, purpose string, shared bool) (Task, error)
}

// NodeStore persists node records.
type NodeStore interface {
	Create(ctx context.Context, node *domain.Node) error
	Get(ctx context.Context, uuid string) (*domain.Node, error)
	Save(ctx context.Context, node *domain.Node) error
	List(ctx context.Context) ([]*domain.Node, error)
	Delete(ctx context.Context, uuid string) error

	PutPorts(ctx context.Context, nodeUUID string, ports []domain.Port) error
	ListPorts(ctx context.Context, nodeUUID string) ([]domain.Port, error)
}

// TemplateStore persists deploy templates.
type TemplateStore interface {
	Put(ctx context.Context, template domain.DeployTemplate) error
	ListByNames(ctx context.Context, names []string) ([]domain.DeployTemplate, error)
	Delete(ctx context.Context, name string) error
}

// Notifier publishes node notifications to the external bus. Delivery is
// best effort.
type Notifier interface {
	EmitPowerSet(ctx context.Context, notification domain.PowerSetNotification)
}

// ConductorRPC reaches the conductor responsible for a node.
type ConductorRPC interface {
	TopicFor(node *domain.Node) (string, error)
	ContinueNodeClean(ctx context.Context, nodeUUID, topic string) error
	ContinueNodeDeploy(ctx context.Context, nodeUUID, topic string) error
}

// HostAgentWaiter waits for a smart NIC host's network agent to reach a
// state.
type HostAgentWaiter interface {
	WaitForHostAgent(ctx context.Context, hostID, targetState string) error
}
