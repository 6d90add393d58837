// Package nodetest provides in-memory tasks and testify mocks of the driver
// interfaces for exercising the conductor core without hardware.
package nodetest

import (
	"context"
	"sync"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
)

type Event struct {
	Name   string
	Target domain.ProvisionState
}

// Task is an in-memory ports.Task. Save snapshots the node into the backing
// record that Refresh reads from.
type Task struct {
	mu sync.Mutex

	node     *domain.Node
	stored   *domain.Node
	ports    []domain.Port
	driver   *ports.DriverSet
	shared   bool
	released bool

	saves  []*domain.Node
	events []Event

	SaveErr  error
	EventErr error
	// OnEvent, when set, runs for every ProcessEvent call after it is recorded.
	OnEvent func(node *domain.Node, event string, target domain.ProvisionState) error
}

func NewTask(node *domain.Node, driver *ports.DriverSet) *Task {
	if driver == nil {
		driver = &ports.DriverSet{}
	}
	return &Task{
		node:   node,
		stored: node.Clone(),
		driver: driver,
	}
}

func (t *Task) WithPorts(p ...domain.Port) *Task {
	t.ports = p
	return t
}

func (t *Task) WithShared(shared bool) *Task {
	t.shared = shared
	return t
}

func (t *Task) Node() *domain.Node       { return t.node }
func (t *Task) Ports() []domain.Port     { return t.ports }
func (t *Task) Driver() *ports.DriverSet { return t.driver }
func (t *Task) Shared() bool             { return t.shared }

func (t *Task) Save(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return domain.ErrTaskReleased
	}
	if t.SaveErr != nil {
		return t.SaveErr
	}
	t.stored = t.node.Clone()
	t.saves = append(t.saves, t.node.Clone())
	return nil
}

func (t *Task) Refresh(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return domain.ErrTaskReleased
	}
	*t.node = *t.stored.Clone()
	return nil
}

func (t *Task) ProcessEvent(_ context.Context, event string, target domain.ProvisionState) error {
	t.mu.Lock()
	t.events = append(t.events, Event{Name: event, Target: target})
	hook := t.OnEvent
	err := t.EventErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(t.node, event, target)
	}
	return nil
}

func (t *Task) ReleaseResources() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return domain.ErrTaskReleased
	}
	t.released = true
	return nil
}

// Stored returns a copy of the last persisted node.
func (t *Task) Stored() *domain.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stored.Clone()
}

// StoreExternally replaces the persisted record as if another writer had
// saved it.
func (t *Task) StoreExternally(node *domain.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stored = node.Clone()
}

func (t *Task) Saves() []*domain.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*domain.Node(nil), t.saves...)
}

func (t *Task) SaveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.saves)
}

func (t *Task) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.events...)
}

func (t *Task) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// Recorder is a ports.Notifier that remembers every notification together
// with how many saves the task had made when it was emitted.
type Recorder struct {
	mu            sync.Mutex
	Task          *Task
	Notifications []domain.PowerSetNotification
	SavesAtEmit   []int
}

func (r *Recorder) EmitPowerSet(_ context.Context, n domain.PowerSetNotification) {
	saves := 0
	if r.Task != nil {
		saves = r.Task.SaveCount()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, n)
	r.SavesAtEmit = append(r.SavesAtEmit, saves)
}

func (r *Recorder) Statuses() []domain.NotificationStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationStatus, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		out = append(out, n.Status)
	}
	return out
}
