// Package notify publishes node notifications to in-process subscribers and
// records them as metrics.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives every notification published on the bus.
type Sink func(ctx context.Context, notification domain.PowerSetNotification)

type Bus struct {
	logger *slog.Logger
	clock  func() time.Time
	sent   *prometheus.CounterVec

	mu     sync.RWMutex
	nextID int
	sinks  map[int]Sink
}

// NewBus registers its counters with registerer. A nil registerer keeps
// them private to the bus.
func NewBus(logger *slog.Logger, registerer prometheus.Registerer) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "notifications",
		Name:      "power_set_total",
		Help:      "Power set notifications emitted, by status and level.",
	}, []string{"status", "level"})
	registerer.MustRegister(sent)

	return &Bus{
		logger: logger.With("component", "notification-bus"),
		clock:  time.Now,
		sent:   sent,
		sinks:  make(map[int]Sink),
	}
}

// Subscribe adds sink and returns a function that removes it.
func (b *Bus) Subscribe(sink Sink) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.sinks[id] = sink
	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

func (b *Bus) EmitPowerSet(ctx context.Context, notification domain.PowerSetNotification) {
	if notification.ID == "" {
		notification.ID = uuid.NewString()
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = b.clock().UTC()
	}

	b.sent.WithLabelValues(string(notification.Status), string(notification.Level)).Inc()

	level := slog.LevelInfo
	if notification.Level == domain.NotificationLevelError {
		level = slog.LevelError
	}
	b.logger.Log(ctx, level, "notification emitted",
		"event_type", notification.EventType(),
		"id", notification.ID,
		"node", notification.NodeUUID,
		"requested_state", notification.RequestedState,
		"power_state", notification.PowerState,
		"target_power_state", notification.TargetPowerState)

	b.mu.RLock()
	sinks := make([]Sink, 0, len(b.sinks))
	for _, sink := range b.sinks {
		sinks = append(sinks, sink)
	}
	b.mu.RUnlock()

	for _, sink := range sinks {
		b.deliver(ctx, sink, notification)
	}
}

func (b *Bus) deliver(ctx context.Context, sink Sink, notification domain.PowerSetNotification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification sink panicked", "id", notification.ID, "panic", r)
		}
	}()
	sink(ctx, notification)
}
