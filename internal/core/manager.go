package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conductor/internal/adapters/notify"
	"github.com/eleven-am/conductor/internal/adapters/observability"
	"github.com/eleven-am/conductor/internal/adapters/storage"
	"github.com/eleven-am/conductor/internal/adapters/task"
	"github.com/eleven-am/conductor/internal/adapters/transport"
	"github.com/eleven-am/conductor/internal/adapters/workers"
	"github.com/eleven-am/conductor/internal/core/handoff"
	"github.com/eleven-am/conductor/internal/core/power"
	"github.com/eleven-am/conductor/internal/core/recovery"
	"github.com/eleven-am/conductor/internal/core/steps"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
)

const drainTimeout = 30 * time.Second

// Manager wires the conductor together: storage, node locks, the power
// controller, step orchestration, recovery handlers and the peer RPC
// transport.
type Manager struct {
	config      *domain.Config
	logger      *slog.Logger
	conductorID string
	topic       string
	clock       func() time.Time

	registry  *prometheus.Registry
	storage   *storage.AppStorage
	nodes     *storage.NodeStore
	templates *storage.TemplateStore
	leases    *storage.LeaseManager
	drivers   *task.DriverRegistry
	tasks     *task.Manager
	bus       *notify.Bus
	workers   *workers.Pool

	power    *power.Controller
	steps    *steps.Orchestrator
	runner   *steps.Runner
	recovery *recovery.Handlers
	handoff  *handoff.Handoff

	ring          *transport.Ring
	rpc           ports.ConductorRPC
	client        *transport.Client
	server        *transport.Server
	observability *observability.Server

	workflows *prometheus.CounterVec

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	loops   sync.WaitGroup
}

type options struct {
	hostAgent   ports.HostAgentWaiter
	rpc         ports.ConductorRPC
	dialOptions []grpc.DialOption
	clock       func() time.Time
}

type Option func(*options)

// WithHostAgentWaiter lets power changes on smart NIC nodes wait for the
// host's network agent.
func WithHostAgentWaiter(waiter ports.HostAgentWaiter) Option {
	return func(o *options) { o.hostAgent = waiter }
}

// WithConductorRPC replaces the gRPC client used to reach peer conductors.
func WithConductorRPC(rpc ports.ConductorRPC) Option {
	return func(o *options) { o.rpc = rpc }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOptions = append(o.dialOptions, opts...) }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func New(conductorID, bindAddr, dataDir string, logger *slog.Logger) (*Manager, error) {
	return NewWithConfig(domain.NewConfigFromSimple(conductorID, bindAddr, dataDir, logger))
}

func NewWithConfig(config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	base := config.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With("component", "conductor", "conductor_id", config.ConductorID)

	store, err := storage.Open(config.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		config:      config,
		logger:      logger,
		conductorID: config.ConductorID,
		topic:       transport.TopicForConductor(config.ConductorID),
		clock:       o.clock,
		registry:    registry,
		storage:     store,
		nodes:       storage.NewNodeStore(store, logger),
		templates:   storage.NewTemplateStore(store, logger),
		leases:      storage.NewLeaseManager(store, logger).WithClock(o.clock),
		drivers:     task.NewDriverRegistry(),
		bus:         notify.NewBus(logger, registry),
		workers:     workers.NewPool(config.Workers, logger, registry),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "workflows_total",
			Help:      "Workflow transitions driven by this conductor.",
		}, []string{"kind", "result"}),
	}
	registry.MustRegister(m.workflows)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.tasks = task.NewManager(m.nodes, m.leases, m.drivers, config.ConductorID, config.Lock, logger)

	powerOpts := []power.Option{power.WithAgentConfig(config.Agent)}
	if o.hostAgent != nil {
		powerOpts = append(powerOpts, power.WithHostAgentWaiter(o.hostAgent))
	}
	m.power = power.NewController(config.Power, m.bus, logger, powerOpts...)
	m.steps = steps.NewOrchestrator(m.templates, config.Cleaning, logger)
	m.runner = steps.NewRunner(logger)
	m.recovery = recovery.NewHandlers(m.power, m.nodes, logger)

	m.ring = transport.NewRing(peersWithSelf(config), logger)
	m.rpc = o.rpc
	if m.rpc == nil {
		m.client = transport.NewClient(m.ring, config.Transport, logger, o.dialOptions...)
		m.rpc = m.client
	}
	m.handoff = handoff.New(m.rpc, logger)
	m.server = transport.NewServer(m, config.Transport, logger)

	if config.Observability.Enabled {
		m.observability = observability.NewServer(config.Observability, registry, map[string]observability.Check{
			"storage": m.checkStorage,
		}, logger)
	}

	return m, nil
}

// peersWithSelf adds this conductor to the configured peers so the hash
// ring can route nodes to it.
func peersWithSelf(config *domain.Config) []domain.PeerConfig {
	peers := make([]domain.PeerConfig, 0, len(config.Transport.Peers)+1)
	self := false
	for _, peer := range config.Transport.Peers {
		if peer.ID == config.ConductorID {
			self = true
		}
		peers = append(peers, peer)
	}
	if !self {
		peers = append(peers, domain.PeerConfig{
			ID:      config.ConductorID,
			Address: config.BindAddr,
			Group:   config.ConductorGroup,
		})
	}
	return peers
}

// Start serves peer RPCs and runs the periodic timeout and takeover checks
// until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return domain.NewInvalidParameterError("conductor %s already started", m.conductorID)
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	if err := m.server.Start(runCtx, m.config.BindAddr); err != nil {
		return fmt.Errorf("start conductor RPC server: %w", err)
	}

	if m.observability != nil {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			if err := m.observability.Start(runCtx); err != nil {
				m.logger.Error("observability server stopped", "error", err)
			}
		}()
	}

	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.runPeriodic(runCtx)
	}()

	m.logger.Info("conductor started", "bind_addr", m.config.BindAddr, "topic", m.topic,
		"drivers", m.drivers.Names(), "workers", m.config.Workers.PoolSize)
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.logger.Info("stopping conductor")

	if !m.workers.Drain(context.Background(), drainTimeout) {
		m.logger.Warn("workers still running at shutdown", "active", m.workers.Active())
	}
	if cancel != nil {
		cancel()
	}
	m.loops.Wait()

	m.server.Stop()

	var errs []error
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rpc client: %w", err))
		}
	}
	if err := m.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the address the RPC server listens on once started.
func (m *Manager) Addr() string {
	return m.server.Addr()
}

func (m *Manager) ConductorID() string {
	return m.conductorID
}

// Registry exposes the conductor's metrics.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Notifications lets callers observe power-set notifications.
func (m *Manager) Notifications() *notify.Bus {
	return m.bus
}

// SetPeers replaces the peer conductors. This conductor is always kept.
func (m *Manager) SetPeers(peers []domain.PeerConfig) {
	config := *m.config
	config.Transport.Peers = peers
	m.ring.SetPeers(peersWithSelf(&config))
}

// RegisterDriver makes a driver available to nodes whose Driver field
// names it.
func (m *Manager) RegisterDriver(name string, driver *ports.DriverSet) {
	m.drivers.Register(name, driver)
	m.logger.Debug("driver registered", "driver", name)
}

func (m *Manager) checkStorage(context.Context) error {
	_, _, _, err := m.storage.Get("health:probe")
	return err
}

func (m *Manager) workerContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// release drops a task's lock. Failures are only logged.
func (m *Manager) release(t ports.Task) {
	if err := t.ReleaseResources(); err != nil && !errors.Is(err, domain.ErrTaskReleased) {
		m.logger.Warn("failed to release node", "node", t.Node().UUID, "error", err)
	}
}
