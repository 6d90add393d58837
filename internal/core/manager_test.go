package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/conductor/internal/adapters/transport"
	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/eleven-am/conductor/internal/testutil/nodetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testDriver = "fake-hardware"

// loopbackRPC delivers resume requests straight to the manager that owns
// every node.
type loopbackRPC struct {
	mu       sync.Mutex
	manager  *Manager
	calls    []string
	topicErr error
}

func (l *loopbackRPC) TopicFor(*domain.Node) (string, error) {
	if l.topicErr != nil {
		return "", l.topicErr
	}
	return transport.TopicForConductor(l.manager.ConductorID()), nil
}

func (l *loopbackRPC) ContinueNodeClean(ctx context.Context, nodeUUID, topic string) error {
	l.record("clean:" + topic)
	return l.manager.ContinueNodeClean(ctx, nodeUUID)
}

func (l *loopbackRPC) ContinueNodeDeploy(ctx context.Context, nodeUUID, topic string) error {
	l.record("deploy:" + topic)
	return l.manager.ContinueNodeDeploy(ctx, nodeUUID)
}

func (l *loopbackRPC) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *loopbackRPC) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeDriver struct {
	power  *nodetest.MockPower
	deploy *nodetest.MockDeploy
	raid   *nodetest.StepSource
	bios   *nodetest.StepSource
}

func newFakeDriver() *fakeDriver {
	power := &nodetest.MockPower{}
	power.On("GetPowerState", mock.Anything, mock.Anything).Return(domain.PowerOff, nil).Maybe()
	power.On("SetPowerState", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	deploy := &nodetest.MockDeploy{}
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step(nil), nil).Maybe()
	deploy.On("GetDeploySteps", mock.Anything, mock.Anything).Return([]domain.Step(nil), nil).Maybe()
	deploy.On("TearDownCleaning", mock.Anything, mock.Anything).Return(nil).Maybe()
	deploy.On("CleanUp", mock.Anything, mock.Anything).Return(nil).Maybe()

	return &fakeDriver{
		power:  power,
		deploy: deploy,
		raid: &nodetest.StepSource{
			CleanSteps: []domain.Step{
				{Interface: domain.InterfaceRaid, Step: "delete_configuration", Priority: 20},
				{Interface: domain.InterfaceRaid, Step: "create_configuration", Priority: 0},
			},
			DeploySteps: []domain.Step{
				{Interface: domain.InterfaceRaid, Step: "create_configuration", Priority: 0},
			},
		},
		bios: &nodetest.StepSource{
			CleanSteps: []domain.Step{{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 10}},
			DeploySteps: []domain.Step{
				{Interface: domain.InterfaceBios, Step: "apply_configuration", Priority: 80},
			},
		},
	}
}

func (d *fakeDriver) set() *ports.DriverSet {
	return &ports.DriverSet{Power: d.power, Deploy: d.deploy, Raid: d.raid, Bios: d.bios}
}

func newTestManager(t *testing.T, mutate func(*domain.Config), opts ...Option) (*Manager, *loopbackRPC) {
	t.Helper()
	cfg := domain.NewConfigFromSimple("conductor-a", "127.0.0.1:0", "", nil)
	if mutate != nil {
		mutate(cfg)
	}
	rpc := &loopbackRPC{}
	m, err := NewWithConfig(cfg, append([]Option{WithConductorRPC(rpc)}, opts...)...)
	require.NoError(t, err)
	rpc.manager = m
	t.Cleanup(func() { _ = m.Stop() })
	return m, rpc
}

func enrollManageable(t *testing.T, m *Manager) string {
	t.Helper()
	ctx := context.Background()
	node := &domain.Node{Driver: testDriver}
	require.NoError(t, m.EnrollNode(ctx, node))
	require.NoError(t, m.ManageNode(ctx, node.UUID))
	return node.UUID
}

func waitForState(t *testing.T, m *Manager, nodeUUID string, state domain.ProvisionState) *domain.Node {
	t.Helper()
	var node *domain.Node
	require.Eventually(t, func() bool {
		n, err := m.GetNode(context.Background(), nodeUUID)
		if err != nil {
			return false
		}
		node = n
		return n.ProvisionState == state && m.workers.Active() == 0
	}, 2*time.Second, 5*time.Millisecond, "node never reached %q", state)
	return node
}

func TestManager_EnrollRequiresDriver(t *testing.T) {
	m, _ := newTestManager(t, nil)

	err := m.EnrollNode(context.Background(), &domain.Node{})
	require.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestManager_ProvideRunsAutomatedCleaning(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	require.NoError(t, m.ProvideNode(context.Background(), nodeUUID))

	node := waitForState(t, m, nodeUUID, domain.StateAvailable)
	assert.Equal(t, domain.ProvisionNoState, node.TargetProvisionState)
	assert.Empty(t, node.DriverInternalInfo.CleanSteps)
	assert.Nil(t, node.CleanStep)
	assert.Equal(t, []string{"delete_configuration"}, driver.raid.Executed())
	assert.Equal(t, []string{"factory_reset"}, driver.bios.Executed())
	driver.deploy.AssertCalled(t, "TearDownCleaning", mock.Anything, mock.Anything)
}

func TestManager_ProvideSkipsDisabledCleaning(t *testing.T) {
	disabled := false
	m, _ := newTestManager(t, func(c *domain.Config) { c.Cleaning.AutomatedClean = &disabled })
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	require.NoError(t, m.ProvideNode(context.Background(), nodeUUID))

	node, err := m.GetNode(context.Background(), nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAvailable, node.ProvisionState)
	assert.Empty(t, driver.raid.Executed())
}

func TestManager_AsyncCleanStepResumesThroughCallback(t *testing.T) {
	m, rpc := newTestManager(t, nil)
	driver := newFakeDriver()
	driver.raid.Async = map[string]bool{"delete_configuration": true}
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	require.NoError(t, m.ProvideNode(ctx, nodeUUID))
	node := waitForState(t, m, nodeUUID, domain.StateCleanWait)
	assert.Equal(t, domain.StateAvailable, node.TargetProvisionState)
	require.NotNil(t, node.CleanStep)
	assert.Equal(t, "delete_configuration", node.CleanStep.Step)

	require.NoError(t, m.Callback(ctx, nodeUUID))

	waitForState(t, m, nodeUUID, domain.StateAvailable)
	assert.Equal(t, []string{"clean:conductor.conductor-a"}, rpc.Calls())
	assert.Equal(t, []string{"factory_reset"}, driver.bios.Executed())
}

func TestManager_CallbackOutsideWaitState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.RegisterDriver(testDriver, newFakeDriver().set())
	nodeUUID := enrollManageable(t, m)

	err := m.Callback(context.Background(), nodeUUID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, held, err := m.leases.Get(m.leases.Key("node", nodeUUID))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestManager_CallbackReleasesLockWhenRoutingFails(t *testing.T) {
	m, rpc := newTestManager(t, nil)
	driver := newFakeDriver()
	driver.raid.Async = map[string]bool{"delete_configuration": true}
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	require.NoError(t, m.ProvideNode(ctx, nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateCleanWait)

	rpc.topicErr = fmt.Errorf("%w: no conductor in group", domain.ErrNotFound)
	err := m.Callback(ctx, nodeUUID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, rpc.Calls())

	_, held, err := m.leases.Get(m.leases.Key("node", nodeUUID))
	require.NoError(t, err)
	assert.False(t, held)

	task, err := m.tasks.Acquire(ctx, nodeUUID, "test", false)
	require.NoError(t, err)
	require.NoError(t, task.ReleaseResources())
}

func TestManager_ManualCleanReturnsToManageable(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	err := m.CleanNode(context.Background(), nodeUUID, []domain.Step{
		{Interface: domain.InterfaceRaid, Step: "create_configuration"},
	})
	require.NoError(t, err)

	node := waitForState(t, m, nodeUUID, domain.StateManageable)
	assert.Empty(t, node.LastError)
	assert.Equal(t, []string{"create_configuration"}, driver.raid.Executed())
	assert.Empty(t, driver.bios.Executed())
}

func TestManager_ManualCleanWithUnknownStepFails(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	err := m.CleanNode(context.Background(), nodeUUID, []domain.Step{
		{Interface: domain.InterfaceRaid, Step: "shred_everything"},
	})
	require.NoError(t, err)

	node := waitForState(t, m, nodeUUID, domain.StateCleanFail)
	assert.Equal(t, domain.StateManageable, node.TargetProvisionState)
	assert.True(t, node.Maintenance)
	assert.Equal(t, domain.FaultCleanFailure, node.Fault)
	assert.Contains(t, node.LastError, "node does not support this clean step")
	assert.Empty(t, driver.raid.Executed())
}

func TestManager_CleanNodeRequiresSteps(t *testing.T) {
	m, _ := newTestManager(t, nil)

	err := m.CleanNode(context.Background(), "node-1", nil)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestManager_CleaningStepFailure(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	driver.raid.ExecErr = errors.New("controller offline")
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	require.NoError(t, m.ProvideNode(context.Background(), nodeUUID))

	node := waitForState(t, m, nodeUUID, domain.StateCleanFail)
	assert.True(t, node.Maintenance)
	assert.Contains(t, node.LastError, "controller offline")
	assert.Nil(t, node.CleanStep)
}

func TestManager_NoFreeWorkerRestoresNode(t *testing.T) {
	m, _ := newTestManager(t, func(c *domain.Config) { c.Workers.PoolSize = 1 })
	m.RegisterDriver(testDriver, newFakeDriver().set())
	nodeUUID := enrollManageable(t, m)

	block := make(chan struct{})
	require.NoError(t, m.workers.Spawn(context.Background(), "test", func(context.Context) { <-block }))
	defer close(block)

	err := m.ProvideNode(context.Background(), nodeUUID)
	require.ErrorIs(t, err, domain.ErrNoFreeWorker)

	node, err := m.GetNode(context.Background(), nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateManageable, node.ProvisionState)
	assert.Equal(t, domain.ProvisionNoState, node.TargetProvisionState)
	assert.Equal(t, "No free conductor workers available", node.LastError)

	err = m.SetPowerState(context.Background(), nodeUUID, domain.PowerOn, 0)
	require.ErrorIs(t, err, domain.ErrNoFreeWorker)
	node, err = m.GetNode(context.Background(), nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.PowerOff, node.PowerState)
	assert.Equal(t, domain.PowerNoState, node.TargetPowerState)
}

func TestManager_DeployWithTemplate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	require.NoError(t, m.ProvideNode(ctx, nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateAvailable)

	require.NoError(t, m.PutTemplate(ctx, domain.DeployTemplate{
		Name:  "CUSTOM_RAID",
		Steps: []domain.Step{{Interface: domain.InterfaceRaid, Step: "create_configuration", Priority: 50}},
	}))

	planned, err := m.ListDeploySteps(ctx, nodeUUID)
	require.NoError(t, err)
	require.Len(t, planned, 1, "templates only apply once the node has the trait")
	assert.Equal(t, "apply_configuration", planned[0].Step)

	require.NoError(t, m.DeployNode(ctx, nodeUUID, []string{"CUSTOM_RAID"}))

	node := waitForState(t, m, nodeUUID, domain.StateActive)
	assert.Equal(t, []string{"CUSTOM_RAID"}, node.InstanceInfo.Traits)
	assert.Nil(t, node.DeployStep)
	assert.Len(t, node.DriverInternalInfo.DeploySteps, 2)
	assert.Equal(t, []string{"factory_reset", "apply_configuration"}, driver.bios.Executed())
	assert.Equal(t, []string{"delete_configuration", "create_configuration"}, driver.raid.Executed())
}

func TestManager_DeployRejectsInvalidTemplate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	require.NoError(t, m.ProvideNode(ctx, nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateAvailable)

	require.NoError(t, m.PutTemplate(ctx, domain.DeployTemplate{
		Name:  "CUSTOM_BAD",
		Steps: []domain.Step{{Interface: domain.InterfaceRaid, Step: "no_such_step", Priority: 50}},
	}))

	err := m.DeployNode(ctx, nodeUUID, []string{"CUSTOM_BAD"})
	require.ErrorIs(t, err, domain.ErrInvalidParameter)

	node, err := m.GetNode(ctx, nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAvailable, node.ProvisionState)
	assert.Empty(t, node.InstanceInfo.Traits)
}

func TestManager_ListCleanSteps(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.RegisterDriver(testDriver, newFakeDriver().set())
	nodeUUID := enrollManageable(t, m)

	found, err := m.ListCleanSteps(context.Background(), nodeUUID)
	require.NoError(t, err)
	names := make([]string, len(found))
	for i, step := range found {
		names[i] = step.Step
	}
	assert.Equal(t, []string{"delete_configuration", "factory_reset", "create_configuration"}, names)
}

func TestManager_SetPowerState(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	var (
		mu       sync.Mutex
		statuses []domain.NotificationStatus
	)
	unsubscribe := m.Notifications().Subscribe(func(_ context.Context, n domain.PowerSetNotification) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, n.Status)
	})
	defer unsubscribe()

	require.NoError(t, m.SetPowerState(context.Background(), nodeUUID, domain.PowerOn, time.Second))

	require.Eventually(t, func() bool {
		node, err := m.GetNode(context.Background(), nodeUUID)
		return err == nil && node.PowerState == domain.PowerOn && m.workers.Active() == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.NotificationStatus{domain.NotificationStatusStart, domain.NotificationStatusEnd}, statuses)
	driver.power.AssertCalled(t, "SetPowerState", mock.Anything, mock.Anything, domain.PowerOn, time.Second)
}

func TestManager_SetPowerStateRejectsUnknownState(t *testing.T) {
	m, _ := newTestManager(t, nil)

	err := m.SetPowerState(context.Background(), "node-1", domain.PowerState("levitate"), 0)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)
}

func TestManager_CheckTimeoutsFailsStaleCleanWait(t *testing.T) {
	later := func() time.Time { return time.Now().Add(time.Hour) }
	m, _ := newTestManager(t, nil, WithClock(later))
	driver := newFakeDriver()
	driver.raid.Async = map[string]bool{"delete_configuration": true}
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	require.NoError(t, m.ProvideNode(context.Background(), nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateCleanWait)

	failed, err := m.CheckTimeouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	node, err := m.GetNode(context.Background(), nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCleanFail, node.ProvisionState)
	assert.True(t, node.Maintenance)
	assert.Contains(t, node.LastError, "Timeout reached while cleaning the node")
	assert.Nil(t, node.CleanStep)
}

func TestManager_CheckTimeoutsLeavesFreshNodes(t *testing.T) {
	m, _ := newTestManager(t, nil)
	driver := newFakeDriver()
	driver.raid.Async = map[string]bool{"delete_configuration": true}
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)

	require.NoError(t, m.ProvideNode(context.Background(), nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateCleanWait)

	failed, err := m.CheckTimeouts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, failed)
}

func TestManager_CheckTimeoutsFailsStaleDeployWait(t *testing.T) {
	later := func() time.Time { return time.Now().Add(time.Hour) }
	m, _ := newTestManager(t, nil, WithClock(later))
	driver := newFakeDriver()
	driver.bios.Async = map[string]bool{"apply_configuration": true}
	m.RegisterDriver(testDriver, driver.set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	require.NoError(t, m.ProvideNode(ctx, nodeUUID))
	waitForState(t, m, nodeUUID, domain.StateAvailable)
	require.NoError(t, m.DeployNode(ctx, nodeUUID, nil))
	waitForState(t, m, nodeUUID, domain.StateDeployWait)

	failed, err := m.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	node := waitForState(t, m, nodeUUID, domain.StateDeployFail)
	assert.Contains(t, node.LastError, "Timeout reached while waiting for callback")
	driver.deploy.AssertCalled(t, "CleanUp", mock.Anything, mock.Anything)
}

func TestManager_RecoverOrphanedCleaning(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.RegisterDriver(testDriver, newFakeDriver().set())
	nodeUUID := enrollManageable(t, m)
	ctx := context.Background()

	node, err := m.GetNode(ctx, nodeUUID)
	require.NoError(t, err)
	node.ProvisionState = domain.StateCleaning
	node.TargetProvisionState = domain.StateAvailable
	require.NoError(t, m.nodes.Save(ctx, node))

	recovered, err := m.RecoverOrphanedNodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	node, err = m.GetNode(ctx, nodeUUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCleanFail, node.ProvisionState)
	assert.Equal(t, "Operation was aborted due to conductor take over", node.LastError)
	assert.True(t, node.Maintenance)
}

func TestManager_RecoverSkipsNodesOfOtherGroups(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.RegisterDriver(testDriver, newFakeDriver().set())
	ctx := context.Background()

	node := &domain.Node{Driver: testDriver, ConductorGroup: "rack-7"}
	require.NoError(t, m.EnrollNode(ctx, node))
	node.ProvisionState = domain.StateDeploying
	require.NoError(t, m.nodes.Save(ctx, node))

	recovered, err := m.RecoverOrphanedNodes(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	stored, err := m.GetNode(ctx, node.UUID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeploying, stored.ProvisionState)
}

func TestManager_StartAndStop(t *testing.T) {
	m, _ := newTestManager(t, func(c *domain.Config) { c.Timeouts.CheckInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.NotEmpty(t, m.Addr())
	require.ErrorIs(t, m.Start(ctx), domain.ErrInvalidParameter)
	require.NoError(t, m.Stop())
}

func TestNewWithConfig_RejectsInvalidConfig(t *testing.T) {
	cfg := domain.NewConfigFromSimple("conductor-a", "127.0.0.1:0", "", nil)
	cfg.Lock.TTL = 0

	_, err := NewWithConfig(cfg)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewWithConfig(nil)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestPeersWithSelf(t *testing.T) {
	cfg := domain.NewConfigFromSimple("conductor-a", "10.0.0.1:6385", "", nil)
	cfg.Transport.Peers = []domain.PeerConfig{{ID: "conductor-b", Address: "10.0.0.2:6385"}}

	peers := peersWithSelf(cfg)
	require.Len(t, peers, 2)
	assert.Equal(t, "conductor-a", peers[1].ID)

	cfg.Transport.Peers = append(cfg.Transport.Peers, domain.PeerConfig{ID: "conductor-a", Address: "10.0.0.9:6385"})
	peers = peersWithSelf(cfg)
	require.Len(t, peers, 2)
	assert.Equal(t, "10.0.0.9:6385", peers[1].Address)
}
