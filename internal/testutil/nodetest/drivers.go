package nodetest

import (
	"context"
	"sync"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/stretchr/testify/mock"
)

type MockPower struct {
	mock.Mock
}

func (m *MockPower) GetPowerState(ctx context.Context, task ports.Task) (domain.PowerState, error) {
	args := m.Called(ctx, task)
	return args.Get(0).(domain.PowerState), args.Error(1)
}

func (m *MockPower) SetPowerState(ctx context.Context, task ports.Task, state domain.PowerState, timeout time.Duration) error {
	args := m.Called(ctx, task, state, timeout)
	return args.Error(0)
}

func (m *MockPower) Reboot(ctx context.Context, task ports.Task, timeout time.Duration) error {
	args := m.Called(ctx, task, timeout)
	return args.Error(0)
}

type MockManagement struct {
	mock.Mock
}

func (m *MockManagement) Validate(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockManagement) SetBootDevice(ctx context.Context, task ports.Task, device string, persistent bool) error {
	args := m.Called(ctx, task, device, persistent)
	return args.Error(0)
}

func (m *MockManagement) GetBootMode(ctx context.Context, task ports.Task) (string, error) {
	args := m.Called(ctx, task)
	return args.String(0), args.Error(1)
}

func (m *MockManagement) SetBootMode(ctx context.Context, task ports.Task, mode string) error {
	args := m.Called(ctx, task, mode)
	return args.Error(0)
}

func (m *MockManagement) GetSupportedBootModes(ctx context.Context, task ports.Task) ([]string, error) {
	args := m.Called(ctx, task)
	modes, _ := args.Get(0).([]string)
	return modes, args.Error(1)
}

type MockDeploy struct {
	mock.Mock
}

func (m *MockDeploy) GetCleanSteps(ctx context.Context, task ports.Task) ([]domain.Step, error) {
	args := m.Called(ctx, task)
	steps, _ := args.Get(0).([]domain.Step)
	return domain.CloneSteps(steps), args.Error(1)
}

func (m *MockDeploy) GetDeploySteps(ctx context.Context, task ports.Task) ([]domain.Step, error) {
	args := m.Called(ctx, task)
	steps, _ := args.Get(0).([]domain.Step)
	return domain.CloneSteps(steps), args.Error(1)
}

func (m *MockDeploy) TearDownCleaning(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockDeploy) CleanUp(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

// StepSource serves fixed clean and deploy steps. It satisfies both the bios
// and raid interfaces and records the steps it is asked to execute.
type StepSource struct {
	CleanSteps  []domain.Step
	DeploySteps []domain.Step
	Err         error

	// Async names steps that finish through a callback.
	Async   map[string]bool
	ExecErr error

	mu       sync.Mutex
	executed []domain.Step
}

func (s *StepSource) ExecuteCleanStep(_ context.Context, _ ports.Task, step domain.Step) (bool, error) {
	return s.execute(step)
}

func (s *StepSource) ExecuteDeployStep(_ context.Context, _ ports.Task, step domain.Step) (bool, error) {
	return s.execute(step)
}

func (s *StepSource) execute(step domain.Step) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, step)
	if s.ExecErr != nil {
		return false, s.ExecErr
	}
	return s.Async[step.Step], nil
}

// Executed returns the names of the steps run so far, in order.
func (s *StepSource) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.executed))
	for i, step := range s.executed {
		names[i] = step.Step
	}
	return names
}

func (s *StepSource) GetCleanSteps(context.Context, ports.Task) ([]domain.Step, error) {
	return domain.CloneSteps(s.CleanSteps), s.Err
}

func (s *StepSource) GetDeploySteps(context.Context, ports.Task) ([]domain.Step, error) {
	return domain.CloneSteps(s.DeploySteps), s.Err
}

type MockRescue struct {
	mock.Mock
}

func (m *MockRescue) CleanUp(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) AttachVolumes(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockStorage) DetachVolumes(ctx context.Context, task ports.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

type MockNetwork struct {
	mock.Mock
}

func (m *MockNetwork) NeedPowerOn(ctx context.Context, task ports.Task) bool {
	args := m.Called(ctx, task)
	return args.Bool(0)
}

type MockHostAgentWaiter struct {
	mock.Mock
}

func (m *MockHostAgentWaiter) WaitForHostAgent(ctx context.Context, hostID, targetState string) error {
	args := m.Called(ctx, hostID, targetState)
	return args.Error(0)
}

// PowerSteps wraps a power driver with clean and deploy step listings so the
// step orchestrator finds it through a type assertion.
type PowerSteps struct {
	ports.PowerInterface
	StepSource
}

type ManagementSteps struct {
	ports.ManagementInterface
	StepSource
}
