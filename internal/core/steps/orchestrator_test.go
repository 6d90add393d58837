package steps

import (
	"context"
	"errors"
	"testing"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/eleven-am/conductor/internal/ports"
	"github.com/eleven-am/conductor/internal/testutil/nodetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memoryTemplates struct {
	templates map[string]domain.DeployTemplate
	err       error
}

func (m *memoryTemplates) Put(_ context.Context, t domain.DeployTemplate) error {
	if m.templates == nil {
		m.templates = make(map[string]domain.DeployTemplate)
	}
	m.templates[t.Name] = t
	return nil
}

func (m *memoryTemplates) ListByNames(_ context.Context, names []string) ([]domain.DeployTemplate, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.DeployTemplate
	for _, name := range names {
		if t, ok := m.templates[name]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTemplates) Delete(_ context.Context, name string) error {
	delete(m.templates, name)
	return nil
}

func keys(steps []domain.Step) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Key().String())
	}
	return out
}

func deployDriver(deploySteps, biosSteps []domain.Step) (*ports.DriverSet, *nodetest.MockDeploy) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetDeploySteps", mock.Anything, mock.Anything).Return(deploySteps, nil)
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step(nil), nil)
	return &ports.DriverSet{
		Deploy: deploy,
		Bios:   &nodetest.StepSource{DeploySteps: biosSteps},
	}, deploy
}

func TestSortSteps_InterfacePriorityBreaksTies(t *testing.T) {
	steps := []domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 10},
		{Interface: domain.InterfaceRaid, Step: "delete_configuration", Priority: 20},
		{Interface: domain.InterfacePower, Step: "update_firmware", Priority: 10},
		{Interface: domain.InterfaceBios, Step: "apply_configuration", Priority: 10},
	}
	SortSteps(steps, domain.WorkflowCleaning)

	assert.Equal(t, []string{
		"raid.delete_configuration",
		"power.update_firmware",
		"deploy.erase_devices",
		"bios.apply_configuration",
	}, keys(steps))
}

func TestCollectSteps(t *testing.T) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 10},
		{Interface: domain.InterfaceDeploy, Step: "erase_devices_metadata", Priority: 0},
	}, nil)
	power := &nodetest.PowerSteps{
		PowerInterface: &nodetest.MockPower{},
		StepSource: nodetest.StepSource{CleanSteps: []domain.Step{
			{Interface: domain.InterfacePower, Step: "update_firmware", Priority: 10},
		}},
	}
	driver := &ports.DriverSet{
		Power:      power,
		Management: &nodetest.MockManagement{},
		Deploy:     deploy,
		Raid:       &nodetest.StepSource{CleanSteps: []domain.Step{{Interface: domain.InterfaceRaid, Step: "create_configuration", Priority: 0}}},
	}
	task := nodetest.NewTask(&domain.Node{UUID: "node-1"}, driver)
	o := NewOrchestrator(nil, domain.CleaningConfig{}, nil)

	all, err := o.CleaningSteps(context.Background(), task, false, false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"power.update_firmware",
		"deploy.erase_devices",
		"deploy.erase_devices_metadata",
		"raid.create_configuration",
	}, keys(all))

	enabled, err := o.CleaningSteps(context.Background(), task, true, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"power.update_firmware", "deploy.erase_devices"}, keys(enabled))
}

func TestCollectSteps_DriverFailure(t *testing.T) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetDeploySteps", mock.Anything, mock.Anything).Return([]domain.Step(nil), errors.New("agent offline"))
	task := nodetest.NewTask(&domain.Node{UUID: "node-1"}, &ports.DriverSet{Deploy: deploy})
	o := NewOrchestrator(nil, domain.CleaningConfig{}, nil)

	_, err := o.DeploymentSteps(context.Background(), task, true, true)
	require.ErrorIs(t, err, domain.ErrDeployFailure)
	assert.Contains(t, err.Error(), "agent offline")
}

func TestResolveDeployTemplates(t *testing.T) {
	store := &memoryTemplates{}
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{Name: "CUSTOM_RAID"}))
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{Name: "CUSTOM_BIOS"}))
	o := NewOrchestrator(store, domain.CleaningConfig{}, nil)

	node := &domain.Node{UUID: "node-1", Traits: []string{"CUSTOM_BIOS"}}
	task := nodetest.NewTask(node, nil)
	templates, err := o.ResolveDeployTemplates(context.Background(), task)
	require.NoError(t, err)
	assert.Empty(t, templates)

	node.InstanceInfo.Traits = []string{"CUSTOM_RAID", "CUSTOM_UNKNOWN"}
	templates, err = o.ResolveDeployTemplates(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "CUSTOM_RAID", templates[0].Name)
}

func TestTemplateUserSteps_KeepsOnlyUserFields(t *testing.T) {
	args := map[string]any{"settings": []any{map[string]any{"name": "LogicalProc", "value": "Enabled"}}}
	store := &memoryTemplates{}
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{
		Name: "CUSTOM_BIOS",
		Steps: []domain.Step{{
			Interface: domain.InterfaceBios,
			Step:      "apply_configuration",
			Args:      args,
			Priority:  150,
			Abortable: true,
			ArgsInfo:  map[string]domain.ArgInfo{"settings": {Required: true}},
		}},
	}))
	o := NewOrchestrator(store, domain.CleaningConfig{}, nil)
	node := &domain.Node{UUID: "node-1", InstanceInfo: domain.InstanceInfo{Traits: []string{"CUSTOM_BIOS"}}}

	userSteps, _, err := o.TemplateUserSteps(context.Background(), nodetest.NewTask(node, nil))
	require.NoError(t, err)
	require.Len(t, userSteps, 1)
	assert.False(t, userSteps[0].Abortable)
	assert.Nil(t, userSteps[0].ArgsInfo)
	assert.Equal(t, 150, userSteps[0].Priority)
	assert.Equal(t, args, userSteps[0].Args)

	userSteps[0].Args["settings"].([]any)[0].(map[string]any)["value"] = "Disabled"
	assert.Equal(t, "Enabled", args["settings"].([]any)[0].(map[string]any)["value"])
}

func TestMergeDeploymentSteps(t *testing.T) {
	driverDeploy := []domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100},
		{Interface: domain.InterfaceDeploy, Step: "write_image", Priority: 80},
		{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 0},
	}
	biosDeploy := []domain.Step{
		{Interface: domain.InterfaceBios, Step: "apply_configuration", Priority: 0,
			ArgsInfo: map[string]domain.ArgInfo{"settings": {Required: true, Description: "BIOS settings"}}},
		{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 50},
	}
	driver, _ := deployDriver(driverDeploy, biosDeploy)

	store := &memoryTemplates{}
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{
		Name: "CUSTOM_HW",
		Steps: []domain.Step{
			{Interface: domain.InterfaceBios, Step: "apply_configuration", Priority: 100, Args: map[string]any{"settings": []any{}}},
			{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 0},
			{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 0},
		},
	}))
	o := NewOrchestrator(store, domain.CleaningConfig{}, nil)
	node := &domain.Node{UUID: "node-1", InstanceInfo: domain.InstanceInfo{Traits: []string{"CUSTOM_HW"}}}

	merged, err := o.MergeDeploymentSteps(context.Background(), nodetest.NewTask(node, driver))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"deploy.deploy",
		"bios.apply_configuration",
		"deploy.write_image",
	}, keys(merged))
}

func TestMergeDeploymentSteps_DisabledUnknownStepContributesNothing(t *testing.T) {
	driver, _ := deployDriver([]domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100}}, nil)
	store := &memoryTemplates{}
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{
		Name:  "CUSTOM_RAID",
		Steps: []domain.Step{{Interface: domain.InterfaceRaid, Step: "not_present", Priority: 0}},
	}))
	o := NewOrchestrator(store, domain.CleaningConfig{}, nil)
	node := &domain.Node{UUID: "node-1", InstanceInfo: domain.InstanceInfo{Traits: []string{"CUSTOM_RAID"}}}

	merged, err := o.MergeDeploymentSteps(context.Background(), nodetest.NewTask(node, driver))
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy.deploy"}, keys(merged))
}

func TestValidateDeployTemplates_InvalidTemplate(t *testing.T) {
	driver, _ := deployDriver([]domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100}}, nil)
	store := &memoryTemplates{}
	require.NoError(t, store.Put(context.Background(), domain.DeployTemplate{
		Name:  "CUSTOM_BAD",
		Steps: []domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 10}},
	}))
	o := NewOrchestrator(store, domain.CleaningConfig{}, nil)
	node := &domain.Node{UUID: "node-1", InstanceInfo: domain.InstanceInfo{Traits: []string{"CUSTOM_BAD"}}}

	_, err := o.ValidateDeployTemplates(context.Background(), nodetest.NewTask(node, driver))
	require.True(t, domain.IsInvalidParameter(err))
	assert.Contains(t, err.Error(), "Matching deploy templates: CUSTOM_BAD")
	assert.Contains(t, err.Error(), "core step")
}

func TestPrepareDeployment(t *testing.T) {
	driver, _ := deployDriver([]domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100},
	}, nil)
	index := 3
	node := &domain.Node{
		UUID:               "node-1",
		DeployStep:         &domain.Step{Interface: domain.InterfaceDeploy, Step: "old"},
		DriverInternalInfo: domain.DriverInternalInfo{DeployStepIndex: &index},
	}
	task := nodetest.NewTask(node, driver)
	o := NewOrchestrator(&memoryTemplates{}, domain.CleaningConfig{}, nil)

	require.NoError(t, o.PrepareDeployment(context.Background(), task))

	stored := task.Stored()
	assert.Nil(t, stored.DeployStep)
	assert.Nil(t, stored.DriverInternalInfo.DeployStepIndex)
	assert.Equal(t, []string{"deploy.deploy"}, keys(stored.DriverInternalInfo.DeploySteps))
}

func TestPrepareCleaning_Automated(t *testing.T) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "erase_devices_metadata", Priority: 99},
		{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 0},
	}, nil)
	driver := &ports.DriverSet{
		Deploy: deploy,
		Raid:   &nodetest.StepSource{CleanSteps: []domain.Step{{Interface: domain.InterfaceRaid, Step: "delete_configuration", Priority: 99}}},
	}
	index := 0
	node := &domain.Node{
		UUID:                 "node-1",
		ProvisionState:       domain.StateCleaning,
		TargetProvisionState: domain.StateAvailable,
		CleanStep:            &domain.Step{Interface: domain.InterfaceDeploy, Step: "stale"},
		DriverInternalInfo:   domain.DriverInternalInfo{CleanStepIndex: &index},
	}
	task := nodetest.NewTask(node, driver)
	o := NewOrchestrator(nil, domain.CleaningConfig{}, nil)

	require.NoError(t, o.PrepareCleaning(context.Background(), task))

	stored := task.Stored()
	assert.Nil(t, stored.CleanStep)
	assert.Nil(t, stored.DriverInternalInfo.CleanStepIndex)
	assert.Equal(t, []string{"deploy.erase_devices_metadata", "raid.delete_configuration"}, keys(stored.DriverInternalInfo.CleanSteps))
}

func TestPrepareCleaning_ManualValidatesStagedSteps(t *testing.T) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 10, Abortable: true},
	}, nil)
	node := &domain.Node{
		UUID:                 "node-1",
		ProvisionState:       domain.StateCleaning,
		TargetProvisionState: domain.StateManageable,
		DriverInternalInfo: domain.DriverInternalInfo{CleanSteps: []domain.Step{
			{Interface: domain.InterfaceDeploy, Step: "erase_devices"},
		}},
	}
	task := nodetest.NewTask(node, &ports.DriverSet{Deploy: deploy})
	o := NewOrchestrator(nil, domain.CleaningConfig{}, nil)

	require.NoError(t, o.PrepareCleaning(context.Background(), task))
	staged := task.Stored().DriverInternalInfo.CleanSteps
	require.Len(t, staged, 1)
	assert.Equal(t, 10, staged[0].Priority)
	assert.True(t, staged[0].Abortable)
}

func TestPrepareCleaning_ManualInvalidLeavesNodeAlone(t *testing.T) {
	deploy := &nodetest.MockDeploy{}
	deploy.On("GetCleanSteps", mock.Anything, mock.Anything).Return([]domain.Step{}, nil)
	node := &domain.Node{
		UUID:                 "node-1",
		TargetProvisionState: domain.StateManageable,
		CleanStep:            &domain.Step{Interface: domain.InterfaceDeploy, Step: "current"},
		DriverInternalInfo: domain.DriverInternalInfo{CleanSteps: []domain.Step{
			{Interface: domain.InterfaceRaid, Step: "create_configuration"},
		}},
	}
	task := nodetest.NewTask(node, &ports.DriverSet{Deploy: deploy})
	o := NewOrchestrator(nil, domain.CleaningConfig{}, nil)

	err := o.PrepareCleaning(context.Background(), task)
	require.True(t, domain.IsInvalidParameter(err))
	assert.Zero(t, task.SaveCount())
	assert.NotNil(t, node.CleanStep)
}

func TestSkipAutomatedCleaning(t *testing.T) {
	disabled, enabled := false, true
	cases := []struct {
		name     string
		conf     *bool
		node     *bool
		expected bool
	}{
		{"conductor default", nil, nil, false},
		{"conductor off, node unset", &disabled, nil, true},
		{"conductor off, node off", &disabled, &disabled, true},
		{"conductor off, node on", &disabled, &enabled, false},
		{"conductor on, node off", &enabled, &disabled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := NewOrchestrator(nil, domain.CleaningConfig{AutomatedClean: tc.conf}, nil)
			assert.Equal(t, tc.expected, o.SkipAutomatedCleaning(&domain.Node{AutomatedClean: tc.node}))
		})
	}
}

func TestValidateDeployTemplates_NoTraits(t *testing.T) {
	driver, _ := deployDriver([]domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100}}, nil)
	o := NewOrchestrator(&memoryTemplates{}, domain.CleaningConfig{}, nil)

	steps, err := o.ValidateDeployTemplates(context.Background(), nodetest.NewTask(&domain.Node{UUID: "node-1"}, driver))
	require.NoError(t, err)
	assert.Empty(t, steps)
}
