package steps

import (
	"testing"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func problems(t *testing.T, err error) []string {
	t.Helper()
	var validation *domain.ValidationError
	require.ErrorAs(t, err, &validation)
	return validation.Problems
}

func TestValidateUserSteps_UnsupportedStep(t *testing.T) {
	user := []domain.Step{{Interface: domain.InterfaceRaid, Step: "create_configuration", Priority: 10}}
	driver := []domain.Step{{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 10}}

	_, err := ValidateUserSteps(user, driver, domain.WorkflowCleaning)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)

	found := problems(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "node does not support this clean step")
	assert.Equal(t, 10, user[0].Priority)
}

func TestValidateUserSteps_InvalidAndMissingArguments(t *testing.T) {
	driver := []domain.Step{{
		Interface: domain.InterfaceRaid,
		Step:      "create_configuration",
		Priority:  0,
		ArgsInfo: map[string]domain.ArgInfo{
			"create_root_volume":    {Description: "create the root volume"},
			"target_raid_config":    {Required: true, Description: "the RAID layout"},
			"delete_existing":       {Required: true},
			"create_nonroot_volume": {},
		},
	}}
	user := []domain.Step{{
		Interface: domain.InterfaceRaid,
		Step:      "create_configuration",
		Args:      map[string]any{"create_root_volume": true, "bogus": 1, "also_bogus": 2},
	}}

	_, err := ValidateUserSteps(user, driver, domain.WorkflowCleaning)
	found := problems(t, err)
	require.Len(t, found, 2)
	assert.Contains(t, found[0], "has these invalid arguments: also_bogus, bogus")
	assert.Contains(t, found[1], "is missing these required keyword arguments: delete_existing, target_raid_config (the RAID layout)")
}

func TestValidateUserSteps_CleanStepTakesDriverPriority(t *testing.T) {
	driver := []domain.Step{{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 50, Abortable: false}}
	user := []domain.Step{{Interface: domain.InterfaceDeploy, Step: "erase_devices", Priority: 999, Abortable: true}}

	validated, err := ValidateUserSteps(user, driver, domain.WorkflowCleaning)
	require.NoError(t, err)
	require.Len(t, validated, 1)
	assert.Equal(t, 50, validated[0].Priority)
	assert.False(t, validated[0].Abortable)
	assert.Equal(t, 999, user[0].Priority)
}

func TestValidateUserSteps_DisabledDeployStepSkipsRequiredCheck(t *testing.T) {
	driver := []domain.Step{{
		Interface: domain.InterfaceBios,
		Step:      "apply_configuration",
		ArgsInfo:  map[string]domain.ArgInfo{"settings": {Required: true}},
	}}
	user := []domain.Step{{Interface: domain.InterfaceBios, Step: "apply_configuration", Priority: 0}}

	validated, err := ValidateUserSteps(user, driver, domain.WorkflowDeploying)
	require.NoError(t, err)
	assert.Equal(t, 0, validated[0].Priority)

	user[0].Priority = 10
	_, err = ValidateUserSteps(user, driver, domain.WorkflowDeploying)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing these required keyword arguments: settings")
}

func TestValidateUserSteps_CoreDeployStepCanOnlyBeDisabled(t *testing.T) {
	driver := []domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100}}

	_, err := ValidateUserSteps([]domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 10}}, driver, domain.WorkflowDeploying)
	require.ErrorIs(t, err, domain.ErrInvalidParameter)
	assert.Contains(t, err.Error(), "is a core step and cannot be overridden")

	validated, err := ValidateUserSteps([]domain.Step{{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 0}}, driver, domain.WorkflowDeploying)
	require.NoError(t, err)
	assert.Len(t, validated, 1)
}

func TestValidateUserSteps_DuplicateDeploySteps(t *testing.T) {
	driver := []domain.Step{{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 10}}
	user := []domain.Step{
		{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 10},
		{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 20},
	}

	_, err := ValidateUserSteps(user, driver, domain.WorkflowDeploying)
	found := problems(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0], "duplicate deploy steps for bios.factory_reset")

	_, err = ValidateUserSteps(user, driver, domain.WorkflowCleaning)
	require.NoError(t, err)
}

func TestValidateUserSteps_CollectsEveryProblem(t *testing.T) {
	driver := []domain.Step{
		{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 100},
		{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 10},
	}
	user := []domain.Step{
		{Interface: domain.InterfaceRaid, Step: "missing", Priority: 10},
		{Interface: domain.InterfaceDeploy, Step: "deploy", Priority: 10},
		{Interface: domain.InterfaceBios, Step: "factory_reset", Priority: 10, Args: map[string]any{"force": true}},
	}

	_, err := ValidateUserSteps(user, driver, domain.WorkflowDeploying)
	assert.Len(t, problems(t, err), 3)
}

func TestProperty_SortStepsOrder(t *testing.T) {
	interfaces := append([]string(nil), domain.StepInterfaces...)

	rapid.Check(t, func(t *rapid.T) {
		kind := domain.WorkflowKind(rapid.IntRange(0, 1).Draw(t, "kind"))
		n := rapid.IntRange(0, 30).Draw(t, "n")

		input := make([]domain.Step, n)
		for i := range input {
			input[i] = domain.Step{
				Interface: rapid.SampledFrom(interfaces).Draw(t, "interface"),
				Step:      string(rune('a' + i%26)),
				Priority:  rapid.IntRange(0, 5).Draw(t, "priority"),
				Args:      map[string]any{"position": i},
			}
		}

		sorted := domain.CloneSteps(input)
		SortSteps(sorted, kind)

		if len(sorted) != len(input) {
			t.Fatalf("sorting changed length: %d != %d", len(sorted), len(input))
		}
		for i := 1; i < len(sorted); i++ {
			prev, cur := sorted[i-1], sorted[i]
			if prev.Priority < cur.Priority {
				t.Fatalf("priority %d precedes higher priority %d", prev.Priority, cur.Priority)
			}
			if prev.Priority != cur.Priority {
				continue
			}
			pi, ci := kind.InterfacePriority(prev.Interface), kind.InterfacePriority(cur.Interface)
			if pi < ci {
				t.Fatalf("%s precedes %s at equal priority", prev.Interface, cur.Interface)
			}
			if pi == ci && prev.Args["position"].(int) > cur.Args["position"].(int) {
				t.Fatalf("sort is not stable for %s and %s", prev, cur)
			}
		}
	})
}
