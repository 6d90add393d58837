package main

import (
	"fmt"
	"os"

	"github.com/eleven-am/conductor"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStepsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "steps",
		Short: "Work with clean and deploy steps",
	}
	cmd.AddCommand(newStepsValidateCmd())
	return cmd
}

type validateOptions struct {
	kind        string
	driverSteps string
}

func newStepsValidateCmd() *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate STEPS_FILE",
		Short: "Validate operator steps against the steps a driver offers",
		Long: `Validate a list of operator steps against the steps a driver offers.

Both files hold a list of steps in YAML or JSON. On success the validated
steps are printed as JSON with driver defaults filled in. Otherwise every
problem found is reported.`,
		Example: `  conductord steps validate manual.yaml --driver-steps ipmi-clean.json
  conductord steps validate template.yaml --driver-steps ipmi-deploy.json --kind deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(opts.kind)
			if err != nil {
				return err
			}
			userSteps, err := readSteps(args[0])
			if err != nil {
				return err
			}
			driverSteps, err := readSteps(opts.driverSteps)
			if err != nil {
				return err
			}

			validated, err := conductor.ValidateUserSteps(userSteps, driverSteps, kind)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(validated, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", "clean", "step kind, clean or deploy")
	cmd.Flags().StringVar(&opts.driverSteps, "driver-steps", "", "file listing the steps the driver offers")
	_ = cmd.MarkFlagRequired("driver-steps")
	return cmd
}

func parseKind(kind string) (conductor.WorkflowKind, error) {
	switch kind {
	case "clean":
		return conductor.WorkflowCleaning, nil
	case "deploy":
		return conductor.WorkflowDeploying, nil
	default:
		return 0, fmt.Errorf("unknown step kind %q, expected clean or deploy", kind)
	}
}

// readSteps decodes a YAML or JSON list of steps.
func readSteps(path string) ([]conductor.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steps: %w", err)
	}
	var steps []conductor.Step
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse steps %s: %w", path, err)
	}
	return steps, nil
}
