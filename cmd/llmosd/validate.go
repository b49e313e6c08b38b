package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"goa.design/llmos/runtime/plan"
)

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Parse and validate a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := plan.ParseJSON(data)
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			if err := plan.Validate(p, plan.ValidateOptions{}); err != nil {
				return fmt.Errorf("validate: %w", err)
			}
			cmd.Printf("plan %q is valid: %d actions, mode %s\n", p.PlanID, len(p.Actions), p.ExecutionMode)
			return nil
		},
	}
	return cmd
}
