package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"goa.design/llmos/config"
	"goa.design/llmos/runtime/triggers"
)

func triggersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect and manage persisted triggers",
	}
	cmd.AddCommand(
		triggersListCmd(configPath),
		triggersShowCmd(configPath),
		triggersRegisterCmd(configPath),
		triggersDeleteCmd(configPath),
	)
	return cmd
}

// triggerDaemon builds a stopped bridge so subcommands can reach the
// configured trigger store through the daemon surface.
func triggerDaemon(configPath *string) (*triggers.Daemon, func(), error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}
	b, cleanup, err := newBridge(cfg)
	if err != nil {
		return nil, nil, err
	}
	return b.Triggers, func() { b.Stop(); cleanup() }, nil
}

func triggersListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered triggers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, done, err := triggerDaemon(configPath)
			if err != nil {
				return err
			}
			defer done()
			defs, err := d.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				cmd.Println("no triggers registered")
				return nil
			}
			for _, def := range defs {
				cmd.Printf("%-24s %-10s %-12s fires=%d priority=%d\n",
					def.TriggerID, def.State, def.Condition.Type, def.FireCount, def.Priority)
			}
			return nil
		},
	}
}

func triggersShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <trigger-id>",
		Short: "Print one trigger definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, done, err := triggerDaemon(configPath)
			if err != nil {
				return err
			}
			defer done()
			def, ok, err := d.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("trigger %q not found", args[0])
			}
			data, err := json.MarshalIndent(def, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func triggersRegisterCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "register <definition.json>",
		Short: "Register a trigger from a definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var def triggers.Definition
			if err := json.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("parse definition: %w", err)
			}
			d, done, err := triggerDaemon(configPath)
			if err != nil {
				return err
			}
			defer done()
			if err := d.Register(cmd.Context(), &def); err != nil {
				return err
			}
			cmd.Printf("registered trigger %q (inactive; activate via the daemon API)\n", def.TriggerID)
			return nil
		},
	}
}

func triggersDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <trigger-id>",
		Short: "Delete a trigger definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, done, err := triggerDaemon(configPath)
			if err != nil {
				return err
			}
			defer done()
			if err := d.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted trigger %q\n", args[0])
			return nil
		},
	}
}
