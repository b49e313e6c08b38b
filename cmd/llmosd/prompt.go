package main

import (
	"github.com/spf13/cobra"

	"goa.design/llmos/config"
)

func promptCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the system prompt for the configured profile",
		Long: `Renders the prompt the daemon would hand to the LLM: protocol
rules, the active permission profile, and the manifests of every
registered module. A daemon with no modules registered still prints
the protocol preamble.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			b, cleanup, err := newBridge(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer b.Stop()

			if asJSON {
				data, err := b.Prompt.JSON()
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Println(b.Prompt.Text())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the machine-readable document")
	return cmd
}
