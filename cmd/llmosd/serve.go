package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"goa.design/llmos/config"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon until interrupted",
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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := b.Start(ctx); err != nil {
				return err
			}
			cmd.Printf("llmosd serving with profile %q\n", cfg.Profile)
			<-ctx.Done()
			b.Stop()
			return nil
		},
	}
}
