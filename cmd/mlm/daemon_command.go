package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mlm/internal/config"
	"mlm/internal/daemon"
	"mlm/internal/logging"
	"mlm/internal/store"
)

func newDaemonCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the reconciliation loops in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, resolvedPath, _, err := config.Load(*configFlag)
			if err != nil {
				return err
			}

			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			st, err := store.Open(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			return daemon.New(cfg, resolvedPath, st, logger).Run(ctx)
		},
	}
}

// loadForQuery opens config and store for read-only CLI commands.
func loadForQuery(configFlag *string) (*config.Config, *store.Store, error) {
	cfg, _, _, err := config.Load(*configFlag)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}
