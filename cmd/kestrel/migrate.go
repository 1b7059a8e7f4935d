package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func migrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the embedded schema migrations to the configured database.

The driver and connection come from the KESTREL_DB_* environment variables.

Examples:
  kestrel migrate
  KESTREL_DB_DRIVER=postgres kestrel migrate --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := domain.LoadConfig()
			setupLogger(cfg.Logging)

			if !statusOnly {
				if err := repository.Migrate(cfg.Repository); err != nil {
					return err
				}
			}

			version, dirty, err := repository.MigrationVersion(cfg.Repository)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "driver=%s version=%d dirty=%t\n", cfg.Repository.Driver, version, dirty)
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the current version without migrating")
	return cmd
}
