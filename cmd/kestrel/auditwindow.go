package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/exposure"
)

func auditWindowCmd() *cobra.Command {
	var (
		days     int
		nowFlag  string
		timezone string
	)

	cmd := &cobra.Command{
		Use:   "audit-window",
		Short: "Print the start of the authorization audit window",
		Long: `Print the instant the rolling authorization window starts, given the
number of auth-expire days and the current time.

Examples:
  kestrel audit-window --days 3
  kestrel audit-window --days 3 --now 2022-05-16T17:00:00-06:00`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := domain.LoadConfig()
			if timezone != "" {
				cfg.JIT.Timezone = timezone
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.JIT.AuthExpireDays
			}
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}

			svc, err := exposure.NewService(nil, cfg.JIT)
			if err != nil {
				return err
			}

			now := time.Now()
			if nowFlag != "" {
				now, err = time.Parse(time.RFC3339, nowFlag)
				if err != nil {
					return fmt.Errorf("--now must be RFC3339: %w", err)
				}
			}
			now = now.In(svc.Location())

			fmt.Fprintln(cmd.OutOrStdout(), svc.Window(days, now).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().IntVarP(&days, "days", "d", 0, "auth-expire days (default from KESTREL_AUTH_EXPIRE_DAYS)")
	cmd.Flags().StringVar(&nowFlag, "now", "", "reference time in RFC3339 (default current time)")
	cmd.Flags().StringVar(&timezone, "tz", "", "IANA timezone (default from KESTREL_TIMEZONE)")
	return cmd
}
