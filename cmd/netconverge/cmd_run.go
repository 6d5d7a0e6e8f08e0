package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/cobra"

	"netconverge/internal/usecase/remediation"
)

func newRunCmd(root *rootFlags) *cobra.Command {
	var (
		endpoints []string
		requester string
		asJSON    bool
		plain     bool
	)
	cmd := &cobra.Command{
		Use:   "run DESCRIPTION",
		Short: "Verify connectivity for a request and repair any drift",
		Long: `Runs one request end to end and prints its report. Endpoints are device
names or addresses; when none are given they are taken from the description.

Exit status is 0 when connectivity is fine or was restored, 3 when the run
escalated to a human and 2 when it failed.`,
		Example: `  netconverge run "R1 cannot reach R2"
  netconverge run "loopback check" --endpoint 10.0.0.1 --endpoint R3 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if requester == "" {
				requester = currentUser()
			}
			req := remediation.NewRequest(args[0], endpoints, requester)
			report, err := a.orch.Run(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprint(out, renderMarkdown(reportMarkdown(report), plain))
			}
			return outcomeError(report)
		},
	}
	cmd.Flags().StringArrayVarP(&endpoints, "endpoint", "e", nil, "device name or address to check (repeatable)")
	cmd.Flags().StringVar(&requester, "requester", "", "who asked for the check (default: current user)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().BoolVar(&plain, "plain", false, "print markdown without terminal styling")
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
