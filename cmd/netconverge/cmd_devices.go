package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCmd(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the device agents bound at startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(cfg, true)
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := buildApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			devices := a.router.Describe(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, map[string]any{"devices": devices, "unbound": a.unbound})
			}
			writeDevicesTable(out, devices)
			for _, u := range a.unbound {
				fmt.Fprintf(cmd.ErrOrStderr(), "unbound: %s: %s\n", u.Name, u.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
