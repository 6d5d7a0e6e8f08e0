package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"netconverge/cmd/netconverge/daemon"
)

func newDaemonCmd(root *rootFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage netconverge serve as a systemd service",
	}
	cmd.PersistentFlags().StringVar(&name, "name", "netconverge", "service name")

	var user, workDir, envFile string
	install := &cobra.Command{
		Use:   "install",
		Short: "Write the unit file, then enable and start the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u := daemon.DefaultUnit(root.configPath)
			u.Name = name
			if user != "" {
				u.User = user
			}
			if workDir != "" {
				u.WorkDir = workDir
			}
			if cmd.Flags().Changed("env-file") {
				u.EnvFile = envFile
			}
			if err := daemon.NewManager().Install(u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed and started %s.service\n", u.Name)
			return nil
		},
	}
	install.Flags().StringVar(&user, "user", "", "user the service runs as (default: current user)")
	install.Flags().StringVar(&workDir, "workdir", "", "working directory (default: /var/lib/netconverge)")
	install.Flags().StringVar(&envFile, "env-file", "", "environment file holding NETCONVERGE_CONFIG_KEY")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := daemon.NewManager().Uninstall(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s.service\n", name)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := daemon.NewManager().Status(name)
			if err != nil {
				return err
			}
			if st.Active {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: running (pid %d)\n", name, st.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, st.State)
			return &exitError{code: 3}
		},
	}

	cmd.AddCommand(install, uninstall, status)
	return cmd
}
