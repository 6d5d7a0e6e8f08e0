package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// exitError carries a process exit status other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "netconverge",
		Short: "Verify and repair network connectivity against the source of truth",
		Long: `netconverge checks live device state against the declared topology held in
the source of truth, corrects drift through per-device agents, verifies the
result, and records every run in the incident system and a report store.

Configuration:
  Config file: ./config.yaml (or --config, or $NETCONVERGE_CONFIG)
  Environment: NETCONVERGE_* variables override the file
  Secrets:     values prefixed "enc:" are decrypted with $NETCONVERGE_CONFIG_KEY`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultConfig := os.Getenv("NETCONVERGE_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfig, "path to the config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newDevicesCmd(flags),
		newReportsCmd(flags),
		newMCPCmd(flags),
		newDoctorCmd(flags),
		newEncryptCmd(),
		newDaemonCmd(flags),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
