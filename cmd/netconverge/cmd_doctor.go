package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"netconverge/internal/adapter/natsink"
	"netconverge/internal/adapter/store"
	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	"netconverge/internal/infra/logger"
	"netconverge/internal/usecase/inventory"
	"netconverge/internal/usecase/scheduler"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 10 * time.Second

var noConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

func newDoctorCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and reachability of every external system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), root.configPath)
		},
	}
}

func doctorChecks(cfgPath string, cfgErr error) []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Source of truth", Fn: checkSourceOfTruth},
		{Name: "Device agents", Fn: checkDeviceAgents},
		{Name: "Incident system", Fn: checkIncidentSystem},
		{Name: "Notifier", Fn: checkNotifier},
		{Name: "Report store", Fn: checkReportStore},
		{Name: "Audit log", Fn: checkAuditLog},
		{Name: "Schedules", Fn: checkSchedules},
		{Name: "Event publishing", Fn: checkEventPublishing},
		{Name: "API auth", Fn: checkAPIAuth},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer, cfgPath string) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		cfg = nil
	}

	fmt.Fprintln(w, "netconverge doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range doctorChecks(cfgPath, cfgErr) {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if cfgErr == nil {
				return CheckResult{
					Status:  StatusWarn,
					Message: fmt.Sprintf("no config file at %s, running on defaults and environment", cfgPath),
				}
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file not found at %s and defaults are incomplete: %v", cfgPath, cfgErr),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		if cfgErr != nil {
			fix := "Check config.yaml syntax and field values"
			var ve *config.ValidationError
			if errors.As(cfgErr, &ve) {
				fix = "Correct the listed fields"
			} else if strings.Contains(cfgErr.Error(), configKeyEnv) || strings.Contains(cfgErr.Error(), "decrypt") {
				fix = "Export " + configKeyEnv + " with the passphrase used by 'netconverge encrypt'"
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fix,
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkSourceOfTruth resolves every configured device.
func checkSourceOfTruth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	sot, err := newSourceOfTruth(cfg, logger.Discard())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if len(cfg.Devices) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s backend configured but no devices to resolve", cfg.Inventory.Backend),
			Fix:     "Add a devices section binding an agent to each managed element",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	client := inventory.NewClient(sot, cfg.Inventory.Timeout, nil)
	var missing []string
	for _, d := range cfg.Devices {
		_, err := client.ResolveDevice(ctx, d.Name)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInventoryUnavailable):
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("%s unreachable: %v", cfg.Inventory.Backend, err),
				Fix:     "Check inventory.netbox.url, the API token and network access",
			}
		default:
			missing = append(missing, d.Name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d devices not resolvable: %s", len(missing), len(cfg.Devices), strings.Join(missing, ", ")),
			Fix:     "Device names in the devices section must match the inventory",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d devices resolved via %s", len(cfg.Devices), cfg.Inventory.Backend),
	}
}

// checkDeviceAgents dials the management port of every ssh agent.
func checkDeviceAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if len(cfg.Devices) == 0 {
		return CheckResult{Status: StatusWarn, Message: "no device agents configured"}
	}

	var unreachable []string
	var ssh, snmp, lab int
	for _, d := range cfg.Devices {
		switch d.Transport {
		case "ssh":
			ssh++
			port := d.Port
			if port == 0 {
				port = 22
			}
			if err := dialTCP(withPort(d.Address, port)); err != nil {
				unreachable = append(unreachable, d.Name)
			}
		case "snmp":
			snmp++
		case "lab":
			lab++
		}
	}
	summary := fmt.Sprintf("%d ssh, %d snmp, %d lab", ssh, snmp, lab)
	if len(unreachable) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s; ssh unreachable: %s", summary, strings.Join(unreachable, ", ")),
			Fix:     "Check the device address, port and any firewall between here and the device",
		}
	}
	if snmp > 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: summary + " (snmp agents are read-only and not probed)",
		}
	}
	return CheckResult{Status: StatusPass, Message: summary}
}

func checkIncidentSystem(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	switch cfg.Incidents.Backend {
	case "memory":
		return CheckResult{
			Status:  StatusWarn,
			Message: "tickets are kept in memory and lost on exit",
			Fix:     "Set incidents.backend to servicenow for production",
		}
	case "servicenow":
		if err := probeHTTP(cfg.Incidents.ServiceNow.URL); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("servicenow unreachable: %v", err),
				Fix:     "Check incidents.servicenow.url and network access",
			}
		}
		return CheckResult{Status: StatusPass, Message: "servicenow reachable at " + cfg.Incidents.ServiceNow.URL}
	default:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("unknown backend %q", cfg.Incidents.Backend)}
	}
}

func checkNotifier(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	switch cfg.Notify.Backend {
	case "log":
		return CheckResult{Status: StatusWarn, Message: "reports are only written to the log"}
	case "smtp":
		addr := withPort(cfg.Notify.SMTP.Host, cfg.Notify.SMTP.Port)
		if err := dialTCP(addr); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("mail relay %s unreachable: %v", addr, err),
				Fix:     "Check notify.smtp.host and notify.smtp.port",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("mail relay %s reachable, sending to %s", addr, cfg.Notify.Recipient)}
	default:
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s configured, sending to %s", cfg.Notify.Backend, cfg.Notify.Recipient)}
	}
}

func checkReportStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if res, ok := checkWritableDir(filepath.Dir(cfg.Store.Path)); !ok {
		return res
	}
	st, err := store.NewSQLiteReportStore(cfg.Store.Path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	if _, err := st.List(ctx, 1); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot query %s: %v", cfg.Store.Path, err)}
	}
	return CheckResult{Status: StatusPass, Message: "report database at " + cfg.Store.Path}
}

func checkAuditLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusWarn, Message: "audit log disabled"}
	}
	if res, ok := checkWritableDir(filepath.Dir(cfg.Audit.Path)); !ok {
		return res
	}
	msg := "audit log at " + cfg.Audit.Path
	if cfg.Audit.MaxAge > 0 {
		msg += fmt.Sprintf(", entries kept for %s", cfg.Audit.MaxAge)
	}
	return CheckResult{Status: StatusPass, Message: msg}
}

func checkSchedules(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if len(cfg.Schedule.Checks) == 0 {
		return CheckResult{Status: StatusPass, Message: "no scheduled checks"}
	}
	for _, c := range cfg.Schedule.Checks {
		if _, err := scheduler.ParseSchedule(c.Cron); err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("check %s: %v", c.Name, err),
				Fix:     `Use a five-field cron expression, a descriptor such as "@hourly", or a duration such as "15m"`,
			}
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d scheduled checks", len(cfg.Schedule.Checks))}
}

func checkEventPublishing(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if cfg.Events.NATS.URL == "" {
		return CheckResult{Status: StatusPass, Message: "NATS publishing disabled"}
	}
	sink, err := natsink.Connect(cfg.Events.NATS, logger.Discard())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot connect to %s: %v", cfg.Events.NATS.URL, err),
			Fix:     "Check events.nats.url",
		}
	}
	_ = sink.Close()
	return CheckResult{Status: StatusPass, Message: "connected to " + cfg.Events.NATS.URL}
}

func checkAPIAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfig
	}
	if len(cfg.Server.Tokens) > 0 {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d API tokens configured", len(cfg.Server.Tokens))}
	}
	host, _, _ := net.SplitHostPort(cfg.Server.Addr)
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{Status: StatusPass, Message: "API bound to loopback without tokens"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("API listens on %s without authentication", cfg.Server.Addr),
		Fix:     "Add server.tokens or bind server.addr to 127.0.0.1",
	}
}

// checkWritableDir creates dir when missing and verifies it accepts writes.
func checkWritableDir(dir string) (CheckResult, bool) {
	absDir, _ := filepath.Abs(dir)
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}, false
	}
	marker := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(marker, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", absDir),
		}, false
	}
	os.Remove(marker)
	return CheckResult{}, true
}

func withPort(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func dialTCP(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeHTTP reports whether url answers at all. Any HTTP status counts.
func probeHTTP(url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}
