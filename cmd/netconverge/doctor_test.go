package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/infra/config"
)

func TestCheckConfigFileNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	result := checkConfigFile(path, nil)(nil)
	assert.Equal(t, StatusWarn, result.Status)

	result = checkConfigFile(path, &config.ValidationError{Errors: []string{"inventory.netbox.url required"}})(nil)
	assert.Equal(t, StatusFail, result.Status)
	assert.NotEmpty(t, result.Fix)
}

func TestCheckConfigFileParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inventory: {{yaml"), 0o600))

	result := checkConfigFile(path, &config.ValidationError{Errors: []string{"bad yaml"}})(nil)
	assert.Equal(t, StatusFail, result.Status)
	assert.Equal(t, "Correct the listed fields", result.Fix)
}

func TestCheckConfigFileValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: info\n"), 0o600))

	result := checkConfigFile(path, nil)(nil)
	assert.Equal(t, StatusPass, result.Status)
}

func TestChecksWithoutConfigFail(t *testing.T) {
	for _, check := range doctorChecks("config.yaml", nil)[1:] {
		t.Run(check.Name, func(t *testing.T) {
			assert.Equal(t, StatusFail, check.Fn(nil).Status)
		})
	}
}

func TestCheckSourceOfTruth(t *testing.T) {
	cfg := config.Defaults()
	cfg.Inventory.Backend = "static"
	cfg.Inventory.Static = []config.StaticDeviceConfig{{Name: "R1"}}

	assert.Equal(t, StatusWarn, checkSourceOfTruth(cfg).Status)

	cfg.Devices = []config.DeviceConfig{{Name: "R1", Transport: "lab"}}
	assert.Equal(t, StatusPass, checkSourceOfTruth(cfg).Status)

	cfg.Devices = append(cfg.Devices, config.DeviceConfig{Name: "R7", Transport: "lab"})
	result := checkSourceOfTruth(cfg)
	assert.Equal(t, StatusWarn, result.Status)
	assert.Contains(t, result.Message, "R7")
}

func TestCheckDeviceAgentsDialsSSH(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cfg := config.Defaults()
	cfg.Devices = []config.DeviceConfig{
		{Name: "R1", Transport: "ssh", Address: ln.Addr().String()},
		{Name: "R2", Transport: "snmp", Address: "192.0.2.2"},
	}
	result := checkDeviceAgents(cfg)
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "1 ssh, 1 snmp, 0 lab")

	// A closed listener refuses connections.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := closed.Addr().String()
	closed.Close()
	cfg.Devices = append(cfg.Devices, config.DeviceConfig{Name: "R3", Transport: "ssh", Address: addr})
	result = checkDeviceAgents(cfg)
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "R3")
}

func TestCheckReportStoreAndAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(dir, "db", "reports.db")
	cfg.Audit.Path = filepath.Join(dir, "audit", "audit.jsonl")
	cfg.Audit.MaxAge = 24 * time.Hour

	assert.Equal(t, StatusPass, checkReportStore(cfg).Status)
	assert.FileExists(t, cfg.Store.Path)

	result := checkAuditLog(cfg)
	assert.Equal(t, StatusPass, result.Status)
	assert.Contains(t, result.Message, "24h0m0s")

	cfg.Audit.Enabled = false
	assert.Equal(t, StatusWarn, checkAuditLog(cfg).Status)
}

func TestCheckSchedules(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, StatusPass, checkSchedules(cfg).Status)

	cfg.Schedule.Checks = []config.ScheduledCheckConfig{{Name: "core", Cron: "*/5 * * * *"}}
	assert.Equal(t, StatusPass, checkSchedules(cfg).Status)

	cfg.Schedule.Checks = append(cfg.Schedule.Checks, config.ScheduledCheckConfig{Name: "edge", Cron: "every tuesday"})
	result := checkSchedules(cfg)
	assert.Equal(t, StatusFail, result.Status)
	assert.Contains(t, result.Message, "edge")
}

func TestCheckAPIAuth(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, StatusPass, checkAPIAuth(cfg).Status)

	cfg.Server.Addr = "0.0.0.0:8080"
	assert.Equal(t, StatusWarn, checkAPIAuth(cfg).Status)

	cfg.Server.Tokens = []config.APITokenConfig{{Name: "noc", Token: "t"}}
	assert.Equal(t, StatusPass, checkAPIAuth(cfg).Status)
}

func TestCheckIncidentAndNotifier(t *testing.T) {
	cfg := config.Defaults()
	cfg.Incidents.Backend = "memory"
	assert.Equal(t, StatusWarn, checkIncidentSystem(cfg).Status)

	cfg.Notify.Backend = "log"
	assert.Equal(t, StatusWarn, checkNotifier(cfg).Status)

	cfg.Notify.Backend = "slack"
	cfg.Notify.Recipient = "#noc"
	assert.Equal(t, StatusPass, checkNotifier(cfg).Status)
}

func TestRunDoctorOnLabConfig(t *testing.T) {
	cfgPath, _ := writeLabConfig(t, false)

	var out bytes.Buffer
	err := runDoctor(&out, cfgPath)
	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "[PASS] Config file")
	assert.Contains(t, out.String(), "[WARN] Source of truth")
	assert.Contains(t, out.String(), "0 failed")
}
