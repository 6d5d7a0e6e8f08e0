// Package daemon installs netconverge serve as a systemd service.
package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// Unit holds the parameters of the service unit.
type Unit struct {
	Name       string
	BinaryPath string
	ConfigPath string
	WorkDir    string
	User       string
	// EnvFile holds NETCONVERGE_CONFIG_KEY and other overrides. Optional.
	EnvFile string
}

// Status is the state systemd reports for the unit.
type Status struct {
	Active bool
	State  string
	PID    int
}

// Runner executes systemctl. Swapped in tests.
type Runner func(args ...string) ([]byte, error)

func systemctl(args ...string) ([]byte, error) {
	return exec.Command("systemctl", args...).CombinedOutput()
}

// Manager writes unit files and drives systemctl.
type Manager struct {
	UnitDir string
	Run     Runner
}

// NewManager targets /etc/systemd/system.
func NewManager() *Manager {
	return &Manager{UnitDir: "/etc/systemd/system", Run: systemctl}
}

// DefaultUnit returns a Unit for the running binary and the given config.
func DefaultUnit(configPath string) Unit {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/netconverge"
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}
	username := "netconverge"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	return Unit{
		Name:       "netconverge",
		BinaryPath: binary,
		ConfigPath: configPath,
		WorkDir:    "/var/lib/netconverge",
		User:       username,
		EnvFile:    "/etc/netconverge/env",
	}
}

// Validate checks the unit before anything is written.
func (u Unit) Validate() error {
	if u.Name == "" || strings.ContainsAny(u.Name, "/ ") {
		return fmt.Errorf("invalid service name %q", u.Name)
	}
	info, err := os.Stat(u.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", u.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", u.BinaryPath)
	}
	if u.ConfigPath == "" {
		return errors.New("config path is required")
	}
	return nil
}

const unitTemplate = `[Unit]
Description=netconverge network remediation service ({{.Name}})
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} serve --config {{.ConfigPath}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
{{- if .EnvFile}}
EnvironmentFile=-{{.EnvFile}}
{{- end}}
Restart=on-failure
RestartSec=5
NoNewPrivileges=true
ProtectSystem=full
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

var unitTmpl = template.Must(template.New("unit").Parse(unitTemplate))

// Render returns the unit file content.
func Render(u Unit) (string, error) {
	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, u); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *Manager) unitPath(name string) string {
	return filepath.Join(m.UnitDir, name+".service")
}

// Install writes the unit, then enables and starts it.
func (m *Manager) Install(u Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	content, err := Render(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(u.WorkDir, 0o750); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.WriteFile(m.unitPath(u.Name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", u.Name},
		{"start", u.Name},
	} {
		if out, err := m.Run(args...); err != nil {
			return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
		}
	}
	return nil
}

// Uninstall stops and disables the unit and removes its file. Stop and
// disable failures are ignored so a half-installed unit can be removed.
func (m *Manager) Uninstall(name string) error {
	_, _ = m.Run("stop", name)
	_, _ = m.Run("disable", name)
	if err := os.Remove(m.unitPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if out, err := m.Run("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Status asks systemd for the unit state and main PID.
func (m *Manager) Status(name string) (Status, error) {
	out, err := m.Run("show", "--property=ActiveState,MainPID", name)
	if err != nil {
		return Status{}, fmt.Errorf("systemctl show: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return parseShow(string(out)), nil
}

func parseShow(out string) Status {
	var st Status
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.State = val
			st.Active = val == "active"
		case "MainPID":
			st.PID, _ = strconv.Atoi(val)
		}
	}
	return st
}
