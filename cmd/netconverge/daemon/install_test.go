package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls [][]string
	fail  string
	out   string
}

func (r *recorder) run(args ...string) ([]byte, error) {
	r.calls = append(r.calls, args)
	if r.fail != "" && args[0] == r.fail {
		return []byte("boom"), errors.New("exit status 1")
	}
	return []byte(r.out), nil
}

func testUnit(t *testing.T) Unit {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "netconverge")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	return Unit{
		Name:       "netconverge",
		BinaryPath: bin,
		ConfigPath: "/etc/netconverge/config.yaml",
		WorkDir:    filepath.Join(dir, "work"),
		User:       "netops",
		EnvFile:    "/etc/netconverge/env",
	}
}

func TestRender(t *testing.T) {
	u := Unit{
		Name:       "netconverge",
		BinaryPath: "/usr/local/bin/netconverge",
		ConfigPath: "/etc/netconverge/config.yaml",
		WorkDir:    "/var/lib/netconverge",
		User:       "netops",
		EnvFile:    "/etc/netconverge/env",
	}
	content, err := Render(u)
	require.NoError(t, err)

	for _, want := range []string{
		"[Unit]",
		"After=network-online.target",
		"ExecStart=/usr/local/bin/netconverge serve --config /etc/netconverge/config.yaml",
		"WorkingDirectory=/var/lib/netconverge",
		"User=netops",
		"EnvironmentFile=-/etc/netconverge/env",
		"WantedBy=multi-user.target",
	} {
		assert.Contains(t, content, want)
	}

	u.EnvFile = ""
	content, err = Render(u)
	require.NoError(t, err)
	assert.NotContains(t, content, "EnvironmentFile")
}

func TestValidate(t *testing.T) {
	u := testUnit(t)
	require.NoError(t, u.Validate())

	bad := u
	bad.Name = "net converge"
	assert.Error(t, bad.Validate())

	bad = u
	bad.BinaryPath = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, bad.Validate())

	notExec := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))
	bad = u
	bad.BinaryPath = notExec
	assert.ErrorContains(t, bad.Validate(), "not executable")
}

func TestInstallWritesUnitAndStarts(t *testing.T) {
	rec := &recorder{}
	m := &Manager{UnitDir: t.TempDir(), Run: rec.run}
	u := testUnit(t)

	require.NoError(t, m.Install(u))

	data, err := os.ReadFile(filepath.Join(m.UnitDir, "netconverge.service"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "serve --config")
	assert.DirExists(t, u.WorkDir)
	assert.Equal(t, [][]string{{"daemon-reload"}, {"enable", "netconverge"}, {"start", "netconverge"}}, rec.calls)
}

func TestInstallReportsSystemctlFailure(t *testing.T) {
	rec := &recorder{fail: "enable"}
	m := &Manager{UnitDir: t.TempDir(), Run: rec.run}

	err := m.Install(testUnit(t))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "systemctl enable netconverge: boom"))
}

func TestUninstall(t *testing.T) {
	rec := &recorder{fail: "stop"}
	m := &Manager{UnitDir: t.TempDir(), Run: rec.run}
	path := filepath.Join(m.UnitDir, "netconverge.service")
	require.NoError(t, os.WriteFile(path, []byte("[Unit]\n"), 0o644))

	require.NoError(t, m.Uninstall("netconverge"))
	assert.NoFileExists(t, path)
	assert.Equal(t, []string{"daemon-reload"}, rec.calls[len(rec.calls)-1])

	// Removing an absent unit is fine.
	require.NoError(t, m.Uninstall("netconverge"))
}

func TestStatus(t *testing.T) {
	rec := &recorder{out: "ActiveState=active\nMainPID=4242\n"}
	m := &Manager{UnitDir: t.TempDir(), Run: rec.run}

	st, err := m.Status("netconverge")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "active", st.State)
	assert.Equal(t, 4242, st.PID)

	st = parseShow("ActiveState=inactive\nMainPID=0\n")
	assert.False(t, st.Active)
	assert.Zero(t, st.PID)
}
