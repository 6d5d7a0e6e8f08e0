package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Remediation.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Remediation.MaxRetries)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Incidents.ServiceNow.Table != "incident" {
		t.Errorf("ServiceNow.Table = %q", cfg.Incidents.ServiceNow.Table)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, int(cfg.Retry.MaxAttempts))
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
inventory:
  backend: static
  static:
    - name: R1
      address: 192.0.2.1
      role: router
      interfaces:
        - name: GigabitEthernet0/1
          address: 10.10.10.1/24
          peer_device: R2
devices:
  - name: R1
    transport: lab
    lab:
      interfaces:
        - name: GigabitEthernet0/1
          address: 10.10.10.2/24
remediation:
  max_retries: 4
  task_timeout: 5s
incidents:
  backend: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Inventory.Backend)
	require.Len(t, cfg.Inventory.Static, 1)
	assert.Equal(t, "R2", cfg.Inventory.Static[0].Interfaces[0].PeerDevice)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "10.10.10.2/24", cfg.Devices[0].Lab.Interfaces[0].Address)
	assert.Equal(t, 4, cfg.Remediation.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Remediation.TaskTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, 4, cfg.Remediation.DispatchConcurrency)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "logger:\n  level: debug\n")
	require.NoError(t, os.Chmod(path, 0o666))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")
}

func TestLoadValidationError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", `
remediation:
  max_retries: -1
devices:
  - name: R1
    transport: telnet
`)
	_, err := Load(path)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "want *ValidationError, got %v", err)
	assert.Len(t, ve.Errors, 2)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NETCONVERGE_LOGGER_LEVEL", "debug")
	t.Setenv("NETCONVERGE_REMEDIATION_MAX_RETRIES", "5")
	t.Setenv("NETCONVERGE_NETBOX_TOKEN", "tok")
	t.Setenv("NETCONVERGE_DEVICE_PASSWORD", "shared")
	t.Setenv("NETCONVERGE_INSECURE_HOST_KEY_DEVICES", "R1, R3")

	cfg := Defaults()
	cfg.Devices = []DeviceConfig{{Name: "R1"}, {Name: "R2", Password: "own"}}
	ApplyEnvOverrides(cfg)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 5, cfg.Remediation.MaxRetries)
	assert.Equal(t, "tok", cfg.Inventory.NetBox.Token)
	assert.Equal(t, "shared", cfg.Devices[0].Password)
	assert.Equal(t, "own", cfg.Devices[1].Password)
	assert.True(t, cfg.Devices[0].InsecureHostKey)
	assert.False(t, cfg.Devices[1].InsecureHostKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("s3cret", "passphrase")
	require.NoError(t, err)
	got, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	_, err = DecryptValue(enc, "wrong")
	assert.Error(t, err)
}

func TestLoadDecryptsSecrets(t *testing.T) {
	enc, err := EncryptValue("device-pw", "k")
	require.NoError(t, err)
	path := writeConfig(t, t.TempDir(), "config.yaml", `
devices:
  - name: R1
    transport: ssh
    address: 192.0.2.1
    username: admin
    password: "enc:`+enc+`"
    insecure_host_key: true
`)
	t.Setenv("NETCONVERGE_CONFIG_KEY", "k")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "device-pw", cfg.Devices[0].Password)
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Inventory.NetBox.Token = "enc:zz:zz"
	err := decryptSecrets(cfg, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inventory.netbox.token")
}

func TestLoadErrorsAreClassified(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "devices: [oops\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigLoad)
	assert.Equal(t, domain.CodeConfigLoad, domain.ErrorCodeOf(err))

	enc, err := EncryptValue("device-pw", "right")
	require.NoError(t, err)
	path = writeConfig(t, t.TempDir(), "config.yaml", `
devices:
  - name: R1
    transport: lab
    password: "enc:`+enc+`"
`)
	t.Setenv("NETCONVERGE_CONFIG_KEY", "wrong")
	_, err = Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDecryption)
}
