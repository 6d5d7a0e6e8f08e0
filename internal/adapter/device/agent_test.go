package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	"netconverge/internal/ios"
)

func newR1() (*LabDevice, *CLIAgent) {
	dev := NewLabDevice("R1", config.LabConfig{
		Platform: "ISR4331",
		Interfaces: []config.LabInterfaceConfig{
			{Name: "GigabitEthernet0/1", Address: "10.10.10.2/24", Neighbor: "R2.lab.local"},
			{Name: "GigabitEthernet0/2", Address: "10.20.0.1/30", Shutdown: true},
		},
	})
	return dev, NewLabAgent(Binding{DeviceID: "1", Name: "R1", Address: "192.0.2.1"}, dev)
}

func TestCLIAgentDiagnose(t *testing.T) {
	_, agent := newR1()
	ctx := context.Background()

	out, err := agent.Diagnose(ctx, "show ip interface GigabitEthernet0/1")
	require.NoError(t, err)
	obs := ios.ParseInterface(out)
	assert.True(t, obs.LineUp)
	assert.Equal(t, "10.10.10.2/24", obs.Address)

	out, err = agent.Diagnose(ctx, "show cdp neighbors GigabitEthernet0/1")
	require.NoError(t, err)
	n := ios.ParseNeighbors(out)
	require.Len(t, n, 1)
	assert.Equal(t, "R2", n[0].ShortName())

	out, err = agent.Diagnose(ctx, "ping 10.10.10.9")
	require.NoError(t, err)
	assert.Contains(t, out, "Success rate is 100 percent")
}

func TestCLIAgentDiagnoseRejectsWrites(t *testing.T) {
	dev, agent := newR1()
	for _, cmd := range []string{"configure terminal", "show run | include secret", "write memory"} {
		_, err := agent.Diagnose(context.Background(), cmd)
		assert.ErrorIs(t, err, domain.ErrRejected, cmd)
	}
	assert.Empty(t, dev.Calls(), "rejected commands must not reach the device")
}

func TestCLIAgentApplyIdempotent(t *testing.T) {
	dev, agent := newR1()
	ctx := context.Background()
	intent := domain.ConfigIntent{DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24"}

	res, err := agent.ApplyConfiguration(ctx, intent)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"interface GigabitEthernet0/1", " ip address 10.10.10.1 255.255.255.0"}, res.Commands)
	first, _ := dev.Interface("GigabitEthernet0/1")

	res, err = agent.ApplyConfiguration(ctx, intent)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	second, _ := dev.Interface("GigabitEthernet0/1")

	assert.Equal(t, first, second)
	assert.Equal(t, "10.10.10.1/24", second.Address)
	assert.Equal(t, 1, dev.ConfigureCalls())
}

func TestCLIAgentApplyNoShutdown(t *testing.T) {
	dev, agent := newR1()
	res, err := agent.ApplyConfiguration(context.Background(), domain.ConfigIntent{
		DeviceID: "1", Interface: "GigabitEthernet0/2", AdminState: domain.AdminUp,
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	obs, _ := dev.Interface("GigabitEthernet0/2")
	assert.True(t, obs.AdminUp)
	assert.True(t, obs.LineUp)
}

func TestCLIAgentRejectsOtherDevice(t *testing.T) {
	dev, agent := newR1()
	_, err := agent.ApplyConfiguration(context.Background(), domain.ConfigIntent{
		DeviceID: "2", Interface: "GigabitEthernet0/1", Address: "10.10.10.2/24",
	})
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.Empty(t, dev.Calls())
}

func TestCLIAgentApplyMissingInterface(t *testing.T) {
	_, agent := newR1()
	_, err := agent.ApplyConfiguration(context.Background(), domain.ConfigIntent{
		DeviceID: "1", Interface: "GigabitEthernet9/9", Address: "10.0.0.1/24",
	})
	assert.ErrorIs(t, err, domain.ErrRejected)
}

func TestCLIAgentDeviceRefusesConfig(t *testing.T) {
	dev, agent := newR1()
	dev.RejectConfig(true)
	_, err := agent.ApplyConfiguration(context.Background(), domain.ConfigIntent{
		DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24",
	})
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.False(t, domain.IsRetryableError(err))
}

func TestCLIAgentUnreachable(t *testing.T) {
	dev, agent := newR1()
	dev.SetUnreachable(true)
	_, err := agent.Diagnose(context.Background(), "show ip interface GigabitEthernet0/1")
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestCLIAgentRateLimitHonoursDeadline(t *testing.T) {
	dev := NewLabDevice("R1", config.LabConfig{})
	agent := NewLabAgent(Binding{DeviceID: "1", Name: "R1"}, dev, WithCommandRate(0.1))

	_, err := agent.Diagnose(context.Background(), "show version")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = agent.Diagnose(ctx, "show version")
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}

func TestLabStickyConfigNeverConverges(t *testing.T) {
	dev, agent := newR1()
	dev.SetSticky(true)
	intent := domain.ConfigIntent{DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24"}
	for range 3 {
		res, err := agent.ApplyConfiguration(context.Background(), intent)
		require.NoError(t, err)
		assert.True(t, res.Changed)
	}
	obs, _ := dev.Interface("GigabitEthernet0/1")
	assert.Equal(t, "10.10.10.2/24", obs.Address)
}

func TestDescribe(t *testing.T) {
	_, agent := newR1()
	d, err := agent.Describe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", d.DeviceID)
	assert.Equal(t, "lab", d.Transport)
	assert.Equal(t, "ISR4331", d.Platform)
	assert.True(t, d.Writable)
}

func TestMaskedPrefix(t *testing.T) {
	p, err := maskedPrefix("10.10.10.1", "255.255.255.0")
	require.NoError(t, err)
	assert.Equal(t, "10.10.10.1/24", p)

	_, err = maskedPrefix("10.10.10.1", "255.0.255.0")
	assert.Error(t, err)
}

func TestLabFabricPingFollowsFarEnd(t *testing.T) {
	r1 := NewLabDevice("R1", config.LabConfig{Interfaces: []config.LabInterfaceConfig{
		{Name: "GigabitEthernet0/1", Address: "10.10.10.1/24"},
		{Name: "GigabitEthernet0/2", Address: "10.20.0.1/30", Shutdown: true},
	}})
	r2 := NewLabDevice("R2", config.LabConfig{Interfaces: []config.LabInterfaceConfig{
		{Name: "GigabitEthernet0/1", Address: "10.10.10.9/24"},
	}})
	NewLabFabric().Attach(r1, r2)
	agent := NewLabAgent(Binding{DeviceID: "1", Name: "R1"}, r1)
	ctx := context.Background()

	rate := func(host string) int {
		t.Helper()
		out, err := agent.Diagnose(ctx, ios.Ping(host))
		require.NoError(t, err)
		n, ok := ios.ParsePing(out)
		require.True(t, ok, out)
		return n
	}

	assert.Equal(t, 100, rate("10.10.10.9"), "far end holds the address")
	assert.Equal(t, 0, rate("10.10.10.2"), "nobody holds the declared address")
	assert.Equal(t, 100, rate("10.10.10.1"), "own address")
	assert.Equal(t, 0, rate("10.20.0.2"), "connected interface is shut down")
	assert.Equal(t, 0, rate("172.16.0.1"), "no connected route")

	// fixing the far end makes the same ping succeed
	_, err := NewLabAgent(Binding{DeviceID: "2", Name: "R2"}, r2).ApplyConfiguration(ctx, domain.ConfigIntent{
		DeviceID: "2", Interface: "GigabitEthernet0/1", Address: "10.10.10.2/24",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, rate("10.10.10.2"))
}
