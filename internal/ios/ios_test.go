package ios

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
)

func TestValidateDiagnose(t *testing.T) {
	tests := []struct {
		cmd     string
		wantErr bool
	}{
		{"show ip interface GigabitEthernet0/1", false},
		{"show cdp neighbors GigabitEthernet0/1", false},
		{"ping 10.10.10.2", false},
		{"traceroute 10.0.0.1", false},
		{"configure terminal", true},
		{"show running-config | include password", true},
		{"show version > flash:out.txt", true},
		{"reload", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			err := ValidateDiagnose(tt.cmd)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseInterface(t *testing.T) {
	out := "GigabitEthernet0/1 is up, line protocol is up\n  Internet address is 10.10.10.1/24\n  Broadcast address is 255.255.255.255\n"
	obs := ParseInterface(out)
	assert.True(t, obs.Present)
	assert.True(t, obs.AdminUp)
	assert.True(t, obs.LineUp)
	assert.Equal(t, "GigabitEthernet0/1", obs.Name)
	assert.Equal(t, "10.10.10.1/24", obs.Address)

	obs = ParseInterface("GigabitEthernet0/2 is administratively down, line protocol is down\n  Internet protocol processing disabled\n")
	assert.True(t, obs.Present)
	assert.False(t, obs.AdminUp)
	assert.False(t, obs.LineUp)
	assert.Empty(t, obs.Address)

	obs = ParseInterface("% Invalid input detected at '^' marker.\n")
	assert.False(t, obs.Present)
}

func TestRenderParseInterfaceRoundTrip(t *testing.T) {
	for _, in := range []ObservedInterface{
		{Name: "GigabitEthernet0/1", Present: true, AdminUp: true, LineUp: true, Address: "10.10.10.1/24"},
		{Name: "GigabitEthernet0/1", Present: true, AdminUp: true, LineUp: false, Address: "10.10.10.1/24"},
		{Name: "Loopback0", Present: true, AdminUp: false},
		{Present: false},
	} {
		assert.Equal(t, in, ParseInterface(RenderInterface(in)))
	}
}

func TestParseNeighbors(t *testing.T) {
	out := RenderNeighbors([]Neighbor{
		{DeviceID: "R2.lab.local", LocalInterface: "GigabitEthernet0/1", Platform: "ISR4331", PortID: "GigabitEthernet0/1"},
	})
	got := ParseNeighbors(out)
	require.Len(t, got, 1)
	assert.Equal(t, "R2", got[0].ShortName())
	assert.Equal(t, "Gig 0/1", got[0].LocalInterface)
	assert.Equal(t, "ISR4331", got[0].Platform)

	assert.Empty(t, ParseNeighbors(RenderNeighbors(nil)))
}

func TestParseNeighborsWrappedDeviceID(t *testing.T) {
	out := "Device ID        Local Intrfce     Holdtme    Capability  Platform  Port ID\n" +
		"core-switch-01.example.net\n" +
		"                 Gig 0/2           163        R S I       WS-C3850  Gig 1/0/1\n"
	got := ParseNeighbors(out)
	require.Len(t, got, 1)
	assert.Equal(t, "core-switch-01", got[0].ShortName())
	assert.Equal(t, "WS-C3850", got[0].Platform)
	assert.Equal(t, "Gig 1/0/1", got[0].PortID)
}

func TestIsError(t *testing.T) {
	assert.True(t, IsError("% Invalid input detected at '^' marker."))
	assert.True(t, IsError("R1(config)#ip address 1.2.3\n% Incomplete command.\n"))
	assert.False(t, IsError("GigabitEthernet0/1 is up, line protocol is up"))
}

func TestConfigLines(t *testing.T) {
	intent := domain.ConfigIntent{DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24", AdminState: domain.AdminUp}

	lines, err := ConfigLines(intent, ObservedInterface{Present: true, AdminUp: true, Address: "10.10.10.5/24"})
	require.NoError(t, err)
	assert.Equal(t, []string{"interface GigabitEthernet0/1", " ip address 10.10.10.1 255.255.255.0"}, lines)

	lines, err = ConfigLines(intent, ObservedInterface{Present: true, AdminUp: false, Address: "10.10.10.1/24"})
	require.NoError(t, err)
	assert.Equal(t, []string{"interface GigabitEthernet0/1", " no shutdown"}, lines)

	lines, err = ConfigLines(intent, ObservedInterface{Present: true, AdminUp: true, Address: "10.10.10.1/24"})
	require.NoError(t, err)
	assert.Empty(t, lines)

	_, err = ConfigLines(domain.ConfigIntent{Interface: "Gi0/1", Address: "2001:db8::1/64"}, ObservedInterface{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParsePing(t *testing.T) {
	n, ok := ParsePing(RenderPing("10.10.10.2", true))
	assert.True(t, ok)
	assert.Equal(t, 100, n)

	n, ok = ParsePing(RenderPing("10.10.10.2", false))
	assert.True(t, ok)
	assert.Equal(t, 0, n)

	n, ok = ParsePing("Type escape sequence to abort.\n.!!!!\nSuccess rate is 80 percent (4/5), round-trip min/avg/max = 1/2/4 ms\n")
	assert.True(t, ok)
	assert.Equal(t, 80, n)

	_, ok = ParsePing("% Unrecognized host or address, or protocol not running.\n")
	assert.False(t, ok)

	assert.Equal(t, "ping 10.10.10.2", Ping("10.10.10.2"))
	assert.NoError(t, ValidateDiagnose(Ping("10.10.10.2")))
}
