package staticinv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

func labConfig() []config.StaticDeviceConfig {
	off := false
	return []config.StaticDeviceConfig{
		{Name: "R1", Address: "192.0.2.1", Interfaces: []config.StaticInterfaceConfig{
			{Name: "GigabitEthernet0/1", Address: "10.10.10.1/24", PeerDevice: "R2", PeerInterface: "GigabitEthernet0/1"},
			{Name: "GigabitEthernet0/2", Enabled: &off},
		}},
		{ID: "r2", Name: "R2", Address: "192.0.2.2", Role: "switch", Interfaces: []config.StaticInterfaceConfig{
			{Name: "GigabitEthernet0/1", Address: "10.10.10.2/24"},
		}},
		{Name: "R3", Address: "192.0.2.3", Interfaces: []config.StaticInterfaceConfig{
			{Name: "Loopback0", Address: "10.10.10.2/32"},
		}},
	}
}

func TestResolveDevice(t *testing.T) {
	inv, err := New(labConfig())
	require.NoError(t, err)
	ctx := context.Background()

	d, err := inv.ResolveDevice(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "R1", d.ID)
	assert.Equal(t, domain.RoleRouter, d.Role)

	d, err = inv.ResolveDevice(ctx, "10.10.10.1")
	require.NoError(t, err)
	assert.Equal(t, "R1", d.Name)

	d, err = inv.ResolveDevice(ctx, "192.0.2.2")
	require.NoError(t, err)
	assert.Equal(t, "r2", d.ID)
	assert.Equal(t, domain.RoleSwitch, d.Role)

	_, err = inv.ResolveDevice(ctx, "10.10.10.2")
	assert.ErrorIs(t, err, domain.ErrAmbiguousTarget)

	_, err = inv.ResolveDevice(ctx, "R9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeclaredTopology(t *testing.T) {
	inv, err := New(labConfig())
	require.NoError(t, err)

	ifs, err := inv.DeclaredTopology(context.Background(), domain.Device{ID: "R1"})
	require.NoError(t, err)
	require.Len(t, ifs, 2)
	assert.Equal(t, "10.10.10.1/24", ifs[0].Address)
	assert.Equal(t, "R2", ifs[0].Peer.Device)
	assert.Equal(t, domain.AdminDown, ifs[1].AdminState)

	ifs[0].Address = "mutated"
	again, _ := inv.DeclaredTopology(context.Background(), domain.Device{ID: "R1"})
	assert.Equal(t, "10.10.10.1/24", again[0].Address)

	_, err = inv.DeclaredTopology(context.Background(), domain.Device{ID: "nope"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	_, err := New([]config.StaticDeviceConfig{{Name: "R1"}, {Name: "R1"}})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, err = New([]config.StaticDeviceConfig{{Name: "R1", Interfaces: []config.StaticInterfaceConfig{{Name: "Gi0/1", Address: "10.1.1.1"}}}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New([]config.StaticDeviceConfig{{}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
