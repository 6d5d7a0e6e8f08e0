package device

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
	"netconverge/internal/ios"
)

type fakeWalker struct {
	pdus  []gosnmp.SnmpPDU
	err   error
	roots []string
}

func (f *fakeWalker) Walk(_ context.Context, root string, fn gosnmp.WalkFunc) error {
	f.roots = append(f.roots, root)
	if f.err != nil {
		return f.err
	}
	for _, p := range f.pdus {
		if strings.HasPrefix(p.Name, root+".") {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func r1Walker() *fakeWalker {
	return &fakeWalker{pdus: []gosnmp.SnmpPDU{
		{Name: oidIfName + ".1", Type: gosnmp.OctetString, Value: []byte("GigabitEthernet0/1")},
		{Name: oidIfName + ".2", Type: gosnmp.OctetString, Value: []byte("GigabitEthernet0/2")},
		{Name: oidIfAdminStatus + ".1", Type: gosnmp.Integer, Value: 1},
		{Name: oidIfAdminStatus + ".2", Type: gosnmp.Integer, Value: 2},
		{Name: oidIfOperStatus + ".1", Type: gosnmp.Integer, Value: 1},
		{Name: oidIfOperStatus + ".2", Type: gosnmp.Integer, Value: 2},
		{Name: oidIPAdEntIfIndex + ".10.10.10.2", Type: gosnmp.Integer, Value: 1},
		{Name: oidIPAdEntNetMask + ".10.10.10.2", Type: gosnmp.IPAddress, Value: "255.255.255.0"},
		{Name: oidCdpCacheDevice + ".1.5", Type: gosnmp.OctetString, Value: []byte("R2.lab.local")},
		{Name: oidCdpCachePort + ".1.5", Type: gosnmp.OctetString, Value: []byte("GigabitEthernet0/1")},
		{Name: oidCdpCachePlatfrm + ".1.5", Type: gosnmp.OctetString, Value: []byte("ISR4331")},
	}}
}

func TestSNMPAgentShowInterface(t *testing.T) {
	agent := NewSNMPAgentWithWalker(Binding{DeviceID: "1", Name: "R1", Transport: "snmp"}, r1Walker())

	out, err := agent.Diagnose(context.Background(), "show ip interface GigabitEthernet0/1")
	require.NoError(t, err)
	obs := ios.ParseInterface(out)
	assert.True(t, obs.Present)
	assert.True(t, obs.LineUp)
	assert.Equal(t, "10.10.10.2/24", obs.Address)

	out, err = agent.Diagnose(context.Background(), "show ip interface GigabitEthernet0/2")
	require.NoError(t, err)
	obs = ios.ParseInterface(out)
	assert.False(t, obs.AdminUp)
	assert.Empty(t, obs.Address)

	out, err = agent.Diagnose(context.Background(), "show ip interface Loopback7")
	require.NoError(t, err)
	assert.False(t, ios.ParseInterface(out).Present)
}

func TestSNMPAgentShowNeighbors(t *testing.T) {
	agent := NewSNMPAgentWithWalker(Binding{DeviceID: "1", Name: "R1"}, r1Walker())

	out, err := agent.Diagnose(context.Background(), "show cdp neighbors GigabitEthernet0/1")
	require.NoError(t, err)
	n := ios.ParseNeighbors(out)
	require.Len(t, n, 1)
	assert.Equal(t, "R2", n[0].ShortName())

	out, err = agent.Diagnose(context.Background(), "show cdp neighbors GigabitEthernet0/2")
	require.NoError(t, err)
	assert.Empty(t, ios.ParseNeighbors(out))
}

func TestSNMPAgentReadOnly(t *testing.T) {
	w := r1Walker()
	agent := NewSNMPAgentWithWalker(Binding{DeviceID: "1", Name: "R1"}, w)

	_, err := agent.ApplyConfiguration(context.Background(), domain.ConfigIntent{DeviceID: "1", Interface: "GigabitEthernet0/1", Address: "10.10.10.1/24"})
	assert.ErrorIs(t, err, domain.ErrRejected)

	_, err = agent.Diagnose(context.Background(), "show running-config")
	assert.ErrorIs(t, err, domain.ErrRejected)
	_, err = agent.Diagnose(context.Background(), ios.Ping("10.10.10.2"))
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.Empty(t, w.roots)

	d, _ := agent.Describe(context.Background())
	assert.False(t, d.Writable)
}

func TestSNMPAgentTimeoutIsUnreachable(t *testing.T) {
	agent := NewSNMPAgentWithWalker(Binding{DeviceID: "1"}, &fakeWalker{err: errors.New("request timeout (after 1 retries)")})
	_, err := agent.Diagnose(context.Background(), "show ip interface GigabitEthernet0/1")
	assert.ErrorIs(t, err, domain.ErrUnreachable)
}
