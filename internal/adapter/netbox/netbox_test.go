package netbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

type fakeNetBox struct {
	*httptest.Server
	calls atomic.Int32
	fail  atomic.Bool
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeNetBox(t *testing.T) *fakeNetBox {
	t.Helper()
	f := &fakeNetBox{}
	r1 := map[string]any{
		"id": 1, "name": "R1",
		"role":       map[string]any{"id": 1, "name": "Core Router", "slug": "core-router"},
		"platform":   map[string]any{"id": 1, "name": "IOS", "slug": "ios"},
		"primary_ip": map[string]any{"address": "192.0.2.1/32"},
	}
	sw := map[string]any{"id": 3, "name": "SW1", "device_role": map[string]any{"id": 2, "name": "Access Switch", "slug": "access-switch"}}

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if f.fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		q := r.URL.Query()
		switch r.URL.Path {
		case "/api/dcim/devices/":
			switch q.Get("name") {
			case "R1":
				writeJSON(w, map[string]any{"count": 1, "results": []any{r1}})
			case "SW1":
				writeJSON(w, map[string]any{"count": 1, "results": []any{sw}})
			case "DUP":
				writeJSON(w, map[string]any{"count": 2, "results": []any{r1, sw}})
			default:
				writeJSON(w, map[string]any{"count": 0, "results": []any{}})
			}
		case "/api/dcim/devices/1/":
			writeJSON(w, r1)
		case "/api/ipam/ip-addresses/":
			switch {
			case q.Get("address") == "10.10.10.1":
				writeJSON(w, map[string]any{"count": 1, "results": []any{
					map[string]any{"id": 10, "address": "10.10.10.1/24", "assigned_object_type": "dcim.interface", "assigned_object_id": 101,
						"assigned_object": map[string]any{"id": 101, "device": map[string]any{"id": 1, "name": "R1"}}},
				}})
			case q.Get("address") == "10.0.0.9":
				writeJSON(w, map[string]any{"count": 2, "results": []any{
					map[string]any{"id": 11, "address": "10.0.0.9/24", "assigned_object": map[string]any{"id": 1, "device": map[string]any{"id": 1}}},
					map[string]any{"id": 12, "address": "10.0.0.9/24", "assigned_object": map[string]any{"id": 2, "device": map[string]any{"id": 2}}},
				}})
			case q.Get("device_id") == "1":
				writeJSON(w, map[string]any{"count": 2, "results": []any{
					map[string]any{"id": 10, "address": "10.10.10.1/24", "assigned_object_type": "dcim.interface", "assigned_object_id": 101},
					map[string]any{"id": 13, "address": "2001:db8::1/64", "assigned_object_type": "dcim.interface", "assigned_object_id": 101},
				}})
			default:
				writeJSON(w, map[string]any{"count": 0, "results": []any{}})
			}
		case "/api/dcim/interfaces/":
			if q.Get("offset") == "" {
				writeJSON(w, map[string]any{
					"count": 2,
					"next":  f.URL + "/api/dcim/interfaces/?device_id=1&limit=1&offset=1",
					"results": []any{map[string]any{"id": 101, "name": "GigabitEthernet0/1", "enabled": true,
						"link_peers": []any{map[string]any{"id": 201, "name": "GigabitEthernet0/1", "device": map[string]any{"id": 2, "name": "R2"}}}}},
				})
				return
			}
			writeJSON(w, map[string]any{"count": 2, "results": []any{
				map[string]any{"id": 102, "name": "GigabitEthernet0/0", "enabled": false, "link_peers": []any{}},
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func newClient(t *testing.T, f *fakeNetBox) *Client {
	t.Helper()
	c, err := New(config.InventoryConfig{NetBox: config.NetBoxConfig{URL: f.URL, Token: "secret", PageSize: 1}},
		config.CircuitBreakerConfig{MaxFailures: 3}, nil)
	require.NoError(t, err)
	return c
}

func TestResolveDeviceByName(t *testing.T) {
	c := newClient(t, newFakeNetBox(t))

	d, err := c.ResolveDevice(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.Device{ID: "1", Name: "R1", ManagementAddress: "192.0.2.1", Role: domain.RoleRouter, Platform: "IOS"}, d)

	d, err = c.ResolveDevice(context.Background(), "SW1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSwitch, d.Role)
}

func TestResolveDeviceByAddress(t *testing.T) {
	c := newClient(t, newFakeNetBox(t))
	d, err := c.ResolveDevice(context.Background(), "10.10.10.1")
	require.NoError(t, err)
	assert.Equal(t, "R1", d.Name)
}

func TestResolveDeviceNotFoundAndAmbiguous(t *testing.T) {
	c := newClient(t, newFakeNetBox(t))

	_, err := c.ResolveDevice(context.Background(), "R9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeDeviceNotInInventory, domain.ErrorCodeOf(err))

	_, err = c.ResolveDevice(context.Background(), "10.99.99.99")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.ResolveDevice(context.Background(), "DUP")
	assert.ErrorIs(t, err, domain.ErrAmbiguousTarget)

	_, err = c.ResolveDevice(context.Background(), "10.0.0.9")
	assert.ErrorIs(t, err, domain.ErrAmbiguousTarget)
}

func TestDeclaredTopologyFollowsPagination(t *testing.T) {
	c := newClient(t, newFakeNetBox(t))

	ifs, err := c.DeclaredTopology(context.Background(), domain.Device{ID: "1", Name: "R1"})
	require.NoError(t, err)
	require.Len(t, ifs, 2)

	assert.Equal(t, "GigabitEthernet0/0", ifs[0].Name)
	assert.Equal(t, domain.AdminDown, ifs[0].AdminState)
	assert.False(t, ifs[0].Checkable())

	gi1 := ifs[1]
	assert.Equal(t, "GigabitEthernet0/1", gi1.Name)
	assert.Equal(t, "10.10.10.1/24", gi1.Address)
	assert.Equal(t, domain.AdminUp, gi1.AdminState)
	require.NotNil(t, gi1.Peer)
	assert.Equal(t, "R2", gi1.Peer.Device)
	assert.Equal(t, "R1", gi1.Device)
	assert.Equal(t, "1", gi1.DeviceID)
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	f := newFakeNetBox(t)
	f.fail.Store(true)
	c := newClient(t, f)

	for range 3 {
		_, err := c.ResolveDevice(context.Background(), "R1")
		assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	}
	before := f.calls.Load()
	_, err := c.ResolveDevice(context.Background(), "R1")
	assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)
	assert.True(t, strings.Contains(err.Error(), "circuit breaker is open"))
	assert.Equal(t, before, f.calls.Load())
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(config.InventoryConfig{NetBox: config.NetBoxConfig{URL: "::"}}, config.CircuitBreakerConfig{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
