package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Config holds live-system settings for the integration-tagged tests.
type Config struct {
	NetBoxURL          string
	NetBoxToken        string
	NetBoxDevice       string
	ServiceNowURL      string
	ServiceNowUser     string
	ServiceNowPassword string
	TestTimeout        time.Duration
	SkipSlow           bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		NetBoxURL:          os.Getenv("NETCONVERGE_IT_NETBOX_URL"),
		NetBoxToken:        os.Getenv("NETCONVERGE_IT_NETBOX_TOKEN"),
		NetBoxDevice:       os.Getenv("NETCONVERGE_IT_NETBOX_DEVICE"),
		ServiceNowURL:      os.Getenv("NETCONVERGE_IT_SNOW_URL"),
		ServiceNowUser:     os.Getenv("NETCONVERGE_IT_SNOW_USER"),
		ServiceNowPassword: os.Getenv("NETCONVERGE_IT_SNOW_PASSWORD"),
		TestTimeout:        60 * time.Second,
		SkipSlow:           os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfUnset skips the test when a required setting is empty.
func SkipIfUnset(t *testing.T, value, env string) {
	t.Helper()
	if value == "" {
		t.Skipf("Skipping live integration test: %s not set", env)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// FakeInterface is one cabled interface in the fake NetBox.
type FakeInterface struct {
	ID            int
	Name          string
	Address       string
	PeerDevice    string
	PeerInterface string
}

// FakeDevice is one device record in the fake NetBox.
type FakeDevice struct {
	ID         int
	Name       string
	PrimaryIP  string
	Interfaces []FakeInterface
}

// FakeNetBox serves the subset of the NetBox REST API the inventory client
// reads: device lookup, interfaces with link peers and IP assignments.
type FakeNetBox struct {
	*httptest.Server
	Token   string
	devices []FakeDevice
	fail    atomic.Bool
	calls   atomic.Int32
}

// NewFakeNetBox starts a fake NetBox holding devices.
func NewFakeNetBox(t *testing.T, token string, devices ...FakeDevice) *FakeNetBox {
	t.Helper()
	f := &FakeNetBox{Token: token, devices: devices}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// SetFailing makes every call answer 503.
func (f *FakeNetBox) SetFailing(v bool) { f.fail.Store(v) }

// Calls returns the number of API calls received.
func (f *FakeNetBox) Calls() int { return int(f.calls.Load()) }

func (f *FakeNetBox) serve(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.Header.Get("Authorization") != "Token "+f.Token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if f.fail.Load() {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	switch {
	case r.URL.Path == "/api/dcim/devices/":
		var out []any
		for _, d := range f.devices {
			if d.Name == q.Get("name") {
				out = append(out, f.deviceJSON(d))
			}
		}
		writePage(w, out)
	case strings.HasPrefix(r.URL.Path, "/api/dcim/devices/"):
		id, _ := strconv.Atoi(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/dcim/devices/"), "/"))
		d, ok := f.byID(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, f.deviceJSON(d))
	case r.URL.Path == "/api/dcim/interfaces/":
		var out []any
		if d, ok := f.byID(atoi(q.Get("device_id"))); ok {
			for _, i := range d.Interfaces {
				peers := []any{}
				if peer, ok := f.byName(i.PeerDevice); ok {
					peers = append(peers, map[string]any{
						"name":   i.PeerInterface,
						"device": map[string]any{"id": peer.ID, "name": peer.Name},
					})
				}
				out = append(out, map[string]any{"id": i.ID, "name": i.Name, "enabled": true, "link_peers": peers})
			}
		}
		writePage(w, out)
	case r.URL.Path == "/api/ipam/ip-addresses/":
		var out []any
		for _, d := range f.devices {
			for _, i := range d.Interfaces {
				if i.Address == "" {
					continue
				}
				host := strings.Split(i.Address, "/")[0]
				if q.Get("device_id") == strconv.Itoa(d.ID) || q.Get("address") == host {
					out = append(out, map[string]any{
						"address":              i.Address,
						"assigned_object_type": "dcim.interface",
						"assigned_object_id":   i.ID,
						"assigned_object":      map[string]any{"id": i.ID, "device": map[string]any{"id": d.ID, "name": d.Name}},
					})
				}
			}
		}
		writePage(w, out)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeNetBox) deviceJSON(d FakeDevice) map[string]any {
	m := map[string]any{
		"id":       d.ID,
		"name":     d.Name,
		"role":     map[string]any{"id": 1, "name": "Core Router", "slug": "core-router"},
		"platform": map[string]any{"id": 1, "name": "IOS", "slug": "ios"},
	}
	if d.PrimaryIP != "" {
		m["primary_ip"] = map[string]any{"address": d.PrimaryIP}
	}
	return m
}

func (f *FakeNetBox) byID(id int) (FakeDevice, bool) {
	for _, d := range f.devices {
		if d.ID == id {
			return d, true
		}
	}
	return FakeDevice{}, false
}

func (f *FakeNetBox) byName(name string) (FakeDevice, bool) {
	for _, d := range f.devices {
		if d.Name == name {
			return d, true
		}
	}
	return FakeDevice{}, false
}

// SNOWRecord is the merged field state of one fake ServiceNow record.
type SNOWRecord struct {
	SysID  string
	Number string
	Fields map[string]string
	Notes  []string
}

// FakeServiceNow is an in-memory Table API for one table.
type FakeServiceNow struct {
	*httptest.Server
	User, Password string

	mu      sync.Mutex
	records []*SNOWRecord
}

// NewFakeServiceNow starts a fake ServiceNow instance.
func NewFakeServiceNow(t *testing.T, user, password string) *FakeServiceNow {
	t.Helper()
	f := &FakeServiceNow{User: user, Password: password}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Records returns copies of every record created so far.
func (f *FakeServiceNow) Records() []SNOWRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SNOWRecord, 0, len(f.records))
	for _, r := range f.records {
		c := SNOWRecord{SysID: r.SysID, Number: r.Number, Fields: make(map[string]string, len(r.Fields)),
			Notes: append([]string(nil), r.Notes...)}
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
		out = append(out, c)
	}
	return out
}

func (f *FakeServiceNow) serve(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != f.User || pass != f.Password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	sysID := strings.TrimPrefix(r.URL.Path, "/api/now/table/incident")
	sysID = strings.Trim(sysID, "/")
	switch r.Method {
	case http.MethodGet:
		// correlation_id=<id>^active=true
		query := r.URL.Query().Get("sysparm_query")
		corr := strings.TrimPrefix(strings.SplitN(query, "^", 2)[0], "correlation_id=")
		var out []any
		for _, rec := range f.records {
			if rec.Fields["correlation_id"] == corr && rec.Fields["state"] != "6" {
				out = append(out, map[string]string{"sys_id": rec.SysID, "number": rec.Number})
			}
		}
		if out == nil {
			out = []any{}
		}
		writeJSON(w, map[string]any{"result": out})
	case http.MethodPost:
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec := &SNOWRecord{
			SysID:  fmt.Sprintf("sys%04d", len(f.records)+1),
			Number: fmt.Sprintf("INC%07d", 10001+len(f.records)),
			Fields: body,
		}
		rec.Fields["state"] = "1"
		f.records = append(f.records, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]string{"sys_id": rec.SysID, "number": rec.Number}})
	case http.MethodPatch:
		var rec *SNOWRecord
		for _, candidate := range f.records {
			if candidate.SysID == sysID {
				rec = candidate
			}
		}
		if rec == nil {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for k, v := range body {
			if k == "work_notes" {
				rec.Notes = append(rec.Notes, v)
				continue
			}
			rec.Fields[k] = v
		}
		writeJSON(w, map[string]any{"result": map[string]string{"sys_id": rec.SysID}})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writePage(w http.ResponseWriter, results []any) {
	if results == nil {
		results = []any{}
	}
	writeJSON(w, map[string]any{"count": len(results), "results": results})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
