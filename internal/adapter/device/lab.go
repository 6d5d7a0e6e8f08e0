package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"netconverge/internal/infra/config"
	"netconverge/internal/ios"
)

var errLabUnreachable = errors.New("lab: connection refused")

type labInterface struct {
	obs      ios.ObservedInterface
	linkDown bool
	neighbor string
}

// LabDevice simulates an IOS-style CLI in memory. It implements Session and
// supports fault injection for tests and dry runs.
type LabDevice struct {
	mu          sync.Mutex
	name        string
	platform    string
	ifaces      map[string]*labInterface
	sticky      bool
	unreachable bool
	failNext    int
	rejectCfg   bool
	calls       []string
	fabric      *LabFabric
}

// NewLabDevice builds a simulated device from its lab configuration.
func NewLabDevice(name string, cfg config.LabConfig) *LabDevice {
	d := &LabDevice{
		name:     name,
		platform: cfg.Platform,
		ifaces:   make(map[string]*labInterface, len(cfg.Interfaces)),
		sticky:   cfg.Sticky,
	}
	if d.platform == "" {
		d.platform = "IOSv"
	}
	for _, ic := range cfg.Interfaces {
		li := &labInterface{
			obs: ios.ObservedInterface{
				Name:    ic.Name,
				Present: true,
				AdminUp: !ic.Shutdown,
			},
			linkDown: ic.LinkDown,
			neighbor: ic.Neighbor,
		}
		if ic.Address != "" {
			if p, err := netip.ParsePrefix(ic.Address); err == nil {
				li.obs.Address = p.String()
			}
		}
		li.syncLine()
		d.ifaces[ic.Name] = li
	}
	return d
}

func (li *labInterface) syncLine() {
	li.obs.LineUp = li.obs.AdminUp && !li.linkDown
}

// SetUnreachable makes every call fail at the transport level.
func (d *LabDevice) SetUnreachable(v bool) {
	d.mu.Lock()
	d.unreachable = v
	d.mu.Unlock()
}

// FailNext makes the next n calls fail at the transport level.
func (d *LabDevice) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// RejectConfig makes the device refuse configuration.
func (d *LabDevice) RejectConfig(v bool) {
	d.mu.Lock()
	d.rejectCfg = v
	d.mu.Unlock()
}

// SetSticky makes configuration succeed without taking effect.
func (d *LabDevice) SetSticky(v bool) {
	d.mu.Lock()
	d.sticky = v
	d.mu.Unlock()
}

// Interface returns the current simulated state of one interface.
func (d *LabDevice) Interface(name string) (ios.ObservedInterface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	li, ok := d.ifaces[name]
	if !ok {
		return ios.ObservedInterface{}, false
	}
	return li.obs, true
}

// Calls returns every command received, in order.
func (d *LabDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// ConfigureCalls returns how many configuration sessions were received.
func (d *LabDevice) ConfigureCalls() int {
	n := 0
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, "configure:") {
			n++
		}
	}
	return n
}

func (d *LabDevice) transportFault() error {
	if d.unreachable {
		return errLabUnreachable
	}
	if d.failNext > 0 {
		d.failNext--
		return errLabUnreachable
	}
	return nil
}

// Exec answers the diagnose vocabulary from simulated state.
func (d *LabDevice) Exec(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	d.calls = append(d.calls, "exec: "+command)
	if err := d.transportFault(); err != nil {
		d.mu.Unlock()
		return "", err
	}
	if target, ok := strings.CutPrefix(command, ios.PingCmd+" "); ok {
		// the far end is consulted without holding our own lock
		local := d.upPrefixes()
		fabric := d.fabric
		d.mu.Unlock()
		return d.ping(strings.TrimSpace(target), local, fabric), nil
	}
	defer d.mu.Unlock()

	switch {
	case strings.HasPrefix(command, ios.ShowInterfaceCmd+" "):
		name := strings.TrimSpace(strings.TrimPrefix(command, ios.ShowInterfaceCmd))
		li, ok := d.ifaces[name]
		if !ok {
			return ios.RenderInterface(ios.ObservedInterface{}), nil
		}
		return ios.RenderInterface(li.obs), nil
	case strings.HasPrefix(command, ios.ShowNeighborsCmd):
		name := strings.TrimSpace(strings.TrimPrefix(command, ios.ShowNeighborsCmd))
		return ios.RenderNeighbors(d.neighbors(name)), nil
	case command == ios.ShowVersionCmd:
		return fmt.Sprintf("Cisco IOS Software, %s Software\n%s uptime is 1 day\n", d.platform, d.name), nil
	default:
		return "% Invalid input detected at '^' marker.\n", nil
	}
}

func (d *LabDevice) neighbors(name string) []ios.Neighbor {
	var names []string
	if name == "" {
		for n := range d.ifaces {
			names = append(names, n)
		}
		sort.Strings(names)
	} else {
		names = []string{name}
	}
	var out []ios.Neighbor
	for _, n := range names {
		li, ok := d.ifaces[n]
		if !ok || !li.obs.LineUp || li.neighbor == "" {
			continue
		}
		out = append(out, ios.Neighbor{
			DeviceID:       li.neighbor,
			LocalInterface: n,
			Platform:       d.platform,
			PortID:         n,
		})
	}
	return out
}

// upPrefixes lists the addresses of interfaces whose line protocol is up.
// Callers hold d.mu.
func (d *LabDevice) upPrefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, li := range d.ifaces {
		if !li.obs.LineUp || li.obs.Address == "" {
			continue
		}
		if p, err := netip.ParsePrefix(li.obs.Address); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// ping succeeds when a connected, up interface covers the target and, on a
// fabric, some device answers on that exact address. Without a fabric any
// address in a connected subnet answers.
func (d *LabDevice) ping(target string, local []netip.Prefix, fabric *LabFabric) string {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return "% Unrecognized host or address, or protocol not running.\n"
	}
	for _, p := range local {
		if p.Addr() == addr {
			return ios.RenderPing(target, true)
		}
	}
	connected := false
	for _, p := range local {
		if p.Masked().Contains(addr) {
			connected = true
			break
		}
	}
	if !connected {
		return ios.RenderPing(target, false)
	}
	if fabric == nil {
		return ios.RenderPing(target, true)
	}
	return ios.RenderPing(target, fabric.answers(d, addr))
}

// LabFabric links simulated devices so a ping is answered by the live
// state of the far end.
type LabFabric struct {
	mu      sync.RWMutex
	devices []*LabDevice
}

// NewLabFabric creates an empty fabric.
func NewLabFabric() *LabFabric { return &LabFabric{} }

// Attach adds devices to the fabric.
func (f *LabFabric) Attach(devices ...*LabDevice) {
	f.mu.Lock()
	f.devices = append(f.devices, devices...)
	f.mu.Unlock()
	for _, d := range devices {
		d.mu.Lock()
		d.fabric = f
		d.mu.Unlock()
	}
}

// answers reports whether a device other than from holds addr on an up
// interface.
func (f *LabFabric) answers(from *LabDevice, addr netip.Addr) bool {
	f.mu.RLock()
	devices := append([]*LabDevice(nil), f.devices...)
	f.mu.RUnlock()
	for _, d := range devices {
		if d == from {
			continue
		}
		d.mu.Lock()
		up := d.upPrefixes()
		d.mu.Unlock()
		for _, p := range up {
			if p.Addr() == addr {
				return true
			}
		}
	}
	return false
}

// Configure applies interface configuration lines.
func (d *LabDevice) Configure(ctx context.Context, lines []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "configure: "+strings.Join(lines, ";"))
	if err := d.transportFault(); err != nil {
		return "", err
	}
	if d.rejectCfg {
		return "% Configuration locked by another session\n", nil
	}

	var current *labInterface
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		fields := strings.Fields(line)
		switch {
		case len(fields) == 2 && fields[0] == "interface":
			li, ok := d.ifaces[fields[1]]
			if !ok {
				return "% Invalid input detected at '^' marker.\n", nil
			}
			current = li
		case current == nil:
			return "% Invalid input detected at '^' marker.\n", nil
		case len(fields) == 4 && fields[0] == "ip" && fields[1] == "address":
			prefix, err := maskedPrefix(fields[2], fields[3])
			if err != nil {
				return "% Invalid input detected at '^' marker.\n", nil
			}
			if !d.sticky {
				current.obs.Address = prefix
			}
		case line == "no shutdown":
			if !d.sticky {
				current.obs.AdminUp = true
			}
		case line == "shutdown":
			if !d.sticky {
				current.obs.AdminUp = false
			}
		default:
			return "% Invalid input detected at '^' marker.\n", nil
		}
		if current != nil {
			current.syncLine()
		}
	}
	return "", nil
}

func maskedPrefix(addr, mask string) (string, error) {
	ip := net.ParseIP(addr).To4()
	m := net.ParseIP(mask).To4()
	if ip == nil || m == nil {
		return "", fmt.Errorf("bad address %s %s", addr, mask)
	}
	ones, bits := net.IPMask(m).Size()
	if bits == 0 {
		return "", fmt.Errorf("non-contiguous mask %s", mask)
	}
	a, _ := netip.AddrFromSlice(ip)
	return netip.PrefixFrom(a, ones).String(), nil
}

// Close is a no-op for the simulator.
func (d *LabDevice) Close() error { return nil }

// NewLabAgent binds a simulated device to an identity.
func NewLabAgent(b Binding, dev *LabDevice, opts ...CLIOption) *CLIAgent {
	if b.Transport == "" {
		b.Transport = "lab"
	}
	if b.Platform == "" {
		b.Platform = dev.platform
	}
	return NewCLIAgent(b, dev, opts...)
}

var _ Session = (*LabDevice)(nil)
