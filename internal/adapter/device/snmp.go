package device

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
	"netconverge/internal/ios"
)

const (
	oidIfName          = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfAdminStatus   = ".1.3.6.1.2.1.2.2.1.7"
	oidIfOperStatus    = ".1.3.6.1.2.1.2.2.1.8"
	oidIPAdEntIfIndex  = ".1.3.6.1.2.1.4.20.1.2"
	oidIPAdEntNetMask  = ".1.3.6.1.2.1.4.20.1.3"
	oidCdpCacheDevice  = ".1.3.6.1.4.1.9.9.23.1.2.1.1.6"
	oidCdpCachePort    = ".1.3.6.1.4.1.9.9.23.1.2.1.1.7"
	oidCdpCachePlatfrm = ".1.3.6.1.4.1.9.9.23.1.2.1.1.8"

	ifStatusUp = 1
)

// Walker walks one SNMP subtree.
type Walker interface {
	Walk(ctx context.Context, root string, fn gosnmp.WalkFunc) error
}

// gosnmpWalker dials a fresh UDP client per walk.
type gosnmpWalker struct {
	target    string
	port      uint16
	community string
	timeout   time.Duration
}

func (w *gosnmpWalker) Walk(ctx context.Context, root string, fn gosnmp.WalkFunc) error {
	client := &gosnmp.GoSNMP{
		Target:    w.target,
		Port:      w.port,
		Community: w.community,
		Version:   gosnmp.Version2c,
		Timeout:   w.timeout,
		Retries:   1,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Conn.Close()
	return client.BulkWalk(root, fn)
}

// SNMPAgent answers the diagnose vocabulary from IF-MIB, IP-MIB and
// CISCO-CDP-MIB walks. It cannot change configuration.
type SNMPAgent struct {
	binding Binding
	walker  Walker
}

// NewSNMPAgent builds a read-only agent for one device.
func NewSNMPAgent(b Binding, dc config.DeviceConfig) *SNMPAgent {
	port := uint16(161)
	if dc.Port > 0 && dc.Port <= 65535 {
		port = uint16(dc.Port)
	}
	timeout := dc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if b.Transport == "" {
		b.Transport = "snmp"
	}
	return NewSNMPAgentWithWalker(b, &gosnmpWalker{
		target:    dc.Address,
		port:      port,
		community: dc.Community,
		timeout:   timeout,
	})
}

// NewSNMPAgentWithWalker builds an agent over a custom walker.
func NewSNMPAgentWithWalker(b Binding, w Walker) *SNMPAgent {
	return &SNMPAgent{binding: b, walker: w}
}

// Identity returns the inventory identifier of the bound device.
func (a *SNMPAgent) Identity() string { return a.binding.DeviceID }

// Describe reports what the agent is bound to.
func (a *SNMPAgent) Describe(_ context.Context) (domain.Description, error) {
	return domain.Description{
		DeviceID:  a.binding.DeviceID,
		Name:      a.binding.Name,
		Address:   a.binding.Address,
		Transport: a.binding.Transport,
		Platform:  a.binding.Platform,
		Writable:  false,
	}, nil
}

// Diagnose renders interface and neighbor commands from a fresh walk.
func (a *SNMPAgent) Diagnose(ctx context.Context, command string) (string, error) {
	const op = "SNMPAgent.Diagnose"
	if err := ios.ValidateDiagnose(command); err != nil {
		return "", err
	}
	cmd := strings.TrimSpace(command)

	switch {
	case strings.HasPrefix(cmd, ios.ShowInterfaceCmd+" "):
		name := strings.TrimSpace(strings.TrimPrefix(cmd, ios.ShowInterfaceCmd))
		snap, err := a.snapshot(ctx, false)
		if err != nil {
			return "", err
		}
		return ios.RenderInterface(snap.iface(name)), nil
	case strings.HasPrefix(cmd, ios.ShowNeighborsCmd):
		name := strings.TrimSpace(strings.TrimPrefix(cmd, ios.ShowNeighborsCmd))
		snap, err := a.snapshot(ctx, true)
		if err != nil {
			return "", err
		}
		return ios.RenderNeighbors(snap.neighborsOf(name)), nil
	default:
		return "", domain.NewDomainError(op, domain.ErrRejected,
			fmt.Sprintf("%q cannot be answered over SNMP", cmd))
	}
}

// ApplyConfiguration always refuses: SNMP bindings are read-only.
func (a *SNMPAgent) ApplyConfiguration(_ context.Context, intent domain.ConfigIntent) (domain.ApplyResult, error) {
	return domain.ApplyResult{}, domain.NewDomainError("SNMPAgent.ApplyConfiguration", domain.ErrRejected,
		fmt.Sprintf("%s is bound read-only over SNMP, cannot apply %s", a.binding.Name, intent))
}

type snmpIface struct {
	name    string
	admin   int
	oper    int
	address string
}

type snmpNeighbor struct {
	ifIndex  int
	device   string
	port     string
	platform string
}

type walkStep struct {
	oid string
	fn  gosnmp.WalkFunc
}

type snmpSnapshot struct {
	byIndex   map[int]*snmpIface
	neighbors map[string]*snmpNeighbor // keyed by "ifIndex.entry"
}

func (s *snmpSnapshot) lookup(name string) *snmpIface {
	for _, i := range s.byIndex {
		if i.name == name {
			return i
		}
	}
	return nil
}

func (s *snmpSnapshot) iface(name string) ios.ObservedInterface {
	i := s.lookup(name)
	if i == nil {
		return ios.ObservedInterface{}
	}
	return ios.ObservedInterface{
		Name:    i.name,
		Present: true,
		AdminUp: i.admin == ifStatusUp,
		LineUp:  i.oper == ifStatusUp,
		Address: i.address,
	}
}

func (s *snmpSnapshot) neighborsOf(name string) []ios.Neighbor {
	keys := make([]string, 0, len(s.neighbors))
	for k := range s.neighbors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []ios.Neighbor
	for _, k := range keys {
		n := s.neighbors[k]
		local, ok := s.byIndex[n.ifIndex]
		if !ok || (name != "" && local.name != name) {
			continue
		}
		out = append(out, ios.Neighbor{
			DeviceID:       n.device,
			LocalInterface: local.name,
			Platform:       n.platform,
			PortID:         n.port,
		})
	}
	return out
}

func (a *SNMPAgent) snapshot(ctx context.Context, withCDP bool) (*snmpSnapshot, error) {
	snap := &snmpSnapshot{
		byIndex:   make(map[int]*snmpIface),
		neighbors: make(map[string]*snmpNeighbor),
	}
	get := func(idx int) *snmpIface {
		i, ok := snap.byIndex[idx]
		if !ok {
			i = &snmpIface{}
			snap.byIndex[idx] = i
		}
		return i
	}

	walks := []walkStep{
		{oidIfName, func(p gosnmp.SnmpPDU) error {
			if idx, ok := lastIndex(p.Name, oidIfName); ok {
				get(idx).name = pduString(p)
			}
			return nil
		}},
		{oidIfAdminStatus, func(p gosnmp.SnmpPDU) error {
			if idx, ok := lastIndex(p.Name, oidIfAdminStatus); ok {
				get(idx).admin = int(gosnmp.ToBigInt(p.Value).Int64())
			}
			return nil
		}},
		{oidIfOperStatus, func(p gosnmp.SnmpPDU) error {
			if idx, ok := lastIndex(p.Name, oidIfOperStatus); ok {
				get(idx).oper = int(gosnmp.ToBigInt(p.Value).Int64())
			}
			return nil
		}},
	}

	addrIndex := make(map[string]int)
	addrMask := make(map[string]string)
	walks = append(walks,
		walkStep{oidIPAdEntIfIndex, func(p gosnmp.SnmpPDU) error {
			addrIndex[strings.TrimPrefix(p.Name, oidIPAdEntIfIndex+".")] = int(gosnmp.ToBigInt(p.Value).Int64())
			return nil
		}},
		walkStep{oidIPAdEntNetMask, func(p gosnmp.SnmpPDU) error {
			addrMask[strings.TrimPrefix(p.Name, oidIPAdEntNetMask+".")] = pduString(p)
			return nil
		}},
	)

	if withCDP {
		neighbor := func(name, root string) *snmpNeighbor {
			key := strings.TrimPrefix(name, root+".")
			n, ok := snap.neighbors[key]
			if !ok {
				head, _, _ := strings.Cut(key, ".")
				idx, _ := strconv.Atoi(head)
				n = &snmpNeighbor{ifIndex: idx}
				snap.neighbors[key] = n
			}
			return n
		}
		walks = append(walks,
			walkStep{oidCdpCacheDevice, func(p gosnmp.SnmpPDU) error {
				neighbor(p.Name, oidCdpCacheDevice).device = pduString(p)
				return nil
			}},
			walkStep{oidCdpCachePort, func(p gosnmp.SnmpPDU) error {
				neighbor(p.Name, oidCdpCachePort).port = pduString(p)
				return nil
			}},
			walkStep{oidCdpCachePlatfrm, func(p gosnmp.SnmpPDU) error {
				neighbor(p.Name, oidCdpCachePlatfrm).platform = pduString(p)
				return nil
			}},
		)
	}

	for _, w := range walks {
		if err := a.walker.Walk(ctx, w.oid, w.fn); err != nil {
			if ctx.Err() != nil {
				return nil, domain.AsTimeout("SNMPAgent.snapshot", ctx.Err(), domain.ErrUnreachable)
			}
			return nil, domain.NewDomainError("SNMPAgent.snapshot", domain.ErrUnreachable, err.Error())
		}
	}

	for addr, idx := range addrIndex {
		i, ok := snap.byIndex[idx]
		if !ok {
			continue
		}
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			continue
		}
		mask := net.ParseIP(addrMask[addr]).To4()
		if mask == nil {
			continue
		}
		ones, _ := net.IPMask(mask).Size()
		i.address = netip.PrefixFrom(ip, ones).String()
	}
	return snap, nil
}

func lastIndex(name, root string) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, root+"."))
	return idx, err == nil
}

func pduString(p gosnmp.SnmpPDU) string {
	switch v := p.Value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

var _ domain.DeviceAgent = (*SNMPAgent)(nil)
