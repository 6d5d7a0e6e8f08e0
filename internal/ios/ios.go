// Package ios renders and parses the small subset of IOS-style CLI text the
// device agents and the convergence checker exchange.
package ios

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"netconverge/internal/domain"
)

// Diagnose command vocabulary.
const (
	ShowInterfaceCmd = "show ip interface"
	ShowNeighborsCmd = "show cdp neighbors"
	ShowVersionCmd   = "show version"
	PingCmd          = "ping"
)

// ShowInterface returns the diagnose command for one interface.
func ShowInterface(name string) string { return ShowInterfaceCmd + " " + name }

// ShowNeighbors returns the neighbor diagnose command for one interface.
func ShowNeighbors(name string) string { return ShowNeighborsCmd + " " + name }

// Ping returns the reachability diagnose command for one host address.
func Ping(host string) string { return PingCmd + " " + host }

var readOnlyPrefixes = []string{"show ", "ping ", "traceroute "}

// ValidateDiagnose rejects anything that is not a single read-only command.
// Output modifiers and redirections are refused outright.
func ValidateDiagnose(command string) error {
	cmd := strings.TrimSpace(command)
	if strings.ContainsAny(cmd, "|<>;\n") {
		return domain.NewDomainError("ios.ValidateDiagnose", domain.ErrRejected,
			fmt.Sprintf("modifiers are not allowed in %q", cmd))
	}
	lower := strings.ToLower(cmd)
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(lower, p) {
			return nil
		}
	}
	return domain.NewDomainError("ios.ValidateDiagnose", domain.ErrRejected,
		fmt.Sprintf("%q is not a read-only command", cmd))
}

// ObservedInterface is the live state parsed from "show ip interface".
type ObservedInterface struct {
	Name    string
	Present bool
	AdminUp bool
	LineUp  bool
	Address string // CIDR, empty when no address is configured
}

// AdminState returns the administrative state as a domain value.
func (o ObservedInterface) AdminState() domain.AdminState {
	if o.AdminUp {
		return domain.AdminUp
	}
	return domain.AdminDown
}

// OperState returns the line protocol state as a domain value.
func (o ObservedInterface) OperState() domain.AdminState {
	if o.LineUp {
		return domain.AdminUp
	}
	return domain.AdminDown
}

// Neighbor is one row of "show cdp neighbors".
type Neighbor struct {
	DeviceID       string
	LocalInterface string
	Platform       string
	PortID         string
}

// ShortName strips a domain suffix from a CDP device id ("R2.lab.local" -> "R2").
func (n Neighbor) ShortName() string {
	name, _, _ := strings.Cut(n.DeviceID, ".")
	return name
}

var (
	statusLine  = regexp.MustCompile(`^(\S+) is (administratively down|up|down), line protocol is (up|down)`)
	addressLine = regexp.MustCompile(`^\s*Internet address is (\S+)`)
	successRate = regexp.MustCompile(`Success rate is (\d{1,3}) percent`)
)

// ParsePing returns the success rate of a ping. ok is false when the output
// carries no success rate, as for an unrecognized host.
func ParsePing(output string) (percent int, ok bool) {
	m := successRate.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// RenderPing renders the reply of a five-packet ping.
func RenderPing(host string, replied bool) string {
	if replied {
		return fmt.Sprintf("Sending 5, 100-byte ICMP Echos to %s, timeout is 2 seconds:\n!!!!!\nSuccess rate is 100 percent (5/5)\n", host)
	}
	return fmt.Sprintf("Sending 5, 100-byte ICMP Echos to %s, timeout is 2 seconds:\n.....\nSuccess rate is 0 percent (0/5)\n", host)
}

// IsError reports whether output is an IOS error response.
func IsError(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "% ") && !strings.HasPrefix(line, "% Success") {
			return true
		}
	}
	return false
}

// ParseInterface parses "show ip interface <name>" output. Output that does
// not describe an interface yields Present == false.
func ParseInterface(output string) ObservedInterface {
	var obs ObservedInterface
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if m := statusLine.FindStringSubmatch(line); m != nil {
			obs.Name = m[1]
			obs.Present = true
			obs.AdminUp = m[2] != "administratively down"
			obs.LineUp = m[3] == "up"
			continue
		}
		if m := addressLine.FindStringSubmatch(line); m != nil && obs.Present {
			if p, err := netip.ParsePrefix(m[1]); err == nil {
				obs.Address = p.String()
			}
		}
	}
	return obs
}

// RenderInterface produces "show ip interface" output for obs.
func RenderInterface(obs ObservedInterface) string {
	if !obs.Present {
		return "% Invalid input detected at '^' marker.\n"
	}
	status, proto := "up", "up"
	switch {
	case !obs.AdminUp:
		status, proto = "administratively down", "down"
	case !obs.LineUp:
		status, proto = "down", "down"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s is %s, line protocol is %s\n", obs.Name, status, proto)
	if obs.Address != "" {
		fmt.Fprintf(&b, "  Internet address is %s\n", obs.Address)
		b.WriteString("  Broadcast address is 255.255.255.255\n")
	} else {
		b.WriteString("  Internet protocol processing disabled\n")
	}
	return b.String()
}

const neighborHeader = "Device ID        Local Intrfce     Holdtme    Capability  Platform  Port ID"

// RenderNeighbors produces "show cdp neighbors <intf>" output.
func RenderNeighbors(neighbors []Neighbor) string {
	var b strings.Builder
	b.WriteString("Capability Codes: R - Router, T - Trans Bridge, B - Source Route Bridge\n")
	b.WriteString("                  S - Switch, H - Host, I - IGMP, r - Repeater, P - Phone\n\n")
	b.WriteString(neighborHeader + "\n")
	for _, n := range neighbors {
		fmt.Fprintf(&b, "%-16s %-17s %-10s %-11s %-9s %s\n",
			n.DeviceID, abbreviate(n.LocalInterface), "150", "R", n.Platform, abbreviate(n.PortID))
	}
	fmt.Fprintf(&b, "\nTotal cdp entries displayed : %d\n", len(neighbors))
	return b.String()
}

// ParseNeighbors parses "show cdp neighbors" output. Long device ids that IOS
// wraps onto their own line are joined with the following row.
func ParseNeighbors(output string) []Neighbor {
	var (
		out     []Neighbor
		inTable bool
		pending string
	)
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.HasPrefix(line, "Device ID") {
			inTable = true
			continue
		}
		if !inTable || strings.TrimSpace(line) == "" || strings.HasPrefix(line, "Total cdp entries") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 1 {
			pending = fields[0]
			continue
		}
		if pending != "" {
			fields = append([]string{pending}, fields...)
			pending = ""
		}
		// Device ID, local intf (2 tokens), holdtime, capabilities..., platform, port (2 tokens)
		if len(fields) < 7 {
			continue
		}
		out = append(out, Neighbor{
			DeviceID:       fields[0],
			LocalInterface: fields[1] + " " + fields[2],
			Platform:       fields[len(fields)-3],
			PortID:         fields[len(fields)-2] + " " + fields[len(fields)-1],
		})
	}
	return out
}

var abbreviations = []struct{ long, short string }{
	{"TenGigabitEthernet", "Ten"},
	{"GigabitEthernet", "Gig"},
	{"FastEthernet", "Fas"},
	{"Ethernet", "Eth"},
	{"Loopback", "Lo"},
}

// abbreviate renders an interface name the way CDP tables do ("Gig 0/1").
func abbreviate(name string) string {
	for _, a := range abbreviations {
		if rest, ok := strings.CutPrefix(name, a.long); ok {
			return a.short + " " + rest
		}
	}
	if i := strings.IndexAny(name, "0123456789"); i > 0 {
		return name[:i] + " " + name[i:]
	}
	return name + " 0"
}

// ConfigLines renders the configuration commands that realize intent. Fields
// that already match obs are skipped; an empty result means nothing to do.
func ConfigLines(intent domain.ConfigIntent, obs ObservedInterface) ([]string, error) {
	var body []string
	if intent.Address != "" && intent.Address != obs.Address {
		p, err := netip.ParsePrefix(intent.Address)
		if err != nil || !p.Addr().Is4() {
			return nil, domain.NewDomainError("ios.ConfigLines", domain.ErrInvalidInput,
				fmt.Sprintf("address %q is not an IPv4 prefix", intent.Address))
		}
		mask := net.IP(net.CIDRMask(p.Bits(), 32)).String()
		body = append(body, fmt.Sprintf(" ip address %s %s", p.Addr(), mask))
	}
	switch intent.AdminState {
	case domain.AdminUp:
		if !obs.AdminUp {
			body = append(body, " no shutdown")
		}
	case domain.AdminDown:
		if obs.AdminUp {
			body = append(body, " shutdown")
		}
	}
	if len(body) == 0 {
		return nil, nil
	}
	return append([]string{"interface " + intent.Interface}, body...), nil
}
