package domain

import (
	"context"
	"fmt"
	"net/netip"
)

// Role is the function a network element plays in the topology.
type Role string

const (
	RoleRouter Role = "router"
	RoleSwitch Role = "switch"
)

// AdminState is the administrative state of an interface.
type AdminState string

const (
	AdminUp   AdminState = "up"
	AdminDown AdminState = "down"
)

// Device is a read-through projection of one inventory record.
// It is never mutated locally during a run; re-fetch for fresher truth.
type Device struct {
	ID                string      `json:"id"` // stable inventory identifier used for task targeting
	Name              string      `json:"name"`
	ManagementAddress string      `json:"management_address"`
	Role              Role        `json:"role"`
	Platform          string      `json:"platform,omitempty"`
	Interfaces        []Interface `json:"interfaces,omitempty"`
}

// Interface holds declared attributes only. Live state is compared against
// these values and never written back into them.
type Interface struct {
	DeviceID   string     `json:"device_id"`
	Device     string     `json:"device"`
	Name       string     `json:"name"`
	Address    string     `json:"address,omitempty"` // CIDR form, e.g. 10.10.10.1/24
	AdminState AdminState `json:"admin_state"`
	Peer       *PeerRef   `json:"peer,omitempty"`
}

// PeerRef is the far end of a declared link.
type PeerRef struct {
	Device    string `json:"device"`
	Interface string `json:"interface,omitempty"`
	Address   string `json:"address,omitempty"`
}

// Ref returns the stable reference used in drift records and reports.
func (i Interface) Ref() InterfaceRef {
	return InterfaceRef{DeviceID: i.DeviceID, Device: i.Device, Interface: i.Name}
}

// Checkable reports whether the interface declares anything a check can verify.
func (i Interface) Checkable() bool {
	return i.Address != "" || i.Peer != nil
}

// InterfaceRef identifies one interface on one device.
type InterfaceRef struct {
	DeviceID  string `json:"device_id"`
	Device    string `json:"device"`
	Interface string `json:"interface"`
}

func (r InterfaceRef) String() string {
	return fmt.Sprintf("%s/%s", r.Device, r.Interface)
}

// CanonicalPrefix normalizes a host address with prefix length ("10.10.10.1/24").
// The host bits are preserved; only formatting differences are removed.
func CanonicalPrefix(s string) (string, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return "", NewDomainError("CanonicalPrefix", ErrInvalidInput, err.Error())
	}
	return p.String(), nil
}

// SourceOfTruth is the read-only inventory boundary.
type SourceOfTruth interface {
	// ResolveDevice looks a device up by management name, management address or
	// interface address. Returns ErrNotFound when there is no record and
	// ErrAmbiguousTarget when more than one record matches.
	ResolveDevice(ctx context.Context, key string) (Device, error)
	// DeclaredTopology returns the declared interfaces of a device.
	DeclaredTopology(ctx context.Context, device Device) ([]Interface, error)
}

// Description is the describe capability of a device agent.
type Description struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Transport string `json:"transport"`
	Platform  string `json:"platform,omitempty"`
	Writable  bool   `json:"writable"`
}

// DeviceAgent executes operations against exactly one bound device.
type DeviceAgent interface {
	// Identity is the inventory identifier of the bound device.
	Identity() string
	Describe(ctx context.Context) (Description, error)
	// Diagnose runs a read-only command and returns its raw text output.
	Diagnose(ctx context.Context, command string) (string, error)
	// ApplyConfiguration converges the device toward intent. Applying the
	// same intent twice makes no further change and returns no error.
	ApplyConfiguration(ctx context.Context, intent ConfigIntent) (ApplyResult, error)
}
