// Package staticinv serves a source of truth declared in the configuration
// file, for labs and offline runs.
package staticinv

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

// Inventory is an immutable in-memory SourceOfTruth.
type Inventory struct {
	devices    []domain.Device
	interfaces map[string][]domain.Interface
}

// New builds the inventory from configuration. Device ids default to the
// device name.
func New(devices []config.StaticDeviceConfig) (*Inventory, error) {
	inv := &Inventory{interfaces: make(map[string][]domain.Interface)}
	seen := make(map[string]bool)
	for _, dc := range devices {
		id := dc.ID
		if id == "" {
			id = dc.Name
		}
		if id == "" {
			return nil, domain.NewDomainError("staticinv.New", domain.ErrInvalidInput, "device without name")
		}
		if seen[id] {
			return nil, domain.NewSubSystemError("inventory", "staticinv.New", domain.ErrDuplicate, fmt.Sprintf("device id %q", id))
		}
		seen[id] = true

		d := domain.Device{
			ID:                id,
			Name:              dc.Name,
			ManagementAddress: dc.Address,
			Role:              domain.Role(dc.Role),
			Platform:          dc.Platform,
		}
		if d.Role == "" {
			d.Role = domain.RoleRouter
		}
		for _, ic := range dc.Interfaces {
			i := domain.Interface{DeviceID: id, Device: dc.Name, Name: ic.Name, AdminState: domain.AdminUp}
			if ic.Enabled != nil && !*ic.Enabled {
				i.AdminState = domain.AdminDown
			}
			if ic.Address != "" {
				p, err := domain.CanonicalPrefix(ic.Address)
				if err != nil {
					return nil, domain.NewDomainError("staticinv.New", domain.ErrInvalidInput,
						fmt.Sprintf("%s %s: address %q", dc.Name, ic.Name, ic.Address))
				}
				i.Address = p
			}
			if ic.PeerDevice != "" {
				i.Peer = &domain.PeerRef{Device: ic.PeerDevice, Interface: ic.PeerInterface}
			}
			inv.interfaces[id] = append(inv.interfaces[id], i)
		}
		d.Interfaces = inv.interfaces[id]
		inv.devices = append(inv.devices, d)
	}
	return inv, nil
}

// ResolveDevice matches key against device names, management addresses and
// interface addresses.
func (inv *Inventory) ResolveDevice(ctx context.Context, key string) (domain.Device, error) {
	const op = "staticinv.ResolveDevice"
	if err := ctx.Err(); err != nil {
		return domain.Device{}, err
	}
	key = strings.TrimSpace(key)
	addr, addrErr := netip.ParseAddr(key)

	var matches []domain.Device
	for _, d := range inv.devices {
		if inv.matches(d, key, addr, addrErr == nil) {
			matches = append(matches, d)
		}
	}
	switch len(matches) {
	case 0:
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrNotFound, fmt.Sprintf("no device for %q", key))
	case 1:
		return matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name)
		}
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrAmbiguousTarget,
			fmt.Sprintf("%q matches %s", key, strings.Join(names, ", ")))
	}
}

func (inv *Inventory) matches(d domain.Device, key string, addr netip.Addr, isAddr bool) bool {
	if !isAddr {
		return strings.EqualFold(d.Name, key)
	}
	if d.ManagementAddress == key {
		return true
	}
	for _, i := range inv.interfaces[d.ID] {
		if p, err := netip.ParsePrefix(i.Address); err == nil && p.Addr() == addr {
			return true
		}
	}
	return false
}

// DeclaredTopology returns a copy of the declared interfaces.
func (inv *Inventory) DeclaredTopology(ctx context.Context, d domain.Device) ([]domain.Interface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ifs, ok := inv.interfaces[d.ID]
	if !ok {
		for _, known := range inv.devices {
			if known.ID == d.ID {
				return nil, nil
			}
		}
		return nil, domain.NewSubSystemError("inventory", "staticinv.DeclaredTopology", domain.ErrNotFound, d.ID)
	}
	return append([]domain.Interface(nil), ifs...), nil
}

// Devices lists every declared device.
func (inv *Inventory) Devices() []domain.Device {
	return append([]domain.Device(nil), inv.devices...)
}

var _ domain.SourceOfTruth = (*Inventory)(nil)
