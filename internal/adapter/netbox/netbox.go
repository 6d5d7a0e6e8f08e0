// Package netbox reads declared devices, interfaces and addresses from the
// NetBox REST API.
package netbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"netconverge/internal/adapter/httpapi"
	"netconverge/internal/domain"
	"netconverge/internal/infra/config"
)

const defaultPageSize = 100

// Client is a read-only SourceOfTruth backed by NetBox.
type Client struct {
	api      *httpapi.Client
	pageSize int
	logger   *slog.Logger
}

// New creates a NetBox client from the inventory section.
func New(inv config.InventoryConfig, cb config.CircuitBreakerConfig, logger *slog.Logger) (*Client, error) {
	cfg := inv.NetBox
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	token := cfg.Token
	api, err := httpapi.New(httpapi.Options{
		Name:               "netbox",
		BaseURL:            cfg.URL,
		Timeout:            inv.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Breaker:            cb,
		Auth: func(r *http.Request) {
			r.Header.Set("Authorization", "Token "+token)
		},
		Logger: logger,
	})
	if err != nil {
		return nil, domain.NewSubSystemError("inventory", "netbox.New", domain.ErrInvalidInput, err.Error())
	}
	size := cfg.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	return &Client{api: api, pageSize: size, logger: logger.With("component", "netbox")}, nil
}

type ref struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ipRef struct {
	Address string `json:"address"`
}

type device struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Role       *ref   `json:"role"`
	DeviceRole *ref   `json:"device_role"` // NetBox < 3.6
	Platform   *ref   `json:"platform"`
	PrimaryIP  *ipRef `json:"primary_ip"`
}

type linkPeer struct {
	Name   string `json:"name"`
	Device *ref   `json:"device"`
}

type iface struct {
	ID        int        `json:"id"`
	Name      string     `json:"name"`
	Enabled   bool       `json:"enabled"`
	LinkPeers []linkPeer `json:"link_peers"`
}

type assignedObject struct {
	ID     int  `json:"id"`
	Device *ref `json:"device"`
}

type ipAddress struct {
	ID                 int             `json:"id"`
	Address            string          `json:"address"`
	AssignedObjectType string          `json:"assigned_object_type"`
	AssignedObjectID   *int            `json:"assigned_object_id"`
	AssignedObject     *assignedObject `json:"assigned_object"`
}

type page[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next"`
	Results []T    `json:"results"`
}

// list follows pagination and returns every result.
func list[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	query.Set("limit", strconv.Itoa(c.pageSize))
	var (
		out  []T
		next = c.api.URL(path, query)
	)
	for next != "" {
		var p page[T]
		if err := c.api.JSON(ctx, http.MethodGet, next, nil, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.Results...)
		next = p.Next
	}
	return out, nil
}

// ResolveDevice looks a device up by name, or by an address assigned to one
// of its interfaces (or its primary address).
func (c *Client) ResolveDevice(ctx context.Context, key string) (domain.Device, error) {
	const op = "netbox.ResolveDevice"
	key = strings.TrimSpace(key)
	if addr, err := netip.ParseAddr(key); err == nil {
		return c.resolveByAddress(ctx, addr)
	}

	devices, err := list[device](ctx, c, "/api/dcim/devices/", url.Values{"name": {key}})
	if err != nil {
		return domain.Device{}, unavailable(op, err)
	}
	switch len(devices) {
	case 0:
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrNotFound, fmt.Sprintf("no device named %q", key))
	case 1:
		return devices[0].toDomain(), nil
	default:
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrAmbiguousTarget,
			fmt.Sprintf("%d devices named %q", len(devices), key))
	}
}

func (c *Client) resolveByAddress(ctx context.Context, addr netip.Addr) (domain.Device, error) {
	const op = "netbox.ResolveDevice"
	ips, err := list[ipAddress](ctx, c, "/api/ipam/ip-addresses/", url.Values{"address": {addr.String()}})
	if err != nil {
		return domain.Device{}, unavailable(op, err)
	}

	ids := make(map[int]bool)
	for _, ip := range ips {
		if ip.AssignedObject != nil && ip.AssignedObject.Device != nil {
			ids[ip.AssignedObject.Device.ID] = true
		}
	}
	switch len(ids) {
	case 0:
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrNotFound,
			fmt.Sprintf("address %s is not assigned to any device", addr))
	case 1:
	default:
		return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrAmbiguousTarget,
			fmt.Sprintf("address %s is assigned to %d devices", addr, len(ids)))
	}

	var id int
	for k := range ids {
		id = k
	}
	var d device
	if err := c.api.JSON(ctx, http.MethodGet, fmt.Sprintf("/api/dcim/devices/%d/", id), nil, nil, &d); err != nil {
		if httpapi.IsStatus(err, http.StatusNotFound) {
			return domain.Device{}, domain.NewSubSystemError("inventory", op, domain.ErrNotFound, fmt.Sprintf("device %d", id))
		}
		return domain.Device{}, unavailable(op, err)
	}
	return d.toDomain(), nil
}

// DeclaredTopology returns the device's interfaces with their declared IPv4
// address and cabled peer.
func (c *Client) DeclaredTopology(ctx context.Context, dev domain.Device) ([]domain.Interface, error) {
	const op = "netbox.DeclaredTopology"
	q := url.Values{"device_id": {dev.ID}}
	ifaces, err := list[iface](ctx, c, "/api/dcim/interfaces/", q)
	if err != nil {
		return nil, unavailable(op, err)
	}
	ips, err := list[ipAddress](ctx, c, "/api/ipam/ip-addresses/", url.Values{"device_id": {dev.ID}})
	if err != nil {
		return nil, unavailable(op, err)
	}

	addrByIface := make(map[int]string)
	for _, ip := range ips {
		if ip.AssignedObjectID == nil || ip.AssignedObjectType != "dcim.interface" {
			continue
		}
		p, err := netip.ParsePrefix(ip.Address)
		if err != nil || !p.Addr().Is4() {
			continue
		}
		if _, ok := addrByIface[*ip.AssignedObjectID]; !ok {
			addrByIface[*ip.AssignedObjectID] = p.String()
		}
	}

	out := make([]domain.Interface, 0, len(ifaces))
	for _, i := range ifaces {
		di := domain.Interface{
			DeviceID:   dev.ID,
			Device:     dev.Name,
			Name:       i.Name,
			Address:    addrByIface[i.ID],
			AdminState: domain.AdminDown,
		}
		if i.Enabled {
			di.AdminState = domain.AdminUp
		}
		for _, p := range i.LinkPeers {
			if p.Device != nil {
				di.Peer = &domain.PeerRef{Device: p.Device.Name, Interface: p.Name}
				break
			}
		}
		out = append(out, di)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	c.logger.Debug("topology loaded", "device", dev.Name, "interfaces", len(out), "addresses", len(addrByIface))
	return out, nil
}

func (d device) toDomain() domain.Device {
	out := domain.Device{ID: strconv.Itoa(d.ID), Name: d.Name, Role: domain.RoleRouter}
	role := d.Role
	if role == nil {
		role = d.DeviceRole
	}
	if role != nil && strings.Contains(strings.ToLower(role.Slug+role.Name), "switch") {
		out.Role = domain.RoleSwitch
	}
	if d.Platform != nil {
		out.Platform = d.Platform.Name
	}
	if d.PrimaryIP != nil {
		if p, err := netip.ParsePrefix(d.PrimaryIP.Address); err == nil {
			out.ManagementAddress = p.Addr().String()
		}
	}
	return out
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewSubSystemError("inventory", op, domain.ErrInventoryUnavailable, err.Error())
}

var _ domain.SourceOfTruth = (*Client)(nil)
