// Package inventory is the per-request Source-of-Truth client. It caches
// lookups for the lifetime of one request and never across requests.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"netconverge/internal/domain"
)

// Client wraps a SourceOfTruth for one request. Create a new Client per
// request; it is safe for concurrent use.
type Client struct {
	sot     domain.SourceOfTruth
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	devices  map[string]domain.Device      // by lookup key
	topology map[string][]domain.Interface // by device id
	group    singleflight.Group
}

// NewClient builds a request-scoped client. A zero timeout means no
// per-call deadline beyond the caller's context.
func NewClient(sot domain.SourceOfTruth, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		sot:      sot,
		timeout:  timeout,
		logger:   logger.With("component", "inventory"),
		devices:  make(map[string]domain.Device),
		topology: make(map[string][]domain.Interface),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ResolveDevice looks a device up by name or address. Failures are never
// cached.
func (c *Client) ResolveDevice(ctx context.Context, key string) (domain.Device, error) {
	c.mu.Lock()
	if d, ok := c.devices[key]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("device:"+key, func() (any, error) {
		c.mu.Lock()
		if d, ok := c.devices[key]; ok {
			c.mu.Unlock()
			return d, nil
		}
		c.mu.Unlock()
		cctx, cancel := c.withTimeout(ctx)
		defer cancel()
		d, err := c.sot.ResolveDevice(cctx, key)
		if err != nil {
			return domain.Device{}, classify("inventory.ResolveDevice", key, err)
		}
		c.mu.Lock()
		c.devices[key] = d
		c.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return domain.Device{}, err
	}
	return v.(domain.Device), nil
}

// DeclaredTopology returns the declared interfaces of a device.
func (c *Client) DeclaredTopology(ctx context.Context, device domain.Device) ([]domain.Interface, error) {
	c.mu.Lock()
	if ifs, ok := c.topology[device.ID]; ok {
		c.mu.Unlock()
		return ifs, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("topology:"+device.ID, func() (any, error) {
		cctx, cancel := c.withTimeout(ctx)
		defer cancel()
		ifs, err := c.sot.DeclaredTopology(cctx, device)
		if err != nil {
			return nil, classify("inventory.DeclaredTopology", device.Name, err)
		}
		c.mu.Lock()
		c.topology[device.ID] = ifs
		c.mu.Unlock()
		return ifs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Interface), nil
}

// classify keeps NotFound and AmbiguousTarget, and turns timeouts and every
// other failure into ErrInventoryUnavailable.
func classify(op, key string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrAmbiguousTarget),
		errors.Is(err, domain.ErrInventoryUnavailable), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewSubSystemError("inventory", op, domain.ErrInventoryUnavailable,
			fmt.Sprintf("lookup of %q timed out", key))
	default:
		return domain.NewSubSystemError("inventory", op, domain.ErrInventoryUnavailable, err.Error())
	}
}

// Scope is the set of devices and declared interfaces a request covers.
type Scope struct {
	Devices    []domain.Device
	Interfaces []domain.Interface
}

// DeviceNames lists the resolved device names in resolution order.
func (s Scope) DeviceNames() []string {
	names := make([]string, 0, len(s.Devices))
	for _, d := range s.Devices {
		names = append(names, d.Name)
	}
	return names
}

// ResolveScope resolves every endpoint and collects the checkable declared
// interfaces of the resulting devices. Any endpoint without an inventory
// record fails the whole scope with ErrNotFound.
func (c *Client) ResolveScope(ctx context.Context, endpoints []string) (Scope, error) {
	var (
		scope Scope
		seen  = make(map[string]bool)
	)
	for _, ep := range endpoints {
		d, err := c.ResolveDevice(ctx, ep)
		if err != nil {
			return Scope{}, err
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		scope.Devices = append(scope.Devices, d)
		c.logger.Debug("endpoint resolved", "endpoint", ep, "device", d.Name, "device_id", d.ID)
	}

	for _, d := range scope.Devices {
		ifs, err := c.DeclaredTopology(ctx, d)
		if err != nil {
			return Scope{}, err
		}
		var checkable []domain.Interface
		for _, i := range ifs {
			if i.Checkable() {
				checkable = append(checkable, i)
			}
		}
		sort.SliceStable(checkable, func(a, b int) bool { return checkable[a].Name < checkable[b].Name })
		scope.Interfaces = append(scope.Interfaces, checkable...)
	}

	for i := range scope.Interfaces {
		if err := c.fillPeerAddress(ctx, &scope.Interfaces[i]); err != nil {
			return Scope{}, err
		}
	}

	if len(scope.Interfaces) == 0 {
		return Scope{}, domain.NewDomainError("inventory.ResolveScope", domain.ErrNotFound,
			"no checkable interfaces declared")
	}
	return scope, nil
}

// fillPeerAddress copies the declared address of the far-end interface into
// iface.Peer. The peer device may lie outside the requested endpoints. A
// peer the inventory cannot identify is left without an address; an
// inventory outage is returned.
func (c *Client) fillPeerAddress(ctx context.Context, iface *domain.Interface) error {
	if iface.Peer == nil || iface.Peer.Address != "" || iface.Peer.Device == "" || iface.Peer.Interface == "" {
		return nil
	}
	peerDev, err := c.ResolveDevice(ctx, iface.Peer.Device)
	if err == nil {
		var ifs []domain.Interface
		ifs, err = c.DeclaredTopology(ctx, peerDev)
		if err == nil {
			for _, pi := range ifs {
				if pi.Name == iface.Peer.Interface && pi.Address != "" {
					peer := *iface.Peer
					peer.Address = pi.Address
					iface.Peer = &peer
					return nil
				}
			}
			return nil
		}
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrAmbiguousTarget) {
		c.logger.Warn("declared peer not identifiable", "interface", iface.Ref().String(), "peer", iface.Peer.Device, "error", err)
		return nil
	}
	return err
}

var _ domain.SourceOfTruth = (*Client)(nil)
