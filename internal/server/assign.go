package server

import (
	"errors"
	"net/netip"

	"github.com/mellowdrifter/pcpd/internal/config"
	"github.com/mellowdrifter/pcpd/internal/mapping"
)

var ErrNoPorts = errors.New("no free external port")

// Assigner decides external endpoints. With an external address it behaves
// like a NAT and hands out ports from its range on that address. Without
// one it behaves like a firewall: the external endpoint is the internal
// endpoint.
type Assigner struct {
	external  netip.Addr
	portStart uint16
	portEnd   uint16
	protocols map[uint8]bool
	quota     int
}

func NewAssigner(cfg *config.Config) *Assigner {
	a := &Assigner{
		external:  cfg.External(),
		portStart: cfg.PortRangeStart,
		portEnd:   cfg.PortRangeEnd,
		protocols: make(map[uint8]bool, len(cfg.Protocols)),
		quota:     cfg.MaxMappingsPerClient,
	}
	for _, p := range cfg.Protocols {
		a.protocols[p] = true
	}
	return a
}

// NAT reports whether external endpoints are translated.
func (a *Assigner) NAT() bool {
	return a.external.IsValid()
}

// Supports reports whether mappings may be created for protocol p. Zero
// means all protocols and is always accepted.
func (a *Assigner) Supports(p uint8) bool {
	return p == 0 || a.protocols[p]
}

// OverQuota reports whether client already holds its share of live mappings.
func (a *Assigner) OverQuota(client netip.Addr, live []mapping.Mapping) bool {
	if a.quota == 0 {
		return false
	}
	n := 0
	for _, m := range live {
		if m.Internal.Addr() == client {
			n++
		}
	}
	return n >= a.quota
}

// Assign picks the external endpoint for a new mapping. The suggested port
// is honoured when it is in range and free for the protocol.
func (a *Assigner) Assign(internal netip.AddrPort, protocol uint8, suggested uint16, live []mapping.Mapping) (netip.AddrPort, error) {
	if !a.NAT() {
		return internal, nil
	}

	// Port 0 with protocol 0 forwards every port of the external address,
	// so it can only coexist with nothing.
	for _, m := range live {
		if m.Internal.Port() == 0 {
			return netip.AddrPort{}, ErrNoPorts
		}
	}
	if internal.Port() == 0 {
		if len(live) > 0 {
			return netip.AddrPort{}, ErrNoPorts
		}
		return netip.AddrPortFrom(a.external, 0), nil
	}

	taken := make(map[uint16]bool)
	for _, m := range live {
		if m.Protocol == protocol {
			taken[m.External.Port()] = true
		}
	}

	if suggested >= a.portStart && suggested <= a.portEnd && !taken[suggested] {
		return netip.AddrPortFrom(a.external, suggested), nil
	}
	// Widen before comparing so a range ending at 65535 terminates.
	for p := uint32(a.portStart); p <= uint32(a.portEnd); p++ {
		if !taken[uint16(p)] {
			return netip.AddrPortFrom(a.external, uint16(p)), nil
		}
	}
	return netip.AddrPort{}, ErrNoPorts
}
