// Package mapping owns the table of PCP mappings: index allocation, lease
// state and the rows that persist them.
package mapping

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/mellowdrifter/pcpd/internal/protocol"
)

// AutoIndex asks Create to allocate the next free index.
const AutoIndex = -1

var (
	ErrNotFound     = errors.New("mapping not found")
	ErrConflict     = errors.New("mapping index already in use")
	ErrInconsistent = errors.New("end of life does not match lifetime")
	ErrExhausted    = errors.New("mapping indexes exhausted")
	ErrBackend      = errors.New("mapping backing store failure")
)

// Mapping is a leased association between an internal and an external
// endpoint. Remote is only set for PEER mappings.
type Mapping struct {
	Index       int
	Nonce       protocol.Nonce
	Internal    netip.AddrPort
	External    netip.AddrPort
	Remote      netip.AddrPort
	Lifetime    uint32
	StartOfLife int64
	EndOfLife   int64
	Opcode      protocol.Opcode
	Protocol    uint8
}

// Params describe a mapping to create.
type Params struct {
	Index    int
	Nonce    protocol.Nonce
	Internal netip.AddrPort
	External netip.AddrPort
	Remote   netip.AddrPort
	Lifetime uint32
	Opcode   protocol.Opcode
	Protocol uint8
}

// Key identifies a mapping from the client's side of the NAT.
type Key struct {
	Internal netip.AddrPort
	Protocol uint8
	Opcode   protocol.Opcode
	Remote   netip.AddrPort
}

// Key returns the lookup key for m.
func (m Mapping) Key() Key {
	return Key{
		Internal: m.Internal,
		Protocol: m.Protocol,
		Opcode:   m.Opcode,
		Remote:   m.Remote,
	}
}

// Expired reports whether the lease has run out at unix time now.
func (m Mapping) Expired(now int64) bool {
	return now >= m.EndOfLife
}

func (m Mapping) String() string {
	s := fmt.Sprintf("%s mapping %d %s/%d %s -> %s lifetime %d",
		m.Opcode, m.Index, protoName(m.Protocol), m.Protocol, m.Internal, m.External, m.Lifetime)
	if m.Remote.IsValid() {
		s += " peer " + m.Remote.String()
	}
	return s
}

func protoName(p uint8) string {
	switch p {
	case 0:
		return "all"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 33:
		return "dccp"
	case 132:
		return "sctp"
	}
	return "ip"
}
