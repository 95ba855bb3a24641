// Package pairing implements the relay's pairing table and reverse index:
// the state machine that joins two peers under a shared session secret
// (spec §3, §4.2) and keeps both structures consistent as entries are
// created, established, refreshed, and reaped.
package pairing

import (
	"net/netip"
	"time"
)

// PeerAddress is an (IP, port) tuple observed as the source of an inbound
// datagram. netip.AddrPort is comparable by exact bitwise equality on both
// the address and the port, matching spec §3's comparison rule, and is what
// net.UDPConn.ReadFromUDPAddrPort hands back with no extra allocation.
type PeerAddress = netip.AddrPort

// State is a PairingEntry's position in its lifecycle.
type State int

const (
	// HalfOpen means only first_peer is known.
	HalfOpen State = iota
	// Established means both peers are known and distinct.
	Established
)

func (s State) String() string {
	if s == Established {
		return "established"
	}
	return "half_open"
}

// Entry holds the bookkeeping for one session secret (spec §3's
// PairingEntry). SecondPeer.IsValid() is false until the entry transitions
// to Established.
type Entry struct {
	Secret         string
	FirstPeer      PeerAddress
	SecondPeer     PeerAddress
	CreatedAt      time.Time
	LastActivityAt time.Time
	State          State
}

// Opponent returns the peer on the other side of addr within this entry.
// Only meaningful when State is Established and addr is one of the two
// peers; ok is false otherwise.
func (e *Entry) Opponent(addr PeerAddress) (PeerAddress, bool) {
	if e.State != Established {
		return PeerAddress{}, false
	}
	switch addr {
	case e.FirstPeer:
		return e.SecondPeer, true
	case e.SecondPeer:
		return e.FirstPeer, true
	default:
		return PeerAddress{}, false
	}
}

// HasPeer reports whether addr participates in this entry.
func (e *Entry) HasPeer(addr PeerAddress) bool {
	if addr == e.FirstPeer {
		return true
	}
	return e.State == Established && addr == e.SecondPeer
}
