package relay

import (
	"fmt"
	"net"
	"net/netip"
	"time"
)

// packetConn is the subset of *net.UDPConn the dispatcher needs. It exists
// so the dispatch loop can be exercised against an in-memory fake in tests
// without opening real sockets.
type packetConn interface {
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Bind opens the relay's single UDP endpoint (spec §4.5). All sends and
// receives for every pair happen on this one socket; no per-peer sockets
// are ever created.
func Bind(ip net.IP, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	return conn, nil
}
