package kcp2k

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// number of datagrams moved per batched syscall
const batchSize = 16

// batchConn is the batched IO surface shared by x/net's ipv4 and ipv6
// PacketConns (their Message types alias the same underlying type).
type batchConn interface {
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// newBatchConn wraps a UDP socket for batched reads and writes, picking the
// address family from the bound address. Returns nil for PacketConns x/net
// cannot accelerate; callers fall back to ReadFrom/WriteTo.
func newBatchConn(conn net.PacketConn) batchConn {
	if _, ok := conn.(*net.UDPConn); !ok {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if err != nil {
		return nil
	}
	if addr.IP.To4() != nil {
		return ipv4.NewPacketConn(conn)
	}
	return ipv6.NewPacketConn(conn)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
