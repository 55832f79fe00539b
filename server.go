package kcp2k

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// ServerCallbacks notify the application about connection events. The
// connection id is an opaque, stable handle derived from the remote address.
type ServerCallbacks struct {
	OnConnected    func(connectionID int)
	OnData         func(connectionID int, data []byte, channel Channel)
	OnDisconnected func(connectionID int)
	OnError        func(connectionID int, code ErrorCode, msg string)
}

type serverConnection struct {
	peer   *Peer
	remote *net.UDPAddr
}

// Server multiplexes many peers onto one UDP socket. All methods must be
// called from the same goroutine; the server spawns no goroutines, and an
// incoming tick blocks for at most the 1ms read deadline on an empty socket.
type Server struct {
	config KcpConfig
	cb     ServerCallbacks

	conn  *net.UDPConn
	xconn batchConn

	connections map[int]*serverConnection

	// deferred removals so peer maps are never mutated during iteration
	removals map[int]struct{}

	// batched IO staging
	rxmsgs  []ipv4.Message
	txqueue []ipv4.Message
	recvBuf []byte
}

// NewServer creates a server; call Start to bind the socket.
func NewServer(config KcpConfig, cb ServerCallbacks) *Server {
	return &Server{
		config:      config,
		cb:          cb,
		connections: make(map[int]*serverConnection),
		removals:    make(map[int]struct{}),
		recvBuf:     make([]byte, mtuLimit),
	}
}

// IsActive reports whether the socket is bound.
func (s *Server) IsActive() bool { return s.conn != nil }

// ConnectionCount returns the number of authenticated connections.
func (s *Server) ConnectionCount() int { return len(s.connections) }

// LocalEndPoint returns the bound address, or nil before Start.
func (s *Server) LocalEndPoint() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// GetClientAddress returns the remote address for a connection id, or ""
// if it is gone.
func (s *Server) GetClientAddress(connectionID int) string {
	if c, ok := s.connections[connectionID]; ok {
		return c.remote.String()
	}
	return ""
}

// Start binds the UDP socket on the given port. With DualMode the socket
// listens on IPv6 with IPv4-mapped addresses, falling back to IPv4 with a
// warning when the v6 stack is unavailable.
func (s *Server) Start(port int) error {
	if s.conn != nil {
		return errors.New("kcp2k: server already started")
	}

	var conn *net.UDPConn
	var err error
	if s.config.DualMode {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			Log.Warning("kcp2k: failed to bind dual mode socket, trying IPv4: %v", err)
			conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		}
	} else {
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	}
	if err != nil {
		return errors.Wrap(err, "kcp2k: server bind failed")
	}

	// UDP loses silently when the OS buffers are too small for the load
	if err := conn.SetReadBuffer(s.config.RecvBufferSize); err != nil {
		Log.Warning("kcp2k: failed to set receive buffer to %d: %v", s.config.RecvBufferSize, err)
	}
	if err := conn.SetWriteBuffer(s.config.SendBufferSize); err != nil {
		Log.Warning("kcp2k: failed to set send buffer to %d: %v", s.config.SendBufferSize, err)
	}

	s.conn = conn
	s.xconn = newBatchConn(conn)
	s.rxmsgs = make([]ipv4.Message, batchSize)
	for i := range s.rxmsgs {
		s.rxmsgs[i].Buffers = [][]byte{make([]byte, mtuLimit)}
	}
	Log.Info("kcp2k: server listening on %v", conn.LocalAddr())
	return nil
}

// Stop says goodbye to every connection and closes the socket.
func (s *Server) Stop() {
	if s.conn == nil {
		return
	}
	for _, c := range s.connections {
		c.peer.Disconnect()
		c.peer.TickOutgoing()
	}
	s.flushTx()
	s.connections = make(map[int]*serverConnection)
	s.removals = make(map[int]struct{})
	if err := s.conn.Close(); err != nil {
		Log.Warning("kcp2k: server socket close: %v", err)
	}
	s.conn = nil
	s.xconn = nil
}

// Send transmits a message to one connection.
func (s *Server) Send(connectionID int, data []byte, channel Channel) error {
	c, ok := s.connections[connectionID]
	if !ok {
		return errors.Errorf("kcp2k: send to unknown connection %d", connectionID)
	}
	return c.peer.SendData(data, channel)
}

// Disconnect kicks one connection; the entry disappears after the goodbye
// is flushed on a following tick.
func (s *Server) Disconnect(connectionID int) {
	if c, ok := s.connections[connectionID]; ok {
		c.peer.Disconnect()
	}
}

// Tick runs one full incoming + outgoing cycle.
func (s *Server) Tick() {
	s.TickIncoming()
	s.TickOutgoing()
}

// TickIncoming drains the socket, feeds peers, and runs their receive-side
// supervision.
func (s *Server) TickIncoming() {
	if s.conn == nil {
		return
	}

	// short deadline: drain what the OS buffered, waiting at most 1ms once
	// the socket is empty. A deadline of time.Now() has already passed when
	// the read starts, and Go then fails the read without touching the socket.
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		Log.Warning("kcp2k: server set read deadline: %v", err)
	}
	if s.xconn != nil {
		s.readBatched()
	} else {
		s.readSingle()
	}

	for _, c := range s.connections {
		c.peer.TickIncoming()
	}
	s.flushTx()
	s.applyRemovals()
}

// TickOutgoing pumps every peer's engine and transmits what they produced.
func (s *Server) TickOutgoing() {
	if s.conn == nil {
		return
	}
	for _, c := range s.connections {
		c.peer.TickOutgoing()
	}
	s.flushTx()
	s.applyRemovals()
}

func (s *Server) readBatched() {
	for {
		n, err := s.xconn.ReadBatch(s.rxmsgs, 0)
		if err != nil {
			if !isTimeout(err) {
				atomic.AddUint64(&DefaultSnmp.InErrs, 1)
				Log.Info("kcp2k: server read: %v", err)
			}
			return
		}
		for i := 0; i < n; i++ {
			m := &s.rxmsgs[i]
			addr, ok := m.Addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			s.handleRawInput(m.Buffers[0][:m.N], addr)
		}
		if n < len(s.rxmsgs) {
			return
		}
	}
}

func (s *Server) readSingle() {
	for {
		n, addr, err := s.conn.ReadFromUDP(s.recvBuf)
		if err != nil {
			if !isTimeout(err) {
				// ICMP unreachable and friends: the peer's own timeout
				// will clean up, nothing to do here
				atomic.AddUint64(&DefaultSnmp.InErrs, 1)
				Log.Info("kcp2k: server read: %v", err)
			}
			return
		}
		s.handleRawInput(s.recvBuf[:n], addr)
	}
}

func (s *Server) handleRawInput(data []byte, addr *net.UDPAddr) {
	atomic.AddUint64(&DefaultSnmp.InPkts, 1)
	atomic.AddUint64(&DefaultSnmp.InBytes, uint64(len(data)))

	// oversized datagrams can not be legitimate traffic
	if len(data) > s.config.Mtu {
		Log.Warning("kcp2k: server dropped oversized datagram of %d bytes from %v", len(data), addr)
		return
	}

	id := connectionHash(addr)
	if c, ok := s.connections[id]; ok {
		c.peer.RawInput(data)
		return
	}
	s.handleFirstContact(id, addr, data)
}

// handleFirstContact runs an unknown sender through a provisional peer. The
// peer only enters the connection map if this very datagram completes a
// valid handshake; spoofed or stale traffic is discarded with the peer.
func (s *Server) handleFirstContact(id int, addr *net.UDPAddr, data []byte) {
	conn := &serverConnection{remote: addr}
	conn.peer = newPeer(s.config, newCookie(), true, PeerCallbacks{
		OnAuthenticated: func() {
			s.connections[id] = conn
			atomic.AddUint64(&DefaultSnmp.PassiveOpens, 1)
			atomic.AddUint64(&DefaultSnmp.CurrEstab, 1)
			Log.Info("kcp2k: server added connection %d from %v", id, addr)
			if s.cb.OnConnected != nil {
				s.cb.OnConnected(id)
			}
		},
		OnData: func(msg []byte, channel Channel) {
			if s.cb.OnData != nil {
				s.cb.OnData(id, msg, channel)
			}
		},
		OnDisconnected: func() {
			if s.connections[id] != conn {
				// a provisional peer that never authenticated
				return
			}
			s.removals[id] = struct{}{}
			atomic.AddUint64(&DefaultSnmp.CurrEstab, ^uint64(0))
			Log.Info("kcp2k: server removed connection %d", id)
			if s.cb.OnDisconnected != nil {
				s.cb.OnDisconnected(id)
			}
		},
		OnError: func(code ErrorCode, msg string) {
			if s.cb.OnError != nil {
				s.cb.OnError(id, code, msg)
			}
		},
		RawSend: func(raw []byte) {
			s.rawSend(raw, addr)
		},
	})

	conn.peer.RawInput(data)

	if conn.peer.State() != PeerAuthenticated {
		// no handshake, no entry: the provisional peer is dropped here, so
		// floods cost us nothing persistent. A datagram the peer rejected
		// (a goodbye, data before the Hello) still gets the unreliable
		// goodbye that Disconnect queued.
		Log.Info("kcp2k: server discarded non-handshake datagram from %v", addr)
	}
}

// rawSend queues one datagram for the next flush; batching keeps the
// syscall count down when many peers flush in one tick.
func (s *Server) rawSend(data []byte, addr *net.UDPAddr) {
	bts := xmitBuf.Get().([]byte)[:len(data)]
	copy(bts, data)
	var msg ipv4.Message
	msg.Buffers = [][]byte{bts}
	msg.Addr = addr
	s.txqueue = append(s.txqueue, msg)
}

func (s *Server) flushTx() {
	if len(s.txqueue) == 0 {
		return
	}
	if s.xconn != nil {
		nsent := 0
		for nsent < len(s.txqueue) {
			n, err := s.xconn.WriteBatch(s.txqueue[nsent:], 0)
			if err != nil {
				Log.Warning("kcp2k: server batch write: %v", err)
				break
			}
			nsent += n
		}
	} else {
		for i := range s.txqueue {
			if _, err := s.conn.WriteTo(s.txqueue[i].Buffers[0], s.txqueue[i].Addr); err != nil {
				Log.Warning("kcp2k: server write: %v", err)
			}
		}
	}
	atomic.AddUint64(&DefaultSnmp.OutPkts, uint64(len(s.txqueue)))
	for i := range s.txqueue {
		atomic.AddUint64(&DefaultSnmp.OutBytes, uint64(len(s.txqueue[i].Buffers[0])))
		xmitBuf.Put(s.txqueue[i].Buffers[0])
		s.txqueue[i].Buffers = nil
	}
	s.txqueue = s.txqueue[:0]
}

func (s *Server) applyRemovals() {
	if len(s.removals) == 0 {
		return
	}
	for id := range s.removals {
		delete(s.connections, id)
		delete(s.removals, id)
	}
}

// connectionHash derives the stable connection id from a remote address.
func connectionHash(addr *net.UDPAddr) int {
	h := fnv.New32a()
	h.Write(addr.IP)
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], uint16(addr.Port))
	h.Write(port[:])
	return int(h.Sum32())
}

// newCookie draws a random non-zero session cookie.
func newCookie() uint32 {
	var cookie uint32
	binary.Read(rand.Reader, binary.LittleEndian, &cookie)
	if cookie == 0 {
		cookie = 1
	}
	return cookie
}
