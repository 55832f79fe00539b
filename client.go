package kcp2k

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ClientCallbacks notify the application about its single connection.
type ClientCallbacks struct {
	OnConnected    func()
	OnData         func(data []byte, channel Channel)
	OnDisconnected func()
	OnError        func(code ErrorCode, msg string)
}

// Client owns one connected UDP socket and one peer. Like the server it is
// single-threaded and non-blocking; the owner drives it with ticks.
type Client struct {
	config KcpConfig
	cb     ClientCallbacks

	conn      *net.UDPConn
	peer      *Peer
	connected bool

	recvBuf []byte
}

// NewClient creates a client; call Connect to open a session.
func NewClient(config KcpConfig, cb ClientCallbacks) *Client {
	return &Client{
		config:  config,
		cb:      cb,
		recvBuf: make([]byte, mtuLimit),
	}
}

// Connected reports whether the handshake completed.
func (c *Client) Connected() bool { return c.connected }

// LocalEndPoint returns the bound local address, or nil when closed.
func (c *Client) LocalEndPoint() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// RemoteEndPoint returns the server address, or nil when closed.
func (c *Client) RemoteEndPoint() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// Rtt returns the engine's smoothed round trip time in ms, or 0 without a
// session.
func (c *Client) Rtt() uint32 {
	if c.peer == nil {
		return 0
	}
	return c.peer.Rtt()
}

// Connect opens the socket and starts the handshake towards "host:port".
// The connection is established once OnConnected fires during a later
// incoming tick.
func (c *Client) Connect(addr string) error {
	if c.conn != nil {
		return errors.New("kcp2k: client already connected")
	}

	udpaddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		err = errors.Wrapf(err, "kcp2k: failed to resolve %q", addr)
		c.onError(ErrDnsResolve, err.Error())
		if c.cb.OnDisconnected != nil {
			c.cb.OnDisconnected()
		}
		return err
	}

	conn, err := net.DialUDP("udp", nil, udpaddr)
	if err != nil {
		err = errors.Wrapf(err, "kcp2k: failed to open socket to %q", addr)
		c.onError(ErrSocketError, err.Error())
		if c.cb.OnDisconnected != nil {
			c.cb.OnDisconnected()
		}
		return err
	}
	if err := conn.SetReadBuffer(c.config.RecvBufferSize); err != nil {
		Log.Warning("kcp2k: failed to set receive buffer to %d: %v", c.config.RecvBufferSize, err)
	}
	if err := conn.SetWriteBuffer(c.config.SendBufferSize); err != nil {
		Log.Warning("kcp2k: failed to set send buffer to %d: %v", c.config.SendBufferSize, err)
	}
	c.conn = conn

	// cookie 0: we learn the real one from the server's Hello
	c.peer = newPeer(c.config, 0, false, PeerCallbacks{
		OnAuthenticated: func() {
			Log.Info("kcp2k: client connected to %v", udpaddr)
			c.connected = true
			atomic.AddUint64(&DefaultSnmp.ActiveOpens, 1)
			atomic.AddUint64(&DefaultSnmp.CurrEstab, 1)
			if c.cb.OnConnected != nil {
				c.cb.OnConnected()
			}
		},
		OnData: func(data []byte, channel Channel) {
			if c.cb.OnData != nil {
				c.cb.OnData(data, channel)
			}
		},
		OnDisconnected: func() {
			Log.Info("kcp2k: client disconnected")
			if c.connected {
				atomic.AddUint64(&DefaultSnmp.CurrEstab, ^uint64(0))
			}
			c.connected = false
			if c.conn != nil {
				c.conn.Close()
				c.conn = nil
			}
			c.peer = nil
			if c.cb.OnDisconnected != nil {
				c.cb.OnDisconnected()
			}
		},
		OnError: func(code ErrorCode, msg string) {
			c.onError(code, msg)
		},
		RawSend: func(data []byte) {
			if c.conn == nil {
				return
			}
			atomic.AddUint64(&DefaultSnmp.OutPkts, 1)
			atomic.AddUint64(&DefaultSnmp.OutBytes, uint64(len(data)))
			if _, err := c.conn.Write(data); err != nil {
				// full buffers drop unreliable traffic; the engine's
				// retransmit timer covers the reliable channel
				Log.Info("kcp2k: client send failed: %v", err)
			}
		},
	})

	c.peer.sendHello()
	return nil
}

// Send transmits one message to the server.
func (c *Client) Send(data []byte, channel Channel) error {
	if c.peer == nil {
		err := errors.New("kcp2k: tried to send while disconnected")
		c.onError(ErrInvalidSend, err.Error())
		return err
	}
	return c.peer.SendData(data, channel)
}

// Disconnect says goodbye; OnDisconnected fires on a later outgoing tick
// once the goodbye is flushed.
func (c *Client) Disconnect() {
	if c.peer == nil {
		return
	}
	c.peer.Disconnect()
}

// Pause withholds message delivery without touching the wire; use across
// application stalls like scene changes.
func (c *Client) Pause() {
	if c.peer != nil {
		c.peer.SetPaused(true)
	}
}

// Resume re-enables delivery and resets the timeout clock.
func (c *Client) Resume() {
	if c.peer != nil {
		c.peer.SetPaused(false)
	}
}

// Tick runs one full incoming + outgoing cycle.
func (c *Client) Tick() {
	c.TickIncoming()
	c.TickOutgoing()
}

// TickIncoming drains the socket into the peer and runs its receive-side
// supervision.
func (c *Client) TickIncoming() {
	if c.conn == nil || c.peer == nil {
		return
	}
	// a deadline of time.Now() would fail every read before it looks at the
	// socket; 1ms drains what is buffered and bounds the wait when empty
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		Log.Warning("kcp2k: client set read deadline: %v", err)
	}
	for c.peer != nil && c.conn != nil {
		n, err := c.conn.Read(c.recvBuf)
		if err != nil {
			if !isTimeout(err) {
				// e.g. ICMP port unreachable after a server restart; the
				// timeout handles cleanup
				atomic.AddUint64(&DefaultSnmp.InErrs, 1)
				Log.Info("kcp2k: client read: %v", err)
			}
			break
		}
		atomic.AddUint64(&DefaultSnmp.InPkts, 1)
		atomic.AddUint64(&DefaultSnmp.InBytes, uint64(n))
		if n > c.config.Mtu {
			Log.Warning("kcp2k: client dropped oversized datagram of %d bytes", n)
			continue
		}
		c.peer.RawInput(c.recvBuf[:n])
	}
	if c.peer != nil {
		c.peer.TickIncoming()
	}
}

// TickOutgoing pumps the engine; a pending goodbye completes here.
func (c *Client) TickOutgoing() {
	if c.peer != nil {
		c.peer.TickOutgoing()
	}
}

func (c *Client) onError(code ErrorCode, msg string) {
	if c.cb.OnError != nil {
		c.cb.OnError(code, msg)
	} else {
		Log.Error("kcp2k: [%v] %s", code, msg)
	}
}
