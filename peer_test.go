package kcp2k

import (
	"bytes"
	"testing"
)

// peerEvents records everything a peer reported upward.
type peerEvents struct {
	authenticated int
	disconnected  int
	data          [][]byte
	channels      []Channel
	errors        []ErrorCode
}

// peerHarness wires a client peer and a server peer back to back with a
// manual clock and lossless in-memory queues.
type peerHarness struct {
	now            uint32
	client, server *Peer
	cEv, sEv       peerEvents
	toServer       [][]byte
	toClient       [][]byte
	dropToServer   bool
	dropToClient   bool
}

const testServerCookie = 0x5F0C13E7

func newPeerHarness(config KcpConfig) *peerHarness {
	h := &peerHarness{now: 1}

	h.server = newPeer(config, testServerCookie, true, PeerCallbacks{
		OnAuthenticated: func() { h.sEv.authenticated++ },
		OnData: func(data []byte, ch Channel) {
			h.sEv.data = append(h.sEv.data, append([]byte(nil), data...))
			h.sEv.channels = append(h.sEv.channels, ch)
		},
		OnDisconnected: func() { h.sEv.disconnected++ },
		OnError:        func(code ErrorCode, msg string) { h.sEv.errors = append(h.sEv.errors, code) },
		RawSend: func(data []byte) {
			if !h.dropToClient {
				h.toClient = append(h.toClient, append([]byte(nil), data...))
			}
		},
	})
	h.client = newPeer(config, 0, false, PeerCallbacks{
		OnAuthenticated: func() { h.cEv.authenticated++ },
		OnData: func(data []byte, ch Channel) {
			h.cEv.data = append(h.cEv.data, append([]byte(nil), data...))
			h.cEv.channels = append(h.cEv.channels, ch)
		},
		OnDisconnected: func() { h.cEv.disconnected++ },
		OnError:        func(code ErrorCode, msg string) { h.cEv.errors = append(h.cEv.errors, code) },
		RawSend: func(data []byte) {
			if !h.dropToServer {
				h.toServer = append(h.toServer, append([]byte(nil), data...))
			}
		},
	})

	clock := func() uint32 { return h.now }
	h.client.clock = clock
	h.server.clock = clock
	return h
}

// tick advances time and runs one full cycle on both peers.
func (h *peerHarness) tick(ms uint32) {
	h.now += ms
	h.deliver()
	h.client.TickIncoming()
	h.server.TickIncoming()
	h.client.TickOutgoing()
	h.server.TickOutgoing()
	h.deliver()
}

func (h *peerHarness) deliver() {
	for len(h.toServer) > 0 || len(h.toClient) > 0 {
		in := h.toServer
		h.toServer = nil
		for _, d := range in {
			h.server.RawInput(d)
		}
		in = h.toClient
		h.toClient = nil
		for _, d := range in {
			h.client.RawInput(d)
		}
	}
}

// connect completes the handshake or fails the test.
func (h *peerHarness) connect(t *testing.T) {
	t.Helper()
	h.client.sendHello()
	for i := 0; i < 20 && (h.client.State() != PeerAuthenticated || h.server.State() != PeerAuthenticated); i++ {
		h.tick(10)
	}
	if h.client.State() != PeerAuthenticated || h.server.State() != PeerAuthenticated {
		t.Fatalf("handshake incomplete: client=%d server=%d", h.client.State(), h.server.State())
	}
}

func TestPeerHandshake(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	if h.sEv.authenticated != 1 || h.cEv.authenticated != 1 {
		t.Fatalf("authenticated callbacks: server=%d client=%d, want 1/1", h.sEv.authenticated, h.cEv.authenticated)
	}
	// the client adopted the server-assigned cookie from the Hello reply
	if h.client.Cookie() != testServerCookie {
		t.Fatalf("client cookie = %x, want %x", h.client.Cookie(), testServerCookie)
	}
}

func TestPeerReliableRoundTrip(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	if err := h.client.SendData([]byte{0x01, 0x02}, ChannelReliable); err != nil {
		t.Fatal(err)
	}
	h.tick(10)
	h.tick(10)

	if len(h.sEv.data) != 1 {
		t.Fatalf("server observed %d messages, want 1", len(h.sEv.data))
	}
	if !bytes.Equal(h.sEv.data[0], []byte{0x01, 0x02}) || h.sEv.channels[0] != ChannelReliable {
		t.Fatalf("server got % X on channel %d", h.sEv.data[0], h.sEv.channels[0])
	}
}

func TestPeerUnreliableRoundTrip(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := h.server.SendData(payload, ChannelUnreliable); err != nil {
		t.Fatal(err)
	}
	h.deliver() // unreliable bypasses the engine, no tick needed

	if len(h.cEv.data) != 1 {
		t.Fatalf("client observed %d messages, want 1", len(h.cEv.data))
	}
	if !bytes.Equal(h.cEv.data[0], payload) || h.cEv.channels[0] != ChannelUnreliable {
		t.Fatalf("client got % X on channel %d", h.cEv.data[0], h.cEv.channels[0])
	}
}

func TestPeerFragmentedSequence(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	// several multi-fragment payloads, all queued before any tick
	var sent [][]byte
	for i := 0; i < 10; i++ {
		msg := patternMessage(4000)
		msg[0] = byte(0x40 + i)
		sent = append(sent, msg)
		if err := h.client.SendData(msg, ChannelReliable); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 100 && len(h.sEv.data) < 10; i++ {
		h.tick(10)
	}

	if len(h.sEv.data) != 10 {
		t.Fatalf("server observed %d messages, want 10", len(h.sEv.data))
	}
	for i := range sent {
		if !bytes.Equal(h.sEv.data[i], sent[i]) {
			t.Fatalf("message %d out of order or corrupted", i)
		}
	}
}

func TestPeerMaxSizeMessage(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	max := ReliableMaxMessageSize(h.client.config.Mtu, h.client.kcp.rcv_wnd)
	msg := patternMessage(max)
	if err := h.client.SendData(msg, ChannelReliable); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200 && len(h.sEv.data) == 0; i++ {
		h.tick(10)
	}

	if len(h.sEv.data) != 1 || !bytes.Equal(h.sEv.data[0], msg) {
		t.Fatalf("max-size message not delivered intact (%d messages)", len(h.sEv.data))
	}
}

func TestPeerSendLimits(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	if err := h.client.SendData(nil, ChannelReliable); err == nil {
		t.Fatal("empty send must fail")
	}
	max := ReliableMaxMessageSize(h.client.config.Mtu, h.client.kcp.rcv_wnd)
	if err := h.client.SendData(make([]byte, max+1), ChannelReliable); err == nil {
		t.Fatal("oversize reliable send must fail")
	}
	umax := UnreliableMaxMessageSize(h.client.config.Mtu)
	if err := h.client.SendData(make([]byte, umax+1), ChannelUnreliable); err == nil {
		t.Fatal("oversize unreliable send must fail")
	}
	if len(h.cEv.errors) != 3 {
		t.Fatalf("recorded %d errors, want 3", len(h.cEv.errors))
	}
	for _, code := range h.cEv.errors {
		if code != ErrInvalidSend {
			t.Fatalf("error code %v, want InvalidSend", code)
		}
	}

	// nothing reached the wire
	h.tick(10)
	if len(h.sEv.data) != 0 {
		t.Fatal("invalid sends must not produce messages")
	}

	// limits for the default config
	if got := ReliableMaxMessageSize(1200, 128); got != (1200-IKCP_OVERHEAD-metadataSize)*127-1 {
		t.Fatalf("ReliableMaxMessageSize(1200, 128) = %d", got)
	}
	if got := UnreliableMaxMessageSize(1200); got != 1194 {
		t.Fatalf("UnreliableMaxMessageSize(1200) = %d, want 1194", got)
	}
}

func TestPeerSendBeforeAuthenticated(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	if err := h.client.SendData([]byte{1}, ChannelReliable); err == nil {
		t.Fatal("send before handshake must fail")
	}
	if len(h.cEv.errors) != 1 || h.cEv.errors[0] != ErrInvalidSend {
		t.Fatalf("errors = %v, want one InvalidSend", h.cEv.errors)
	}
}

func TestPeerCookieFiltering(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	// tamper with the client's cookie: the server must ignore everything
	h.client.cookie = testServerCookie + 1
	h.client.SendData([]byte{9, 9}, ChannelReliable)
	h.client.SendData([]byte{8, 8}, ChannelUnreliable)
	for i := 0; i < 10; i++ {
		h.tick(10)
	}

	if len(h.sEv.data) != 0 {
		t.Fatalf("server observed %d messages despite wrong cookie", len(h.sEv.data))
	}
}

func TestPeerTimeout(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 2000
	h := newPeerHarness(config)
	h.connect(t)

	// the link goes dark in both directions
	h.dropToServer = true
	h.dropToClient = true
	for i := 0; i < 30; i++ {
		h.tick(100)
	}

	if h.client.State() != PeerDisconnected || h.server.State() != PeerDisconnected {
		t.Fatalf("states after silence: client=%d server=%d", h.client.State(), h.server.State())
	}
	if h.cEv.disconnected != 1 || h.sEv.disconnected != 1 {
		t.Fatalf("disconnected callbacks: client=%d server=%d, want 1/1", h.cEv.disconnected, h.sEv.disconnected)
	}
	if len(h.cEv.errors) == 0 || h.cEv.errors[0] != ErrTimeout {
		t.Fatalf("client errors = %v, want Timeout first", h.cEv.errors)
	}
}

func TestPeerDeadLinkSynthetic(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	h.client.kcp.state = IKCP_STATE_DEAD
	h.client.TickOutgoing()

	if h.client.State() != PeerDisconnecting {
		t.Fatalf("state = %d, want Disconnecting", h.client.State())
	}
	if len(h.cEv.errors) == 0 || h.cEv.errors[0] != ErrTimeout {
		t.Fatalf("errors = %v, want Timeout (dead link)", h.cEv.errors)
	}

	h.client.TickOutgoing()
	if h.client.State() != PeerDisconnected || h.cEv.disconnected != 1 {
		t.Fatalf("state=%d disconnected=%d after flush tick", h.client.State(), h.cEv.disconnected)
	}
}

func TestPeerChoke(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	// flood the send queue without ever flushing
	payload := []byte{1}
	for i := 0; i < QueueDisconnectThreshold; i++ {
		h.client.sendReliable(opData, payload)
	}
	h.client.TickIncoming()

	if len(h.cEv.errors) == 0 || h.cEv.errors[0] != ErrCongestion {
		t.Fatalf("errors = %v, want Congestion", h.cEv.errors)
	}
	if h.client.State() != PeerDisconnecting {
		t.Fatalf("state = %d, want Disconnecting", h.client.State())
	}

	h.client.TickOutgoing()
	if h.client.State() != PeerDisconnected {
		t.Fatal("choked peer did not finish disconnecting")
	}
}

func TestPeerDisconnectPropagates(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	h.client.Disconnect()
	for i := 0; i < 10; i++ {
		h.tick(10)
	}

	if h.client.State() != PeerDisconnected || h.cEv.disconnected != 1 {
		t.Fatalf("client state=%d disconnected=%d", h.client.State(), h.cEv.disconnected)
	}
	if h.server.State() != PeerDisconnected || h.sEv.disconnected != 1 {
		t.Fatalf("server did not pick up the goodbye: state=%d disconnected=%d", h.server.State(), h.sEv.disconnected)
	}
}

func TestPeerPauseHoldsMessages(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	h.server.SetPaused(true)
	h.client.SendData([]byte{0x42}, ChannelReliable)
	for i := 0; i < 5; i++ {
		h.tick(10)
	}
	if len(h.sEv.data) != 0 {
		t.Fatal("paused peer delivered a message")
	}

	h.server.SetPaused(false)
	h.tick(10)
	if len(h.sEv.data) != 1 || h.sEv.data[0][0] != 0x42 {
		t.Fatalf("held message not delivered after unpause: %v", h.sEv.data)
	}
}

func TestPeerPingKeepsAlive(t *testing.T) {
	config := DefaultConfig()
	config.Timeout = 3000
	h := newPeerHarness(config)
	h.connect(t)

	// a healthy but idle link must not time out: pings carry it
	for i := 0; i < 100; i++ {
		h.tick(100)
	}
	if h.client.State() != PeerAuthenticated || h.server.State() != PeerAuthenticated {
		t.Fatalf("idle link died: client=%d server=%d", h.client.State(), h.server.State())
	}
}

func TestPeerStatistics(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	if h.client.SendQueueCount() != 0 {
		t.Fatal("fresh peer has queued segments")
	}
	h.client.SendData(patternMessage(5000), ChannelReliable)
	if h.client.SendQueueCount() == 0 {
		t.Fatal("send queue empty after SendData")
	}
	if h.client.MaxSendRate() == 0 || h.client.MaxReceiveRate() == 0 {
		t.Fatal("rate estimates must be positive")
	}
}

func TestPeerHelloAfterAuthDisconnects(t *testing.T) {
	h := newPeerHarness(DefaultConfig())
	h.connect(t)

	// a second Hello on an authenticated session is hostile
	h.client.sendHello()
	for i := 0; i < 10 && h.server.State() == PeerAuthenticated; i++ {
		h.tick(10)
	}
	if h.server.State() == PeerAuthenticated {
		t.Fatal("server accepted a duplicate handshake")
	}
	if len(h.sEv.errors) == 0 || h.sEv.errors[0] != ErrInvalidReceive {
		t.Fatalf("server errors = %v, want InvalidReceive", h.sEv.errors)
	}
}
