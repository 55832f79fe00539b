package kcp2k

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Channel selects the delivery guarantee for a message. The channel is also
// the first byte of every datagram on the wire.
type Channel byte

const (
	ChannelReliable   Channel = 1
	ChannelUnreliable Channel = 2
)

// message opcodes, first byte after the channel+cookie metadata
const (
	opHello      byte = 0
	opPing       byte = 1
	opData       byte = 2
	opDisconnect byte = 3
)

// PeerState tracks a session through its life.
type PeerState byte

const (
	PeerConnected PeerState = iota
	PeerAuthenticated
	PeerDisconnecting
	PeerDisconnected
)

const (
	channelHeaderSize = 1
	cookieSize        = 4
	metadataSize      = channelHeaderSize + cookieSize

	// keepalive cadence on the reliable channel
	pingInterval = 1000

	// QueueDisconnectThreshold bounds the combined send/receive queue sizes
	// before a peer is dropped to protect the process.
	QueueDisconnectThreshold = 10000
)

// ReliableMaxMessageSize is the largest message the reliable channel accepts
// for a given mtu and receive window: one mss-sized fragment per admissible
// window slot, minus the opcode byte.
func ReliableMaxMessageSize(mtu int, rcvWnd uint32) int {
	wnd := rcvWnd
	if wnd > IKCP_FRG_MAX {
		wnd = IKCP_FRG_MAX
	}
	return (mtu - IKCP_OVERHEAD - metadataSize) * (int(wnd) - 1) - 1
}

// UnreliableMaxMessageSize is the largest unreliable payload: mtu minus
// metadata minus the opcode byte.
func UnreliableMaxMessageSize(mtu int) int {
	return mtu - metadataSize - 1
}

// PeerCallbacks wires a peer to its owner. RawSend delivers a framed
// datagram to the transport. Buffers handed to RawSend and OnData are
// reused after the call returns; retain a copy, not the slice.
type PeerCallbacks struct {
	OnAuthenticated func()
	OnData          func(data []byte, channel Channel)
	OnDisconnected  func()
	OnError         func(code ErrorCode, msg string)
	RawSend         func(data []byte)
}

// Peer is one end of a session: a KCP engine plus handshake, keepalive,
// timeout, dead-link and choke supervision. It is not safe for concurrent
// use; all calls must come from the owner's tick goroutine.
type Peer struct {
	kcp    *KCP
	state  PeerState
	cookie uint32

	// servers authenticate a Hello and answer it; clients adopt the cookie
	// from the answer
	isServer bool

	config KcpConfig
	cb     PeerCallbacks

	// milliseconds since peer creation, replaceable for tests
	clock func() uint32

	lastReceiveTime uint32
	lastPingTime    uint32
	paused          bool

	// one allocation each at construction, reused for every message
	msgBuffer  []byte
	sendBuffer []byte
	rawBuffer  []byte

	reliableMax   int
	unreliableMax int
}

func newPeer(config KcpConfig, cookie uint32, isServer bool, cb PeerCallbacks) *Peer {
	p := &Peer{
		config:   config,
		cookie:   cookie,
		isServer: isServer,
		cb:       cb,
		state:    PeerConnected,
	}

	start := time.Now()
	p.clock = func() uint32 {
		return uint32(time.Since(start) / time.Millisecond)
	}

	p.kcp = NewKCP(0, p.rawSendReliable)
	// reserve room for the channel byte and cookie in every datagram
	p.kcp.SetMtu(config.Mtu - metadataSize)
	p.kcp.WndSize(int(config.SendWindowSize), int(config.ReceiveWindowSize))
	nodelay, nocwnd := 0, 1
	if config.NoDelay {
		nodelay = 1
	}
	if config.CongestionWindow {
		nocwnd = 0
	}
	p.kcp.NoDelay(nodelay, int(config.Interval), config.FastResend, nocwnd)
	p.kcp.SetDeadLink(uint32(config.MaxRetransmits))

	p.reliableMax = ReliableMaxMessageSize(config.Mtu, p.kcp.rcv_wnd)
	p.unreliableMax = UnreliableMaxMessageSize(config.Mtu)
	p.msgBuffer = make([]byte, 1+p.reliableMax)
	p.sendBuffer = make([]byte, 1+p.reliableMax)
	p.rawBuffer = make([]byte, config.Mtu)

	return p
}

// State returns the current session state.
func (p *Peer) State() PeerState { return p.state }

// Cookie returns the anti-spoof cookie bound to this session.
func (p *Peer) Cookie() uint32 { return p.cookie }

// Rtt returns the smoothed round trip time in ms. The periodic pings ride
// the reliable channel, so their acks keep this fresh even on idle sessions.
func (p *Peer) Rtt() uint32 {
	if p.kcp.rx_srtt <= 0 {
		return 0
	}
	return uint32(p.kcp.rx_srtt)
}

// SetPaused short-circuits message delivery; while paused, datagrams still
// feed the engine but OnData is withheld. Unpausing resets the timeout so a
// long application stall does not immediately kill the session.
func (p *Peer) SetPaused(paused bool) {
	if p.paused && !paused {
		p.lastReceiveTime = p.clock()
	}
	p.paused = paused
}

// queue statistics

func (p *Peer) SendQueueCount() int    { return len(p.kcp.snd_queue) }
func (p *Peer) ReceiveQueueCount() int { return len(p.kcp.rcv_queue) }
func (p *Peer) SendBufferCount() int   { return len(p.kcp.snd_buf) }
func (p *Peer) ReceiveBufferCount() int { return len(p.kcp.rcv_buf) }

// MaxSendRate estimates the reliable throughput ceiling in bytes/second:
// a full send window per flush interval.
func (p *Peer) MaxSendRate() uint64 {
	return uint64(p.kcp.snd_wnd) * uint64(p.kcp.mss) * 1000 / uint64(p.kcp.interval)
}

// MaxReceiveRate is the receive-side equivalent of MaxSendRate.
func (p *Peer) MaxReceiveRate() uint64 {
	return uint64(p.kcp.rcv_wnd) * uint64(p.kcp.mss) * 1000 / uint64(p.kcp.interval)
}

// rawSendReliable frames one engine datagram with channel + cookie.
func (p *Peer) rawSendReliable(data []byte, size int) {
	if metadataSize+size > len(p.rawBuffer) {
		p.onError(ErrInvalidSend, errors.Errorf("kcp2k: flush produced %d bytes over mtu %d", size, p.config.Mtu).Error())
		return
	}
	p.rawBuffer[0] = byte(ChannelReliable)
	binary.LittleEndian.PutUint32(p.rawBuffer[1:], p.cookie)
	n := copy(p.rawBuffer[metadataSize:], data[:size])
	p.cb.RawSend(p.rawBuffer[:metadataSize+n])
}

// rawSendUnreliable frames and sends one message, bypassing the engine.
func (p *Peer) rawSendUnreliable(op byte, payload []byte) {
	if len(payload) > p.unreliableMax {
		p.onError(ErrInvalidSend, errors.Errorf("kcp2k: unreliable message of %d bytes exceeds %d", len(payload), p.unreliableMax).Error())
		return
	}
	p.rawBuffer[0] = byte(ChannelUnreliable)
	binary.LittleEndian.PutUint32(p.rawBuffer[1:], p.cookie)
	p.rawBuffer[metadataSize] = op
	n := copy(p.rawBuffer[metadataSize+1:], payload)
	p.cb.RawSend(p.rawBuffer[:metadataSize+1+n])
}

// sendReliable frames op+payload into the engine's send queue.
func (p *Peer) sendReliable(op byte, payload []byte) {
	if 1+len(payload) > len(p.sendBuffer) {
		p.onError(ErrInvalidSend, errors.Errorf("kcp2k: reliable message of %d bytes exceeds %d", len(payload), p.reliableMax).Error())
		return
	}
	p.sendBuffer[0] = op
	n := copy(p.sendBuffer[1:], payload)
	if ret := p.kcp.Send(p.sendBuffer[:1+n]); ret != 0 {
		p.onError(ErrInvalidSend, errors.Errorf("kcp2k: engine rejected %d byte message: %d", len(payload), ret).Error())
		p.Disconnect()
	}
}

// SendData transmits one application message on the given channel. The
// payload must be non-empty and within the channel's size limit; violations
// return an error, surface through OnError, and send nothing.
func (p *Peer) SendData(data []byte, channel Channel) error {
	if len(data) == 0 {
		err := errors.New("kcp2k: tried to send empty message")
		p.onError(ErrInvalidSend, err.Error())
		return err
	}
	if p.state != PeerAuthenticated {
		err := errors.New("kcp2k: tried to send while not connected")
		p.onError(ErrInvalidSend, err.Error())
		return err
	}

	switch channel {
	case ChannelReliable:
		if len(data) > p.reliableMax {
			err := errors.Errorf("kcp2k: reliable message of %d bytes exceeds limit %d", len(data), p.reliableMax)
			p.onError(ErrInvalidSend, err.Error())
			return err
		}
		p.sendReliable(opData, data)
		atomic.AddUint64(&DefaultSnmp.BytesSent, uint64(len(data)))
	case ChannelUnreliable:
		if len(data) > p.unreliableMax {
			err := errors.Errorf("kcp2k: unreliable message of %d bytes exceeds limit %d", len(data), p.unreliableMax)
			p.onError(ErrInvalidSend, err.Error())
			return err
		}
		p.rawSendUnreliable(opData, data)
		atomic.AddUint64(&DefaultSnmp.BytesSent, uint64(len(data)))
	default:
		err := errors.Errorf("kcp2k: invalid channel %d", channel)
		p.onError(ErrInvalidSend, err.Error())
		return err
	}
	return nil
}

// sendHello starts the handshake. Clients call it right after connecting;
// servers answer with their cookie as payload.
func (p *Peer) sendHello() {
	if p.isServer {
		var cookieBytes [cookieSize]byte
		binary.LittleEndian.PutUint32(cookieBytes[:], p.cookie)
		p.sendReliable(opHello, cookieBytes[:])
	} else {
		p.sendReliable(opHello, nil)
	}
}

func (p *Peer) sendPing() {
	p.sendReliable(opPing, nil)
}

func (p *Peer) sendDisconnect() {
	// goodbye on both channels: the unreliable one still gets out when the
	// reliable stream is wedged
	p.rawSendUnreliable(opDisconnect, nil)
	p.sendReliable(opDisconnect, nil)
}

// RawInput consumes one datagram from the transport: verify the cookie,
// dispatch by channel, and deliver any completed messages.
func (p *Peer) RawInput(data []byte) {
	if p.state == PeerDisconnected {
		return
	}
	if len(data) <= metadataSize {
		Log.Warning("kcp2k: peer received runt datagram of %d bytes", len(data))
		return
	}

	channel := data[0]
	cookie := binary.LittleEndian.Uint32(data[1:])

	// a zero own cookie means it is not assigned yet (client before the
	// server's Hello): accept everything. During the handshake the remote
	// may not know our cookie yet either, so cookie 0 passes. Everything
	// else must match or is off-path / stale traffic.
	if p.cookie != 0 && cookie != p.cookie {
		if !(p.state == PeerConnected && cookie == 0) {
			Log.Warning("kcp2k: dropped datagram with wrong cookie %x, expected %x", cookie, p.cookie)
			return
		}
	}

	p.lastReceiveTime = p.clock()
	body := data[metadataSize:]

	switch Channel(channel) {
	case ChannelReliable:
		if ret := p.kcp.Input(body); ret != 0 {
			Log.Warning("kcp2k: engine rejected datagram of %d bytes: %d", len(body), ret)
			return
		}
		p.processReliable()
	case ChannelUnreliable:
		p.processUnreliable(body)
	default:
		Log.Warning("kcp2k: dropped datagram with invalid channel %d", channel)
	}
}

// processReliable drains every message the engine completed. While paused,
// messages stay queued inside the engine: the closing receive window
// throttles the remote, and everything is delivered after the unpause.
func (p *Peer) processReliable() {
	for p.state != PeerDisconnected && p.state != PeerDisconnecting && !p.paused {
		size := p.kcp.PeekSize()
		if size < 0 {
			break
		}
		if size == 0 || size > len(p.msgBuffer) {
			// zero-length kcp messages can't exist here (every message has
			// an opcode) and oversized ones exceed the negotiated window:
			// either way the remote broke the protocol
			p.onError(ErrInvalidReceive, errors.Errorf("kcp2k: invalid message size %d, limit %d", size, len(p.msgBuffer)).Error())
			p.Disconnect()
			return
		}
		n := p.kcp.Recv(p.msgBuffer[:size])
		if n < 0 {
			p.onError(ErrInvalidReceive, errors.Errorf("kcp2k: engine receive failed: %d", n).Error())
			p.Disconnect()
			return
		}
		op := p.msgBuffer[0]
		payload := p.msgBuffer[1:n]
		p.handleReliable(op, payload)
	}
}

func (p *Peer) handleReliable(op byte, payload []byte) {
	switch op {
	case opHello:
		p.handleHello(payload)
	case opPing:
		// keepalive only; receiving it already reset the timeout
	case opData:
		if p.state != PeerAuthenticated {
			p.onError(ErrInvalidReceive, "kcp2k: received data before handshake")
			p.Disconnect()
			return
		}
		if len(payload) == 0 {
			p.onError(ErrInvalidReceive, "kcp2k: received empty data message")
			p.Disconnect()
			return
		}
		atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(len(payload)))
		if !p.paused && p.cb.OnData != nil {
			p.cb.OnData(payload, ChannelReliable)
		}
	case opDisconnect:
		Log.Info("kcp2k: received disconnect message")
		p.Disconnect()
	default:
		p.onError(ErrInvalidReceive, errors.Errorf("kcp2k: invalid opcode %d", op).Error())
		p.Disconnect()
	}
}

func (p *Peer) handleHello(payload []byte) {
	if p.state != PeerConnected {
		// a Hello on an authenticated session is either an attack or a
		// client that missed our reply and restarted; kill it either way
		p.onError(ErrInvalidReceive, "kcp2k: unexpected handshake message")
		p.Disconnect()
		return
	}

	if p.isServer {
		// valid first contact: answer with our cookie and let the owner
		// promote this connection
		p.state = PeerAuthenticated
		p.sendHello()
		if p.cb.OnAuthenticated != nil {
			p.cb.OnAuthenticated()
		}
		return
	}

	// client: adopt the server-assigned cookie
	if len(payload) < cookieSize {
		p.onError(ErrInvalidReceive, "kcp2k: handshake reply without cookie")
		p.Disconnect()
		return
	}
	p.cookie = binary.LittleEndian.Uint32(payload)
	p.state = PeerAuthenticated
	if p.cb.OnAuthenticated != nil {
		p.cb.OnAuthenticated()
	}
}

func (p *Peer) processUnreliable(body []byte) {
	if len(body) < 1 {
		Log.Warning("kcp2k: received runt unreliable message")
		return
	}
	op := body[0]
	payload := body[1:]
	switch op {
	case opData:
		if p.state != PeerAuthenticated {
			Log.Warning("kcp2k: dropped unreliable data before handshake")
			return
		}
		if len(payload) == 0 {
			Log.Warning("kcp2k: dropped empty unreliable data")
			return
		}
		atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(len(payload)))
		if !p.paused && p.cb.OnData != nil {
			p.cb.OnData(payload, ChannelUnreliable)
		}
	case opDisconnect:
		Log.Info("kcp2k: received unreliable disconnect message")
		p.Disconnect()
	default:
		Log.Warning("kcp2k: dropped unreliable message with opcode %d", op)
	}
}

// TickIncoming runs the supervision that belongs to the receive side:
// timeout, dead link, keepalive and choke detection. The owner feeds raw
// datagrams through RawInput before calling it.
func (p *Peer) TickIncoming() {
	current := p.clock()
	switch p.state {
	case PeerConnected, PeerAuthenticated:
		p.handleTimeout(current)
		p.handleDeadLink()
		p.handlePing(current)
		p.handleChoked()
		// messages held back during a pause get delivered here
		p.processReliable()
	}
}

// TickOutgoing pumps the engine; in Disconnecting state it flushes the
// goodbye and completes the disconnect.
func (p *Peer) TickOutgoing() {
	current := p.clock()
	switch p.state {
	case PeerConnected, PeerAuthenticated:
		p.handleDeadLink()
		if p.state == PeerDisconnecting {
			// dead link was detected just now: finish on the next tick
			return
		}
		p.kcp.Update(current)
	case PeerDisconnecting:
		// flush the goodbye, then we are done
		p.kcp.Update(current)
		p.finishDisconnect()
	}
}

func (p *Peer) handleTimeout(current uint32) {
	if _itimediff(current, p.lastReceiveTime) >= int32(p.config.Timeout) {
		p.onError(ErrTimeout, errors.Errorf("kcp2k: connection timed out after not receiving any message for %dms", p.config.Timeout).Error())
		p.Disconnect()
	}
}

func (p *Peer) handleDeadLink() {
	if p.kcp.State() == IKCP_STATE_DEAD {
		p.onError(ErrTimeout, errors.Errorf("kcp2k: dead link detected, a message was retransmitted %d times without ack", p.config.MaxRetransmits).Error())
		p.Disconnect()
	}
}

func (p *Peer) handlePing(current uint32) {
	if _itimediff(current, p.lastPingTime) >= pingInterval {
		p.sendPing()
		p.lastPingTime = current
	}
}

func (p *Peer) handleChoked() {
	total := len(p.kcp.snd_queue) + len(p.kcp.rcv_queue) +
		len(p.kcp.snd_buf) + len(p.kcp.rcv_buf)
	if total >= QueueDisconnectThreshold {
		p.onError(ErrCongestion, errors.Errorf(
			"kcp2k: disconnecting choked connection: queue load %d exceeds %d. Sending too much or too slow network",
			total, QueueDisconnectThreshold).Error())
		// clear the send queue so the goodbye is not stuck behind the backlog
		for i := range p.kcp.snd_queue {
			p.kcp.delSegment(&p.kcp.snd_queue[i])
		}
		p.kcp.snd_queue = p.kcp.snd_queue[:0]
		p.Disconnect()
	}
}

// Disconnect sends a goodbye on both channels and transitions to
// Disconnecting; the next outgoing tick flushes it and fires
// OnDisconnected exactly once.
func (p *Peer) Disconnect() {
	if p.state == PeerDisconnecting || p.state == PeerDisconnected {
		return
	}
	p.sendDisconnect()
	p.state = PeerDisconnecting
}

// finishDisconnect completes the transition. State moves to Disconnected
// before the callback runs so re-entrant Disconnect calls are no-ops.
func (p *Peer) finishDisconnect() {
	if p.state == PeerDisconnected {
		return
	}
	p.state = PeerDisconnected
	if p.cb.OnDisconnected != nil {
		p.cb.OnDisconnected()
	}
}

func (p *Peer) onError(code ErrorCode, msg string) {
	if p.cb.OnError != nil {
		p.cb.OnError(code, msg)
	} else {
		Log.Error("kcp2k: [%v] %s", code, msg)
	}
}
