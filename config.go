package kcp2k

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// KcpConfig is the single tuning surface handed to clients, servers and
// peers. The zero value is not usable; start from DefaultConfig.
type KcpConfig struct {
	// DualMode binds the server socket to IPv6 with IPv4-mapped support.
	// Disable on platforms without a v6 stack.
	DualMode bool `toml:"dual_mode"`

	// OS socket buffer sizes. UDP drops silently under pressure, so these
	// default to a generous 7 MB.
	RecvBufferSize int `toml:"recv_buffer_size"`
	SendBufferSize int `toml:"send_buffer_size"`

	// Mtu is the datagram size including the channel+cookie metadata.
	Mtu int `toml:"mtu"`

	// NoDelay enables the aggressive RTO minimum and gentler backoff.
	// Recommended on.
	NoDelay bool `toml:"no_delay"`

	// Interval is the flush cadence in milliseconds, clamped to [10, 5000].
	Interval uint `toml:"interval"`

	// FastResend is the duplicate-ack threshold for fast retransmit.
	// 0 disables.
	FastResend int `toml:"fast_resend"`

	// CongestionWindow enables AIMD congestion control. It is known to
	// destabilize throughput on low-latency links; leave off for LAN or
	// game use.
	CongestionWindow bool `toml:"congestion_window"`

	// Window sizes in segments. The receive window must cover the maximum
	// fragment count and is raised to at least 128 internally.
	SendWindowSize    uint `toml:"send_window_size"`
	ReceiveWindowSize uint `toml:"receive_window_size"`

	// Timeout is the tolerated silence in milliseconds before a peer is
	// considered gone.
	Timeout int `toml:"timeout"`

	// MaxRetransmits is the dead link threshold: retransmitting one segment
	// this many times without an ack kills the connection.
	MaxRetransmits uint `toml:"max_retransmits"`
}

// DefaultTimeout is the tolerated silence in milliseconds.
const DefaultTimeout = 10000

// DefaultConfig returns the settings the original system ships with.
func DefaultConfig() KcpConfig {
	return KcpConfig{
		DualMode:          true,
		RecvBufferSize:    1024 * 1024 * 7,
		SendBufferSize:    1024 * 1024 * 7,
		Mtu:               IKCP_MTU_DEF,
		NoDelay:           true,
		Interval:          10,
		FastResend:        0,
		CongestionWindow:  false,
		SendWindowSize:    IKCP_WND_SND,
		ReceiveWindowSize: IKCP_WND_RCV,
		Timeout:           DefaultTimeout,
		MaxRetransmits:    IKCP_DEADLINK,
	}
}

// LoadConfig reads a KcpConfig from a TOML file. Fields absent from the
// file keep their defaults.
func LoadConfig(fpath string) (KcpConfig, error) {
	conf := DefaultConfig()
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return conf, errors.WithStack(err)
	}
	if err := conf.validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

func (c *KcpConfig) validate() error {
	if c.Mtu <= IKCP_OVERHEAD+metadataSize {
		return errors.Errorf("kcp2k: mtu %d too small", c.Mtu)
	}
	if c.Mtu > mtuLimit {
		return errors.Errorf("kcp2k: mtu %d exceeds limit %d", c.Mtu, mtuLimit)
	}
	if c.Timeout <= 0 {
		return errors.Errorf("kcp2k: timeout %d must be positive", c.Timeout)
	}
	return nil
}
