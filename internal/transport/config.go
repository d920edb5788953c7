package transport

import "time"

// Config defines per-session timing and identity defaults.
type Config struct {
	// ClientID is the identifying string carried in the handshake frame.
	ClientID string

	ConnectTimeout   time.Duration
	NegotiateTimeout time.Duration

	// ReadTimeout bounds one blocking receive so the loop can observe
	// shutdown promptly; a timeout is not a fault.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeepAliveInterval is the fixed ping period while Ready.
	KeepAliveInterval time.Duration

	// JoinTimeout bounds the wait for the receive and keep-alive loops to
	// exit during Close, so a hung socket cannot block shutdown.
	JoinTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClientID:          "RemBraille_Go_Client",
		ConnectTimeout:    5 * time.Second,
		NegotiateTimeout:  5 * time.Second,
		ReadTimeout:       2 * time.Second,
		WriteTimeout:      5 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		JoinTimeout:       time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ClientID == "" {
		c.ClientID = def.ClientID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = def.NegotiateTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = def.KeepAliveInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	return c
}
