// Package client drives session lifecycle: connect and disconnect on
// behalf of the caller, and automatic reconnection with a fixed delay
// after mid-session faults.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rembraille/rembraille/internal/dispatch"
	"github.com/rembraille/rembraille/internal/observability"
	"github.com/rembraille/rembraille/internal/transport"
)

const DefaultReconnectDelay = 3 * time.Second

// StateFunc receives human-readable connection-state notifications. The
// UI layer above renders these; the wire layer only emits them.
type StateFunc func(connected bool, detail string)

// AddrSupplier proposes a candidate peer endpoint, such as a VM host
// probe or a settings store.
type AddrSupplier interface {
	SuggestAddr() (address string, port uint16, err error)
}

// Config tunes the controller. ReconnectDelay is the single source of
// truth for the wire-layer retry cadence; any longer user-facing interval
// lives in the layer above and is passed through here unchanged.
type Config struct {
	Transport      transport.Config
	ReconnectDelay time.Duration
}

func DefaultClientConfig() Config {
	return Config{
		Transport:      transport.DefaultConfig(),
		ReconnectDelay: DefaultReconnectDelay,
	}
}

// schedule is one pending reconnection: the timer plus the target it was
// armed for, so policy survives the death of individual sessions and a
// superseding connect can void it.
type schedule struct {
	timer   *time.Timer
	address string
	port    uint16
	reason  string
	at      time.Time
}

// Client owns at most one live transport session and the reconnection
// schedule. All lifecycle transitions happen under one mutex so a fault
// racing a new connect can never leave two sessions believing they are
// current.
type Client struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	mu        sync.Mutex
	session   *transport.Session
	address   string
	port      uint16
	hasTarget bool
	pending   *schedule
	onState   StateFunc
}

func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	return &Client{
		cfg:        cfg,
		dispatcher: dispatch.New(),
		logger:     log.With().Str("component", "client").Logger(),
	}
}

// SetKeyHandler registers the key-event callback. Runs on the receive
// loop; must not block.
func (c *Client) SetKeyHandler(fn dispatch.KeyEventFunc) {
	c.dispatcher.SetKeyHandler(fn)
}

func (c *Client) SetStateHandler(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect opens a session to the target. Idempotent while already Ready
// against the same target; a different target supersedes the current
// session and any pending reconnection. Negotiation failures return to
// the caller and never arm the reconnection schedule.
func (c *Client) Connect(ctx context.Context, address string, port uint16) error {
	return c.connect(ctx, address, port, false)
}

// connect does the work for both manual and schedule-driven attempts.
// A schedule-driven attempt re-checks the target under the mutex: a
// disconnect or a superseding connect landing between the timer firing
// and this call must win, so the attempt abandons itself.
func (c *Client) connect(ctx context.Context, address string, port uint16, fromSchedule bool) error {
	c.mu.Lock()

	if fromSchedule && (!c.hasTarget || c.address != address || c.port != port) {
		c.mu.Unlock()
		return nil
	}

	if c.session != nil && c.session.Ready() && c.address == address && c.port == port {
		c.mu.Unlock()
		return nil
	}

	c.cancelScheduleLocked()
	if old := c.session; old != nil {
		c.session = nil
		go old.Close()
	}

	var s *transport.Session
	s = transport.NewSession(c.cfg.Transport, c.dispatcher, func(err error) {
		c.handleFault(s, err)
	})

	if err := s.Open(ctx, address, port); err != nil {
		c.mu.Unlock()
		return err
	}

	c.session = s
	c.address = address
	c.port = port
	c.hasTarget = true
	onState := c.onState
	cells := s.Capability()
	c.mu.Unlock()

	if onState != nil {
		onState(true, fmt.Sprintf("connected to %s:%d (%d cells)", address, port, cells))
	}
	return nil
}

// ConnectWith connects to whatever endpoint the supplier proposes.
func (c *Client) ConnectWith(ctx context.Context, sup AddrSupplier) error {
	address, port, err := sup.SuggestAddr()
	if err != nil {
		return err
	}
	return c.Connect(ctx, address, port)
}

// Disconnect cancels any pending reconnection and closes the active
// session. Idempotent; safe when never connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelScheduleLocked()
	s := c.session
	c.session = nil
	c.hasTarget = false
	onState := c.onState
	c.mu.Unlock()

	if s != nil {
		_ = s.Close()
		if onState != nil {
			onState(false, "disconnected")
		}
	}
}

// SendDisplayCells pushes one display payload through the current
// session. Fails fast when disconnected; payload errors never tear the
// session down.
func (c *Client) SendDisplayCells(cells []byte) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return transport.ErrNotConnected
	}
	return s.SendDisplayCells(cells)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	return s != nil && s.Ready()
}

// Capability returns the negotiated cell count of the current session, or
// zero when disconnected.
func (c *Client) Capability() int {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.Capability()
}

// handleFault runs once per lost session, off the session's loops. Stale
// sessions (already superseded by a new connect) are ignored.
func (c *Client) handleFault(s *transport.Session, err error) {
	go s.Close()

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.scheduleReconnectLocked(err.Error())
	onState := c.onState
	c.mu.Unlock()

	if onState != nil {
		onState(false, "connection lost: "+err.Error())
	}
}

func (c *Client) scheduleReconnectLocked(reason string) {
	if !c.hasTarget {
		return
	}
	c.cancelScheduleLocked()
	sch := &schedule{
		address: c.address,
		port:    c.port,
		reason:  reason,
		at:      time.Now().Add(c.cfg.ReconnectDelay),
	}
	sch.timer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.attemptReconnect(sch)
	})
	c.pending = sch
	c.logger.Info().
		Str("address", sch.address).
		Uint16("port", sch.port).
		Str("reason", reason).
		Time("at", sch.at).
		Msg("reconnect scheduled")
}

func (c *Client) cancelScheduleLocked() {
	if c.pending != nil {
		c.pending.timer.Stop()
		c.pending = nil
	}
}

// attemptReconnect fires from the schedule timer. Attempts repeat forever
// with the same fixed delay until a manual disconnect or a connect to a
// different target voids the schedule.
func (c *Client) attemptReconnect(sch *schedule) {
	c.mu.Lock()
	if c.pending != sch {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	onState := c.onState
	c.mu.Unlock()

	observability.RecordReconnectAttempt()
	if onState != nil {
		onState(false, fmt.Sprintf("reconnecting to %s:%d", sch.address, sch.port))
	}

	err := c.connect(context.Background(), sch.address, sch.port, true)
	if err == nil {
		return
	}

	c.mu.Lock()
	if c.session == nil && c.pending == nil && c.hasTarget {
		c.scheduleReconnectLocked(err.Error())
	}
	c.mu.Unlock()

	if onState != nil {
		onState(false, "reconnect failed: "+err.Error())
	}
}
