// Package transport owns one socket per session and the two loops that
// service it: the receive loop feeding the dispatcher and the keep-alive
// loop probing liveness. All writes funnel through one mutex so frames
// never interleave on the wire.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rembraille/rembraille/internal/dispatch"
	"github.com/rembraille/rembraille/internal/observability"
	"github.com/rembraille/rembraille/internal/protocol"
	"github.com/rembraille/rembraille/internal/protocol/frame"
)

var (
	ErrConnect          = errors.New("transport: connect failed")
	ErrHandshakeFailed  = errors.New("transport: handshake failed")
	ErrCapabilityFailed = errors.New("transport: capability negotiation failed")
	ErrNotConnected     = errors.New("transport: session not ready")
	ErrIO               = errors.New("transport: i/o failure")
	ErrAlreadyOpened    = errors.New("transport: session already opened")
)

const metricsRole = "client"

// FaultFunc reports one post-Ready connection loss. Invoked at most once
// per session, on its own goroutine.
type FaultFunc func(err error)

// Session is one logical connection attempt bound to exactly one socket.
type Session struct {
	cfg        Config
	id         string
	dispatcher *dispatch.Dispatcher
	onFault    FaultFunc
	logger     zerolog.Logger

	conn       net.Conn
	remote     string
	capability int

	state     atomic.Int32
	writeMu   sync.Mutex
	stop      chan struct{}
	loops     sync.WaitGroup
	faultOnce sync.Once
	closeOnce sync.Once

	lastPingAt atomic.Int64
	lastPongAt atomic.Int64
}

func NewSession(cfg Config, d *dispatch.Dispatcher, onFault FaultFunc) *Session {
	cfg = cfg.WithDefaults()
	id := uuid.NewString()
	return &Session{
		cfg:        cfg,
		id:         id,
		dispatcher: d,
		onFault:    onFault,
		logger:     log.With().Str("session_id", id).Logger(),
		stop:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Ready() bool { return s.State() == StateReady }

// Capability returns the negotiated display cell count. Zero until the
// session has reached Ready.
func (s *Session) Capability() int { return s.capability }

// LastKeepAlive returns when the most recent ping was written.
func (s *Session) LastKeepAlive() time.Time {
	ns := s.lastPingAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Open dials the peer and walks the handshake and capability negotiation.
// Negotiation failures are returned to the caller directly; the fault
// callback only fires for losses after Ready. A session can be opened once.
func (s *Session) Open(ctx context.Context, address string, port uint16) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return ErrAlreadyOpened
	}
	s.remote = net.JoinHostPort(address, strconv.Itoa(int(port)))

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.remote)
	if err != nil {
		s.state.Store(int32(StateFaulted))
		return fmt.Errorf("%w: %s: %v", ErrConnect, s.remote, err)
	}
	s.conn = conn

	s.state.Store(int32(StateHandshaking))
	_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiateTimeout))

	if err := s.writeFrame(protocol.MsgHandshake, []byte(s.cfg.ClientID)); err != nil {
		return s.failOpen(fmt.Errorf("%w: send: %v", ErrHandshakeFailed, err))
	}
	ack, err := frame.Read(conn)
	if err != nil {
		return s.failOpen(fmt.Errorf("%w: %v", ErrHandshakeFailed, err))
	}
	if ack.Type != protocol.MsgHandshakeAck {
		return s.failOpen(fmt.Errorf("%w: peer sent %s", ErrHandshakeFailed, ack.Type))
	}
	observability.RecordFrameReceived(metricsRole, ack.Type.String())

	s.state.Store(int32(StateNegotiating))
	if err := s.writeFrame(protocol.MsgCellCountRequest, nil); err != nil {
		return s.failOpen(fmt.Errorf("%w: send: %v", ErrCapabilityFailed, err))
	}
	reply, err := frame.Read(conn)
	if err != nil {
		return s.failOpen(fmt.Errorf("%w: %v", ErrCapabilityFailed, err))
	}
	if reply.Type != protocol.MsgCellCountReply {
		return s.failOpen(fmt.Errorf("%w: peer sent %s", ErrCapabilityFailed, reply.Type))
	}
	observability.RecordFrameReceived(metricsRole, reply.Type.String())
	count, err := protocol.DecodeCellCount(reply.Payload)
	if err != nil {
		return s.failOpen(fmt.Errorf("%w: %v", ErrCapabilityFailed, err))
	}

	s.capability = int(count)
	_ = conn.SetDeadline(time.Time{})
	s.state.Store(int32(StateReady))
	s.logger.Info().
		Str("remote", s.remote).
		Int("cells", s.capability).
		Msg("session ready")

	s.loops.Add(2)
	go s.receiveLoop()
	go s.keepAliveLoop()
	return nil
}

// failOpen tears down a session that never reached Ready. The error goes
// back to the Open caller only; no fault notification fires.
func (s *Session) failOpen(err error) error {
	s.state.Store(int32(StateFaulted))
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.logger.Warn().Err(err).Str("remote", s.remote).Msg("session negotiation failed")
	return err
}

// SendDisplayCells transmits one display payload, one byte per cell.
// Oversized payloads and non-Ready sessions fail fast without touching
// the socket; a write error after Ready is connection loss.
func (s *Session) SendDisplayCells(cells []byte) error {
	if len(cells) > frame.MaxPayload {
		return frame.ErrPayloadTooLarge
	}
	if !s.Ready() {
		return ErrNotConnected
	}
	if err := s.writeFrame(protocol.MsgDisplayCells, cells); err != nil {
		wrapped := fmt.Errorf("%w: write: %v", ErrIO, err)
		s.fault(wrapped)
		return wrapped
	}
	return nil
}

// SendKeyEvent transmits one key event to the peer. Normal clients only
// receive key events; this is the sending half used by test tooling.
func (s *Session) SendKeyEvent(keyID uint16, pressed bool) error {
	if !s.Ready() {
		return ErrNotConnected
	}
	payload := protocol.EncodeKeyEvent(protocol.KeyEvent{KeyID: keyID, Pressed: pressed})
	if err := s.writeFrame(protocol.MsgKeyEvent, payload); err != nil {
		wrapped := fmt.Errorf("%w: write: %v", ErrIO, err)
		s.fault(wrapped)
		return wrapped
	}
	return nil
}

func (s *Session) writeFrame(msgType protocol.MessageType, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := frame.Write(s.conn, msgType, payload); err != nil {
		return err
	}
	observability.RecordFrameSent(metricsRole, msgType.String())
	return nil
}

// receiveLoop is the only reader of the socket. It accumulates stream
// bytes and drains complete frames through the codec; read timeouts just
// re-check the stop channel.
func (s *Session) receiveLoop() {
	defer s.loops.Done()
	buf := make([]byte, 4096)
	var acc []byte
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				fr, consumed, derr := frame.Decode(acc)
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr != nil {
					s.fault(derr)
					return
				}
				acc = acc[consumed:]
				s.handleFrame(fr)
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.shuttingDown() {
				return
			}
			s.fault(fmt.Errorf("%w: read: %v", ErrIO, err))
			return
		}
	}
}

func (s *Session) handleFrame(fr frame.Frame) {
	observability.RecordFrameReceived(metricsRole, fr.Type.String())
	if fr.Type == protocol.MsgPong {
		s.lastPongAt.Store(time.Now().UnixNano())
	}
	s.dispatcher.Dispatch(fr)
}

// keepAliveLoop sends one ping per period while Ready.
func (s *Session) keepAliveLoop() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.Ready() {
				continue
			}
			if err := s.writeFrame(protocol.MsgPing, nil); err != nil {
				if !s.shuttingDown() {
					s.fault(fmt.Errorf("%w: keep-alive: %v", ErrIO, err))
				}
				return
			}
			s.lastPingAt.Store(time.Now().UnixNano())
		}
	}
}

func (s *Session) shuttingDown() bool {
	switch s.State() {
	case StateClosing, StateClosed:
		return true
	}
	return false
}

// fault reports one connection loss upward. Repeated faults from either
// loop collapse into a single notification; closing the socket here makes
// the sibling loop observe shutdown too.
func (s *Session) fault(err error) {
	if s.shuttingDown() {
		return
	}
	s.faultOnce.Do(func() {
		s.state.Store(int32(StateFaulted))
		observability.RecordSessionFault()
		s.logger.Warn().Err(err).Str("remote", s.remote).Msg("session faulted")
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if s.onFault != nil {
			go s.onFault(err)
		}
	})
}

// Close stops both loops and releases the socket. Idempotent; the join is
// time-bounded so a hung socket cannot block shutdown. Closed is terminal.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosing)))
		close(s.stop)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		if prev == StateReady || prev == StateFaulted {
			joined := make(chan struct{})
			go func() {
				s.loops.Wait()
				close(joined)
			}()
			select {
			case <-joined:
			case <-time.After(s.cfg.JoinTimeout):
				s.logger.Warn().Msg("session loops did not join before timeout")
			}
		}
		s.state.Store(int32(StateClosed))
		s.logger.Debug().Msg("session closed")
	})
	return nil
}
