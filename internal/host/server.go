// Package host serves the peer side of the RemBraille protocol: it
// accepts client connections, answers handshake, capability and ping
// traffic, hands display payloads to a pluggable sink, and can inject
// key events into every connected client.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rembraille/rembraille/internal/braille"
	"github.com/rembraille/rembraille/internal/observability"
	"github.com/rembraille/rembraille/internal/protocol"
	"github.com/rembraille/rembraille/internal/protocol/frame"
)

const metricsRole = "host"

type Config struct {
	ListenAddr  string
	CellCount   uint16
	ServerID    string
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  fmt.Sprintf(":%d", protocol.DefaultPort),
		CellCount:   40,
		ServerID:    "RemBraille_Go_Host",
		ReadTimeout: 30 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.CellCount == 0 {
		c.CellCount = def.CellCount
	}
	if c.ServerID == "" {
		c.ServerID = def.ServerID
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	return c
}

// DisplaySink receives each decoded display payload. Called from the
// connection handler goroutine.
type DisplaySink interface {
	DisplayCells(cells []byte)
}

// clientConn is one accepted client. Writes from the handler and from
// InjectKeyEvent serialize through writeMu.
type clientConn struct {
	conn        net.Conn
	remote      string
	clientID    string
	connectedAt time.Time
	writeMu     sync.Mutex
}

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	StartedAt      time.Time `json:"started_at"`
	Uptime         string    `json:"uptime"`
	ActiveClients  int       `json:"active_clients"`
	Connections    uint64    `json:"connections_total"`
	FramesReceived uint64    `json:"frames_received"`
	CellsDisplayed uint64    `json:"cells_displayed"`
	KeyEventsSent  uint64    `json:"key_events_sent"`
}

type Server struct {
	cfg     Config
	sink    DisplaySink
	logger  zerolog.Logger
	started time.Time

	mu      sync.Mutex
	clients map[*clientConn]struct{}

	connections    atomic.Uint64
	framesReceived atomic.Uint64
	cellsDisplayed atomic.Uint64
	keyEventsSent  atomic.Uint64
}

func NewServer(cfg Config, sink DisplaySink) *Server {
	return &Server{
		cfg:     cfg.WithDefaults(),
		sink:    sink,
		logger:  log.With().Str("component", "host").Logger(),
		started: time.Now(),
		clients: make(map[*clientConn]struct{}),
	}
}

func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.ListenAddr)
}

// Serve runs the accept loop on an existing listener until ctx is done or
// the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-ctx.Done():
			s.closeAllClients()
			_ = ln.Close()
		case <-served:
			// Serve returned on its own; the watcher must not outlive it
			// and tear down clients of a later listener.
		}
	}()

	s.logger.Info().
		Str("listen", ln.Addr().String()).
		Uint16("cells", s.cfg.CellCount).
		Msg("host server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	cc := &clientConn{
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}
	s.trackClient(cc)
	s.connections.Add(1)
	observability.RecordHostConnect()
	s.logger.Info().Str("remote", cc.remote).Msg("client connected")

	defer func() {
		_ = conn.Close()
		s.untrackClient(cc)
		observability.RecordHostDisconnect()
		s.logger.Info().
			Str("remote", cc.remote).
			Dur("connected_for", time.Since(cc.connectedAt)).
			Msg("client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		fr, err := frame.Read(reader)
		if errors.Is(err, frame.ErrVersionMismatch) {
			s.logger.Warn().Str("remote", cc.remote).Msg("unsupported protocol version")
			_ = s.writeTo(cc, protocol.MsgError, []byte("unsupported protocol version"))
			return
		}
		if err != nil {
			return
		}
		s.framesReceived.Add(1)
		observability.RecordFrameReceived(metricsRole, fr.Type.String())
		if !s.handleFrame(cc, fr) {
			return
		}
	}
}

// handleFrame services one inbound frame; false tears the connection down.
func (s *Server) handleFrame(cc *clientConn, fr frame.Frame) bool {
	switch fr.Type {
	case protocol.MsgHandshake:
		cc.clientID = string(fr.Payload)
		s.logger.Info().
			Str("remote", cc.remote).
			Str("client_id", cc.clientID).
			Msg("handshake")
		return s.replyTo(cc, protocol.MsgHandshakeAck, []byte(s.cfg.ServerID))

	case protocol.MsgCellCountRequest:
		return s.replyTo(cc, protocol.MsgCellCountReply, protocol.EncodeCellCount(s.cfg.CellCount))

	case protocol.MsgDisplayCells:
		s.cellsDisplayed.Add(uint64(len(fr.Payload)))
		observability.RecordCellsDisplayed(len(fr.Payload))
		s.logger.Debug().
			Str("remote", cc.remote).
			Int("cells", len(fr.Payload)).
			Str("ascii", braille.CellsToASCII(fr.Payload)).
			Msg("display payload")
		if s.sink != nil {
			s.sink.DisplayCells(fr.Payload)
		}
		return true

	case protocol.MsgPing:
		return s.replyTo(cc, protocol.MsgPong, nil)

	case protocol.MsgKeyEvent:
		// Clients normally receive these, not send them; log for parity
		// with test tooling.
		if ev, err := protocol.DecodeKeyEvent(fr.Payload); err == nil {
			s.logger.Info().
				Uint16("key_id", ev.KeyID).
				Bool("pressed", ev.Pressed).
				Msg("key event from client")
		}
		return true

	case protocol.MsgError:
		s.logger.Error().
			Str("remote", cc.remote).
			Str("peer_error", string(fr.Payload)).
			Msg("client reported error")
		return true

	default:
		s.logger.Warn().
			Str("remote", cc.remote).
			Str("type", fr.Type.String()).
			Msg("ignoring unexpected message type")
		return true
	}
}

func (s *Server) replyTo(cc *clientConn, msgType protocol.MessageType, payload []byte) bool {
	if err := s.writeTo(cc, msgType, payload); err != nil {
		s.logger.Warn().Err(err).Str("remote", cc.remote).Msg("reply failed")
		return false
	}
	return true
}

func (s *Server) writeTo(cc *clientConn, msgType protocol.MessageType, payload []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := frame.Write(cc.conn, msgType, payload); err != nil {
		return err
	}
	observability.RecordFrameSent(metricsRole, msgType.String())
	return nil
}

// InjectKeyEvent sends one key event to every connected client and
// returns how many clients it reached.
func (s *Server) InjectKeyEvent(keyID uint16, pressed bool) int {
	payload := protocol.EncodeKeyEvent(protocol.KeyEvent{KeyID: keyID, Pressed: pressed})

	s.mu.Lock()
	targets := make([]*clientConn, 0, len(s.clients))
	for cc := range s.clients {
		targets = append(targets, cc)
	}
	s.mu.Unlock()

	reached := 0
	for _, cc := range targets {
		if err := s.writeTo(cc, protocol.MsgKeyEvent, payload); err != nil {
			s.logger.Warn().Err(err).Str("remote", cc.remote).Msg("key event delivery failed")
			continue
		}
		reached++
	}
	s.keyEventsSent.Add(uint64(reached))
	return reached
}

func (s *Server) Snapshot() Stats {
	s.mu.Lock()
	active := len(s.clients)
	s.mu.Unlock()
	return Stats{
		StartedAt:      s.started,
		Uptime:         time.Since(s.started).Truncate(time.Second).String(),
		ActiveClients:  active,
		Connections:    s.connections.Load(),
		FramesReceived: s.framesReceived.Load(),
		CellsDisplayed: s.cellsDisplayed.Load(),
		KeyEventsSent:  s.keyEventsSent.Load(),
	}
}

func (s *Server) trackClient(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[cc] = struct{}{}
}

func (s *Server) untrackClient(cc *clientConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, cc)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cc := range s.clients {
		_ = cc.conn.Close()
	}
}
