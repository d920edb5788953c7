package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rembraille/rembraille/internal/dispatch"
	"github.com/rembraille/rembraille/internal/protocol"
	"github.com/rembraille/rembraille/internal/protocol/frame"
	"github.com/rembraille/rembraille/internal/testutil/testlog"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.NegotiateTimeout = 500 * time.Millisecond
	cfg.ReadTimeout = 40 * time.Millisecond
	cfg.WriteTimeout = 200 * time.Millisecond
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.JoinTimeout = 500 * time.Millisecond
	return cfg
}

// startPeer accepts one connection and runs script over it.
func startPeer(t *testing.T, script func(conn net.Conn, r *bufio.Reader) error) (string, uint16, chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- script(conn, bufio.NewReader(conn))
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port), done
}

// peerNegotiate plays the well-behaved peer side of handshake and
// capability negotiation.
func peerNegotiate(conn net.Conn, r *bufio.Reader, cells uint16) error {
	fr, err := frame.Read(r)
	if err != nil {
		return err
	}
	if fr.Type != protocol.MsgHandshake {
		return errors.New("expected handshake first")
	}
	if err := frame.Write(conn, protocol.MsgHandshakeAck, []byte("test-peer")); err != nil {
		return err
	}
	fr, err = frame.Read(r)
	if err != nil {
		return err
	}
	if fr.Type != protocol.MsgCellCountRequest {
		return errors.New("expected cellcount request after handshake ack")
	}
	return frame.Write(conn, protocol.MsgCellCountReply, protocol.EncodeCellCount(cells))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionOpenNegotiatesCapability(t *testing.T) {
	testlog.Start(t)

	gotDisplay := make(chan []byte, 1)
	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 40); err != nil {
			return err
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			fr, err := frame.Read(r)
			if err != nil {
				return err
			}
			if fr.Type == protocol.MsgDisplayCells {
				gotDisplay <- fr.Payload
				return nil
			}
		}
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !s.Ready() {
		t.Fatalf("state=%v want ready", s.State())
	}
	if s.Capability() != 40 {
		t.Fatalf("capability=%d want 40", s.Capability())
	}

	cells := bytes.Repeat([]byte{0x2A}, 40)
	if err := s.SendDisplayCells(cells); err != nil {
		t.Fatalf("send display cells: %v", err)
	}

	select {
	case got := <-gotDisplay:
		if !bytes.Equal(got, cells) {
			t.Fatalf("peer observed wrong payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed display payload")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("peer exit: %v", err)
	}
}

func TestSessionHandshakeWrongMessageType(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if _, err := frame.Read(r); err != nil {
			return err
		}
		// Anything but handshake.ack fails the open.
		return frame.Write(conn, protocol.MsgPong, nil)
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	err := s.Open(context.Background(), address, port)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("expected ErrHandshakeFailed, got %v", err)
	}
	if s.State() != StateFaulted {
		t.Fatalf("state=%v want faulted", s.State())
	}
	<-done
}

func TestSessionCapabilityMalformedPayload(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if _, err := frame.Read(r); err != nil {
			return err
		}
		if err := frame.Write(conn, protocol.MsgHandshakeAck, nil); err != nil {
			return err
		}
		if _, err := frame.Read(r); err != nil {
			return err
		}
		return frame.Write(conn, protocol.MsgCellCountReply, []byte{0x28})
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	err := s.Open(context.Background(), address, port)
	if !errors.Is(err, ErrCapabilityFailed) {
		t.Fatalf("expected ErrCapabilityFailed, got %v", err)
	}
	<-done
}

func TestSessionConnectRefused(t *testing.T) {
	testlog.Start(t)

	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), "127.0.0.1", port); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestSessionSendFailsFastWhenNotReady(t *testing.T) {
	testlog.Start(t)
	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.SendDisplayCells([]byte{1, 2, 3}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSessionOversizedPayloadNeverTouchesSocket(t *testing.T) {
	testlog.Start(t)

	framesSeen := new(atomic.Int32)
	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 40); err != nil {
			return err
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
			fr, err := frame.Read(r)
			if err != nil {
				return nil
			}
			if fr.Type == protocol.MsgDisplayCells {
				framesSeen.Add(1)
			}
		}
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.SendDisplayCells(make([]byte, frame.MaxPayload+1)); !errors.Is(err, frame.ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if !s.Ready() {
		t.Fatalf("oversized payload must not tear the session down")
	}

	<-done
	if framesSeen.Load() != 0 {
		t.Fatalf("peer observed %d display frames, want 0", framesSeen.Load())
	}
}

func TestSessionFaultOnPeerClose(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 40); err != nil {
			return err
		}
		// Close immediately after negotiation: the client should see a
		// zero-length read and fault.
		return nil
	})

	faults := new(atomic.Int32)
	faultErr := make(chan error, 4)
	s := NewSession(testConfig(), dispatch.New(), func(err error) {
		faults.Add(1)
		faultErr <- err
	})
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	<-done

	select {
	case err := <-faultErr:
		if !errors.Is(err, ErrIO) {
			t.Fatalf("fault error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fault never reported")
	}

	// Give a second notification time to appear if the once guard leaks.
	time.Sleep(150 * time.Millisecond)
	if n := faults.Load(); n != 1 {
		t.Fatalf("fault notifications=%d want exactly 1", n)
	}
	if s.State() != StateFaulted {
		t.Fatalf("state=%v want faulted", s.State())
	}
	_ = s.Close()
}

func TestSessionKeepAlivePings(t *testing.T) {
	testlog.Start(t)

	pings := new(atomic.Int32)
	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 20); err != nil {
			return err
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			fr, err := frame.Read(r)
			if err != nil {
				return nil
			}
			if fr.Type == protocol.MsgPing {
				pings.Add(1)
				if err := frame.Write(conn, protocol.MsgPong, nil); err != nil {
					return err
				}
			}
		}
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return pings.Load() >= 2 }, "two keep-alive pings")
	waitFor(t, time.Second, func() bool { return !s.LastKeepAlive().IsZero() }, "ping timestamp")
	if !s.Ready() {
		t.Fatalf("pong handling must keep the session ready")
	}

	_ = s.Close()
	<-done
}

func TestSessionKeyEventsReachDispatcher(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 20); err != nil {
			return err
		}
		payload := protocol.EncodeKeyEvent(protocol.KeyEvent{KeyID: 7, Pressed: true})
		if err := frame.Write(conn, protocol.MsgKeyEvent, payload); err != nil {
			return err
		}
		// Hold the socket open until the client is done.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = frame.Read(r)
		return nil
	})

	type keyEvt struct {
		id      uint16
		pressed bool
	}
	events := make(chan keyEvt, 1)
	d := dispatch.New()
	d.SetKeyHandler(func(keyID uint16, pressed bool) {
		events <- keyEvt{id: keyID, pressed: pressed}
	})

	s := NewSession(testConfig(), d, nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case ev := <-events:
		if ev.id != 7 || !ev.pressed {
			t.Fatalf("unexpected key event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("key event never dispatched")
	}

	_ = s.Close()
	<-done
}

func TestSessionSendKeyEvent(t *testing.T) {
	testlog.Start(t)

	got := make(chan frame.Frame, 1)
	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 20); err != nil {
			return err
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			fr, err := frame.Read(r)
			if err != nil {
				return err
			}
			if fr.Type == protocol.MsgKeyEvent {
				got <- fr
				return nil
			}
		}
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.SendKeyEvent(12, false); err != nil {
		t.Fatalf("send key event: %v", err)
	}

	select {
	case fr := <-got:
		ev, err := protocol.DecodeKeyEvent(fr.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.KeyID != 12 || ev.Pressed {
			t.Fatalf("unexpected key event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer never observed key event")
	}

	_ = s.Close()
	<-done

	if err := s.SendKeyEvent(1, true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 20); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = frame.Read(r)
		return nil
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state=%v want closed", s.State())
	}
	if err := s.SendDisplayCells([]byte{0}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}
	<-done
}

func TestSessionOpenTwiceRejected(t *testing.T) {
	testlog.Start(t)

	address, port, done := startPeer(t, func(conn net.Conn, r *bufio.Reader) error {
		if err := peerNegotiate(conn, r, 20); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = frame.Read(r)
		return nil
	})

	s := NewSession(testConfig(), dispatch.New(), nil)
	if err := s.Open(context.Background(), address, port); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Open(context.Background(), address, port); !errors.Is(err, ErrAlreadyOpened) {
		t.Fatalf("expected ErrAlreadyOpened, got %v", err)
	}
	_ = s.Close()
	<-done
}
