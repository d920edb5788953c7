// Package dispatch routes decoded inbound frames to the registered
// handlers. Handlers run synchronously on the session's receive loop and
// must not block.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rembraille/rembraille/internal/protocol"
	"github.com/rembraille/rembraille/internal/protocol/frame"
)

// KeyEventFunc receives one key press or release from the peer display.
type KeyEventFunc func(keyID uint16, pressed bool)

// Dispatcher holds the registered key-event callback and absorbs the
// non-callback message types (pong, peer error, unknown).
type Dispatcher struct {
	mu     sync.RWMutex
	onKey  KeyEventFunc
	logger zerolog.Logger
}

func New() *Dispatcher {
	return &Dispatcher{logger: log.Logger}
}

// SetKeyHandler registers the single key-event callback. A nil fn drops
// key events on the floor.
func (d *Dispatcher) SetKeyHandler(fn KeyEventFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onKey = fn
}

// Dispatch routes one decoded frame. Called from the receive loop.
func (d *Dispatcher) Dispatch(fr frame.Frame) {
	switch fr.Type {
	case protocol.MsgKeyEvent:
		ev, err := protocol.DecodeKeyEvent(fr.Payload)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dispatch: dropped malformed key event")
			return
		}
		d.mu.RLock()
		fn := d.onKey
		d.mu.RUnlock()
		if fn != nil {
			fn(ev.KeyID, ev.Pressed)
		}

	case protocol.MsgPong:
		// Liveness signal only; the session records receipt before
		// dispatching.

	case protocol.MsgError:
		d.logger.Error().Str("peer_error", string(fr.Payload)).Msg("dispatch: peer reported error")

	default:
		d.logger.Warn().
			Str("type", fr.Type.String()).
			Int("payload_len", len(fr.Payload)).
			Msg("dispatch: ignoring unexpected message type")
	}
}
