package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/skobelin/duelbroker/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

// Switch owns the wire table keyed by connection ID. Which connections form
// a room is the registry's business; the switch only moves messages.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

func (sw *Switch) Connect(connID string, wire model.Wire) {
	sw.mx.Lock()
	sw.wires[connID] = wire
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("connID", connID).
		Msg("endpoint connected")
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	delete(sw.wires, connID)
	sw.mx.Unlock()
	sw.logger.Debug().
		Str("connID", connID).
		Msg("endpoint disconnected")
}

// Send forwards a message to one endpoint, giving up on dead ones after a
// timeout.
func (sw *Switch) Send(ctx context.Context, connID string, msg model.Message) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[connID]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("connID", connID).
		Str("type", msg.Type).Logger()
	if !ok {
		logger.Debug().Msg("cannot forward, endpoint not found")
		return false
	}

	var sent bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case wire.TX <- msg:
		logger.Debug().Msg("message forwarded")
		sent = true
	}
	tCh.Stop()
	return sent
}

// SendAll fans a message out to every listed endpoint.
func (sw *Switch) SendAll(ctx context.Context, connIDs []string, msg model.Message) {
	var sent bool
	for _, connID := range connIDs {
		if sw.Send(ctx, connID, msg) {
			sent = true
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if !sent && len(connIDs) > 0 {
		sw.logger.Debug().
			Str("type", msg.Type).
			Msg("broadcast did not reach anyone")
	}
}
