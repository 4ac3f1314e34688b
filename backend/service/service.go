package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/skobelin/duelbroker/backend/auth"
	"github.com/skobelin/duelbroker/backend/model"
	"github.com/skobelin/duelbroker/backend/profile"
	"github.com/skobelin/duelbroker/backend/registry"
)

const (
	defaultAvatarLookupTimeout = 5 * time.Second

	// relayed payloads stay opaque except for this reserved event kind,
	// which feeds the room's removed-target ledger
	ledgerEventKind = "hit"
)

type (
	RoomRegistry interface {
		Bind(connID string, ident *auth.Identity, verified bool)
		Drop(connID string) registry.LeaveResult
		Identity(connID string) (*auth.Identity, bool)
		Binding(connID string) (string, string, bool)
		CreateRoom(connID string, prof *model.Profile) model.RoomView
		JoinRoom(connID, roomID string, prof *model.Profile) (model.RoomView, registry.LeaveResult, error)
		Leave(connID string) registry.LeaveResult
		Snapshot(roomID string) (model.RoomView, bool)
		Members(roomID string) []string
		RecordRemoved(roomID, targetID string) (model.RoomView, []string, bool)
		SetIdentity(connID string, ident *auth.Identity) bool
		SetProfile(connID string, prof *model.Profile) (model.RoomView, []string, bool)
		ApplyAvatar(roomID, role, profileID, avatarURL string) (model.RoomView, []string, bool)
	}

	Switch interface {
		Connect(connID string, wire model.Wire)
		Disconnect(connID string)
		Send(ctx context.Context, connID string, msg model.Message) bool
		SendAll(ctx context.Context, connIDs []string, msg model.Message)
	}

	Service struct {
		rooms   RoomRegistry
		sw      Switch
		avatars profile.AvatarLookup
		logger  zerolog.Logger
	}

	Config struct {
		Registry     RoomRegistry
		Switch       Switch
		AvatarLookup profile.AvatarLookup // optional
		Logger       *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		rooms:   cfg.Registry,
		sw:      cfg.Switch,
		avatars: cfg.AvatarLookup,
		logger:  cfg.Logger.With().Str("component", "broker").Logger(),
	}
}

// Connect registers a connection, attaches its wire and starts the command
// loop. Identity is nil for anonymous connections.
func (svc *Service) Connect(ctx context.Context, connID string, res *auth.Result, wire model.Wire) {
	var (
		ident    *auth.Identity
		verified bool
	)
	if res != nil {
		ident = res.Identity
		verified = true
	}
	svc.rooms.Bind(connID, ident, verified)
	svc.sw.Connect(connID, wire)
	svc.logger.Debug().
		Str("connID", connID).
		Bool("verified", verified).
		Msg("connection established")

	go svc.dispatch(ctx, connID, wire.RX)
}

// Disconnect applies the same cleanup as an explicit leave, then detaches
// the wire.
func (svc *Service) Disconnect(ctx context.Context, connID string) {
	res := svc.rooms.Drop(connID)
	svc.sw.Disconnect(connID)
	svc.notifyLeave(ctx, res)
	svc.logger.Debug().
		Str("connID", connID).
		Msg("connection dropped")
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-rx:
			if !ok {
				return
			}
			svc.handle(ctx, connID, msg)
		}
	}
}

func (svc *Service) handle(ctx context.Context, connID string, msg model.Message) {
	switch msg.Type {
	case model.TypeCreateRoom:
		svc.createRoom(ctx, connID)
	case model.TypeJoinRoom:
		svc.joinRoom(ctx, connID, msg.Payload)
	case model.TypeLeaveRoom:
		svc.notifyLeave(ctx, svc.rooms.Leave(connID))
	case model.TypeSignal:
		svc.relay(ctx, connID, msg.Payload)
	case model.TypeGetRoomState:
		svc.roomState(ctx, connID, msg.Payload)
	case model.TypeDeclareIdentity:
		svc.declareIdentity(ctx, connID, msg.Payload)
	default:
		svc.logger.Debug().
			Str("connID", connID).
			Str("type", msg.Type).
			Msg("unknown command dropped")
	}
}

func (svc *Service) createRoom(ctx context.Context, connID string) {
	if res := svc.rooms.Leave(connID); res.Left {
		svc.notifyLeave(ctx, res)
	}
	ident, _ := svc.rooms.Identity(connID)
	prof := profile.Build(ident, connID)
	view := svc.rooms.CreateRoom(connID, prof)
	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", view.RoomID).
		Msg("room created")

	svc.send(ctx, connID, model.TypeRoomCreated, model.RoomReply{
		OK:       true,
		Role:     registry.RoleHost,
		RoomView: view,
	})
	svc.sw.SendAll(ctx, svc.rooms.Members(view.RoomID), mustMessage(model.TypeRoomUpdate, view, &svc.logger))
	svc.enrich(view.RoomID, registry.RoleHost, prof)
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

func (svc *Service) joinRoom(ctx context.Context, connID string, raw json.RawMessage) {
	var p roomPayload
	_ = json.Unmarshal(raw, &p)
	if p.RoomID == "" {
		svc.roomError(ctx, connID, model.CodeNotFound, "")
		return
	}

	ident, _ := svc.rooms.Identity(connID)
	prof := profile.Build(ident, connID)
	view, prev, err := svc.rooms.JoinRoom(connID, p.RoomID, prof)
	switch {
	case err == nil:
	case errors.Is(err, registry.ErrRoomFull):
		svc.roomError(ctx, connID, model.CodeFull, p.RoomID)
		return
	default:
		svc.roomError(ctx, connID, model.CodeNotFound, p.RoomID)
		return
	}
	svc.notifyLeave(ctx, prev)
	_, role, _ := svc.rooms.Binding(connID)
	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", p.RoomID).
		Str("role", role).
		Msg("room joined")

	svc.send(ctx, connID, model.TypeRoomJoined, model.RoomReply{
		OK:       true,
		Role:     role,
		RoomView: view,
	})
	if role != registry.RoleGuest {
		// the room's own host re-joining changed nothing, no fan-out
		return
	}
	members := svc.rooms.Members(view.RoomID)
	svc.sw.SendAll(ctx, others(members, connID), mustMessage(model.TypePeerJoined, model.PeerJoined{
		RoomID:  view.RoomID,
		GuestID: connID,
		Guest:   view.Guest,
	}, &svc.logger))
	svc.sw.SendAll(ctx, members, mustMessage(model.TypeRoomUpdate, view, &svc.logger))
	svc.enrich(view.RoomID, role, prof)
}

func (svc *Service) notifyLeave(ctx context.Context, res registry.LeaveResult) {
	if !res.Left {
		return
	}
	ref := model.RoomRef{RoomID: res.RoomID}
	if res.Destroyed {
		// host departure is authoritative termination, the close notice
		// replaces the usual room update
		svc.sw.SendAll(ctx, res.Notify, mustMessage(model.TypeRoomClosed, ref, &svc.logger))
		svc.logger.Debug().Str("roomID", res.RoomID).Msg("room closed")
		return
	}
	svc.sw.SendAll(ctx, res.Notify, mustMessage(model.TypePeerLeft, ref, &svc.logger))
	svc.sw.SendAll(ctx, res.Notify, mustMessage(model.TypeRoomUpdate, res.View, &svc.logger))
}

type signalPayload struct {
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

type ledgerEvent struct {
	Kind     string `json:"kind"`
	TargetID string `json:"targetId"`
}

// relay forwards an opaque payload to the other members of the sender's
// room. Malformed payloads and unresolvable rooms are dropped silently,
// never errored back to the sender.
func (svc *Service) relay(ctx context.Context, connID string, raw json.RawMessage) {
	var p signalPayload
	_ = json.Unmarshal(raw, &p)
	roomID := p.RoomID
	if roomID == "" {
		roomID, _, _ = svc.rooms.Binding(connID)
	}
	if roomID == "" {
		return
	}
	members := svc.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}

	var updated model.RoomView
	var notify []string
	var recorded bool
	var ev ledgerEvent
	if len(p.Data) > 0 && json.Unmarshal(p.Data, &ev) == nil &&
		ev.Kind == ledgerEventKind && ev.TargetID != "" {
		updated, notify, recorded = svc.rooms.RecordRemoved(roomID, ev.TargetID)
	}

	msg := mustMessage(model.TypeSignal, model.SignalEnvelope{
		RoomID: roomID,
		From:   connID,
		Data:   p.Data,
	}, &svc.logger)
	svc.sw.SendAll(ctx, others(members, connID), msg)
	if recorded {
		svc.sw.SendAll(ctx, notify, mustMessage(model.TypeRoomUpdate, updated, &svc.logger))
	}
}

func (svc *Service) roomState(ctx context.Context, connID string, raw json.RawMessage) {
	var p roomPayload
	_ = json.Unmarshal(raw, &p)
	roomID := p.RoomID
	if roomID == "" {
		roomID, _, _ = svc.rooms.Binding(connID)
	}
	view, ok := svc.rooms.Snapshot(roomID)
	if !ok {
		view = model.RoomView{RoomID: roomID}
	}
	svc.send(ctx, connID, model.TypeRoomState, model.RoomReply{OK: ok, RoomView: view})
}

type identityPayload struct {
	User *auth.Identity `json:"user"`
}

func (svc *Service) declareIdentity(ctx context.Context, connID string, raw json.RawMessage) {
	var p identityPayload
	_ = json.Unmarshal(raw, &p)
	if !svc.rooms.SetIdentity(connID, p.User) {
		// verified identities are never overridden by client declarations
		return
	}
	prof := profile.Build(p.User, connID)
	view, members, ok := svc.rooms.SetProfile(connID, prof)
	if !ok {
		return
	}
	svc.sw.SendAll(ctx, members, mustMessage(model.TypeRoomUpdate, view, &svc.logger))
	roomID, role, _ := svc.rooms.Binding(connID)
	svc.enrich(roomID, role, prof)
}

// enrich resolves a missing avatar in the background. The result is applied
// only after re-validating that the slot still holds the same avatar-less
// profile; stale results are discarded.
func (svc *Service) enrich(roomID, role string, prof *model.Profile) {
	if svc.avatars == nil || prof == nil || prof.AvatarURL != "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultAvatarLookupTimeout)
		defer cancel()
		avatarURL, err := svc.avatars.Lookup(ctx, prof.ID)
		if err != nil || avatarURL == "" {
			svc.logger.Debug().
				Err(err).
				Str("profileID", prof.ID).
				Msg("avatar lookup yielded nothing")
			return
		}
		view, members, ok := svc.rooms.ApplyAvatar(roomID, role, prof.ID, avatarURL)
		if !ok {
			return
		}
		svc.sw.SendAll(ctx, members, mustMessage(model.TypeRoomUpdate, view, &svc.logger))
	}()
}

func (svc *Service) roomError(ctx context.Context, connID, code, roomID string) {
	svc.send(ctx, connID, model.TypeRoomError, model.RoomReply{
		Code:     code,
		RoomView: model.RoomView{RoomID: roomID},
	})
}

func (svc *Service) send(ctx context.Context, connID, typ string, payload any) {
	svc.sw.Send(ctx, connID, mustMessage(typ, payload, &svc.logger))
}

func others(members []string, connID string) []string {
	rest := make([]string, 0, len(members))
	for _, m := range members {
		if m != connID {
			rest = append(rest, m)
		}
	}
	return rest
}

func mustMessage(typ string, payload any, logger *zerolog.Logger) model.Message {
	msg, err := model.NewMessage(typ, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", typ).Msg("failed to marshall outgoing payload")
		return model.Message{Type: typ}
	}
	return msg
}
