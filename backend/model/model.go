package model

import "encoding/json"

// Message types sent by server.
const (
	TypeRoomCreated = "room_created"
	TypeRoomJoined  = "room_joined"
	TypeRoomError   = "room_error"
	TypeRoomUpdate  = "room_update"
	TypeRoomState   = "room_state"
	TypeRoomClosed  = "room_closed"
	TypePeerJoined  = "peer_joined"
	TypePeerLeft    = "peer_left"
	TypeSignal      = "signal"
)

// Message types accepted from clients.
const (
	TypeCreateRoom      = "create_room"
	TypeJoinRoom        = "join_room"
	TypeLeaveRoom       = "leave_room"
	TypeGetRoomState    = "get_room_state"
	TypeDeclareIdentity = "declare_identity"
)

// Room error codes.
const (
	CodeNotFound = "not_found"
	CodeFull     = "full"
)

type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(typ string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: b}, nil
}

// Profile is the publicly shareable projection of a connection's identity.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar"`
	ConnID      string `json:"connId"`
}

// RoomView is a point-in-time copy of room state. Profiles are private
// copies, never shared references into connection state.
type RoomView struct {
	RoomID    string   `json:"roomId"`
	Host      *Profile `json:"host"`
	Guest     *Profile `json:"guest"`
	Removed   []string `json:"removedTargets"`
	CreatedAt int64    `json:"createdAt"`
}

// RoomReply acknowledges a room lifecycle command back to its caller.
type RoomReply struct {
	OK   bool   `json:"ok"`
	Code string `json:"code,omitempty"`
	Role string `json:"role,omitempty"`
	RoomView
}

type RoomRef struct {
	RoomID string `json:"roomId"`
}

type PeerJoined struct {
	RoomID  string   `json:"roomId"`
	GuestID string   `json:"guestId"`
	Guest   *Profile `json:"guest"`
}

// SignalEnvelope wraps a relayed payload with its origin. Data stays opaque.
type SignalEnvelope struct {
	RoomID string          `json:"roomId"`
	From   string          `json:"from"`
	Data   json.RawMessage `json:"data"`
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}
