package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/skobelin/duelbroker/backend/auth"
	"github.com/skobelin/duelbroker/backend/model"
)

// Member roles within a room.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

const roomTokenBytes = 3

var (
	ErrRoomNotFound = errors.New("room is not found")
	ErrRoomFull     = errors.New("room is full")
)

// room holds one two-party session. Profiles are private copies owned by
// the room.
type room struct {
	id           string
	createdAt    time.Time
	hostConn     string
	guestConn    string
	hostProfile  *model.Profile
	guestProfile *model.Profile
	removed      map[string]struct{} // monotonic, never shrinks
}

// binding is the per-connection record tying a connection to a room.
type binding struct {
	roomID   string
	role     string
	identity *auth.Identity
	verified bool
}

// Registry owns the room table and all connection bindings. A single mutex
// serializes every mutation, which satisfies the single-writer-per-room
// discipline. Nothing here performs I/O under the lock; mutating operations
// return the view and recipient list the caller needs for notifications.
type Registry struct {
	mx       sync.Mutex
	rooms    map[string]*room
	bindings map[string]*binding
}

func New() *Registry {
	return &Registry{
		rooms:    make(map[string]*room),
		bindings: make(map[string]*binding),
	}
}

// Bind registers a connection. Identity may be nil (anonymous); verified
// marks it as provider-verified rather than client-declared.
func (reg *Registry) Bind(connID string, ident *auth.Identity, verified bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	reg.bindings[connID] = &binding{identity: ident, verified: verified}
}

// Drop removes a connection, applying the same room cleanup as an explicit
// leave.
func (reg *Registry) Drop(connID string) LeaveResult {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	res := reg.leaveLocked(connID)
	delete(reg.bindings, connID)
	return res
}

// Identity reports the connection's identity and whether it was verified.
func (reg *Registry) Identity(connID string) (*auth.Identity, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	bnd, ok := reg.bindings[connID]
	if !ok {
		return nil, false
	}
	return bnd.identity, bnd.verified
}

// Binding reports the room and role a connection is bound to.
func (reg *Registry) Binding(connID string) (string, string, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	bnd, ok := reg.bindings[connID]
	if !ok {
		return "", "", false
	}
	return bnd.roomID, bnd.role, true
}

// CreateRoom allocates a fresh room with the connection as host. Always
// succeeds; a connection still bound elsewhere is detached first.
func (reg *Registry) CreateRoom(connID string, prof *model.Profile) model.RoomView {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	reg.leaveLocked(connID)
	r := &room{
		id:          reg.newRoomIDLocked(),
		createdAt:   time.Now(),
		hostConn:    connID,
		hostProfile: cloneProfile(prof),
		removed:     make(map[string]struct{}),
	}
	reg.rooms[r.id] = r

	bnd, ok := reg.bindings[connID]
	if !ok {
		bnd = &binding{}
		reg.bindings[connID] = bnd
	}
	bnd.roomID = r.id
	bnd.role = RoleHost
	return reg.viewLocked(r)
}

// JoinRoom binds the connection as the room's guest. Re-joining the same
// room from the same connection is idempotent; the host "joining" its own
// room leaves state untouched. A connection bound to another room is
// detached from it only after the target room is validated, so a failed
// join mutates nothing; the returned LeaveResult describes that detachment.
func (reg *Registry) JoinRoom(connID, roomID string, prof *model.Profile) (model.RoomView, LeaveResult, error) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return model.RoomView{}, LeaveResult{}, ErrRoomNotFound
	}
	if r.hostConn == connID {
		return reg.viewLocked(r), LeaveResult{}, nil
	}
	if r.guestConn != "" && r.guestConn != connID {
		return model.RoomView{}, LeaveResult{}, ErrRoomFull
	}

	var prev LeaveResult
	if bnd, ok := reg.bindings[connID]; ok && bnd.roomID != "" && bnd.roomID != roomID {
		prev = reg.leaveLocked(connID)
	}

	r.guestConn = connID
	r.guestProfile = cloneProfile(prof)

	bnd, ok := reg.bindings[connID]
	if !ok {
		bnd = &binding{}
		reg.bindings[connID] = bnd
	}
	bnd.roomID = roomID
	bnd.role = RoleGuest
	return reg.viewLocked(r), prev, nil
}

// LeaveResult describes what a leave did and who should hear about it.
type LeaveResult struct {
	Left      bool
	Destroyed bool
	RoomID    string
	Role      string
	Notify    []string
	View      model.RoomView // fresh view, valid when the room survived
}

// Leave detaches the connection from its room. Host departure destroys the
// room; guest departure only vacates the slot.
func (reg *Registry) Leave(connID string) LeaveResult {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	return reg.leaveLocked(connID)
}

func (reg *Registry) leaveLocked(connID string) LeaveResult {
	bnd, ok := reg.bindings[connID]
	if !ok || bnd.roomID == "" {
		return LeaveResult{}
	}
	res := LeaveResult{RoomID: bnd.roomID, Role: bnd.role}
	r, ok := reg.rooms[bnd.roomID]
	bnd.roomID = ""
	bnd.role = ""
	if !ok {
		return res
	}

	res.Left = true
	switch connID {
	case r.hostConn:
		delete(reg.rooms, r.id)
		res.Destroyed = true
		if r.guestConn != "" {
			res.Notify = []string{r.guestConn}
		}
	case r.guestConn:
		r.guestConn = ""
		r.guestProfile = nil
		res.Notify = []string{r.hostConn}
		res.View = reg.viewLocked(r)
	default:
		res.Left = false
	}
	return res
}

// Snapshot is a read-only projection of a room.
func (reg *Registry) Snapshot(roomID string) (model.RoomView, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return model.RoomView{}, false
	}
	return reg.viewLocked(r), true
}

// Members lists the connections currently bound to a room.
func (reg *Registry) Members(roomID string) []string {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}
	return r.membersLocked()
}

// RecordRemoved idempotently adds a target to the room's removed set.
// Reports false when the room is absent or the target was already recorded.
func (reg *Registry) RecordRemoved(roomID, targetID string) (model.RoomView, []string, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return model.RoomView{}, nil, false
	}
	if _, ok = r.removed[targetID]; ok {
		return model.RoomView{}, nil, false
	}
	r.removed[targetID] = struct{}{}
	return reg.viewLocked(r), r.membersLocked(), true
}

// SetIdentity stores a client-declared identity. Ignored when the
// connection already carries a verified one.
func (reg *Registry) SetIdentity(connID string, ident *auth.Identity) bool {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	bnd, ok := reg.bindings[connID]
	if !ok || bnd.verified {
		return false
	}
	bnd.identity = ident
	return true
}

// SetProfile replaces the profile in the connection's room slot.
func (reg *Registry) SetProfile(connID string, prof *model.Profile) (model.RoomView, []string, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	bnd, ok := reg.bindings[connID]
	if !ok || bnd.roomID == "" {
		return model.RoomView{}, nil, false
	}
	r, ok := reg.rooms[bnd.roomID]
	if !ok {
		return model.RoomView{}, nil, false
	}
	switch bnd.role {
	case RoleHost:
		r.hostProfile = cloneProfile(prof)
	case RoleGuest:
		r.guestProfile = cloneProfile(prof)
	default:
		return model.RoomView{}, nil, false
	}
	return reg.viewLocked(r), r.membersLocked(), true
}

// ApplyAvatar commits an asynchronously resolved avatar. The result is
// discarded unless the room still exists and the role slot still holds the
// same profile with no avatar.
func (reg *Registry) ApplyAvatar(roomID, role, profileID, avatarURL string) (model.RoomView, []string, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return model.RoomView{}, nil, false
	}
	var prof *model.Profile
	switch role {
	case RoleHost:
		prof = r.hostProfile
	case RoleGuest:
		prof = r.guestProfile
	}
	if prof == nil || prof.ID != profileID || prof.AvatarURL != "" {
		return model.RoomView{}, nil, false
	}
	prof.AvatarURL = avatarURL
	return reg.viewLocked(r), r.membersLocked(), true
}

// newRoomIDLocked draws short random tokens until one misses the live set.
func (reg *Registry) newRoomIDLocked() string {
	for {
		b := make([]byte, roomTokenBytes)
		_, _ = rand.Read(b)
		id := hex.EncodeToString(b)
		if _, ok := reg.rooms[id]; !ok {
			return id
		}
	}
}

func (reg *Registry) viewLocked(r *room) model.RoomView {
	removed := make([]string, 0, len(r.removed))
	for t := range r.removed {
		removed = append(removed, t)
	}
	sort.Strings(removed)
	return model.RoomView{
		RoomID:    r.id,
		Host:      cloneProfile(r.hostProfile),
		Guest:     cloneProfile(r.guestProfile),
		Removed:   removed,
		CreatedAt: r.createdAt.UnixMilli(),
	}
}

func (r *room) membersLocked() []string {
	members := make([]string, 0, 2)
	if r.hostConn != "" {
		members = append(members, r.hostConn)
	}
	if r.guestConn != "" {
		members = append(members, r.guestConn)
	}
	return members
}

func cloneProfile(p *model.Profile) *model.Profile {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
