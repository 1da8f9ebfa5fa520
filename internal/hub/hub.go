// Package hub is the connection registry and room broker for the battle
// subsystem. It owns connection↔room membership and nothing else: rooms are
// pure broadcast scopes, the hub never inspects payloads.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

// RoomLimit caps room membership. Battle and lobby rooms hold two players.
const RoomLimit = 2

// Conn is the subset of a live connection the hub needs. Enqueue must not
// block; it reports false when the message was dropped (closed or slow peer).
type Conn interface {
	ID() string
	Enqueue(env battledto.Envelope) bool
}

var (
	ErrNotRegistered = errf("connection not registered")
	ErrRoomFull      = errf("room already has two members")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

type Hub struct {
	mu      sync.RWMutex
	conns   map[string]Conn
	rooms   map[string]map[string]struct{} // room → conn ids
	joined  map[string]map[string]struct{} // conn id → rooms
	onClose map[string][]func()
}

func New() *Hub {
	return &Hub{
		conns:   make(map[string]Conn),
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
		onClose: make(map[string][]func()),
	}
}

// Register adds a live connection to the registry.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// OnClose registers a cleanup hook run when connID is unregistered.
// The matchmaker uses this to drop its queue entry on disconnect.
func (h *Hub) OnClose(connID string, fn func()) {
	h.mu.Lock()
	h.onClose[connID] = append(h.onClose[connID], fn)
	h.mu.Unlock()
}

// Unregister removes the connection from every room and runs its close hooks
// synchronously, so queue cleanup happens before the call returns.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	for room := range h.joined[connID] {
		h.leaveLocked(connID, room)
	}
	delete(h.joined, connID)
	delete(h.conns, connID)
	hooks := h.onClose[connID]
	delete(h.onClose, connID)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Join adds the connection to a room. Joining a room twice is a no-op.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[connID]; !ok {
		return ErrNotRegistered
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	if _, already := members[connID]; already {
		return nil
	}
	if len(members) >= RoomLimit {
		return ErrRoomFull
	}
	members[connID] = struct{}{}
	if h.joined[connID] == nil {
		h.joined[connID] = make(map[string]struct{})
	}
	h.joined[connID][room] = struct{}{}
	return nil
}

// Leave removes the connection from a room. Unknown memberships are no-ops.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	h.leaveLocked(connID, room)
	if set := h.joined[connID]; set != nil {
		delete(set, room)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(connID, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// SendTo delivers one envelope to a single connection. Sending to a connection
// that is gone is a silent no-op: upper layers treat dead peers as "stopped
// responding", not as failures.
func (h *Hub) SendTo(connID string, env battledto.Envelope) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !c.Enqueue(env) {
		obslog.L().Warn("hub_send_drop", zap.String("conn_id", connID), zap.String("event", env.Event))
	}
}

// Broadcast delivers an envelope to every member of a room. With includeSender
// false (the default for relay events) the originating connection is skipped,
// so a participant never receives an echo of its own action.
func (h *Hub) Broadcast(room string, env battledto.Envelope, senderID string, includeSender bool) {
	h.mu.RLock()
	var targets []Conn
	for id := range h.rooms[room] {
		if id == senderID && !includeSender {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.Enqueue(env) {
			obslog.L().Warn("hub_broadcast_drop", zap.String("conn_id", c.ID()), zap.String("room", room), zap.String("event", env.Event))
		}
	}
}

// Members returns the current member ids of a room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	return out
}
