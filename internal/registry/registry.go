// Package registry tracks live connections and the rooms they have joined.
// It is the only shared mutable structure on the server side.
package registry

import (
	"errors"
	"sort"
	"sync"

	"chatcore/internal/events"
	"chatcore/internal/log"
)

// ErrUnknownConn is returned by SendTo for a connection that is not registered.
var ErrUnknownConn = errors.New("unknown connection")

// Conn is the transport side of one connection. Send must not block; it
// reports false when the outbound buffer is full or already closed.
type Conn interface {
	ID() string
	Send(payload []byte) bool
	Close()
}

// Broadcaster lets non-realtime code paths push events into a room without
// holding a connection.
type Broadcaster interface {
	BroadcastToRoom(room string, evt events.Outbound) error
}

// Liveness is where a connection is in its lifecycle.
type Liveness string

const (
	Connected Liveness = "connected"
	// Closing connections were told to close and get no more frames or joins.
	Closing Liveness = "closing"
	Closed  Liveness = "closed"
)

type entry struct {
	conn  Conn
	state Liveness
	rooms map[string]struct{}
}

// Registry maps connections to rooms and rooms to connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]map[string]struct{}
}

var _ Broadcaster = (*Registry)(nil)

func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register records a live connection. Registering the same id twice keeps
// the existing memberships.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[conn.ID()]; ok {
		e.conn = conn
		return
	}
	r.conns[conn.ID()] = &entry{conn: conn, state: Connected, rooms: make(map[string]struct{})}
}

// Liveness reports the state of connID. Unknown ids are closed.
func (r *Registry) Liveness(connID string) Liveness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[connID]; ok {
		return e.state
	}
	return Closed
}

// Join adds connID to room. It returns false when the connection is no
// longer connected, so a join racing a disconnect leaves nothing behind.
func (r *Registry) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.state != Connected {
		return false
	}
	e.rooms[room] = struct{}{}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	return true
}

// Leave removes connID from room. The room is dropped once empty.
func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		delete(e.rooms, room)
	}
	r.removeMemberLocked(room, connID)
}

func (r *Registry) removeMemberLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// OnDisconnect marks the connection closed and forgets it along with every
// membership it held. It returns the rooms the connection was in, sorted.
func (r *Registry) OnDisconnect(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	e.state = Closed
	delete(r.conns, connID)
	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		r.removeMemberLocked(room, connID)
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Broadcast delivers evt to every member of room, sender included.
func (r *Registry) Broadcast(room string, evt events.Outbound) error {
	return r.deliver(room, "", evt)
}

// BroadcastExcept delivers evt to every member of room except one connection.
func (r *Registry) BroadcastExcept(room, exceptConnID string, evt events.Outbound) error {
	return r.deliver(room, exceptConnID, evt)
}

// BroadcastToRoom implements Broadcaster.
func (r *Registry) BroadcastToRoom(room string, evt events.Outbound) error {
	return r.Broadcast(room, evt)
}

// SendTo delivers evt to a single connection.
func (r *Registry) SendTo(connID string, evt events.Outbound) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	r.mu.RLock()
	e, ok := r.conns[connID]
	state := Closed
	if ok {
		state = e.state
	}
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownConn
	}
	if state != Connected {
		return nil
	}
	if !e.conn.Send(payload) {
		r.dropSlow([]Conn{e.conn})
	}
	return nil
}

func (r *Registry) deliver(room, except string, evt events.Outbound) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	var slow []Conn
	r.mu.RLock()
	for connID := range r.rooms[room] {
		if connID == except {
			continue
		}
		e, ok := r.conns[connID]
		if !ok || e.state != Connected {
			continue
		}
		if !e.conn.Send(payload) {
			slow = append(slow, e.conn)
		}
	}
	r.mu.RUnlock()
	r.dropSlow(slow)
	return nil
}

// dropSlow moves consumers that could not keep up to closing and closes
// them. The transport notices the close and calls OnDisconnect.
func (r *Registry) dropSlow(conns []Conn) {
	if len(conns) == 0 {
		return
	}
	var closing []Conn
	r.mu.Lock()
	for _, conn := range conns {
		if e, ok := r.conns[conn.ID()]; ok && e.state == Connected {
			e.state = Closing
			closing = append(closing, conn)
		}
	}
	r.mu.Unlock()
	for _, conn := range closing {
		log.L().Warn().Str(log.FieldConnID, conn.ID()).Msg("send buffer full, closing connection")
		conn.Close()
	}
}

func encode(evt events.Outbound) ([]byte, error) {
	payload, err := events.Encode(evt)
	if err != nil {
		log.L().Warn().Err(err).Str(log.FieldEvent, string(evt.EventName())).Msg("dropping invalid outbound event")
		return nil, err
	}
	return payload, nil
}

// Rooms lists the rooms connID has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Members lists the connection ids in room, sorted.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]string, 0, len(r.rooms[room]))
	for connID := range r.rooms[room] {
		members = append(members, connID)
	}
	sort.Strings(members)
	return members
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Exists reports whether room currently has members. Used by /exists.
func (r *Registry) Exists(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}
