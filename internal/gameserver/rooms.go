// Package gameserver implements the realtime join protocol: it admits
// authenticated connections into game sessions, announces roster changes,
// and fans out game status broadcasts.
package gameserver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/game/session"
)

// Rooms is the broadcast fan-out for connected transports, grouped by game
// id. Membership is keyed by connection id, so a player that reconnects
// occupies a fresh slot and a rejected duplicate can be removed without
// touching the survivor. All methods are safe for concurrent use.
type Rooms struct {
	mu     sync.Mutex
	rooms  map[string]map[string]session.Transport
	logger *zap.Logger
}

// NewRooms creates an empty room fan-out.
//
// Precondition: logger must be non-nil.
func NewRooms(logger *zap.Logger) *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[string]session.Transport),
		logger: logger,
	}
}

// Join adds a transport to the given room.
//
// Precondition: t must be non-nil.
func (r *Rooms) Join(room string, t session.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]session.Transport)
		r.rooms[room] = members
	}
	members[t.ID()] = t
}

// Leave removes a transport from the given room. No-op if the transport is
// not a member. The room itself is dropped once empty.
func (r *Rooms) Leave(room, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, transportID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Broadcast emits an event to every transport in the room. Emit failures are
// logged and do not stop delivery to the remaining members.
func (r *Rooms) Broadcast(room, event string, data any) {
	r.emit(room, "", event, data)
}

// BroadcastExcept emits an event to every transport in the room except the
// one with the given id.
func (r *Rooms) BroadcastExcept(room, exceptID, event string, data any) {
	r.emit(room, exceptID, event, data)
}

func (r *Rooms) emit(room, exceptID, event string, data any) {
	r.mu.Lock()
	targets := make([]session.Transport, 0, len(r.rooms[room]))
	for id, t := range r.rooms[room] {
		if id == exceptID {
			continue
		}
		targets = append(targets, t)
	}
	r.mu.Unlock()

	for _, t := range targets {
		if err := t.Emit(event, data); err != nil {
			r.logger.Debug("broadcast delivery failed",
				zap.String("room", room),
				zap.String("transport_id", t.ID()),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
}

// MemberCount returns the number of transports in the room.
func (r *Rooms) MemberCount(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// StatusBroadcaster returns a hook factory that publishes game status
// snapshots to every connection in the game's room.
func StatusBroadcaster(rooms *Rooms) session.HookFactory {
	return func(gameID string) session.StatusHook {
		return func(st session.Status) {
			rooms.Broadcast(gameID, "gameStatus", st)
		}
	}
}
