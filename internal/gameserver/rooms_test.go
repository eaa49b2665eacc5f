package gameserver

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// fakeConn records emitted events and satisfies the protocol's Conn.
type fakeConn struct {
	id string

	mu      sync.Mutex
	events  []fakeEvent
	closed  bool
	emitErr error

	// closeOnEvent flips the connection to closed as soon as the named
	// event is recorded, modeling a peer that drops mid-sequence.
	closeOnEvent string
}

type fakeEvent struct {
	event string
	data  any
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitErr != nil {
		return c.emitErr
	}
	c.events = append(c.events, fakeEvent{event: event, data: data})
	if c.closeOnEvent != "" && event == c.closeOnEvent {
		c.closed = true
	}
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// received returns the recorded events with the given name.
func (c *fakeConn) received(event string) []fakeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeEvent
	for _, e := range c.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func TestRooms_BroadcastReachesAllMembers(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	a := newFakeConn("a")
	b := newFakeConn("b")
	rooms.Join("g1", a)
	rooms.Join("g1", b)

	rooms.Broadcast("g1", "gameStatus", "payload")

	require.Len(t, a.received("gameStatus"), 1)
	require.Len(t, b.received("gameStatus"), 1)
}

func TestRooms_BroadcastExceptSkipsSender(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	a := newFakeConn("a")
	b := newFakeConn("b")
	rooms.Join("g1", a)
	rooms.Join("g1", b)

	rooms.BroadcastExcept("g1", "a", "playerConnected", nil)

	assert.Empty(t, a.received("playerConnected"))
	require.Len(t, b.received("playerConnected"), 1)
}

func TestRooms_BroadcastIsScopedToRoom(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	a := newFakeConn("a")
	b := newFakeConn("b")
	rooms.Join("g1", a)
	rooms.Join("g2", b)

	rooms.Broadcast("g1", "gameStatus", nil)

	require.Len(t, a.received("gameStatus"), 1)
	assert.Empty(t, b.received("gameStatus"))
}

func TestRooms_LeaveStopsDelivery(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	a := newFakeConn("a")
	rooms.Join("g1", a)
	rooms.Leave("g1", "a")

	rooms.Broadcast("g1", "gameStatus", nil)

	assert.Empty(t, a.received("gameStatus"))
	assert.Zero(t, rooms.MemberCount("g1"))
}

func TestRooms_LeaveUnknownMemberIsNoop(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	rooms.Leave("g1", "ghost")
	assert.Zero(t, rooms.MemberCount("g1"))
}

func TestRooms_FailedEmitDoesNotStopBroadcast(t *testing.T) {
	rooms := NewRooms(zap.NewNop())
	broken := newFakeConn("broken")
	broken.emitErr = errors.New("socket gone")
	ok := newFakeConn("ok")
	rooms.Join("g1", broken)
	rooms.Join("g1", ok)

	rooms.Broadcast("g1", "gameStatus", nil)

	require.Len(t, ok.received("gameStatus"), 1)
}

func TestRooms_MembershipProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rooms := NewRooms(zap.NewNop())
		joined := make(map[string]bool)

		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			id := rapid.StringMatching(`c[0-9]{1,3}`).Draw(t, "id")
			if rapid.Bool().Draw(t, "join") {
				rooms.Join("g1", newFakeConn(id))
				joined[id] = true
			} else {
				rooms.Leave("g1", id)
				delete(joined, id)
			}
		}

		assert.Equal(t, len(joined), rooms.MemberCount("g1"))
	})
}
