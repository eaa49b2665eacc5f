package gameserver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/game/geo"
	"github.com/congregate-gg/backend/internal/game/matchmaking"
	"github.com/congregate-gg/backend/internal/game/session"
	"github.com/congregate-gg/backend/internal/storage/postgres"
)

// fakeStore records persisted game records.
type fakeStore struct {
	mu      sync.Mutex
	created []postgres.GameRecord
}

func (s *fakeStore) Create(_ context.Context, gameID, city string) (postgres.GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := postgres.GameRecord{GameID: gameID, City: city}
	s.created = append(s.created, rec)
	return rec, nil
}

func (s *fakeStore) records() []postgres.GameRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]postgres.GameRecord(nil), s.created...)
}

type protocolFixture struct {
	protocol *Protocol
	registry *session.Registry
	rooms    *Rooms
	queue    *matchmaking.Queue
	store    *fakeStore
}

func newProtocolFixture(t *testing.T, policy matchmaking.Policy) *protocolFixture {
	t.Helper()

	logger := zap.NewNop()
	rooms := NewRooms(logger)
	registry := session.NewRegistry(nil, StatusBroadcaster(rooms), logger)
	queue := matchmaking.NewQueue(policy, logger)
	t.Cleanup(queue.Close)

	catalog, err := geo.NewCatalog([]geo.City{
		{Name: "Portland", Lat: 45.5152, Long: -122.6784},
	})
	require.NoError(t, err)

	store := &fakeStore{}
	protocol := NewProtocol(registry, rooms, queue, catalog, 5000, store, logger)
	return &protocolFixture{
		protocol: protocol,
		registry: registry,
		rooms:    rooms,
		queue:    queue,
		store:    store,
	}
}

func identity(name string) auth.Identity {
	return auth.Identity{Name: name, SubjectID: name + "@example.com"}
}

func TestProtocol_FirstJoinSeedsPositionOnce(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	conn := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), conn, identity("david"), "g1"))

	require.Len(t, conn.received("initialPosition"), 1)

	game, ok := fx.registry.Get("g1")
	require.True(t, ok)
	player, ok := game.Player("david@example.com")
	require.True(t, ok)
	assert.True(t, player.Connected())
	pos, assigned := player.Position()
	require.True(t, assigned)
	assert.InDelta(t, 45.5152, pos.Lat, 1.0)
	assert.InDelta(t, -122.6784, pos.Long, 1.0)
}

func TestProtocol_JoinAnnouncesToOthersNotSelf(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), first, identity("david"), "g1"))
	require.NoError(t, fx.protocol.Connect(context.Background(), second, identity("erin"), "g1"))

	require.Len(t, first.received("playerConnected"), 1)
	assert.Empty(t, second.received("playerConnected"))
}

func TestProtocol_JoinBroadcastsGameStatus(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	conn := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), conn, identity("david"), "g1"))

	require.Eventually(t, func() bool {
		return len(conn.received("gameStatus")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := conn.received("gameStatus")[0].data.(session.Status)
	require.True(t, ok)
	assert.Equal(t, "g1", st.GameID)
	require.Len(t, st.Players, 1)
	assert.Equal(t, "david", st.Players[0].Name)
	assert.True(t, st.Players[0].Connected)
}

func TestProtocol_ConcurrentJoinsBuildFullRoster(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := newFakeConn(fmt.Sprintf("c%d", i))
			id := identity(fmt.Sprintf("player%d", i))
			_ = fx.protocol.Connect(context.Background(), conn, id, "g1")
		}()
	}
	wg.Wait()

	game, ok := fx.registry.Get("g1")
	require.True(t, ok)
	assert.Equal(t, n, game.PlayerCount())
	assert.Equal(t, n, fx.rooms.MemberCount("g1"))
	assert.Equal(t, 1, fx.registry.Len())
}

func TestProtocol_ConcurrentSameIdentityJoinsAdmitOne(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})

	const n = 8
	conns := make([]*fakeConn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fx.protocol.Connect(context.Background(), conns[i], identity("david"), "g1")
		}()
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateConnection)
		}
	}
	assert.Equal(t, 1, admitted, "exactly one of the racing tabs is admitted")

	game, ok := fx.registry.Get("g1")
	require.True(t, ok)
	assert.Equal(t, 1, game.PlayerCount())
	assert.Equal(t, 1, fx.rooms.MemberCount("g1"))

	// One spawn for the identity, no matter how many tabs raced.
	seeded := 0
	for _, conn := range conns {
		seeded += len(conn.received("initialPosition"))
	}
	assert.Equal(t, 1, seeded)
}

func TestProtocol_DuplicateConnectionRejected(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	first := newFakeConn("c1")
	dup := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), first, identity("david"), "g1"))

	err := fx.protocol.Connect(context.Background(), dup, identity("david"), "g1")
	require.ErrorIs(t, err, ErrDuplicateConnection)

	// The arrival was announced to the room before the rejection.
	require.Len(t, first.received("playerConnected"), 1)

	// The rejected connection no longer receives room traffic.
	assert.Equal(t, 1, fx.rooms.MemberCount("g1"))

	// The roster kept the original live binding.
	game, ok := fx.registry.Get("g1")
	require.True(t, ok)
	player, ok := game.Player("david@example.com")
	require.True(t, ok)
	assert.True(t, player.Connected())
	assert.Equal(t, "c1", player.TransportID())
	assert.Equal(t, 1, game.PlayerCount())
}

func TestProtocol_RejoinResendsPositionWithoutInitial(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	first := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), first, identity("david"), "g1"))
	game, _ := fx.registry.Get("g1")
	player, _ := game.Player("david@example.com")
	firstPos, _ := player.Position()

	fx.protocol.Disconnect(first)
	assert.False(t, player.Connected())

	second := newFakeConn("c2")
	require.NoError(t, fx.protocol.Connect(context.Background(), second, identity("david"), "g1"))

	assert.Empty(t, second.received("initialPosition"))
	require.Len(t, second.received("position"), 1)

	// Position survived the reconnect unchanged.
	pos, assigned := player.Position()
	require.True(t, assigned)
	assert.Equal(t, firstPos, pos)
	assert.Equal(t, "c2", player.TransportID())
	assert.Equal(t, 1, game.PlayerCount())
}

func TestProtocol_DisconnectMarksPlayerAndFreesRoomSlot(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	conn := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), conn, identity("david"), "g1"))
	fx.protocol.Disconnect(conn)

	game, ok := fx.registry.Get("g1")
	require.True(t, ok)
	player, _ := game.Player("david@example.com")
	assert.False(t, player.Connected())
	assert.Zero(t, fx.rooms.MemberCount("g1"))

	// Teardown of an unknown connection is a no-op.
	fx.protocol.Disconnect(newFakeConn("ghost"))
}

func TestProtocol_StaleSocketDoesNotClobberRejoin(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	first := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), first, identity("david"), "g1"))
	fx.protocol.Disconnect(first)

	second := newFakeConn("c2")
	require.NoError(t, fx.protocol.Connect(context.Background(), second, identity("david"), "g1"))

	// A delayed second teardown of the old socket must not mark the
	// freshly rebound player disconnected.
	fx.protocol.Disconnect(first)

	game, _ := fx.registry.Get("g1")
	player, _ := game.Player("david@example.com")
	assert.True(t, player.Connected())
}

func TestProtocol_MatchmakingPairsIntoMintedGame(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	a := newFakeConn("c1")
	b := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), a, identity("david"), ""))
	require.NoError(t, fx.protocol.Connect(context.Background(), b, identity("erin"), ""))

	require.Eventually(t, func() bool {
		return len(a.received("matched")) == 1 && len(b.received("matched")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	matched := a.received("matched")[0].data.(map[string]string)
	gameID := matched["gameId"]
	require.NotEmpty(t, gameID)
	assert.Equal(t, gameID, b.received("matched")[0].data.(map[string]string)["gameId"])

	require.Eventually(t, func() bool {
		game, ok := fx.registry.Get(gameID)
		return ok && game.PlayerCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// The minted game was persisted with a catalog city.
	records := fx.store.records()
	require.Len(t, records, 1)
	assert.Equal(t, gameID, records[0].GameID)
	assert.Equal(t, "Portland", records[0].City)
}

func TestProtocol_DisconnectWhileQueuedCancelsSlot(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	conn := newFakeConn("c1")

	require.NoError(t, fx.protocol.Connect(context.Background(), conn, identity("david"), ""))
	require.Equal(t, 1, fx.queue.Len())

	fx.protocol.Disconnect(conn)
	assert.Zero(t, fx.queue.Len())
}

func TestProtocol_DuplicateQueueEntryRejected(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 3, MaxWait: time.Minute})
	first := newFakeConn("c1")
	second := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), first, identity("david"), ""))
	err := fx.protocol.Connect(context.Background(), second, identity("david"), "")
	require.ErrorIs(t, err, matchmaking.ErrAlreadyQueued)
	assert.Equal(t, 1, fx.queue.Len())
}

func TestProtocol_PairingSkipsClosedConnection(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	gone := newFakeConn("c1")
	alive := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), gone, identity("david"), ""))
	gone.close()

	require.NoError(t, fx.protocol.Connect(context.Background(), alive, identity("erin"), ""))

	require.Eventually(t, func() bool {
		return len(alive.received("matched")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gameID := alive.received("matched")[0].data.(map[string]string)["gameId"]
	require.Eventually(t, func() bool {
		game, ok := fx.registry.Get(gameID)
		return ok && game.PlayerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, gone.received("matched"))
}

func TestProtocol_SocketClosingDuringPairingIsTornDown(t *testing.T) {
	fx := newProtocolFixture(t, matchmaking.Policy{MinPartySize: 2, MaxWait: time.Minute})
	// Dies right after the matched event, inside the window between the
	// pairing liveness check and the join.
	dying := newFakeConn("c1")
	dying.closeOnEvent = "matched"
	alive := newFakeConn("c2")

	require.NoError(t, fx.protocol.Connect(context.Background(), dying, identity("david"), ""))
	require.NoError(t, fx.protocol.Connect(context.Background(), alive, identity("erin"), ""))

	require.Eventually(t, func() bool {
		return len(dying.received("matched")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	gameID := dying.received("matched")[0].data.(map[string]string)["gameId"]

	// The dead socket's roster entry must not stay connected forever; the
	// pairing path tears it down itself so the game can be swept.
	require.Eventually(t, func() bool {
		game, ok := fx.registry.Get(gameID)
		if !ok {
			return false
		}
		player, ok := game.Player("david@example.com")
		return ok && !player.Connected()
	}, 2*time.Second, 10*time.Millisecond)

	game, _ := fx.registry.Get(gameID)
	erin, ok := game.Player("erin@example.com")
	require.True(t, ok)
	assert.True(t, erin.Connected())
}
