package gameserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/auth"
	"github.com/congregate-gg/backend/internal/game/geo"
	"github.com/congregate-gg/backend/internal/game/matchmaking"
	"github.com/congregate-gg/backend/internal/game/session"
	"github.com/congregate-gg/backend/internal/storage/postgres"
)

// ErrDuplicateConnection is returned when an identity that already holds a
// live connection to a game tries to open a second one.
var ErrDuplicateConnection = errors.New("you are connecting to a game that is open in another tab")

// storeTimeout bounds the write of a freshly matched game record.
const storeTimeout = 5 * time.Second

// Conn is the connection handle the protocol operates on. The transport
// layer owns the socket; the protocol only emits events and checks whether
// the peer is still there.
type Conn interface {
	session.Transport
	IsClosed() bool
}

// GameStore persists newly formed games. Satisfied by
// postgres.GameRepository; nil means games are not persisted.
type GameStore interface {
	Create(ctx context.Context, gameID, city string) (postgres.GameRecord, error)
}

// binding records which game and identity a live connection is attached to,
// so teardown can find its way back without trusting the client.
type binding struct {
	gameID    string
	subjectID string
	queued    bool
}

// Protocol admits authenticated connections into game sessions. It owns the
// join/rejoin/duplicate rules and the teardown path; game state itself lives
// in the session registry.
type Protocol struct {
	registry    *session.Registry
	rooms       *Rooms
	queue       *matchmaking.Queue
	catalog     *geo.Catalog
	spawnRadius float64
	store       GameStore
	logger      *zap.Logger

	mu        sync.Mutex
	bindings  map[string]binding
	persisted map[string]struct{}
}

// NewProtocol creates the join protocol with the given collaborators.
//
// Precondition: registry, rooms, queue, catalog, and logger must be non-nil;
// spawnRadius must be positive. store may be nil.
func NewProtocol(
	registry *session.Registry,
	rooms *Rooms,
	queue *matchmaking.Queue,
	catalog *geo.Catalog,
	spawnRadius float64,
	store GameStore,
	logger *zap.Logger,
) *Protocol {
	return &Protocol{
		registry:    registry,
		rooms:       rooms,
		queue:       queue,
		catalog:     catalog,
		spawnRadius: spawnRadius,
		store:       store,
		logger:      logger,
		bindings:    make(map[string]binding),
		persisted:   make(map[string]struct{}),
	}
}

// Connect admits a connection. A connection that names a game joins it
// directly; one that does not enters the matchmaking queue and joins the
// minted game once paired.
//
// Postcondition: Returns ErrDuplicateConnection if the identity already
// holds a live connection to the named game, or a registry error.
func (p *Protocol) Connect(ctx context.Context, conn Conn, identity auth.Identity, gameID string) error {
	if gameID != "" {
		return p.Join(ctx, conn, identity, gameID)
	}
	return p.enqueue(ctx, conn, identity)
}

// Join attaches a connection to the named game, creating the game if it does
// not exist yet. The arrival is announced to the rest of the room before the
// duplicate check runs, matching the wire behavior clients already depend
// on: a rejected duplicate still causes a playerConnected announcement.
func (p *Protocol) Join(ctx context.Context, conn Conn, identity auth.Identity, gameID string) error {
	game, err := p.registry.GetOrCreate(ctx, gameID)
	if err != nil {
		return err
	}

	p.rooms.Join(gameID, conn)
	p.rooms.BroadcastExcept(gameID, conn.ID(), "playerConnected", map[string]string{
		"player": identity.Name,
	})

	// Reconcile is one critical section on the game: the duplicate check
	// and the roster insert cannot interleave with another connection for
	// the same identity.
	player, rejoin, err := game.Reconcile(identity, conn)
	if err != nil {
		p.rooms.Leave(gameID, conn.ID())
		p.logger.Info("rejected duplicate connection",
			zap.String("game_id", gameID),
			zap.String("subject", identity.SubjectID),
		)
		return ErrDuplicateConnection
	}

	if rejoin {
		p.resumePlayer(conn, player)
	} else {
		p.seedPlayer(conn, game, player)
	}

	p.mu.Lock()
	p.bindings[conn.ID()] = binding{gameID: gameID, subjectID: identity.SubjectID}
	p.mu.Unlock()

	game.Changed()

	p.logger.Info("player joined game",
		zap.String("game_id", gameID),
		zap.String("subject", identity.SubjectID),
		zap.Bool("rejoin", rejoin),
	)
	return nil
}

// seedPlayer assigns a spawn position to a freshly reconciled roster entry.
// The one-shot notification is registered before the position is assigned,
// so the initialPosition event fires on this connection and never again.
func (p *Protocol) seedPlayer(conn Conn, game *session.Game, player *session.Player) {
	player.OnInitialPosition(func(pos session.Position) {
		_ = conn.Emit("initialPosition", map[string]any{"pos": pos})
	})

	pos := p.catalog.RandomPoint(game.City(), p.spawnRadius)
	if err := player.AssignInitialPosition(pos); err != nil {
		p.logger.Debug("spawn position already assigned",
			zap.String("game_id", game.ID()),
			zap.String("subject", player.SubjectID()),
		)
	}
}

// resumePlayer resends the position to a rebound roster entry. The initial
// notification stays spent; only the plain position event goes out.
func (p *Protocol) resumePlayer(conn Conn, player *session.Player) {
	player.OnInitialPosition(func(pos session.Position) {
		_ = conn.Emit("initialPosition", map[string]any{"pos": pos})
	})

	if err := player.ResendPosition(); err != nil && !errors.Is(err, session.ErrPositionUnassigned) {
		p.logger.Debug("position resend failed",
			zap.String("subject", player.SubjectID()),
			zap.Error(err),
		)
	}
}

// enqueue places the identity in the matchmaking queue. Once paired, the
// minted game is persisted with a randomly drawn city and the connection is
// joined into it.
func (p *Protocol) enqueue(ctx context.Context, conn Conn, identity auth.Identity) error {
	// The queued binding is recorded before Enqueue: pairing runs on its own
	// goroutine and may re-enter Join before Enqueue returns.
	p.mu.Lock()
	p.bindings[conn.ID()] = binding{subjectID: identity.SubjectID, queued: true}
	p.mu.Unlock()

	err := p.queue.Enqueue(identity, func(gameID string) {
		if conn.IsClosed() {
			return
		}
		p.persistMatchedGame(gameID)

		_ = conn.Emit("matched", map[string]string{"gameId": gameID})
		if err := p.Join(ctx, conn, identity, gameID); err != nil {
			p.logger.Warn("joining matched game failed",
				zap.String("game_id", gameID),
				zap.String("subject", identity.SubjectID),
				zap.Error(err),
			)
			_ = conn.Emit("error", map[string]string{"error": err.Error()})
			return
		}

		// The socket may have died after the liveness check above. Its
		// transport teardown can have run before the join recorded the
		// binding, in which case nobody else will ever tear this join
		// down; do it here.
		if conn.IsClosed() {
			p.Disconnect(conn)
		}
	})
	if err != nil {
		p.mu.Lock()
		delete(p.bindings, conn.ID())
		p.mu.Unlock()
		return err
	}
	return nil
}

// persistMatchedGame writes the game record so later joins resolve its city.
// Every member of a match runs this, so it is guarded to write once per
// game. Best effort: a storage failure leaves the game in memory with an
// unset city rather than failing the match.
func (p *Protocol) persistMatchedGame(gameID string) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	if _, done := p.persisted[gameID]; done {
		p.mu.Unlock()
		return
	}
	p.persisted[gameID] = struct{}{}
	p.mu.Unlock()

	city := p.catalog.RandomCity().Name
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := p.store.Create(ctx, gameID, city); err != nil {
		p.logger.Warn("persisting matched game failed",
			zap.String("game_id", gameID),
			zap.String("city", city),
			zap.Error(err),
		)
	}
}

// Disconnect tears down a connection's attachment: the roster entry is
// marked disconnected (position retained for rejoin), the room slot is
// freed, and any pending matchmaking slot is cancelled.
func (p *Protocol) Disconnect(conn Conn) {
	p.mu.Lock()
	b, ok := p.bindings[conn.ID()]
	delete(p.bindings, conn.ID())
	p.mu.Unlock()
	if !ok {
		return
	}

	if b.queued {
		p.queue.Cancel(b.subjectID)
	}
	if b.gameID == "" {
		return
	}

	p.rooms.Leave(b.gameID, conn.ID())

	game, found := p.registry.Get(b.gameID)
	if !found {
		return
	}
	player, found := game.Player(b.subjectID)
	if !found {
		return
	}

	// A stale socket must not clobber a newer binding for the same player.
	if player.TransportID() != conn.ID() {
		return
	}
	player.Disconnect()
	game.Changed()

	p.logger.Info("player disconnected",
		zap.String("game_id", b.gameID),
		zap.String("subject", b.subjectID),
	)
}
