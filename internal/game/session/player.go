// Package session provides the shared state of the realtime layer: per-game
// player rosters, the game registry, and the per-player connection binding.
package session

import (
	"errors"
	"sync"

	"github.com/congregate-gg/backend/internal/auth"
)

// Position is a geographic coordinate assigned to a player.
type Position struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Transport is the non-owning handle a player session keeps to its current
// client connection. The transport layer owns the connection lifetime; the
// session layer only emits events through it.
type Transport interface {
	// ID uniquely identifies the connection (not the player).
	ID() string
	// Emit sends a named event with a JSON-encodable payload to the client.
	Emit(event string, data any) error
}

// ErrPositionAssigned is returned when an initial position is assigned twice.
var ErrPositionAssigned = errors.New("initial position already assigned")

// ErrPositionUnassigned is returned when a position is resent before one exists.
var ErrPositionUnassigned = errors.New("no position assigned")

// Player is the per-identity state within one game. It is created the first
// time an identity joins a game and reused across reconnects; a rejoin
// rebinds the transport but never recreates the Player or resets its
// position. All methods are safe for concurrent use.
type Player struct {
	mu        sync.Mutex
	identity  auth.Identity
	pos       *Position
	transport Transport
	connected bool

	// onInitialPosition fires at most once, when the first position is
	// assigned. Rejoins are served by ResendPosition instead.
	onInitialPosition func(Position)
	notified          bool
}

// NewPlayer creates a Player for the given identity with no position and no
// transport bound.
//
// Precondition: identity.SubjectID must be non-empty.
func NewPlayer(identity auth.Identity) *Player {
	return &Player{identity: identity}
}

// Identity returns the immutable identity this player was created with.
func (p *Player) Identity() auth.Identity {
	return p.identity
}

// SubjectID returns the stable roster key for this player.
func (p *Player) SubjectID() string {
	return p.identity.SubjectID
}

// Name returns the player's display name.
func (p *Player) Name() string {
	return p.identity.Name
}

// Bind attaches the current transport and marks the player connected.
// Rebinding replaces any previously bound transport without touching
// position or identity.
//
// Precondition: t must be non-nil.
func (p *Player) Bind(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
	p.connected = true
}

// Disconnect marks the player disconnected. Position and identity are
// retained; the transport reference is kept only as a stale handle and is
// replaced on the next Bind.
func (p *Player) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// TransportID returns the id of the most recently bound transport, or ""
// if none was ever bound. Used to tell a stale socket's teardown apart from
// the live binding.
func (p *Player) TransportID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return ""
	}
	return p.transport.ID()
}

// Connected reports whether a transport is currently bound and live.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Position returns the assigned position, if any.
func (p *Player) Position() (Position, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos == nil {
		return Position{}, false
	}
	return *p.pos, true
}

// OnInitialPosition registers the one-shot notification invoked when the
// first position is assigned. Registering again before assignment replaces
// the callback; after the notification has fired, registration is a no-op.
func (p *Player) OnInitialPosition(fn func(Position)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notified {
		return
	}
	p.onInitialPosition = fn
}

// AssignInitialPosition sets the player's position. Allowed exactly once,
// on first join; the registered notification fires exactly once with the
// assigned position. Rejoins must use ResendPosition instead.
//
// Postcondition: Returns ErrPositionAssigned if a position already exists;
// the existing position is unchanged in that case.
func (p *Player) AssignInitialPosition(pos Position) error {
	p.mu.Lock()
	if p.pos != nil {
		p.mu.Unlock()
		return ErrPositionAssigned
	}
	p.pos = &pos
	fn := p.onInitialPosition
	p.onInitialPosition = nil
	p.notified = fn != nil
	p.mu.Unlock()

	if fn != nil {
		fn(pos)
	}
	return nil
}

// ResendPosition delivers the already-assigned position to the currently
// bound transport. Valid only after AssignInitialPosition; used on rejoin,
// where the one-shot initial notification must not fire again.
//
// Postcondition: Returns ErrPositionUnassigned if no position exists yet,
// or the transport's emit error.
func (p *Player) ResendPosition() error {
	p.mu.Lock()
	pos := p.pos
	t := p.transport
	p.mu.Unlock()

	if pos == nil {
		return ErrPositionUnassigned
	}
	if t == nil {
		return errors.New("no transport bound")
	}
	return t.Emit("position", map[string]any{"pos": *pos})
}
