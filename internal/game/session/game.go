package session

import (
	"errors"
	"sync"

	"github.com/congregate-gg/backend/internal/auth"
)

// ErrAlreadyConnected is returned by Reconcile when the identity already
// holds a live connection to the game.
var ErrAlreadyConnected = errors.New("identity already connected to this game")

// PlayerStatus is one roster entry in a game status snapshot.
type PlayerStatus struct {
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	Pos       *Position `json:"pos,omitempty"`
}

// Status is the broadcastable snapshot of a game: a pure function of the
// current roster and city context.
type Status struct {
	GameID  string         `json:"gameId"`
	City    string         `json:"city,omitempty"`
	Players []PlayerStatus `json:"players"`
}

// StatusHook receives a status snapshot after every game mutation. Hooks are
// fire-and-forget: they run detached from the mutation that triggered them
// and may neither block nor fail it.
type StatusHook func(Status)

// Game owns the roster of players for one game session. The roster is keyed
// by identity subject id; entries are created once and reused across
// reconnects. All methods are safe for concurrent use.
type Game struct {
	mu      sync.Mutex
	id      string
	city    string
	players map[string]*Player
	order   []string
	hook    StatusHook
}

// NewGame creates an empty game with the given id, city context (may be
// empty when no persisted record exists), and status hook (may be nil).
//
// Precondition: id must be non-empty.
func NewGame(id, city string, hook StatusHook) *Game {
	return &Game{
		id:      id,
		city:    city,
		players: make(map[string]*Player),
		hook:    hook,
	}
}

// ID returns the game's session id.
func (g *Game) ID() string {
	return g.id
}

// City returns the game's city context, or "" when unset.
func (g *Game) City() string {
	return g.city
}

// AddPlayer inserts or replaces the roster entry for the player's subject
// id. Adding the same object twice is a no-op; the roster never holds two
// entries for one identity.
//
// Precondition: p must be non-nil with a non-empty subject id.
func (g *Game) AddPlayer(p *Player) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sub := p.SubjectID()
	if _, exists := g.players[sub]; !exists {
		g.order = append(g.order, sub)
	}
	g.players[sub] = p
}

// Reconcile resolves the roster entry for an arriving connection in one
// critical section: lookup, duplicate check, insert, and transport bind all
// happen under the game lock, so two racing connections for the same
// identity can never both be admitted. One of them observes the other as
// already connected.
//
// Precondition: identity.SubjectID must be non-empty; t must be non-nil.
// Postcondition: Returns the roster entry bound to t and whether it existed
// before this call, or ErrAlreadyConnected with no state changed.
func (g *Game) Reconcile(identity auth.Identity, t Transport) (*Player, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sub := identity.SubjectID
	if p, ok := g.players[sub]; ok {
		if p.Connected() {
			return nil, true, ErrAlreadyConnected
		}
		p.Bind(t)
		return p, true, nil
	}

	p := NewPlayer(identity)
	p.Bind(t)
	g.players[sub] = p
	g.order = append(g.order, sub)
	return p, false, nil
}

// Player returns the roster entry for the given subject id.
//
// Postcondition: Returns (player, true) if found, or (nil, false) otherwise.
func (g *Game) Player(subjectID string) (*Player, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.players[subjectID]
	return p, ok
}

// Players returns a roster snapshot in join order.
func (g *Game) Players() []*Player {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Player, 0, len(g.order))
	for _, sub := range g.order {
		out = append(out, g.players[sub])
	}
	return out
}

// PlayerCount returns the roster size.
func (g *Game) PlayerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.players)
}

// StatusSnapshot computes the current broadcastable state of the game.
func (g *Game) StatusSnapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Game) snapshotLocked() Status {
	st := Status{
		GameID:  g.id,
		City:    g.city,
		Players: make([]PlayerStatus, 0, len(g.order)),
	}
	for _, sub := range g.order {
		p := g.players[sub]
		ps := PlayerStatus{Name: p.Name(), Connected: p.Connected()}
		if pos, ok := p.Position(); ok {
			ps.Pos = &pos
		}
		st.Players = append(st.Players, ps)
	}
	return st
}

// Changed triggers the status hook with a fresh snapshot. The hook runs on
// its own goroutine with panics swallowed, so a slow or failing broadcast
// can never stall or corrupt the mutation that caused it.
func (g *Game) Changed() {
	g.mu.Lock()
	hook := g.hook
	st := g.snapshotLocked()
	g.mu.Unlock()

	if hook == nil {
		return
	}
	go func() {
		defer func() { _ = recover() }()
		hook(st)
	}()
}

// AllDisconnected reports whether the game has an empty roster or every
// roster entry is disconnected. Used by the registry eviction sweep.
func (g *Game) AllDisconnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.players {
		if p.Connected() {
			return false
		}
	}
	return true
}
