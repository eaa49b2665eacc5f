package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CityLookup resolves the persisted city context for a game id. A lookup
// returning ("", nil) means no record exists; that is not an error and the
// game proceeds with an unset city.
type CityLookup func(ctx context.Context, gameID string) (string, error)

// cityLookupTimeout bounds the one city lookup performed per game id.
const cityLookupTimeout = 5 * time.Second

// HookFactory builds the status hook for a newly created game, binding it
// to whatever broadcast fan-out the transport layer provides.
type HookFactory func(gameID string) StatusHook

// Registry is the shared mapping from game id to Game. Its contract is that
// for a given id at most one Game is ever constructed, no matter how many
// goroutines race GetOrCreate, and that the city lookup for an id runs at
// most once, performed by the winner of the insert while losers wait for
// the result. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	games  map[string]*gameEntry
	lookup CityLookup
	hooks  HookFactory
	logger *zap.Logger
}

// gameEntry is inserted under the registry lock before the city lookup
// runs, so a second creator for the same id finds it and waits on ready
// instead of racing its own lookup.
type gameEntry struct {
	ready     chan struct{}
	game      *Game
	idleSince time.Time
}

// NewRegistry creates an empty Registry.
//
// Precondition: logger must be non-nil. lookup may be nil (games get an
// unset city); hooks may be nil (games get no status hook).
func NewRegistry(lookup CityLookup, hooks HookFactory, logger *zap.Logger) *Registry {
	return &Registry{
		games:  make(map[string]*gameEntry),
		lookup: lookup,
		hooks:  hooks,
		logger: logger,
	}
}

// GetOrCreate returns the game for the given id, constructing it if absent.
// Exactly one Game is constructed per id under any number of concurrent
// callers; every caller observes the same instance. The city lookup for a
// new id runs outside the registry lock, so slow lookups never block
// unrelated ids.
//
// Postcondition: Returns a non-nil Game, or ctx.Err() if the context ends
// while waiting for a concurrent creator to finish.
func (r *Registry) GetOrCreate(ctx context.Context, gameID string) (*Game, error) {
	r.mu.Lock()
	if e, ok := r.games[gameID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.game, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e := &gameEntry{ready: make(chan struct{})}
	r.games[gameID] = e
	r.mu.Unlock()

	// Winner of the insert: resolve the city, then publish the game.
	// Lookup failure degrades to an unset city rather than failing the join.
	// The lookup runs on its own context: its result is shared by every
	// adopter of the game, so the winning connection going away must not
	// abort it.
	var city string
	if r.lookup != nil {
		lookupCtx, cancel := context.WithTimeout(context.Background(), cityLookupTimeout)
		c, err := r.lookup(lookupCtx, gameID)
		cancel()
		if err != nil {
			r.logger.Warn("city lookup failed, continuing without city",
				zap.String("game_id", gameID),
				zap.Error(err),
			)
		} else {
			city = c
		}
	}

	var hook StatusHook
	if r.hooks != nil {
		hook = r.hooks(gameID)
	}

	e.game = NewGame(gameID, city, hook)
	close(e.ready)

	r.logger.Info("game created",
		zap.String("game_id", gameID),
		zap.String("city", city),
	)
	return e.game, nil
}

// Get returns the game for the given id if it exists and its construction
// has completed. A game still being constructed by a concurrent creator is
// reported as absent.
//
// Postcondition: Returns (game, true) if present, or (nil, false) otherwise.
func (r *Registry) Get(gameID string) (*Game, bool) {
	r.mu.Lock()
	e, ok := r.games[gameID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.game, true
	default:
		return nil, false
	}
}

// Remove evicts the game with the given id. No-op if absent.
func (r *Registry) Remove(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, gameID)
}

// Len returns the number of registered games, including ones still under
// construction.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.games)
}

// Sweep evicts games whose roster has been empty or fully disconnected for
// longer than grace. A game first observed idle is marked and only evicted
// by a later sweep after grace has elapsed; any reconnect in between clears
// the mark. Returns the evicted game ids.
//
// Precondition: grace must be positive.
func (r *Registry) Sweep(grace time.Duration) []string {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, e := range r.games {
		select {
		case <-e.ready:
		default:
			continue // still constructing
		}

		if !e.game.AllDisconnected() {
			e.idleSince = time.Time{}
			continue
		}
		if e.idleSince.IsZero() {
			e.idleSince = now
			continue
		}
		if now.Sub(e.idleSince) >= grace {
			delete(r.games, id)
			evicted = append(evicted, id)
		}
	}

	if len(evicted) > 0 {
		r.logger.Info("evicted idle games",
			zap.Int("count", len(evicted)),
			zap.Strings("game_ids", evicted),
		)
	}
	return evicted
}
