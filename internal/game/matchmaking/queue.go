// Package matchmaking groups players that connect without naming a game
// into freshly minted game sessions.
package matchmaking

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/congregate-gg/backend/internal/auth"
)

// Policy controls when waiting players are grouped into a game.
type Policy struct {
	// MinPartySize is the queue depth that triggers an immediate match.
	MinPartySize int
	// MaxWait bounds how long the earliest waiter sits in the queue; when
	// it elapses a game is formed with whoever is present.
	MaxWait time.Duration
}

// PairedFunc is invoked, possibly later and on another goroutine, with the
// freshly minted game id a waiter has been grouped into.
type PairedFunc func(gameID string)

// ErrAlreadyQueued is returned when an identity that is still waiting is
// enqueued a second time.
var ErrAlreadyQueued = errors.New("identity already in matchmaking queue")

// ErrClosed is returned when enqueueing into a closed queue.
var ErrClosed = errors.New("matchmaking queue closed")

type waiter struct {
	identity auth.Identity
	onPaired PairedFunc
}

// Queue holds identities awaiting automatic game assignment. An identity
// occupies at most one slot; once removed (paired or cancelled) it cannot
// be paired again without re-enqueueing. All methods are safe for
// concurrent use.
type Queue struct {
	mu      sync.Mutex
	policy  Policy
	logger  *zap.Logger
	waiting []*waiter
	index   map[string]*waiter
	timer   *time.Timer
	closed  bool

	// newGameID mints ids for formed games; overridable in tests.
	newGameID func() string
}

// NewQueue creates an empty matchmaking queue with the given policy.
//
// Precondition: policy.MinPartySize must be >= 1; policy.MaxWait must be
// positive; logger must be non-nil.
func NewQueue(policy Policy, logger *zap.Logger) *Queue {
	return &Queue{
		policy:    policy,
		logger:    logger,
		index:     make(map[string]*waiter),
		newGameID: uuid.NewString,
	}
}

// Enqueue adds an identity to the queue. When the queue reaches
// MinPartySize the earliest waiters are grouped immediately; otherwise a
// game forms no later than MaxWait after the first waiter arrived, with
// whoever is present. onPaired is called asynchronously with the minted
// game id; connection admission must not wait for it.
//
// Postcondition: Returns ErrAlreadyQueued if the identity is still waiting,
// or ErrClosed after Close.
func (q *Queue) Enqueue(identity auth.Identity, onPaired PairedFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, exists := q.index[identity.SubjectID]; exists {
		return ErrAlreadyQueued
	}

	w := &waiter{identity: identity, onPaired: onPaired}
	q.waiting = append(q.waiting, w)
	q.index[identity.SubjectID] = w

	q.logger.Info("identity queued for matchmaking",
		zap.String("subject", identity.SubjectID),
		zap.Int("waiting", len(q.waiting)),
	)

	if len(q.waiting) >= q.policy.MinPartySize {
		q.formLocked(q.policy.MinPartySize)
	} else if q.timer == nil {
		q.timer = time.AfterFunc(q.policy.MaxWait, q.expire)
	}
	return nil
}

// Cancel removes an identity from the queue. Idempotent: cancelling an
// identity that is not waiting is a no-op. Invoked automatically when a
// queued player's transport disconnects.
func (q *Queue) Cancel(subjectID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, exists := q.index[subjectID]
	if !exists {
		return
	}
	delete(q.index, subjectID)
	for i, cand := range q.waiting {
		if cand == w {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}

	q.logger.Info("identity left matchmaking",
		zap.String("subject", subjectID),
		zap.Int("waiting", len(q.waiting)),
	)

	if len(q.waiting) == 0 && q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Len returns the number of waiting identities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close stops the queue. Waiting identities are dropped without pairing;
// subsequent Enqueue calls fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.waiting = nil
	q.index = make(map[string]*waiter)
}

// expire fires when the earliest waiter has sat in the queue for MaxWait.
// Rather than stall indefinitely below MinPartySize, a game forms with
// whoever is present.
func (q *Queue) expire() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.timer = nil
	if q.closed || len(q.waiting) == 0 {
		return
	}
	q.logger.Info("matchmaking wait elapsed, forming partial game",
		zap.Int("party_size", len(q.waiting)),
	)
	q.formLocked(len(q.waiting))
}

// formLocked removes the n earliest waiters and assigns them a freshly
// minted game id. Caller must hold q.mu.
func (q *Queue) formLocked(n int) {
	group := q.waiting[:n]
	q.waiting = append([]*waiter(nil), q.waiting[n:]...)
	for _, w := range group {
		delete(q.index, w.identity.SubjectID)
	}

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.waiting) > 0 {
		// Remaining waiters restart the clock.
		q.timer = time.AfterFunc(q.policy.MaxWait, q.expire)
	}

	gameID := q.newGameID()
	subjects := make([]string, 0, len(group))
	for _, w := range group {
		subjects = append(subjects, w.identity.SubjectID)
	}
	q.logger.Info("matched players into game",
		zap.String("game_id", gameID),
		zap.Strings("subjects", subjects),
	)

	// Pairing is asynchronous relative to connection admission.
	for _, w := range group {
		go w.onPaired(gameID)
	}
}
