package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GameRecord represents a persisted game row. Only the city field is
// consumed by the realtime layer; the rest is bookkeeping.
type GameRecord struct {
	GameID    string
	City      string
	CreatedAt time.Time
}

// ErrGameNotFound is returned when a game lookup yields no rows.
var ErrGameNotFound = errors.New("game not found")

// ErrGameExists is returned when attempting to create a duplicate game id.
var ErrGameExists = errors.New("game already exists")

// GameRepository provides game metadata persistence operations.
type GameRepository struct {
	db *pgxpool.Pool
}

// NewGameRepository creates a GameRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewGameRepository(db *pgxpool.Pool) *GameRepository {
	return &GameRepository{db: db}
}

// Create inserts a new game record. Used when matchmaking mints a game id,
// so later direct joins to the same id resolve the same city.
//
// Precondition: gameID must be non-empty.
// Postcondition: Returns the created GameRecord with CreatedAt set, or
// ErrGameExists if the id is taken.
func (r *GameRepository) Create(ctx context.Context, gameID, city string) (GameRecord, error) {
	var rec GameRecord
	err := r.db.QueryRow(ctx,
		`INSERT INTO games (game_id, city)
		 VALUES ($1, $2)
		 RETURNING game_id, city, created_at`,
		gameID, city,
	).Scan(&rec.GameID, &rec.City, &rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return GameRecord{}, ErrGameExists
		}
		return GameRecord{}, fmt.Errorf("inserting game: %w", err)
	}
	return rec, nil
}

// GetByID returns the game record with the given id.
//
// Postcondition: Returns the GameRecord, or ErrGameNotFound if no row exists.
func (r *GameRepository) GetByID(ctx context.Context, gameID string) (GameRecord, error) {
	var rec GameRecord
	err := r.db.QueryRow(ctx,
		`SELECT game_id, city, created_at FROM games WHERE game_id = $1`,
		gameID,
	).Scan(&rec.GameID, &rec.City, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return GameRecord{}, ErrGameNotFound
		}
		return GameRecord{}, fmt.Errorf("selecting game: %w", err)
	}
	return rec, nil
}

// City returns the persisted city for a game id. A missing record is not an
// error: the game simply has no city context yet.
//
// Postcondition: Returns ("", nil) when no record exists.
func (r *GameRepository) City(ctx context.Context, gameID string) (string, error) {
	rec, err := r.GetByID(ctx, gameID)
	if errors.Is(err, ErrGameNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rec.City, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
