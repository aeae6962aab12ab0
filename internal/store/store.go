package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facemerge/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink is the durable consolidation target. Merges are upserts keyed by face
// key with field-level overwrite; the creation timestamp is set once.
type Sink interface {
	MergeAgeGender(ctx context.Context, key string, age int, gender types.Gender) error
	MergeLandmarks(ctx context.Context, key string, landmarks types.Landmarks) error
	Get(ctx context.Context, key string) (*types.StoredRecord, error)
	List(ctx context.Context) ([]types.StoredRecord, error)
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
	Close()
}

// Store manages the PostgreSQL connection pool backing the sink.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the face table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS face_records (
			face_key TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			age INT,
			gender TEXT,
			landmarks JSONB
		);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// MergeAgeGender upserts the age/gender pair. Repeating an identical call is a no-op
// apart from updated_at.
func (s *Store) MergeAgeGender(ctx context.Context, key string, age int, gender types.Gender) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO face_records (face_key, age, gender)
		VALUES ($1, $2, $3)
		ON CONFLICT (face_key) DO UPDATE SET age = EXCLUDED.age, gender = EXCLUDED.gender, updated_at = NOW()
	`, key, age, string(gender))
	return err
}

// MergeLandmarks upserts the landmark map, leaving age/gender untouched.
func (s *Store) MergeLandmarks(ctx context.Context, key string, landmarks types.Landmarks) error {
	js, err := json.Marshal(landmarks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO face_records (face_key, landmarks)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (face_key) DO UPDATE SET landmarks = EXCLUDED.landmarks, updated_at = NOW()
	`, key, string(js))
	return err
}

// Get returns the persisted record or types.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*types.StoredRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT face_key, created_at, age, gender, landmarks FROM face_records WHERE face_key = $1`, key)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return rec, err
}

// List returns every persisted face, oldest first.
func (s *Store) List(ctx context.Context) ([]types.StoredRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT face_key, created_at, age, gender, landmarks FROM face_records ORDER BY created_at, face_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*types.StoredRecord, error) {
	var (
		key       string
		createdAt time.Time
		age       *int
		gender    *string
		landmarks []byte
	)
	if err := row.Scan(&key, &createdAt, &age, &gender, &landmarks); err != nil {
		return nil, err
	}
	rec := &types.StoredRecord{Key: key, Timestamp: createdAt, Analysis: types.Analysis{Age: age}}
	if gender != nil {
		g := types.Gender(*gender)
		rec.Analysis.Gender = &g
	}
	if landmarks != nil {
		if err := json.Unmarshal(landmarks, &rec.Analysis.Landmarks); err != nil {
			return nil, fmt.Errorf("corrupt landmarks for %s: %w", key, err)
		}
	}
	return rec, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS face_records CASCADE;`)
	return err
}
