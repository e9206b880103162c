package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sendrec/watchparty/internal/database"
)

type PostgresRepository struct {
	db database.DBTX
}

func NewPostgresRepository(db database.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Load(ctx context.Context, id string) (State, error) {
	var s State
	err := r.db.QueryRow(ctx,
		`SELECT time_seconds, playing, media_key, updated_at_ms, origin
		 FROM watch_sessions WHERE id = $1`,
		id,
	).Scan(&s.Time, &s.Playing, &s.URL, &s.UpdatedAt, &s.Origin)
	if errors.Is(err, pgx.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) Create(ctx context.Context, id string, state State) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO watch_sessions (id, time_seconds, playing, media_key, updated_at_ms, origin)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, state.Time, state.Playing, state.URL, state.UpdatedAt, state.Origin,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Replace(ctx context.Context, id string, state State) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE watch_sessions
		 SET time_seconds = $2, playing = $3, media_key = $4, updated_at_ms = $5, origin = $6
		 WHERE id = $1`,
		id, state.Time, state.Playing, state.URL, state.UpdatedAt, state.Origin,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if p, ok := r.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
