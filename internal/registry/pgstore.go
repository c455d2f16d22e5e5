package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shep95/maldek-sub002/internal/types"
)

// PgStore persists registry state in Postgres via a pgx pool.
type PgStore struct {
	pool *pgxpool.Pool
}

// Schema creates the registry tables. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS spaces (
	id          text PRIMARY KEY,
	title       text NOT NULL,
	description text NOT NULL DEFAULT '',
	host_id     text NOT NULL,
	status      text NOT NULL DEFAULT 'live',
	started_at  timestamptz NOT NULL,
	ended_at    timestamptz
);
CREATE TABLE IF NOT EXISTS participants (
	space_id  text NOT NULL REFERENCES spaces(id),
	user_id   text NOT NULL,
	role      text NOT NULL,
	joined_at timestamptz NOT NULL,
	left_at   timestamptz,
	PRIMARY KEY (space_id, user_id)
);
CREATE TABLE IF NOT EXISTS speaker_requests (
	id           text PRIMARY KEY,
	space_id     text NOT NULL REFERENCES spaces(id),
	user_id      text NOT NULL,
	status       text NOT NULL DEFAULT 'pending',
	requested_at timestamptz NOT NULL,
	resolved_at  timestamptz,
	resolved_by  text NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS speaker_requests_one_pending
	ON speaker_requests (space_id, user_id) WHERE status = 'pending';
`

// ConnectPg opens a pgx pool for the given DSN and verifies connectivity.
func ConnectPg(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: parse postgres config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: ping: %w", err)
	}
	return pool, nil
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema applies Schema on the pool.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PgStore) CreateSpace(ctx context.Context, space *types.Space) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spaces (id, title, description, host_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, space.ID, space.Title, space.Description, space.HostID, space.Status, space.StartedAt)
	return err
}

func (s *PgStore) GetSpace(ctx context.Context, spaceID string) (*types.Space, error) {
	var sp types.Space
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, host_id, status, started_at, ended_at
		FROM spaces WHERE id = $1
	`, spaceID).Scan(&sp.ID, &sp.Title, &sp.Description, &sp.HostID, &sp.Status, &sp.StartedAt, &sp.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSpaceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *PgStore) ListLiveSpaces(ctx context.Context) ([]*types.Space, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, description, host_id, status, started_at, ended_at
		FROM spaces WHERE status = 'live' ORDER BY started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Space
	for rows.Next() {
		var sp types.Space
		if err := rows.Scan(&sp.ID, &sp.Title, &sp.Description, &sp.HostID, &sp.Status, &sp.StartedAt, &sp.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, &sp)
	}
	return out, rows.Err()
}

func (s *PgStore) EndSpace(ctx context.Context, spaceID string, endedAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE spaces SET status = 'ended', ended_at = $2
		WHERE id = $1 AND status = 'live'
	`, spaceID, endedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetSpace(ctx, spaceID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PgStore) UpsertParticipant(ctx context.Context, p *types.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (space_id, user_id, role, joined_at, left_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (space_id, user_id)
		DO UPDATE SET role = EXCLUDED.role, left_at = EXCLUDED.left_at
	`, p.SpaceID, p.UserID, p.Role, p.JoinedAt, p.LeftAt)
	return err
}

func (s *PgStore) GetParticipant(ctx context.Context, spaceID, userID string) (*types.Participant, error) {
	var p types.Participant
	err := s.pool.QueryRow(ctx, `
		SELECT space_id, user_id, role, joined_at, left_at
		FROM participants WHERE space_id = $1 AND user_id = $2
	`, spaceID, userID).Scan(&p.SpaceID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Left = p.LeftAt != nil
	return &p, nil
}

func (s *PgStore) ListParticipants(ctx context.Context, spaceID string) ([]*types.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT space_id, user_id, role, joined_at, left_at
		FROM participants WHERE space_id = $1 ORDER BY user_id
	`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Participant
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.SpaceID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		p.Left = p.LeftAt != nil
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) CreateRequest(ctx context.Context, req *types.SpeakerRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO speaker_requests (id, space_id, user_id, status, requested_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.SpaceID, req.UserID, req.Status, req.RequestedAt)
	return err
}

func (s *PgStore) GetRequest(ctx context.Context, requestID string) (*types.SpeakerRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, `
		SELECT id, space_id, user_id, status, requested_at, resolved_at, resolved_by
		FROM speaker_requests WHERE id = $1
	`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func (s *PgStore) PendingRequest(ctx context.Context, spaceID, userID string) (*types.SpeakerRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, `
		SELECT id, space_id, user_id, status, requested_at, resolved_at, resolved_by
		FROM speaker_requests
		WHERE space_id = $1 AND user_id = $2 AND status = 'pending'
	`, spaceID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func (s *PgStore) ListPendingRequests(ctx context.Context, spaceID string) ([]*types.SpeakerRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, space_id, user_id, status, requested_at, resolved_at, resolved_by
		FROM speaker_requests
		WHERE space_id = $1 AND status = 'pending'
		ORDER BY requested_at, id
	`, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SpeakerRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ResolveRequest flips pending->accepted/rejected with a conditional UPDATE
// so concurrent resolvers race on the database row; on accept the speaker
// promotion happens inside the same transaction.
func (s *PgStore) ResolveRequest(ctx context.Context, requestID, resolverID string, accept bool, resolvedAt time.Time) (*types.SpeakerRequest, *types.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status := types.RequestRejected
	if accept {
		status = types.RequestAccepted
	}

	req, err := scanRequest(tx.QueryRow(ctx, `
		UPDATE speaker_requests
		SET status = $2, resolved_at = $3, resolved_by = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING id, space_id, user_id, status, requested_at, resolved_at, resolved_by
	`, requestID, status, resolvedAt, resolverID))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the request does not exist or someone else already resolved it.
		if _, gerr := s.GetRequest(ctx, requestID); gerr != nil {
			return nil, nil, gerr
		}
		return nil, nil, ErrConflict
	}
	if err != nil {
		return nil, nil, err
	}

	var promoted *types.Participant
	if accept {
		// The role predicate keeps a stale accept from demoting a requester
		// who was moved off listener after filing; no rows means no promotion.
		var p types.Participant
		err := tx.QueryRow(ctx, `
			UPDATE participants SET role = 'speaker'
			WHERE space_id = $1 AND user_id = $2 AND role = 'listener'
			RETURNING space_id, user_id, role, joined_at, left_at
		`, req.SpaceID, req.UserID).Scan(&p.SpaceID, &p.UserID, &p.Role, &p.JoinedAt, &p.LeftAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, err
		}
		if err == nil {
			p.Left = p.LeftAt != nil
			promoted = &p
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return req, promoted, nil
}

func (s *PgStore) RejectAllPending(ctx context.Context, spaceID, resolverID string, resolvedAt time.Time) ([]*types.SpeakerRequest, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE speaker_requests
		SET status = 'rejected', resolved_at = $2, resolved_by = $3
		WHERE space_id = $1 AND status = 'pending'
		RETURNING id, space_id, user_id, status, requested_at, resolved_at, resolved_by
	`, spaceID, resolvedAt, resolverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SpeakerRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*types.SpeakerRequest, error) {
	var req types.SpeakerRequest
	err := row.Scan(&req.ID, &req.SpaceID, &req.UserID, &req.Status, &req.RequestedAt, &req.ResolvedAt, &req.ResolvedBy)
	if err != nil {
		return nil, err
	}
	return &req, nil
}
