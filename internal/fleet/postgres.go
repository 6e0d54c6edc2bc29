package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

// PostgresStore is the registry shared by cooperating controller instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Pool exposes the connection pool so the event log can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateNode(ctx context.Context, input CreateNodeInput) (node.Node, error) {
	created, err := newNode(input)
	if err != nil {
		return node.Node{}, err
	}

	row := s.pool.QueryRow(ctx, `
INSERT INTO fleet_nodes (
	routing_id, deployment_id, state, url, image, cpu_milli, memory_mb, storage_mb,
	error, terminate_attempts, last_terminate_attempt_at, created_at, last_state_transition_at
) VALUES (
	$1, $2, $3, '', $4, $5, $6, $7,
	'', 0, NULL, $8, $8
)
RETURNING `+nodeColumns,
		created.RoutingID,
		created.DeploymentID,
		string(created.State),
		created.Image,
		created.CPUMilli,
		created.MemoryMB,
		created.StorageMB,
		created.CreatedAt,
	)

	n, err := scanNode(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return node.Node{}, ErrNoDeployment
		}
		return node.Node{}, err
	}
	return n, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id int64) (node.Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM fleet_nodes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return node.Node{}, ErrNodeNotFound
	}
	return n, err
}

func (s *PostgresStore) ListNodes(ctx context.Context, filter ListFilter) ([]node.Node, error) {
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+nodeColumns+`
FROM fleet_nodes
WHERE ($1::text[] IS NULL OR cardinality($1::text[]) = 0 OR state = ANY($1::text[]))
  AND ($2 = '' OR routing_id = $2)
  AND ($3 = 0 OR deployment_id = $3)
ORDER BY id ASC`, states, filter.RoutingID, filter.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]node.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountNodes(ctx context.Context) (map[node.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM fleet_nodes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	defer rows.Close()

	out := make(map[node.State]int)
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan node count: %w", err)
		}
		out[node.State(state)] = int(count)
	}
	return out, rows.Err()
}

// TransitionNode locks the row, checks the expected state and applies the
// transition rules before writing.
func (s *PostgresStore) TransitionNode(ctx context.Context, input TransitionInput) (node.Node, error) {
	var updated node.Node
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanNode(tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM fleet_nodes WHERE id = $1 FOR UPDATE`, input.NodeID))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNodeNotFound
		}
		if err != nil {
			return err
		}

		next, err := input.apply(current)
		if err != nil {
			return err
		}

		updated, err = scanNode(tx.QueryRow(ctx, `
UPDATE fleet_nodes
SET state = $2, url = $3, error = $4, last_state_transition_at = $5
WHERE id = $1
RETURNING `+nodeColumns,
			next.ID,
			string(next.State),
			next.URL,
			next.Error,
			next.LastStateTransitionAt,
		))
		return err
	})
	if err != nil {
		return node.Node{}, err
	}
	return updated, nil
}

func (s *PostgresStore) RecordTerminateAttempt(ctx context.Context, id int64, at time.Time) (node.Node, error) {
	n, err := scanNode(s.pool.QueryRow(ctx, `
UPDATE fleet_nodes
SET terminate_attempts = terminate_attempts + 1, last_terminate_attempt_at = $2
WHERE id = $1
RETURNING `+nodeColumns, id, normalizeTime(at)))
	if errors.Is(err, pgx.ErrNoRows) {
		return node.Node{}, ErrNodeNotFound
	}
	return n, err
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, image string) (Deployment, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return Deployment{}, errors.New("image is required")
	}

	now := time.Now().UTC()
	var created Deployment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE fleet_deployments SET superseded_at = $1 WHERE superseded_at IS NULL`, now); err != nil {
			return fmt.Errorf("supersede deployments: %w", err)
		}
		var err error
		created, err = scanDeployment(tx.QueryRow(ctx, `
INSERT INTO fleet_deployments (image, created_at, superseded_at)
VALUES ($1, $2, NULL)
RETURNING `+deploymentColumns, image, now))
		return err
	})
	if err != nil {
		return Deployment{}, err
	}
	return created, nil
}

func (s *PostgresStore) ActiveDeployment(ctx context.Context) (Deployment, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx, `
SELECT `+deploymentColumns+`
FROM fleet_deployments
WHERE superseded_at IS NULL
ORDER BY id DESC
LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return Deployment{}, ErrNoDeployment
	}
	return d, err
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS fleet_deployments (
	id BIGSERIAL PRIMARY KEY,
	image TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	superseded_at TIMESTAMPTZ NULL
);

CREATE TABLE IF NOT EXISTS fleet_nodes (
	id BIGSERIAL PRIMARY KEY,
	routing_id TEXT NOT NULL,
	deployment_id BIGINT NOT NULL REFERENCES fleet_deployments (id),
	state TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL,
	cpu_milli INTEGER NOT NULL,
	memory_mb INTEGER NOT NULL,
	storage_mb INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	terminate_attempts INTEGER NOT NULL DEFAULT 0,
	last_terminate_attempt_at TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_state_transition_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fleet_nodes_state
ON fleet_nodes (state);

CREATE INDEX IF NOT EXISTS idx_fleet_nodes_routing
ON fleet_nodes (routing_id, state);
`)
	if err != nil {
		return fmt.Errorf("init fleet schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const nodeColumns = `
id,
routing_id,
deployment_id,
state,
url,
image,
cpu_milli,
memory_mb,
storage_mb,
error,
terminate_attempts,
last_terminate_attempt_at,
created_at,
last_state_transition_at`

func scanNode(row rowScanner) (node.Node, error) {
	var n node.Node
	var state string
	var lastAttempt *time.Time

	err := row.Scan(
		&n.ID,
		&n.RoutingID,
		&n.DeploymentID,
		&state,
		&n.URL,
		&n.Image,
		&n.CPUMilli,
		&n.MemoryMB,
		&n.StorageMB,
		&n.Error,
		&n.TerminateAttempts,
		&lastAttempt,
		&n.CreatedAt,
		&n.LastStateTransitionAt,
	)
	if err != nil {
		return node.Node{}, err
	}

	n.State = node.State(state)
	n.CreatedAt = n.CreatedAt.UTC()
	n.LastStateTransitionAt = n.LastStateTransitionAt.UTC()
	if lastAttempt != nil {
		n.LastTerminateAttemptAt = lastAttempt.UTC()
	}
	return n, nil
}

const deploymentColumns = `id, image, created_at, superseded_at`

func scanDeployment(row rowScanner) (Deployment, error) {
	var d Deployment
	var superseded *time.Time
	if err := row.Scan(&d.ID, &d.Image, &d.CreatedAt, &superseded); err != nil {
		return Deployment{}, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	if superseded != nil {
		v := superseded.UTC()
		d.SupersededAt = &v
	}
	return d, nil
}
