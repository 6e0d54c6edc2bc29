package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog shares the registry's pool and creates the events table if needed.
func NewPostgresLog(ctx context.Context, pool *pgxpool.Pool) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool}
	if err := l.initSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresLog) Publish(ctx context.Context, evt Event) error {
	return l.Append(ctx, evt)
}

func (l *PostgresLog) Append(ctx context.Context, evt Event) error {
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
INSERT INTO node_events (id, node_id, routing_id, action, from_state, to_state, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
		evt.ID, evt.NodeID, evt.RoutingID, evt.Action, string(evt.From), string(evt.To), evt.Message, meta, evt.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *PostgresLog) ListByNode(ctx context.Context, nodeID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := l.pool.Query(ctx, `
SELECT `+eventColumns+` FROM (
	SELECT `+eventColumns+` FROM node_events WHERE node_id = $1 ORDER BY created_at DESC LIMIT $2
) recent ORDER BY created_at ASC`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list node events: %w", err)
	}
	return scanEvents(rows)
}

func (l *PostgresLog) ListRecent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := l.pool.Query(ctx, `SELECT `+eventColumns+` FROM node_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return scanEvents(rows)
}

func (l *PostgresLog) initSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS node_events (
	id TEXT PRIMARY KEY,
	node_id BIGINT NOT NULL DEFAULT 0,
	routing_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_node_events_node
ON node_events (node_id, created_at);
`)
	if err != nil {
		return fmt.Errorf("init events schema: %w", err)
	}
	return nil
}

const eventColumns = `id, node_id, routing_id, action, from_state, to_state, message, metadata, created_at`

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var evt Event
		var from, to string
		var meta []byte
		if err := rows.Scan(&evt.ID, &evt.NodeID, &evt.RoutingID, &evt.Action, &from, &to, &evt.Message, &meta, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.From = node.State(from)
		evt.To = node.State(to)
		evt.Timestamp = evt.Timestamp.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
