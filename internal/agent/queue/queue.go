package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

// Item is a queued payload. Seq orders items by enqueue time.
type Item struct {
	Seq     string
	Payload *waypoint.Payload
}

// Queue is the tracker's durable outbox. Items survive restarts and are
// removed only by Ack.
type Queue struct {
	db   *sql.DB
	next func() string
	log  zerolog.Logger
}

type QueueConfig struct {
	Path string
	Node uint64
}

const schema_sql = `CREATE TABLE IF NOT EXISTS queue (
	seq TEXT PRIMARY KEY,
	client_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	inflight INTEGER NOT NULL DEFAULT 0
)`

func Open(ctx context.Context, config *QueueConfig) (*Queue, error) {
	next, err := util.NewSequence(config.Node)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, err
	}
	// one connection serializes every queue operation
	db.SetMaxOpenConns(1)
	q := &Queue{db: db, next: next}
	q.log = log.With().Str("module", "queue").Logger()
	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", schema_sql} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init queue %s: %w", config.Path, err)
		}
	}
	// a flush interrupted by a crash leaves leased rows behind
	res, err := db.ExecContext(ctx, `UPDATE queue SET inflight = 0 WHERE inflight = 1`)
	if err != nil {
		db.Close()
		return nil, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		q.log.Warn().Int64("items", n).Msg("released items leased before restart")
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue stores p. Enqueueing a clientId that is already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, p *waypoint.Payload) error {
	if p.ClientId == "" {
		return waypoint.ErrMissingClientId
	}
	d, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `INSERT OR IGNORE INTO queue(seq,client_id,payload,inflight) VALUES (?,?,?,0)`, q.next(), p.ClientId, string(d))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", p.ClientId, err)
	}
	return nil
}

// Drain leases every idle item in seq order. Leased items stay on disk but
// are invisible to later Drain calls until restored.
func (q *Queue) Drain(ctx context.Context) ([]*Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT seq,payload FROM queue WHERE inflight = 0 ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	items := make([]*Item, 0)
	bad := make([]string, 0)
	for rows.Next() {
		var seq, payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		p := &waypoint.Payload{}
		if err := json.Unmarshal([]byte(payload), p); err != nil {
			q.log.Error().Err(err).Str("seq", seq).Msg("dropping undecodable queue row")
			bad = append(bad, seq)
			continue
		}
		items = append(items, &Item{Seq: seq, Payload: p})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, seq := range bad {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return items, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue SET inflight = 1 WHERE inflight = 0`); err != nil {
		return nil, err
	}
	return items, tx.Commit()
}

// Ack removes delivered items.
func (q *Queue) Ack(ctx context.Context, items []*Item) error {
	return q.in_tx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, it.Seq); err != nil {
				return err
			}
		}
		return nil
	})
}

// Restore returns leased items to the queue. Items already present are
// unleased in place; missing ones come back with their original seq, so
// restoring the same items twice leaves one row each.
func (q *Queue) Restore(ctx context.Context, items []*Item) error {
	return q.in_tx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			d, err := json.Marshal(it.Payload)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO queue(seq,client_id,payload,inflight) VALUES (?,?,?,0)
				ON CONFLICT(seq) DO UPDATE SET inflight = 0
				ON CONFLICT(client_id) DO UPDATE SET inflight = 0`, it.Seq, it.Payload.ClientId, string(d))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Len counts every queued item, leased or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM queue`).Scan(&n)
	return n, err
}

func (q *Queue) in_tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%v, rollback error: %w", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
