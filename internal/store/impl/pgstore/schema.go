package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
)

// Schema creates the waypoint and session tables when missing.
type Schema struct {
	db    *pgxpool.Pool
	log   log.Logger
	table string
}

func NewSchema(db *pgxpool.Pool, table string) *Schema {
	m := &Schema{}
	m.db = db
	m.table = table
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "schema").Value()
	return m
}

func (m *Schema) statements() []string {
	t := pgx.Identifier{m.table}.Sanitize()
	idx := func(name string) string { return pgx.Identifier{m.table + "_" + name}.Sanitize() }
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id BIGSERIAL PRIMARY KEY,
			bus_id TEXT NOT NULL,
			bus_label TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			tracked_by TEXT NOT NULL,
			camp_weekend TEXT,
			client_id TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT ` + idx("client_id_key") + ` UNIQUE (client_id)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + idx("bus_captured") + ` ON ` + t + ` (bus_id, captured_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS ` + idx("weekend") + ` ON ` + t + ` (camp_weekend)`,
		`CREATE TABLE IF NOT EXISTS session (
			session_id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			camp_weekend TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			valid_until TIMESTAMPTZ NOT NULL
		)`,
	}
}

func (m *Schema) Apply(ctx context.Context) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, stmt := range m.statements() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	m.log.Info().Str("table", m.table).Msg("schema applied")
	return nil
}

// CreateSession registers a session, used to bootstrap operator access.
func (m *Schema) CreateSession(ctx context.Context, session_id, label, role, camp_weekend string, valid_hours int) error {
	_, err := m.db.Exec(ctx, `INSERT INTO session (session_id,label,role,camp_weekend,valid_until)
	VALUES ($1,$2,$3,NULLIF($4,''),now() + make_interval(hours => $5))`, session_id, label, role, camp_weekend, valid_hours)
	if err != nil {
		m.log.Error().Err(err).Msg("error creating session")
	}
	return err
}
