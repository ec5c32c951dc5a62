package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/waypoint"
)

type Store struct {
	config *StoreConfig
	dbp    *pgxpool.Pool
	log    log.Logger
	table  string
	cols   string
}

type StoreConfig struct {
	QueryTimeout time.Duration
}

func NewStore(db *pgxpool.Pool, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	o.table = pgx.Identifier{table}.Sanitize()
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Value()
	o.cols = `id,bus_id,bus_label,latitude,longitude,accuracy,heading,speed,tracked_by,COALESCE(camp_weekend,''),client_id,captured_at,received_at`
	return o
}

func (st *Store) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if st.config.QueryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, st.config.QueryTimeout)
}

func scan_waypoint(row pgx.Row) (*waypoint.Waypoint, error) {
	w := &waypoint.Waypoint{}
	err := row.Scan(&w.Id, &w.BusId, &w.BusLabel, &w.Latitude, &w.Longitude, &w.Accuracy, &w.Heading, &w.Speed,
		&w.TrackedBy, &w.CampWeekend, &w.ClientId, &w.CapturedAt, &w.ReceivedAt)
	if err != nil {
		return nil, err
	}
	w.CapturedAt = w.CapturedAt.UTC()
	w.ReceivedAt = w.ReceivedAt.UTC()
	return w, nil
}

// Insert relies on the unique client_id constraint: ON CONFLICT DO NOTHING
// returns no row when the waypoint already exists, and the existing row is
// then read back unchanged.
func (st *Store) Insert(ctx context.Context, w *waypoint.Waypoint) (*waypoint.Waypoint, bool, error) {
	ctx, cancel := st.timeout(ctx)
	defer cancel()
	insert_sql := `INSERT INTO ` + st.table + ` (bus_id,bus_label,latitude,longitude,accuracy,heading,speed,tracked_by,camp_weekend,client_id,captured_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11)
	ON CONFLICT (client_id) DO NOTHING
	RETURNING ` + st.cols
	row := st.dbp.QueryRow(ctx, insert_sql, w.BusId, w.BusLabel, w.Latitude, w.Longitude, w.Accuracy, w.Heading, w.Speed,
		w.TrackedBy, w.CampWeekend, w.ClientId, w.CapturedAt)
	rec, err := scan_waypoint(row)
	if err == nil {
		st.log.Debug().Str("bus_id", rec.BusId).Str("client_id", rec.ClientId).Int64("id", rec.Id).Msg("waypoint stored")
		return rec, true, nil
	}
	var pgErr *pgconn.PgError
	if err != pgx.ErrNoRows && !(errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation) {
		return nil, false, fmt.Errorf("insert waypoint %s: %w", w.ClientId, err)
	}
	rec, err = st.by_client_id(ctx, w.ClientId)
	if err != nil {
		return nil, false, fmt.Errorf("read existing waypoint %s: %w", w.ClientId, err)
	}
	st.log.Debug().Str("client_id", rec.ClientId).Int64("id", rec.Id).Msg("duplicate waypoint")
	return rec, false, nil
}

func (st *Store) by_client_id(ctx context.Context, client_id string) (*waypoint.Waypoint, error) {
	row := st.dbp.QueryRow(ctx, `SELECT `+st.cols+` FROM `+st.table+` WHERE client_id = $1`, client_id)
	return scan_waypoint(row)
}

func (st *Store) Latest(ctx context.Context, q store.LatestQuery) ([]*waypoint.Waypoint, error) {
	ctx, cancel := st.timeout(ctx)
	defer cancel()
	where, args := filter(store.HistoryQuery{CampWeekend: q.CampWeekend})
	select_sql := `SELECT DISTINCT ON (bus_id) ` + st.cols + ` FROM ` + st.table + where + ` ORDER BY bus_id, captured_at DESC, id DESC`
	return st.query(ctx, select_sql, args...)
}

func (st *Store) History(ctx context.Context, q store.HistoryQuery) ([]*waypoint.Waypoint, error) {
	ctx, cancel := st.timeout(ctx)
	defer cancel()
	where, args := filter(q)
	select_sql := `SELECT ` + st.cols + ` FROM ` + st.table + where + ` ORDER BY captured_at ASC, id ASC`
	return st.query(ctx, select_sql, args...)
}

func (st *Store) Get(ctx context.Context, id int64) (*waypoint.Waypoint, error) {
	ctx, cancel := st.timeout(ctx)
	defer cancel()
	w, err := scan_waypoint(st.dbp.QueryRow(ctx, `SELECT `+st.cols+` FROM `+st.table+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (st *Store) query(ctx context.Context, sql string, args ...interface{}) ([]*waypoint.Waypoint, error) {
	rows, err := st.dbp.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make([]*waypoint.Waypoint, 0)
	for rows.Next() {
		w, err := scan_waypoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func filter(q store.HistoryQuery) (string, []interface{}) {
	conds := make([]string, 0, 4)
	args := make([]interface{}, 0, 4)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.BusId != "" {
		add("bus_id = $%d", q.BusId)
	}
	if q.CampWeekend != "" {
		add("camp_weekend = $%d", q.CampWeekend)
	}
	if !q.From.IsZero() {
		add("captured_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("captured_at <= $%d", q.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
