package session

import (
	"net/http"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PgResolver reads the session cookie and looks it up in the session table.
type PgResolver struct {
	db *pgxpool.Pool
}

func NewPgResolver(db *pgxpool.Pool) *PgResolver {
	return &PgResolver{db: db}
}

func (p *PgResolver) Resolve(r *http.Request) (*Session, error) {
	sid, err := r.Cookie(CookieName)
	if err != nil || sid.Value == "" {
		return nil, ErrNoSession
	}
	select_sql := `SELECT label,role,COALESCE(camp_weekend,''),valid_until FROM session WHERE session_id = $1 AND valid_until > now()`
	var label, role, camp_weekend string
	var valid_until time.Time
	err = p.db.QueryRow(r.Context(), select_sql, sid.Value).Scan(&label, &role, &camp_weekend, &valid_until)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoSession
		}
		return nil, err
	}
	return &Session{Label: label, Role: role, CampWeekend: camp_weekend, ValidUntil: valid_until}, nil
}

// Logout deletes the session named by the request cookie. It reports
// ErrNoSession when there was nothing to delete.
func (p *PgResolver) Logout(r *http.Request) error {
	sid, err := r.Cookie(CookieName)
	if err != nil || sid.Value == "" {
		return ErrNoSession
	}
	ct, err := p.db.Exec(r.Context(), `DELETE FROM session WHERE session_id = $1`, sid.Value)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrNoSession
	}
	return nil
}
