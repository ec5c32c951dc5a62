package store

import (
	"context"
	"errors"
	"time"

	"nuha.dev/bustracker/internal/waypoint"
)

var ErrNotFound = errors.New("waypoint not found")

type LatestQuery struct {
	CampWeekend string
}

type HistoryQuery struct {
	BusId       string
	CampWeekend string
	From        time.Time
	To          time.Time
}

// WaypointStore is the durable, append-only waypoint log.
type WaypointStore interface {
	// Insert stores w unless a waypoint with the same client id exists.
	// It returns the stored record and whether it was created by this call.
	// The first write wins: an existing record is returned unchanged.
	Insert(ctx context.Context, w *waypoint.Waypoint) (*waypoint.Waypoint, bool, error)
	// Latest returns the most recent waypoint per bus by capture time,
	// ordered by bus id.
	Latest(ctx context.Context, q LatestQuery) ([]*waypoint.Waypoint, error)
	// History returns the waypoints of one bus ordered by capture time.
	History(ctx context.Context, q HistoryQuery) ([]*waypoint.Waypoint, error)
	Get(ctx context.Context, id int64) (*waypoint.Waypoint, error)
}

// InScope reports whether w matches the weekend and time range filters.
// Zero values match everything.
func (q HistoryQuery) InScope(w *waypoint.Waypoint) bool {
	if q.BusId != "" && w.BusId != q.BusId {
		return false
	}
	if q.CampWeekend != "" && w.CampWeekend != q.CampWeekend {
		return false
	}
	if !q.From.IsZero() && w.CapturedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && w.CapturedAt.After(q.To) {
		return false
	}
	return true
}
