package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/fleet"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/waypoint"
)

// MemStore keeps waypoints in process memory. The client id index is
// checked and updated under one lock, which gives the same first-write-wins
// guarantee as a unique constraint.
type MemStore struct {
	mu       sync.RWMutex
	seq      int64
	rows     []*waypoint.Waypoint
	byClient map[string]*waypoint.Waypoint
	byId     map[int64]*waypoint.Waypoint
	now      func() time.Time
	log      log.Logger
}

func NewStore() *MemStore {
	m := &MemStore{
		byClient: make(map[string]*waypoint.Waypoint),
		byId:     make(map[int64]*waypoint.Waypoint),
		now:      time.Now,
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "memstore").Value()
	return m
}

func (m *MemStore) Insert(ctx context.Context, w *waypoint.Waypoint) (*waypoint.Waypoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byClient[w.ClientId]; ok {
		c := *existing
		return &c, false, nil
	}
	m.seq++
	rec := *w
	rec.Id = m.seq
	rec.ReceivedAt = m.now().UTC()
	m.rows = append(m.rows, &rec)
	m.byClient[rec.ClientId] = &rec
	m.byId[rec.Id] = &rec
	m.log.Debug().Str("bus_id", rec.BusId).Str("client_id", rec.ClientId).Int64("id", rec.Id).Msg("waypoint stored")
	c := rec
	return &c, true, nil
}

func (m *MemStore) Latest(ctx context.Context, q store.LatestQuery) ([]*waypoint.Waypoint, error) {
	scope := store.HistoryQuery{CampWeekend: q.CampWeekend}
	m.mu.RLock()
	in := make([]*waypoint.Waypoint, 0, len(m.rows))
	for _, w := range m.rows {
		if scope.InScope(w) {
			in = append(in, w)
		}
	}
	latest := fleet.SelectLatest(in)
	m.mu.RUnlock()
	return copy_all(latest), nil
}

func (m *MemStore) History(ctx context.Context, q store.HistoryQuery) ([]*waypoint.Waypoint, error) {
	m.mu.RLock()
	res := make([]*waypoint.Waypoint, 0)
	for _, w := range m.rows {
		if q.InScope(w) {
			res = append(res, w)
		}
	}
	res = copy_all(res)
	m.mu.RUnlock()
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].CapturedAt.Equal(res[j].CapturedAt) {
			return res[i].Id < res[j].Id
		}
		return res[i].CapturedAt.Before(res[j].CapturedAt)
	})
	return res, nil
}

func (m *MemStore) Get(ctx context.Context, id int64) (*waypoint.Waypoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byId[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *w
	return &c, nil
}

// Len is the number of stored waypoints.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func copy_all(ws []*waypoint.Waypoint) []*waypoint.Waypoint {
	res := make([]*waypoint.Waypoint, len(ws))
	for i, w := range ws {
		c := *w
		res[i] = &c
	}
	return res
}
