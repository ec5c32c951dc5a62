package fleet

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/util/geo"
	"nuha.dev/bustracker/internal/waypoint"
)

const DefaultActiveThreshold = 5 * time.Minute

type Bus struct {
	Id    string `json:"id" mapstructure:"id"`
	Label string `json:"label" mapstructure:"label"`
}

type FleetConfig struct {
	Destination     geo.Point
	ActiveThreshold time.Duration
	EtaFloor        float64
	Buses           []Bus
}

type Aggregator struct {
	st     store.WaypointStore
	config *FleetConfig
	log    log.Logger
}

// Status is the derived view of one bus at a given instant.
type Status struct {
	BusId         string             `json:"busId"`
	BusLabel      string             `json:"busLabel"`
	HasData       bool               `json:"hasData"`
	Active        bool               `json:"active"`
	LastSeen      string             `json:"lastSeen"`
	AgeSeconds    *int64             `json:"ageSeconds"`
	DistanceMiles *float64           `json:"distanceMiles"`
	SpeedMph      *float64           `json:"speedMph"`
	SpeedKmh      *float64           `json:"speedKmh"`
	EtaMinutes    *float64           `json:"etaMinutes"`
	Eta           string             `json:"eta"`
	Waypoint      *waypoint.Waypoint `json:"waypoint,omitempty"`
}

type Board struct {
	Destination geo.Point `json:"destination"`
	CampWeekend string    `json:"campWeekend,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
	Active      int       `json:"active"`
	Inactive    int       `json:"inactive"`
	Pending     int       `json:"pending"`
	Buses       []Status  `json:"buses"`
}

func NewAggregator(st store.WaypointStore, config *FleetConfig) *Aggregator {
	a := &Aggregator{st: st, config: config}
	if a.config.ActiveThreshold <= 0 {
		a.config.ActiveThreshold = DefaultActiveThreshold
	}
	if a.config.EtaFloor <= 0 {
		a.config.EtaFloor = geo.DefaultEtaFloor
	}
	a.log = log.DefaultLogger
	a.log.Context = log.NewContext(nil).Str("module", "fleet").Value()
	return a
}

// IsActive reports whether a fix captured at capturedAt is recent enough,
// as seen at now, to show the bus as live.
func IsActive(now time.Time, capturedAt time.Time, threshold time.Duration) bool {
	return now.Sub(capturedAt) < threshold
}

// Latest returns exactly one waypoint per bus with data in scope.
func (a *Aggregator) Latest(ctx context.Context, campWeekend string) ([]*waypoint.Waypoint, error) {
	return a.st.Latest(ctx, store.LatestQuery{CampWeekend: campWeekend})
}

// Derive computes the presentation values of one latest record.
func (a *Aggregator) Derive(w *waypoint.Waypoint, now time.Time) Status {
	s := Status{BusId: w.BusId, BusLabel: w.BusLabel, HasData: true, Waypoint: w}
	s.Active = IsActive(now, w.CapturedAt, a.config.ActiveThreshold)
	age := int64(w.Age(now) / time.Second)
	s.AgeSeconds = &age
	s.LastSeen = last_seen(w.Age(now))
	dest := a.config.Destination
	dist := geo.HaversineMiles(w.Latitude, w.Longitude, dest.Latitude, dest.Longitude)
	s.DistanceMiles = &dist
	if w.Speed != nil {
		mph := geo.MsToMph(*w.Speed)
		kmh := geo.MsToKmh(*w.Speed)
		s.SpeedMph = &mph
		s.SpeedKmh = &kmh
		if eta, ok := geo.EstimateEtaMinutes(dist, *w.Speed, a.config.EtaFloor); ok {
			s.EtaMinutes = &eta
		}
	}
	s.Eta = geo.FormatEta(s.EtaMinutes)
	return s
}

// Board lists every bus of the roster plus any other bus that reported in
// scope. Roster buses without data are listed as pending.
func (a *Aggregator) Board(ctx context.Context, campWeekend string, now time.Time) (*Board, error) {
	latest, err := a.Latest(ctx, campWeekend)
	if err != nil {
		return nil, err
	}
	b := &Board{Destination: a.config.Destination, CampWeekend: campWeekend, GeneratedAt: now.UTC()}
	seen := make(map[string]*waypoint.Waypoint, len(latest))
	for _, w := range latest {
		seen[w.BusId] = w
	}
	for _, bus := range a.config.Buses {
		w, ok := seen[bus.Id]
		if !ok {
			b.Buses = append(b.Buses, Status{BusId: bus.Id, BusLabel: bus.Label, LastSeen: "No data", Eta: geo.FormatEta(nil)})
			b.Pending++
			continue
		}
		delete(seen, bus.Id)
		b.add(a.Derive(w, now))
	}
	extra := make([]string, 0, len(seen))
	for id := range seen {
		extra = append(extra, id)
	}
	sort.Strings(extra)
	for _, id := range extra {
		b.add(a.Derive(seen[id], now))
	}
	a.log.Debug().Int("buses", len(b.Buses)).Int("active", b.Active).Str("camp_weekend", campWeekend).Msg("board computed")
	return b, nil
}

func (b *Board) add(s Status) {
	if s.Active {
		b.Active++
	} else {
		b.Inactive++
	}
	b.Buses = append(b.Buses, s)
}

func last_seen(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%d min ago", int(age/time.Minute))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(age/(24*time.Hour)))
	}
}
