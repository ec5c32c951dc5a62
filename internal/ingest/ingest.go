package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/metrics"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

type Result string

const (
	ResultNew       Result = "new"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected"
)

var (
	ErrMalformed = errors.New("body is neither a waypoint nor a waypoint batch")
	ErrTooLarge  = errors.New("batch too large")
)

type ItemResult struct {
	Index    int                `json:"index"`
	ClientId string             `json:"clientId,omitempty"`
	Result   Result             `json:"result"`
	Error    string             `json:"error,omitempty"`
	Waypoint *waypoint.Waypoint `json:"-"`
}

type Response struct {
	// Inserted counts accepted items, new and duplicate alike.
	Inserted   int                  `json:"inserted"`
	Duplicates int                  `json:"duplicates"`
	Rejected   int                  `json:"rejected"`
	Waypoints  []*waypoint.Waypoint `json:"waypoints"`
	Results    []ItemResult         `json:"results"`
}

type Publisher interface {
	Publish(ctx context.Context, w *waypoint.Waypoint) error
}

type GatewayConfig struct {
	MaxBatch int
}

type Gateway struct {
	st     store.WaypointStore
	pub    Publisher
	config *GatewayConfig
	log    log.Logger
}

func NewGateway(st store.WaypointStore, pub Publisher, config *GatewayConfig) *Gateway {
	g := &Gateway{st: st, pub: pub, config: config}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "ingest").Value()
	return g
}

// ParseBatch splits a request body into raw waypoint items. The body is
// either a single waypoint object or {"waypoints": [...]}.
func ParseBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrMalformed
	}
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, ErrMalformed
		}
		return items, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, ErrMalformed
	}
	raw, ok := obj["waypoints"]
	if !ok {
		return []json.RawMessage{json.RawMessage(body)}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, ErrMalformed
	}
	return items, nil
}

// Ingest validates and stores every item independently. A rejected item
// never affects its siblings. A store error aborts the batch; items stored
// before it stay stored and collapse into duplicates on retry.
func (g *Gateway) Ingest(ctx context.Context, items []json.RawMessage, s *session.Session) (*Response, error) {
	if g.config.MaxBatch > 0 && len(items) > g.config.MaxBatch {
		return nil, ErrTooLarge
	}
	t0 := time.Now()
	metrics.IngestBatches.Inc()
	metrics.BatchSize.Observe(float64(len(items)))
	tracked_by, weekend := "", ""
	if s != nil {
		tracked_by, weekend = s.Label, s.CampWeekend
	}
	res := &Response{Waypoints: make([]*waypoint.Waypoint, 0, len(items)), Results: make([]ItemResult, 0, len(items))}
	for i, raw := range items {
		ir, err := g.ingest_one(ctx, i, raw, tracked_by, weekend)
		if err != nil {
			metrics.IngestErrors.Inc()
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		metrics.IngestItems.WithLabelValues(string(ir.Result)).Inc()
		switch ir.Result {
		case ResultRejected:
			res.Rejected++
			g.log.Info().Int("index", i).Str("client_id", ir.ClientId).Str("reason", ir.Error).Msg("waypoint rejected")
		case ResultDuplicate:
			res.Duplicates++
			res.Inserted++
			res.Waypoints = append(res.Waypoints, ir.Waypoint)
		case ResultNew:
			res.Inserted++
			res.Waypoints = append(res.Waypoints, ir.Waypoint)
			if g.pub != nil {
				if err := g.pub.Publish(ctx, ir.Waypoint); err != nil {
					g.log.Error().Err(err).Int64("id", ir.Waypoint.Id).Msg("publish failed")
				}
			}
		}
		res.Results = append(res.Results, ir)
	}
	metrics.IngestDuration.Observe(time.Since(t0).Seconds())
	g.log.Debug().Int("items", len(items)).Int("inserted", res.Inserted).Int("duplicates", res.Duplicates).Int("rejected", res.Rejected).Str("tracked_by", tracked_by).Dur("time_taken", time.Since(t0)).Msg("batch ingested")
	return res, nil
}

// ingest_one only returns an error when the store fails.
func (g *Gateway) ingest_one(ctx context.Context, i int, raw json.RawMessage, tracked_by, weekend string) (ItemResult, error) {
	ir := ItemResult{Index: i}
	p := &waypoint.Payload{}
	if err := json.Unmarshal(raw, p); err != nil {
		ir.Result = ResultRejected
		ir.Error = "malformed waypoint: " + err.Error()
		return ir, nil
	}
	ir.ClientId = p.ClientId
	if err := waypoint.Validate(p); err != nil {
		ir.Result = ResultRejected
		ir.Error = err.Error()
		return ir, nil
	}
	if p.ClientId == "" {
		p.ClientId = util.GenUUID()
		ir.ClientId = p.ClientId
	}
	rec, err := p.Record(tracked_by, weekend)
	if err != nil {
		ir.Result = ResultRejected
		ir.Error = err.Error()
		return ir, nil
	}
	stored, created, err := g.st.Insert(ctx, rec)
	if err != nil {
		g.log.Error().Err(err).Str("client_id", rec.ClientId).Msg("store insert failed")
		return ir, err
	}
	ir.Waypoint = stored
	if created {
		ir.Result = ResultNew
	} else {
		ir.Result = ResultDuplicate
	}
	return ir, nil
}
