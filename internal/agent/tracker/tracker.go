package tracker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/bustracker/internal/agent/flush"
	"nuha.dev/bustracker/internal/agent/queue"
	"nuha.dev/bustracker/internal/agent/source"
	"nuha.dev/bustracker/internal/agent/transport"
	"nuha.dev/bustracker/internal/waypoint"
)

var ErrRunning = errors.New("tracker already running")

type TrackerConfig struct {
	Source        source.SourceConfig
	Client        transport.ClientConfig
	FlushInterval time.Duration
	ProbeInterval time.Duration
	QueuePath     string
	Node          uint64
}

// Status is the operator panel snapshot.
type Status struct {
	Tracking     bool      `json:"tracking"`
	Captured     int       `json:"captured"`
	Queued       int       `json:"queued"`
	Online       bool      `json:"online"`
	LastSync     time.Time `json:"lastSync"`
	LastAccuracy *float64  `json:"lastAccuracy,omitempty"`
	LastLat      *float64  `json:"lastLatitude,omitempty"`
	LastLon      *float64  `json:"lastLongitude,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Tracker runs capture and delivery for one bus.
type Tracker struct {
	config *TrackerConfig
	q      *queue.Queue
	client *transport.Client
	mon    *transport.Monitor
	sched  *flush.Scheduler
	log    zerolog.Logger

	mu       sync.Mutex
	provider source.Provider
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	bg       sync.WaitGroup
	closed   bool
	captured int
	last     *waypoint.Payload
	lastErr  error
}

func NewTracker(ctx context.Context, config *TrackerConfig) (*Tracker, error) {
	q, err := queue.Open(ctx, &queue.QueueConfig{Path: config.QueuePath, Node: config.Node})
	if err != nil {
		return nil, err
	}
	t := &Tracker{config: config, q: q}
	t.log = log.With().Str("module", "tracker").Str("bus_id", config.Source.BusId).Logger()
	t.client = transport.NewClient(&config.Client)
	t.mon = transport.NewMonitor(t.client, &transport.MonitorConfig{Interval: config.ProbeInterval})
	t.sched = flush.NewScheduler(q, t.client, t.mon, &flush.SchedulerConfig{Interval: config.FlushInterval})
	t.sched.OnResult = func(r flush.Result) {
		if r.Err != nil {
			t.set_error(r.Err)
		}
	}
	t.mon.OnOnline(t.reconnect_flush)
	return t, nil
}

func (t *Tracker) reconnect_flush() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.bg.Add(1)
	t.mu.Unlock()
	defer t.bg.Done()
	err := t.sched.TryFlush(context.Background())
	if err != nil && !errors.Is(err, flush.ErrBusy) {
		t.log.Debug().Err(err).Msg("reconnect flush failed")
	}
}

// Start begins capturing from provider. The provider is released by Stop.
func (t *Tracker) Start(provider source.Provider) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.provider = provider

	src := source.NewSource(provider, t.q, &t.config.Source)
	src.OnWaypoint = func(p *waypoint.Payload) {
		t.mu.Lock()
		t.captured++
		t.last = p
		t.mu.Unlock()
	}
	src.OnError = t.set_error

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		if err := src.Run(ctx); err != nil {
			t.log.Error().Err(err).Msg("location source stopped")
			t.set_error(err)
		}
	}()
	go func() {
		defer t.wg.Done()
		t.sched.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.mon.Run(ctx)
	}()
	t.log.Info().Msg("tracking started")
	return nil
}

// Stop halts capture and performs a final flush. It is safe to call when
// the tracker is not running.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, provider := t.cancel, t.provider
	t.cancel, t.provider = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if c, ok := provider.(io.Closer); ok {
		if err := c.Close(); err != nil {
			t.log.Warn().Err(err).Msg("closing location provider")
		}
	}
	t.wg.Wait()
	err := t.sched.Final(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("final flush failed, items stay queued")
	}
	t.log.Info().Msg("tracking stopped")
	return err
}

// Flush triggers an immediate delivery attempt.
func (t *Tracker) Flush(ctx context.Context) error {
	return t.sched.TryFlush(ctx)
}

// Close waits for a pending reconnect flush and closes the queue.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.bg.Wait()
	return t.q.Close()
}

func (t *Tracker) set_error(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
}

func (t *Tracker) Status(ctx context.Context) Status {
	n, err := t.q.Len(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("queue length")
	}
	last_sync, _ := t.sched.LastSync()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Tracking: t.cancel != nil,
		Captured: t.captured,
		Queued:   n,
		Online:   t.mon.Online(),
		LastSync: last_sync,
	}
	if t.last != nil {
		s.LastAccuracy = t.last.Accuracy
		s.LastLat = t.last.Latitude
		s.LastLon = t.last.Longitude
	}
	if t.lastErr != nil {
		s.LastError = t.lastErr.Error()
	}
	return s
}
