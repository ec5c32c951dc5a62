package flush

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"nuha.dev/bustracker/internal/agent/queue"
	"nuha.dev/bustracker/internal/waypoint"
)

var (
	ErrBusy    = errors.New("flush already running")
	ErrOffline = errors.New("server offline")
)

type Queue interface {
	Drain(ctx context.Context) ([]*queue.Item, error)
	Ack(ctx context.Context, items []*queue.Item) error
	Restore(ctx context.Context, items []*queue.Item) error
}

type Sender interface {
	Send(ctx context.Context, ps []*waypoint.Payload) error
}

type Connectivity interface {
	Online() bool
	Set(online bool)
}

type SchedulerConfig struct {
	Interval time.Duration
	// MaxBatch caps items per request; larger drains go out in chunks.
	MaxBatch int
}

// Result describes one flush attempt.
type Result struct {
	At    time.Time
	Items int
	Err   error
}

// Scheduler moves queued items to the server, one flush at a time.
type Scheduler struct {
	q      Queue
	sender Sender
	conn   Connectivity
	config *SchedulerConfig
	sem    *semaphore.Weighted
	log    zerolog.Logger

	mu       sync.Mutex
	lastSync time.Time
	lastErr  error

	OnResult func(r Result)
}

func NewScheduler(q Queue, sender Sender, conn Connectivity, config *SchedulerConfig) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = 500
	}
	s := &Scheduler{q: q, sender: sender, conn: conn, config: config}
	s.sem = semaphore.NewWeighted(1)
	s.log = log.With().Str("module", "flush").Logger()
	return s
}

// Run flushes on every tick until ctx is done. A tick that finds a flush in
// progress is skipped.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.config.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := s.TryFlush(ctx)
			if errors.Is(err, ErrBusy) {
				s.log.Debug().Msg("flush in progress, tick skipped")
			}
		}
	}
}

// TryFlush flushes unless another flush holds the slot.
func (s *Scheduler) TryFlush(ctx context.Context) error {
	if !s.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer s.sem.Release(1)
	return s.flush(ctx)
}

// Final waits for any running flush and then flushes once more.
func (s *Scheduler) Final(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return s.flush(ctx)
}

func (s *Scheduler) flush(ctx context.Context) error {
	items, err := s.q.Drain(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("drain failed")
		return s.done(0, err)
	}
	if len(items) == 0 {
		return nil
	}
	if !s.conn.Online() {
		s.restore(items)
		return s.done(0, ErrOffline)
	}
	sent := 0
	for sent < len(items) {
		end := sent + s.config.MaxBatch
		if end > len(items) {
			end = len(items)
		}
		chunk := items[sent:end]
		ps := make([]*waypoint.Payload, len(chunk))
		for i, it := range chunk {
			ps[i] = it.Payload
		}
		err = s.sender.Send(ctx, ps)
		if err != nil {
			s.log.Warn().Err(err).Int("items", len(items)-sent).Msg("send failed, items restored")
			s.restore(items[sent:])
			s.conn.Set(false)
			return s.done(sent, err)
		}
		s.conn.Set(true)
		// rows left leased by a failed ack are resent after restart
		if err := s.q.Ack(context.Background(), chunk); err != nil {
			s.log.Error().Err(err).Msg("ack failed")
		}
		sent = end
	}
	s.log.Info().Int("items", sent).Msg("queue flushed")
	return s.done(sent, nil)
}

func (s *Scheduler) restore(items []*queue.Item) {
	// restore even when ctx is already cancelled
	if err := s.q.Restore(context.Background(), items); err != nil {
		s.log.Error().Err(err).Int("items", len(items)).Msg("restore failed")
	}
}

func (s *Scheduler) done(n int, err error) error {
	r := Result{At: time.Now(), Items: n, Err: err}
	s.mu.Lock()
	if err == nil {
		s.lastSync = r.At
	}
	s.lastErr = err
	s.mu.Unlock()
	if s.OnResult != nil {
		s.OnResult(r)
	}
	return err
}

// LastSync is the time of the last successful delivery.
func (s *Scheduler) LastSync() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync, s.lastErr
}
