package flush

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nuha.dev/bustracker/internal/agent/queue"
	"nuha.dev/bustracker/internal/waypoint"
)

type fakeSender struct {
	mu    sync.Mutex
	err   error
	sent  [][]*waypoint.Payload
	gate  chan struct{}
	calls int32
}

func (f *fakeSender) Send(ctx context.Context, ps []*waypoint.Payload) error {
	atomic.AddInt32(&f.calls, 1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, ps)
	return nil
}

type fakeConn struct {
	online int32
}

func (c *fakeConn) Online() bool { return atomic.LoadInt32(&c.online) == 1 }
func (c *fakeConn) Set(online bool) {
	if online {
		atomic.StoreInt32(&c.online, 1)
	} else {
		atomic.StoreInt32(&c.online, 0)
	}
}

func setup(t *testing.T, ids ...string) *queue.Queue {
	t.Helper()
	ctx := context.Background()
	q, err := queue.Open(ctx, &queue.QueueConfig{Path: filepath.Join(t.TempDir(), "q.db"), Node: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })
	for _, id := range ids {
		ts := time.Now()
		q.Enqueue(ctx, &waypoint.Payload{BusId: "bus-1", BusLabel: "Bus 1", ClientId: id,
			Latitude: waypoint.Float(1), Longitude: waypoint.Float(2), Timestamp: &ts})
	}
	return q
}

func queued(t *testing.T, q *queue.Queue) int {
	n, err := q.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestFlushDelivers(t *testing.T) {
	q := setup(t, "a", "b")
	snd := &fakeSender{}
	s := NewScheduler(q, snd, &fakeConn{online: 1}, &SchedulerConfig{})
	if err := s.TryFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.sent) != 1 || len(snd.sent[0]) != 2 || snd.sent[0][0].ClientId != "a" {
		t.Error(snd.sent)
	}
	if queued(t, q) != 0 {
		t.Error("delivered items still queued")
	}
	if last, err := s.LastSync(); last.IsZero() || err != nil {
		t.Error(last, err)
	}

	// empty queue, no network attempt
	s.TryFlush(context.Background())
	if atomic.LoadInt32(&snd.calls) != 1 {
		t.Error(snd.calls)
	}
}

func TestOfflineDurability(t *testing.T) {
	q := setup(t, "a", "b", "c")
	snd := &fakeSender{}
	conn := &fakeConn{}
	s := NewScheduler(q, snd, conn, &SchedulerConfig{})
	for i := 0; i < 3; i++ {
		if err := s.TryFlush(context.Background()); !errors.Is(err, ErrOffline) {
			t.Fatal(err)
		}
	}
	if atomic.LoadInt32(&snd.calls) != 0 || queued(t, q) != 3 {
		t.Error("offline flush touched the network or lost items")
	}

	conn.Set(true)
	if err := s.TryFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if queued(t, q) != 0 || len(snd.sent[0]) != 3 {
		t.Error("items not delivered after reconnect")
	}
}

func TestSendFailureRestores(t *testing.T) {
	q := setup(t, "a")
	snd := &fakeSender{err: errors.New("500")}
	conn := &fakeConn{online: 1}
	var results []Result
	s := NewScheduler(q, snd, conn, &SchedulerConfig{})
	s.OnResult = func(r Result) { results = append(results, r) }

	if err := s.TryFlush(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if queued(t, q) != 1 || conn.Online() {
		t.Error("failed send must restore and mark offline")
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Error(results)
	}
	items, _ := q.Drain(context.Background())
	if len(items) != 1 {
		t.Error("restored item not drainable")
	}
}

func TestOverlappingFlushSkipped(t *testing.T) {
	q := setup(t, "a")
	snd := &fakeSender{gate: make(chan struct{})}
	s := NewScheduler(q, snd, &fakeConn{online: 1}, &SchedulerConfig{})

	done := make(chan error)
	go func() { done <- s.TryFlush(context.Background()) }()
	for atomic.LoadInt32(&snd.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := s.TryFlush(context.Background()); !errors.Is(err, ErrBusy) {
		t.Error(err)
	}

	final := make(chan error)
	go func() { final <- s.Final(context.Background()) }()
	select {
	case <-final:
		t.Fatal("final flush did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	close(snd.gate)
	if err := <-done; err != nil {
		t.Error(err)
	}
	if err := <-final; err != nil {
		t.Error(err)
	}
	if atomic.LoadInt32(&snd.calls) != 1 || queued(t, q) != 0 {
		t.Error("item sent twice or left queued")
	}
}

func TestLargeDrainChunked(t *testing.T) {
	q := setup(t, "a", "b", "c", "d", "e")
	snd := &fakeSender{}
	s := NewScheduler(q, snd, &fakeConn{online: 1}, &SchedulerConfig{MaxBatch: 2})
	if err := s.TryFlush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snd.sent) != 3 || len(snd.sent[2]) != 1 || snd.sent[2][0].ClientId != "e" {
		t.Error(snd.sent)
	}
	if queued(t, q) != 0 {
		t.Error(queued(t, q))
	}
}
