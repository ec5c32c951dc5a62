package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nuha.dev/bustracker/internal/waypoint"
)

type memSink struct {
	mu  sync.Mutex
	got []*waypoint.Payload
}

func (m *memSink) Enqueue(ctx context.Context, p *waypoint.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, p)
	return nil
}

func TestJSONLineSource(t *testing.T) {
	lines := strings.Join([]string{
		`{"gps_time":"2025-05-15T09:00:00Z","latitude":33.75,"longitude":-116.70,"accuracy":5,"speed":8.5,"fix":true}`,
		`{"gps_time":"2025-05-15T09:00:05Z","latitude":0,"longitude":0,"fix":false}`,
		`garbage`,
		``,
		`{"gps_time":"2025-05-15T09:00:07Z","fix":true,"speed":3}`,
		`{"gps_time":"2025-05-15T09:00:10Z","latitude":33.76,"longitude":-116.70,"fix":true}`,
	}, "\n")
	sink := &memSink{}
	src := NewSource(NewJSONLineProvider(strings.NewReader(lines)), sink, &SourceConfig{BusId: "bus-2", BusLabel: "Bus 2", CampWeekend: "May 15th-17th"})
	var errs []error
	src.OnError = func(err error) { errs = append(errs, err) }

	if err := src.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sink.got) != 2 {
		t.Fatalf("%d payloads", len(sink.got))
	}
	if len(errs) != 3 || !errors.Is(errs[0], ErrNoFix) {
		t.Error(errs)
	}
	p := sink.got[0]
	if p.BusId != "bus-2" || p.CampWeekend != "May 15th-17th" || *p.Accuracy != 5 || p.Heading != nil {
		t.Errorf("%+v", p)
	}
	if p.ClientId == "" || p.ClientId == sink.got[1].ClientId {
		t.Error("client ids must be unique")
	}
	if err := waypoint.Validate(p); err != nil {
		t.Error(err)
	}
}

func TestChanProviderStops(t *testing.T) {
	sink := &memSink{}
	prov := NewChanProvider()
	src := NewSource(prov, sink, &SourceConfig{BusId: "bus-1", BusLabel: "Bus 1"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- src.Run(ctx) }()

	prov.Fixes <- Fix{Time: time.Now(), Latitude: 1, Longitude: 2}
	prov.Errs <- errors.New("timeout")
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.got) != 1 {
		t.Error(len(sink.got))
	}
}
