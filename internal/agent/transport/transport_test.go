package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/waypoint"
)

func TestSend(t *testing.T) {
	type call struct {
		key string
		b   batch
	}
	calls := make(chan call, 2)
	status := int32(http.StatusCreated)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := call{key: r.Header.Get(session.HeaderName)}
		json.NewDecoder(r.Body).Decode(&c.b)
		calls <- c
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	c := NewClient(&ClientConfig{ServerUrl: srv.URL + "/", ApiKey: "k"})
	ps := []*waypoint.Payload{{BusId: "bus-1", ClientId: "a"}, {BusId: "bus-1", ClientId: "b"}}
	if err := c.Send(context.Background(), ps); err != nil {
		t.Fatal(err)
	}
	got := <-calls
	if got.key != "k" || len(got.b.Waypoints) != 2 || got.b.Waypoints[1].ClientId != "b" {
		t.Error(got)
	}

	atomic.StoreInt32(&status, http.StatusInternalServerError)
	err := c.Send(context.Background(), ps)
	if se, ok := err.(*StatusError); !ok || se.Code != 500 {
		t.Error(err)
	}
}

func TestSendTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(&ClientConfig{ServerUrl: srv.URL, Timeout: 50 * time.Millisecond})
	if err := c.Send(context.Background(), nil); err == nil {
		t.Error("expected timeout")
	}
}

func TestMonitorTransitions(t *testing.T) {
	up := int32(0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&up) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	m := NewMonitor(NewClient(&ClientConfig{ServerUrl: srv.URL}), &MonitorConfig{Interval: 10 * time.Millisecond})
	back := make(chan struct{}, 4)
	m.OnOnline(func() { back <- struct{}{} })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for m.Online() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Online() {
		t.Fatal("monitor still online")
	}
	atomic.StoreInt32(&up, 1)
	select {
	case <-back:
	case <-time.After(2 * time.Second):
		t.Fatal("no online callback")
	}
	if !m.Online() {
		t.Error("expected online")
	}
}
