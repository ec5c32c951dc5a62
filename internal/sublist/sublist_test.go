package sublist

import (
	"encoding/json"
	"testing"
	"time"

	"nuha.dev/bustracker/internal/waypoint"
)

type mockSub struct {
	closed bool
	got    [][]byte
	from   []string
}

func (m *mockSub) Push(sender string, d []byte) bool {
	if m.closed {
		return true
	}
	m.got = append(m.got, d)
	m.from = append(m.from, sender)
	return false
}

func TestPublishPerBus(t *testing.T) {
	sm := NewSublistMap()
	s1, s2 := &mockSub{}, &mockSub{}
	l1, _ := sm.GetSublist("bus-1", true)
	l1.Subscribe(s1)
	l2, _ := sm.GetSublist("bus-2", true)
	l2.Subscribe(s2)

	sm.Publish(&waypoint.Waypoint{BusId: "bus-1", ClientId: "a", CapturedAt: time.Now()})
	if len(s1.got) != 1 || len(s2.got) != 0 {
		t.Error(len(s1.got), len(s2.got))
	}
	var msg downstream_type
	if err := json.Unmarshal(s1.got[0], &msg); err != nil || msg.BusId != "bus-1" || msg.Waypoint.ClientId != "a" {
		t.Error(msg, err)
	}
}

func TestWildcardAndReplay(t *testing.T) {
	sm := NewSublistMap()
	all := &mockSub{}
	w, _ := sm.GetSublist(Wildcard, true)
	w.Subscribe(all)
	sm.Publish(&waypoint.Waypoint{BusId: "bus-1", ClientId: "a"})
	sm.Publish(&waypoint.Waypoint{BusId: "bus-3", ClientId: "b"})
	if len(all.got) != 2 || all.from[1] != "bus-3" {
		t.Error(all.from)
	}

	late := &mockSub{}
	l, ok := sm.GetSublist("bus-3", false)
	if !ok {
		t.Fatal("bus-3 sublist missing")
	}
	l.Subscribe(late)
	if len(late.got) != 1 {
		t.Error("last position not replayed")
	}
	if len(sm.Keys()) != 2 {
		t.Error(sm.Keys())
	}
}

func TestReplayKeepsLatestCapture(t *testing.T) {
	sm := NewSublistMap()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	sm.Publish(&waypoint.Waypoint{Id: 1, BusId: "bus-2", ClientId: "b", CapturedAt: t0.Add(30 * time.Second)})
	sm.Publish(&waypoint.Waypoint{Id: 2, BusId: "bus-2", ClientId: "a", CapturedAt: t0})

	late := &mockSub{}
	l, _ := sm.GetSublist("bus-2", false)
	l.Subscribe(late)
	if len(late.got) != 1 {
		t.Fatal(len(late.got))
	}
	var msg downstream_type
	if err := json.Unmarshal(late.got[0], &msg); err != nil || msg.Waypoint.ClientId != "b" {
		t.Error(msg.Waypoint, err)
	}
}

func TestClosedSubscriberDropped(t *testing.T) {
	sm := NewSublistMap()
	l, _ := sm.GetSublist("bus-1", true)
	for i := 0; i < 10; i++ {
		l.Subscribe(&mockSub{closed: i%3 == 0})
	}
	sm.Publish(&waypoint.Waypoint{BusId: "bus-1"})
	if l.Len() != 6 {
		t.Error(l.Len())
	}
}

func BenchmarkSend(b *testing.B) {
	p := make([]byte, 100)
	sm := NewSublistMap()
	l, _ := sm.GetSublist("bus-1", true)
	for i := 0; i < 100; i++ {
		l.Subscribe(&mockSub{})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Send("bus-1", p)
	}
}
