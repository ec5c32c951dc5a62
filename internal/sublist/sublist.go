package sublist

import (
	"encoding/json"
	"sync"

	"nuha.dev/bustracker/internal/waypoint"
)

// Wildcard subscribes to every bus.
const Wildcard = "*"

type Subscriber interface {
	// Push hands a message to the subscriber. It returns true when the
	// subscriber is closed and should be dropped.
	Push(sender string, d []byte) bool
}

type SublistMap struct {
	mu   *sync.Mutex
	list map[string]*Sublist
}

type Sublist struct {
	key  string
	list map[Subscriber]bool
	data []byte
	last *waypoint.Waypoint
	mu   *sync.Mutex
}

func NewSublistMap() *SublistMap {
	m := SublistMap{}
	m.mu = &sync.Mutex{}
	m.list = map[string]*Sublist{}
	return &m
}

func (s *SublistMap) GetSublist(key string, create bool) (*Sublist, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	m := &Sublist{}
	m.list = make(map[Subscriber]bool)
	m.key = key
	m.mu = &sync.Mutex{}
	s.list[key] = m
	return m, true
}

// Keys lists the buses that have a sublist.
func (s *SublistMap) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.list))
	for k := range s.list {
		if k != Wildcard {
			keys = append(keys, k)
		}
	}
	return keys
}

// Publish fans a waypoint out to the bus's subscribers and the wildcard
// subscribers.
func (s *SublistMap) Publish(w *waypoint.Waypoint) error {
	d, err := encode_waypoint(w)
	if err != nil {
		return err
	}
	l, _ := s.GetSublist(w.BusId, true)
	l.Update(w, d)
	if all, ok := s.GetSublist(Wildcard, false); ok {
		all.Send(w.BusId, d)
	}
	return nil
}

// Subscribe adds sub and replays the last known position, if any.
func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list[sub] = true
	if s.data != nil {
		sub.Push(s.key, s.data)
	}
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	delete(s.list, sub)
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Update fans d out and keeps it for replay when w is the newest fix seen
// for the bus. Late arrivals are still pushed to live subscribers.
func (s *Sublist) Update(w *waypoint.Waypoint, d []byte) {
	s.mu.Lock()
	if w.Newer(s.last) {
		s.last = w
		s.data = d
	}
	s.push(s.key, d)
	s.mu.Unlock()
}

func (s *Sublist) Send(sender string, d []byte) {
	s.mu.Lock()
	s.push(sender, d)
	s.mu.Unlock()
}

func (s *Sublist) push(sender string, d []byte) {
	for sub := range s.list {
		closed := sub.Push(sender, d)
		if closed {
			delete(s.list, sub)
		}
	}
}

type downstream_type struct {
	Type     string             `json:"type"`
	BusId    string             `json:"busId"`
	Waypoint *waypoint.Waypoint `json:"waypoint"`
}

func encode_waypoint(w *waypoint.Waypoint) ([]byte, error) {
	return json.Marshal(downstream_type{Type: "waypoint", BusId: w.BusId, Waypoint: w})
}
