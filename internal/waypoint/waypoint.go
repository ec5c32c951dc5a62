package waypoint

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const UnknownTracker = "Unknown"

// Payload is one waypoint as sent by a tracker. Pointer fields distinguish
// an absent value from a zero one.
type Payload struct {
	BusId       string     `json:"busId" validate:"required"`
	BusLabel    string     `json:"busLabel" validate:"required"`
	Latitude    *float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude   *float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Accuracy    *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Heading     *float64   `json:"heading,omitempty"`
	Speed       *float64   `json:"speed,omitempty"`
	CampWeekend string     `json:"campWeekend,omitempty"`
	ClientId    string     `json:"clientId,omitempty"`
	Timestamp   *time.Time `json:"timestamp" validate:"required"`
}

// Waypoint is a persisted fix. Id, Ref and ReceivedAt are zero until the
// record has been stored.
type Waypoint struct {
	Id          int64     `json:"id"`
	Ref         string    `json:"ref,omitempty"`
	BusId       string    `json:"busId"`
	BusLabel    string    `json:"busLabel"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Accuracy    *float64  `json:"accuracy"`
	Heading     *float64  `json:"heading"`
	Speed       *float64  `json:"speed"`
	TrackedBy   string    `json:"trackedBy"`
	CampWeekend string    `json:"campWeekend,omitempty"`
	ClientId    string    `json:"clientId"`
	CapturedAt  time.Time `json:"timestamp"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

var ErrMissingClientId = errors.New("waypoint has no client id")

var vld = validator.New()

// Validate checks the mandatory fields and coordinate ranges.
func Validate(p *Payload) error {
	p.BusId = strings.TrimSpace(p.BusId)
	p.BusLabel = strings.TrimSpace(p.BusLabel)
	return vld.Struct(p)
}

// Record builds the record to persist. trackedBy is the session label and
// weekend is the session's camp weekend, used when the payload carries none.
func (p *Payload) Record(trackedBy string, weekend string) (*Waypoint, error) {
	if p.ClientId == "" {
		return nil, ErrMissingClientId
	}
	if trackedBy == "" {
		trackedBy = UnknownTracker
	}
	w := &Waypoint{
		BusId:       p.BusId,
		BusLabel:    p.BusLabel,
		Latitude:    *p.Latitude,
		Longitude:   *p.Longitude,
		Accuracy:    p.Accuracy,
		Heading:     p.Heading,
		Speed:       p.Speed,
		TrackedBy:   trackedBy,
		CampWeekend: p.CampWeekend,
		ClientId:    p.ClientId,
		CapturedAt:  p.Timestamp.UTC(),
	}
	if w.CampWeekend == "" {
		w.CampWeekend = weekend
	}
	return w, nil
}

// Age is how long ago the fix was taken.
func (w *Waypoint) Age(now time.Time) time.Duration {
	return now.Sub(w.CapturedAt)
}

// Newer reports whether w supersedes o as the latest fix of a bus: a later
// capture time wins, and the higher server id breaks ties.
func (w *Waypoint) Newer(o *Waypoint) bool {
	if o == nil {
		return true
	}
	if !w.CapturedAt.Equal(o.CapturedAt) {
		return w.CapturedAt.After(o.CapturedAt)
	}
	return w.Id > o.Id
}

func Float(v float64) *float64 {
	return &v
}
