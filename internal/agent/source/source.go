package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

var ErrNoFix = errors.New("receiver has no fix")

// Fix is one position report from the receiver.
type Fix struct {
	Time      time.Time
	Latitude  float64
	Longitude float64
	Accuracy  *float64
	Heading   *float64
	Speed     *float64
}

// Provider streams fixes until ctx is done or the underlying stream ends.
// Fix failures go to errs and do not stop the stream.
type Provider interface {
	Watch(ctx context.Context, fixes chan<- Fix, errs chan<- error) error
}

// locationMessage is the line format written by the receiver daemon.
type locationMessage struct {
	GpsTime   time.Time `json:"gps_time"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	Accuracy  *float64  `json:"accuracy"`
	Heading   *float64  `json:"heading"`
	Speed     *float64  `json:"speed"`
	Fix       bool      `json:"fix"`
	FixMode   string    `json:"fix_mode"`
}

// JSONLineProvider reads one JSON location message per line.
type JSONLineProvider struct {
	r io.Reader
}

func NewJSONLineProvider(r io.Reader) *JSONLineProvider {
	return &JSONLineProvider{r: r}
}

// Close releases the underlying reader when it is closable, which also
// unblocks a pending Watch.
func (p *JSONLineProvider) Close() error {
	if c, ok := p.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *JSONLineProvider) Watch(ctx context.Context, fixes chan<- Fix, errs chan<- error) error {
	sc := bufio.NewScanner(p.r)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := parse_line(line)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case fixes <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

func parse_line(line []byte) (Fix, error) {
	msg := locationMessage{}
	if err := json.Unmarshal(line, &msg); err != nil {
		return Fix{}, fmt.Errorf("bad location message: %w", err)
	}
	if !msg.Fix {
		return Fix{}, ErrNoFix
	}
	if msg.GpsTime.IsZero() {
		return Fix{}, fmt.Errorf("location message without gps_time")
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return Fix{}, fmt.Errorf("location message without coordinates")
	}
	return Fix{
		Time:      msg.GpsTime,
		Latitude:  *msg.Latitude,
		Longitude: *msg.Longitude,
		Accuracy:  msg.Accuracy,
		Heading:   msg.Heading,
		Speed:     msg.Speed,
	}, nil
}

// ChanProvider relays fixes and errors pushed by the embedding program.
type ChanProvider struct {
	Fixes chan Fix
	Errs  chan error
}

func NewChanProvider() *ChanProvider {
	return &ChanProvider{Fixes: make(chan Fix), Errs: make(chan error)}
}

func (p *ChanProvider) Watch(ctx context.Context, fixes chan<- Fix, errs chan<- error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-p.Fixes:
			if !ok {
				return nil
			}
			select {
			case fixes <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-p.Errs:
			select {
			case errs <- err:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Sink receives payloads built from fixes.
type Sink interface {
	Enqueue(ctx context.Context, p *waypoint.Payload) error
}

type SourceConfig struct {
	BusId       string
	BusLabel    string
	CampWeekend string
}

// Source turns fixes into payloads for one bus.
type Source struct {
	provider Provider
	sink     Sink
	config   *SourceConfig
	log      zerolog.Logger

	OnWaypoint func(p *waypoint.Payload)
	OnError    func(err error)
}

func NewSource(provider Provider, sink Sink, config *SourceConfig) *Source {
	s := &Source{provider: provider, sink: sink, config: config}
	s.log = log.With().Str("module", "source").Str("bus_id", config.BusId).Logger()
	return s
}

// Run blocks until the provider stops or ctx is done.
func (s *Source) Run(ctx context.Context) error {
	fixes := make(chan Fix)
	errs := make(chan error)
	done := make(chan error, 1)
	go func() {
		done <- s.provider.Watch(ctx, fixes, errs)
	}()
	for {
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case err := <-errs:
			s.log.Warn().Err(err).Msg("location fix failed")
			if s.OnError != nil {
				s.OnError(err)
			}
		case f := <-fixes:
			p := s.payload(f)
			if err := s.sink.Enqueue(context.WithoutCancel(ctx), p); err != nil {
				s.log.Error().Err(err).Str("client_id", p.ClientId).Msg("enqueue failed")
				if s.OnError != nil {
					s.OnError(err)
				}
				continue
			}
			s.log.Debug().Str("client_id", p.ClientId).Msg("waypoint queued")
			if s.OnWaypoint != nil {
				s.OnWaypoint(p)
			}
		}
	}
}

func (s *Source) payload(f Fix) *waypoint.Payload {
	ts := f.Time.UTC()
	return &waypoint.Payload{
		BusId:       s.config.BusId,
		BusLabel:    s.config.BusLabel,
		Latitude:    waypoint.Float(f.Latitude),
		Longitude:   waypoint.Float(f.Longitude),
		Accuracy:    f.Accuracy,
		Heading:     f.Heading,
		Speed:       f.Speed,
		CampWeekend: s.config.CampWeekend,
		ClientId:    util.GenUUID(),
		Timestamp:   &ts,
	}
}
