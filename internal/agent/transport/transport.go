package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/waypoint"
)

type ClientConfig struct {
	ServerUrl string
	ApiKey    string
	Timeout   time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// Client posts waypoint batches to the ingestion endpoint.
type Client struct {
	hc     *http.Client
	config *ClientConfig
	log    zerolog.Logger
}

func NewClient(config *ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	c := &Client{config: config}
	c.hc = &http.Client{Timeout: config.Timeout}
	c.log = log.With().Str("module", "transport").Logger()
	return c
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.config.ServerUrl, "/") + path
}

type batch struct {
	Waypoints []*waypoint.Payload `json:"waypoints"`
}

// Send returns nil only when the server acknowledged the whole batch.
func (c *Client) Send(ctx context.Context, ps []*waypoint.Payload) error {
	d, err := json.Marshal(batch{Waypoints: ps})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/bus-waypoints"), bytes.NewReader(d))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(session.HeaderName, c.config.ApiKey)
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	c.log.Debug().Int("items", len(ps)).Int("status", res.StatusCode).Msg("batch delivered")
	return nil
}

func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/healthz"), nil)
	if err != nil {
		return err
	}
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return &StatusError{Code: res.StatusCode}
	}
	return nil
}

type MonitorConfig struct {
	Interval time.Duration
}

// Monitor tracks server reachability. It starts optimistic.
type Monitor struct {
	client   *Client
	config   *MonitorConfig
	online   int32
	mu       sync.Mutex
	onOnline func()
	log      zerolog.Logger
}

func NewMonitor(client *Client, config *MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	m := &Monitor{client: client, config: config, online: 1}
	m.log = log.With().Str("module", "monitor").Logger()
	return m
}

// OnOnline sets the callback run on every offline to online transition.
func (m *Monitor) OnOnline(f func()) {
	m.mu.Lock()
	m.onOnline = f
	m.mu.Unlock()
}

func (m *Monitor) Online() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// Set records the outcome of a network attempt.
func (m *Monitor) Set(online bool) {
	var v int32
	if online {
		v = 1
	}
	prev := atomic.SwapInt32(&m.online, v)
	if prev == v {
		return
	}
	if !online {
		m.log.Warn().Msg("server unreachable")
		return
	}
	m.log.Info().Msg("server reachable again")
	m.mu.Lock()
	f := m.onOnline
	m.mu.Unlock()
	if f != nil {
		go f()
	}
}

// Run probes the server until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.config.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := m.client.Probe(ctx)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				m.log.Debug().Err(err).Msg("probe failed")
			}
			m.Set(err == nil)
		}
	}
}
