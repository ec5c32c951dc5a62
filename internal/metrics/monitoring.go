package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

// StatusFunc reports a component snapshot for /status.
type StatusFunc func() interface{}

type MonitoringServer struct {
	server *http.Server
	status map[string]StatusFunc
	log    log.Logger
}

type MonitoringConfig struct {
	ListenAddr string
}

func NewMonApi(config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{status: map[string]StatusFunc{}}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", m.serve_status)
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	return m
}

func (m *MonitoringServer) AddStatus(name string, f StatusFunc) {
	m.status[name] = f
}

func (m *MonitoringServer) Run() {
	m.log.Info().Msgf("starting monitoring server on : %s", m.server.Addr)
	err := m.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		m.log.Error().Err(err).Msg("")
		panic(err)
	}
}

func (m *MonitoringServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *MonitoringServer) serve_status(w http.ResponseWriter, r *http.Request) {
	res := make(map[string]interface{}, len(m.status))
	for k, f := range m.status {
		res[k] = f()
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) GetHandler() http.Handler {
	return m.server.Handler
}

var (
	lastMu sync.Mutex
	last   = map[string]time.Time{}
)

// Observe is an event hub handler tracking the newest capture per bus.
// Waypoints may arrive out of order, so the gauge only moves forward.
func Observe(ctx context.Context, w *waypoint.Waypoint) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if t, ok := last[w.BusId]; ok && !w.CapturedAt.After(t) {
		return
	}
	last[w.BusId] = w.CapturedAt
	LastCapture.WithLabelValues(w.BusId).Set(float64(w.CapturedAt.UnixNano()) / 1e9)
}
