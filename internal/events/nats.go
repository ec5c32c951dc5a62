package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/waypoint"
)

type NatsConfig struct {
	Url           string
	SubjectPrefix string
}

// NatsForwarder republishes ingested waypoints on
// <prefix>.<bus id> for consumers outside this process.
type NatsForwarder struct {
	nc     *nats.Conn
	config *NatsConfig
	log    log.Logger
}

func NewNatsForwarder(config *NatsConfig) (*NatsForwarder, error) {
	f := &NatsForwarder{config: config}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "nats").Value()
	nc, err := nats.Connect(config.Url,
		nats.Name("bustracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			f.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			f.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	f.nc = nc
	return f, nil
}

func Subject(prefix string, bus_id string) string {
	// NATS tokens cannot contain dots or whitespace
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return prefix + "." + r.Replace(bus_id)
}

func (f *NatsForwarder) Handle(ctx context.Context, w *waypoint.Waypoint) {
	d, err := json.Marshal(w)
	if err != nil {
		f.log.Error().Err(err).Msg("")
		return
	}
	err = f.nc.Publish(Subject(f.config.SubjectPrefix, w.BusId), d)
	if err != nil {
		f.log.Error().Err(err).Str("bus_id", w.BusId).Msg("nats publish failed")
	}
}

func (f *NatsForwarder) Close() {
	err := f.nc.Drain()
	if err != nil {
		f.nc.Close()
	}
}
