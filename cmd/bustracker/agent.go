package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"nuha.dev/bustracker/internal/agent/source"
	"nuha.dev/bustracker/internal/agent/tracker"
	"nuha.dev/bustracker/internal/agent/transport"
	"nuha.dev/bustracker/internal/config"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Capture fixes on the bus and deliver them to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agent()
	},
}

func init() {
	f := agentCmd.Flags()
	f.String("agent.server_url", "http://localhost:3333", "ingestion server base url")
	f.String("agent.bus_id", "", "bus id, e.g. bus-2")
	f.String("agent.bus_label", "", "bus label shown on the dashboard")
	f.String("agent.fix_source", "-", "location message stream, - for stdin")
	f.String("agent.queue_path", "bustracker-queue.db", "durable queue file")
}

func agent() error {
	logger := log.With().Str("module", "agent").Logger()
	bus_id := v.GetString("agent.bus_id")
	if bus_id == "" {
		return errors.New("agent.bus_id is required")
	}
	label := v.GetString("agent.bus_label")
	if label == "" {
		label = bus_id
	}

	var r io.Reader = os.Stdin
	if path := v.GetString("agent.fix_source"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		r = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	tr, err := tracker.NewTracker(ctx, &tracker.TrackerConfig{
		Source: source.SourceConfig{
			BusId:       bus_id,
			BusLabel:    label,
			CampWeekend: v.GetString("agent.camp_weekend"),
		},
		Client: transport.ClientConfig{
			ServerUrl: v.GetString("agent.server_url"),
			ApiKey:    v.GetString("agent.api_key"),
			Timeout:   v.GetDuration("agent.timeout"),
		},
		FlushInterval: v.GetDuration("agent.flush_interval"),
		ProbeInterval: v.GetDuration("agent.probe_interval"),
		QueuePath:     v.GetString("agent.queue_path"),
		Node:          uint64(v.GetInt("node")),
	})
	if err != nil {
		return err
	}
	defer tr.Close()
	if err := tr.Start(source.NewJSONLineProvider(r)); err != nil {
		return err
	}

	tick := time.NewTicker(config.StatusInterval(v))
	defer tick.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-tick.C:
			s := tr.Status(ctx)
			logger.Info().
				Int("captured", s.Captured).
				Int("queued", s.Queued).
				Bool("online", s.Online).
				Time("last_sync", s.LastSync).
				Str("last_error", s.LastError).
				Msg("status")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("agent.timeout")+5*time.Second)
	defer cancel()
	if err := tr.Stop(sctx); err != nil {
		logger.Warn().Err(err).Msg("queued waypoints will be sent on next start")
	}
	return nil
}
