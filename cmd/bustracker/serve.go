package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	plog "github.com/phuslu/log"
	"github.com/spf13/cobra"
	"nuha.dev/bustracker/internal/config"
	"nuha.dev/bustracker/internal/events"
	"nuha.dev/bustracker/internal/fleet"
	"nuha.dev/bustracker/internal/ingest"
	"nuha.dev/bustracker/internal/metrics"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/store/impl/memstore"
	"nuha.dev/bustracker/internal/store/impl/pgstore"
	"nuha.dev/bustracker/internal/sublist"
	"nuha.dev/bustracker/internal/waypoint"
	"nuha.dev/bustracker/internal/webapp"
	"nuha.dev/bustracker/internal/webstream"
)

const waypointTable = "bus_waypoint"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion and dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	f := serveCmd.Flags()
	f.String("store", "postgres", "waypoint store: postgres or memory")
	f.String("api.listen_addr", ":3333", "api listen address")
	f.String("stream.listen_addr", ":3334", "websocket stream listen address")
	f.String("mon.listen_addr", ":9100", "metrics listen address")
}

func serve() error {
	logger := plog.DefaultLogger
	logger.Context = plog.NewContext(nil).Str("module", "main").Value()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	var pgres *session.PgResolver
	var st store.WaypointStore
	var resolvers session.Chain
	switch v.GetString("store") {
	case "postgres":
		var err error
		pool, err = pgxpool.Connect(ctx, v.GetString("db_url"))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		st = pgstore.NewStore(pool, waypointTable, &pgstore.StoreConfig{QueryTimeout: 10 * time.Second})
		pgres = session.NewPgResolver(pool)
		resolvers = append(resolvers, pgres)
	case "memory":
		logger.Warn().Msg("using in-memory store, waypoints are lost on restart")
		st = memstore.NewStore()
	default:
		return fmt.Errorf("unknown store %q", v.GetString("store"))
	}

	if addr := v.GetString("redis.addr"); addr != "" {
		rr, err := session.NewRedisResolver(ctx, &session.RedisConfig{
			Addr:     addr,
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
		})
		if err != nil {
			return err
		}
		defer rr.Close()
		resolvers = append(resolvers, rr)
	}
	if len(resolvers) == 0 {
		logger.Warn().Msg("no session backend configured, every request will be rejected")
	}

	hub, err := events.NewHub(uint64(v.GetInt("node")))
	if err != nil {
		return err
	}
	sublistmap := sublist.NewSublistMap()
	hub.Subscribe("sublist", func(ctx context.Context, w *waypoint.Waypoint) {
		if err := sublistmap.Publish(w); err != nil {
			logger.Error().Err(err).Msg("stream publish failed")
		}
	})
	hub.Subscribe("metrics", metrics.Observe)
	if url := v.GetString("nats.url"); url != "" {
		fwd, err := events.NewNatsForwarder(&events.NatsConfig{Url: url, SubjectPrefix: v.GetString("nats.subject")})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer fwd.Close()
		hub.Subscribe("nats", fwd.Handle)
	}

	fleetConfig, err := config.Fleet(v)
	if err != nil {
		return err
	}
	refs, err := webapp.NewRefCodec(v.GetString("hashids.salt"), v.GetInt("hashids.min_length"))
	if err != nil {
		return err
	}
	gw := ingest.NewGateway(st, hub, &ingest.GatewayConfig{MaxBatch: v.GetInt("api.max_batch")})
	agg := fleet.NewAggregator(st, fleetConfig)
	api := webapp.NewApi(st, gw, agg, refs, resolvers, &webapp.ApiConfig{
		ListenAddr:     v.GetString("api.listen_addr"),
		ProxyProtocol:  v.GetBool("api.proxy_protocol"),
		AllowedOrigins: v.GetStringSlice("api.allowed_origins"),
		MaxBodyBytes:   v.GetInt64("api.max_body_bytes"),
	})
	if pgres != nil {
		api.SetSessionCloser(pgres)
	}
	ws := webstream.NewWebstream(resolvers, sublistmap, webstream.WebStreamConfig{
		ListenAddr:     v.GetString("stream.listen_addr"),
		OriginPatterns: v.GetStringSlice("api.allowed_origins"),
		MaxSubs:        v.GetInt("stream.max_subs"),
	})
	mon := metrics.NewMonApi(&metrics.MonitoringConfig{ListenAddr: v.GetString("mon.listen_addr")})
	mon.AddStatus("stream_clients", func() interface{} { return ws.Clients() })
	mon.AddStatus("streamed_buses", func() interface{} { return sublistmap.Keys() })
	if ms, ok := st.(*memstore.MemStore); ok {
		mon.AddStatus("stored_waypoints", func() interface{} { return ms.Len() })
	}

	go api.Run()
	go ws.Run()
	go mon.Run()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range []interface{ Shutdown(context.Context) error }{api, ws, mon} {
		if err := s.Shutdown(sctx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}
	return nil
}
