package webapp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/fleet"
	"nuha.dev/bustracker/internal/ingest"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/store"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

type ApiConfig struct {
	ListenAddr     string
	ProxyProtocol  bool
	AllowedOrigins []string
	MaxBodyBytes   int64
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	st     store.WaypointStore
	gw     *ingest.Gateway
	agg    *fleet.Aggregator
	refs   *RefCodec
	closer SessionCloser
	now    func() time.Time
}

func NewApi(st store.WaypointStore, gw *ingest.Gateway, agg *fleet.Aggregator, refs *RefCodec, resolver session.Resolver, config *ApiConfig) *Api {
	api := &Api{config: config, st: st, gw: gw, agg: agg, refs: refs, now: time.Now}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	if api.config.MaxBodyBytes <= 0 {
		api.config.MaxBodyBytes = 1 << 20
	}
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", session.HeaderName},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		util.JsonWrite(w, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(session.Require(resolver))
		r.Post("/api/bus-waypoints", api.PostWaypoints)
		r.Post("/api/logout", api.Logout)

		r.Group(func(r chi.Router) {
			r.Use(session.RequireAdmin)
			r.Get("/api/bus-waypoints/latest", api.GetLatest)
			r.Get("/api/bus-waypoints/route/{busId}", api.GetRoute)
			r.Get("/api/bus-waypoints/ref/{ref}", api.GetByRef)
			r.Get("/api/bus-map", api.GetBoard)

			disp := NewDispatcher()
			disp.Add("GetLatestWaypoints", api.fn_latest)
			disp.Add("GetBusRoute", api.fn_route)
			disp.Add("GetBusBoard", api.fn_board)
			r.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
				disp.Call(chi.URLParam(r, "name"), w, r)
			})
		})
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

func (api *Api) Run() {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	ln, err := net.Listen("tcp", api.s.Addr)
	if err != nil {
		api.log.Error().Err(err).Msg("")
		panic(err)
	}
	if api.config.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
		api.log.Info().Msg("accepting proxy protocol headers")
	}
	err = api.s.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		api.log.Error().Err(err).Msg("")
		panic(err)
	}
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func (api *Api) with_refs(ws []*waypoint.Waypoint) []*waypoint.Waypoint {
	for _, w := range ws {
		if w != nil && w.Id > 0 {
			w.Ref = api.refs.Encode(w.Id)
		}
	}
	return ws
}

func (api *Api) PostWaypoints(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.config.MaxBodyBytes))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return
	}
	items, err := ingest.ParseBatch(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := api.gw.Ingest(r.Context(), items, session.FromContext(r.Context()))
	if err != nil {
		if errors.Is(err, ingest.ErrTooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		api.log.Error().Err(err).Int("items", len(items)).Msg("ingest failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	api.with_refs(res.Waypoints)
	util.JsonWriteStatus(w, http.StatusCreated, res)
}

func (api *Api) GetLatest(w http.ResponseWriter, r *http.Request) {
	res, err := api.agg.Latest(r.Context(), r.URL.Query().Get("campWeekend"))
	if err != nil {
		api.fail(w, err)
		return
	}
	util.JsonWrite(w, api.with_refs(res))
}

func (api *Api) GetRoute(w http.ResponseWriter, r *http.Request) {
	q, err := history_query(chi.URLParam(r, "busId"), r.URL.Query().Get("campWeekend"), r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := api.st.History(r.Context(), q)
	if err != nil {
		api.fail(w, err)
		return
	}
	util.JsonWrite(w, api.with_refs(res))
}

func (api *Api) GetByRef(w http.ResponseWriter, r *http.Request) {
	id, err := api.refs.Decode(chi.URLParam(r, "ref"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	res, err := api.st.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		api.fail(w, err)
		return
	}
	api.with_refs([]*waypoint.Waypoint{res})
	util.JsonWrite(w, res)
}

func (api *Api) GetBoard(w http.ResponseWriter, r *http.Request) {
	b, err := api.board(r.Context(), r.URL.Query().Get("campWeekend"))
	if err != nil {
		api.fail(w, err)
		return
	}
	util.JsonWrite(w, b)
}

func (api *Api) board(ctx context.Context, camp_weekend string) (*fleet.Board, error) {
	b, err := api.agg.Board(ctx, camp_weekend, api.now())
	if err != nil {
		return nil, err
	}
	for _, s := range b.Buses {
		api.with_refs([]*waypoint.Waypoint{s.Waypoint})
	}
	return b, nil
}

func (api *Api) fail(w http.ResponseWriter, err error) {
	api.log.Error().Err(err).Msg("")
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func history_query(bus_id, camp_weekend, from, to string) (store.HistoryQuery, error) {
	q := store.HistoryQuery{BusId: bus_id, CampWeekend: camp_weekend}
	if bus_id == "" {
		return q, errors.New("missing bus id")
	}
	var err error
	if from != "" {
		if q.From, err = util.ParseTime(from); err != nil {
			return q, errors.New("invalid from")
		}
	}
	if to != "" {
		if q.To, err = util.ParseTime(to); err != nil {
			return q, errors.New("invalid to")
		}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, errors.New("to is before from")
	}
	return q, nil
}
