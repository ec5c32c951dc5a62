package webstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"
	"nuha.dev/bustracker/internal/metrics"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/sublist"
)

type WebstreamServer struct {
	server     *http.Server
	log        log.Logger
	config     WebStreamConfig
	resolver   session.Resolver
	sublistmap *sublist.SublistMap
	clients    int64
}

type WebStreamConfig struct {
	ListenAddr     string
	OriginPatterns []string
	MaxSubs        int
	BufferSize     int
}

func NewWebstream(resolver session.Resolver, sublistmap *sublist.SublistMap, config WebStreamConfig) *WebstreamServer {
	if config.MaxSubs <= 0 {
		config.MaxSubs = 10
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	o := &WebstreamServer{config: config}
	o.server = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           http.HandlerFunc(o.serve_http),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.resolver = resolver
	o.sublistmap = sublistmap
	return o
}

func (ws *WebstreamServer) Run() {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	err := ws.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		ws.log.Error().Err(err).Msg("")
		panic(err)
	}
}

func (ws *WebstreamServer) Shutdown(ctx context.Context) error {
	return ws.server.Shutdown(ctx)
}

func (ws *WebstreamServer) Handler() http.Handler {
	return ws.server.Handler
}

func (ws *WebstreamServer) Clients() int64 {
	return atomic.LoadInt64(&ws.clients)
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: ws.config.OriginPatterns, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	sess, err := ws.authenticate(r, c)
	if err != nil {
		ws.log.Info().Err(err).Msg("websocket authentication failed")
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	if !sess.IsAdmin() {
		c.Close(websocket.StatusPolicyViolation, "forbidden")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	wc := &WebstreamClient{srv: ws, c: c, log: ws.log, label: sess.Label}
	wc.out = make(chan []byte, ws.config.BufferSize)
	wc.sublist = make(map[string]*sublist.Sublist)
	atomic.AddInt64(&ws.clients, 1)
	metrics.StreamClients.Inc()
	defer func() {
		atomic.AddInt64(&ws.clients, -1)
		metrics.StreamClients.Dec()
	}()
	ws.log.Info().Str("label", sess.Label).Msg("websocket client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wc.writeLoop(ctx)
	}()
	err = wc.readloop(ctx)
	cancel()
	wc.unsubscribe_all()
	wg.Wait()
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		ws.log.Debug().Err(err).Msg("websocket closed")
	}
	c.Close(websocket.StatusNormalClosure, "")
}

// authenticate uses the upgrade request credentials and falls back to an
// API key sent as the first message, since browsers cannot set headers on
// websocket requests.
func (ws *WebstreamServer) authenticate(r *http.Request, c *websocket.Conn) (*session.Session, error) {
	s, err := ws.resolver.Resolve(r)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, session.ErrNoSession) {
		return nil, err
	}
	readCtx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	_, msg, err := c.Read(readCtx)
	if err != nil {
		return nil, err
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set(session.HeaderName, strings.TrimSpace(string(msg)))
	return ws.resolver.Resolve(r2)
}

type WebstreamClient struct {
	lock    sync.Mutex
	srv     *WebstreamServer
	c       *websocket.Conn
	log     log.Logger
	label   string
	closed  bool
	out     chan []byte
	skipped uint64
	pushed  uint64
	sublist map[string]*sublist.Sublist
}

func (wc *WebstreamClient) readloop(ctx context.Context) error {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			wc.lock.Lock()
			wc.closed = true
			wc.lock.Unlock()
			return err
		}
		cmd, args := parse_command(string(msg))
		switch cmd {
		case "ADDSUB":
			wc.log.Debug().Strs("addsub", args).Msg("receive add subscription message")
			for _, id := range args {
				if _, ok := wc.sublist[id]; ok {
					wc.log.Warn().Msgf("already subscribed bus_id : %s", id)
					continue
				}
				if len(wc.sublist) >= wc.srv.config.MaxSubs {
					wc.log.Warn().Str("label", wc.label).Msg("subscription limit reached")
					break
				}
				slist, _ := wc.srv.sublistmap.GetSublist(id, true)
				slist.Subscribe(wc)
				wc.sublist[id] = slist
			}
		case "DELSUB":
			wc.log.Debug().Strs("delsub", args).Msg("receive delete subscription message")
			for _, id := range args {
				slist, ok := wc.sublist[id]
				if !ok {
					wc.log.Warn().Str("bus_id", id).Msg("invalid unsub id")
					continue
				}
				slist.Unsubscribe(wc)
				delete(wc.sublist, id)
			}
		default:
			wc.log.Debug().Str("message", string(msg)).Msg("unknown command")
		}
	}
}

func parse_command(msg string) (string, []string) {
	msg = strings.TrimSpace(msg)
	if len(msg) < 6 {
		return "", nil
	}
	cmd := msg[:6]
	args := make([]string, 0)
	for _, v := range strings.Split(msg[6:], ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			args = append(args, v)
		}
	}
	return cmd, args
}

func (wc *WebstreamClient) unsubscribe_all() {
	for id, slist := range wc.sublist {
		slist.Unsubscribe(wc)
		delete(wc.sublist, id)
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.log.Error().Err(err).Msg("Error while writing to connection")
				wc.lock.Lock()
				wc.closed = true
				wc.lock.Unlock()
				wc.c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Push never blocks: a slow client misses messages instead of stalling the
// ingest path.
func (wc *WebstreamClient) Push(sender string, data []byte) bool {
	wc.lock.Lock()
	defer wc.lock.Unlock()
	if wc.closed {
		return true
	}
	select {
	case wc.out <- data:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
	return false
}
