// Package server owns the HTTP surface and the per-connection WebSocket
// lifecycle: envelope handshake, encrypted pumps, heartbeat, and teardown.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lipc-project/lipc-engine/internal/call"
	"github.com/lipc-project/lipc-engine/internal/certwatch"
	"github.com/lipc-project/lipc-engine/internal/events"
	"github.com/lipc-project/lipc-engine/internal/metrics"
	"github.com/lipc-project/lipc-engine/internal/ratelimit"
	"github.com/lipc-project/lipc-engine/internal/router"
	"github.com/lipc-project/lipc-engine/internal/session"
	"github.com/lipc-project/lipc-engine/internal/store"
)

type Server struct {
	http     *http.Server
	upgrader websocket.Upgrader

	router  *router.Router
	reg     *session.Registry
	coord   *call.Coordinator
	st      store.Store
	pub     *events.Publisher
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	baseCtx context.Context
}

type Options struct {
	Addr        string
	Router      *router.Router
	Registry    *session.Registry
	Coordinator *call.Coordinator
	Store       store.Store
	Events      *events.Publisher
	Limiter     *ratelimit.Limiter
	CertWatcher *certwatch.Watcher // nil serves plaintext (dev only)
	BaseContext context.Context    // nil → context.Background
	Log         zerolog.Logger
}

func New(opts Options) *Server {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(0, 0, 0)
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	s := &Server{
		router:  opts.Router,
		reg:     opts.Registry,
		coord:   opts.Coordinator,
		st:      opts.Store,
		pub:     opts.Events,
		limiter: opts.Limiter,
		log:     opts.Log.With().Str("component", "server").Logger(),
		baseCtx: opts.BaseContext,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token-based auth happens inside the encrypted channel, not via
			// browser cookies, so cross-origin upgrades are acceptable.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  0, // long-lived WebSocket reads
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	if opts.CertWatcher != nil {
		s.http.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: opts.CertWatcher.GetCertificate,
		}
	}
	return s
}

// Handler builds the route tree. Exposed separately so tests can mount it on
// httptest servers.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(Logger(s.log))
		r.Use(metrics.InstrumentHandler)
		r.Get("/healthz", s.handleHealthz)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	// The upgrade path stays free of wrapping middleware so the hijack works.
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) Start() error {
	if s.http.TLSConfig != nil {
		s.log.Info().Str("addr", s.http.Addr).Msg("server starting (tls)")
		err := s.http.ListenAndServeTLS("", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
	s.log.Warn().Str("addr", s.http.Addr).Msg("server starting without tls")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	status := http.StatusOK
	if err := s.st.HealthCheck(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   http.StatusText(status),
		"sessions": s.reg.Count(),
		"checks":   checks,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	conn := newConn(s, ws, clientIP(r.RemoteAddr))
	conn.serve(s.baseCtx)
}

// clientIP strips the port so reconnects from the same host share one
// rate-limit window.
func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
