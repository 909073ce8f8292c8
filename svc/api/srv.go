package api

import (
	"context"
	"net/http"
	"time"

	"rawtext/cfg"
	"rawtext/svc/lim"
	"rawtext/svc/svc"
	"rawtext/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Deps struct {
	Paste    *svc.Paste
	Create   *lim.Window
	Throttle *lim.Throttle
	IPs      svc.IPHasher
	Store    Pinger
	// Counter is nil when the in-process counter store is used.
	Counter Pinger
}

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      Pinger
	counter    Pinger
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	s := &Server{cfg: c, store: d.Store, counter: d.Counter}
	r := chi.NewRouter()
	mw := NewMw(d.Create, d.Throttle, d.IPs, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.RequestID)
		r.Use(mw.Recoverer)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", util.RedactURL(req.URL)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.Metrics)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		hdl := &Hdl{paste: d.Paste, cfg: c}
		// CORS answers preflights; these only keep chi from replying 405.
		for _, path := range []string{"/api/pastes", "/api/pastes/{id}", "/api/pastes/{id}/qr", "/api/raw/{id}", "/raw/{id}"} {
			r.Options(path, preflight)
		}
		r.With(mw.RateLimitCreate).Post("/api/pastes", hdl.CreatePaste)
		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimitRead)
			r.Get("/api/pastes/{id}", hdl.GetPaste)
			r.Get("/api/pastes/{id}/qr", hdl.GetQR)
			r.Get("/api/raw/{id}", hdl.GetRaw)
			r.Get("/raw/{id}", hdl.GetRaw)
		})
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
