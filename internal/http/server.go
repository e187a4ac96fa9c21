// Package http serves the local status surface: health, channel link
// status, conversation listings and Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/sessions"
)

// StatusSource reports channel link status.
type StatusSource interface {
	Status() []channels.LinkStatus
}

// SessionLister lists conversations.
type SessionLister interface {
	List() []sessions.Info
}

// Server is the status HTTP server.
type Server struct {
	links    StatusSource
	sessions SessionLister
	metrics  *Metrics
	version  string
	started  time.Time
}

func NewServer(links StatusSource, sess SessionLister, metrics *Metrics, version string) *Server {
	return &Server{links: links, sessions: sess, metrics: metrics, version: version, started: time.Now()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(api chi.Router) {
		api.Get("/channels", s.handleListChannels)
		api.Get("/channels/{name}", s.handleGetChannel)
		api.Get("/sessions", s.handleListSessions)
	})
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type channelView struct {
	channels.LinkStatus
	SinceSeconds float64 `json:"since_seconds"`
}

func view(st channels.LinkStatus) channelView {
	return channelView{LinkStatus: st, SinceSeconds: st.Since.Seconds()}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	for _, st := range s.links.Status() {
		if st.State != channels.StateConnected {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list := s.links.Status()
	out := make([]channelView, len(list))
	for i, st := range list {
		out[i] = view(st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": out})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range s.links.Status() {
		if st.Channel == name {
			writeJSON(w, http.StatusOK, view(st))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown channel " + name})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": []sessions.Info{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.sessions.List()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("status response write failed", "error", err)
	}
}
