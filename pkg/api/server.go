// Package api exposes the bridge's local control surface: stream state,
// command pass-through to cameras, snapshot images, health and metrics.
// It is meant to sit on localhost or behind something that terminates
// auth; the server itself only rate-limits.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/ethan/iotc-bridge/pkg/cloud"
	"github.com/ethan/iotc-bridge/pkg/control"
	"github.com/ethan/iotc-bridge/pkg/logger"
	"github.com/ethan/iotc-bridge/pkg/metrics"
	"github.com/ethan/iotc-bridge/pkg/stream"
)

const (
	// DefaultAddr is where the control surface listens when unset.
	DefaultAddr = "127.0.0.1:8093"

	// commandWait bounds how long a pass-through command may hold its
	// request open waiting for the camera.
	commandWait = 10 * time.Second

	shutdownGrace = 5 * time.Second
)

// Streams is the supervisor surface the handlers need.
type Streams interface {
	Streams() []*stream.Stream
	Get(uri string) (*stream.Stream, bool)
	Execute(ctx context.Context, uri, topic, payload string) control.Result
}

// Signaler hands out WebRTC signaling rendezvous for a camera.
type Signaler interface {
	WebRTCSignaling(ctx context.Context, mac string) (*cloud.Signal, error)
}

// Options configures the control surface.
type Options struct {
	Addr      string
	ImageDir  string   // snapshot directory served under /img
	Signals   Signaler // optional, enables /signaling
	RateLimit int      // requests per minute per client IP, default 300
}

// Server serves the REST control surface.
type Server struct {
	sup     Streams
	signals Signaler
	imgDir  string
	addr    string
	limit   int
	log     zerolog.Logger
}

func New(sup Streams, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 300
	}
	return &Server{
		sup:     sup,
		signals: opts.Signals,
		imgDir:  opts.ImageDir,
		addr:    opts.Addr,
		limit:   opts.RateLimit,
		log:     logger.WithComponent("api"),
	}
}

// Handler builds the router. Exposed so tests can drive it without a
// listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(httprate.Limit(s.limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/streams", s.handleStreams)
		r.Get("/{uri}", s.handleStream)
		r.Get("/{uri}/{topic}", s.handleCommand)
		r.Post("/{uri}/{topic}", s.handleCommand)
	})

	r.Get("/img/{file}", s.handleImage)
	r.Get("/signaling/{uri}", s.handleSignaling)
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      commandWait + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("control surface listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStreams(w http.ResponseWriter, _ *http.Request) {
	streams := s.sup.Streams()
	infos := make([]stream.Info, 0, len(streams))
	for _, st := range streams {
		infos = append(infos, st.Info(false))
	}
	respond(w, http.StatusOK, infos)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	st, ok := s.sup.Get(chi.URLParam(r, "uri"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown stream")
		return
	}
	respond(w, http.StatusOK, st.Info(true))
}

// handleCommand queues a (topic, payload) command on the stream and
// holds the request until the camera answers or the wait expires.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	uri := chi.URLParam(r, "uri")
	topic := chi.URLParam(r, "topic")

	payload := r.URL.Query().Get("value")
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if len(body) > 0 {
			payload = strings.TrimSpace(string(body))
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandWait)
	defer cancel()
	res := s.sup.Execute(ctx, uri, topic, payload)

	status := http.StatusOK
	if res.Status != control.StatusOK {
		status = http.StatusBadGateway
		if res.Response == "unknown stream" {
			status = http.StatusNotFound
		}
	}
	respond(w, status, res)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.imgDir == "" {
		respondError(w, http.StatusNotFound, "snapshots disabled")
		return
	}
	file := strings.TrimSuffix(chi.URLParam(r, "file"), ".jpg")
	if file == "" || strings.ContainsAny(file, "/\\") || strings.Contains(file, "..") {
		respondError(w, http.StatusBadRequest, "bad image name")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.imgDir, file+".jpg"))
}

func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		respondError(w, http.StatusNotImplemented, "signaling not configured")
		return
	}
	st, ok := s.sup.Get(chi.URLParam(r, "uri"))
	if !ok {
		respondError(w, http.StatusNotFound, "unknown stream")
		return
	}
	sig, err := s.signals.WebRTCSignaling(r.Context(), st.Camera().MAC)
	if err != nil {
		s.log.Warn().Err(err).Str("uri", st.URI()).Msg("signaling fetch failed")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respond(w, http.StatusOK, sig)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}
