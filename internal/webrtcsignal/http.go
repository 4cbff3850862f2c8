package webrtcsignal

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/flowpbx/signalrtc/internal/store"
)

const maxSignalBodySize = 64 << 10 // a candidate/offer body is a few KB at most

// Default per-IP rate limits for the relay's HTTP surface: PUTs are bursty
// but infrequent per call (one offer, a handful of candidates); GETs are
// long-polled repeatedly by a waiting client, so they get a looser limit.
const (
	putRateLimit = rate.Limit(20)
	putRateBurst = 40
	getRateLimit = rate.Limit(50)
	getRateBurst = 100
)

// Server exposes the relay's HTTP surface, mounted as its own
// handler independent of the SIP transport.
type Server struct {
	router *chi.Mux
	relay  *Relay
	logger *slog.Logger
	putRL  *ipRateLimiter
	getRL  *ipRateLimiter
}

// NewServer creates the WebRTC relay's HTTP handler with all routes
// mounted.
func NewServer(relay *Relay, logger *slog.Logger) *Server {
	logger = logger.With("subsystem", "webrtcsignal_http")
	s := &Server{
		router: chi.NewRouter(),
		relay:  relay,
		logger: logger,
		putRL:  newIPRateLimiter(putRateLimit, putRateBurst, logger),
		getRL:  newIPRateLimiter(getRateLimit, getRateBurst, logger),
	}
	s.routes()
	return s
}

// Stop releases the rate limiters' background cleanup goroutines.
func (s *Server) Stop() {
	s.putRL.stop()
	s.getRL.stop()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.structuredLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api/webrtcsignal", func(r chi.Router) {
		r.With(rateLimit(s.putRL)).Put("/sdp/{from}/{to}", s.handlePutSDP)
		r.With(rateLimit(s.putRL)).Put("/ice/{from}/{to}", s.handlePutICE)
		r.With(rateLimit(s.getRL)).Get("/{to}/{from}/{type}", s.handleGetNext)
	})
}

func (s *Server) structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handlePutSDP(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := s.relay.PutSDP(r.Context(), from, to, string(body)); err != nil {
		s.logger.Error("failed to store sdp signal", "error", err, "from", from, "to", to)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutICE(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	to := chi.URLParam(r, "to")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := s.relay.PutICE(r.Context(), from, to, string(body)); err != nil {
		s.logger.Error("failed to store ice signal", "error", err, "from", from, "to", to)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetNext(w http.ResponseWriter, r *http.Request) {
	to := chi.URLParam(r, "to")
	from := chi.URLParam(r, "from")

	sigType, err := parseSignalType(chi.URLParam(r, "type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, found, err := s.relay.GetNext(r.Context(), to, from, sigType)
	if err != nil {
		s.logger.Error("failed to fetch next signal", "error", err, "to", to, "from", from)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// parseSignalType maps the {type} path segment to a WebRTCSignalType, with
// "any" mapping to the empty string NextUndelivered treats as a wildcard.
func parseSignalType(raw string) (store.WebRTCSignalType, error) {
	switch raw {
	case "sdp":
		return store.WebRTCSignalSDP, nil
	case "ice":
		return store.WebRTCSignalICE, nil
	case "any":
		return "", nil
	default:
		return "", errors.New("type must be one of sdp, ice, any")
	}
}
