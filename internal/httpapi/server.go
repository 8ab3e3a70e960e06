package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/session"
)

const (
	telephonyReadLimit  = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	store    calllog.Store
	dialer   bridge.Dialer
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, store calllog.Store, dialer bridge.Dialer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if store == nil {
		store = calllog.NewInMemoryStore(0)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		store:    store,
		dialer:   dialer,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony providers do not send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)
	r.Get("/media-stream", s.handleMediaStream)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/calls/history", s.handleCallHistory)
	r.Get("/v1/calls/{id}", s.handleGetCall)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleMediaStream(w, r)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service":      "callbridge",
		"media_stream": "/media-stream",
		"variant":      s.cfg.AIVariant,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.sessions.ActiveCount(),
		"variant":      s.cfg.AIVariant,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":         "unavailable",
			"call_log_mode":  s.store.Mode(),
			"call_log_error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"call_log_mode": s.store.Mode(),
	})
}

// handleMediaStream accepts one telephony media stream and relays it to the
// agent until the call is closed.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if s.dialer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "agent dialer not configured")
		return
	}
	adapter, err := protocol.NewAgentAdapter(s.cfg.AgentOptions())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "agent_adapter", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("telephony upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(telephonyReadLimit)

	runner := bridge.NewRunner(conn, bridge.Options{
		Adapter:        adapter,
		Transcoder:     audio.NewTranscoder(s.cfg.AISampleRate),
		Dialer:         s.dialer,
		ConnectTimeout: s.cfg.AIConnectTimeout,
		Logger:         s.log.With(zap.String("remote_addr", r.RemoteAddr)),
		Metrics:        s.metrics,
		Sessions:       s.sessions,
		Store:          s.store,
	})
	runner.Run(r.Context())
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.sessions.List()
	if strings.EqualFold(r.URL.Query().Get("status"), string(session.StatusActive)) {
		active := calls[:0]
		for _, c := range calls {
			if c.Status == session.StatusActive {
				active = append(active, c)
			}
		}
		calls = active
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"active": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id")
		return
	}
	call, err := s.sessions.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			respondError(w, http.StatusNotFound, "call_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, call)
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.log.Warn("call history lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "call_log_unavailable", err.Error())
		return
	}
	if records == nil {
		records = []calllog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"mode":    s.store.Mode(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
