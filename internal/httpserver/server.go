// Package httpserver exposes the gateway's HTTP surface and orchestrates
// the request pipeline: authenticate, normalize, route, translate, relay,
// account, finalize.
package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/apikey"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/connector"
	"github.com/ccgw/gateway/internal/logging"
	"github.com/ccgw/gateway/internal/metrics"
	"github.com/ccgw/gateway/internal/reqlog"
	"github.com/ccgw/gateway/internal/version"
)

// Server wires the gateway components behind the HTTP mux.
type Server struct {
	cfg      *config.Manager
	keys     apikey.Service
	logs     reqlog.Store
	metrics  *metrics.Metrics
	registry *connector.Registry
	log      *logging.Logger
}

// New builds a server from its dependencies.
func New(cfg *config.Manager, keys apikey.Service, logs reqlog.Store, m *metrics.Metrics, logger *logging.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = logging.NewStderr()
	}
	return &Server{
		cfg:      cfg,
		keys:     keys,
		logs:     logs,
		metrics:  m,
		registry: connector.NewRegistry(),
		log:      logger,
	}
}

// Router assembles the chi mux with the core endpoints. Custom endpoints
// from config are dispatched from the fallback handler so a config reload
// can add paths without rebuilding the mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	r.Post("/anthropic/v1/messages", s.protocolHandler("anthropic", config.TypeAnthropic))
	r.Post("/anthropic/v1/messages/count_tokens", s.handleCountTokens)

	chatHandler := s.protocolHandler("openai", config.TypeOpenAIChat)
	r.Post("/openai/v1/chat/completions", chatHandler)
	r.Post("/openai/chat/completions", chatHandler)

	responsesHandler := s.protocolHandler("openai", config.TypeOpenAIResponses)
	r.Post("/openai/v1/responses", responsesHandler)
	r.Post("/openai/responses", responsesHandler)

	r.Get("/openai/v1/models", s.handleModels)

	r.NotFound(s.handleCustomEndpoint)
	return r
}

// protocolHandler binds an endpoint name and client protocol to the shared
// pipeline.
func (s *Server) protocolHandler(endpoint string, clientType config.ProviderType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handle(w, r, endpoint, clientType)
	}
}

// handleCustomEndpoint dispatches config-declared endpoints by path.
func (s *Server) handleCustomEndpoint(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	for _, ep := range snap.Endpoints {
		if ep.Path != r.URL.Path {
			continue
		}
		if r.Method != http.MethodPost {
			s.respondError(w, apierr.InvalidRequest("method %s not allowed", r.Method))
			return
		}
		s.handle(w, r, ep.Name, ep.Type)
		return
	}
	s.respondError(w, &apierr.Error{
		Kind:    apierr.KindInvalidRequest,
		Status:  http.StatusNotFound,
		Code:    "not_found",
		Message: "unknown endpoint " + r.URL.Path,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Snapshot()
	routes := 0
	for _, t := range snap.Routes {
		routes += len(t.ModelRoutes)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   version.Version,
		"providers": len(snap.Providers),
		"routes":    routes,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Errorf("respond encode error=%v", err)
	}
}

// respondError writes the gateway error envelope {error:{code,message}}.
func (s *Server) respondError(w http.ResponseWriter, err *apierr.Error) {
	if err.Kind == apierr.KindClientDisconnected {
		return
	}
	s.respondJSON(w, err.Status, map[string]any{
		"error": map[string]any{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}

// presentedToken extracts the caller's key from Authorization or x-api-key.
func presentedToken(r *http.Request) string {
	if tok := bearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
