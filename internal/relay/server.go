// Package relay serves the chat and feedback functions in front of an
// OpenAI-compatible gateway.
package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/assistant"
	"github.com/arttherapy/arthelper/internal/llm/openai"
)

// defaultGatewayTimeout bounds a single upstream call, stream included.
const defaultGatewayTimeout = 10 * time.Minute

// Config holds relay settings.
type Config struct {
	// GatewayURL is the upstream chat/completions base URL.
	GatewayURL string
	// GatewayKey is the upstream bearer token.
	GatewayKey string
	// Model is requested for every call.
	Model string
	// SystemPrompt replaces the built-in prompt when set.
	SystemPrompt string
	// AccessKey, when set, must be presented by clients as a bearer token.
	AccessKey string
	// AllowedOrigin is sent in CORS headers.
	AllowedOrigin string
	// Timeout bounds upstream calls.
	Timeout time.Duration
	// Logger records requests and upstream failures.
	Logger *zap.Logger
}

// Server routes relay requests.
type Server struct {
	Router  chi.Router
	cfg     Config
	gateway *openai.Client
	logger  *zap.Logger
}

// NewServer builds the router and the upstream client.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}

	s := &Server{
		Router:  chi.NewRouter(),
		cfg:     cfg,
		gateway: openai.NewClient(cfg.GatewayURL, cfg.GatewayKey, cfg.Timeout, openai.WithLogger(logger)),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := s.Router

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAccessKey)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/completions", s.handleChat)
		r.Post("/feedback", s.handleFeedback)
	})
}

// systemPrompt returns the configured prompt or the built-in one for locale.
func (s *Server) systemPrompt(locale string) string {
	if s.cfg.SystemPrompt != "" {
		return s.cfg.SystemPrompt
	}
	return assistant.DefaultSystemPrompt(locale)
}

// requestLogger logs method, path, status and duration of every request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("relay request",
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}

// cors answers preflight requests and decorates every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		header.Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
		header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAccessKey checks the bearer token when an access key is configured.
func (s *Server) requireAccessKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AccessKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AccessKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorResponse is the JSON body of every relay failure.
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
