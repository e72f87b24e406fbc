package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/core/events"
	"escrowchain/gateway/middleware"
	"escrowchain/native/escrow"
	"escrowchain/observability"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = int64(1 << 20) // 1 MiB
	rateLimitKey           = "rpc"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig carries the tunables of the JSON-RPC endpoint.
type ServerConfig struct {
	JWTSecret   []byte
	JWTIssuer   string
	JWTAudience string
	ClockSkew   time.Duration

	MaxBodyBytes    int64
	RateLimitPerSec float64
	RateLimitBurst  int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// Server exposes the escrow ledger over JSON-RPC 2.0 and streams ledger
// events over websockets.
type Server struct {
	ledger  *escrow.Ledger
	feed    *events.Feed
	cfg     ServerConfig
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	router  http.Handler

	httpServer *http.Server
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func NewServer(ledger *escrow.Ledger, feed *events.Feed, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxRequestBytes
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		rateLimitKey: {RatePerSecond: cfg.RateLimitPerSec, Burst: cfg.RateLimitBurst},
	}, logger)
	limiter.OnThrottle(func(key string) {
		observability.ModuleMetrics().RecordThrottle(key, "rate_limit")
	})
	s := &Server{
		ledger:  ledger,
		feed:    feed,
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: string(cfg.JWTSecret),
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			ClockSkew:  cfg.ClockSkew,
		}, logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "escrowd",
			MetricsPrefix: "escrowd_http",
			Enabled:       true,
		}, logger),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.With(s.obs.Middleware("rpc")).Post("/", s.handle)
	r.Get("/ws/events", s.handleEventsWS)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())
	return otelhttp.NewHandler(r, "escrowd")
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("json-rpc server listening", slog.String("addr", listener.Addr().String()))
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the HTTP server. Serve calls made after Shutdown
// return http.ErrServerClosed immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle decodes a JSON-RPC request and routes it to the method handler.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	method := "unknown"
	defer func() {
		observability.ModuleMetrics().Observe("rpc", method, recorder.status, time.Since(started))
	}()
	w = recorder

	if !s.limiter.Allow(rateLimitKey, middleware.ClientID(r)) {
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return
	}

	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "escrow_createProject":
		method = req.Method
		s.handleCreateProject(w, r, req)
	case "escrow_fundMilestone":
		method = req.Method
		s.handleFundMilestone(w, r, req)
	case "escrow_submitMilestone":
		method = req.Method
		s.handleSubmitMilestone(w, r, req)
	case "escrow_releaseMilestone":
		method = req.Method
		s.handleReleaseMilestone(w, r, req)
	case "escrow_getBalance":
		method = req.Method
		s.handleGetBalance(w, r, req)
	case "escrow_getProject":
		method = req.Method
		s.handleGetProject(w, r, req)
	case "escrow_getProjectCount":
		method = req.Method
		s.handleGetProjectCount(w, r, req)
	case "escrow_listProjects":
		method = req.Method
		s.handleListProjects(w, r, req)
	case "escrow_listEvents":
		method = req.Method
		s.handleListEvents(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
	}
}

// requireCaller resolves the caller account from the bearer token.
func (s *Server) requireCaller(r *http.Request) ([20]byte, *RPCError) {
	principal, err := s.auth.Authenticate(r.Header.Get("Authorization"))
	if err != nil {
		message := "invalid bearer token"
		switch {
		case errors.Is(err, middleware.ErrMissingToken):
			message = "missing bearer token"
		case errors.Is(err, middleware.ErrInvalidSubject):
			message = "token subject is not a valid account"
		}
		return [20]byte{}, &RPCError{Code: codeUnauthorized, Message: message}
	}
	return principal.Account, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	count, err := s.ledger.ProjectCount()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	var latest uint64
	if s.feed != nil {
		latest = s.feed.LatestSequence()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"projects":    count,
		"latestEvent": latest,
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
