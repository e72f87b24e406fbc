package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/gateway/middleware"
	ledger "escrowchain/native/escrow"
	"escrowchain/observability"
	escrowsdk "escrowchain/sdk/escrow"
)

const (
	maxRequestBody  = 1 << 20 // 1 MiB
	rateLimitKey    = "gateway"
	nodeCallTimeout = 15 * time.Second
)

// ServerConfig carries the HTTP-facing settings of the gateway.
type ServerConfig struct {
	JWTSecret    []byte
	JWTIssuer    string
	JWTAudience  string
	ClockSkew    time.Duration
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	HistoryLimit int
}

// Server is the REST front-end for escrow projects.
type Server struct {
	node         NodeClient
	store        *Store
	auth         *middleware.Authenticator
	limiter      *middleware.RateLimiter
	obs          *middleware.Observability
	cors         middleware.CORSConfig
	historyLimit int
	logger       *slog.Logger
	nowFn        func() time.Time
	router       http.Handler
}

func NewServer(node NodeClient, store *Store, cfg ServerConfig, logger *slog.Logger) *Server {
	if node == nil {
		panic("node client required")
	}
	if store == nil {
		panic("store required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		rateLimitKey: {RatePerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
	}, logger)
	limiter.OnThrottle(func(key string) {
		observability.ModuleMetrics().RecordThrottle(key, "rate_limit")
	})
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		HMACSecret: string(cfg.JWTSecret),
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		ClockSkew:  cfg.ClockSkew,
	}, logger)
	auth.SetErrorWriter(func(w http.ResponseWriter, status int, message string) {
		writeJSON(w, status, errorResponse{Error: message})
	})
	s := &Server{
		node:    node,
		store:   store,
		auth:    auth,
		limiter: limiter,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   "escrow-gateway",
			MetricsPrefix: "escrow_gateway_http",
			Enabled:       true,
		}, logger),
		cors:         middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins, AllowedHeaders: []string{"Authorization", "Content-Type"}},
		historyLimit: cfg.HistoryLimit,
		logger:       logger,
		nowFn:        time.Now,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware(rateLimitKey))
		r.Use(s.obs.Middleware("v1"))
		r.Get("/projects", s.handleSearchProjects)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Get("/projects/{id}/transactions", s.handleProjectTransactions)
		r.Get("/projects/{id}/events", s.handleProjectEvents)
		r.Get("/transactions", s.handleTransactions)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware())
			r.Post("/projects", s.handleCreateProject)
			r.Patch("/projects/{id}/metadata", s.handlePatchMetadata)
			r.Post("/projects/{id}/milestones/{index}/{action}", s.handleMilestoneAction)
		})
	})
	return otelhttp.NewHandler(r, "escrow-gateway")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "database: " + err.Error()})
		return
	}
	count, err := s.node.ProjectCount(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "node: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "projects": count})
}

type errorResponse struct {
	Error       string `json:"error"`
	Code        uint32 `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Transaction string `json:"transaction,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeNodeError renders a failed node call. Ledger rejections keep their
// taxonomy code and actionable message; transport failures become 502.
func writeNodeError(w http.ResponseWriter, op ledger.Operation, err error, tx *Transaction) {
	resp := errorResponse{Error: err.Error()}
	if tx != nil {
		resp.Transaction = tx.Reference.String()
	}
	if code := ledger.CodeOf(err); code != 0 {
		resp.Error = code.String()
		resp.Code = uint32(code)
		resp.Message = ledger.UserMessage(op, err)
		var ledgerErr *ledger.Error
		if errors.As(err, &ledgerErr) && ledgerErr.Detail != "" {
			resp.Message = ledgerErr.Detail
		}
		writeJSON(w, ledgerStatus(code), resp)
		return
	}
	status := http.StatusBadGateway
	var rpcErr *escrowsdk.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32001:
			status = http.StatusUnauthorized
		case -32020:
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, resp)
}

func ledgerStatus(code ledger.ErrorCode) int {
	switch code {
	case ledger.CodeProjectNotFound:
		return http.StatusNotFound
	case ledger.CodeUnauthorized:
		return http.StatusForbidden
	case ledger.CodeInvalidMilestone:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}
