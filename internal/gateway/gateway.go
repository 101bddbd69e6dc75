// Package gateway exposes the metering engine over HTTP to the
// protocol-translation layers that front it.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crosslogic/metering-plane/internal/billing"
	"github.com/crosslogic/metering-plane/internal/ledger"
	"github.com/crosslogic/metering-plane/internal/metering"
	"github.com/crosslogic/metering-plane/internal/vmmanager"
	"github.com/crosslogic/metering-plane/pkg/cache"
	"github.com/crosslogic/metering-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway handles API requests
type Gateway struct {
	engine         *metering.Engine
	store          ledger.Store
	cache          *cache.Cache
	logger         *zap.Logger
	rateLimiter    *RateLimiter
	webhookHandler *billing.WebhookHandler
	router         *chi.Mux
	adminToken     string
}

// NewGateway creates a new API gateway. cacheClient may be nil; rate
// limiting is then disabled.
func NewGateway(engine *metering.Engine, store ledger.Store, cacheClient *cache.Cache, webhookHandler *billing.WebhookHandler, adminToken string, logger *zap.Logger) *Gateway {
	g := &Gateway{
		engine:         engine,
		store:          store,
		cache:          cacheClient,
		logger:         logger,
		rateLimiter:    NewRateLimiter(cacheClient, logger),
		webhookHandler: webhookHandler,
		router:         chi.NewRouter(),
		adminToken:     adminToken,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*.crosslogic.ai", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.router.Handle("/metrics", promhttp.Handler())

	// Health checks (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook (no auth - uses signature verification)
	g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)

	// Instance operations
	g.router.Group(func(r chi.Router) {
		r.Use(g.rateLimitMiddleware)

		r.Post("/api/v1/instances", g.handleCreateInstances)
		r.Delete("/api/v1/instances/{id}", g.handleTerminateInstance)
		r.Get("/api/v1/instances/{id}", g.handleDescribeInstance)
		r.Get("/api/v1/instances/{id}/billing", g.handleInstanceBilling)
		r.Get("/api/v1/accounts/{owner}", g.handleGetAccount)
	})

	// Admin endpoints
	g.router.Group(func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/admin/accounts", g.handleProvisionAccount)
		r.Post("/admin/accounts/{owner}/credit", g.handleCreditAccount)
		r.Post("/admin/cycle/run", g.handleRunCycle)
	})
}

type createInstancesRequest struct {
	Owner        string `json:"owner"`
	ResourceType string `json:"resource_type"`
	NodeCount    int    `json:"node_count"`
}

type instanceResponse struct {
	ID                string     `json:"id"`
	Owner             string     `json:"owner"`
	ResourceType      string     `json:"resource_type"`
	RatePerHour       int64      `json:"rate_per_hour"`
	AccumulatedCharge int64      `json:"accumulated_charge"`
	StartTime         time.Time  `json:"start_time"`
	StopTime          *time.Time `json:"stop_time,omitempty"`
}

func (g *Gateway) handleCreateInstances(w http.ResponseWriter, r *http.Request) {
	var req createInstancesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := g.engine.Create(r.Context(), vmmanager.CreateRequest{
		ResourceType: req.ResourceType,
		NodeCount:    req.NodeCount,
		Owner:        req.Owner,
	})
	if err != nil {
		if errors.Is(err, metering.ErrRequestDenied) {
			g.writeError(w, http.StatusForbidden, err.Error())
			return
		}
		g.logger.Error("instance creation failed",
			zap.String("owner", req.Owner),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "instance creation failed")
		return
	}

	resp := make([]instanceResponse, 0, len(created))
	for _, inst := range created {
		resp = append(resp, instanceJSON(inst))
	}
	g.writeJSON(w, http.StatusCreated, map[string]interface{}{"instances": resp})
}

func (g *Gateway) handleTerminateInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	owner := r.URL.Query().Get("owner")

	err := g.engine.Trash(r.Context(), id, owner)
	switch {
	case errors.Is(err, vmmanager.ErrDoesNotExist):
		g.writeError(w, http.StatusNotFound, "instance not found")
	case err != nil:
		g.logger.Error("instance termination failed",
			zap.String("instance_id", id),
			zap.Error(err),
		)
		g.writeError(w, http.StatusBadGateway, "instance termination failed")
	default:
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "terminating"})
	}
}

func (g *Gateway) handleDescribeInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := g.engine.DescribeInstance(r.Context(), id)
	switch {
	case errors.Is(err, vmmanager.ErrDoesNotExist):
		g.writeError(w, http.StatusNotFound, "instance not found")
	case err != nil:
		g.writeError(w, http.StatusBadGateway, "failed to query instance state")
	default:
		g.writeJSON(w, http.StatusOK, state)
	}
}

func (g *Gateway) handleInstanceBilling(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inst, ok := g.engine.Tracked(id)
	if !ok {
		g.writeError(w, http.StatusNotFound, "instance not tracked")
		return
	}
	g.writeJSON(w, http.StatusOK, instanceJSON(inst))
}

func (g *Gateway) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	acct, err := g.store.Account(r.Context(), owner)
	switch {
	case errors.Is(err, ledger.ErrNoSuchAccount):
		g.writeError(w, http.StatusNotFound, "account not found")
	case err != nil:
		g.logger.Error("failed to load account",
			zap.String("owner", owner),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load account")
	default:
		g.writeJSON(w, http.StatusOK, map[string]interface{}{
			"owner":        acct.Owner,
			"used_credits": acct.UsedCredits,
			"max_credits":  acct.MaxCredits,
			"unlimited":    acct.Unlimited(),
		})
	}
}

type provisionAccountRequest struct {
	Owner      string `json:"owner"`
	MaxCredits *int64 `json:"max_credits"`
}

func (g *Gateway) handleProvisionAccount(w http.ResponseWriter, r *http.Request) {
	var req provisionAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acct := &models.Account{Owner: req.Owner, MaxCredits: req.MaxCredits}
	if err := g.store.PutAccount(r.Context(), acct); err != nil {
		g.logger.Error("failed to provision account",
			zap.String("owner", req.Owner),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to provision account")
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]string{"owner": req.Owner})
}

type creditAccountRequest struct {
	Amount int64 `json:"amount"`
}

func (g *Gateway) handleCreditAccount(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")

	var req creditAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := g.store.Credit(r.Context(), owner, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrNoSuchAccount):
		g.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, ledger.ErrInsufficientCredit):
		g.writeError(w, http.StatusConflict, "credit exceeds used balance")
	case err != nil:
		g.writeError(w, http.StatusInternalServerError, "failed to credit account")
	default:
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "credited"})
	}
}

// handleRunCycle drives one charge cycle on demand; the operational path
// when the periodic timer is disabled.
func (g *Gateway) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	if err := g.engine.RunCycle(r.Context(), time.Now()); err != nil {
		g.logger.Error("manual charge cycle failed", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "charge cycle failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.cache != nil {
		if err := g.cache.Health(r.Context()); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache unavailable")
			return
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func instanceJSON(inst *models.Instance) instanceResponse {
	return instanceResponse{
		ID:                inst.ID,
		Owner:             inst.Owner,
		ResourceType:      inst.ResourceType,
		RatePerHour:       inst.RatePerHour,
		AccumulatedCharge: inst.AccumulatedCharge,
		StartTime:         inst.StartTime,
		StopTime:          inst.StopTime,
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, msg string) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}
