// Package httpapi exposes the ops/admin HTTP surface named in spec.md §6:
// lifecycle commands (stop, reload) and verification queries (count by
// status, list failed, inspect by command id), plus the webhook adapter
// that forwards an alert payload unchanged into process_alert. Grounded on
// SynapseStrike/api/tactics.go's gin handler shape: a *Server method
// receiver per handler, gin.H JSON responses, c.ShouldBindJSON for request
// bodies. Unlike the producer-facing webhook route, every /admin route other
// than /admin/login sits behind requireAdminAuth (JWT bearer + TOTP login), finally giving the
// teacher's golang-jwt and pquerna/otp dependencies — present in its go.mod
// but never imported by any file in the pack — a concrete caller.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ordercore/internal/facade"
	"ordercore/internal/model"
	"ordercore/internal/obslog"
	"ordercore/internal/positionexit"
	"ordercore/internal/store"
)

var log = obslog.Component("httpapi")

// Server is the ops HTTP surface: one gin.Engine wrapping the Facade and
// the Repository's verification queries.
type Server struct {
	engine *gin.Engine
	http   *http.Server

	facade *facade.Facade
	repo   *store.Repository

	clientID string

	jwtSigningKey     string
	adminUsername     string
	adminPasswordHash string
	adminTOTPSecret   string
}

// Config carries the settings New needs beyond the Facade/Repository it wires.
type Config struct {
	ListenAddr        string
	ClientID          string
	JWTSigningKey     string
	AdminUsername     string
	AdminPasswordHash string
	AdminTOTPSecret   string
}

// New builds the ops HTTP surface and registers every route. It does not
// start listening; call Start for that.
func New(f *facade.Facade, repo *store.Repository, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:            engine,
		facade:            f,
		repo:              repo,
		clientID:          cfg.ClientID,
		jwtSigningKey:     cfg.JWTSigningKey,
		adminUsername:     cfg.AdminUsername,
		adminPasswordHash: cfg.AdminPasswordHash,
		adminTOTPSecret:   cfg.AdminTOTPSecret,
	}
	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/webhook/alert", s.handleWebhookAlert)

	s.engine.POST("/admin/login", s.handleAdminLogin)

	admin := s.engine.Group("/admin", s.requireAdminAuth())
	{
		admin.POST("/lifecycle/stop", s.handleLifecycleStop)
		admin.POST("/lifecycle/reload", s.handleLifecycleReload)

		admin.GET("/orders/count-by-status", s.handleCountByStatus)
		admin.GET("/orders/failed", s.handleListFailed)
		admin.GET("/orders/:command_id", s.handleInspectOrder)

		admin.POST("/strategies/:name/entry", s.handleStrategyEntry)
		admin.POST("/strategies/:name/exit", s.handleStrategyExit)
		admin.POST("/strategies/:name/adjust", s.handleStrategyAdjust)
		admin.POST("/force-exit", s.handleForceExit)
		admin.POST("/flatten", s.handleFlatten)
	}
}

// Handler exposes the underlying gin.Engine, primarily for tests that want
// httptest.NewServer without going through Start/Stop.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving in the background. ListenAndServe errors other than
// http.ErrServerClosed are logged; Stop is the normal shutdown path.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("ops HTTP server stopped: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP listener, waiting up to the given
// timeout for in-flight requests to finish.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebhookAlert(c *gin.Context) {
	var alert facade.Alert
	if err := c.ShouldBindJSON(&alert); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert payload: " + err.Error()})
		return
	}
	if alert.Source == "" {
		alert.Source = "WEBHOOK"
	}

	out := s.facade.ProcessAlert(c.Request.Context(), alert)
	status := http.StatusOK
	if !out.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"success":         out.Success,
		"command_id":      out.CommandID,
		"broker_order_id": out.BrokerOrderID,
		"tag":             out.Tag,
		"error":           errString(out.Err),
	})
}

func (s *Server) handleLifecycleStop(c *gin.Context) {
	s.facade.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// handleLifecycleReload acknowledges a reload request. Config is immutable
// for the lifetime of a running process (spec.md names "reload config" as
// an expected lifecycle command without specifying its semantics); the
// operator restarts the process to apply a changed .env, and this endpoint
// exists so the CLI has a stable target to call regardless.
func (s *Server) handleLifecycleReload(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "reload acknowledged; restart process to apply config changes"})
}

func (s *Server) handleCountByStatus(c *gin.Context) {
	counts, err := s.repo.CountByStatus(c.Request.Context(), s.clientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func (s *Server) handleListFailed(c *gin.Context) {
	recs, err := s.repo.ListByStatus(c.Request.Context(), s.clientID, model.StatusFailed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": recs})
}

func (s *Server) handleInspectOrder(c *gin.Context) {
	rec, err := s.repo.GetByCommandID(c.Request.Context(), c.Param("command_id"))
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStrategyEntry(c *gin.Context) {
	if err := s.facade.RequestEntry(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "entry requested"})
}

func (s *Server) handleStrategyExit(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator_requested"
	}
	if err := s.facade.RequestExitByStrategy(c.Request.Context(), c.Param("name"), req.Reason); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "exit requested"})
}

func (s *Server) handleStrategyAdjust(c *gin.Context) {
	if err := s.facade.RequestAdjust(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "adjustment requested"})
}

func (s *Server) handleForceExit(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := s.facade.RequestForceExit(c.Request.Context(), req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "force exit requested"})
}

func (s *Server) handleFlatten(c *gin.Context) {
	var req struct {
		All          bool     `json:"all"`
		Symbols      []string `json:"symbols"`
		ProductScope string   `json:"product_scope"`
		Reason       string   `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	productScope := positionexit.ProductScopeAll
	if req.ProductScope != "" {
		productScope = positionexit.ProductScope(req.ProductScope)
	}

	outcomes, err := s.facade.RequestExit(
		c.Request.Context(),
		positionexit.Scope{All: req.All, Symbols: req.Symbols},
		productScope,
		model.Tag(req.Reason),
		"OPS_API",
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
