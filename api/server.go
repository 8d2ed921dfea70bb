// Package api exposes the order pipeline over HTTP.
package api

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/exodusarc/exodus-core/internal/alerting"
	"github.com/exodusarc/exodus-core/internal/pipeline"
	"github.com/exodusarc/exodus-core/internal/reconciliation"
	"github.com/exodusarc/exodus-core/internal/risk"
	"github.com/exodusarc/exodus-core/internal/routing"
)

// Server wires HTTP routes to the pipeline and its components.
type Server struct {
	engine      *gin.Engine
	coordinator *pipeline.Coordinator
	router      *routing.Router
	recon       *reconciliation.Service
	risk        *risk.Engine
	alerts      *alerting.Manager
	logger      *zap.Logger
}

// NewServer builds the HTTP server around an assembled pipeline.
func NewServer(
	coordinator *pipeline.Coordinator,
	router *routing.Router,
	recon *reconciliation.Service,
	riskEngine *risk.Engine,
	alerts *alerting.Manager,
	logger *zap.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		engine:      engine,
		coordinator: coordinator,
		router:      router,
		recon:       recon,
		risk:        riskEngine,
		alerts:      alerts,
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.POST("/orders", s.handleSubmitOrder)
	v1.GET("/orders/:id/routing", s.handleRoutingDecision)
	v1.GET("/routing/history", s.handleRoutingHistory)
	v1.GET("/orders/:id/reconciliation", s.handleReconciliationStatus)
	v1.GET("/status", s.handleStatus)
	v1.GET("/alerts", s.handleAlerts)
	v1.POST("/reconciliation/eod", s.handleEndOfDay)
	v1.GET("/reconciliation/unmatched", s.handleUnmatched)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// orderRequest is the submission body. The idempotency key may come from
// the X-Idempotency-Key header instead; the client order ID serves as a
// fallback key.
type orderRequest struct {
	Symbol        string `json:"symbol" binding:"required"`
	Side          string `json:"side" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Quantity      string `json:"quantity" binding:"required"`
	Price         string `json:"price"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id"`
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	var body orderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := c.GetHeader("X-Idempotency-Key")
	if key == "" {
		key = body.ClientOrderID
	}
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "X-Idempotency-Key header or client_order_id is required",
		})
		return
	}

	req := pipeline.Request{
		Symbol:         body.Symbol,
		Side:           body.Side,
		Type:           body.Type,
		TimeInForce:    body.TimeInForce,
		ClientOrderID:  body.ClientOrderID,
		IdempotencyKey: key,
	}
	var err error
	if req.Quantity, err = decimalField(body.Quantity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}
	if body.Price != "" {
		if req.Price, err = decimalField(body.Price); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
			return
		}
	}

	result := s.coordinator.ProcessOrder(c.Request.Context(), req)
	status := http.StatusOK
	if result.Status == pipeline.StatusError {
		status = http.StatusInternalServerError
	}
	c.JSON(status, result)
}

func (s *Server) handleRoutingDecision(c *gin.Context) {
	decision, ok := s.router.Decision(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no routing decision for order"})
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleRoutingHistory(c *gin.Context) {
	history := s.router.History()
	if len(history) > 100 {
		history = history[len(history)-100:]
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleReconciliationStatus(c *gin.Context) {
	status, ok := s.recon.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "status": status})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"venues":         s.router.VenueStatuses(),
		"routing":        s.router.Stats(),
		"risk":           s.risk.Metrics(),
		"reconciliation": s.recon.Metrics(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.alerts.Recent(50)})
}

func (s *Server) handleEndOfDay(c *gin.Context) {
	var statement []reconciliation.StatementEntry
	if err := c.ShouldBindJSON(&statement); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.recon.ReconcileEndOfDay(statement)
	c.JSON(http.StatusOK, gin.H{
		"processed": len(statement),
		"metrics":   s.recon.Metrics(),
	})
}

func decimalField(value string) (decimal.Decimal, error) {
	return decimal.NewFromString(value)
}

func (s *Server) handleUnmatched(c *gin.Context) {
	unmatched := s.recon.UnmatchedOrders()
	if unmatched == nil {
		unmatched = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"unmatched": unmatched})
}
