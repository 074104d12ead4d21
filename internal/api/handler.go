package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Checkout prices carts and opens payment intents.
type Checkout interface {
	CreatePaymentIntent(ctx context.Context, req *service.CheckoutRequest) (*service.QuoteResult, error)
}

// TestOrders creates orders without a gateway charge.
type TestOrders interface {
	CreateTestOrder(ctx context.Context, req *service.TestOrderRequest) (*service.MaterializeResult, error)
}

// IdempotencyGuard claims a request key once.
type IdempotencyGuard interface {
	SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerProperty holds the collaborators of a Handler.
type HandlerProperty struct {
	Checkout    Checkout
	TestOrders  TestOrders
	Idempotency IdempotencyGuard
	RateLimiter *RateLimiter
	Readiness   map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	checkout    Checkout
	testOrders  TestOrders
	idempotency IdempotencyGuard
	rateLimiter *RateLimiter
	readiness   map[string]Pinger
	logger      *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(p HandlerProperty) *Handler {
	return &Handler{
		checkout:    p.Checkout,
		testOrders:  p.TestOrders,
		idempotency: p.Idempotency,
		rateLimiter: p.RateLimiter,
		readiness:   p.Readiness,
		logger:      util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		checkout := []gin.HandlerFunc{h.createPaymentIntent}
		if h.rateLimiter != nil {
			checkout = append([]gin.HandlerFunc{h.rateLimiter.Middleware()}, checkout...)
		}
		v1.POST("/checkout/payment-intent", checkout...)
		if h.testOrders != nil {
			v1.POST("/orders/test", h.createTestOrder)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency the checkout path needs
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.readiness {
		if err := dep.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "unavailable"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	body := gin.H{"status": "ready", "checks": checks, "time": time.Now().Unix()}
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not_ready"
	}
	c.JSON(status, body)
}

// createPaymentIntent handles checkout quotes
func (h *Handler) createPaymentIntent(c *gin.Context) {
	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    service.CodeInvalidRequest,
			"details": err.Error(),
		})
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	result, err := h.checkout.CreatePaymentIntent(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// createTestOrder handles test order creation
func (h *Handler) createTestOrder(c *gin.Context) {
	var req service.TestOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    service.CodeInvalidRequest,
			"details": err.Error(),
		})
		return
	}

	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" && h.idempotency != nil {
		fresh, err := h.idempotency.SetIdempotencyKey(c.Request.Context(), "test-order:"+key, 24*time.Hour)
		if err != nil {
			h.logger.Warn("Idempotency check failed, continuing", zap.Error(err))
		} else if !fresh {
			c.JSON(http.StatusConflict, gin.H{
				"error": "This request has already been processed",
				"code":  "DUPLICATE_REQUEST",
			})
			return
		}
	}

	result, err := h.testOrders.CreateTestOrder(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// writeError maps service errors to a status and an {error, code} body.
// Upstream causes are logged, never returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	var cerr *service.CheckoutError
	if errors.As(err, &cerr) {
		c.JSON(cerr.Status, gin.H{"error": cerr.Message, "code": cerr.Code})
		return
	}

	var oerr *service.OrderCreationError
	if errors.As(err, &oerr) {
		c.JSON(oerr.Status, gin.H{"error": oerr.Message, "code": "ORDER_CREATION_FAILED"})
		return
	}

	h.logger.Error("Unhandled request error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Something went wrong. Please try again.",
		"code":  "INTERNAL_ERROR",
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
