package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/payment-system/pkg/metrics"
	"example.com/payment-system/services/payment/internal/middleware"
	"example.com/payment-system/services/payment/internal/reconciliation"
	"example.com/payment-system/services/payment/internal/risk"
	"example.com/payment-system/services/payment/internal/service"
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — конфигурация роутера платёжного API.
type Router struct {
	engine         *gin.Engine
	payments       service.PaymentService
	recon          reconciliation.Service
	risk           *risk.Engine
	operatorMW     *middleware.OperatorAuthMiddleware
	rateLimitMW    *middleware.RateLimitMiddleware
	tracingMW      *middleware.TracingMiddleware
	readinessCheck ReadinessChecker
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Payments       service.PaymentService
	Recon          reconciliation.Service
	Risk           *risk.Engine
	OperatorMW     *middleware.OperatorAuthMiddleware
	RateLimitMW    *middleware.RateLimitMiddleware
	TracingMW      *middleware.TracingMiddleware
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool             // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	// OpenTelemetry tracing — создаёт spans для Jaeger
	engine.Use(otelgin.Middleware("payment"))

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware("payment"))

	r := &Router{
		engine:         engine,
		payments:       cfg.Payments,
		recon:          cfg.Recon,
		risk:           cfg.Risk,
		operatorMW:     cfg.OperatorMW,
		rateLimitMW:    cfg.RateLimitMW,
		tracingMW:      cfg.TracingMW,
		readinessCheck: cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	if r.tracingMW != nil {
		r.engine.Use(r.tracingMW.Handle())
	}

	// Health endpoints (без rate limiting и auth)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	v1 := r.engine.Group("/api/v1")

	// === Payment routes ===
	paymentHandler := NewPaymentHandler(r.payments)
	payments := v1.Group("/payments")
	{
		payments.POST("", paymentHandler.Create)
		payments.POST("/:id/initiate", paymentHandler.Initiate)
		payments.GET("/status", paymentHandler.Status)
		payments.POST("/refund", paymentHandler.Refund)
		payments.GET("", paymentHandler.List)
		payments.GET("/channels", paymentHandler.Channels)
	}

	// === Callback routes ===
	// Rate limiting защищает от шторма повторных уведомлений
	callbackHandler := NewCallbackHandler(r.payments)
	callbacks := v1.Group("/callbacks")
	if r.rateLimitMW != nil {
		callbacks.Use(r.rateLimitMW.Handle())
	}
	{
		callbacks.POST("/stripe", callbackHandler.Stripe)
		callbacks.POST("/cardgate", callbackHandler.CardGate)
	}

	// === Recon routes (операторские) ===
	if r.recon != nil {
		reconHandler := NewReconHandler(r.recon)
		recon := v1.Group("/recon")
		if r.operatorMW != nil {
			recon.Use(r.operatorMW.Handle())
		}
		{
			recon.POST("/batches", reconHandler.StartBatch)
			recon.POST("/batches/:no/run", reconHandler.RunBatch)
			recon.GET("/batches/:no/report", reconHandler.Report)
			recon.GET("/batches/:no/export", reconHandler.Export)
			recon.POST("/runs", reconHandler.RunRange)
			recon.PUT("/records/:id/resolve", reconHandler.Resolve)
		}
	}

	// === Risk routes (операторские) ===
	if r.risk != nil {
		riskHandler := NewRiskHandler(r.risk)
		riskGroup := v1.Group("/risk")
		if r.operatorMW != nil {
			riskGroup.Use(r.operatorMW.Handle())
		}
		{
			riskGroup.POST("/blocks", riskHandler.Block)
			riskGroup.DELETE("/blocks/:user_id", riskHandler.Unblock)
		}
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// livenessCheck — liveness probe для Kubernetes.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe для Kubernetes.
// Возвращает 200 OK если все зависимости доступны.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
