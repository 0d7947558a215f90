package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/clock"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/config"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/events"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice"
	invoicedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/invoice/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/lease"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability"
	obsmiddleware "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/logger"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing"
	pricingdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/pricing/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/ratelimit"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription"
	subscriptiondomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/subscription/domain"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage"
	usagedomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	events.Module,
	lease.Module,
	ratelimit.Module,
	usage.Module,
	pricing.Module,
	subscription.Module,
	invoice.Module,
	payment.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	clock           clock.Clock
	usageSvc        usagedomain.Service
	pricingSvc      pricingdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	orchestrator    paymentdomain.Orchestrator
	webhookSvc      paymentdomain.WebhookProcessor
	obsMetrics      *obsmetrics.Metrics
	usageLimiter    *ratelimit.UsageIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	Clock           clock.Clock
	UsageSvc        usagedomain.Service
	PricingSvc      pricingdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	Orchestrator    paymentdomain.Orchestrator
	WebhookSvc      paymentdomain.WebhookProcessor
	ObsMetrics      *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter    *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		clock:           p.Clock,
		usageSvc:        p.UsageSvc,
		pricingSvc:      p.PricingSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		orchestrator:    p.Orchestrator,
		webhookSvc:      p.WebhookSvc,
		obsMetrics:      p.ObsMetrics,
		usageLimiter:    p.UsageLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerOpsRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Catalog --------
	v1.GET("/plans", s.ListPlans)
	v1.GET("/plans/:code", s.GetPlanByCode)

	// -------- Tenant-scoped billing --------
	tenant := v1.Group("", s.TenantRequired())
	{
		tenant.POST("/usage/events", s.UsageIngestRateLimit(), s.RecordUsage)
		tenant.GET("/usage/events", s.ListUsage)

		tenant.POST("/subscriptions", s.CreateSubscription)
		tenant.GET("/subscriptions/current", s.GetSubscription)
		tenant.POST("/subscriptions/current/cancel", s.CancelSubscription)
		tenant.POST("/subscriptions/current/change-plan", s.ChangePlan)
		tenant.PUT("/subscriptions/current/payment-method", s.SetPaymentMethod)

		tenant.GET("/pricing/effective", s.ResolvePricing)

		tenant.GET("/invoices", s.ListInvoices)
		tenant.GET("/invoices/:id", s.GetInvoiceByID)
		tenant.GET("/invoices/:id/lines", s.GetInvoiceLines)
	}
}

func (s *Server) registerWebhookRoutes() {
	v1 := s.engine.Group("/v1")
	v1.POST("/webhooks/:gateway", s.HandleGatewayWebhook)
	// Hook for external schedulers; the in-process scheduler calls Tick
	// directly.
	v1.POST("/billing/tick", s.RunBillingTick)
}

// registerOpsRoutes exposes operator endpoints. The scheduler drives the
// same operations on a timer; these exist for manual intervention.
func (s *Server) registerOpsRoutes() {
	ops := s.engine.Group("/ops")

	ops.POST("/invoices/:id/charge", s.ChargeInvoice)
	ops.POST("/webhooks/replay", s.ReplayWebhooks)
	ops.PUT("/exchange-rates", s.UpsertExchangeRate)
}
