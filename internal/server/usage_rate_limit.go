package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/logger"
	obsmetrics "github.com/hiddenbraintechnologies-sys/tenantbill/internal/observability/metrics"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
	"go.uber.org/zap"
)

// UsageIngestRateLimit throttles usage writes per tenant. Runs after
// TenantRequired so the tenant is always in context here.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.usageLimiter == nil || !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		tenantID, ok := tenantctx.TenantIDFromContext(ctx)
		if !ok {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		allowed, err := s.usageLimiter.AllowTenant(ctx, tenantID.String())
		if err != nil {
			logger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			denyUsageIngest(c, normalizeRateLimitEndpoint(c), s.obsMetrics)
			return
		}

		c.Next()
	}
}

func denyUsageIngest(c *gin.Context, endpoint string, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, metrics)

	c.Header("Retry-After", "1")
	AbortWithError(c, ErrRateLimited)
}

func recordRateLimitDenied(ctx context.Context, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordQuotaReject(ctx, "rate_limit")
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
