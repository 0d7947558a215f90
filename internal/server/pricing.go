package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
)

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.pricingSvc.ListPlans(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) GetPlanByCode(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	plan, err := s.pricingSvc.GetPlanByCode(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}

// ResolvePricing returns the effective price the next invoice would carry.
func (s *Server) ResolvePricing(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID, ok := tenantctx.TenantIDFromContext(ctx)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	price, err := s.pricingSvc.Resolve(ctx, tenantID, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": price})
}

func (s *Server) UpsertExchangeRate(c *gin.Context) {
	var req struct {
		Base       string `json:"base"`
		Quote      string `json:"quote"`
		RateMicros int64  `json:"rate_micros"`
		At         string `json:"at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	at := s.clock.Now()
	if strings.TrimSpace(req.At) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(req.At))
		if err != nil {
			AbortWithError(c, newValidationError("at", "invalid_at", "invalid at"))
			return
		}
		at = parsed.UTC()
	}

	err := s.pricingSvc.UpsertExchangeRate(
		c.Request.Context(),
		strings.ToUpper(strings.TrimSpace(req.Base)),
		strings.ToUpper(strings.TrimSpace(req.Quote)),
		req.RateMicros,
		at,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
