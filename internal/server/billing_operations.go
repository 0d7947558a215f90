package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

// RunBillingTick advances every subscription whose period has ended. The
// scheduler runs this on a timer; the endpoint exists for backfills and
// incident recovery.
func (s *Server) RunBillingTick(c *gin.Context) {
	result, err := s.subscriptionSvc.Tick(c.Request.Context(), s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	errCount := len(result.Errs)
	c.JSON(http.StatusOK, gin.H{
		"rolled_over": result.RolledOver,
		"suspended":   result.Suspended,
		"cancelled":   result.Cancelled,
		"activated":   result.Activated,
		"errors":      errCount,
	})
}

func (s *Server) ChargeInvoice(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	attempt, err := s.orchestrator.Charge(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attempt})
}

func (s *Server) ReplayWebhooks(c *gin.Context) {
	var query struct {
		Limit int `form:"limit,default=50"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	processed, err := s.webhookSvc.Reprocess(c.Request.Context(), query.Limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"processed": processed})
}
