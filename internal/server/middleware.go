package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hiddenbraintechnologies-sys/tenantbill/internal/tenantctx"
)

const HeaderTenant = "X-Tenant-ID"

// TenantRequired resolves the calling tenant from the X-Tenant-ID header
// and stores it in the request context. Every tenant-scoped handler reads
// the tenant from context, never from the URL.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTenant))
		if raw == "" {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		tenantID, err := snowflake.ParseString(raw)
		if err != nil || tenantID == 0 {
			AbortWithError(c, ErrTenantRequired)
			return
		}

		c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		c.Next()
	}
}
