package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/hiddenbraintechnologies-sys/tenantbill/internal/payment/domain"
)

// HandleGatewayWebhook ingests a gateway notification. Redeliveries and
// event types we do not act on both get a 200 so the gateway stops retrying.
func (s *Server) HandleGatewayWebhook(c *gin.Context) {
	gateway := strings.TrimSpace(c.Param("gateway"))
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), gateway, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrDuplicateEvent) || errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
