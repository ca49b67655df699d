package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tiply/ledger-service/internal/service"
	"go.uber.org/zap"
)

// statusFor maps the service error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrPreconditionFailed):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrExternalService):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the mapped status. Rail details and unexpected
// errors are logged, never returned.
func writeError(c *gin.Context, log *zap.SugaredLogger, err error, txID string) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusBadGateway:
		log.Warnw("external service error", "path", c.FullPath(), "transaction_id", txID, "error", err)
		msg = service.ErrExternalService.Error()
	case http.StatusInternalServerError:
		log.Errorw("request failed", "path", c.FullPath(), "transaction_id", txID, "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}
