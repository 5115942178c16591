package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/apperr"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// respondError maps structured error kinds onto HTTP statuses. Internal
// errors log server-side and return an opaque message with a trace id.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.Kind(err)

	if e, ok := apperr.As(err); ok {
		if kind == apperr.KindInternal {
			log.Error("request failed", zap.String("trace_id", e.TraceID), zap.Error(err))
			c.JSON(status, gin.H{"error": "internal error", "kind": kind, "traceId": e.TraceID})
			return
		}
		c.JSON(status, gin.H{"error": e.Message, "kind": kind})
		return
	}

	log.Error("request failed", zap.Error(err))
	c.JSON(status, gin.H{"error": "internal error", "kind": apperr.KindInternal})
}
