package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/loom/pkg/models"
)

// writeServiceError translates service-layer errors into HTTP responses.
// Validation failures map to 400, missing records to 404, conflicting
// writes (stale content hash, duplicate create, resume of a running step)
// to 409, and an engine at its run cap to 429. Anything else is logged and
// hidden behind a generic 500.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case models.IsValidationError(err) || errors.Is(err, models.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrConcurrentModification),
		errors.Is(err, models.ErrAlreadyExists),
		errors.Is(err, models.ErrNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrRunLimit):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		slog.Error("Unexpected service error",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
