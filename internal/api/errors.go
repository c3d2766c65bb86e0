package api

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/hyphamind/hyphamind/internal/apperr"
)

// writeEngineError maps a core apperr.Kind to its HTTP status-code
// convention. Errors that aren't *apperr.Error are treated as internal.
func writeEngineError(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		internalError(c, err.Error())
		return
	}
	switch ae.Kind {
	case apperr.KindValidation:
		badRequestError(c, ae.Reason)
	case apperr.KindNotFound:
		notFoundError(c, ae.Reason)
	case apperr.KindConflict:
		conflictError(c, ae.Reason)
	case apperr.KindStaleState:
		errorResponse(c, 409, ae.Reason)
	case apperr.KindQueueFull:
		serviceUnavailableError(c, ae.Reason)
	case apperr.KindAuthFailed:
		unauthorizedError(c, ae.Reason)
	default:
		internalError(c, ae.Reason)
	}
}
