// Package api is the HTTP boundary: a gin router exposing /browse/node
// CRUD and /maintenance/... introspection and control endpoints over the
// core engines, with an {ok, ...} JSON response envelope.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// okResponse sends a 200 with ok:true and the given payload merged in.
func okResponse(c *gin.Context, payload gin.H) {
	if payload == nil {
		payload = gin.H{}
	}
	payload["ok"] = true
	c.JSON(http.StatusOK, payload)
}

// createdResponse sends a 201 with ok:true and the given payload merged in.
func createdResponse(c *gin.Context, payload gin.H) {
	if payload == nil {
		payload = gin.H{}
	}
	payload["ok"] = true
	c.JSON(http.StatusCreated, payload)
}

// errorResponse sends ok:false with a message at the given status code.
func errorResponse(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"ok": false, "message": message})
}

func badRequestError(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, message)
}

func notFoundError(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, message)
}

func conflictError(c *gin.Context, message string) {
	errorResponse(c, http.StatusConflict, message)
}

func unauthorizedError(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, message)
}

func payloadTooLargeError(c *gin.Context, message string) {
	errorResponse(c, http.StatusRequestEntityTooLarge, message)
}

func serviceUnavailableError(c *gin.Context, message string) {
	errorResponse(c, http.StatusServiceUnavailable, message)
}

func internalError(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, message)
}
