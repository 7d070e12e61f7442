package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dive-control/dcs/internal/store"
)

// Response is the unified envelope for operator endpoints.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	Details       interface{} `json:"details,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// writeSuccess writes a 200 envelope around data.
func writeSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{
		Result:        "ok",
		Data:          data,
		CorrelationID: uuid.New().String(),
	})
}

// writeError writes an error envelope with the given status and code.
func writeError(c *gin.Context, statusCode int, code, message string, details interface{}) {
	c.JSON(statusCode, &Response{
		Result:        "error",
		Code:          code,
		Message:       message,
		Details:       details,
		CorrelationID: uuid.New().String(),
	})
}

// writeStoreError maps storage-layer errors onto envelope responses.
func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	writeError(c, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
}
