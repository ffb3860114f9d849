package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
)

// ErrorEnvelope is the common error response contract.
type ErrorEnvelope struct {
	Error *appErrors.Error `json:"error"`
}

// JSON sends a success payload. Payloads are emitted as-is so list endpoints
// return bare arrays and message endpoints return their documented shape.
func JSON(c *gin.Context, status int, data interface{}) {
	c.Header("Cache-Control", "no-store")
	c.JSON(status, data)
}

// OK responds with HTTP 200.
func OK(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, data)
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

// Error sends an error response converting the error to the common structure.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	c.Header("Cache-Control", "no-store")
	c.JSON(appErr.Status, ErrorEnvelope{Error: appErr})
}
