package response

import (
	"errors"
	"net/http"
	"time"

	"p2p-settlement-gateway/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SuccessResponse is the standard success envelope.
type SuccessResponse struct {
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id"`
	Timestamp string      `json:"timestamp"`
}

// ErrorResponse is the standard error envelope. ErrorCode carries the
// stable machine-readable code from pkg/apperror.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// OK sends a 200 response with data.
func OK(c *gin.Context, data interface{}) {
	writeSuccess(c, http.StatusOK, data)
}

// Created sends a 201 response with data.
func Created(c *gin.Context, data interface{}) {
	writeSuccess(c, http.StatusCreated, data)
}

// Error maps *apperror.AppError (also when wrapped) onto its HTTP status
// and code. Anything else is an unclassified failure and must not leak
// its message to clients.
func Error(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "SYS_000"
	message := "Internal server error"

	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus
		code = appErr.Code
		message = appErr.Message
	}

	c.JSON(status, ErrorResponse{
		ErrorCode: code,
		Message:   message,
		RequestID: requestID(c),
		Timestamp: stamp(),
	})
}

// Literal writes a provider's exact-string acknowledgment body. Payment
// providers parse the response literally, so no JSON envelope is applied.
func Literal(c *gin.Context, status int, body string) {
	c.Data(status, "text/plain; charset=utf-8", []byte(body))
}

func writeSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{
		Data:      data,
		RequestID: requestID(c),
		Timestamp: stamp(),
	})
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// requestID reads the id the request logger stored, or mints one so the
// envelope is never missing it.
func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return uuid.New().String()
}
