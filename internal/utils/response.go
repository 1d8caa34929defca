// internal/utils/response.go
package utils

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"psu-service/pkg/psu"
)

// APIResponse represents standard API response structure
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError represents error information
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: GetRequestID(c),
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	errorWithCode(c, statusCode, getErrorCode(statusCode), message, err)
}

// PSUErrorResponse maps a link error onto its HTTP status and error code
func PSUErrorResponse(c *gin.Context, message string, err error, notFound ...error) {
	var openErr *psu.OpenError
	var parseErr *psu.ParseError

	switch {
	case psu.IsValidationError(err):
		errorWithCode(c, http.StatusBadRequest, "VALIDATION_ERROR", message, err)
	case errors.Is(err, psu.ErrDeploymentActive):
		errorWithCode(c, http.StatusForbidden, "DEPLOYMENT_ACTIVE", message, err)
	case errors.Is(err, psu.ErrNotConnected):
		errorWithCode(c, http.StatusConflict, "NOT_CONNECTED", message, err)
	case errors.Is(err, psu.ErrNotFound), isAny(err, notFound):
		errorWithCode(c, http.StatusNotFound, "NOT_FOUND", message, err)
	case errors.Is(err, psu.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		errorWithCode(c, http.StatusGatewayTimeout, "DEVICE_TIMEOUT", message, err)
	case errors.Is(err, psu.ErrPowerCycleFailed):
		errorWithCode(c, http.StatusBadGateway, "POWER_CYCLE_FAILED", message, err)
	case errors.As(err, &parseErr):
		errorWithCode(c, http.StatusBadGateway, "INVALID_RESPONSE", message, err)
	case errors.As(err, &openErr):
		errorWithCode(c, http.StatusServiceUnavailable, "PORT_UNAVAILABLE", message, err)
	default:
		ErrorResponse(c, http.StatusInternalServerError, message, err)
	}
}

// ValidationErrorResponse sends validation error response
func ValidationErrorResponse(c *gin.Context, errors map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
		},
		Data:      gin.H{"validation_errors": errors},
		Timestamp: time.Now(),
		RequestID: GetRequestID(c),
	})
}

// GetRequestID extracts the request ID set by the request ID middleware
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get("request_id"); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

func errorWithCode(c *gin.Context, statusCode int, code, message string, err error) {
	apiError := &APIError{
		Code:    code,
		Message: message,
	}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: GetRequestID(c),
	})
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// getErrorCode returns error code based on HTTP status
func getErrorCode(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "CONFLICT"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "GATEWAY_TIMEOUT"
	default:
		return "UNKNOWN_ERROR"
	}
}
