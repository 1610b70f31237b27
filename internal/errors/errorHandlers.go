// File: tradesight_go_backend/internal/errors/errors.go

package errors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeBadRequest          ErrorType = "BAD_REQUEST"
	ErrorTypeUnauthorized        ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden           ErrorType = "FORBIDDEN"
	ErrorTypeNotFound            ErrorType = "NOT_FOUND"
	ErrorTypePaymentRequired     ErrorType = "PAYMENT_REQUIRED"
	ErrorTypeMethodNotAllowed    ErrorType = "METHOD_NOT_ALLOWED"
	ErrorTypeUnprocessable       ErrorType = "UNPROCESSABLE_ENTITY"
	ErrorTypeRateLimited         ErrorType = "RATE_LIMITED"
	ErrorTypeBadGateway          ErrorType = "BAD_GATEWAY"
	ErrorTypeGatewayTimeout      ErrorType = "GATEWAY_TIMEOUT"
	ErrorTypeInternalServerError ErrorType = "INTERNAL_SERVER_ERROR"
)

// CustomError represents a custom error with associated HTTP status code and type
type CustomError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Internal   error
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *CustomError) Error() string {
	return e.Message
}

func (e *CustomError) Unwrap() error {
	return e.Internal
}

// newError creates a new CustomError
func newError(errType ErrorType, message string, statusCode int, internal error) *CustomError {
	return &CustomError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// New400Error creates a new bad request error
func New400Error(message string) *CustomError {
	return newError(ErrorTypeBadRequest, message, http.StatusBadRequest, nil)
}

// New401Error creates a new unauthorized error
func New401Error() *CustomError {
	return newError(ErrorTypeUnauthorized, "Unauthorized access", http.StatusUnauthorized, nil)
}

// New403Error creates a new forbidden error
func New403Error() *CustomError {
	return newError(ErrorTypeForbidden, "Access forbidden", http.StatusForbidden, nil)
}

// New404Error creates a new not found error
func New404Error(message string) *CustomError {
	return newError(ErrorTypeNotFound, message, http.StatusNotFound, nil)
}

// New402Error is returned when the token balance cannot cover an operation
func New402Error(required, available int64) *CustomError {
	err := newError(ErrorTypePaymentRequired, "Insufficient tokens", http.StatusPaymentRequired, nil)
	err.Details = map[string]interface{}{"required": required, "available": available}
	return err
}

func New405Error() *CustomError {
	return newError(ErrorTypeMethodNotAllowed, "Method not allowed", http.StatusMethodNotAllowed, nil)
}

func New422Error(message string) *CustomError {
	return newError(ErrorTypeUnprocessable, message, http.StatusUnprocessableEntity, nil)
}

func New429Error(message string) *CustomError {
	return newError(ErrorTypeRateLimited, message, http.StatusTooManyRequests, nil)
}

// New502Error wraps an upstream vendor failure. message is shown to the user.
func New502Error(message string, internal error) *CustomError {
	return newError(ErrorTypeBadGateway, message, http.StatusBadGateway, internal)
}

func New504Error(message string, internal error) *CustomError {
	return newError(ErrorTypeGatewayTimeout, message, http.StatusGatewayTimeout, internal)
}

// New500Error creates a new internal server error
func New500Error(internal error) *CustomError {
	return newError(ErrorTypeInternalServerError, "An unexpected error occurred", http.StatusInternalServerError, internal)
}

// HandleError handles the custom error and sends an appropriate JSON response
func HandleError(c *gin.Context, err error) {
	var customErr *CustomError
	if !errors.As(err, &customErr) {
		customErr = New500Error(err)
	}

	// Log internal server errors
	if customErr.StatusCode >= http.StatusInternalServerError {
		log.Error().
			Err(customErr.Internal).
			Str("url", c.Request.URL.String()).
			Str("type", string(customErr.Type)).
			Msg("Internal Server Error")
	}

	body := gin.H{
		"type":    customErr.Type,
		"message": customErr.Message,
	}
	for k, v := range customErr.Details {
		body[k] = v
	}
	c.JSON(customErr.StatusCode, gin.H{"error": body})
}

// LogAndReturn500 logs an internal error and returns a 500 error
func LogAndReturn500(internal error) *CustomError {
	log.Error().Err(internal).Msg("Internal Server Error")
	return New500Error(internal)
}
