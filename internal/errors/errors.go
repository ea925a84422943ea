// Package errors provides the structured error taxonomy shared by the
// Parley server and client packages.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/Parley-Chat/parley/internal/logger"
	"go.uber.org/zap"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeDatabase       ErrorType = "database"
	ErrorTypeNetwork        ErrorType = "network"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeMedia          ErrorType = "media"
	ErrorTypeInternal       ErrorType = "internal"
)

// ErrorSeverity represents the severity level of errors
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError represents a structured application error
type AppError struct {
	Type        ErrorType     `json:"type"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Severity    ErrorSeverity `json:"severity"`
	Timestamp   time.Time     `json:"timestamp"`
	RequestID   string        `json:"request_id,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
	Cause       error         `json:"-"`
	StackTrace  string        `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap implements the Unwrap interface for error wrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError with stack trace capture
func New(errorType ErrorType, code string, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		StackTrace: captureStackTrace(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, code string, message string) *AppError {
	appErr := &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Severity:   SeverityMedium,
		Timestamp:  time.Now(),
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// WithSeverity sets the severity level of an error
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithDetails adds additional details to an error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithUserMessage sets a user-friendly message
func (e *AppError) WithUserMessage(message string) *AppError {
	e.UserMessage = message
	return e
}

// WithRequestID associates an error with a request ID
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// ErrorResponse is the JSON body written for failed HTTP requests.
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"request_id,omitempty"`
	} `json:"error"`
}

// HandleHTTP logs err and writes the matching JSON response.
func HandleHTTP(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*AppError)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "an internal error occurred").
			WithSeverity(SeverityHigh)
	}

	logError(appErr, r)
	writeResponse(w, appErr)
}

func logError(err *AppError, r *http.Request) {
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
	}
	if r != nil {
		fields = append(fields,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if err.Severity == SeverityHigh || err.Severity == SeverityCritical {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		logger.Info(err.Message, fields...)
	case SeverityMedium:
		logger.Warn(err.Message, fields...)
	default:
		logger.Error(err.Message, fields...)
	}
}

func writeResponse(w http.ResponseWriter, err *AppError) {
	response := ErrorResponse{}
	response.Error.Type = err.Type
	response.Error.Code = err.Code
	response.Error.Message = userMessage(err)
	response.Error.Timestamp = err.Timestamp
	response.Error.RequestID = err.RequestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err.Type))
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func userMessage(err *AppError) string {
	if err.UserMessage != "" {
		return err.UserMessage
	}
	return err.Message
}

func httpStatus(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Recovery returns middleware that converts handler panics into logged
// 500 responses instead of tearing down the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				panicErr := New(ErrorTypeInternal, "PANIC", fmt.Sprintf("panic: %v", rec)).
					WithSeverity(SeverityCritical)
				HandleHTTP(w, r, panicErr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
