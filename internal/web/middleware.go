// Package web carries the HTTP hardening applied in front of the stream
// server: security headers, request validation and the stats endpoint.
package web

import (
	"net/http"
	"unicode/utf8"
)

// SecurityHeaders defines the security headers applied to responses.
// Transport-level headers (HSTS etc.) are expected from the fronting
// proxy; this covers the application-specific ones.
type SecurityHeaders struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// APISecurityHeaders returns headers for the JSON and websocket surface:
// no scripts, no framing.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'; connect-src 'self' wss: ws:",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityMiddleware wraps an http.Handler with security headers.
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// Apply sets the configured headers on a response.
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XFrameOptions != "" {
		w.Header().Set("X-Frame-Options", sh.XFrameOptions)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
	if sh.ReferrerPolicy != "" {
		w.Header().Set("Referrer-Policy", sh.ReferrerPolicy)
	}
}

// InputValidation bounds the request surface before any handler runs.
type InputValidation struct {
	MaxPathLength  int
	MaxQueryLength int
	MaxHeaderSize  int
}

// DefaultInputValidation returns limits sized for the JSON API and the
// stream handshakes.
func DefaultInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:  256,
		MaxQueryLength: 1024,
		MaxHeaderSize:  8192,
	}
}

// ValidateRequest rejects oversized or malformed request envelopes.
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Field: "path", Message: "path too long"}
	}
	if !utf8.ValidString(r.URL.Path) {
		return &ValidationError{Field: "path", Message: "path is not valid UTF-8"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Field: "query", Message: "query string too long"}
	}
	headerSize := 0
	for name, values := range r.Header {
		headerSize += len(name)
		for _, v := range values {
			headerSize += len(v)
		}
	}
	if headerSize > iv.MaxHeaderSize {
		return &ValidationError{Field: "headers", Message: "headers too large"}
	}
	return nil
}

// ValidationError reports which part of the request failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationMiddleware rejects invalid requests with 400 before they
// reach the mux.
func ValidationMiddleware(validation *InputValidation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
