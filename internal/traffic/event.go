// Package traffic aggregates per-rule error events and request counts
// into rolling windows. The aggregator is the data source for alert
// evaluation and operator summaries; it never evaluates thresholds
// itself.
package traffic

import (
	"net/http"
	"time"
)

// ErrorKind classifies an observed request failure.
type ErrorKind string

// Error kinds.
const (
	KindConnectionRefused ErrorKind = "CONNECTION_REFUSED"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindTLS               ErrorKind = "TLS_ERROR"
	KindBadGateway        ErrorKind = "BAD_GATEWAY"
	KindGatewayTimeout    ErrorKind = "GATEWAY_TIMEOUT"
	KindClientError       ErrorKind = "CLIENT_ERROR"
	KindServerError       ErrorKind = "SERVER_ERROR"
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindConfiguration     ErrorKind = "CONFIGURATION_ERROR"
	KindUnknown           ErrorKind = "UNKNOWN"
)

// ValidKind returns true if k is a known error kind.
func ValidKind(k ErrorKind) bool {
	switch k {
	case KindConnectionRefused, KindTimeout, KindTLS, KindBadGateway,
		KindGatewayTimeout, KindClientError, KindServerError,
		KindRateLimited, KindConfiguration, KindUnknown:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status code to an error kind, for feeds
// that only carry the code.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusBadGateway:
		return KindBadGateway
	case code == http.StatusGatewayTimeout:
		return KindGatewayTimeout
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindClientError
	default:
		return KindUnknown
	}
}

// ErrorEvent is one observed request failure. Events are immutable
// once recorded except for the resolution fields.
type ErrorEvent struct {
	ID         string    `json:"id"`
	RuleID     string    `json:"ruleId"`
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"statusCode,omitempty"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	ClientIP   string    `json:"clientIp,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
	Resolved   bool      `json:"resolved,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}
