// Package gwerrors defines the single GatewayError kind used across every
// actor (spec.md §7) and the table that maps it to an HTTP status at the
// outer request boundary.
package gwerrors

import "net/http"

// Code enumerates the gateway's error kinds.
type Code string

const (
	CodeUpstreamError      Code = "UpstreamError"
	CodeTimeout            Code = "TimeoutError"
	CodeServiceNotFound    Code = "ServiceNotFound"
	CodeServiceNotReady    Code = "ServiceNotReady"
	CodeRateLimited        Code = "RateLimited"
	CodeAccessBlocked      Code = "AccessBlocked"
	CodeInternal           Code = "GatewayInternalError"
	CodeChannelRecv        Code = "ChannelRecvError"
	CodeUnknownService     Code = "UnknownService"
	CodeUnknownClient      Code = "UnknownClient"
	CodeInvalidSLA         Code = "InvalidSLA"
	CodeInvalidToken       Code = "InvalidToken"
	CodeTokenNotFound      Code = "TokenNotFound"
	CodeInvalidServiceID   Code = "InvalidServiceId"
)

// statusByCode is the table from spec.md §6.
var statusByCode = map[Code]int{
	CodeTokenNotFound:    http.StatusForbidden,
	CodeInvalidToken:     http.StatusForbidden,
	CodeUnknownClient:    http.StatusForbidden,
	CodeInvalidSLA:       http.StatusForbidden,
	CodeUnknownService:   http.StatusNotFound,
	CodeAccessBlocked:    http.StatusNotFound,
	CodeRateLimited:      http.StatusTooManyRequests,
	CodeUpstreamError:    http.StatusBadGateway,
	CodeServiceNotReady:  http.StatusBadGateway,
	CodeInternal:         http.StatusBadGateway,
	CodeChannelRecv:      http.StatusBadGateway,
	CodeTimeout:          http.StatusGatewayTimeout,
	CodeServiceNotFound:  http.StatusNotFound,
	CodeInvalidServiceID: http.StatusBadRequest,
}

// GatewayError is the error type every actor returns; it carries both a
// stable code for logging/metrics and the status it maps to.
type GatewayError struct {
	Code    Code
	Message string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

// Status returns the HTTP status this error maps to, defaulting to 502
// for any code not in the table (there should be none).
func (e *GatewayError) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusBadGateway
}

// New builds a GatewayError with the given code and message.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// As extracts a *GatewayError from err, returning (nil, false) if err is
// not one (or is nil).
func As(err error) (*GatewayError, bool) {
	ge, ok := err.(*GatewayError)
	return ge, ok && ge != nil
}
