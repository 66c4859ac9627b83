// Package errors defines the structured error returned by every HTTP
// surface and the mapping from trade rejections to it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/R3E-Network/silkroad/internal/domain/trade"
)

// ErrorCode is a stable machine-readable error identifier.
type ErrorCode string

const (
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeUnauthorized        ErrorCode = "NOT_AUTHENTICATED"
	CodeInvalidToken        ErrorCode = "INVALID_TOKEN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConflict            ErrorCode = "CONFLICT"
	CodeRateLimited         ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	CodeInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	CodeUnknownItem         ErrorCode = "UNKNOWN_ITEM"
	CodeUnknownRegion       ErrorCode = "UNKNOWN_REGION"
	CodeUnknownMerchant     ErrorCode = "UNKNOWN_MERCHANT"
	CodeUnknownDifficulty   ErrorCode = "UNKNOWN_DIFFICULTY"
	CodeAlreadyThere        ErrorCode = "ALREADY_THERE"
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeOperationInProgress ErrorCode = "OPERATION_IN_PROGRESS"
	CodePersistenceFailure  ErrorCode = "PERSISTENCE_FAILURE"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
)

// ServiceError is an error with an HTTP status and client-safe message.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with one extra detail.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// New builds a ServiceError.
func New(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

func BadRequest(message string) *ServiceError {
	return New(CodeBadRequest, http.StatusBadRequest, message, nil)
}

func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return New(CodeUnauthorized, http.StatusUnauthorized, message, trade.ErrNotAuthenticated)
}

func InvalidToken(err error) *ServiceError {
	return New(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

func NotFound(message string) *ServiceError {
	return New(CodeNotFound, http.StatusNotFound, message, nil)
}

func Conflict(message string) *ServiceError {
	return New(CodeConflict, http.StatusConflict, message, nil)
}

func Internal(message string, err error) *ServiceError {
	return New(CodeInternal, http.StatusInternalServerError, message, err)
}

func ServiceUnavailable(message string, err error) *ServiceError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message, err)
}

// RateLimitExceeded reports a throttled caller.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// GetServiceError unwraps err to a ServiceError, or returns nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

var domainMapping = []struct {
	target error
	code   ErrorCode
	status int
}{
	{trade.ErrInsufficientFunds, CodeInsufficientFunds, http.StatusUnprocessableEntity},
	{trade.ErrUnknownItem, CodeUnknownItem, http.StatusNotFound},
	{trade.ErrUnknownRegion, CodeUnknownRegion, http.StatusNotFound},
	{trade.ErrUnknownMerchant, CodeUnknownMerchant, http.StatusNotFound},
	{trade.ErrUnknownDifficulty, CodeUnknownDifficulty, http.StatusBadRequest},
	{trade.ErrAlreadyThere, CodeAlreadyThere, http.StatusConflict},
	{trade.ErrInvalidAmount, CodeInvalidAmount, http.StatusBadRequest},
	{trade.ErrOperationInProgress, CodeOperationInProgress, http.StatusConflict},
	{trade.ErrPersistenceFailure, CodePersistenceFailure, http.StatusServiceUnavailable},
	{trade.ErrNotAuthenticated, CodeUnauthorized, http.StatusUnauthorized},
	{trade.ErrSessionNotFound, CodeSessionNotFound, http.StatusNotFound},
}

// FromDomain converts any error into a ServiceError. Trade rejections keep
// their message; anything unrecognised becomes an internal error.
func FromDomain(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	for _, m := range domainMapping {
		if stderrors.Is(err, m.target) {
			msg := err.Error()
			if m.target == trade.ErrPersistenceFailure {
				msg = "the action did not take effect, please retry"
			}
			return New(m.code, m.status, msg, err)
		}
	}
	return Internal("internal error", err)
}
