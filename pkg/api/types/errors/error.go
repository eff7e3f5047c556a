package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/edgegate/edgegate/pkg/domain"
)

type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
	Advice string `json:"advice,omitempty"`
	Cause  error  `json:"-"`
}

func (e ErrorMessage) String() string {
	lines := []string{e.Reason}
	if e.Advice != "" {
		lines = append(lines, e.Advice)
	}
	if e.Cause != nil {
		lines = append(lines, fmt.Sprint(" caused by:", e.Cause.Error()))
	}
	return strings.Join(lines, "\n")
}

func (e ErrorMessage) Error() string {
	return e.String()
}

func (e ErrorMessage) Unwrap() error {
	return e.Cause
}

// MarshalJSON renders Reason, Code and Advice; Cause stays internal.
func (e ErrorMessage) MarshalJSON() ([]byte, error) {
	type plain ErrorMessage
	return json.Marshal(plain(e))
}

type Option func(in *ErrorMessage) *ErrorMessage

func WithAdvice(advice string) Option {
	return func(in *ErrorMessage) *ErrorMessage {
		if advice != "" {
			in.Advice = advice
		}
		return in
	}
}

func WithError(err error) Option {
	return func(in *ErrorMessage) *ErrorMessage {
		if err != nil {
			in.Cause = err
		}
		return in
	}
}

func WithCode(code domain.ErrorCode) Option {
	return func(in *ErrorMessage) *ErrorMessage {
		in.Code = string(code)
		return in
	}
}

func NewErrorMessage(status int, reason string, opts ...Option) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason}
	for _, opt := range opts {
		msg = *opt(&msg)
	}
	return echo.NewHTTPError(status, msg).SetInternal(msg)
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(http.StatusBadRequest, "bad request", WithAdvice(advice), WithError(err))
}

// NotFound covers absent records and other tenants' records alike.
func NotFound() *echo.HTTPError {
	return NewErrorMessage(http.StatusNotFound, "not found", WithCode(domain.ErrcodeNotFound))
}

func Forbidden() *echo.HTTPError {
	return NewErrorMessage(http.StatusForbidden, "forbidden", WithCode(domain.ErrcodeForbidden))
}

func Conflict(advice string) *echo.HTTPError {
	return NewErrorMessage(http.StatusConflict, "conflict", WithAdvice(advice))
}

func Unauthorized(code domain.ErrorCode) *echo.HTTPError {
	return NewErrorMessage(http.StatusUnauthorized, "unauthorized", WithCode(code))
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(http.StatusInternalServerError, "unexpected error", WithError(err))
}
