// Package errs provides structured error types and helpers for the trading core.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category produced by the matching core.
type Code string

const (
	// CodeInvalidParameters indicates a malformed order request rejected before admission.
	CodeInvalidParameters Code = "invalid_parameters"
	// CodeNotFound indicates an unknown order or instrument.
	CodeNotFound Code = "not_found"
	// CodeForbidden indicates an operation attempted by a non-owner.
	CodeForbidden Code = "forbidden"
	// CodeInvalidState indicates an operation against an order in a terminal state.
	CodeInvalidState Code = "invalid_state"
	// CodeInsufficientHoldings indicates a settlement-time holdings invariant violation.
	CodeInsufficientHoldings Code = "insufficient_holdings"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInternal indicates an unexpected failure requiring investigation.
	CodeInternal Code = "internal"
	// CodeUnavailable indicates the component is temporarily unable to serve.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the trading core.
type E struct {
	Op         string
	Code       Code
	Instrument string
	OrderID    string
	Message    string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:         strings.TrimSpace(op),
		Code:       code,
		Instrument: "",
		OrderID:    "",
		Message:    "",
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithInstrument records the instrument the failure relates to.
func WithInstrument(instrument string) Option {
	trimmed := strings.TrimSpace(instrument)
	return func(e *E) {
		e.Instrument = trimmed
	}
}

// WithOrder records the order identifier the failure relates to.
func WithOrder(orderID string) Option {
	trimmed := strings.TrimSpace(orderID)
	return func(e *E) {
		e.OrderID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Instrument != "" {
		parts = append(parts, "instrument="+e.Instrument)
	}
	if e.OrderID != "" {
		parts = append(parts, "order="+e.OrderID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, walking the wrap chain.
// Errors outside the envelope taxonomy map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code == code
	}
	return false
}
