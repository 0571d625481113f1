// Package errors provides the error taxonomy shared by brokers, stores and the
// orchestrator.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors.
var (
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrNotConnected      = errors.New("broker not connected")
	ErrNoQuote           = errors.New("no quote available")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderRejected     = errors.New("order rejected")
	ErrPositionNotFound  = errors.New("position not found")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrRateLimited       = errors.New("rate limited")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
	ErrNotSupported      = errors.New("operation not supported by broker")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInsufficientData  = errors.New("insufficient data")
	ErrDatabaseError     = errors.New("database error")
	ErrAlreadyClosed     = errors.New("position already closed")
)

// BrokerError represents an error returned by a broker API.
type BrokerError struct {
	Broker  string
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error [%s]: %s: %v", e.Broker, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error [%s]: %s", e.Broker, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(broker, code, message string, err error) *BrokerError {
	return &BrokerError{
		Broker:  broker,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError collects configuration problems found at startup.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// Add records a problem.
func (e *ValidationError) Add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// OrNil returns nil when no problems were recorded.
func (e *ValidationError) OrNil() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsTransient reports whether err is worth retrying on the next tick.
// Rejections (invalid order, insufficient funds, unknown symbol) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrConnectionFailed),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrNoQuote),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSymbolNotFound):
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var transient interface{ Transient() bool }
	if errors.As(err, &transient) {
		return transient.Transient()
	}
	return false
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
