// Package errs defines the error categories the bot distinguishes when
// deciding whether to keep trading. Everything except FatalConfigError is
// recoverable: the loop logs it and moves on.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError marks input that cannot be turned into an actionable
// trade: malformed webhook payloads, a stop loss on the wrong side of the
// entry, a size that rounds to zero.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Msg)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

// NewValidation builds a ValidationError for the given field.
func NewValidation(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ExchangeError wraps a failure talking to the exchange. Op and Symbol
// identify the call site for logging.
type ExchangeError struct {
	Op     string
	Symbol string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("exchange: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("exchange: %s %s: %v", e.Op, e.Symbol, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewExchange wraps err with the failed operation and symbol.
func NewExchange(op, symbol string, err error) error {
	return &ExchangeError{Op: op, Symbol: symbol, Err: err}
}

// ReconciliationError reports a mismatch between local position state and
// what the exchange holds.
type ReconciliationError struct {
	Symbol string
	Msg    string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation: %s: %s", e.Symbol, e.Msg)
}

// PersistenceError wraps a database failure. Trade persistence is best
// effort: callers log these and carry on.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FatalConfigError means the configuration cannot be trusted. The process
// must refuse to start rather than trade with it.
type FatalConfigError struct {
	Field string
	Msg   string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// NewFatalConfig builds a FatalConfigError for the given field.
func NewFatalConfig(field, format string, args ...interface{}) error {
	return &FatalConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err carries a FatalConfigError anywhere in its chain.
func IsFatal(err error) bool {
	var fatal *FatalConfigError
	return errors.As(err, &fatal)
}
