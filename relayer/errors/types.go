// Package errors classifies relayer failures. Every step in the workflow
// reacts to the class of the error it gets, never to its text.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode says where an error came from.
type ErrorCode string

const (
	ErrCodeValidation   ErrorCode = "VALIDATION"
	ErrCodeConfig       ErrorCode = "CONFIG"
	ErrCodeNetwork      ErrorCode = "NETWORK"
	ErrCodeRPC          ErrorCode = "RPC"
	ErrCodeDatabase     ErrorCode = "DATABASE"
	ErrCodeTransaction  ErrorCode = "TRANSACTION"
	ErrCodePrecondition ErrorCode = "PRECONDITION"
	ErrCodeTerminal     ErrorCode = "TERMINAL"
	ErrCodeFatal        ErrorCode = "FATAL"
)

// Class is how the workflow reacts to an error.
type Class string

const (
	// ClassTransient errors are retried with backoff and never change request state.
	ClassTransient Class = "transient"
	// ClassPrecondition errors are retried a bounded number of times, then become terminal.
	ClassPrecondition Class = "precondition"
	// ClassTerminal errors fail the request and trigger compensation.
	ClassTerminal Class = "terminal"
	// ClassFatal errors stop job consumption and mark the process unhealthy.
	ClassFatal Class = "fatal"
)

// ChainError is a classified error, optionally scoped to one chain.
type ChainError struct {
	Code    ErrorCode
	Chain   string
	Message string
	Cause   error
}

// NewChainError creates a ChainError.
func NewChainError(code ErrorCode, chain, message string, cause error) *ChainError {
	return &ChainError{Code: code, Chain: chain, Message: message, Cause: cause}
}

func (e *ChainError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Chain != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Chain, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// Class maps the code onto the workflow taxonomy. Bad input and bad
// configuration never get better on retry.
func (e *ChainError) Class() Class {
	switch e.Code {
	case ErrCodePrecondition:
		return ClassPrecondition
	case ErrCodeTerminal, ErrCodeValidation, ErrCodeConfig:
		return ClassTerminal
	case ErrCodeFatal:
		return ClassFatal
	default:
		return ClassTransient
	}
}

func NewValidationError(chain, message string) *ChainError {
	return NewChainError(ErrCodeValidation, chain, message, nil)
}

func NewConfigError(chain, message string) *ChainError {
	return NewChainError(ErrCodeConfig, chain, message, nil)
}

func NewNetworkError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeNetwork, chain, message, cause)
}

func NewRPCError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeRPC, chain, message, cause)
}

func NewDatabaseError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeDatabase, chain, message, cause)
}

// NewTransactionError reports a writeback transaction that was sent but
// did not land, e.g. a reverted receipt.
func NewTransactionError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeTransaction, chain, message, cause)
}

// NewPreconditionError creates an error for an unmet external precondition.
func NewPreconditionError(message string, cause error) *ChainError {
	return NewChainError(ErrCodePrecondition, "", message, cause)
}

// NewTerminalError creates an error that fails the request outright.
// The message becomes the request's failure reason.
func NewTerminalError(message string, cause error) *ChainError {
	return NewChainError(ErrCodeTerminal, "", message, cause)
}

// NewFatalError creates an error for an unreachable durable store.
func NewFatalError(message string, cause error) *ChainError {
	return NewChainError(ErrCodeFatal, "", message, cause)
}

// IsChainError reports whether err wraps a ChainError with code.
func IsChainError(err error, code ErrorCode) bool {
	var chainErr *ChainError
	return errors.As(err, &chainErr) && chainErr.Code == code
}

// ClassOf returns the workflow class of err. Errors outside the taxonomy
// are transient.
func ClassOf(err error) Class {
	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.Class()
	}
	return ClassTransient
}

// IsTerminal reports whether err must fail the request.
func IsTerminal(err error) bool {
	return err != nil && ClassOf(err) == ClassTerminal
}

// IsPrecondition reports whether err is an unmet precondition.
func IsPrecondition(err error) bool {
	return err != nil && ClassOf(err) == ClassPrecondition
}

// IsFatal reports whether err means the durable store is unreachable.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// Reason returns the failure reason recorded on a request: the bare
// message for terminal errors, the full text otherwise.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var chainErr *ChainError
	if errors.As(err, &chainErr) && chainErr.Code == ErrCodeTerminal {
		return chainErr.Message
	}
	return err.Error()
}
