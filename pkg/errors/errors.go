package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Audit domain sentinels
	ErrMalformedFact    = errors.New("malformed fact")
	ErrInvalidRule      = errors.New("invalid compliance rule")
	ErrRuleNotFound     = errors.New("compliance rule not found")
	ErrAuditNotFound    = errors.New("audit result not found")
	ErrStillCorrelating = errors.New("audit still correlating")
	ErrAuditExpired     = errors.New("audit expired before all facts arrived")
	ErrAuditFailed      = errors.New("audit failed")
	ErrStorageFailure   = errors.New("storage failure")
	ErrTransportFailure = errors.New("transport failure")
)

// Error represents a structured error with the location it was created at
// and contextual fields for logging.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}

	stackPC uintptr
	file    string
	line    int

	// Code is an optional error code for categorization
	Code string
}

func fieldMapOf(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 && fields[0] != nil {
		return fields[0]
	}
	return make(map[string]interface{})
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(1)
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   fieldMapOf(fields),
		stackPC:  pc,
		file:     file,
		line:     line,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}

	pc, file, line, _ := runtime.Caller(1)
	return &Error{
		original: err,
		message:  message,
		fields:   fieldMapOf(fields),
		stackPC:  pc,
		file:     file,
		line:     line,
	}
}

// typed builds an error around one of the sentinels, recording the caller of
// the exported constructor as its location.
func typed(sentinel error, code, message string, fields []map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(2)
	return &Error{
		original: sentinel,
		message:  message,
		fields:   fieldMapOf(fields),
		stackPC:  pc,
		file:     file,
		line:     line,
		Code:     code,
	}
}

func (e *Error) clone(extra int) *Error {
	result := &Error{
		original: e.original,
		message:  e.message,
		fields:   make(map[string]interface{}, len(e.fields)+extra),
		stackPC:  e.stackPC,
		file:     e.file,
		line:     e.line,
		Code:     e.Code,
	}
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return result
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewNotFound creates a new ErrNotFound error with additional context
func NewNotFound(message string, fields ...map[string]interface{}) *Error {
	return typed(ErrNotFound, "NOT_FOUND", message, fields)
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return typed(ErrInvalidInput, "INVALID_INPUT", message, fields)
}

// NewInternalError creates a new ErrInternalError with additional context
func NewInternalError(message string, fields ...map[string]interface{}) *Error {
	return typed(ErrInternalError, "INTERNAL_ERROR", message, fields)
}

// NewMalformedFact reports an inbound fact that failed validation.
func NewMalformedFact(details string, fields ...map[string]interface{}) *Error {
	return typed(ErrMalformedFact, "MALFORMED_FACT", fmt.Sprintf("malformed fact: %s", details), fields)
}

// NewInvalidRule reports a rule definition that cannot be evaluated.
func NewInvalidRule(ruleID, details string, fields ...map[string]interface{}) *Error {
	err := typed(ErrInvalidRule, "INVALID_RULE", fmt.Sprintf("invalid rule %s: %s", ruleID, details), fields)
	err.fields["rule_id"] = ruleID
	return err
}

// NewRuleNotFound creates an ErrRuleNotFound carrying the rule id.
func NewRuleNotFound(ruleID string, fields ...map[string]interface{}) *Error {
	err := typed(ErrRuleNotFound, "RULE_NOT_FOUND", fmt.Sprintf("compliance rule not found: %s", ruleID), fields)
	err.fields["rule_id"] = ruleID
	return err
}

// NewAuditNotFound creates an ErrAuditNotFound carrying the call id.
func NewAuditNotFound(callID string, fields ...map[string]interface{}) *Error {
	err := typed(ErrAuditNotFound, "AUDIT_NOT_FOUND", fmt.Sprintf("audit result not found: %s", callID), fields)
	err.fields["call_id"] = callID
	return err
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}
