package model

import (
	"errors"
	"fmt"
)

// StatusCode is the integer result reported for every lifecycle operation.
type StatusCode int32

const (
	CodeOK StatusCode = iota
	CodeParamInvalid
	CodeInWorking
	CodeStatusNotAllow
	CodeStreamNotFound
	CodeTaskExecuteFailed
	CodeFromDriver
	CodeCallHCCL
	CodeInner
	CodeModelNotFound
)

// InnerErrorBase offsets task failure codes folded into a model's ret code.
const InnerErrorBase = 500000

func (c StatusCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeParamInvalid:
		return "param_invalid"
	case CodeInWorking:
		return "in_working"
	case CodeStatusNotAllow:
		return "status_not_allow"
	case CodeStreamNotFound:
		return "stream_not_found"
	case CodeTaskExecuteFailed:
		return "task_execute_failed"
	case CodeFromDriver:
		return "from_driver"
	case CodeCallHCCL:
		return "call_hccl"
	case CodeInner:
		return "inner"
	case CodeModelNotFound:
		return "model_not_found"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// Error is the error type returned by model operations.
type Error struct {
	Code    StatusCode
	ModelID uint32
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("model[%d] %s: %s", e.ModelID, e.Code, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code StatusCode, modelID uint32, format string, args ...any) *Error {
	return &Error{Code: code, ModelID: modelID, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(code StatusCode, modelID uint32, err error, format string, args ...any) *Error {
	return &Error{Code: code, ModelID: modelID, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the status code carried by err. A nil error is CodeOK and a
// foreign error is CodeInner.
func CodeOf(err error) StatusCode {
	if err == nil {
		return CodeOK
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInner
}

// IsNotAllowed reports a state machine rejection.
func IsNotAllowed(err error) bool { return CodeOf(err) == CodeStatusNotAllow }

// IsInWorking reports that another lifecycle operation held the model.
func IsInWorking(err error) bool { return CodeOf(err) == CodeInWorking }

// IsModelNotFound reports an unknown model id.
func IsModelNotFound(err error) bool { return CodeOf(err) == CodeModelNotFound }

// ErrModelNotFound builds the error for an unknown model id.
func ErrModelNotFound(id uint32) error {
	return newError(CodeModelNotFound, id, "model not found")
}

// Errorf builds an error carrying code for collaborators that run on behalf
// of a model, such as task kernels.
func Errorf(code StatusCode, format string, args ...any) error {
	return newError(code, InvalidID, format, args...)
}
