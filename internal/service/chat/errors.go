package chat

import (
	"errors"
	"fmt"
)

// Kind classifies service failures for the transport layer.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindProducer      Kind = "producer"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

// Error 是服务层统一的错误类型，handler 通过 errors.As 按 Kind 映射状态码。
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("chat: %s (%s)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("chat: %s (%s): %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a service error, KindInternal for anything else.
func KindOf(err error) Kind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return KindInternal
}

// ProduceError carries the error code a producer wants recorded on the turn.
type ProduceError struct {
	Code string
	Err  error
}

func (e *ProduceError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProduceError) Unwrap() error { return e.Err }

// NewProduceError tags err with a turn error code such as content_rejected.
func NewProduceError(code string, err error) error {
	return &ProduceError{Code: code, Err: err}
}
