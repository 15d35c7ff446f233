package model

import (
	"errors"
	"fmt"
)

// Kind 错误分类，对外以字符串形式返回给客户端
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindUnconfigured       Kind = "Unconfigured"
	KindEnhancementFailed  Kind = "EnhancementFailed"
	KindCatalogUnavailable Kind = "CatalogUnavailable"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindInvalidParameters  Kind = "InvalidParameters"
	KindGenerationFailed   Kind = "GenerationFailed"
	KindBusy               Kind = "Busy"
	KindPersistenceWarning Kind = "PersistenceWarning"
	KindNotFound           Kind = "NotFound"
	KindInternal           Kind = "Internal"
)

// Error is the structured failure returned by every core component.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrBusy) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrUnconfigured       = &Error{Kind: KindUnconfigured}
	ErrEnhancementFailed  = &Error{Kind: KindEnhancementFailed}
	ErrCatalogUnavailable = &Error{Kind: KindCatalogUnavailable}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrInvalidParameters  = &Error{Kind: KindInvalidParameters}
	ErrGenerationFailed   = &Error{Kind: KindGenerationFailed}
	ErrBusy               = &Error{Kind: KindBusy}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// NewError 构造一个带分类的错误
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf 构造一个带分类的格式化错误
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message == "" && e.Err != nil {
			return e.Err.Error()
		}
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
