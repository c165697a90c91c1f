package util

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates the closed set of failure classes the engine can
// surface, so callers match on kind instead of message text.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindNotFound
	KindStorage
	KindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindStorage:
		return "storage"
	case KindPermission:
		return "permission_denied"
	default:
		return "unknown"
	}
}

// AppError carries a kind plus an optional wrapped cause.
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Storagef(err error, format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

func Permissionf(format string, args ...interface{}) *AppError {
	return &AppError{Kind: KindPermission, Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) ErrorKind {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

func IsValidation(err error) bool { return kindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return kindOf(err) == KindNotFound }
func IsStorage(err error) bool    { return kindOf(err) == KindStorage }
func IsPermission(err error) bool { return kindOf(err) == KindPermission }

// Truncate bounds a message to max runes, for fields with a hard column size.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
