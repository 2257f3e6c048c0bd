// Package errcode defines the error codes shared by the card bridge and the
// keybox updater. Codes travel on the wire in ERR lines, so an error received
// from the helper matches the local sentinel with errors.Is.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a numeric error code as carried in an ERR line.
type Code uint32

const (
	CodeGeneral         Code = 1
	CodeNotFound        Code = 27
	CodeInvalidValue    Code = 55
	CodeNoData          Code = 58
	CodeNotSupported    Code = 60
	CodeInternal        Code = 63
	CodeTooLarge        Code = 67
	CodeConflict        Code = 70
	CodeCanceled        Code = 99
	CodeNoHelper        Code = 119
	CodeCrypto          Code = 150
	CodeStaleSession    Code = 189
	CodePermission      Code = 201
	CodeIO              Code = 202
	CodeMalformed       Code = 280
	CodeUnknownCommand  Code = 275
	CodeUnknownInquiry  Code = 281
	CodeInvalidResponse Code = 261
	CodeLineTooLong     Code = 263
)

// Error is an error with a wire code. Two Errors are considered equal by
// errors.Is when their codes match, regardless of message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error code %d", e.Code)
	}
	return e.Message
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrGeneral           = &Error{Code: CodeGeneral, Message: "general error"}
	ErrNotFound          = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidValue      = &Error{Code: CodeInvalidValue, Message: "invalid value"}
	ErrNoData            = &Error{Code: CodeNoData, Message: "no data"}
	ErrNotSupported      = &Error{Code: CodeNotSupported, Message: "not supported"}
	ErrInternal          = &Error{Code: CodeInternal, Message: "internal error"}
	ErrTooLarge          = &Error{Code: CodeTooLarge, Message: "too large"}
	ErrConflict          = &Error{Code: CodeConflict, Message: "conflict"}
	ErrCanceled          = &Error{Code: CodeCanceled, Message: "operation canceled"}
	ErrNoHelper          = &Error{Code: CodeNoHelper, Message: "no smartcard daemon"}
	ErrCrypto            = &Error{Code: CodeCrypto, Message: "decryption failed"}
	ErrStaleSession      = &Error{Code: CodeStaleSession, Message: "stale session"}
	ErrPermission        = &Error{Code: CodePermission, Message: "permission denied"}
	ErrIO                = &Error{Code: CodeIO, Message: "i/o error"}
	ErrMalformedResponse = &Error{Code: CodeMalformed, Message: "malformed response"}
	ErrUnknownCommand    = &Error{Code: CodeUnknownCommand, Message: "unknown IPC command"}
	ErrUnknownInquiry    = &Error{Code: CodeUnknownInquiry, Message: "unknown inquiry"}
	ErrInvalidResponse   = &Error{Code: CodeInvalidResponse, Message: "invalid response"}
	ErrLineTooLong       = &Error{Code: CodeLineTooLong, Message: "line too long"}
)

// New returns an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// CodeOf returns the wire code for err. Errors without a code map to
// CodeGeneral; a nil error has code 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, errors.ErrUnsupported) {
		return CodeNotSupported
	}
	return CodeGeneral
}
