// Package errors defines the error taxonomy shared across socksentry's
// protocol, ACL, pool, and QoS layers, and the SOCKS5 reply byte each
// kind maps to.
package errors

import "fmt"

// Code identifies an error kind from the proxy's error taxonomy.
type Code string

const (
	CodeProtocol               Code = "PROTOCOL"
	CodeUnsupportedCommand     Code = "UNSUPPORTED_COMMAND"
	CodeUnsupportedAddressType Code = "UNSUPPORTED_ADDRESS_TYPE"
	CodeAuthFailed             Code = "AUTH_FAILED"
	CodeHostUnreachable        Code = "HOST_UNREACHABLE"
	CodeConnectionNotAllowed   Code = "CONNECTION_NOT_ALLOWED"
	CodeQosLimit               Code = "QOS_LIMIT"
	CodeTimeout                Code = "TIMEOUT"
	CodeIO                     Code = "IO"
	CodeConfig                 Code = "CONFIG"
)

// SOCKS5 reply bytes, per RFC 1928 §6.
const (
	ReplySucceeded           byte = 0x00
	ReplyGeneralFailure      byte = 0x01
	ReplyConnectionNotAllowed byte = 0x02
	ReplyHostUnreachable     byte = 0x04
	ReplyCommandNotSupported byte = 0x07
)

// replyByCode maps each taxonomy kind to the reply byte a handler should
// send before closing. Kinds with no dedicated reply (Protocol,
// AuthFailed, IO, Config) are not listed, and Reply reports false for
// them.
var replyByCode = map[Code]byte{
	CodeUnsupportedCommand:     ReplyCommandNotSupported,
	CodeUnsupportedAddressType: ReplyGeneralFailure,
	CodeHostUnreachable:        ReplyHostUnreachable,
	CodeConnectionNotAllowed:   ReplyConnectionNotAllowed,
	CodeQosLimit:               ReplyGeneralFailure,
	CodeTimeout:                ReplyGeneralFailure,
}

// AppError is the application's single error type. Message is
// human-readable context; Err, when set, is the underlying cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Reply returns the SOCKS5 reply byte for this error's kind and whether
// one is defined at all.
func (e *AppError) Reply() (byte, bool) {
	b, ok := replyByCode[e.Code]
	return b, ok
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// As extracts an *AppError from err if one is present anywhere in its
// chain.
func As(err error) (*AppError, bool) {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
