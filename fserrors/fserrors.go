// Package fserrors provides a structured, programmatically classifiable
// error type shared by the relay and the client pipeline.
package fserrors

import "fmt"

// Path identifies which side of the protocol produced the error.
type Path string

const (
	PathRelay  Path = "relay"
	PathClient Path = "client"
)

// Stage identifies which part of the pipeline failed.
type Stage string

const (
	StageValidate  Stage = "validate"
	StageAuth      Stage = "auth"
	StageDecode    Stage = "decode"
	StageEncode    Stage = "encode"
	StageRoute     Stage = "route"
	StageQueue     Stage = "queue"
	StageRateLimit Stage = "rate_limit"
	StageCrypto    Stage = "crypto"
	StageStore     Stage = "store"
	StageTransport Stage = "transport"
	StageClose     Stage = "close"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeTimeout             Code = "timeout"
	CodeCanceled            Code = "canceled"
	CodeInvalidInput        Code = "invalid_input"
	CodeDecodeFailed        Code = "decode_failed"
	CodeSizeLimitExceeded   Code = "size_limit_exceeded"
	CodeChallengeExpired    Code = "challenge_expired"
	CodeNonceMismatch       Code = "nonce_mismatch"
	CodeSignatureInvalid    Code = "signature_invalid"
	CodeWrongMessageType    Code = "wrong_message_type"
	CodeAddressChecksum     Code = "address_checksum_invalid"
	CodeAddressMalformed    Code = "address_malformed"
	CodeQueueFull           Code = "queue_full"
	CodeRateLimited         Code = "rate_limited"
	CodeBlocked             Code = "blocked"
	CodeNotFound            Code = "not_found"
	CodeConnectionNotActive Code = "connection_not_active"
	CodeDatabaseOpenFailed  Code = "database_open_failed"
	CodeBindFailed          Code = "bind_failed"
	CodeDecryptFailed       Code = "decrypt_failed"
	CodeDialFailed          Code = "dial_failed"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}

// Is reports whether err is an *Error carrying the given code, so callers
// can branch on classification without importing the concrete type.
func Is(err error, code Code) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code == code
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
