package gemidp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gematik/zero-idp/pkg/bridge"
)

// Kind classifies the cause of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindDecoding
	KindServer
	KindRandomGeneration
	KindEncryption
	KindDecryption
	KindAssembly
	KindMissingLocationHeader
	KindUntrusted
	KindExpired
	KindInvalidState
	KindInvalidInput
	KindSigning
	KindCancelled
	KindFinishedWithoutValue
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDecoding:
		return "decoding"
	case KindServer:
		return "server"
	case KindRandomGeneration:
		return "random generation"
	case KindEncryption:
		return "encryption"
	case KindDecryption:
		return "decryption"
	case KindAssembly:
		return "request assembly"
	case KindMissingLocationHeader:
		return "missing location header"
	case KindUntrusted:
		return "untrusted"
	case KindExpired:
		return "expired"
	case KindInvalidState:
		return "invalid state"
	case KindInvalidInput:
		return "invalid input"
	case KindSigning:
		return "signing"
	case KindCancelled:
		return "cancelled"
	case KindFinishedWithoutValue:
		return "finished without value"
	default:
		return "unknown"
	}
}

// Operation names used in Error.Op
const (
	OpRandom          = "random"
	OpKeyGeneration   = "key generation"
	OpDiscovery       = "discovery"
	OpChallenge       = "challenge"
	OpVerify          = "verify"
	OpRefresh         = "refresh"
	OpAltVerify       = "alt verify"
	OpExchange        = "exchange"
	OpKeyVerifier     = "key verifier"
	OpDecrypt         = "decrypt"
	OpIDToken         = "id token"
	OpRegisterDevice  = "register device"
	OpUnregister      = "unregister device"
	OpSignChallenge   = "sign challenge"
	OpEncryptResponse = "encrypt challenge response"
	OpAuthenticate    = "authenticate"
)

// Error is the single error type returned by this package. Server is set
// for KindServer and carries the IDP's error response unchanged.
type Error struct {
	Op     string
	Kind   Kind
	Server *ServerError
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Server != nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Server.Error())
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e.Server != nil && e.Err == nil {
		return e.Server
	}
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsServerError returns the server error response carried by err, if any.
func AsServerError(err error) (*ServerError, bool) {
	var e *Error
	if errors.As(err, &e) && e.Server != nil {
		return e.Server, true
	}
	var s *ServerError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func networkError(op string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(op, KindCancelled, err)
	}
	return newError(op, KindNetwork, err)
}

func decodingError(op string, err error) *Error {
	return newError(op, KindDecoding, err)
}

func assemblyError(op string, err error) *Error {
	return newError(op, KindAssembly, err)
}

func encryptionError(op string, err error) *Error {
	return newError(op, KindEncryption, err)
}

func decryptionError(op string, err error) *Error {
	return newError(op, KindDecryption, err)
}

func serverError(op string, s *ServerError, cause error) *Error {
	return &Error{Op: op, Kind: KindServer, Server: s, Err: cause}
}

// wrapError normalizes an arbitrary error into *Error for op. Errors which
// already are *Error keep their kind.
func wrapError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, bridge.ErrFinishedWithoutValue):
		return newError(op, KindFinishedWithoutValue, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(op, KindCancelled, err)
	default:
		return newError(op, KindUnknown, err)
	}
}

// gematik IDP-Dienst returns errors in the following format:
//
//	{
//		 "error":"invalid_request",
//		 "gematik_error_text":"client_id ist ungültig",
//		 "gematik_timestamp":1713603116000,
//		 "gematik_uuid":"c0e2a77c-dfae-4b93-9baf-f170683962cb",
//		 "gematik_code":"2012"
//	}
type ServerError struct {
	HttpCode         int    `json:"-"`
	ErrorCode        string `json:"error"`
	GematikErrorText string `json:"gematik_error_text"`
	GematikTimestamp int64  `json:"gematik_timestamp"`
	GematikUUID      string `json:"gematik_uuid"`
	GematikCode      string `json:"gematik_code"`
}

func (e *ServerError) Error() string {
	if e.HttpCode != 0 {
		return fmt.Sprintf("%d %s: %s (%s, %s)", e.HttpCode, e.ErrorCode, e.GematikErrorText, e.GematikCode, e.GematikUUID)
	}
	return fmt.Sprintf("%s: %s (%s, %s)", e.ErrorCode, e.GematikErrorText, e.GematikCode, e.GematikUUID)
}

// Placeholder values of a server error whose body could not be decoded.
const (
	UndecodableErrorCode = "-1"
	UndecodableError     = "Unable to decode."
	UndecodableUUID      = "unknown"
)

func undecodableServerError(httpCode int, now time.Time) *ServerError {
	return &ServerError{
		HttpCode:         httpCode,
		ErrorCode:        UndecodableError,
		GematikTimestamp: now.UnixMilli(),
		GematikUUID:      UndecodableUUID,
		GematikCode:      UndecodableErrorCode,
	}
}

// parseErrorResponse tries to parse the IDP error from the HTTP response
// body. If the body can't be decoded a placeholder error is synthesized so
// the caller always gets the same shape.
func parseErrorResponse(op string, httpCode int, body io.Reader, now time.Time) *Error {
	data, err := io.ReadAll(body)
	if err != nil {
		return serverError(op, undecodableServerError(httpCode, now), fmt.Errorf("reading error body: %w", err))
	}

	var idpErr ServerError
	if err := json.Unmarshal(data, &idpErr); err != nil {
		return serverError(op, undecodableServerError(httpCode, now), fmt.Errorf("unable to decode error: %w", err))
	}
	if idpErr.ErrorCode == "" && idpErr.GematikCode == "" {
		return serverError(op, undecodableServerError(httpCode, now), fmt.Errorf("unable to decode error: empty error object"))
	}
	idpErr.HttpCode = httpCode
	return serverError(op, &idpErr, nil)
}
