package webpush

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Error is the kind of a failure while building a push message.
type Error uint8

const (
	// ErrorNone is the zero kind; KindOf returns it for foreign errors.
	ErrorNone Error = iota
	// ErrorDecryption means an at-rest subscription field failed to decrypt.
	ErrorDecryption
	// ErrorEncoding means a stored key was not valid base64.
	ErrorEncoding
	// ErrorInvalidKey means the subscriber's p256dh or auth key is malformed.
	ErrorInvalidKey
	// ErrorRecordTooLarge means the message does not fit the record size.
	ErrorRecordTooLarge
	// ErrorInvalidEndpoint means the subscription endpoint is not an absolute URL.
	ErrorInvalidEndpoint
	// ErrorSigning means the VAPID private key is unusable.
	ErrorSigning
	// ErrorEncryption means the content encryption itself failed.
	ErrorEncryption
)

var errorToString = map[Error]string{
	ErrorNone:            "no error",
	ErrorDecryption:      "webpush: decrypting stored subscription failed",
	ErrorEncoding:        "webpush: decoding key failed",
	ErrorInvalidKey:      "webpush: invalid subscription key",
	ErrorRecordTooLarge:  "webpush: message too large for record",
	ErrorInvalidEndpoint: "webpush: invalid endpoint",
	ErrorSigning:         "webpush: signing VAPID token failed",
	ErrorEncryption:      "webpush: encrypting message failed",
}

func (e Error) Error() string {
	if s, ok := errorToString[e]; ok {
		return s
	}
	return fmt.Sprintf("webpush: unknown error %d", uint8(e))
}

// Is reports whether target is the same kind.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && e == t
}

// Wrap annotates err with this kind and a stack trace. A nil err stays nil.
func (e Error) Wrap(err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&withError{cause: err, kind: e})
}

// New returns an error of this kind carrying msg.
func (e Error) New(msg string) error {
	return e.Wrap(stderrors.New(msg))
}

type withError struct {
	cause error
	kind  Error
}

func (we *withError) Error() string {
	return fmt.Sprintf("%s: %s", we.kind, we.cause)
}

func (we *withError) Is(target error) bool {
	return we.kind.Is(target)
}

func (we *withError) Cause() error {
	return we.cause
}

func (we *withError) Unwrap() error {
	return we.cause
}

// KindOf returns the kind of err, or ErrorNone when err did not come from
// this package.
func KindOf(err error) Error {
	var we *withError
	if stderrors.As(err, &we) {
		return we.kind
	}
	var kind Error
	if stderrors.As(err, &kind) {
		return kind
	}
	return ErrorNone
}
