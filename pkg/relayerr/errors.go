// Package relayerr defines the error taxonomy shared across the relay's
// components, matched with errors.Is/errors.As rather than inspected
// by string.
package relayerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature means the msg_signature didn't match; the
	// webhook is dropped silently (WeCom will retry).
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrCorpIDMismatch means the decrypted envelope's corp id didn't
	// match the configured tenant.
	ErrCorpIDMismatch = errors.New("corp id mismatch")

	// ErrMalformedCiphertext covers base64/length/padding failures
	// while decrypting a WeCom payload.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")

	// ErrMalformedFrame means a WS frame's JSON couldn't be parsed.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownFrameType means a WS frame's type tag isn't one of the
	// closed set spec.md §6.1 enumerates.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrAuthFailure means a gateway's hello frame failed auth.
	ErrAuthFailure = errors.New("auth failure")

	// ErrNoEncryptField means a callback envelope had no <Encrypt> tag.
	ErrNoEncryptField = errors.New("no encrypt field")

	// ErrInvalidKey means the encoding AES key wasn't a valid 43-char
	// WeCom base64-variant key.
	ErrInvalidKey = errors.New("invalid encoding aes key")

	// ErrTimeout is a TransportError subtype per spec.md §7.
	ErrTimeout = errors.New("timeout")
)

// UpstreamError wraps a non-zero errcode/errmsg from a WeCom API call.
type UpstreamError struct {
	Code int
	Msg  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Msg)
}

// TransportError wraps HTTP-transport or socket I/O failures (non-2xx
// responses, dial/read/write errors).
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
