// Package smtp provides the outbound submission side of the service: MIME
// assembly, an SMTP client wrapper that classifies failures by protocol
// step, and a pooled connection manager with per-account limits.
package smtp

import (
	"errors"
	"fmt"

	gosmtp "github.com/emersion/go-smtp"
)

// Error kinds. Downstream policy (retry vs fail, HTTP status) keys off the
// kind, never off message text.
const (
	KindAuth       = "auth_error"
	KindRecipient  = "recipient_rejected"
	KindConnection = "connection_error"
	KindInternal   = "internal_error"
)

// SendError is a classified submission failure.
type SendError struct {
	Kind    string
	Message string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Only connection
// problems qualify; auth and recipient rejections will not heal on retry.
func (e *SendError) Retryable() bool {
	return e.Kind == KindConnection
}

func newSendError(kind string, err error) *SendError {
	return &SendError{Kind: kind, Message: err.Error(), Err: err}
}

// Classify maps an error from a given protocol step to a SendError. The
// step decides the kind: the same 5xx reply means a bad password during
// AUTH and a bad mailbox during RCPT.
func Classify(step string, err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}

	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch step {
		case "auth":
			return newSendError(KindAuth, err)
		case "rcpt":
			return newSendError(KindRecipient, err)
		case "mail", "data":
			// Most servers reject the sender or the payload for policy
			// reasons; treat permanent codes as non-retryable internal.
			if smtpErr.Code >= 500 {
				return newSendError(KindInternal, err)
			}
			return newSendError(KindConnection, err)
		}
	}

	// Dial, TLS, timeout, and unclassified I/O failures all land here.
	return newSendError(KindConnection, err)
}
