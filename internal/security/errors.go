// Package security holds user-facing error redaction and the local posture
// audit.
package security

import (
	"errors"
	"os"
	"strings"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify wraps err with a user-safe message, keeping err as debug detail.
func Classify(userSafe string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: err.Error(), Err: err}
}

// UserMessage returns a message safe to print. With redact set, the home
// directory and every secret are masked.
func UserMessage(err error, redact bool, secrets ...string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg = ce.Error()
	}
	if redact {
		return RedactMessage(msg, secrets...)
	}
	return msg
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return ce.DebugDetail
		}
	}
	return err.Error()
}

// RedactMessage replaces the home directory with "~" and masks secrets such
// as API keys.
func RedactMessage(msg string, secrets ...string) string {
	if msg == "" {
		return msg
	}
	out := msg
	for _, s := range secrets {
		if len(strings.TrimSpace(s)) < 4 {
			continue
		}
		out = strings.ReplaceAll(out, s, "[redacted]")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" && home != "/" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}
