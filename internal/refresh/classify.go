package refresh

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category buckets a refresh failure for retry policy decisions.
type Category string

const (
	// CategoryAuth covers 401/403 responses: the token is rejected, retrying
	// cannot help.
	CategoryAuth Category = "auth"

	// CategoryServer covers 5xx responses.
	CategoryServer Category = "server"

	// CategoryNetwork covers transport failures, timeouts and aborts.
	CategoryNetwork Category = "network"

	// CategoryUnknown covers everything else; treated as retryable but kept
	// distinct for diagnosis.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether another attempt may succeed.
func (c Category) Retryable() bool {
	return c != CategoryAuth
}

// StatusError carries the HTTP status of a failed validation call.
// Status 0 means the request never produced a response.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("refresh: backend status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("refresh: backend status %d", e.Status)
}

// Classify maps a validation failure onto its retry category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 401 || se.Status == 403:
			return CategoryAuth
		case se.Status >= 500:
			return CategoryServer
		case se.Status == 0:
			return CategoryNetwork
		default:
			return CategoryUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetwork
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryNetwork
	}

	return CategoryUnknown
}
