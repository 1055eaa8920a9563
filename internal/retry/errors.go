package retry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNonRetryable is matched by every *NonRetryableError
var ErrNonRetryable = errors.New("non-retryable error")

// NonRetryableError wraps an error that must not be retried
type NonRetryableError struct {
	Operation string
	Err       error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("%s failed with non-retryable error: %v", e.Operation, e.Err)
}

func (e *NonRetryableError) Unwrap() error { return e.Err }

func (e *NonRetryableError) Is(target error) bool { return target == ErrNonRetryable }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// nonRetryablePatterns are venue messages that retrying cannot fix
var nonRetryablePatterns = []string{
	"margin level too low",
	"insufficient balance",
	"insufficient funds",
	"insufficient margin",
	"eorder:margin",
	"eorder:insufficient",
	"account has insufficient",
	"notional must be",
	"min notional",
	"invalid api-key",
	"invalid signature",
	"permission denied",
	"api key expired",
}

// IsRetryable reports whether err may succeed on a later attempt
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}
	return true
}
