package store

import (
	"context"
	"errors"
	"strings"
)

// IsTransient classifies storage errors for the retry policy. Lock and disk
// contention from concurrent processes is worth retrying on a fresh
// connection; constraint violations indicate a programming bug and must
// propagate immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") {
		return false
	}
	for _, fragment := range []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"sqlite_locked",
		"sqlite_protocol",
		"disk i/o error",
		"sqlite_ioerr",
		"bad connection",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
