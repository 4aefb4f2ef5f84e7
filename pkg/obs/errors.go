package obs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Typed lets an error report its own classification for metrics and spans.
type Typed interface {
	ErrorType() string
}

// ErrorType classifies err for the error.type attribute. Cancellation and
// deadline expiry map to "canceled" and "timeout"; other errors use their
// dynamic type after peeling fmt wrappers.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var typed Typed
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	for {
		name := fmt.Sprintf("%T", err)
		if !strings.HasPrefix(name, "*fmt.wrapError") {
			return name
		}
		next := errors.Unwrap(err)
		if next == nil {
			return name
		}
		err = next
	}
}
