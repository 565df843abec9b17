package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderError pairs a provider failure with the provider's name.
type ProviderError struct {
	Provider string
	Err      error
}

func (e ProviderError) Error() string {
	if e.Provider == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e ProviderError) Unwrap() error { return e.Err }

// AdaptersError reports that every provider in the pool failed.
type AdaptersError struct {
	Operation string
	Attempted int
	Errors    []ProviderError
}

// Error returns a descriptive summary of the aggregated provider failures.
func (e *AdaptersError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{}
	if op := strings.TrimSpace(e.Operation); op != "" {
		parts = append(parts, op+": all providers failed")
	} else {
		parts = append(parts, "all providers failed")
	}
	parts = append(parts, fmt.Sprintf("attempted=%d", e.Attempted))
	for _, err := range e.Errors {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying provider errors for errors.Is/As compatibility.
func (e *AdaptersError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err)
	}
	return out
}

// AdaptersTimeoutError reports that the dispatch deadline expired before any result settled.
type AdaptersTimeoutError struct {
	Operation string
	Timeout   time.Duration
	Attempted int
}

func (e *AdaptersTimeoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Operation)
	if op == "" {
		op = "dispatch"
	}
	return fmt.Sprintf("%s: providers did not answer within %s (attempted=%d)", op, e.Timeout, e.Attempted)
}

// Unwrap makes the timeout match context.DeadlineExceeded.
func (e *AdaptersTimeoutError) Unwrap() error { return context.DeadlineExceeded }
