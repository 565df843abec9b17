// Package errs provides structured error types and helpers for paywatch services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a provider-facing error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded provider rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeProvider indicates a provider-side failure or an unparseable response.
	CodeProvider Code = "provider_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeConfig indicates a configuration mistake made by the embedder.
	CodeConfig Code = "config"
)

// CanonicalCode captures provider-agnostic error categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInvalidAddress indicates an address malformed for the provider's network.
	CanonicalInvalidAddress CanonicalCode = "invalid_address"
	// CanonicalCurrencyNotSupported indicates a rate provider has no rate for the currency.
	CanonicalCurrencyNotSupported CanonicalCode = "currency_not_supported"
	// CanonicalNoProviders indicates an empty provider list.
	CanonicalNoProviders CanonicalCode = "no_providers_configured"
	// CanonicalInvalidAmount indicates an order amount that is missing or not positive.
	CanonicalInvalidAmount CanonicalCode = "invalid_order_amount"
	// CanonicalInvalidDenomination indicates an unknown bitcoin denomination.
	CanonicalInvalidDenomination CanonicalCode = "invalid_denomination"
	// CanonicalOrderNotFound indicates that the referenced order does not exist.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
)

// Sentinels matched through errors.Is against any envelope carrying the same canonical code.
var (
	ErrInvalidAddress        = &E{Code: CodeInvalid, Canonical: CanonicalInvalidAddress}
	ErrCurrencyNotSupported  = &E{Code: CodeInvalid, Canonical: CanonicalCurrencyNotSupported}
	ErrNoProvidersConfigured = &E{Code: CodeConfig, Canonical: CanonicalNoProviders}
	ErrInvalidOrderAmount    = &E{Code: CodeInvalid, Canonical: CanonicalInvalidAmount}
	ErrInvalidDenomination   = &E{Code: CodeInvalid, Canonical: CanonicalInvalidDenomination}
	ErrOrderNotFound         = &E{Code: CodeNotFound, Canonical: CanonicalOrderNotFound}
)

// E captures structured error information produced across the paywatch stack.
type E struct {
	Provider  string
	Code      Code
	HTTP      int
	RawMsg    string
	Message   string
	Canonical CanonicalCode
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the provider and error code.
func New(provider string, code Code, opts ...Option) *E {
	e := &E{
		Provider:  strings.TrimSpace(provider),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures the raw provider response body or message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical error code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	if provider := strings.TrimSpace(e.Provider); provider != "" {
		parts = append(parts, "provider="+provider)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same canonical code.
// Envelopes with an unknown canonical code only match themselves.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Canonical == CanonicalUnknown || t.Canonical == "" {
		return e == t
	}
	return e.Canonical == t.Canonical
}

// CanonicalOf returns the canonical code of the first envelope in err's chain.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Canonical
	}
	return CanonicalUnknown
}

// InvalidAddress builds the error providers return for addresses outside their network.
func InvalidAddress(provider, address string, cause error) *E {
	return New(provider, CodeInvalid,
		WithCanonicalCode(CanonicalInvalidAddress),
		WithMessage("address is not valid for this network"),
		WithField("address", address),
		WithCause(cause))
}

// CurrencyNotSupported builds the error rate providers return for unknown currency codes.
func CurrencyNotSupported(provider, currency string) *E {
	return New(provider, CodeInvalid,
		WithCanonicalCode(CanonicalCurrencyNotSupported),
		WithField("currency", currency))
}

// NoProviders returns a standardized error for an empty provider list of the given kind.
func NoProviders(kind string) *E {
	msg := "the list of providers is empty"
	if k := strings.TrimSpace(kind); k != "" {
		msg = "the list of " + k + " providers is empty"
	}
	return New("", CodeConfig, WithCanonicalCode(CanonicalNoProviders), WithMessage(msg))
}
