// Package errs provides the error classification shared by the exchange
// connectivity stack. Every failure that leaves the REST client, the nonce
// source or the stream manager carries a Kind so callers decide on
// resubmission from one value instead of matching error strings.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is an unclassified exchange or transport failure.
	KindUnknown Kind = iota
	// KindConfiguration is fatal at startup (bad secret encoding, missing credential).
	KindConfiguration
	// KindAuthentication is critical and never retried (invalid key, signature, nonce).
	KindAuthentication
	// KindRateLimit is retryable after the breaker's cooldown.
	KindRateLimit
	// KindValidation means the caller's request was malformed.
	KindValidation
	// KindNetwork is a transport or exchange-availability failure.
	KindNetwork
	// KindTimeout is a request that did not complete in time.
	KindTimeout
	// KindCircuitOpen is local only: the guarded call was never attempted.
	KindCircuitOpen
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "CONFIGURATION"
	case KindAuthentication:
		return "AUTHENTICATION"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindValidation:
		return "VALIDATION"
	case KindNetwork:
		return "NETWORK"
	case KindTimeout:
		return "TIMEOUT"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports the default resubmission policy of the kind.
// Unknown failures are retryable once; the REST client downgrades the
// second consecutive one per endpoint.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindNetwork, KindTimeout, KindCircuitOpen, KindUnknown:
		return true
	default:
		return false
	}
}

// Critical reports whether the kind must stop the affected subsystem.
func (k Kind) Critical() bool {
	return k == KindConfiguration || k == KindAuthentication
}

// Error is the structured failure envelope.
type Error struct {
	Kind        Kind
	Op          string
	Credential  string
	Codes       []string
	HTTP        int
	Message     string
	Remediation string
	RetryAfter  time.Duration

	retryable *bool
	cause     error
}

// Option configures an Error.
type Option func(*Error)

// New builds an error of the given kind.
func New(kind Kind, opts ...Option) *Error {
	e := &Error{Kind: kind}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithOp records the endpoint or operation that failed.
func WithOp(op string) Option {
	return func(e *Error) { e.Op = strings.TrimSpace(op) }
}

// WithCredential records the credential label (never the key itself).
func WithCredential(label string) Option {
	return func(e *Error) { e.Credential = strings.TrimSpace(label) }
}

// WithCodes records the raw exchange error codes.
func WithCodes(codes ...string) Option {
	return func(e *Error) {
		e.Codes = append([]string(nil), codes...)
	}
}

// WithHTTP records the HTTP status code.
func WithHTTP(status int) Option {
	return func(e *Error) { e.HTTP = status }
}

// WithMessage attaches a human-readable message.
func WithMessage(msg string) Option {
	return func(e *Error) { e.Message = strings.TrimSpace(msg) }
}

// WithRemediation attaches operator guidance.
func WithRemediation(text string) Option {
	return func(e *Error) { e.Remediation = strings.TrimSpace(text) }
}

// WithRetryAfter records a cooldown hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) { e.RetryAfter = d }
}

// WithRetryable overrides the kind's default retry policy.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(e *Error) { e.cause = err }
}

// Retryable reports whether the identical logical request may be resubmitted
// (always with a fresh nonce).
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return e.Kind.Retryable()
}

// WithoutRetry returns a copy of e that callers must not resubmit.
func (e *Error) WithoutRetry() *Error {
	cp := *e
	no := false
	cp.retryable = &no
	return &cp
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Kind.String()))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Credential != "" {
		fmt.Fprintf(&b, " [%s]", e.Credential)
	}
	if e.HTTP != 0 {
		fmt.Fprintf(&b, " http=%d", e.HTTP)
	}
	if len(e.Codes) > 0 {
		fmt.Fprintf(&b, " codes=%s", strings.Join(e.Codes, ","))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the classification of err, KindUnknown when unclassified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsRetryable reports whether err may be resubmitted.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return KindUnknown.Retryable()
}

// Configuration is shorthand for a fatal startup error naming the credential.
func Configuration(credential, msg, remediation string) *Error {
	return New(KindConfiguration,
		WithCredential(credential),
		WithMessage(msg),
		WithRemediation(remediation),
	)
}
