package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/rescale/stagexfer/internal/cloud/storage"
	"github.com/rescale/stagexfer/internal/constants"
)

// ErrorType is the retry class of a failed request.
type ErrorType int

const (
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential: rejected or expired credentials (401/403, expired token, bad SAS)
	ErrorTypeCredential
	// ErrorTypeNetwork: connection level failures and timeouts
	ErrorTypeNetwork
	// ErrorTypeRetryable: throttling and server side failures (429, 5xx, SlowDown, ServerBusy)
	ErrorTypeRetryable
	// ErrorTypeFatal: everything else, including 4xx and unknown errors
	ErrorTypeFatal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StatusError is a non-success HTTP response from a hand-built request.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Code, e.Body)
}

// HTTPStatusCode matches the accessor on smithy-go response errors.
func (e *StatusError) HTTPStatusCode() int { return e.Code }

type statusCoder interface {
	HTTPStatusCode() int
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as already retried by a lower layer. ExecuteWithRetry
// returns the wrapped error without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config holds retry parameters for ExecuteWithRetry
type Config struct {
	// MaxRetries is the maximum number of attempts (default: 10)
	MaxRetries int
	// InitialDelay is the base delay for exponential backoff (default: 200ms)
	InitialDelay time.Duration
	// MaxDelay caps a single backoff (default: 15s)
	MaxDelay time.Duration
	// CredentialRefresh is called after a credential error. Without it credential
	// errors are fatal.
	CredentialRefresh func(context.Context) error
	// OnRetry is called before each retry wait
	OnRetry func(attempt int, err error, errorType ErrorType)
}

// DefaultConfig returns the transfer defaults from constants.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   constants.MaxRetries,
		InitialDelay: constants.RetryInitialDelay,
		MaxDelay:     constants.RetryMaxDelay,
	}
}

// Lower-case substrings for SDK errors that only expose text. AWS and Azure
// service error codes are matched here as well as plain HTTP phrasing.
var (
	credentialMarkers = []string{
		"expiredtoken", "expired token", "token expired", "invalid token",
		"invalidaccesskeyid", "signaturedoesnotmatch", "signature not valid",
		"authenticationfailed", "authentication failed", "authorizationfailure",
		"authorization failure", "invalid sas", "sas token", "unauthorized", "forbidden",
		"response 401", "response 403", "status 401", "status 403",
	}
	networkMarkers = []string{
		"connection reset", "connection refused", "broken pipe", "tls handshake timeout",
		"i/o timeout", "timeout", "unexpected eof", "eof",
	}
	retryableMarkers = []string{
		"requesttimeout", "internalerror", "serviceunavailable", "service unavailable",
		"slowdown", "throttl", "serverbusy", "server busy", "operationtimeout",
		"operation timeout", "too many requests",
		"response 429", "response 500", "response 502", "response 503", "response 504",
		"status 429", "status 500", "status 502", "status 503", "status 504",
	}
)

// ClassifyError maps an error to its retry class. Typed errors (status codes,
// errnos, net.Error) are checked before falling back to message markers.
// Unknown errors are fatal. A per-attempt deadline is a network timeout; the
// caller's own deadline is caught by ExecuteWithRetry before the next attempt.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, context.Canceled) {
		return ErrorTypeFatal
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() > 0 {
		return classifyStatus(sc.HTTPStatusCode())
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrorTypeNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, credentialMarkers):
		return ErrorTypeCredential
	case containsAny(msg, retryableMarkers):
		return ErrorTypeRetryable
	case containsAny(msg, networkMarkers):
		return ErrorTypeNetwork
	}
	return ErrorTypeFatal
}

func classifyStatus(code int) ErrorType {
	switch {
	case code < 400:
		return ErrorTypeSuccess
	case code == 401, code == 403:
		return ErrorTypeCredential
	case code == 408, code == 429, code >= 500:
		return ErrorTypeRetryable
	default:
		return ErrorTypeFatal
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// CalculateBackoff returns a full-jitter backoff: a random duration in
// [0, min(maxDelay, initialDelay*2^attempt)).
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initialDelay <= 0 || maxDelay <= 0 {
		return 0
	}
	ceiling := initialDelay
	for i := 0; i < attempt && ceiling < maxDelay; i++ {
		ceiling *= 2
	}
	return rand.N(min(ceiling, maxDelay))
}

// ExecuteWithRetry runs operation until it succeeds, fails fatally, or
// MaxRetries attempts are used.
//
// Credential errors refresh through CredentialRefresh and retry after a second.
// Network and retryable errors back off with full jitter. Cancellation ends the
// loop at once, including during a wait, and a wait that would outlive the
// context deadline is not started.
func ExecuteWithRetry(ctx context.Context, config Config, operation func() error) error {
	attempts := max(config.MaxRetries, 1)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(err, lastErr)
		}

		err := operation()
		errType := ClassifyError(err)
		if errType == ErrorTypeSuccess {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		lastErr = err

		var wait time.Duration
		switch errType {
		case ErrorTypeFatal:
			return err
		case ErrorTypeCredential:
			if config.CredentialRefresh == nil {
				return err
			}
			if attempt == attempts {
				return fmt.Errorf("credential error after %d attempts: %w", attempts, err)
			}
			if rerr := config.CredentialRefresh(ctx); rerr != nil {
				return fmt.Errorf("credential refresh failed: %w", rerr)
			}
			wait = time.Second
		default:
			wait = CalculateBackoff(attempt, config.InitialDelay, config.MaxDelay)
		}

		if attempt == attempts {
			break
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, errType)
		}
		if !sleepContext(ctx, wait) {
			return cancelled(ctx.Err(), lastErr)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

func cancelled(ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}

// sleepContext waits for d or until ctx is done. Returns false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		<-ctx.Done()
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
