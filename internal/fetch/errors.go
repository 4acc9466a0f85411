package fetch

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrCancelled marks a fetch stopped by its cancellation token.
	ErrCancelled = errors.New("fetch: cancelled")

	// ErrTooManyRedirects marks a fetch that exceeded the hop limit.
	ErrTooManyRedirects = errors.New("fetch: too many redirects")

	// ErrUnsupportedScheme marks a URL no handler claims.
	ErrUnsupportedScheme = errors.New("fetch: unsupported scheme")

	// ErrCrossOriginRedirect marks a same-origin-mode fetch redirected
	// off its origin.
	ErrCrossOriginRedirect = errors.New("fetch: cross-origin redirect forbidden")
)

// NetworkError is the terminal failure surfaced to the consumer. The
// reason is human-readable; the cause supports errors.Is/As.
type NetworkError struct {
	Reason string
	Cause  error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("network error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("network error: %s", e.Reason)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// netError wraps a transport failure with a readable reason.
func netError(reason string, cause error) *NetworkError {
	return &NetworkError{Reason: reason, Cause: cause}
}

// classify turns a transport error into the NetworkError shown to the
// consumer, naming DNS, TLS and timeout failures explicitly.
func classify(err error) *NetworkError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return netError("dns lookup failed for "+dnsErr.Name, err)
	}
	if isTLSError(err) {
		return netError("tls handshake failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return netError("connection timed out", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return netError("connection refused", err)
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return netError("connection reset", err)
	}
	return netError("connection failed", err)
}

// isTransient reports whether a connection-level failure is worth
// retrying for an idempotent request. DNS and certificate problems are
// never transient: the retry would fail the same way.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	if isTLSError(err) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isTLSError(err error) bool {
	var (
		recordErr    tls.RecordHeaderError
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		invalidCert  x509.CertificateInvalidError
		hostnameErr  x509.HostnameError
		constraint   x509.ConstraintViolationError
		insecureAlgo x509.InsecureAlgorithmError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &constraint) ||
		errors.As(err, &insecureAlgo)
}
