package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type ErrorKind string

const (
	ErrTimeout           ErrorKind = "TIMEOUT"
	ErrDNS               ErrorKind = "DNS_ERROR"
	ErrConnectionRefused ErrorKind = "CONNECTION_REFUSED"
	ErrConnectionReset   ErrorKind = "CONNECTION_RESET"
	ErrSSL               ErrorKind = "SSL_ERROR"
	ErrNetwork           ErrorKind = "NETWORK_ERROR"
	ErrUnknown           ErrorKind = "UNKNOWN"
)

var kindMessages = map[ErrorKind]string{
	ErrTimeout:           "Upstream request timed out",
	ErrDNS:               "Upstream host could not be resolved",
	ErrConnectionRefused: "Upstream refused the connection",
	ErrConnectionReset:   "Upstream reset the connection",
	ErrSSL:               "Upstream TLS handshake failed",
	ErrNetwork:           "Network error reaching upstream",
	ErrUnknown:           "Upstream request failed",
}

// TransportError is a failed upstream attempt. Message is safe to show
// callers; Cause is for logs only.
type TransportError struct {
	Kind      ErrorKind
	Message   string
	TargetURL string
	Method    string
	MappingID string
	Cause     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s %s: %s: %v", e.Kind, e.Method, e.TargetURL, e.Message, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Classify maps a transport error onto an ErrorKind using the underlying
// error values rather than message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ErrTimeout
		}
		return ErrDNS
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrConnectionReset
	}

	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		alertErr    tls.AlertError
	)
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidErr) || errors.As(err, &alertErr) {
		return ErrSSL
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return ErrNetwork
	}
	return ErrUnknown
}
