package target

import (
	"crypto/x509"
	"errors"
	"net"
	"syscall"
)

// ErrTimeout is the cancellation cause used when the target request timer
// fires before response headers arrive.
var ErrTimeout = errors.New("target: request timed out")

// Code returns a short machine-readable code for an outbound failure, or ""
// when the error is not recognised.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrTimeout) {
		return "ETIMEDOUT"
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ECONNRESET):
		return "ECONNRESET"
	case errors.Is(err, syscall.EHOSTUNREACH):
		return "EHOSTUNREACH"
	case errors.Is(err, syscall.ENETUNREACH):
		return "ENETUNREACH"
	case errors.Is(err, syscall.EPIPE):
		return "EPIPE"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ENOTFOUND"
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return "ERR_TLS_CERT_ALTNAME_INVALID"
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return "UNABLE_TO_VERIFY_LEAF_SIGNATURE"
	}
	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) {
		switch invalidErr.Reason {
		case x509.Expired:
			return "CERT_HAS_EXPIRED"
		case x509.NotAuthorizedToSign, x509.CANotAuthorizedForThisName, x509.CANotAuthorizedForExtKeyUsage:
			return "CERT_UNTRUSTED"
		default:
			return "CERT_INVALID"
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}
	return ""
}
