package faults

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
)

// TransportCode 将网络层错误归类为 NO_RESPONSE / INVALID_PROXY_SETTINGS / INVALID_SSL_HANDSHAKE。
func TransportCode(err error) Code {
	if err == nil {
		return CodeTechnicalError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return CodeInvalidProxySettings
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "proxyconnect" {
		return CodeInvalidProxySettings
	}
	var (
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
		verifyErr   *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &recordErr), errors.As(err, &unknownAuth), errors.As(err, &hostErr),
		errors.As(err, &invalidErr), errors.As(err, &verifyErr):
		return CodeInvalidSSLHandshake
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeNoResponse
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CodeNoResponse
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNoResponse
	}
	return CodeTechnicalError
}
