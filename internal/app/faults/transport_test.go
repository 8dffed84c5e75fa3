package faults

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransportCode(t *testing.T) {
	proxyErr := &url.Error{Op: "Post", URL: "https://relay", Err: &net.OpError{Op: "proxyconnect", Net: "tcp", Err: errors.New("refused")}}
	require.Equal(t, CodeInvalidProxySettings, TransportCode(proxyErr))

	dialErr := &url.Error{Op: "Post", URL: "https://relay", Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}}
	require.Equal(t, CodeNoResponse, TransportCode(dialErr))

	tlsErr := &url.Error{Op: "Get", URL: "https://relay", Err: x509.UnknownAuthorityError{}}
	require.Equal(t, CodeInvalidSSLHandshake, TransportCode(tlsErr))

	require.Equal(t, CodeNoResponse, TransportCode(fmt.Errorf("poll: %w", context.DeadlineExceeded)))
	require.Equal(t, CodeNoResponse, TransportCode(&net.DNSError{Err: "no such host", Name: "relay"}))
	require.Equal(t, CodeTechnicalError, TransportCode(errors.New("boom")))
	require.Equal(t, CodeTechnicalError, TransportCode(nil))
}
