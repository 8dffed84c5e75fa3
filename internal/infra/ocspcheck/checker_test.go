package ocspcheck

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/testutil/pki"
	"github.com/stretchr/testify/require"
)

func TestCheckerGood(t *testing.T) {
	ca := pki.NewAuthority(t)
	srv := httptest.NewServer(ca.OCSPHandler())
	t.Cleanup(srv.Close)
	id := ca.Issue(t, "MÄNNIK,MARI-LIIS,61709210125", srv.URL)

	checker := New(Config{Issuers: []*x509.Certificate{ca.Cert}})
	status, err := checker.Check(context.Background(), id.Cert)
	require.NoError(t, err)
	require.Equal(t, container.StatusValid, status)
}

func TestCheckerRevoked(t *testing.T) {
	ca := pki.NewAuthority(t)
	srv := httptest.NewServer(ca.OCSPHandler())
	t.Cleanup(srv.Close)
	id := ca.Issue(t, "revoked", srv.URL)
	ca.Revoke(id.Cert)

	status, err := New(Config{Issuers: []*x509.Certificate{ca.Cert}}).Check(context.Background(), id.Cert)
	require.ErrorIs(t, err, container.ErrCertificateRevoked)
	require.Equal(t, container.StatusInvalid, status)
}

func TestCheckerUnavailable(t *testing.T) {
	ca := pki.NewAuthority(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	id := ca.Issue(t, "unavailable", srv.URL)

	_, err := New(Config{Issuers: []*x509.Certificate{ca.Cert}}).Check(context.Background(), id.Cert)
	require.ErrorIs(t, err, container.ErrRevocationUnavailable)

	srv.Close()
	_, err = New(Config{Issuers: []*x509.Certificate{ca.Cert}}).Check(context.Background(), id.Cert)
	require.ErrorIs(t, err, container.ErrRevocationUnavailable)
}

func TestCheckerMissingIssuer(t *testing.T) {
	ca := pki.NewAuthority(t)
	id := ca.Issue(t, "orphan", "http://127.0.0.1:1")
	status, err := New(Config{}).Check(context.Background(), id.Cert)
	require.ErrorIs(t, err, ErrNoIssuer)
	require.Equal(t, container.StatusUnknown, status)
}
