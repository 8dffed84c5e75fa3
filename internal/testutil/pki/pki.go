// Package pki 提供测试用的 CA、签名证书与 OCSP 应答器。
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

var serial atomic.Int64

// Authority 是测试 CA。
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey

	mu      sync.Mutex
	revoked map[string]bool
}

// Identity 是 CA 签发的签名身份。
type Identity struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// NewAuthority 创建自签名 CA。
func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: "Test Signing CA", Country: []string{"EE"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	return &Authority{Cert: cert, Key: key, revoked: make(map[string]bool)}
}

// Issue 签发一张带不可否认用途的签名证书；ocspURL 为空时不写 AIA。
func (a *Authority) Issue(t testing.TB, commonName, ocspURL string) *Identity {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName, Country: []string{"EE"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(12 * time.Hour),
		KeyUsage:     x509.KeyUsageContentCommitment,
	}
	if ocspURL != "" {
		tmpl.OCSPServer = []string{ocspURL}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return &Identity{Cert: cert, Key: key}
}

// Revoke 标记证书为已吊销。
func (a *Authority) Revoke(cert *x509.Certificate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[cert.SerialNumber.String()] = true
}

// OCSPHandler 返回按吊销表应答的 OCSP responder。
func (a *Authority) OCSPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		revoked := a.revoked[req.SerialNumber.String()]
		a.mu.Unlock()
		now := time.Now()
		tmpl := ocsp.Response{
			Status:       ocsp.Good,
			SerialNumber: req.SerialNumber,
			ThisUpdate:   now.Add(-time.Minute),
			NextUpdate:   now.Add(time.Hour),
		}
		if revoked {
			tmpl.Status = ocsp.Revoked
			tmpl.RevokedAt = now.Add(-time.Minute)
			tmpl.RevocationReason = ocsp.KeyCompromise
		}
		resp, err := ocsp.CreateResponse(a.Cert, a.Cert, tmpl, a.Key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(resp)
	})
}

// SignDigest 以原始 r||s 格式对摘要签名。
func (id *Identity) SignDigest(digest []byte) []byte {
	r, s, err := ecdsa.Sign(rand.Reader, id.Key, digest)
	if err != nil {
		panic(err)
	}
	size := (id.Key.Curve.Params().BitSize + 7) / 8
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out
}

// SignData 对 SHA-256(data) 签名。
func (id *Identity) SignData(data []byte) []byte {
	sum := sha256.Sum256(data)
	return id.SignDigest(sum[:])
}

// Signer 返回 crypto.Signer。
func (id *Identity) Signer() crypto.Signer { return id.Key }

// VerifyDigest 校验原始 r||s 签名。
func (id *Identity) VerifyDigest(digest, sig []byte) bool {
	size := len(sig) / 2
	if size == 0 || len(sig)%2 != 0 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	return ecdsa.Verify(&id.Key.PublicKey, digest, r, s)
}
