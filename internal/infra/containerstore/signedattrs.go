package containerstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
)

// signedAttributes 是被签名的属性集合：证书指纹、文档摘要、角色与签名时间。
type signedAttributes struct {
	Version        int
	CertificateSHA []byte
	DocumentDigest []byte
	SigningTime    time.Time `asn1:"generalized"`
	Role           []byte    `asn1:"optional"`
}

func encodeSignedAttributes(cert *x509.Certificate, documentDigest, roleJSON []byte, at time.Time) ([]byte, error) {
	certSum := sha256.Sum256(cert.Raw)
	attrs := signedAttributes{
		Version:        1,
		CertificateSHA: certSum[:],
		DocumentDigest: documentDigest,
		SigningTime:    at.UTC().Truncate(time.Second),
		Role:           roleJSON,
	}
	out, err := asn1.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode signed attributes: %w", err)
	}
	return out, nil
}

// verifySignature 校验 SHA-256(dataToSign) 上的 RSA PKCS#1 v1.5 或 ECDSA（原始 r||s 或 ASN.1）签名。
func verifySignature(cert *x509.Certificate, dataToSign, value []byte) error {
	digest := sha256.Sum256(dataToSign)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], value); err != nil {
			return fmt.Errorf("%w: %v", container.ErrSignatureMismatch, err)
		}
		return nil
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		if len(value) == 2*size {
			r := new(big.Int).SetBytes(value[:size])
			s := new(big.Int).SetBytes(value[size:])
			if ecdsa.Verify(pub, digest[:], r, s) {
				return nil
			}
			return container.ErrSignatureMismatch
		}
		if ecdsa.VerifyASN1(pub, digest[:], value) {
			return nil
		}
		return container.ErrSignatureMismatch
	default:
		return fmt.Errorf("%w: unsupported key type %T", container.ErrSignatureMismatch, cert.PublicKey)
	}
}
