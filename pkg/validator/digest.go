package validator

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DigestEncoding 是容器摘要的文本编码。
type DigestEncoding string

const (
	DigestEncodingHex    DigestEncoding = "hex"
	DigestEncodingBase64 DigestEncoding = "base64"
)

// ErrDigestLength 表示摘要不是 SHA-256 长度。
var ErrDigestLength = errors.New("digest must be 32 bytes")

// ErrDigestMismatch 表示摘要与期望值不一致。
var ErrDigestMismatch = errors.New("digest mismatch")

// ParseEncoding 解析编码名，空值为 hex。
func ParseEncoding(raw string) (DigestEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(DigestEncodingHex):
		return DigestEncodingHex, nil
	case string(DigestEncodingBase64), "b64":
		return DigestEncodingBase64, nil
	default:
		return "", fmt.Errorf("unsupported digest encoding %q", raw)
	}
}

// EncodeDigest 把摘要编码为文本。
func EncodeDigest(digest []byte, enc DigestEncoding) (string, error) {
	if len(digest) != 32 {
		return "", ErrDigestLength
	}
	switch enc {
	case DigestEncodingHex:
		return hex.EncodeToString(digest), nil
	case DigestEncodingBase64:
		return base64.StdEncoding.EncodeToString(digest), nil
	default:
		return "", fmt.Errorf("unsupported digest encoding %q", enc)
	}
}

// DecodeDigest 解码摘要文本并校验长度。
func DecodeDigest(text string, enc DigestEncoding) ([]byte, error) {
	var (
		decoded []byte
		err     error
	)
	switch enc {
	case DigestEncodingHex:
		decoded, err = hex.DecodeString(strings.TrimSpace(text))
	case DigestEncodingBase64:
		decoded, err = base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	default:
		return nil, fmt.Errorf("unsupported digest encoding %q", enc)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s digest: %w", enc, err)
	}
	if len(decoded) != 32 {
		return nil, ErrDigestLength
	}
	return decoded, nil
}

// MatchDigest 比较摘要与期望的文本值。
func MatchDigest(digest []byte, expected string, enc DigestEncoding) error {
	want, err := DecodeDigest(expected, enc)
	if err != nil {
		return err
	}
	if !bytes.Equal(digest, want) {
		return ErrDigestMismatch
	}
	return nil
}
