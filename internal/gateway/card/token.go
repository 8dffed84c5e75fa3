package card

import (
	"context"
	"crypto/x509"
)

// Token 是一次连接上的签名令牌（接触式卡或经安全通道的 NFC 卡）。
type Token interface {
	// Certificate 读取签名证书。
	Certificate(ctx context.Context) (*x509.Certificate, error)
	// SignDigest 校验 PIN2 后对 SHA-256 摘要签名，返回原始签名值。
	SignDigest(ctx context.Context, pin2, digest []byte) ([]byte, error)
	// UnblockPIN 使用 PUK 解锁并设置新的 PIN2。
	UnblockPIN(ctx context.Context, puk, newPIN2 []byte) error
	// Close 断开连接并给卡断电。
	Close() error
}

// Driver 打开指定读卡器上的令牌，reader 为空表示第一个可用读卡器。
type Driver interface {
	Open(ctx context.Context, reader string) (Token, error)
}

// Tunnel 在 NFC 连接上建立安全通道（PACE），返回经通道封装的令牌。
type Tunnel interface {
	Establish(ctx context.Context, tok Token, can []byte) (Token, error)
}
