package pcsc

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/aegis-sign/signflow/internal/gateway/card"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Profile 描述卡上签名应用的文件与密钥引用。
type Profile struct {
	// AID 是签名应用标识。
	AID []byte
	// CertPath 是签名证书 EF 相对应用 DF 的路径（FID 拼接）。
	CertPath []byte
	PINRef   byte
	PUKRef   byte
	// MSETemplate 是 MSE SET 的控制参考模板。
	MSETemplate []byte
	// PINBlockLen 是 PIN 填充后的长度，填充字节为 0xFF。
	PINBlockLen int
}

// DefaultProfile 对应爱沙尼亚 2018 年后的 eID 卡。
func DefaultProfile() Profile {
	return Profile{
		AID:         []byte{0xA0, 0x00, 0x00, 0x00, 0x77, 0x01, 0x08, 0x00, 0x07, 0x00, 0x00, 0xFE, 0x00, 0x00, 0x01, 0x00},
		CertPath:    []byte{0xAD, 0xF2, 0x34, 0x1F},
		PINRef:      0x85,
		PUKRef:      0x02,
		MSETemplate: []byte{0x80, 0x04, 0xFF, 0x20, 0x08, 0x00, 0x84, 0x01, 0x9F},
		PINBlockLen: 12,
	}
}

const maxCertificateBytes = 0x7FFF

// apduToken 是一次读卡器连接上的签名应用。
type apduToken struct {
	conn        transmitter
	profile     Profile
	contactless bool
	selected    bool
	closeFn     func() error
	closeOnce   sync.Once
	closeErr    error
}

var _ card.Token = (*apduToken)(nil)

func (t *apduToken) selectApplication() error {
	if t.selected {
		return nil
	}
	if _, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insSelect, P1: 0x04, P2: 0x0C, Data: t.profile.AID}); err != nil {
		return err
	}
	t.selected = true
	return nil
}

// Certificate 选择证书文件并读取完整 DER。
func (t *apduToken) Certificate(ctx context.Context) (*x509.Certificate, error) {
	if err := t.selectApplication(); err != nil {
		return nil, t.fail(err)
	}
	if _, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insSelect, P1: 0x09, P2: 0x0C, Data: t.profile.CertPath}); err != nil {
		return nil, t.fail(err)
	}
	der, err := t.readCertificate(ctx)
	if err != nil {
		return nil, t.fail(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, card.NewError(card.ReasonInvalidResponse, fmt.Errorf("parse signing certificate: %w", err))
	}
	return cert, nil
}

// readCertificate 按块 READ BINARY，直到读出完整的 DER SEQUENCE 或文件结束。
func (t *apduToken) readCertificate(ctx context.Context) ([]byte, error) {
	var buf []byte
	for len(buf) < maxCertificateBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmd := &commandAPDU{Cla: claISO7816, Ins: insReadBinary, P1: byte(len(buf) >> 8), P2: byte(len(buf)), expectData: true}
		response, err := transmit(t.conn, cmd)
		if err != nil {
			return nil, err
		}
		buf = append(buf, response.Data...)
		if elem, ok := derElement(buf); ok {
			return elem, nil
		}
		switch {
		case response.sw() == 0x9000 && len(response.Data) > 0:
			continue
		case response.Sw1 == sw1WarningEndOfFile || response.sw() == 0x6B00 || response.sw() == 0x9000:
			return nil, card.NewError(card.ReasonInvalidResponse, fmt.Errorf("certificate file truncated at %d bytes", len(buf)))
		default:
			return nil, statusError(cmd, response)
		}
	}
	return nil, card.NewError(card.ReasonInvalidResponse, errors.New("certificate file too large"))
}

// derElement 在缓冲区已包含完整 SEQUENCE 时返回该元素，忽略文件尾部填充。
func derElement(buf []byte) ([]byte, bool) {
	s := cryptobyte.String(buf)
	var elem cryptobyte.String
	if !s.ReadASN1Element(&elem, cbasn1.SEQUENCE) {
		return nil, false
	}
	return []byte(elem), true
}

// SignDigest 校验 PIN2、设置安全环境并执行 PSO: COMPUTE DIGITAL SIGNATURE。
func (t *apduToken) SignDigest(ctx context.Context, pin2, digest []byte) ([]byte, error) {
	if err := t.selectApplication(); err != nil {
		return nil, t.fail(err)
	}
	if err := t.verify(t.profile.PINRef, pin2); err != nil {
		return nil, t.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insManageSecurityEnv, P1: 0x41, P2: 0xB6, Data: t.profile.MSETemplate}); err != nil {
		return nil, t.fail(err)
	}
	sig, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insPerformSecurityOp, P1: 0x9E, P2: 0x9A, Data: digest, expectData: true})
	if err != nil {
		return nil, t.fail(err)
	}
	if len(sig) == 0 {
		return nil, card.NewError(card.ReasonInvalidResponse, errors.New("empty signature"))
	}
	return sig, nil
}

// UnblockPIN 校验 PUK 后以 RESET RETRY COUNTER 设置新 PIN2。
func (t *apduToken) UnblockPIN(ctx context.Context, puk, newPIN2 []byte) error {
	if err := t.selectApplication(); err != nil {
		return t.fail(err)
	}
	if err := t.verify(t.profile.PUKRef, puk); err != nil {
		return card.AsPUK(t.fail(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	block := t.pinBlock(newPIN2)
	defer wipe(block)
	_, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insResetRetryCounter, P1: 0x02, P2: t.profile.PINRef, Data: block})
	return t.fail(err)
}

func (t *apduToken) verify(ref byte, secret []byte) error {
	block := t.pinBlock(secret)
	defer wipe(block)
	_, err := exchange(t.conn, &commandAPDU{Cla: claISO7816, Ins: insVerify, P1: 0x00, P2: ref, Data: block})
	return err
}

func (t *apduToken) pinBlock(secret []byte) []byte {
	n := t.profile.PINBlockLen
	if n < len(secret) {
		n = len(secret)
	}
	block := make([]byte, n)
	copy(block, secret)
	for i := len(secret); i < n; i++ {
		block[i] = 0xFF
	}
	return block
}

// fail 将链路错误映射为 CONNECTION_LOST 或 TAG_LOST。
func (t *apduToken) fail(err error) error {
	if err == nil || !errors.Is(err, errTransport) {
		return err
	}
	if t.contactless {
		return card.NewError(card.ReasonTagLost, err)
	}
	return card.NewError(card.ReasonConnectionLost, err)
}

// Close 给卡断电并释放 pcscd 上下文，重复调用无效。
func (t *apduToken) Close() error {
	t.closeOnce.Do(func() {
		if t.closeFn != nil {
			t.closeErr = t.closeFn()
		}
	})
	return t.closeErr
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
