// Package pkcs11token 通过 PKCS#11 模块（如 OpenSC）驱动接触式签名卡。
package pkcs11token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/gateway/card"
)

// module 是 *pkcs11.Ctx 的子集。
type module interface {
	Initialize() error
	Finalize() error
	Destroy()
	GetSlotList(tokenPresent bool) ([]uint, error)
	GetSlotInfo(slotID uint) (pkcs11.SlotInfo, error)
	GetTokenInfo(slotID uint) (pkcs11.TokenInfo, error)
	OpenSession(slotID uint, flags uint) (pkcs11.SessionHandle, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Login(sh pkcs11.SessionHandle, userType uint, pin string) error
	Logout(sh pkcs11.SessionHandle) error
	InitPIN(sh pkcs11.SessionHandle, pin string) error
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
}

// Config 控制 PKCS#11 驱动。
type Config struct {
	// ModulePath 为 PKCS#11 动态库路径，例如 /usr/lib/x86_64-linux-gnu/opensc-pkcs11.so。
	ModulePath string
	// TokenLabel 为签名令牌标签的子串，默认 "PIN2"。
	TokenLabel string
	Logger     *slog.Logger
}

// Driver 实现 card.Driver。
type Driver struct {
	cfg  Config
	load func(path string) (module, error)
}

var _ card.Driver = (*Driver)(nil)

// NewDriver 创建驱动；模块在每次 Open 时加载，在 Close 时卸载。
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.ModulePath == "" {
		return nil, errors.New("pkcs11: module path is required")
	}
	if cfg.TokenLabel == "" {
		cfg.TokenLabel = "PIN2"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{cfg: cfg, load: loadModule}, nil
}

func loadModule(path string) (module, error) {
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("pkcs11: failed to load module %s", path)
	}
	return p, nil
}

// Open 加载模块、选择槽位并打开会话；reader 匹配槽位描述。
func (d *Driver) Open(ctx context.Context, reader string) (card.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := d.load(d.cfg.ModulePath)
	if err != nil {
		return nil, card.NewError(card.ReasonReaderNotFound, err)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, card.NewError(card.ReasonReaderNotFound, fmt.Errorf("pkcs11: error initializing module: %w", err))
	}
	release := func() {
		_ = p.Finalize()
		p.Destroy()
	}

	slot, err := d.selectSlot(p, reader)
	if err != nil {
		release()
		return nil, err
	}
	session, err := p.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		release()
		return nil, mapError(err, -1)
	}
	d.cfg.Logger.Info("pkcs11 session opened", slog.Uint64("slot", uint64(slot)))
	return &token{
		mod:     p,
		slot:    slot,
		session: session,
		release: release,
	}, nil
}

func (d *Driver) selectSlot(p module, reader string) (uint, error) {
	all, err := p.GetSlotList(false)
	if err != nil {
		return 0, card.NewError(card.ReasonReaderNotFound, fmt.Errorf("pkcs11: error getting slots: %w", err))
	}
	if len(all) == 0 {
		return 0, card.NewError(card.ReasonReaderNotFound, errors.New("pkcs11: no slots"))
	}
	present, err := p.GetSlotList(true)
	if err != nil {
		return 0, card.NewError(card.ReasonCardNotPresent, err)
	}
	var candidates []uint
	for _, slot := range present {
		if reader != "" {
			info, err := p.GetSlotInfo(slot)
			if err != nil || !strings.Contains(info.SlotDescription, reader) {
				continue
			}
		}
		candidates = append(candidates, slot)
	}
	if len(candidates) == 0 {
		if reader != "" && !d.readerAttached(p, all, reader) {
			return 0, card.NewError(card.ReasonReaderNotFound, fmt.Errorf("reader %q not attached", reader))
		}
		return 0, card.NewError(card.ReasonCardNotPresent, errors.New("pkcs11: no token present"))
	}
	for _, slot := range candidates {
		info, err := p.GetTokenInfo(slot)
		if err == nil && strings.Contains(info.Label, d.cfg.TokenLabel) {
			return slot, nil
		}
	}
	return candidates[0], nil
}

func (d *Driver) readerAttached(p module, slots []uint, reader string) bool {
	for _, slot := range slots {
		info, err := p.GetSlotInfo(slot)
		if err == nil && strings.Contains(info.SlotDescription, reader) {
			return true
		}
	}
	return false
}

// token 是一个已打开的 PKCS#11 会话。
type token struct {
	mod     module
	slot    uint
	session pkcs11.SessionHandle
	release func()

	keyID     []byte
	publicKey any
	closeOnce sync.Once
	closeErr  error
}

var _ card.Token = (*token)(nil)

// Certificate 读取签名证书并记住其 CKA_ID 以定位私钥。
func (t *token) Certificate(ctx context.Context) (*x509.Certificate, error) {
	objs, err := t.find([]*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE)})
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, card.NewError(card.ReasonInvalidResponse, errors.New("pkcs11: signing certificate not found"))
	}
	attrs, err := t.mod.GetAttributeValue(t.session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
	})
	if err != nil {
		return nil, mapError(err, -1)
	}
	var der []byte
	for _, a := range attrs {
		switch a.Type {
		case pkcs11.CKA_VALUE:
			der = a.Value
		case pkcs11.CKA_ID:
			t.keyID = append([]byte(nil), a.Value...)
		}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, card.NewError(card.ReasonInvalidResponse, fmt.Errorf("parse signing certificate: %w", err))
	}
	t.publicKey = cert.PublicKey
	return cert, nil
}

// SignDigest 以 CKU_USER 登录后签名；ECDSA 返回原始 r||s。
func (t *token) SignDigest(ctx context.Context, pin2, digest []byte) ([]byte, error) {
	if t.publicKey == nil {
		if _, err := t.Certificate(ctx); err != nil {
			return nil, err
		}
	}
	// Login 只接受 string，无法清零该副本。
	if err := t.mod.Login(t.session, pkcs11.CKU_USER, string(pin2)); err != nil {
		return nil, mapError(err, t.retriesLeft())
	}
	defer func() { _ = t.mod.Logout(t.session) }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY)}
	if len(t.keyID) > 0 {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, t.keyID))
	}
	keys, err := t.find(template)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, card.NewError(card.ReasonInvalidResponse, errors.New("pkcs11: private key not found"))
	}

	mechanism, payload, err := mechanismFor(t.publicKey, digest)
	if err != nil {
		return nil, err
	}
	if err := t.mod.SignInit(t.session, []*pkcs11.Mechanism{mechanism}, keys[0]); err != nil {
		return nil, mapError(err, -1)
	}
	sig, err := t.mod.Sign(t.session, payload)
	if err != nil {
		return nil, mapError(err, -1)
	}
	return sig, nil
}

// UnblockPIN 以 CKU_SO（PUK）登录并 InitPIN。
func (t *token) UnblockPIN(ctx context.Context, puk, newPIN2 []byte) error {
	if err := t.mod.Login(t.session, pkcs11.CKU_SO, string(puk)); err != nil {
		return card.AsPUK(mapError(err, t.pukRetriesLeft()))
	}
	defer func() { _ = t.mod.Logout(t.session) }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.mod.InitPIN(t.session, string(newPIN2)); err != nil {
		return mapError(err, -1)
	}
	return nil
}

func (t *token) find(template []*pkcs11.Attribute) ([]pkcs11.ObjectHandle, error) {
	if err := t.mod.FindObjectsInit(t.session, template); err != nil {
		return nil, mapError(err, -1)
	}
	objs, _, err := t.mod.FindObjects(t.session, 10)
	if err != nil {
		_ = t.mod.FindObjectsFinal(t.session)
		return nil, mapError(err, -1)
	}
	if err := t.mod.FindObjectsFinal(t.session); err != nil {
		return nil, mapError(err, -1)
	}
	return objs, nil
}

// retriesLeft 由令牌标志推断 PIN 剩余次数，未知时为 -1。
func (t *token) retriesLeft() int {
	info, err := t.mod.GetTokenInfo(t.slot)
	if err != nil {
		return -1
	}
	switch {
	case info.Flags&pkcs11.CKF_USER_PIN_LOCKED != 0:
		return 0
	case info.Flags&pkcs11.CKF_USER_PIN_FINAL_TRY != 0:
		return 1
	case info.Flags&pkcs11.CKF_USER_PIN_COUNT_LOW != 0:
		return 2
	default:
		return -1
	}
}

// pukRetriesLeft 由 SO PIN 标志推断 PUK 剩余次数，未知时为 -1。
func (t *token) pukRetriesLeft() int {
	info, err := t.mod.GetTokenInfo(t.slot)
	if err != nil {
		return -1
	}
	switch {
	case info.Flags&pkcs11.CKF_SO_PIN_LOCKED != 0:
		return 0
	case info.Flags&pkcs11.CKF_SO_PIN_FINAL_TRY != 0:
		return 1
	case info.Flags&pkcs11.CKF_SO_PIN_COUNT_LOW != 0:
		return 2
	default:
		return -1
	}
}

// Close 关闭会话并卸载模块，重复调用无效。
func (t *token) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.mod.CloseSession(t.session)
		t.release()
	})
	return t.closeErr
}

// sha256DigestInfo 是 RSA PKCS#1 v1.5 签名中 SHA-256 的 DigestInfo 前缀。
var sha256DigestInfo = []byte{0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20}

func mechanismFor(pub any, digest []byte) (*pkcs11.Mechanism, []byte, error) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), digest, nil
	case *rsa.PublicKey:
		payload := make([]byte, 0, len(sha256DigestInfo)+len(digest))
		payload = append(payload, sha256DigestInfo...)
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), append(payload, digest...), nil
	default:
		return nil, nil, card.NewError(card.ReasonProtocolError, fmt.Errorf("pkcs11: unsupported public key %T", pub))
	}
}

// mapError 将 CKR_* 返回码映射为卡错误。
func mapError(err error, retriesLeft int) error {
	var rv pkcs11.Error
	if !errors.As(err, &rv) {
		return card.NewError(card.ReasonProtocolError, err)
	}
	switch rv {
	case pkcs11.CKR_PIN_INCORRECT:
		if retriesLeft == 0 {
			return card.WrongPIN(0)
		}
		return &card.Error{Reason: card.ReasonWrongPIN, RetriesLeft: retriesLeft, Err: err}
	case pkcs11.CKR_PIN_LOCKED:
		return &card.Error{Reason: card.ReasonPINLocked, RetriesLeft: 0, Err: err}
	case pkcs11.CKR_DEVICE_REMOVED, pkcs11.CKR_SESSION_HANDLE_INVALID, pkcs11.CKR_DEVICE_ERROR:
		return card.NewError(card.ReasonConnectionLost, err)
	case pkcs11.CKR_TOKEN_NOT_PRESENT, pkcs11.CKR_TOKEN_NOT_RECOGNIZED:
		return card.NewError(card.ReasonCardNotPresent, err)
	case pkcs11.CKR_FUNCTION_CANCELED:
		return faults.Wrap(faults.BackendCard, faults.CodeUserCancelled, err)
	default:
		return card.NewError(card.ReasonProtocolError, err)
	}
}
