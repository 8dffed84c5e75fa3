package pkcs11token

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/miekg/pkcs11"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/gateway/card"
	"github.com/aegis-sign/signflow/internal/testutil/pki"
)

const (
	certHandle pkcs11.ObjectHandle = 1
	keyHandle  pkcs11.ObjectHandle = 2
)

// fakeModule 模拟带一张签名卡的 PKCS#11 模块。
type fakeModule struct {
	t        *testing.T
	identity *pki.Identity

	slots     []uint
	present   []uint
	labels    map[uint]string
	readers   map[uint]string
	pin       string
	puk       string
	flags     uint
	loginErr  error
	signErr   error
	loggedIn  uint
	findClass uint
	findID    []byte

	finalized  int
	destroyed  int
	closed     int
	lastPINSet string
	signed     []byte
}

func newFakeModule(t *testing.T) *fakeModule {
	return &fakeModule{
		t:        t,
		identity: pki.NewAuthority(t).Issue(t, "pkcs11 signer", ""),
		slots:    []uint{0, 1},
		present:  []uint{0, 1},
		labels:   map[uint]string{0: "ESTEID (PIN1)", 1: "ESTEID (PIN2)"},
		readers:  map[uint]string{0: "ACS ACR39U 00 00", 1: "ACS ACR39U 00 00"},
		pin:      "12345",
		puk:      "12345678",
		loggedIn: ^uint(0),
	}
}

func (m *fakeModule) Initialize() error { return nil }
func (m *fakeModule) Finalize() error   { m.finalized++; return nil }
func (m *fakeModule) Destroy()          { m.destroyed++ }

func (m *fakeModule) GetSlotList(tokenPresent bool) ([]uint, error) {
	if tokenPresent {
		return m.present, nil
	}
	return m.slots, nil
}

func (m *fakeModule) GetSlotInfo(slot uint) (pkcs11.SlotInfo, error) {
	return pkcs11.SlotInfo{SlotDescription: m.readers[slot]}, nil
}

func (m *fakeModule) GetTokenInfo(slot uint) (pkcs11.TokenInfo, error) {
	return pkcs11.TokenInfo{Label: m.labels[slot], Flags: m.flags}, nil
}

func (m *fakeModule) OpenSession(slot uint, flags uint) (pkcs11.SessionHandle, error) {
	require.NotZero(m.t, flags&pkcs11.CKF_SERIAL_SESSION)
	return pkcs11.SessionHandle(100 + slot), nil
}

func (m *fakeModule) CloseSession(pkcs11.SessionHandle) error { m.closed++; return nil }

func (m *fakeModule) Login(_ pkcs11.SessionHandle, userType uint, pin string) error {
	if m.loginErr != nil {
		return m.loginErr
	}
	want := m.pin
	if userType == pkcs11.CKU_SO {
		want = m.puk
	}
	if pin != want {
		return pkcs11.Error(pkcs11.CKR_PIN_INCORRECT)
	}
	m.loggedIn = userType
	return nil
}

func (m *fakeModule) Logout(pkcs11.SessionHandle) error {
	m.loggedIn = ^uint(0)
	return nil
}

func (m *fakeModule) InitPIN(_ pkcs11.SessionHandle, pin string) error {
	if m.loggedIn != pkcs11.CKU_SO {
		return pkcs11.Error(pkcs11.CKR_USER_NOT_LOGGED_IN)
	}
	m.pin = pin
	m.lastPINSet = pin
	return nil
}

func (m *fakeModule) FindObjectsInit(_ pkcs11.SessionHandle, temp []*pkcs11.Attribute) error {
	m.findClass, m.findID = 0, nil
	for _, a := range temp {
		switch a.Type {
		case pkcs11.CKA_CLASS:
			m.findClass = uint(a.Value[0])
		case pkcs11.CKA_ID:
			m.findID = a.Value
		}
	}
	return nil
}

func (m *fakeModule) FindObjects(pkcs11.SessionHandle, int) ([]pkcs11.ObjectHandle, bool, error) {
	switch m.findClass {
	case pkcs11.CKO_CERTIFICATE:
		return []pkcs11.ObjectHandle{certHandle}, false, nil
	case pkcs11.CKO_PRIVATE_KEY:
		if m.loggedIn != pkcs11.CKU_USER {
			return nil, false, nil
		}
		if m.findID != nil && !bytes.Equal(m.findID, []byte{0x01}) {
			return nil, false, nil
		}
		return []pkcs11.ObjectHandle{keyHandle}, false, nil
	}
	return nil, false, nil
}

func (m *fakeModule) FindObjectsFinal(pkcs11.SessionHandle) error { return nil }

func (m *fakeModule) GetAttributeValue(_ pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error) {
	require.Equal(m.t, certHandle, o)
	out := make([]*pkcs11.Attribute, 0, len(a))
	for _, attr := range a {
		switch attr.Type {
		case pkcs11.CKA_VALUE:
			out = append(out, pkcs11.NewAttribute(pkcs11.CKA_VALUE, m.identity.Cert.Raw))
		case pkcs11.CKA_ID:
			out = append(out, pkcs11.NewAttribute(pkcs11.CKA_ID, []byte{0x01}))
		}
	}
	return out, nil
}

func (m *fakeModule) SignInit(_ pkcs11.SessionHandle, mech []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error {
	require.Len(m.t, mech, 1)
	require.Equal(m.t, uint(pkcs11.CKM_ECDSA), mech[0].Mechanism)
	require.Equal(m.t, keyHandle, o)
	return nil
}

func (m *fakeModule) Sign(_ pkcs11.SessionHandle, message []byte) ([]byte, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}
	m.signed = append([]byte(nil), message...)
	return m.identity.SignDigest(message), nil
}

func newTestDriver(t *testing.T, m *fakeModule) *Driver {
	t.Helper()
	d, err := NewDriver(Config{ModulePath: "/usr/lib/opensc-pkcs11.so"})
	require.NoError(t, err)
	d.load = func(string) (module, error) { return m, nil }
	return d
}

func cardReason(t *testing.T, err error) *card.Error {
	t.Helper()
	var cardErr *card.Error
	require.ErrorAs(t, err, &cardErr)
	return cardErr
}

func TestOpenPrefersSigningToken(t *testing.T) {
	m := newFakeModule(t)
	tok, err := newTestDriver(t, m).Open(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, uint(1), tok.(*token).slot)

	require.NoError(t, tok.Close())
	require.NoError(t, tok.Close())
	require.Equal(t, 1, m.closed)
	require.Equal(t, 1, m.finalized)
	require.Equal(t, 1, m.destroyed)
}

func TestSignDigestProducesVerifiableSignature(t *testing.T) {
	m := newFakeModule(t)
	tok, err := newTestDriver(t, m).Open(context.Background(), "ACS ACR39U")
	require.NoError(t, err)
	defer tok.Close()

	cert, err := tok.Certificate(context.Background())
	require.NoError(t, err)
	require.Equal(t, m.identity.Cert.Raw, cert.Raw)

	digest := bytes.Repeat([]byte{0x5A}, 32)
	sig, err := tok.SignDigest(context.Background(), []byte("12345"), digest)
	require.NoError(t, err)
	require.Equal(t, digest, m.signed)
	require.True(t, m.identity.VerifyDigest(digest, sig))
	require.Equal(t, ^uint(0), m.loggedIn)
}

func TestWrongPINRetriesFromTokenFlags(t *testing.T) {
	cases := []struct {
		flags   uint
		reason  card.Reason
		retries int
	}{
		{flags: 0, reason: card.ReasonWrongPIN, retries: -1},
		{flags: pkcs11.CKF_USER_PIN_COUNT_LOW, reason: card.ReasonWrongPIN, retries: 2},
		{flags: pkcs11.CKF_USER_PIN_FINAL_TRY, reason: card.ReasonWrongPIN, retries: 1},
		{flags: pkcs11.CKF_USER_PIN_LOCKED, reason: card.ReasonPINLocked, retries: 0},
	}
	for _, tc := range cases {
		m := newFakeModule(t)
		m.flags = tc.flags
		tok, err := newTestDriver(t, m).Open(context.Background(), "")
		require.NoError(t, err)
		_, err = tok.SignDigest(context.Background(), []byte("99999"), make([]byte, 32))
		cardErr := cardReason(t, err)
		require.Equal(t, tc.reason, cardErr.Reason)
		require.Equal(t, tc.retries, cardErr.RetriesLeft)
		require.NoError(t, tok.Close())
	}
}

func TestLockedPINReturnCode(t *testing.T) {
	m := newFakeModule(t)
	m.loginErr = pkcs11.Error(pkcs11.CKR_PIN_LOCKED)
	tok, err := newTestDriver(t, m).Open(context.Background(), "")
	require.NoError(t, err)
	_, err = tok.SignDigest(context.Background(), []byte("12345"), make([]byte, 32))
	cardErr := cardReason(t, err)
	require.Equal(t, card.ReasonPINLocked, cardErr.Reason)
	require.Equal(t, 0, cardErr.RetriesLeft)
}

func TestUnblockPINWithPUK(t *testing.T) {
	m := newFakeModule(t)
	tok, err := newTestDriver(t, m).Open(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, tok.UnblockPIN(context.Background(), []byte("12345678"), []byte("24680")))
	require.Equal(t, "24680", m.lastPINSet)
	_, err = tok.SignDigest(context.Background(), []byte("24680"), make([]byte, 32))
	require.NoError(t, err)

	err = tok.UnblockPIN(context.Background(), []byte("00000000"), []byte("13579"))
	require.Equal(t, card.ReasonWrongPUK, cardReason(t, err).Reason)

	m.flags = pkcs11.CKF_SO_PIN_FINAL_TRY
	err = tok.UnblockPIN(context.Background(), []byte("00000000"), []byte("13579"))
	pukErr := cardReason(t, err)
	require.Equal(t, card.ReasonWrongPUK, pukErr.Reason)
	require.Equal(t, 1, pukErr.RetriesLeft)

	m.flags = pkcs11.CKF_SO_PIN_LOCKED
	err = tok.UnblockPIN(context.Background(), []byte("00000000"), []byte("13579"))
	require.Equal(t, card.ReasonPUKLocked, cardReason(t, err).Reason)
}

func TestOpenFailures(t *testing.T) {
	m := newFakeModule(t)
	m.slots, m.present = nil, nil
	_, err := newTestDriver(t, m).Open(context.Background(), "")
	require.Equal(t, card.ReasonReaderNotFound, cardReason(t, err).Reason)
	require.Equal(t, 1, m.destroyed)

	m = newFakeModule(t)
	m.present = nil
	_, err = newTestDriver(t, m).Open(context.Background(), "")
	require.Equal(t, card.ReasonCardNotPresent, cardReason(t, err).Reason)

	m = newFakeModule(t)
	_, err = newTestDriver(t, m).Open(context.Background(), "Gemalto")
	require.Equal(t, card.ReasonReaderNotFound, cardReason(t, err).Reason)

	d, err := NewDriver(Config{ModulePath: "/nonexistent.so"})
	require.NoError(t, err)
	d.load = func(string) (module, error) { return nil, errors.New("pkcs11: failed to load module") }
	_, err = d.Open(context.Background(), "")
	require.Equal(t, card.ReasonReaderNotFound, cardReason(t, err).Reason)
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err  error
		want card.Reason
	}{
		{err: pkcs11.Error(pkcs11.CKR_DEVICE_REMOVED), want: card.ReasonConnectionLost},
		{err: pkcs11.Error(pkcs11.CKR_TOKEN_NOT_PRESENT), want: card.ReasonCardNotPresent},
		{err: pkcs11.Error(pkcs11.CKR_GENERAL_ERROR), want: card.ReasonProtocolError},
		{err: errors.New("opaque"), want: card.ReasonProtocolError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, cardReason(t, mapError(tc.err, -1)).Reason)
	}

	var fault *faults.Fault
	require.ErrorAs(t, mapError(pkcs11.Error(pkcs11.CKR_FUNCTION_CANCELED), -1), &fault)
	require.Equal(t, faults.CodeUserCancelled, fault.Code)
}

func TestNewDriverRequiresModule(t *testing.T) {
	_, err := NewDriver(Config{})
	require.Error(t, err)
}
