package pcsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	pcsclite "github.com/gballet/go-libpcsclite"

	"github.com/aegis-sign/signflow/internal/gateway/card"
)

// Config 控制 PC/SC 驱动。
type Config struct {
	// SocketPath 为 pcscd 套接字路径，默认 pcsclite.PCSCDSockName。
	SocketPath string
	Profile    Profile
	Logger     *slog.Logger
}

func (c *Config) normalize() Config {
	out := *c
	if out.SocketPath == "" {
		out.SocketPath = pcsclite.PCSCDSockName
	}
	if len(out.Profile.AID) == 0 {
		out.Profile = DefaultProfile()
	}
	if out.Profile.PINBlockLen <= 0 {
		out.Profile.PINBlockLen = 12
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// session 是 pcscd 上下文的最小子集。
type session interface {
	ListReaders() ([]string, error)
	Connect(reader string) (connection, error)
	Release() error
}

type connection interface {
	transmitter
	// Disconnect 断开并给卡断电。
	Disconnect() error
}

// Driver 通过 pcscd 打开签名卡，实现 card.Driver。
type Driver struct {
	cfg       Config
	establish func(path string) (session, error)
}

var _ card.Driver = (*Driver)(nil)

// NewDriver 创建连接系统 pcscd 的驱动。
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg.normalize(), establish: establishLite}
}

// Open 连接指定读卡器（为空时取第一个）并以独占模式打开卡片。
func (d *Driver) Open(ctx context.Context, reader string) (card.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess, err := d.establish(d.cfg.SocketPath)
	if err != nil {
		return nil, card.NewError(card.ReasonReaderNotFound, fmt.Errorf("establish pcsc context: %w", err))
	}
	readers, err := sess.ListReaders()
	if err != nil || len(readers) == 0 {
		_ = sess.Release()
		if err == nil {
			err = errors.New("no readers attached")
		}
		return nil, card.NewError(card.ReasonReaderNotFound, err)
	}
	name := readers[0]
	if reader != "" {
		if !slices.Contains(readers, reader) {
			_ = sess.Release()
			return nil, card.NewError(card.ReasonReaderNotFound, fmt.Errorf("reader %q not attached", reader))
		}
		name = reader
	}
	conn, err := sess.Connect(name)
	if err != nil {
		_ = sess.Release()
		if cardAbsent(err) {
			return nil, card.NewError(card.ReasonCardNotPresent, err)
		}
		return nil, card.NewError(card.ReasonConnectionLost, err)
	}
	d.cfg.Logger.Info("card connected", slog.String("reader", name))
	return &apduToken{
		conn:        conn,
		profile:     d.cfg.Profile,
		contactless: Contactless(name),
		closeFn: func() error {
			return errors.Join(conn.Disconnect(), sess.Release())
		},
	}, nil
}

// Contactless 按读卡器名称判断是否为非接触接口。
func Contactless(reader string) bool {
	name := strings.ToLower(reader)
	return strings.Contains(name, "contactless") || strings.Contains(name, "picc") || strings.Contains(name, " cl ")
}

// cardAbsent 识别 pcscd 的无卡与卡已移除返回码；pcsclite 仅以文本形式暴露。
func cardAbsent(err error) bool {
	msg := err.Error()
	for _, code := range []pcsclite.ErrorCode{pcsclite.ErrSCardNoSmartCard, pcsclite.ErrSCardRemovedCard} {
		if strings.Contains(msg, code.Error().Error()) || strings.Contains(msg, fmt.Sprintf("%x", code.Code())) {
			return true
		}
	}
	return false
}

type liteSession struct{ client *pcsclite.Client }

func establishLite(path string) (session, error) {
	client, err := pcsclite.EstablishContext(path, pcsclite.ScopeSystem)
	if err != nil {
		return nil, err
	}
	return &liteSession{client: client}, nil
}

func (s *liteSession) ListReaders() ([]string, error) { return s.client.ListReaders() }

func (s *liteSession) Connect(reader string) (connection, error) {
	c, err := s.client.Connect(reader, pcsclite.ShareExclusive, pcsclite.ProtocolAny)
	if err != nil {
		return nil, err
	}
	return &liteCard{card: c}, nil
}

func (s *liteSession) Release() error { return s.client.ReleaseContext() }

type liteCard struct{ card *pcsclite.Card }

func (c *liteCard) Transmit(apdu []byte) ([]byte, error) {
	resp, _, err := c.card.Transmit(apdu)
	return resp, err
}

func (c *liteCard) Disconnect() error { return c.card.Disconnect(pcsclite.UnpowerCard) }
