// Package pcsc 通过 pcscd 以 APDU 驱动接触式与非接触式签名卡。
package pcsc

import (
	"errors"
	"fmt"

	"github.com/aegis-sign/signflow/internal/gateway/card"
)

const (
	claISO7816 = 0x00

	insSelect            = 0xA4
	insReadBinary        = 0xB0
	insVerify            = 0x20
	insResetRetryCounter = 0x2C
	insManageSecurityEnv = 0x22
	insPerformSecurityOp = 0x2A
	insGetResponse       = 0xC0
	sw1GetResponse       = 0x61
	sw1WrongLength       = 0x6C
	sw1WarningEndOfFile  = 0x62
	sw1VerifyFailed      = 0x63
)

// commandAPDU 是短格式命令 APDU；Le 为 0 且 expectData 时表示最多 256 字节。
type commandAPDU struct {
	Cla, Ins, P1, P2 byte
	Data             []byte
	Le               byte
	expectData       bool
}

func (c *commandAPDU) serialize() ([]byte, error) {
	if len(c.Data) > 255 {
		return nil, fmt.Errorf("apdu data too long: %d bytes", len(c.Data))
	}
	out := make([]byte, 0, 5+len(c.Data)+1)
	out = append(out, c.Cla, c.Ins, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.expectData {
		out = append(out, c.Le)
	}
	return out, nil
}

// responseAPDU 是响应数据与状态字。
type responseAPDU struct {
	Data     []byte
	Sw1, Sw2 byte
}

func (r *responseAPDU) deserialize(raw []byte) error {
	if len(raw) < 2 {
		return card.NewError(card.ReasonInvalidResponse, fmt.Errorf("response too short: %d bytes", len(raw)))
	}
	r.Data = append([]byte(nil), raw[:len(raw)-2]...)
	r.Sw1 = raw[len(raw)-2]
	r.Sw2 = raw[len(raw)-1]
	return nil
}

func (r *responseAPDU) sw() uint16 { return uint16(r.Sw1)<<8 | uint16(r.Sw2) }

// transmitter 是 pcsclite.Card 的最小子集。
type transmitter interface {
	Transmit(apdu []byte) ([]byte, error)
}

// errTransport 标记读卡器链路错误，由调用方映射为 CONNECTION_LOST 或 TAG_LOST。
var errTransport = errors.New("reader transport failed")

// transmit 发送命令并处理 61xx 续读与 6Cxx 长度重发，返回拼接后的数据。
func transmit(c transmitter, command *commandAPDU) (*responseAPDU, error) {
	var collected []byte
	for {
		data, err := command.serialize()
		if err != nil {
			return nil, err
		}
		raw, err := c.Transmit(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errTransport, err)
		}
		response := new(responseAPDU)
		if err := response.deserialize(raw); err != nil {
			return nil, err
		}
		collected = append(collected, response.Data...)

		switch {
		case response.Sw1 == sw1GetResponse:
			command = &commandAPDU{Cla: claISO7816, Ins: insGetResponse, Le: response.Sw2, expectData: true}
			continue
		case response.Sw1 == sw1WrongLength && !(command.expectData && command.Le == response.Sw2):
			retry := *command
			retry.Le = response.Sw2
			retry.expectData = true
			command = &retry
			continue
		}
		response.Data = collected
		return response, nil
	}
}

// statusError 将非 9000 状态字转换为结构化卡错误。
func statusError(command *commandAPDU, r *responseAPDU) error {
	sw := r.sw()
	switch {
	case sw == 0x9000:
		return nil
	case r.Sw1 == sw1VerifyFailed && r.Sw2&0xF0 == 0xC0:
		return card.WrongPIN(int(r.Sw2 & 0x0F))
	case sw == 0x6983:
		return card.WrongPIN(0)
	default:
		return card.NewError(card.ReasonProtocolError,
			fmt.Errorf("unexpected status Cla=0x%02x, Ins=0x%02x, Sw=0x%04x", command.Cla, command.Ins, sw))
	}
}

// exchange 发送命令并要求 9000。
func exchange(c transmitter, command *commandAPDU) ([]byte, error) {
	response, err := transmit(c, command)
	if err != nil {
		return nil, err
	}
	if err := statusError(command, response); err != nil {
		return nil, err
	}
	return response.Data, nil
}
