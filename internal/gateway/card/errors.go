package card

import (
	"errors"
	"fmt"

	"github.com/aegis-sign/signflow/internal/app/faults"
)

// Reason 表示读卡器/智能卡的结构化失败原因。
type Reason string

const (
	ReasonWrongPIN        Reason = "WRONG_PIN"
	ReasonPINLocked       Reason = "PIN_LOCKED"
	ReasonWrongPUK        Reason = "WRONG_PUK"
	ReasonPUKLocked       Reason = "PUK_LOCKED"
	ReasonWrongCAN        Reason = "WRONG_CAN"
	ReasonTagLost         Reason = "TAG_LOST"
	ReasonConnectionLost  Reason = "CONNECTION_LOST"
	ReasonProtocolError   Reason = "PROTOCOL_ERROR"
	ReasonReaderNotFound  Reason = "READER_NOT_FOUND"
	ReasonCardNotPresent  Reason = "CARD_NOT_PRESENT"
	ReasonInvalidResponse Reason = "INVALID_RESPONSE"
)

// Error 是令牌驱动返回的结构化错误；RetriesLeft 仅对 PIN/PUK 类原因有意义，-1 表示未知。
type Error struct {
	Reason      Reason
	RetriesLeft int
	Err         error
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Reason.carriesRetries() {
		msg = fmt.Sprintf("%s (retries left %d)", msg, e.RetriesLeft)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造不带重试次数的错误。
func NewError(reason Reason, err error) *Error {
	return &Error{Reason: reason, RetriesLeft: -1, Err: err}
}

// WrongPIN 构造 PIN 错误；剩余 0 次时为 PIN_LOCKED。
func WrongPIN(retriesLeft int) *Error {
	if retriesLeft == 0 {
		return &Error{Reason: ReasonPINLocked, RetriesLeft: 0}
	}
	return &Error{Reason: ReasonWrongPIN, RetriesLeft: retriesLeft}
}

func (r Reason) carriesRetries() bool {
	switch r {
	case ReasonWrongPIN, ReasonPINLocked, ReasonWrongPUK, ReasonPUKLocked:
		return true
	default:
		return false
	}
}

// WrongPUK 构造 PUK 错误；剩余 0 次时为 PUK_LOCKED。
func WrongPUK(retriesLeft int) *Error {
	if retriesLeft == 0 {
		return &Error{Reason: ReasonPUKLocked, RetriesLeft: 0}
	}
	return &Error{Reason: ReasonWrongPUK, RetriesLeft: retriesLeft}
}

// AsPUK 将 PUK 校验时驱动报告的 PIN 类错误改写为 PUK 原因，其他错误原样返回。
func AsPUK(err error) error {
	var cardErr *Error
	if !errors.As(err, &cardErr) {
		return err
	}
	switch cardErr.Reason {
	case ReasonWrongPIN:
		return &Error{Reason: ReasonWrongPUK, RetriesLeft: cardErr.RetriesLeft, Err: cardErr.Err}
	case ReasonPINLocked:
		return &Error{Reason: ReasonPUKLocked, RetriesLeft: 0, Err: cardErr.Err}
	default:
		return err
	}
}

// toFault 将驱动错误转换为卡后端终止码。
func toFault(err error) error {
	var fault *faults.Fault
	if errors.As(err, &fault) {
		return err
	}
	var cardErr *Error
	if errors.As(err, &cardErr) {
		f := faults.Wrap(faults.BackendCard, faults.Code(cardErr.Reason), err)
		if cardErr.Reason.carriesRetries() {
			f.RetriesLeft = cardErr.RetriesLeft
		}
		return f
	}
	return err
}
