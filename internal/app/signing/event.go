package signing

import (
	"context"

	"github.com/aegis-sign/signflow/internal/app/container"
)

// Method 表示签名方式。
type Method string

const (
	MethodMobileID    Method = "mobile_id"
	MethodSmartID     Method = "smart_id"
	MethodCardContact Method = "card_contact"
	MethodCardNFC     Method = "card_nfc"
)

// Valid 判断是否为已知签名方式。
func (m Method) Valid() bool {
	switch m {
	case MethodMobileID, MethodSmartID, MethodCardContact, MethodCardNFC:
		return true
	default:
		return false
	}
}

// EventKind 是适配器事件的标签。
type EventKind string

const (
	EventChallengeIssued          EventKind = "CHALLENGE_ISSUED"
	EventDeviceSelectionRequested EventKind = "DEVICE_SELECTION_REQUESTED"
	EventProofReceived            EventKind = "PROOF_RECEIVED"
	EventFaulted                  EventKind = "FAULTED"
	EventCancelled                EventKind = "CANCELLED"
)

// Event 是适配器发出的事件；ProofReceived/Faulted/Cancelled 为终止事件，之后通道关闭。
type Event struct {
	Kind      EventKind
	Challenge string
	Signature []byte
	Err       error
}

// Terminal 判断是否为终止事件。
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventProofReceived, EventFaulted, EventCancelled:
		return true
	default:
		return false
	}
}

// ChallengeIssued 构造挑战码事件。
func ChallengeIssued(code string) Event {
	return Event{Kind: EventChallengeIssued, Challenge: code}
}

// DeviceSelectionRequested 构造设备选择事件。
func DeviceSelectionRequested() Event {
	return Event{Kind: EventDeviceSelectionRequested}
}

// ProofReceived 构造签名值事件。
func ProofReceived(signature []byte) Event {
	return Event{Kind: EventProofReceived, Signature: signature}
}

// Faulted 构造故障事件。
func Faulted(err error) Event {
	return Event{Kind: EventFaulted, Err: err}
}

// Cancelled 构造取消事件。
func Cancelled() Event {
	return Event{Kind: EventCancelled}
}

// Request 是分派给适配器的签名请求。
type Request struct {
	SessionID   string
	Method      Method
	Document    *container.Document
	Role        *container.RoleData
	Credentials *Credentials
}

// Adapter 是一种签名后端的统一接口：同步校验 + 有限且不可重启的事件流。
type Adapter interface {
	// Validate 在任何副作用之前校验输入，失败返回 INVALID_CREDENTIALS。
	Validate(req *Request) error
	// Start 启动后台流程；事件流以一个终止事件结束并关闭。
	Start(ctx context.Context, req *Request) (<-chan Event, error)
}

// Emitter 帮助适配器向事件通道写入事件并保证只发送一次终止事件。
type Emitter struct {
	ch       chan Event
	finished bool
}

// NewEmitter 创建带缓冲的事件通道。
func NewEmitter() *Emitter {
	return &Emitter{ch: make(chan Event, 8)}
}

// Events 返回只读通道。
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit 写入非终止事件。
func (e *Emitter) Emit(ev Event) {
	if e.finished {
		return
	}
	e.ch <- ev
}

// Finish 写入终止事件并关闭通道，重复调用无效。
func (e *Emitter) Finish(ev Event) {
	if e.finished {
		return
	}
	e.finished = true
	e.ch <- ev
	close(e.ch)
}

// Close 未发送终止事件时直接关闭通道。
func (e *Emitter) Close() {
	if e.finished {
		return
	}
	e.finished = true
	close(e.ch)
}
