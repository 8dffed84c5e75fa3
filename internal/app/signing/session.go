package signing

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-sign/signflow/pkg/apierrors"
)

// Status 表示会话状态机的状态。
type Status string

const (
	StatusIdle          Status = "IDLE"
	StatusPreparing     Status = "PREPARING"
	StatusAwaitingProof Status = "AWAITING_PROOF"
	StatusFinalizing    Status = "FINALIZING"
	StatusCommitted     Status = "COMMITTED"
	StatusCancelled     Status = "CANCELLED"
	StatusFailed        Status = "FAILED"
)

func (s Status) String() string { return string(s) }

// Terminal 判断是否为终止状态。
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusCancelled || s == StatusFailed
}

// InFlight 判断会话是否占用容器。
func (s Status) InFlight() bool {
	return s == StatusPreparing || s == StatusAwaitingProof || s == StatusFinalizing
}

var transitions = map[Status][]Status{
	StatusIdle:          {StatusPreparing},
	StatusPreparing:     {StatusAwaitingProof, StatusCancelled, StatusFailed},
	StatusAwaitingProof: {StatusFinalizing, StatusCancelled, StatusFailed},
	StatusFinalizing:    {StatusCommitted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Snapshot 是会话在某一时刻的可观察状态。
type Snapshot struct {
	SessionID       string
	ContainerID     string
	Method          Method
	Status          Status
	Challenge       string
	DeviceSelection bool
	Error           *apierrors.Error
	SignatureID     string
	StartedAt       time.Time
	UpdatedAt       time.Time
}

// Session 是一次签名尝试；状态变化通过 Subscribe 观察。
type Session struct {
	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]chan Snapshot
	nextID int

	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

func newSession(id, containerID string, method Method, now time.Time) *Session {
	return &Session{
		snap: Snapshot{
			SessionID:   id,
			ContainerID: containerID,
			Method:      method,
			Status:      StatusIdle,
			StartedAt:   now,
			UpdatedAt:   now,
		},
		subs: make(map[int]chan Snapshot),
		done: make(chan struct{}),
	}
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.snap.SessionID }

// ContainerID 返回容器 ID。
func (s *Session) ContainerID() string { return s.snap.ContainerID }

// Snapshot 返回当前状态。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Done 在会话进入终止状态后关闭。
func (s *Session) Done() <-chan struct{} { return s.done }

// Subscribe 立即推送当前状态，之后推送每次变化；终止状态推送后通道关闭。
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, 16)
	ch <- s.snap
	if s.snap.Status.Terminal() {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// update 在锁内修改快照并广播，返回修改后的快照。
func (s *Session) update(now time.Time, fn func(*Snapshot) bool) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Status.Terminal() {
		return s.snap, false
	}
	if !fn(&s.snap) {
		return s.snap, false
	}
	s.snap.UpdatedAt = now
	s.broadcastLocked()
	if s.snap.Status.Terminal() {
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		close(s.done)
	}
	return s.snap, true
}

func (s *Session) transition(now time.Time, to Status, mutate func(*Snapshot)) (Snapshot, bool) {
	return s.update(now, func(snap *Snapshot) bool {
		if !canTransition(snap.Status, to) {
			return false
		}
		snap.Status = to
		if mutate != nil {
			mutate(snap)
		}
		return true
	})
}

func (s *Session) broadcastLocked() {
	for _, ch := range s.subs {
		select {
		case ch <- s.snap:
		default:
			// 订阅者跟不上时丢弃最旧的一条，保证最新状态可达。
			select {
			case <-ch:
			default:
			}
			ch <- s.snap
		}
	}
}

// requestCancel 在 FINALIZING 之前取消适配器；FINALIZING 期间忽略。
func (s *Session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.snap.Status {
	case StatusPreparing, StatusAwaitingProof:
		s.cancelRequested = true
		if s.cancel != nil {
			s.cancel()
		}
		return true
	default:
		return false
	}
}

func (s *Session) isCancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

// setCancel 登记适配器上下文的取消函数；PREPARING 期间已请求取消时立即取消。
func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.cancelRequested {
		cancel()
	}
}
