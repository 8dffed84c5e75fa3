package signing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/infra/containerstore"
	"github.com/aegis-sign/signflow/internal/testutil/pki"
	"github.com/aegis-sign/signflow/pkg/apierrors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type scriptFunc func(ctx context.Context, req *Request, em *Emitter)

// scriptAdapter 按脚本驱动事件流，用于测试控制器。
type scriptAdapter struct {
	validateErr error
	startErr    error
	script      scriptFunc
	started     atomic.Int32
	lastReq     atomic.Pointer[Request]
}

func (a *scriptAdapter) Validate(req *Request) error { return a.validateErr }

func (a *scriptAdapter) Start(ctx context.Context, req *Request) (<-chan Event, error) {
	a.started.Add(1)
	a.lastReq.Store(req)
	if a.startErr != nil {
		return nil, a.startErr
	}
	em := NewEmitter()
	go a.script(ctx, req, em)
	return em.Events(), nil
}

type recorderStub struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorderStub) Record(_ context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recorderStub) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type harness struct {
	store    *containerstore.Store
	ctrl     *Controller
	metrics  *Metrics
	recorder *recorderStub
	identity *pki.Identity
}

func newHarness(t *testing.T, adapters map[Method]Adapter) *harness {
	t.Helper()
	store, err := containerstore.Open(containerstore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateContainer(context.Background(), "doc-1", []containerstore.FileContent{
		{Name: "contract.pdf", Content: []byte("%PDF-1.7 contract")},
	}))
	require.NoError(t, store.CreateContainer(context.Background(), "empty", nil))

	metrics := NewMetrics(prometheus.NewRegistry())
	rec := &recorderStub{}
	ctrl, err := NewController(Config{
		Container:       store,
		Adapters:        adapters,
		Recorder:        rec,
		Metrics:         metrics,
		FinalizeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	return &harness{
		store:    store,
		ctrl:     ctrl,
		metrics:  metrics,
		recorder: rec,
		identity: pki.NewAuthority(t).Issue(t, "signer", ""),
	}
}

// signScript 在容器中准备签名并返回有效签名值。
func signScript(store container.Container, id *pki.Identity, before func(ctx context.Context, em *Emitter) bool) scriptFunc {
	return func(ctx context.Context, req *Request, em *Emitter) {
		dataToSign, err := store.PrepareSignature(ctx, req.Document, id.Cert, req.Role)
		if err != nil {
			em.Finish(Faulted(err))
			return
		}
		em.Emit(ChallengeIssued("1234"))
		if before != nil && !before(ctx, em) {
			return
		}
		em.Finish(ProofReceived(id.SignData(dataToSign)))
	}
}

func waitTerminal(t *testing.T, sess *Session) Snapshot {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not terminate", sess.ID())
	}
	return sess.Snapshot()
}

// prepared 返回容器的待签文档，用于直接制造待定签名。
func prepared(t *testing.T, c container.Container, containerID string) *container.Document {
	t.Helper()
	doc, err := container.NewPreparer(c).Prepare(context.Background(), containerID)
	require.NoError(t, err)
	return doc
}

func pin(s string) []byte { return []byte(s) }

func TestCommitAddsExactlyOneSignature(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	adapter.script = signScript(h.store, h.identity, nil)

	creds := &Credentials{PIN2: pin("12345")}
	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: creds})
	require.NoError(t, err)

	snap := waitTerminal(t, sess)
	require.Equal(t, StatusCommitted, snap.Status)
	require.Nil(t, snap.Error)
	require.NotEmpty(t, snap.SignatureID)
	require.Equal(t, "1234", snap.Challenge)

	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Pending)
	require.Equal(t, snap.SignatureID, records[0].ID)
	require.True(t, records[0].Status.Acceptable())
	require.True(t, creds.Wiped())

	_, busy := h.ctrl.Active("doc-1")
	require.False(t, busy)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.finished.WithLabelValues("card_contact", "COMMITTED", "unknown")))

	outcomes := h.recorder.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusCommitted, outcomes[0].Status)
	require.Equal(t, snap.SignatureID, outcomes[0].SignatureID)
}

func TestFaultRollsBackPendingSignature(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodMobileID: adapter})
	adapter.script = func(ctx context.Context, req *Request, em *Emitter) {
		_, err := h.store.PrepareSignature(ctx, req.Document, h.identity.Cert, nil)
		require.NoError(t, err)
		em.Finish(Faulted(faults.New(faults.BackendMobileID, faults.CodeNotMIDClient)))
	}

	creds := &Credentials{PhoneNumber: "+37200000766", PersonalCode: "60001019906"}
	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodMobileID, Credentials: creds})
	require.NoError(t, err)

	snap := waitTerminal(t, sess)
	require.Equal(t, StatusFailed, snap.Status)
	require.Equal(t, apierrors.CodeAccountNotFound, snap.Error.Code)
	require.Equal(t, string(faults.CodeNotMIDClient), snap.Error.Fault)

	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.faults.WithLabelValues("mobile_id", "NOT_MID_CLIENT")))
}

func TestCancelDuringAwaitingProof(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodSmartID: adapter})
	adapter.script = signScript(h.store, h.identity, func(ctx context.Context, em *Emitter) bool {
		<-ctx.Done()
		em.Finish(Cancelled())
		return false
	})

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.Snapshot().Challenge == "1234" }, 2*time.Second, 10*time.Millisecond)

	accepted, err := h.ctrl.Cancel(sess.ID())
	require.NoError(t, err)
	require.True(t, accepted)

	snap := waitTerminal(t, sess)
	require.Equal(t, StatusCancelled, snap.Status)
	require.Equal(t, apierrors.CodeUserCancelled, snap.Error.Code)

	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
}

// gatedContainer 在 DataFiles 上阻塞，使会话停留在 PREPARING。
type gatedContainer struct {
	container.Container
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedContainer) DataFiles(ctx context.Context, containerID string) ([]container.DataFile, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Container.DataFiles(ctx, containerID)
}

func TestCancelDuringPreparingSkipsDispatch(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodMobileID: adapter})
	adapter.script = signScript(h.store, h.identity, nil)
	gated := &gatedContainer{Container: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	ctrl, err := NewController(Config{
		Container: gated,
		Adapters:  map[Method]Adapter{MethodMobileID: adapter},
		Metrics:   NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer ctrl.Close()

	type startResult struct {
		sess *Session
		err  error
	}
	done := make(chan startResult, 1)
	go func() {
		sess, err := ctrl.Start(context.Background(), StartRequest{
			ContainerID: "doc-1",
			Method:      MethodMobileID,
			Credentials: &Credentials{PhoneNumber: "+37200000766", PersonalCode: "60001019906"},
		})
		done <- startResult{sess: sess, err: err}
	}()
	<-gated.entered

	active, ok := ctrl.Active("doc-1")
	require.True(t, ok)
	require.Equal(t, StatusPreparing, active.Snapshot().Status)
	accepted, err := ctrl.Cancel(active.ID())
	require.NoError(t, err)
	require.True(t, accepted)
	close(gated.release)

	res := <-done
	require.NoError(t, res.err)
	require.Same(t, active, res.sess)
	snap := waitTerminal(t, res.sess)
	require.Equal(t, StatusCancelled, snap.Status)
	require.Equal(t, apierrors.CodeUserCancelled, snap.Error.Code)
	require.Equal(t, int32(0), adapter.started.Load())

	_, busy := ctrl.Active("doc-1")
	require.False(t, busy)
	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestSetCancelHonoursEarlierRequest(t *testing.T) {
	sess := newSession("s-1", "doc-1", MethodSmartID, time.Now())
	sess.transition(time.Now(), StatusPreparing, nil)
	require.True(t, sess.requestCancel())

	ctx, cancel := context.WithCancel(context.Background())
	sess.setCancel(cancel)
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCancelBeforeProofProcessedWins(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodSmartID: adapter})
	release := make(chan struct{})
	adapter.script = signScript(h.store, h.identity, func(ctx context.Context, em *Emitter) bool {
		<-release
		return true
	})

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sess.Snapshot().Challenge == "1234" }, 2*time.Second, 10*time.Millisecond)

	accepted, err := h.ctrl.Cancel(sess.ID())
	require.NoError(t, err)
	require.True(t, accepted)
	close(release)

	snap := waitTerminal(t, sess)
	require.Equal(t, StatusCancelled, snap.Status)
	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestConcurrentStartRejected(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodSmartID: adapter})
	adapter.script = signScript(h.store, h.identity, func(ctx context.Context, em *Emitter) bool {
		<-ctx.Done()
		em.Finish(Cancelled())
		return false
	})

	first, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.NoError(t, err)

	_, err = h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.Error(t, err)
	require.True(t, apierrors.IsKind(err, apierrors.KindProtocolInvariant))
	require.Equal(t, int32(1), adapter.started.Load())
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.rejected.WithLabelValues("smart_id", "in_flight")))

	_, err = h.ctrl.Cancel(first.ID())
	require.NoError(t, err)
	waitTerminal(t, first)
}

func TestValidationFailureHasNoSideEffects(t *testing.T) {
	adapter := &scriptAdapter{validateErr: apierrors.InvalidCredentials("PIN2 must be 5-12 digits")}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})

	creds := &Credentials{PIN2: pin("12")}
	_, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: creds})
	require.Error(t, err)
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeInvalidCredentials, apiErr.Code)
	require.Equal(t, int32(0), adapter.started.Load())
	require.True(t, creds.Wiped())

	_, busy := h.ctrl.Active("doc-1")
	require.False(t, busy)
}

func TestUnsupportedMethodRejected(t *testing.T) {
	h := newHarness(t, map[Method]Adapter{MethodCardContact: &scriptAdapter{}})
	_, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodMobileID})
	require.True(t, apierrors.IsKind(err, apierrors.KindInputValidation))
}

func TestEmptyContainerRejected(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})

	_, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "empty", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.Error(t, err)
	require.True(t, apierrors.IsKind(err, apierrors.KindInputValidation))
	require.Equal(t, int32(0), adapter.started.Load())

	_, busy := h.ctrl.Active("empty")
	require.False(t, busy)
}

func TestStalePendingRecoveredOnStart(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	adapter.script = signScript(h.store, h.identity, nil)

	_, err := h.store.PrepareSignature(context.Background(), prepared(t, h.store, "doc-1"), h.identity.Cert, nil)
	require.NoError(t, err)

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, waitTerminal(t, sess).Status)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.stalePending.WithLabelValues("start")))
}

func TestRejectedSignatureIsRemoved(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	other := pki.NewAuthority(t).Issue(t, "other", "")
	adapter.script = func(ctx context.Context, req *Request, em *Emitter) {
		dataToSign, err := h.store.PrepareSignature(ctx, req.Document, h.identity.Cert, nil)
		require.NoError(t, err)
		em.Finish(ProofReceived(other.SignData(dataToSign)))
	}

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.NoError(t, err)
	snap := waitTerminal(t, sess)
	require.Equal(t, StatusFailed, snap.Status)

	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestAdapterStartErrorFailsSession(t *testing.T) {
	adapter := &scriptAdapter{startErr: faults.New(faults.BackendCard, faults.CodeReaderNotFound)}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})

	_, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.Error(t, err)
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, string(faults.CodeReaderNotFound), apiErr.Fault)

	_, busy := h.ctrl.Active("doc-1")
	require.False(t, busy)
}

func TestClosedStreamWithoutTerminalEventFails(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodSmartID: adapter})
	adapter.script = func(ctx context.Context, req *Request, em *Emitter) {
		em.Emit(DeviceSelectionRequested())
		em.Close()
	}

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.NoError(t, err)
	snap := waitTerminal(t, sess)
	require.Equal(t, StatusFailed, snap.Status)
	require.True(t, snap.DeviceSelection)
	require.Equal(t, apierrors.CodeTechnicalError, snap.Error.Code)
}

func TestLateSubscriberReceivesTerminalSnapshot(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	adapter.script = signScript(h.store, h.identity, nil)

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.NoError(t, err)
	waitTerminal(t, sess)

	ch, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	snap, ok := <-ch
	require.True(t, ok)
	require.Equal(t, StatusCommitted, snap.Status)
	_, ok = <-ch
	require.False(t, ok)

	found, err := h.ctrl.Lookup(sess.ID())
	require.NoError(t, err)
	require.Same(t, sess, found)
}

func TestSubscriberObservesOrderedTransitions(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodSmartID: adapter})
	release := make(chan struct{})
	adapter.script = signScript(h.store, h.identity, func(ctx context.Context, em *Emitter) bool {
		<-release
		return true
	})

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodSmartID, Credentials: &Credentials{}})
	require.NoError(t, err)
	ch, unsubscribe := sess.Subscribe()
	defer unsubscribe()
	close(release)

	var seen []Status
	for snap := range ch {
		if len(seen) == 0 || seen[len(seen)-1] != snap.Status {
			seen = append(seen, snap.Status)
		}
	}
	require.Equal(t, StatusCommitted, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		require.True(t, canTransition(seen[i-1], seen[i]), "%s -> %s", seen[i-1], seen[i])
	}
}

func TestCancelIgnoredAfterTerminal(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	adapter.script = signScript(h.store, h.identity, nil)

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.NoError(t, err)
	waitTerminal(t, sess)

	accepted, err := h.ctrl.Cancel(sess.ID())
	require.NoError(t, err)
	require.False(t, accepted)

	_, err = h.ctrl.Cancel("missing")
	require.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestSweeperRemovesStalePendingOfIdleContainers(t *testing.T) {
	h := newHarness(t, map[Method]Adapter{MethodCardContact: &scriptAdapter{}})
	_, err := h.store.PrepareSignature(context.Background(), prepared(t, h.store, "doc-1"), h.identity.Cert, nil)
	require.NoError(t, err)

	sweeper := NewSweeper(SweeperConfig{
		Controller: h.ctrl,
		Lister:     h.store,
		StaleAfter: time.Minute,
		Clock:      fixedClock{now: time.Now().Add(2 * time.Minute)},
	})
	require.Equal(t, 1, sweeper.RunOnce(context.Background()))
	require.Equal(t, 0, sweeper.RunOnce(context.Background()))

	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)
	require.Equal(t, float64(1), testutil.ToFloat64(h.metrics.stalePending.WithLabelValues("sweeper")))
}

// gatedSignatures 在指定容器的 Signatures 上阻塞，使清理器停留在存储 I/O 中。
type gatedSignatures struct {
	container.Container
	containerID string
	entered     chan struct{}
	release     chan struct{}
	once        sync.Once
}

func (g *gatedSignatures) Signatures(ctx context.Context, containerID string) ([]container.SignatureRecord, error) {
	if containerID == g.containerID {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Container.Signatures(ctx, containerID)
}

func TestSweeperDoesNotHoldLockDuringStorageIO(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	_, err := h.store.PrepareSignature(context.Background(), prepared(t, h.store, "doc-1"), h.identity.Cert, nil)
	require.NoError(t, err)

	gated := &gatedSignatures{Container: h.store, containerID: "doc-1", entered: make(chan struct{}), release: make(chan struct{})}
	ctrl, err := NewController(Config{
		Container: gated,
		Adapters:  map[Method]Adapter{MethodCardContact: adapter},
		Metrics:   NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer ctrl.Close()

	sweeper := NewSweeper(SweeperConfig{
		Controller: ctrl,
		Lister:     h.store,
		StaleAfter: time.Minute,
		Clock:      fixedClock{now: time.Now().Add(2 * time.Minute)},
	})
	swept := make(chan int, 1)
	go func() { swept <- sweeper.RunOnce(context.Background()) }()
	<-gated.entered

	lookups := make(chan error, 1)
	go func() {
		_, err := ctrl.Lookup("missing")
		lookups <- err
	}()
	select {
	case err := <-lookups:
		require.ErrorIs(t, err, ErrSessionNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("lookup blocked while sweeper was reading storage")
	}
	_, busy := ctrl.Active("doc-1")
	require.False(t, busy)

	_, err = ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.True(t, apierrors.IsKind(err, apierrors.KindProtocolInvariant))
	require.Equal(t, int32(0), adapter.started.Load())

	close(gated.release)
	require.Equal(t, 1, <-swept)
	records, err := h.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Empty(t, records)

	ctrl.mu.Lock()
	require.Empty(t, ctrl.sweeping)
	ctrl.mu.Unlock()
}

func TestSweeperKeepsFreshPending(t *testing.T) {
	h := newHarness(t, map[Method]Adapter{MethodCardContact: &scriptAdapter{}})
	_, err := h.store.PrepareSignature(context.Background(), prepared(t, h.store, "doc-1"), h.identity.Cert, nil)
	require.NoError(t, err)

	sweeper := NewSweeper(SweeperConfig{Controller: h.ctrl, Lister: h.store, StaleAfter: time.Hour})
	require.Equal(t, 0, sweeper.RunOnce(context.Background()))
}

func TestPruneTerminalSessions(t *testing.T) {
	adapter := &scriptAdapter{}
	h := newHarness(t, map[Method]Adapter{MethodCardContact: adapter})
	adapter.script = signScript(h.store, h.identity, nil)

	sess, err := h.ctrl.Start(context.Background(), StartRequest{ContainerID: "doc-1", Method: MethodCardContact, Credentials: &Credentials{PIN2: pin("12345")}})
	require.NoError(t, err)
	waitTerminal(t, sess)

	require.Equal(t, 0, h.ctrl.PruneTerminal(time.Now()))
	require.Equal(t, 1, h.ctrl.PruneTerminal(time.Now().Add(time.Hour)))
	_, err = h.ctrl.Lookup(sess.ID())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }
