package mobileid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/app/signing"
	"github.com/aegis-sign/signflow/internal/infra/containerstore"
	"github.com/aegis-sign/signflow/internal/infra/relay"
	"github.com/aegis-sign/signflow/internal/testutil/pki"
	"github.com/aegis-sign/signflow/pkg/apierrors"
	"github.com/aegis-sign/signflow/pkg/validator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testRelyingPartyUUID = "00000000-0000-0000-0000-000000000000"

// fakeRelay 模拟 Mobile-ID REST 中继。
type fakeRelay struct {
	t        *testing.T
	identity *pki.Identity

	certStatus  int
	certResult  string
	pollStatus  int
	runningPoll int32
	result      string
	vc          string

	requests atomic.Int32
	polls    atomic.Int32
	mu       sync.Mutex
	hash     []byte
	lastReq  signatureRequest
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/certificate":
		if f.certStatus != 0 {
			w.WriteHeader(f.certStatus)
			return
		}
		result := f.certResult
		if result == "" {
			result = "OK"
		}
		_ = json.NewEncoder(w).Encode(certificateResponse{Result: result, Cert: base64.StdEncoding.EncodeToString(f.identity.Cert.Raw)})
	case r.Method == http.MethodPost && r.URL.Path == "/signature":
		var req signatureRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		hash, err := base64.StdEncoding.DecodeString(req.Hash)
		require.NoError(f.t, err)
		f.mu.Lock()
		f.hash = hash
		f.lastReq = req
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(signatureResponse{SessionID: "mid-session-1", VerificationCode: f.vc})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/signature/session/"):
		require.Equal(f.t, "1000", r.URL.Query().Get("timeoutMs"))
		n := f.polls.Add(1)
		if f.pollStatus != 0 {
			w.WriteHeader(f.pollStatus)
			return
		}
		if f.runningPoll < 0 || n <= f.runningPoll {
			_ = json.NewEncoder(w).Encode(sessionStatus{State: stateRunning})
			return
		}
		result := f.result
		if result == "" {
			result = "OK"
		}
		st := map[string]any{"state": stateComplete, "result": result}
		if result == "OK" {
			f.mu.Lock()
			sig := f.identity.SignDigest(f.hash)
			f.mu.Unlock()
			st["signature"] = map[string]string{"value": base64.StdEncoding.EncodeToString(sig), "algorithm": "SHA256WithECEncryption"}
		}
		_ = json.NewEncoder(w).Encode(st)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fixture struct {
	relay   *fakeRelay
	store   *containerstore.Store
	adapter *Adapter
}

func newFixture(t *testing.T, fake *fakeRelay, mutate func(*Config)) *fixture {
	t.Helper()
	fake.t = t
	if fake.identity == nil {
		fake.identity = pki.NewAuthority(t).Issue(t, "mid signer", "")
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	metrics := relay.NewMetrics(prometheus.NewRegistry())
	client, err := relay.NewClient(relay.Config{Name: "mobile_id", BaseURL: srv.URL, Metrics: metrics})
	require.NoError(t, err)

	store, err := containerstore.Open(containerstore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.CreateContainer(context.Background(), "doc-1", []containerstore.FileContent{
		{Name: "contract.pdf", Content: []byte("%PDF-1.7 contract")},
	}))

	cfg := Config{
		Relay:             client,
		Lookups:           relay.NewLookupGroup("mobile_id", metrics),
		Container:         store,
		RelyingPartyUUID:  testRelyingPartyUUID,
		RelyingPartyName:  "DEMO",
		Locale:            "et-EE",
		DisplayText:       "Allkirjasta leping",
		PersonalCodeRules: validator.PersonalCodeRules{SkipChecksum: true},
		PollInterval:      5 * time.Millisecond,
		PollTimeout:       5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	adapter, err := New(cfg)
	require.NoError(t, err)
	return &fixture{relay: fake, store: store, adapter: adapter}
}

func (f *fixture) request(t *testing.T) *signing.Request {
	t.Helper()
	doc, err := container.NewPreparer(f.store).Prepare(context.Background(), "doc-1")
	require.NoError(t, err)
	return &signing.Request{
		SessionID: "s-1",
		Method:    signing.MethodMobileID,
		Document:  doc,
		Credentials: &signing.Credentials{
			PhoneNumber:  "+37255512345",
			PersonalCode: "39001011234",
		},
	}
}

func collect(t *testing.T, ch <-chan signing.Event) []signing.Event {
	t.Helper()
	var events []signing.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func faultCode(t *testing.T, ev signing.Event) faults.Code {
	t.Helper()
	require.Equal(t, signing.EventFaulted, ev.Kind)
	var fault *faults.Fault
	require.True(t, errors.As(ev.Err, &fault), "unexpected error %v", ev.Err)
	return fault.Code
}

func TestCommitThroughController(t *testing.T) {
	f := newFixture(t, &fakeRelay{runningPoll: 2, vc: "1234"}, nil)
	ctrl, err := signing.NewController(signing.Config{
		Container: f.store,
		Adapters:  map[signing.Method]signing.Adapter{signing.MethodMobileID: f.adapter},
		Metrics:   signing.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	defer ctrl.Close()

	sess, err := ctrl.Start(context.Background(), signing.StartRequest{
		ContainerID: "doc-1",
		Method:      signing.MethodMobileID,
		Credentials: &signing.Credentials{PhoneNumber: "+37255512345", PersonalCode: "39001011234"},
	})
	require.NoError(t, err)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
	}
	snap := sess.Snapshot()
	require.Equal(t, signing.StatusCommitted, snap.Status)
	require.Equal(t, "1234", snap.Challenge)

	records, err := f.store.Signatures(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, f.relay.identity.Cert.Raw, records[0].SignerCertificate.Raw)

	f.relay.mu.Lock()
	defer f.relay.mu.Unlock()
	require.Equal(t, "EST", f.relay.lastReq.Language)
	require.Equal(t, "GSM-7", f.relay.lastReq.DisplayTextFormat)
	require.Equal(t, hashTypeSHA256, f.relay.lastReq.HashType)
}

func TestChallengeComputedFromHash(t *testing.T) {
	f := newFixture(t, &fakeRelay{runningPoll: 1}, nil)
	ch, err := f.adapter.Start(context.Background(), f.request(t))
	require.NoError(t, err)
	events := collect(t, ch)
	require.Len(t, events, 2)
	require.Equal(t, signing.EventChallengeIssued, events[0].Kind)
	f.relay.mu.Lock()
	require.Equal(t, VerificationCode(f.relay.hash), events[0].Challenge)
	f.relay.mu.Unlock()
	require.Equal(t, signing.EventProofReceived, events[1].Kind)
	require.NotEmpty(t, events[1].Signature)
}

func TestValidateRejectsBeforeNetwork(t *testing.T) {
	fake := &fakeRelay{}
	f := newFixture(t, fake, func(c *Config) { c.PersonalCodeRules = validator.PersonalCodeRules{} })
	cases := []signing.Credentials{
		{PhoneNumber: "+4915112345678", PersonalCode: "60001019906"},
		{PhoneNumber: "+3725551", PersonalCode: "60001019906"},
		{PhoneNumber: "+37255512345", PersonalCode: "6000101990"},
		{PhoneNumber: "+37255512345", PersonalCode: "60001019907"},
	}
	for _, creds := range cases {
		creds := creds
		err := f.adapter.Validate(&signing.Request{Credentials: &creds})
		require.Error(t, err)
		require.True(t, apierrors.IsKind(err, apierrors.KindInputValidation))
	}
	require.NoError(t, f.adapter.Validate(&signing.Request{Credentials: &signing.Credentials{PhoneNumber: "+37255512345", PersonalCode: "60001019906"}}))
	require.Equal(t, int32(0), fake.requests.Load())
}

func TestTerminalResultsMapToFaultCodes(t *testing.T) {
	for _, result := range []string{"NOT_MID_CLIENT", "USER_CANCELLED", "PHONE_ABSENT", "DELIVERY_ERROR", "SIM_ERROR", "SIGNATURE_HASH_MISMATCH", "TIMEOUT"} {
		t.Run(result, func(t *testing.T) {
			f := newFixture(t, &fakeRelay{result: result}, nil)
			ch, err := f.adapter.Start(context.Background(), f.request(t))
			require.NoError(t, err)
			events := collect(t, ch)
			require.Equal(t, faults.Code(result), faultCode(t, events[len(events)-1]))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		name  string
		relay *fakeRelay
		code  faults.Code
	}{
		{name: "certificate unauthorized", relay: &fakeRelay{certStatus: http.StatusUnauthorized}, code: faults.CodeInvalidAccessRights},
		{name: "certificate not found", relay: &fakeRelay{certStatus: http.StatusNotFound}, code: faults.CodeNotFound},
		{name: "certificate not active", relay: &fakeRelay{certResult: "NOT_ACTIVE"}, code: faults.CodeNotActive},
		{name: "poll missing session", relay: &fakeRelay{pollStatus: http.StatusNotFound}, code: faults.CodeMissingSession},
		{name: "too many requests", relay: &fakeRelay{pollStatus: http.StatusTooManyRequests}, code: faults.CodeTooManyRequests},
		{name: "exceeded", relay: &fakeRelay{pollStatus: http.StatusConflict}, code: faults.CodeExceededUnsuccessfulRequests},
		{name: "server error", relay: &fakeRelay{pollStatus: http.StatusBadGateway}, code: faults.CodeGeneralError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.relay, nil)
			ch, err := f.adapter.Start(context.Background(), f.request(t))
			require.NoError(t, err)
			events := collect(t, ch)
			require.Equal(t, tc.code, faultCode(t, events[len(events)-1]))
		})
	}
}

func TestCancelStopsPolling(t *testing.T) {
	fake := &fakeRelay{runningPoll: -1}
	f := newFixture(t, fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.adapter.Start(ctx, f.request(t))
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, signing.EventChallengeIssued, first.Kind)
	require.Eventually(t, func() bool { return fake.polls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	events := collect(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, signing.EventCancelled, events[0].Kind)
	polled := fake.polls.Load()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, fake.polls.Load(), polled+1)
}

func TestProviderTimeout(t *testing.T) {
	f := newFixture(t, &fakeRelay{runningPoll: -1}, func(c *Config) { c.PollTimeout = 40 * time.Millisecond })
	ch, err := f.adapter.Start(context.Background(), f.request(t))
	require.NoError(t, err)
	events := collect(t, ch)
	require.Equal(t, faults.CodeTimeout, faultCode(t, events[len(events)-1]))
}

func TestVerificationCode(t *testing.T) {
	hash := make([]byte, 32)
	require.Equal(t, "0000", VerificationCode(hash))
	hash[0], hash[31] = 0xFF, 0xFF
	require.Equal(t, "8191", VerificationCode(hash))
	hash[0], hash[31] = 0x04, 0x01
	require.Equal(t, "0129", VerificationCode(hash))
}

func TestLanguage(t *testing.T) {
	require.Equal(t, "EST", Language("et-EE"))
	require.Equal(t, "RUS", Language("ru"))
	require.Equal(t, "LIT", Language("lt-LT"))
	require.Equal(t, "ENG", Language("en-GB"))
	require.Equal(t, "ENG", Language("fr"))
	require.Equal(t, "ENG", Language("!!"))
}

func TestDisplayText(t *testing.T) {
	text, format := DisplayText("Sign contract")
	require.Equal(t, "Sign contract", text)
	require.Equal(t, "GSM-7", format)

	text, format = DisplayText("Allkirjasta dokument Žürii")
	require.Equal(t, "UCS-2", format)
	require.Equal(t, "Allkirjasta dokument Žürii", text)

	text, _ = DisplayText("Cafe\u0301")
	require.Equal(t, "Caf\u00e9", text)
	require.Len(t, []rune(text), 4)

	text, _ = DisplayText(strings.Repeat("a", 60))
	require.Len(t, []rune(text), maxDisplayText)
}

func TestNewRequiresRelyingParty(t *testing.T) {
	_, err := New(Config{Relay: &relay.Client{}, Container: &containerstore.Store{}, RelyingPartyUUID: "not-a-uuid", RelyingPartyName: "DEMO"})
	require.Error(t, err)
}
