package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/commands"
	"github.com/MacJediWizard/hostwatch/internal/crypto"
	"github.com/MacJediWizard/hostwatch/internal/crypto/cryptotest"
	"github.com/MacJediWizard/hostwatch/internal/diagnostics"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

const testAgentID = "3f2c9a4e-agent-secret"

// received is one decrypted request seen by the fake controller.
type received struct {
	Path    string
	AgentID string
	CycleID string
	Body    map[string]any
}

// Status returns the report kind of the request.
func (r received) Status() int {
	v, _ := r.Body["status"].(float64)
	return int(v)
}

// reply tells the fake controller how to answer: a status code and an
// optional payload that is encrypted for the agent.
type reply struct {
	Status  int
	Payload any
	Raw     []byte
}

// fakeController decrypts every request with the controller keys and answers
// through handle.
type fakeController struct {
	t      *testing.T
	codec  *crypto.Codec
	server *httptest.Server

	mu       sync.Mutex
	requests []received
	handle   func(n int, r received) reply
}

func newFakeController(t *testing.T, pair *cryptotest.Pair, handle func(n int, r received) reply) *fakeController {
	t.Helper()

	codec, err := crypto.NewCodec(pair.ControllerKeyRing(t), "", crypto.Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("controller codec: %v", err)
	}

	fc := &fakeController{t: t, codec: codec, handle: handle}
	fc.server = httptest.NewServer(http.HandlerFunc(fc.serveHTTP))
	t.Cleanup(fc.server.Close)
	return fc
}

func (fc *fakeController) serveHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		fc.t.Errorf("read request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var body map[string]any
	v, err := fc.codec.DecryptAndVerify(data, &body)
	if err != nil {
		fc.t.Errorf("controller could not decrypt request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !v.Verified {
		fc.t.Errorf("request signature not verified: %s", v.Reason)
	}

	req := received{
		Path:    r.URL.Path,
		AgentID: r.Header.Get(HeaderAgentID),
		CycleID: r.Header.Get(HeaderCycleID),
		Body:    body,
	}

	fc.mu.Lock()
	fc.requests = append(fc.requests, req)
	n := len(fc.requests)
	handle := fc.handle
	fc.mu.Unlock()

	rep := reply{Status: http.StatusOK}
	if handle != nil {
		rep = handle(n, req)
	}

	var out []byte
	switch {
	case rep.Raw != nil:
		out = rep.Raw
	case rep.Payload != nil:
		out, err = fc.codec.EncryptAndSign(rep.Payload)
		if err != nil {
			fc.t.Errorf("controller could not encrypt reply: %v", err)
		}
	}

	w.WriteHeader(rep.Status)
	_, _ = w.Write(out)
}

func (fc *fakeController) Requests() []received {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]received(nil), fc.requests...)
}

func (fc *fakeController) RequestsTo(path string) []received {
	var out []received
	for _, r := range fc.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// fakeRunner records commands and scripts instead of running them.
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]*commands.Result
	ran     []string
	scripts int
}

func (f *fakeRunner) Run(_ context.Context, text string) *commands.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, text)
	if res, ok := f.results[text]; ok {
		return res
	}
	return &commands.Result{Output: text + "\n"}
}

func (f *fakeRunner) RunScript(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts++
	return nil
}

func (f *fakeRunner) Scripts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scripts
}

// fakeDiagnostics returns a fixed bundle and counts collections.
type fakeDiagnostics struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeDiagnostics) Collect(context.Context) *diagnostics.Bundle {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &diagnostics.Bundle{
		CollectedAt: time.Now().UTC(),
		Probes: []diagnostics.ProbeResult{
			{Name: diagnostics.RouteTable, Output: "default via 10.0.0.1\n"},
			{Name: diagnostics.NetworkManagerLog, Output: "nm log\n"},
			{Name: diagnostics.PathTrace, Err: io.ErrUnexpectedEOF},
			{Name: diagnostics.KernelRingBuffer, Output: "dmesg\n"},
			{Name: diagnostics.InterfaceList, Output: "1: lo\n"},
		},
	}
}

func (f *fakeDiagnostics) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testAgent struct {
	*Agent
	controller *fakeController
	runner     *fakeRunner
	diag       *fakeDiagnostics
	logs       *syncBuffer
}

// newTestAgent wires an agent to a fake controller with fast backoff.
func newTestAgent(t *testing.T, retryBudget int, handle func(n int, r received) reply) *testAgent {
	t.Helper()

	pair := cryptotest.NewPair(t, testAgentID)
	fc := newFakeController(t, pair, handle)

	logs := &syncBuffer{}
	logger := zerolog.New(logs)

	codec, err := crypto.NewCodec(pair.AgentKeyRing(t), testAgentID, crypto.Options{}, logger)
	if err != nil {
		t.Fatalf("agent codec: %v", err)
	}

	client := NewClient(fc.server.URL, testAgentID, fc.server.Client(), codec, logger)
	runner := &fakeRunner{}
	diag := &fakeDiagnostics{}

	a := New(client, runner, diag, Options{
		RetryBudget:       retryBudget,
		RemediationScript: "/etc/hostwatch/task.sh",
	}, logger)
	a.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	return &testAgent{Agent: a, controller: fc, runner: runner, diag: diag, logs: logs}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// levels returns the level of every logged line.
func (b *syncBuffer) levels() []string {
	var levels []string
	for _, line := range bytes.Split([]byte(b.String()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(line, &entry); err == nil {
			levels = append(levels, entry.Level)
		}
	}
	return levels
}

func counterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	return testCounter(t, counter.WithLabelValues(labels...))
}

func testCounter(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, gauge *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	var m dto.Metric
	if err := gauge.WithLabelValues(label).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}
