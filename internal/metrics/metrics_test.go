package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("web", "dev")
	IncSpawnFailure("web", "dev")
	IncExit("web", "dev", "stopped")
	IncStopEscalation("web", "dev")
	RecordStateTransition("running", "stopping")
	SetActiveRuns(2)
	SetWorkspaceActiveRuns("ws1", 2)
	ObservePortPoll(0.02)
	IncEventsDropped()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"devpilot_run_starts_total":            false,
		"devpilot_run_spawn_failures_total":    false,
		"devpilot_run_exits_total":             false,
		"devpilot_run_stop_escalations_total":  false,
		"devpilot_run_state_transitions_total": false,
		"devpilot_run_active":                  false,
		"devpilot_workspace_active_runs":       false,
		"devpilot_ports_poll_duration_seconds": false,
		"devpilot_events_dropped_total":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("api", "start")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "devpilot_run_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c", "dev")
			IncExit("c", "dev", "crashed")
			IncEventsDropped()
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops before Register
	IncStart("p", "s")
	IncSpawnFailure("p", "s")
	IncExit("p", "s", "exited")
	IncStopEscalation("p", "s")
	RecordStateTransition("starting", "running")
	SetActiveRuns(1)
	SetWorkspaceActiveRuns("ws", 1)
	ObservePortPoll(1)
	IncEventsDropped()
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
