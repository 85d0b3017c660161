package activity_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reqline/internal/activity"
	"reqline/internal/api"
	"reqline/internal/config"
	"reqline/internal/domain"
)

// fakeProvider acknowledges exe-script batches and tracks the activity
// state the way a provider-side activity API would.
type fakeProvider struct {
	mu        sync.Mutex
	state     string
	batches   map[string][]activity.BatchResult
	nextBatch int
	destroys  int
	created   int
	failRun   bool
	neverAck  bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{state: "New", batches: map[string][]activity.BatchResult{}}
}

func (f *fakeProvider) applyScript(text string) []activity.BatchResult {
	var entries []map[string]json.RawMessage
	_ = json.Unmarshal([]byte(text), &entries)
	var results []activity.BatchResult
	for i, entry := range entries {
		res := activity.BatchResult{Index: i, Result: "Ok"}
		for name := range entry {
			switch name {
			case "deploy":
				if !f.neverAck {
					f.state = "Deployed"
				}
			case "start":
				if !f.neverAck {
					f.state = "Ready"
				}
			case "run":
				if f.failRun {
					res.Result = "Error"
					res.Message = "exit code 1"
				} else {
					res.Stdout = "done"
				}
			case "terminate":
				f.state = "Terminated"
			}
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		results[len(results)-1].IsBatchFinished = true
	}
	return results
}

func (f *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /activity-api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.created++
		f.mu.Unlock()
		json.NewEncoder(w).Encode("act-1")
	})
	mux.HandleFunc("POST /activity-api/v1/activity/act-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.nextBatch++
		batchID := fmt.Sprintf("batch-%d", f.nextBatch)
		f.batches[batchID] = f.applyScript(body.Text)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(batchID)
	})
	mux.HandleFunc("GET /activity-api/v1/activity/act-1/exec/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		batchID := parts[len(parts)-1]
		f.mu.Lock()
		results := f.batches[batchID]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("GET /activity-api/v1/activity/act-1/state", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		state := f.state
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"state": []any{state, nil}})
	})
	mux.HandleFunc("DELETE /activity-api/v1/activity/act-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.destroys++
		n := f.destroys
		f.state = "Terminated"
		f.mu.Unlock()
		if n > 1 {
			http.Error(w, "already destroyed", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeProvider) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextBatch
}

func newDriver(t *testing.T, f *fakeProvider) (*activity.Driver, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	d := &activity.Driver{
		Client:  activity.New(api.New(srv.URL, "app-key")),
		Backoff: api.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5},
	}
	return d, srv.Close
}

func approvedAgreement() domain.Agreement {
	return domain.Agreement{ID: "agr-1", State: domain.AgreementApproved}
}

func TestDriverLifecycle(t *testing.T) {
	f := newFakeProvider()
	d, cleanup := newDriver(t, f)
	defer cleanup()
	ctx := context.Background()

	h, err := d.Create(ctx, approvedAgreement())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if h.State() != domain.ActivityNew {
		t.Fatalf("state %q after create", h.State())
	}
	if err := d.Deploy(ctx, h); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if h.State() != domain.ActivityDeployed {
		t.Fatalf("state %q after deploy", h.State())
	}
	if err := d.Start(ctx, h, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.State() != domain.ActivityRunning {
		t.Fatalf("state %q after start", h.State())
	}
	results, err := d.Exec(ctx, h, []config.Command{{Cmd: "run", Args: []string{"main", "arg1"}}})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(results) != 1 || results[0].Result != "ok" || results[0].Stdout != "done" {
		t.Fatalf("unexpected results %+v", results)
	}
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if h.State() != domain.ActivityTerminated {
		t.Fatalf("state %q after destroy", h.State())
	}
	if f.destroys != 1 {
		t.Fatalf("destroy count %d", f.destroys)
	}
}

func TestDriverRejectsUnapprovedAgreement(t *testing.T) {
	f := newFakeProvider()
	d, cleanup := newDriver(t, f)
	defer cleanup()

	_, err := d.Create(context.Background(), domain.Agreement{ID: "agr-1", State: domain.AgreementProposed})
	if err == nil {
		t.Fatalf("expected error for unapproved agreement")
	}
	if f.created != 0 {
		t.Fatalf("activity created despite unapproved agreement")
	}
}

func TestDriverTransitionsAreForwardOnly(t *testing.T) {
	f := newFakeProvider()
	d, cleanup := newDriver(t, f)
	defer cleanup()
	ctx := context.Background()

	h, err := d.Create(ctx, approvedAgreement())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// start before deploy is rejected locally
	if _, err := d.Exec(ctx, h, []config.Command{{Cmd: "run", Args: []string{"main"}}}); err == nil {
		t.Fatalf("exec on new activity must fail")
	}
	if err := d.Deploy(ctx, h); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	sent := f.execCount()
	if err := d.Deploy(ctx, h); err == nil {
		t.Fatalf("second deploy must fail")
	}
	if f.execCount() != sent {
		t.Fatalf("second deploy reached the provider")
	}
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	// terminated is final
	if err := d.Start(ctx, h, nil); err == nil {
		t.Fatalf("start after destroy must fail")
	}
	if f.execCount() != sent {
		t.Fatalf("rejected start reached the provider")
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := newFakeProvider()
	d, cleanup := newDriver(t, f)
	defer cleanup()
	ctx := context.Background()

	h, err := d.Create(ctx, approvedAgreement())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("first destroy: %v", err)
	}
	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("second destroy must not error: %v", err)
	}
}

func TestExecReportsExecutionFailure(t *testing.T) {
	f := newFakeProvider()
	f.failRun = true
	d, cleanup := newDriver(t, f)
	defer cleanup()
	ctx := context.Background()

	h, _ := d.Create(ctx, approvedAgreement())
	if err := d.Deploy(ctx, h); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := d.Start(ctx, h, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	results, err := d.Exec(ctx, h, []config.Command{{Cmd: "run", Args: []string{"main"}}})
	var actErr activity.Error
	if !errors.As(err, &actErr) || actErr.Kind != activity.KindExecutionFailed {
		t.Fatalf("expected execution_failed, got %v", err)
	}
	if len(results) != 1 || results[0].Result != "error" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestUnresponsiveProviderExhaustsRetries(t *testing.T) {
	f := newFakeProvider()
	f.neverAck = true
	d, cleanup := newDriver(t, f)
	defer cleanup()
	ctx := context.Background()

	h, _ := d.Create(ctx, approvedAgreement())
	err := d.Deploy(ctx, h)
	var actErr activity.Error
	if !errors.As(err, &actErr) || actErr.Kind != activity.KindProviderUnresponsive {
		t.Fatalf("expected provider_unresponsive, got %v", err)
	}
	if h.State() != domain.ActivityNew {
		t.Fatalf("state advanced despite failed transition: %q", h.State())
	}
}
