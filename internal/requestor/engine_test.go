package requestor_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"reqline/internal/api"
	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/keystore"
	"reqline/internal/market"
	"reqline/internal/migrate"
	"reqline/internal/repo"
	"reqline/internal/requestor"
)

const (
	testKey    = "ba5508aba59041f7affe232d5d310aa8"
	testNodeID = "0x35ca494ae0085717159de173acd94cf5797a4338"
)

// fakeGateway serves the admin, market and activity APIs from one mux so a
// single engine config can point all three base URLs at it.
type fakeGateway struct {
	mu            sync.Mutex
	importCalls   int
	demandCalls   int
	terminations  int
	destroys      int
	activityState string
	batches       map[string][]map[string]any
	nextBatch     int

	rejectKey bool
	failRun   bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{activityState: "New", batches: map[string][]map[string]any{}}
}

func (f *fakeGateway) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/import-key", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.importCalls++
		reject := f.rejectKey
		f.mu.Unlock()
		if reject {
			http.Error(w, "duplicate nodeId", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /market-api/v1/demands", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.demandCalls++
		f.mu.Unlock()
		json.NewEncoder(w).Encode("sub-1")
	})
	mux.HandleFunc("GET /market-api/v1/demands/sub-1/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{
			"eventType": "ProposalEvent",
			"proposal": domain.Proposal{
				ID:       "prop-1",
				IssuerID: "0xprovider",
				State:    "Initial",
				Properties: map[string]any{
					market.PropPrice:      2.5,
					market.PropMemGib:     2.0,
					market.PropStorageGib: 4.0,
					market.PropRuntime:    "wasmtime",
				},
			},
		}})
	})
	mux.HandleFunc("DELETE /market-api/v1/demands/sub-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /market-api/v1/agreements", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode("agr-1")
	})
	mux.HandleFunc("POST /market-api/v1/agreements/agr-1/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /market-api/v1/agreements/agr-1/wait", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"state": "Approved"})
	})
	mux.HandleFunc("POST /market-api/v1/agreements/agr-1/terminate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.terminations++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /activity-api/v1/activity", func(w http.ResponseWriter, r *http.Request) {
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
		f.batches[batchID] = f.runScript(body.Text)
		f.mu.Unlock()
		json.NewEncoder(w).Encode(batchID)
	})
	mux.HandleFunc("GET /activity-api/v1/activity/act-1/exec/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		f.mu.Lock()
		results := f.batches[parts[len(parts)-1]]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("GET /activity-api/v1/activity/act-1/state", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		state := f.activityState
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"state": []any{state, nil}})
	})
	mux.HandleFunc("DELETE /activity-api/v1/activity/act-1", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.destroys++
		f.activityState = "Terminated"
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// runScript is called with f.mu held.
func (f *fakeGateway) runScript(text string) []map[string]any {
	var entries []map[string]json.RawMessage
	_ = json.Unmarshal([]byte(text), &entries)
	var results []map[string]any
	for i, entry := range entries {
		res := map[string]any{"index": i, "result": "Ok"}
		for name := range entry {
			switch name {
			case "deploy":
				f.activityState = "Deployed"
			case "start":
				f.activityState = "Ready"
			case "run":
				if f.failRun {
					res["result"] = "Error"
					res["message"] = "exit code 1"
				} else {
					res["stdout"] = "hello from provider"
				}
			case "terminate":
				f.activityState = "Terminated"
			}
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		results[len(results)-1]["isBatchFinished"] = true
	}
	return results
}

func newEngine(t *testing.T, f *fakeGateway) (requestor.Engine, *sql.DB, func()) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Identity.Key = testKey
	cfg.Identity.NodeID = testNodeID
	cfg.API.AdminURL = srv.URL
	cfg.API.MarketURL = srv.URL
	cfg.API.ActivityURL = srv.URL
	cfg.API.AppKey = "app-key"
	cfg.Negotiation.DeadlineSeconds = 5
	cfg.Negotiation.PollTimeoutSeconds = 1
	cfg.Activity.Transition.MaxAttempts = 5
	cfg.Activity.Transition.InitialBackoffMS = 1
	cfg.Activity.Transition.MaxBackoffMS = 5

	engine := requestor.New(conn, cfg, false)
	return engine, conn, func() {
		conn.Close()
		srv.Close()
	}
}

func eventTypes(t *testing.T, conn *sql.DB, runID string) map[string]bool {
	t.Helper()
	evts, err := (repo.Repo{DB: conn}).LatestEvents(context.Background(), 50, runID, "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	return types
}

func TestRunSucceeds(t *testing.T) {
	f := newFakeGateway()
	engine, conn, cleanup := newEngine(t, f)
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != domain.RunSucceeded {
		t.Fatalf("run status %q", run.Status)
	}

	store := repo.Repo{DB: conn}
	stored, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunSucceeded || stored.FinishedAt == nil {
		t.Fatalf("stored run %+v", stored)
	}
	if stored.AgreementID == nil || *stored.AgreementID != "agr-1" {
		t.Fatalf("agreement id not recorded: %+v", stored.AgreementID)
	}

	report, err := store.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if !report.Success || report.ActivityID != "act-1" {
		t.Fatalf("report %+v", report)
	}
	if len(report.Commands) != 1 || report.Commands[0].Stdout != "hello from provider" {
		t.Fatalf("report commands %+v", report.Commands)
	}

	types := eventTypes(t, conn, run.ID)
	for _, want := range []string{"run.started", "key.imported", "demand.published", "agreement.approved", "activity.created", "run.succeeded"} {
		if !types[want] {
			t.Fatalf("missing event %q in %v", want, types)
		}
	}

	if f.destroys != 1 {
		t.Fatalf("destroy count %d", f.destroys)
	}
	if f.terminations != 0 {
		t.Fatalf("agreement terminated on success path")
	}
}

func TestRunFailsWhenKeyRejected(t *testing.T) {
	f := newFakeGateway()
	f.rejectKey = true
	engine, conn, cleanup := newEngine(t, f)
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Run(ctx)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	if run.Status != domain.RunFailed || run.FailureKind != "import:rejected" {
		t.Fatalf("run %+v", run)
	}
	if f.demandCalls != 0 {
		t.Fatalf("demand published despite key rejection")
	}

	stored, err := (repo.Repo{DB: conn}).GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != domain.RunFailed || stored.FailureKind != "import:rejected" || stored.Reason == "" {
		t.Fatalf("stored run %+v", stored)
	}
	if !eventTypes(t, conn, run.ID)["run.failed"] {
		t.Fatalf("run.failed event missing")
	}
}

func TestRunFailsWhenAdminUnreachable(t *testing.T) {
	f := newFakeGateway()
	engine, conn, cleanup := newEngine(t, f)
	defer cleanup()
	ctx := context.Background()

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()
	engine.Keystore = keystore.New(api.New(dead.URL, "app-key"))

	run, err := engine.Run(ctx)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	if run.Status != domain.RunFailed || run.FailureKind != "import:unreachable" {
		t.Fatalf("run %+v", run)
	}
	if f.demandCalls != 0 {
		t.Fatalf("demand published despite unreachable admin")
	}

	stored, err := (repo.Repo{DB: conn}).GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.FailureKind != "import:unreachable" || stored.Reason == "" {
		t.Fatalf("stored run %+v", stored)
	}
	if !eventTypes(t, conn, run.ID)["run.failed"] {
		t.Fatalf("run.failed event missing")
	}
}

func TestRunFailureCleansUpActivityAndAgreement(t *testing.T) {
	f := newFakeGateway()
	f.failRun = true
	engine, conn, cleanup := newEngine(t, f)
	defer cleanup()
	ctx := context.Background()

	run, err := engine.Run(ctx)
	if err == nil {
		t.Fatalf("expected run failure")
	}
	if run.FailureKind != "activity:execution_failed" {
		t.Fatalf("failure kind %q", run.FailureKind)
	}
	if f.destroys != 1 {
		t.Fatalf("destroy count %d, cleanup must destroy the activity", f.destroys)
	}
	if f.terminations != 1 {
		t.Fatalf("termination count %d, cleanup must terminate the agreement", f.terminations)
	}

	store := repo.Repo{DB: conn}
	agreement, err := store.GetAgreement(ctx, "agr-1")
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if agreement.State != domain.AgreementTerminated {
		t.Fatalf("agreement state %q", agreement.State)
	}

	report, err := store.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Success || report.Reason == "" {
		t.Fatalf("failed report %+v", report)
	}
	// partial command results survive into the failed report
	if len(report.Commands) != 1 || report.Commands[0].Result != "error" {
		t.Fatalf("failed report commands %+v", report.Commands)
	}
	if report.Commands[0].Message == "" {
		t.Fatalf("failed command lost its message: %+v", report.Commands[0])
	}
}
