// Package requestor sequences one run: import the node key, negotiate an
// agreement, drive an activity to completion, report the outcome.
package requestor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reqline/internal/activity"
	"reqline/internal/api"
	"reqline/internal/config"
	"reqline/internal/domain"
	"reqline/internal/events"
	"reqline/internal/keystore"
	"reqline/internal/market"
	"reqline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Keystore *keystore.Client
	Market   *market.Client
	Driver   *activity.Driver
	Score    func(domain.Proposal) float64
	Now      func() time.Time
}

// New wires an engine from config. Verbose enables request-level logging on
// all three API clients.
func New(conn *sql.DB, cfg *config.Config, verbose bool) Engine {
	admin := api.New(cfg.API.AdminURL, cfg.API.AppKey)
	mkt := api.New(cfg.API.MarketURL, cfg.API.AppKey)
	act := api.New(cfg.API.ActivityURL, cfg.API.AppKey)
	admin.Verbose, mkt.Verbose, act.Verbose = verbose, verbose, verbose
	backoff := api.Backoff{
		Initial:     time.Duration(cfg.Activity.Transition.InitialBackoffMS) * time.Millisecond,
		Max:         time.Duration(cfg.Activity.Transition.MaxBackoffMS) * time.Millisecond,
		MaxAttempts: cfg.Activity.Transition.MaxAttempts,
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Config:   cfg,
		Keystore: keystore.New(admin),
		Market:   market.New(mkt),
		Driver:   &activity.Driver{Client: activity.New(act), Backoff: backoff},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run executes one full orchestration. The returned Run is persisted either
// way; err is non-nil exactly when the run failed. Any created activity is
// destroyed on the failure path before Run returns.
func (e Engine) Run(ctx context.Context) (domain.Run, error) {
	if e.Config == nil {
		return domain.Run{}, errors.New("config not loaded")
	}
	cfg := e.Config
	run := domain.Run{
		ID:        uuid.New().String(),
		NodeID:    cfg.Identity.NodeID,
		Status:    domain.RunPending,
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return run, err
	}
	_ = e.Events.Append(ctx, "run.started", run.ID, "run", run.ID, events.EventPayload{"node_id": run.NodeID})

	if err := e.Keystore.ImportKey(ctx, cfg.Identity.Key, cfg.Identity.NodeID); err != nil {
		return e.fail(ctx, run, nil, err)
	}
	_ = e.Events.Append(ctx, "key.imported", run.ID, "identity", cfg.Identity.NodeID, nil)

	agreement, err := e.negotiate(ctx, run)
	if err != nil {
		return e.fail(ctx, run, nil, err)
	}
	run.AgreementID = &agreement.ID

	report, handle, err := e.drive(ctx, run, agreement)
	if handle != nil {
		run.ActivityID = &handle.ID
	}
	if err != nil {
		e.cleanup(run, agreement, handle, err)
		return e.fail(ctx, run, report.Commands, err)
	}

	if err := e.Repo.UpsertReport(ctx, report); err != nil {
		return e.fail(ctx, run, report.Commands, err)
	}
	run.Status = domain.RunSucceeded
	finished := e.now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished
	if err := e.Repo.UpdateRun(ctx, run); err != nil {
		return run, err
	}
	_ = e.Events.Append(ctx, "run.succeeded", run.ID, "run", run.ID, events.EventPayload{"activity_id": report.ActivityID})
	return run, nil
}

func (e Engine) negotiate(ctx context.Context, run domain.Run) (domain.Agreement, error) {
	cfg := e.Config
	demand := market.BuildDemand(cfg, cfg.Identity.NodeID, e.now())
	_ = e.Events.Append(ctx, "demand.published", run.ID, "demand", "", events.EventPayload{
		"constraints": demand.Constraints,
	})
	negotiator := market.Negotiator{
		Client: e.Market,
		Criteria: market.Criteria{
			MaxPrice:      cfg.Demand.MaxPrice,
			MinMemGib:     cfg.Demand.MinMemGib,
			MinStorageGib: cfg.Demand.MinStorageGib,
			Runtime:       cfg.Demand.Runtime,
		},
		Score:       e.Score,
		PollTimeout: time.Duration(cfg.Negotiation.PollTimeoutSeconds) * time.Second,
		Deadline:    time.Duration(cfg.Negotiation.DeadlineSeconds) * time.Second,
		MaxEvents:   cfg.Negotiation.MaxEvents,
		ValidFor:    time.Duration(cfg.Demand.ExpiryMinutes) * time.Minute,
		Now:         e.Now,
	}
	agreement, err := negotiator.Negotiate(ctx, demand)
	if err != nil {
		return domain.Agreement{}, err
	}
	agreement.RunID = run.ID
	if err := e.Repo.InsertAgreement(ctx, agreement); err != nil {
		return domain.Agreement{}, err
	}
	_ = e.Events.Append(ctx, "agreement.approved", run.ID, "agreement", agreement.ID, events.EventPayload{
		"provider_id": agreement.ProviderID,
		"price":       agreement.Price,
	})
	return agreement, nil
}

func (e Engine) drive(ctx context.Context, run domain.Run, agreement domain.Agreement) (domain.ExecutionReport, *activity.Handle, error) {
	started := e.now().UTC().Format(time.RFC3339)
	handle, err := e.Driver.Create(ctx, agreement)
	if err != nil {
		return domain.ExecutionReport{}, nil, err
	}
	record := domain.Activity{
		ID:          handle.ID,
		RunID:       run.ID,
		AgreementID: agreement.ID,
		State:       domain.ActivityNew,
		CreatedAt:   started,
		UpdatedAt:   started,
	}
	if err := e.Repo.InsertActivity(ctx, record); err != nil {
		return domain.ExecutionReport{}, handle, err
	}
	_ = e.Events.Append(ctx, "activity.created", run.ID, "activity", handle.ID, nil)

	if err := e.Driver.Deploy(ctx, handle); err != nil {
		return domain.ExecutionReport{}, handle, err
	}
	e.recordActivityState(ctx, run.ID, handle)

	if err := e.Driver.Start(ctx, handle, e.startArgs()); err != nil {
		return domain.ExecutionReport{}, handle, err
	}
	e.recordActivityState(ctx, run.ID, handle)

	results, err := e.Driver.Exec(ctx, handle, e.runCommands())
	if err != nil {
		// Exec returns whatever command results were gathered before the
		// failure; keep them for the failed report.
		return domain.ExecutionReport{Commands: results}, handle, err
	}

	if err := e.Driver.Destroy(ctx, handle); err != nil {
		return domain.ExecutionReport{}, handle, err
	}
	e.recordActivityState(ctx, run.ID, handle)

	report := domain.ExecutionReport{
		RunID:      run.ID,
		ActivityID: handle.ID,
		Success:    true,
		Commands:   results,
		StartedAt:  started,
		FinishedAt: e.now().UTC().Format(time.RFC3339),
	}
	return report, handle, nil
}

// startArgs returns the args of the configured start command, if any.
func (e Engine) startArgs() []string {
	for _, cmd := range e.Config.Activity.Commands {
		if cmd.Cmd == "start" {
			return cmd.Args
		}
	}
	return nil
}

// runCommands returns the payload portion of the configured command list.
func (e Engine) runCommands() []config.Command {
	var out []config.Command
	for _, cmd := range e.Config.Activity.Commands {
		if cmd.Cmd == "run" {
			out = append(out, cmd)
		}
	}
	return out
}

// cleanup destroys the created activity and terminates the agreement. Uses
// a fresh context so cancellation of the run still lets cleanup proceed.
func (e Engine) cleanup(run domain.Run, agreement domain.Agreement, handle *activity.Handle, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if handle != nil {
		if err := e.Driver.Destroy(ctx, handle); err != nil {
			_ = e.Events.Append(ctx, "activity.destroy_failed", run.ID, "activity", handle.ID, events.EventPayload{"error": err.Error()})
		} else {
			e.recordActivityState(ctx, run.ID, handle)
		}
	}
	if agreement.ID != "" {
		_ = e.Market.TerminateAgreement(ctx, agreement.ID, fmt.Sprintf("run failed: %s", failureKind(cause)))
		_ = e.Repo.UpdateAgreementState(ctx, agreement.ID, domain.AgreementTerminated, nil)
	}
}

func (e Engine) recordActivityState(ctx context.Context, runID string, handle *activity.Handle) {
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateActivityState(ctx, handle.ID, handle.State(), now); err != nil {
		return
	}
	_ = e.Events.Append(ctx, "activity.state", runID, "activity", handle.ID, events.EventPayload{"state": handle.State()})
}

// fail finalizes the run with its failure kind and single human-readable
// reason. The failed report is persisted, with any partial command results,
// so partial runs are inspectable.
func (e Engine) fail(_ context.Context, run domain.Run, partial []domain.CommandResult, cause error) (domain.Run, error) {
	// A fresh context so the outcome is recorded even when the run context
	// was cancelled by a signal.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run.Status = domain.RunFailed
	run.FailureKind = failureKind(cause)
	run.Reason = cause.Error()
	finished := e.now().UTC().Format(time.RFC3339)
	run.FinishedAt = &finished
	if err := e.Repo.UpdateRun(ctx, run); err != nil {
		return run, errors.Join(cause, err)
	}
	if run.ActivityID != nil {
		_ = e.Repo.UpsertReport(ctx, domain.ExecutionReport{
			RunID:      run.ID,
			ActivityID: *run.ActivityID,
			Success:    false,
			Commands:   partial,
			Reason:     run.Reason,
			StartedAt:  run.StartedAt,
			FinishedAt: finished,
		})
	}
	_ = e.Events.Append(ctx, "run.failed", run.ID, "run", run.ID, events.EventPayload{
		"kind":   run.FailureKind,
		"reason": run.Reason,
	})
	return run, cause
}

// failureKind maps an error to the taxonomy recorded with the run.
func failureKind(err error) string {
	var importErr keystore.ImportError
	if errors.As(err, &importErr) {
		return "import:" + importErr.Kind
	}
	var marketErr market.Error
	if errors.As(err, &marketErr) {
		return "market:" + marketErr.Kind
	}
	var activityErr activity.Error
	if errors.As(err, &activityErr) {
		return "activity:" + activityErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}
