package activity

import (
	"context"
	"fmt"
	"strings"

	"reqline/internal/api"
	"reqline/internal/config"
	"reqline/internal/domain"
)

// Handle tracks one activity's local state. Transitions are strictly
// forward; once terminated no further transition is possible.
type Handle struct {
	ID    string
	state string
}

func (h *Handle) State() string { return h.state }

var order = map[string]int{
	domain.ActivityNew:        0,
	domain.ActivityDeployed:   1,
	domain.ActivityRunning:    2,
	domain.ActivityTerminated: 3,
}

func (h *Handle) advance(from, to string) error {
	if h.state != from {
		return fmt.Errorf("activity %s is %s, cannot transition %s -> %s", h.ID, h.state, from, to)
	}
	if order[to] <= order[from] {
		return fmt.Errorf("activity transition %s -> %s is not forward", from, to)
	}
	h.state = to
	return nil
}

// Driver sequences an activity through new -> deployed -> running ->
// terminated. Every transition is confirmed by polling the activity API with
// bounded backoff.
type Driver struct {
	Client  *Client
	Backoff api.Backoff
}

// Create opens an activity for an approved agreement.
func (d *Driver) Create(ctx context.Context, agreement domain.Agreement) (*Handle, error) {
	if agreement.State != domain.AgreementApproved {
		return nil, fmt.Errorf("agreement %s is %s, activity requires approved", agreement.ID, agreement.State)
	}
	id, err := d.Client.CreateActivity(ctx, agreement.ID)
	if err != nil {
		return nil, err
	}
	return &Handle{ID: id, state: domain.ActivityNew}, nil
}

// Deploy pushes the image to the provider and waits for the Deployed
// acknowledgement.
func (d *Driver) Deploy(ctx context.Context, h *Handle) error {
	if h.state != domain.ActivityNew {
		return fmt.Errorf("activity %s is %s, deploy requires new", h.ID, h.state)
	}
	if err := d.transition(ctx, h, []config.Command{{Cmd: "deploy"}}, "Deployed"); err != nil {
		return err
	}
	return h.advance(domain.ActivityNew, domain.ActivityDeployed)
}

// Start launches the deployed image and waits for the Ready acknowledgement.
func (d *Driver) Start(ctx context.Context, h *Handle, args []string) error {
	if h.state != domain.ActivityDeployed {
		return fmt.Errorf("activity %s is %s, start requires deployed", h.ID, h.state)
	}
	if err := d.transition(ctx, h, []config.Command{{Cmd: "start", Args: args}}, "Ready"); err != nil {
		return err
	}
	return h.advance(domain.ActivityDeployed, domain.ActivityRunning)
}

// Exec runs the payload commands and blocks until the batch finishes,
// returning per-command results. A remote error result fails the whole
// batch with an execution error.
func (d *Driver) Exec(ctx context.Context, h *Handle, cmds []config.Command) ([]domain.CommandResult, error) {
	if h.state != domain.ActivityRunning {
		return nil, fmt.Errorf("activity %s is %s, exec requires running", h.ID, h.state)
	}
	batchID, err := d.Client.Exec(ctx, h.ID, cmds)
	if err != nil {
		return nil, err
	}
	results, err := d.awaitBatch(ctx, h.ID, batchID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CommandResult, 0, len(results))
	var failed *BatchResult
	for i, res := range results {
		name := ""
		if i < len(cmds) {
			name = cmds[i].Cmd
			if len(cmds[i].Args) > 0 {
				name += " " + strings.Join(cmds[i].Args, " ")
			}
		}
		out = append(out, domain.CommandResult{
			Index:   res.Index,
			Command: name,
			Result:  strings.ToLower(res.Result),
			Stdout:  res.Stdout,
			Message: res.Message,
		})
		if failed == nil && strings.EqualFold(res.Result, "Error") {
			r := res
			failed = &r
		}
	}
	if failed != nil {
		return out, Error{Kind: KindExecutionFailed,
			Err: fmt.Errorf("command %d failed: %s", failed.Index, failed.Message)}
	}
	return out, nil
}

// Destroy tears the activity down. Idempotent and best-effort: used on
// success and on cleanup during failure unwinding.
func (d *Driver) Destroy(ctx context.Context, h *Handle) error {
	if h == nil || h.ID == "" {
		return nil
	}
	if err := d.Client.Destroy(ctx, h.ID); err != nil {
		return err
	}
	h.state = domain.ActivityTerminated
	return nil
}

// transition submits the command batch and polls until the provider reports
// the wanted state.
func (d *Driver) transition(ctx context.Context, h *Handle, cmds []config.Command, wantState string) error {
	batchID, err := d.Client.Exec(ctx, h.ID, cmds)
	if err != nil {
		return err
	}
	results, err := d.awaitBatch(ctx, h.ID, batchID)
	if err != nil {
		return err
	}
	for _, res := range results {
		if strings.EqualFold(res.Result, "Error") {
			return Error{Kind: KindExecutionFailed,
				Err: fmt.Errorf("command %d failed: %s", res.Index, res.Message)}
		}
	}
	return d.awaitState(ctx, h.ID, wantState)
}

func (d *Driver) awaitBatch(ctx context.Context, activityID, batchID string) ([]BatchResult, error) {
	var lastErr error
	for attempt := 0; attempt < d.Backoff.MaxAttempts; attempt++ {
		results, err := d.Client.BatchResults(ctx, activityID, batchID)
		if err != nil {
			lastErr = err
		} else {
			for _, res := range results {
				if strings.EqualFold(res.Result, "Error") {
					return results, nil
				}
			}
			if len(results) > 0 && results[len(results)-1].IsBatchFinished {
				return results, nil
			}
			lastErr = fmt.Errorf("batch %s not finished", batchID)
		}
		if err := d.Backoff.Wait(ctx, attempt); err != nil {
			return nil, err
		}
	}
	return nil, Error{Kind: KindProviderUnresponsive, Err: lastErr}
}

func (d *Driver) awaitState(ctx context.Context, activityID, want string) error {
	var lastErr error
	for attempt := 0; attempt < d.Backoff.MaxAttempts; attempt++ {
		state, err := d.Client.State(ctx, activityID)
		if err == nil && strings.EqualFold(state, want) {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("state %q, want %q", state, want)
		}
		if err := d.Backoff.Wait(ctx, attempt); err != nil {
			return err
		}
	}
	return Error{Kind: KindProviderUnresponsive, Err: lastErr}
}
