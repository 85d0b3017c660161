// Package activity drives an execution context on the provider through its
// lifecycle over the activity API.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"reqline/internal/api"
	"reqline/internal/config"
)

const (
	KindProviderUnresponsive = "provider_unresponsive"
	KindExecutionFailed      = "execution_failed"
)

// Error is the activity failure taxonomy. Transitions are retried up to a
// bound before an Error is surfaced; cleanup is still attempted afterwards.
type Error struct {
	Kind string
	Err  error
}

func (e Error) Error() string {
	return fmt.Sprintf("activity %s: %v", e.Kind, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

type Client struct {
	api *api.Client
}

func New(c *api.Client) *Client {
	return &Client{api: c}
}

type createRequest struct {
	AgreementID string `json:"agreementId"`
}

// CreateActivity opens an activity bound to an approved agreement.
func (c *Client) CreateActivity(ctx context.Context, agreementID string) (string, error) {
	var activityID string
	err := c.api.Do(ctx, http.MethodPost, "activity-api/v1/activity", createRequest{AgreementID: agreementID}, &activityID)
	if err != nil {
		return "", fmt.Errorf("create activity: %w", err)
	}
	if activityID == "" {
		return "", fmt.Errorf("create activity: empty activity id")
	}
	return activityID, nil
}

type execRequest struct {
	Text string `json:"text"`
}

// Exec submits an exe-script batch and returns its batch id.
func (c *Client) Exec(ctx context.Context, activityID string, script []config.Command) (string, error) {
	text, err := encodeScript(script)
	if err != nil {
		return "", err
	}
	var batchID string
	endpoint := "activity-api/v1/activity/" + url.PathEscape(activityID) + "/exec"
	if err := c.api.Do(ctx, http.MethodPost, endpoint, execRequest{Text: text}, &batchID); err != nil {
		return "", fmt.Errorf("exec batch: %w", err)
	}
	if batchID == "" {
		return "", fmt.Errorf("exec batch: empty batch id")
	}
	return batchID, nil
}

// BatchResult is one command outcome within an exe-script batch.
type BatchResult struct {
	Index           int    `json:"index"`
	Result          string `json:"result"`
	Stdout          string `json:"stdout,omitempty"`
	Message         string `json:"message,omitempty"`
	IsBatchFinished bool   `json:"isBatchFinished"`
}

// BatchResults fetches the results accumulated so far for a batch.
func (c *Client) BatchResults(ctx context.Context, activityID, batchID string) ([]BatchResult, error) {
	endpoint := fmt.Sprintf("activity-api/v1/activity/%s/exec/%s", url.PathEscape(activityID), url.PathEscape(batchID))
	var out []BatchResult
	if err := c.api.Do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("batch results: %w", err)
	}
	return out, nil
}

type stateResponse struct {
	State []any `json:"state"`
}

// State returns the provider-acknowledged activity state.
func (c *Client) State(ctx context.Context, activityID string) (string, error) {
	var res stateResponse
	endpoint := "activity-api/v1/activity/" + url.PathEscape(activityID) + "/state"
	if err := c.api.Do(ctx, http.MethodGet, endpoint, nil, &res); err != nil {
		return "", fmt.Errorf("query state: %w", err)
	}
	if len(res.State) == 0 {
		return "", fmt.Errorf("query state: empty state tuple")
	}
	s, _ := res.State[0].(string)
	return s, nil
}

// Destroy removes the activity. Idempotent: a missing activity counts as
// destroyed.
func (c *Client) Destroy(ctx context.Context, activityID string) error {
	err := c.api.Do(ctx, http.MethodDelete, "activity-api/v1/activity/"+url.PathEscape(activityID), nil, nil)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) && !api.IsStatus(err, http.StatusGone) {
		return fmt.Errorf("destroy activity: %w", err)
	}
	return nil
}

// encodeScript turns config commands into the exe-script JSON the provider
// expects: a list of single-key command objects.
func encodeScript(script []config.Command) (string, error) {
	var entries []map[string]any
	for _, cmd := range script {
		switch cmd.Cmd {
		case "deploy":
			entries = append(entries, map[string]any{"deploy": map[string]any{}})
		case "start":
			entries = append(entries, map[string]any{"start": map[string]any{"args": emptyIfNil(cmd.Args)}})
		case "run":
			if len(cmd.Args) == 0 {
				return "", fmt.Errorf("run command requires an entry point")
			}
			entries = append(entries, map[string]any{"run": map[string]any{
				"entry_point": cmd.Args[0],
				"args":        emptyIfNil(cmd.Args[1:]),
			}})
		case "stop", "terminate":
			entries = append(entries, map[string]any{"terminate": map[string]any{}})
		default:
			return "", fmt.Errorf("unknown exe-script command %q", cmd.Cmd)
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode exe-script: %w", err)
	}
	return string(data), nil
}

func emptyIfNil(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}
