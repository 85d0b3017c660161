// Package market negotiates agreements against the market API: publish a
// demand, collect proposals, confirm the agreement for the winning one.
package market

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"reqline/internal/api"
	"reqline/internal/domain"
)

const (
	KindTimeout           = "timeout"
	KindAgreementRejected = "agreement_rejected"
)

// Error is the market failure taxonomy. Recoverable until the negotiation
// deadline, fatal afterwards.
type Error struct {
	Kind string
	Err  error
}

func (e Error) Error() string {
	return fmt.Sprintf("market %s: %v", e.Kind, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

type Client struct {
	api *api.Client
}

func New(c *api.Client) *Client {
	return &Client{api: c}
}

type demandRequest struct {
	Properties  map[string]any `json:"properties"`
	Constraints string         `json:"constraints"`
}

// SubscribeDemand publishes a demand and returns its subscription id.
func (c *Client) SubscribeDemand(ctx context.Context, d domain.Demand) (string, error) {
	var subID string
	err := c.api.Do(ctx, http.MethodPost, "market-api/v1/demands",
		demandRequest{Properties: d.Properties, Constraints: d.Constraints}, &subID)
	if err != nil {
		return "", fmt.Errorf("subscribe demand: %w", err)
	}
	if subID == "" {
		return "", fmt.Errorf("subscribe demand: empty subscription id")
	}
	return subID, nil
}

// Unsubscribe withdraws the demand. Safe to call after the subscription is
// gone; the market answering 404 means there is nothing left to remove.
func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	err := c.api.Do(ctx, http.MethodDelete, "market-api/v1/demands/"+url.PathEscape(subID), nil, nil)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("unsubscribe demand: %w", err)
	}
	return nil
}

type marketEvent struct {
	EventType string           `json:"eventType"`
	Proposal  *domain.Proposal `json:"proposal,omitempty"`
}

// CollectProposals performs one long-poll against the demand's event queue.
// The call blocks server-side up to pollTimeout and returns whatever
// proposals arrived, possibly none. Restartable.
func (c *Client) CollectProposals(ctx context.Context, subID string, pollTimeout time.Duration, maxEvents int) ([]domain.Proposal, error) {
	endpoint := fmt.Sprintf("market-api/v1/demands/%s/events?timeout=%g&maxEvents=%d",
		url.PathEscape(subID), pollTimeout.Seconds(), maxEvents)
	var evts []marketEvent
	if err := c.api.Do(ctx, http.MethodGet, endpoint, nil, &evts); err != nil {
		return nil, fmt.Errorf("collect proposals: %w", err)
	}
	var out []domain.Proposal
	for _, evt := range evts {
		if evt.EventType != "ProposalEvent" || evt.Proposal == nil {
			continue
		}
		out = append(out, *evt.Proposal)
	}
	return out, nil
}

type agreementRequest struct {
	ProposalID string `json:"proposalId"`
	ValidTo    string `json:"validTo"`
}

// CreateAgreement drafts an agreement from an accepted proposal.
func (c *Client) CreateAgreement(ctx context.Context, proposalID string, validTo time.Time) (string, error) {
	var agreementID string
	err := c.api.Do(ctx, http.MethodPost, "market-api/v1/agreements",
		agreementRequest{ProposalID: proposalID, ValidTo: validTo.UTC().Format(time.RFC3339)}, &agreementID)
	if err != nil {
		return "", fmt.Errorf("create agreement: %w", err)
	}
	if agreementID == "" {
		return "", fmt.Errorf("create agreement: empty agreement id")
	}
	return agreementID, nil
}

// ConfirmAgreement signals the requestor side is committed.
func (c *Client) ConfirmAgreement(ctx context.Context, agreementID string) error {
	err := c.api.Do(ctx, http.MethodPost, "market-api/v1/agreements/"+url.PathEscape(agreementID)+"/confirm", nil, nil)
	if err != nil {
		return fmt.Errorf("confirm agreement: %w", err)
	}
	return nil
}

type agreementWaitResult struct {
	State string `json:"state"`
}

// WaitForApproval blocks until the provider approves or rejects the
// agreement, up to timeout.
func (c *Client) WaitForApproval(ctx context.Context, agreementID string, timeout time.Duration) error {
	endpoint := fmt.Sprintf("market-api/v1/agreements/%s/wait?timeout=%g",
		url.PathEscape(agreementID), timeout.Seconds())
	var res agreementWaitResult
	if err := c.api.Do(ctx, http.MethodPost, endpoint, nil, &res); err != nil {
		if api.IsStatus(err, http.StatusGone) {
			return Error{Kind: KindAgreementRejected, Err: fmt.Errorf("agreement %s withdrawn", agreementID)}
		}
		return fmt.Errorf("wait for approval: %w", err)
	}
	switch res.State {
	case "Approved", "approved":
		return nil
	case "Rejected", "rejected", "Cancelled", "cancelled":
		return Error{Kind: KindAgreementRejected, Err: fmt.Errorf("agreement %s %s", agreementID, res.State)}
	default:
		return fmt.Errorf("wait for approval: unexpected state %q", res.State)
	}
}

type terminateRequest struct {
	Message string `json:"message"`
}

// TerminateAgreement ends the agreement with a reason. Best-effort on the
// unwinding path.
func (c *Client) TerminateAgreement(ctx context.Context, agreementID, reason string) error {
	err := c.api.Do(ctx, http.MethodPost, "market-api/v1/agreements/"+url.PathEscape(agreementID)+"/terminate",
		terminateRequest{Message: reason}, nil)
	if err != nil && !api.IsStatus(err, http.StatusNotFound) && !api.IsStatus(err, http.StatusGone) {
		return fmt.Errorf("terminate agreement: %w", err)
	}
	return nil
}
