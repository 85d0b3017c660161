package market

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"reqline/internal/api"
	"reqline/internal/domain"
)

// Criteria are the hard constraints a proposal must satisfy. A proposal
// violating any of them is never accepted.
type Criteria struct {
	MaxPrice      float64
	MinMemGib     float64
	MinStorageGib float64
	Runtime       string
}

// Acceptable checks the proposal against every hard constraint and reports
// the first violation.
func (c Criteria) Acceptable(p domain.Proposal) (bool, string) {
	price, ok := propFloat(p, PropPrice)
	if !ok {
		return false, "no price property"
	}
	if price > c.MaxPrice {
		return false, fmt.Sprintf("price %g above maximum %g", price, c.MaxPrice)
	}
	if c.MinMemGib > 0 {
		mem, ok := propFloat(p, PropMemGib)
		if !ok || mem < c.MinMemGib {
			return false, fmt.Sprintf("memory below %g gib", c.MinMemGib)
		}
	}
	if c.MinStorageGib > 0 {
		storage, ok := propFloat(p, PropStorageGib)
		if !ok || storage < c.MinStorageGib {
			return false, fmt.Sprintf("storage below %g gib", c.MinStorageGib)
		}
	}
	if c.Runtime != "" {
		runtime, _ := p.Properties[PropRuntime].(string)
		if runtime != c.Runtime {
			return false, fmt.Sprintf("runtime %q, want %q", runtime, c.Runtime)
		}
	}
	return true, ""
}

// Negotiator runs the two-phase negotiation: publish the demand, poll for
// proposals, accept the first one meeting the criteria and confirm the
// agreement. When Score is set, the highest-scoring acceptable proposal in
// each poll batch wins instead of the first.
type Negotiator struct {
	Client      *Client
	Criteria    Criteria
	Score       func(domain.Proposal) float64
	PollTimeout time.Duration
	Deadline    time.Duration
	MaxEvents   int
	ValidFor    time.Duration
	Now         func() time.Time
}

func (n Negotiator) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Negotiate blocks until an agreement is approved or the negotiation
// deadline passes. The demand subscription is withdrawn on every exit path.
func (n Negotiator) Negotiate(ctx context.Context, demand domain.Demand) (domain.Agreement, error) {
	subID, err := n.Client.SubscribeDemand(ctx, demand)
	if err != nil {
		return domain.Agreement{}, err
	}
	defer func() {
		// The run context may already be cancelled on the failure path.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Client.Unsubscribe(cleanupCtx, subID)
	}()

	maxEvents := n.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 10
	}
	deadline := n.now().Add(n.Deadline)
	for {
		if !n.now().Before(deadline) {
			return domain.Agreement{}, Error{Kind: KindTimeout, Err: fmt.Errorf("no acceptable proposal within %s", n.Deadline)}
		}
		if err := ctx.Err(); err != nil {
			return domain.Agreement{}, err
		}
		proposals, err := n.Client.CollectProposals(ctx, subID, n.PollTimeout, maxEvents)
		if err != nil {
			// Transient poll failures are recoverable until the deadline;
			// a 4xx means the subscription itself is gone.
			if !recoverablePoll(err) {
				return domain.Agreement{}, err
			}
			log.Printf("market: proposal poll failed, retrying: %v", err)
			if werr := n.pausePolling(ctx); werr != nil {
				return domain.Agreement{}, werr
			}
			continue
		}
		picked, ok := n.pick(proposals)
		if !ok {
			continue
		}
		agreement, err := n.accept(ctx, picked)
		if err != nil {
			return domain.Agreement{}, err
		}
		return agreement, nil
	}
}

func (n Negotiator) pick(proposals []domain.Proposal) (domain.Proposal, bool) {
	var best domain.Proposal
	bestScore := 0.0
	found := false
	for _, p := range proposals {
		ok, _ := n.Criteria.Acceptable(p)
		if !ok {
			continue
		}
		if n.Score == nil {
			return p, true
		}
		if s := n.Score(p); !found || s > bestScore {
			best, bestScore, found = p, s, true
		}
	}
	return best, found
}

func (n Negotiator) accept(ctx context.Context, p domain.Proposal) (domain.Agreement, error) {
	validFor := n.ValidFor
	if validFor <= 0 {
		validFor = 30 * time.Minute
	}
	now := n.now().UTC()
	validTo := now.Add(validFor)
	agreementID, err := n.Client.CreateAgreement(ctx, p.ID, validTo)
	if err != nil {
		return domain.Agreement{}, err
	}
	if err := n.Client.ConfirmAgreement(ctx, agreementID); err != nil {
		return domain.Agreement{}, err
	}
	waitTimeout := time.Until(validTo)
	if n.PollTimeout > 0 && waitTimeout > 12*n.PollTimeout {
		waitTimeout = 12 * n.PollTimeout
	}
	if err := n.Client.WaitForApproval(ctx, agreementID, waitTimeout); err != nil {
		return domain.Agreement{}, err
	}
	price, _ := propFloat(p, PropPrice)
	approved := now.Format(time.RFC3339)
	return domain.Agreement{
		ID:         agreementID,
		ProposalID: p.ID,
		ProviderID: p.IssuerID,
		State:      domain.AgreementApproved,
		Price:      price,
		ValidTo:    validTo.Format(time.RFC3339),
		CreatedAt:  now.Format(time.RFC3339),
		ApprovedAt: &approved,
	}, nil
}

// recoverablePoll reports whether a proposal poll failure may clear up on a
// later attempt: server-side 5xx and transport hiccups do, client errors and
// context cancellation do not.
func recoverablePoll(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func (n Negotiator) pausePolling(ctx context.Context) error {
	d := n.PollTimeout
	if d <= 0 {
		d = time.Second
	}
	return api.Backoff{Initial: d}.Wait(ctx, 0)
}

func propFloat(p domain.Proposal, key string) (float64, bool) {
	switch v := p.Properties[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
