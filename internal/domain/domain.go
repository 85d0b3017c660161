package domain

// NodeIdentity is the imported key material and the node id derived from it.
// Created once at startup and immutable afterwards.
type NodeIdentity struct {
	Key    string `json:"key"`
	NodeID string `json:"node_id"`
}

// Demand is the requestor's published resource requirement.
type Demand struct {
	Properties  map[string]any `json:"properties"`
	Constraints string         `json:"constraints"`
	ExpiresAt   string         `json:"expires_at" format:"date-time"`
}

// Proposal is a provider bid matched against a Demand. Proposals are never
// mutated, only superseded by later ones.
type Proposal struct {
	ID          string         `json:"proposal_id"`
	IssuerID    string         `json:"issuer_id"`
	State       string         `json:"state" enum:"initial,draft,rejected,accepted,expired"`
	Properties  map[string]any `json:"properties"`
	Constraints string         `json:"constraints,omitempty"`
}

const (
	AgreementProposed   = "proposed"
	AgreementApproved   = "approved"
	AgreementTerminated = "terminated"
)

// Agreement is the confirmed pairing of a Demand and a Proposal. The
// requestor's copy is authoritative for the local run.
type Agreement struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	ProposalID string  `json:"proposal_id"`
	ProviderID string  `json:"provider_id"`
	State      string  `json:"state" enum:"proposed,approved,terminated"`
	Price      float64 `json:"price"`
	ValidTo    string  `json:"valid_to" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
}

const (
	ActivityNew        = "new"
	ActivityDeployed   = "deployed"
	ActivityRunning    = "running"
	ActivityTerminated = "terminated"
)

// Activity is an execution context bound to an approved Agreement. State
// transitions are strictly forward: new -> deployed -> running -> terminated.
type Activity struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	AgreementID string `json:"agreement_id"`
	State       string `json:"state" enum:"new,deployed,running,terminated"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// CommandResult is the outcome of a single exe-script command.
type CommandResult struct {
	Index   int    `json:"index"`
	Command string `json:"command"`
	Result  string `json:"result" enum:"ok,error"`
	Stdout  string `json:"stdout,omitempty"`
	Message string `json:"message,omitempty"`
}

// ExecutionReport is the user-visible outcome of a completed activity.
type ExecutionReport struct {
	RunID      string          `json:"run_id"`
	ActivityID string          `json:"activity_id"`
	Success    bool            `json:"success"`
	Commands   []CommandResult `json:"commands,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	StartedAt  string          `json:"started_at" format:"date-time"`
	FinishedAt string          `json:"finished_at" format:"date-time"`
}

const (
	RunPending   = "pending"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one orchestration attempt: key import, negotiation, activity.
type Run struct {
	ID          string  `json:"id"`
	NodeID      string  `json:"node_id"`
	Status      string  `json:"status" enum:"pending,succeeded,failed"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	AgreementID *string `json:"agreement_id,omitempty"`
	ActivityID  *string `json:"activity_id,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	FinishedAt  *string `json:"finished_at,omitempty" format:"date-time"`
}

// Event is an entry in the run log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
