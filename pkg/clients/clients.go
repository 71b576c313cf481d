// Package clients holds the outbound contracts for the services the
// orchestrator depends on — approvals, receipts and the Portia
// executor — plus HTTP implementations. The orchestrator only sees the
// interfaces, so tests substitute in-memory fakes.
package clients

import (
	"context"

	"github.com/google/uuid"
)

// Clarification is a pending question raised by the executor that a
// human must answer before the run proceeds.
type Clarification struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RunStatus is the executor's view of a plan run.
type RunStatus struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Progress     float64        `json:"progress"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// ApprovalOutcome is the terminal state of a waited approval.
type ApprovalOutcome string

const (
	ApprovalApproved ApprovalOutcome = "approved"
	ApprovalRejected ApprovalOutcome = "rejected"
	ApprovalTimeout  ApprovalOutcome = "timeout"
)

// ApprovalRequest opens a human approval from a clarification.
type ApprovalRequest struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	RequestType string         `json:"request_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Approvals opens approval requests and waits for their outcome.
type Approvals interface {
	Open(ctx context.Context, req ApprovalRequest, tenantID uuid.UUID, actor string) (string, error)
	Wait(ctx context.Context, approvalID string, tenantID uuid.UUID) (ApprovalOutcome, error)
}

// Receipt is the stored record of a finished run.
type Receipt struct {
	ReceiptID string         `json:"receipt_id"`
	Fields    map[string]any `json:"-"`
}

// Receipts persists execution receipts.
type Receipts interface {
	Write(ctx context.Context, payload map[string]any, tenantID uuid.UUID) (*Receipt, error)
}

// Executor is the opaque plan runtime. Plans are created, started and
// polled; clarifications are answered through it.
type Executor interface {
	CreatePlan(ctx context.Context, plan map[string]any) (string, error)
	StartRun(ctx context.Context, planID string) (string, error)
	GetRun(ctx context.Context, runID string) (*RunStatus, error)
	ListClarifications(ctx context.Context, runID string) ([]Clarification, error)
	RespondClarification(ctx context.Context, runID, clarificationID, response string) error
	PauseRun(ctx context.Context, runID string) (bool, error)
	ResumeRun(ctx context.Context, runID string) (bool, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
}
