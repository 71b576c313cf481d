package clients

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Approval wait defaults. Wait gives up with ApprovalTimeout once the
// window closes without a decision.
const (
	DefaultApprovalTimeout = 300 * time.Second
	DefaultApprovalPoll    = 3 * time.Second
)

// ApprovalsClient talks to the approvals service over HTTP.
type ApprovalsClient struct {
	http    *httpClient
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// ApprovalsOption tunes the approvals client beyond the shared HTTP
// options.
type ApprovalsOption func(*ApprovalsClient)

// WithWaitWindow overrides the approval timeout and poll interval.
func WithWaitWindow(timeout, poll time.Duration) ApprovalsOption {
	return func(c *ApprovalsClient) {
		c.timeout = timeout
		c.poll = poll
	}
}

func NewApprovalsClient(baseURL string, opts []Option, approvalOpts ...ApprovalsOption) *ApprovalsClient {
	c := &ApprovalsClient{
		http:    newHTTPClient("approvals", baseURL, opts...),
		timeout: DefaultApprovalTimeout,
		poll:    DefaultApprovalPoll,
		logger:  slog.Default().With("component", "approvals-client"),
	}
	for _, o := range approvalOpts {
		o(c)
	}
	return c
}

// Open creates an approval request and returns its id.
func (c *ApprovalsClient) Open(ctx context.Context, req ApprovalRequest, tenantID uuid.UUID, actor string) (string, error) {
	body := map[string]any{
		"title":        req.Title,
		"description":  req.Description,
		"request_type": req.RequestType,
		"requested_by": actor,
		"metadata":     req.Metadata,
	}
	var out struct {
		ApprovalID string `json:"approval_id"`
		ID         string `json:"id"`
	}
	if err := c.http.do(ctx, "POST", "/v1/approvals", tenantID.String(), body, &out); err != nil {
		return "", err
	}
	id := out.ApprovalID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("approvals: response carried no approval id")
	}
	c.logger.Info("approval opened", "approval_id", id, "tenant_id", tenantID)
	return id, nil
}

// Wait polls the approval until it is decided or the window closes.
// The enclosing context still wins: cancellation surfaces as an error,
// not a timeout outcome.
func (c *ApprovalsClient) Wait(ctx context.Context, approvalID string, tenantID uuid.UUID) (ApprovalOutcome, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		var out struct {
			Status string `json:"status"`
		}
		err := c.http.do(ctx, "GET", "/v1/approvals/"+approvalID, tenantID.String(), nil, &out)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("approval poll failed", "approval_id", approvalID, "error", err)
		}

		switch out.Status {
		case "approved":
			return ApprovalApproved, nil
		case "rejected":
			return ApprovalRejected, nil
		}

		if time.Now().After(deadline) {
			c.logger.Warn("approval wait timed out", "approval_id", approvalID)
			return ApprovalTimeout, nil
		}
		if err := sleepCtx(ctx, c.poll); err != nil {
			return "", err
		}
	}
}
