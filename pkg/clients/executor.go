package clients

import (
	"context"
	"fmt"
	"log/slog"
)

// ExecutorClient talks to the Portia executor's REST surface. Plans
// and runs are opaque to the caller; this client only moves them.
type ExecutorClient struct {
	http   *httpClient
	logger *slog.Logger
}

func NewExecutorClient(baseURL string, opts ...Option) *ExecutorClient {
	return &ExecutorClient{
		http:   newHTTPClient("executor", baseURL, opts...),
		logger: slog.Default().With("component", "executor-client"),
	}
}

// CreatePlan registers a plan with the executor and returns its id.
func (c *ExecutorClient) CreatePlan(ctx context.Context, plan map[string]any) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.http.do(ctx, "POST", "/v1/plans", "", plan, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("executor: create plan returned no id")
	}
	c.logger.Info("executor plan created", "plan_id", out.ID)
	return out.ID, nil
}

// StartRun starts a run of a previously created plan.
func (c *ExecutorClient) StartRun(ctx context.Context, planID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.http.do(ctx, "POST", "/v1/plans/"+planID+"/runs", "", nil, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("executor: start run returned no id")
	}
	c.logger.Info("executor run started", "plan_id", planID, "run_id", out.ID)
	return out.ID, nil
}

// GetRun fetches the current run state.
func (c *ExecutorClient) GetRun(ctx context.Context, runID string) (*RunStatus, error) {
	var out RunStatus
	if err := c.http.do(ctx, "GET", "/v1/runs/"+runID, "", nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = runID
	}
	return &out, nil
}

// ListClarifications returns all clarifications raised by a run.
func (c *ExecutorClient) ListClarifications(ctx context.Context, runID string) ([]Clarification, error) {
	var out []Clarification
	if err := c.http.do(ctx, "GET", "/v1/runs/"+runID+"/clarifications", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RespondClarification answers one clarification so the run can
// proceed.
func (c *ExecutorClient) RespondClarification(ctx context.Context, runID, clarificationID, response string) error {
	body := map[string]any{"response": response}
	return c.http.do(ctx, "POST",
		"/v1/runs/"+runID+"/clarifications/"+clarificationID+"/respond", "", body, nil)
}

// PauseRun asks the executor to pause a run.
func (c *ExecutorClient) PauseRun(ctx context.Context, runID string) (bool, error) {
	return c.runSignal(ctx, runID, "pause")
}

// ResumeRun asks the executor to resume a paused run.
func (c *ExecutorClient) ResumeRun(ctx context.Context, runID string) (bool, error) {
	return c.runSignal(ctx, runID, "resume")
}

// CancelRun asks the executor to cancel a run.
func (c *ExecutorClient) CancelRun(ctx context.Context, runID string) (bool, error) {
	return c.runSignal(ctx, runID, "cancel")
}

func (c *ExecutorClient) runSignal(ctx context.Context, runID, verb string) (bool, error) {
	var out struct {
		Success *bool `json:"success"`
	}
	if err := c.http.do(ctx, "POST", "/v1/runs/"+runID+"/"+verb, "", nil, &out); err != nil {
		return false, err
	}
	// A 2xx with no body still counts as accepted.
	if out.Success == nil {
		return true, nil
	}
	return *out.Success, nil
}
