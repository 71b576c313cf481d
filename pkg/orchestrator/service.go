// Package orchestrator drives plan execution: it verifies capability
// tokens, compiles capsules, hands plans to the external executor,
// bridges executor clarifications to human approvals, writes receipts
// and replays idempotent responses. Payment engines bypass compilation
// and dispatch straight to the Razorpay MCP tools.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anumate/enforcement-core/pkg/clients"
	"github.com/anumate/enforcement-core/pkg/compiler"
	"github.com/anumate/enforcement-core/pkg/token"
)

// Status is the orchestrator's verdict on one execution.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
)

// Hook types callers can attach to an execution.
const (
	HookPreExecution  = "pre_execution"
	HookPostExecution = "post_execution"
	HookOnError       = "on_error"
)

// Hook runs caller code around the execution pipeline. Hook failures
// are logged, never fatal.
type Hook struct {
	Type    string
	Enabled bool
	Run     func(ctx context.Context, hookCtx map[string]any) error
}

// ExecuteRequest asks for one plan execution.
type ExecuteRequest struct {
	CapsuleYAML     string
	CapsuleID       string
	PlanHash        string
	RequireApproval bool
	CapabilityToken string
	TenantID        uuid.UUID
	Actor           string

	Engine       string
	EngineParams map[string]any

	DryRun        bool
	CorrelationID string
	Hooks         []Hook
}

// ExecuteResult is the outcome returned to the caller and cached for
// idempotent replay.
type ExecuteResult struct {
	PlanRunID       string         `json:"plan_run_id"`
	Status          Status         `json:"status"`
	ReceiptID       string         `json:"receipt_id,omitempty"`
	ApprovalsCount  int            `json:"approvals_count"`
	DurationSeconds float64        `json:"duration_seconds"`
	MCP             map[string]any `json:"mcp,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
}

// TokenVerifier verifies a capability token. *token.Service satisfies
// this.
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string, tenantID uuid.UUID, clientIP string) (*token.VerifyResult, error)
}

// Config tunes the orchestrator.
type Config struct {
	// EnableRazorpayMCP gates the payment engines.
	EnableRazorpayMCP bool
	// RazorpayMCPMode must be "remote" or "stdio" when the engines
	// are enabled.
	RazorpayMCPMode string

	// RunPollInterval is the wait between run status checks during
	// execution. MaxPollIterations bounds the clarification loop.
	RunPollInterval   time.Duration
	MaxPollIterations int
}

// Validate fails fast on a config the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.EnableRazorpayMCP && c.RazorpayMCPMode != "remote" && c.RazorpayMCPMode != "stdio" {
		return fmt.Errorf("razorpay mcp mode must be remote or stdio, got %q", c.RazorpayMCPMode)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RunPollInterval <= 0 {
		c.RunPollInterval = 5 * time.Second
	}
	if c.MaxPollIterations <= 0 {
		c.MaxPollIterations = 120
	}
	return c
}

// Service is the orchestrator core.
type Service struct {
	cfg         Config
	executor    clients.Executor
	approvals   clients.Approvals
	receipts    clients.Receipts
	verifier    TokenVerifier
	compiler    *compiler.Compiler
	idempotency *IdempotencyStore
	events      Publisher
	monitor     *Monitor
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewService wires the orchestrator. verifier and idempotency may be
// nil; execution then skips token verification and replay caching.
func NewService(
	cfg Config,
	executor clients.Executor,
	approvals clients.Approvals,
	receipts clients.Receipts,
	planCompiler *compiler.Compiler,
	verifier TokenVerifier,
	idempotency *IdempotencyStore,
	events Publisher,
) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = NewLogPublisher()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		executor:    executor,
		approvals:   approvals,
		receipts:    receipts,
		verifier:    verifier,
		compiler:    planCompiler,
		idempotency: idempotency,
		events:      events,
		monitor:     NewMonitor(executor, events),
		logger:      slog.Default().With("component", "orchestrator"),
		now:         time.Now,
		sleep:       sleepUntil,
	}, nil
}

// Monitor exposes the execution monitor for status queries.
func (s *Service) Monitor() *Monitor { return s.monitor }

// Close stops background monitoring.
func (s *Service) Close() { s.monitor.Close() }

// Execute runs the full pipeline for one request.
func (s *Service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	started := s.now()

	var idemKey string
	if !req.DryRun && s.idempotency != nil {
		key, err := s.idempotency.Key(req.TenantID, requestFingerprint(req))
		if err != nil {
			s.logger.Warn("idempotency key derivation failed", "error", err)
		} else {
			idemKey = key
			if cached, ok := s.idempotency.Check(ctx, idemKey); ok {
				s.logger.Info("replaying cached execution response",
					"tenant_id", req.TenantID, "plan_run_id", cached.PlanRunID)
				return cached, nil
			}
		}
	}

	if err := s.verifyToken(ctx, req); err != nil {
		s.runHooks(ctx, req.Hooks, HookOnError, map[string]any{"error": err.Error()})
		return nil, err
	}

	s.runHooks(ctx, req.Hooks, HookPreExecution, map[string]any{
		"tenant_id": req.TenantID.String(),
		"plan_hash": req.PlanHash,
	})

	var result *ExecuteResult
	var err error
	if IsMCPEngine(req.Engine) {
		result, err = s.executeEngine(ctx, req, started)
	} else {
		result, err = s.executePlan(ctx, req, started)
	}
	if err != nil {
		s.runHooks(ctx, req.Hooks, HookOnError, map[string]any{"error": err.Error()})
		return nil, err
	}
	result.CorrelationID = req.CorrelationID

	if idemKey != "" && result.Status == StatusSucceeded {
		s.idempotency.Store(ctx, idemKey, result)
	}

	s.runHooks(ctx, req.Hooks, HookPostExecution, map[string]any{
		"plan_run_id": result.PlanRunID,
		"status":      string(result.Status),
	})
	return result, nil
}

// Pause asks the executor to pause a run and publishes the event.
func (s *Service) Pause(ctx context.Context, runID string, tenantID uuid.UUID) (bool, error) {
	ok, err := s.executor.PauseRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("pause run %s: %w", runID, err)
	}
	if ok {
		s.publish(ctx, EventPaused, map[string]any{
			"run_id": runID, "tenant_id": tenantID.String(),
		})
	}
	return ok, nil
}

// Resume asks the executor to resume a paused run.
func (s *Service) Resume(ctx context.Context, runID string, tenantID uuid.UUID) (bool, error) {
	ok, err := s.executor.ResumeRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("resume run %s: %w", runID, err)
	}
	if ok {
		s.publish(ctx, EventResumed, map[string]any{
			"run_id": runID, "tenant_id": tenantID.String(),
		})
	}
	return ok, nil
}

// Cancel asks the executor to cancel a run, stops monitoring it and
// publishes the event.
func (s *Service) Cancel(ctx context.Context, runID string, tenantID uuid.UUID) (bool, error) {
	ok, err := s.executor.CancelRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if ok {
		s.monitor.Stop(runID)
		s.publish(ctx, EventCancelled, map[string]any{
			"run_id": runID, "tenant_id": tenantID.String(),
		})
	}
	return ok, nil
}

// verifyToken checks the capability token when one is supplied.
// Engine requests need the payment capabilities, everything else
// needs plan_execution.
func (s *Service) verifyToken(ctx context.Context, req ExecuteRequest) error {
	if req.CapabilityToken == "" || s.verifier == nil {
		return nil
	}
	required := []string{"plan_execution"}
	if IsMCPEngine(req.Engine) {
		required = []string{"payments.execute", "razorpay.mcp"}
	}

	verified, err := s.verifier.Verify(ctx, req.CapabilityToken, req.TenantID, "")
	if err != nil {
		return fmt.Errorf("verify capability token: %w", err)
	}
	if !verified.Valid {
		return fmt.Errorf("capability token rejected: %s", verified.Error)
	}
	provided := payloadCapabilities(verified.Payload)
	for _, capName := range required {
		if !containsString(provided, capName) {
			return fmt.Errorf("capability token missing required capability %q", capName)
		}
	}
	return nil
}

// executeEngine dispatches a Razorpay MCP engine: approval first when
// required, then the tool call via the executor, then the receipt.
func (s *Service) executeEngine(ctx context.Context, req ExecuteRequest, started time.Time) (*ExecuteResult, error) {
	if !s.cfg.EnableRazorpayMCP {
		return nil, fmt.Errorf("razorpay mcp is not enabled")
	}
	if err := ValidateEngineParams(req.Engine, req.EngineParams); err != nil {
		return nil, fmt.Errorf("engine %s: %w", req.Engine, err)
	}

	var approvals []map[string]any
	status := StatusSucceeded

	if req.RequireApproval {
		title, message := engineClarification(req.Engine, req.EngineParams)
		approvalID, err := s.approvals.Open(ctx, clients.ApprovalRequest{
			Title:       title,
			Description: message,
			RequestType: "mcp_action",
			Metadata:    map[string]any{"engine": req.Engine},
		}, req.TenantID, req.Actor)
		if err != nil {
			return nil, fmt.Errorf("open approval: %w", err)
		}

		outcome, err := s.approvals.Wait(ctx, approvalID, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("wait for approval: %w", err)
		}
		approvals = append(approvals, map[string]any{
			"approval_id": approvalID,
			"status":      string(outcome),
			"action":      req.Engine,
			"timestamp":   s.now().UTC().Format(time.RFC3339),
		})
		if outcome != clients.ApprovalApproved {
			status = StatusRejected
		}
	}

	var runID string
	var mcpResult map[string]any
	if status == StatusSucceeded {
		planID, err := s.executor.CreatePlan(ctx, enginePlan(req.Engine, req.EngineParams))
		if err != nil {
			return nil, fmt.Errorf("create engine plan: %w", err)
		}
		runID, err = s.executor.StartRun(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("start engine run: %w", err)
		}
		run, err := s.waitTerminal(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status != runCompleted {
			status = StatusFailed
		}
		mcpResult = extractMCPResult(run, req.Engine)
	} else {
		runID = uuid.NewString()
		mcpResult = map[string]any{"tool": engineTool(req.Engine), "status": "rejected"}
	}

	completed := s.now()
	receiptID := s.writeReceipt(ctx, req, map[string]any{
		"plan_hash":       req.PlanHash,
		"plan_run_id":     runID,
		"engine":          req.Engine,
		"status":          string(status),
		"approvals":       approvals,
		"actor":           req.Actor,
		"tenant_id":       req.TenantID.String(),
		"started_at":      started.UTC().Format(time.RFC3339),
		"completed_at":    completed.UTC().Format(time.RFC3339),
		"duration_seconds": completed.Sub(started).Seconds(),
		"engine_result":   mcpResult,
	}, runID)

	return &ExecuteResult{
		PlanRunID:       runID,
		Status:          status,
		ReceiptID:       receiptID,
		ApprovalsCount:  len(approvals),
		DurationSeconds: completed.Sub(started).Seconds(),
		MCP:             mcpResult,
	}, nil
}

// executePlan compiles the capsule, runs it in the executor and
// bridges clarifications to approvals until the run is terminal.
func (s *Service) executePlan(ctx context.Context, req ExecuteRequest, started time.Time) (*ExecuteResult, error) {
	if req.CapsuleYAML == "" {
		return nil, fmt.Errorf("capsule_yaml is required for plan execution")
	}
	capsule, err := compiler.ParseCapsuleYAML([]byte(req.CapsuleYAML))
	if err != nil {
		return nil, fmt.Errorf("parse capsule: %w", err)
	}

	compiled := s.compiler.Compile(ctx, capsule, req.TenantID, uuid.Nil, compiler.DefaultOptions())
	if !compiled.Success {
		return nil, fmt.Errorf("capsule compilation failed: %s", strings.Join(compiled.Errors, "; "))
	}
	planHash := compiled.Plan.Hash
	if req.PlanHash == "" {
		req.PlanHash = planHash
	}

	executorPlan, err := planToMap(compiled.Plan)
	if err != nil {
		return nil, fmt.Errorf("serialize plan: %w", err)
	}
	if req.RequireApproval {
		injectApprovalGate(executorPlan, capsule.Name)
	}

	planID, err := s.executor.CreatePlan(ctx, executorPlan)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	runID, err := s.executor.StartRun(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	s.monitor.Start(runID, req.TenantID, req.PlanHash, req.Actor)

	status, approvals, err := s.driveRun(ctx, req, runID)
	if err != nil {
		return nil, err
	}

	completed := s.now()
	receiptID := s.writeReceipt(ctx, req, map[string]any{
		"plan_hash":       req.PlanHash,
		"plan_id":         planID,
		"plan_run_id":     runID,
		"status":          string(status),
		"approvals":       approvals,
		"actor":           req.Actor,
		"tenant_id":       req.TenantID.String(),
		"started_at":      started.UTC().Format(time.RFC3339),
		"completed_at":    completed.UTC().Format(time.RFC3339),
		"duration_seconds": completed.Sub(started).Seconds(),
	}, runID)

	return &ExecuteResult{
		PlanRunID:       runID,
		Status:          status,
		ReceiptID:       receiptID,
		ApprovalsCount:  len(approvals),
		DurationSeconds: completed.Sub(started).Seconds(),
	}, nil
}

// driveRun polls the run, bridging each pending clarification to an
// approval. A rejection answers the clarification and stops the run.
func (s *Service) driveRun(ctx context.Context, req ExecuteRequest, runID string) (Status, []map[string]any, error) {
	var approvals []map[string]any
	rejected := false

	for iteration := 0; iteration < s.cfg.MaxPollIterations; iteration++ {
		run, err := s.executor.GetRun(ctx, runID)
		if err != nil {
			return "", nil, fmt.Errorf("poll run %s: %w", runID, err)
		}
		if isTerminalRunState(run.Status) {
			return finalStatus(run.Status, rejected), approvals, nil
		}

		if req.RequireApproval && !rejected {
			clarifications, err := s.executor.ListClarifications(ctx, runID)
			if err != nil {
				return "", nil, fmt.Errorf("list clarifications: %w", err)
			}
			for _, clarification := range clarifications {
				if clarification.Status != "pending" {
					continue
				}
				record, outcome, err := s.bridgeClarification(ctx, req, runID, clarification)
				if err != nil {
					return "", nil, err
				}
				approvals = append(approvals, record)
				if outcome == clients.ApprovalRejected {
					rejected = true
					break
				}
			}
			if rejected {
				// Stop the run; the rejection already answered the
				// clarification.
				if _, err := s.executor.CancelRun(ctx, runID); err != nil {
					s.logger.Warn("cancel after rejection failed", "run_id", runID, "error", err)
				}
				return StatusRejected, approvals, nil
			}
		}

		if err := s.sleep(ctx, s.cfg.RunPollInterval); err != nil {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("run %s did not reach a terminal state", runID)
}

// bridgeClarification opens an approval for one clarification, waits
// for the decision and answers the executor.
func (s *Service) bridgeClarification(ctx context.Context, req ExecuteRequest, runID string, clarification clients.Clarification) (map[string]any, clients.ApprovalOutcome, error) {
	approvalID, err := s.approvals.Open(ctx, clients.ApprovalRequest{
		Title:       "Plan Execution Clarification",
		Description: clarification.Message,
		RequestType: "plan_clarification",
		Metadata: map[string]any{
			"plan_run_id":      runID,
			"clarification_id": clarification.ID,
		},
	}, req.TenantID, req.Actor)
	if err != nil {
		return nil, "", fmt.Errorf("open approval for clarification %s: %w", clarification.ID, err)
	}

	outcome, err := s.approvals.Wait(ctx, approvalID, req.TenantID)
	if err != nil {
		return nil, "", fmt.Errorf("wait for approval %s: %w", approvalID, err)
	}

	response := "Approved"
	switch outcome {
	case clients.ApprovalRejected:
		response = "Request rejected by approver"
	case clients.ApprovalTimeout:
		response = "Approval timed out"
	}
	if err := s.executor.RespondClarification(ctx, runID, clarification.ID, response); err != nil {
		return nil, "", fmt.Errorf("respond to clarification %s: %w", clarification.ID, err)
	}

	s.logger.Info("clarification bridged",
		"run_id", runID, "clarification_id", clarification.ID,
		"approval_id", approvalID, "outcome", string(outcome))

	return map[string]any{
		"approval_id":      approvalID,
		"clarification_id": clarification.ID,
		"status":           string(outcome),
		"timestamp":        s.now().UTC().Format(time.RFC3339),
	}, outcome, nil
}

// waitTerminal polls a run until it stops moving.
func (s *Service) waitTerminal(ctx context.Context, runID string) (*clients.RunStatus, error) {
	for iteration := 0; iteration < s.cfg.MaxPollIterations; iteration++ {
		run, err := s.executor.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("poll run %s: %w", runID, err)
		}
		if isTerminalRunState(run.Status) {
			return run, nil
		}
		if err := s.sleep(ctx, s.cfg.RunPollInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("run %s did not reach a terminal state", runID)
}

// writeReceipt persists the receipt, falling back to a derived id so
// a receipts outage never loses the execution result.
func (s *Service) writeReceipt(ctx context.Context, req ExecuteRequest, payload map[string]any, runID string) string {
	receipt, err := s.receipts.Write(ctx, payload, req.TenantID)
	if err != nil {
		s.logger.Error("receipt write failed", "run_id", runID, "error", err)
		return "receipt_" + runID
	}
	return receipt.ReceiptID
}

func (s *Service) runHooks(ctx context.Context, hooks []Hook, hookType string, hookCtx map[string]any) {
	for _, hook := range hooks {
		if hook.Type != hookType || !hook.Enabled || hook.Run == nil {
			continue
		}
		if err := hook.Run(ctx, hookCtx); err != nil {
			s.logger.Error("hook failed", "hook_type", hookType, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]any) {
	err := s.events.Publish(ctx, Event{
		Type: eventType, Source: eventSource, Data: data, Time: s.now(),
	})
	if err != nil {
		s.logger.Warn("event publish failed", "event_type", eventType, "error", err)
	}
}

func finalStatus(runState string, rejected bool) Status {
	if rejected {
		return StatusRejected
	}
	if runState == runCompleted {
		return StatusSucceeded
	}
	return StatusFailed
}

// requestFingerprint is the stable view of a request used for
// idempotency. Hooks and the token are identity, not content.
func requestFingerprint(req ExecuteRequest) map[string]any {
	return map[string]any{
		"capsule_yaml":     req.CapsuleYAML,
		"capsule_id":       req.CapsuleID,
		"plan_hash":        req.PlanHash,
		"require_approval": req.RequireApproval,
		"tenant_id":        req.TenantID.String(),
		"actor":            req.Actor,
		"engine":           req.Engine,
		"engine_params":    req.EngineParams,
	}
}

func planToMap(p any) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// injectApprovalGate prepends a clarification step so the executor
// pauses for human approval before the first real step.
func injectApprovalGate(executorPlan map[string]any, capsuleName string) {
	gate := map[string]any{
		"step_id":   "approval_gate",
		"step_type": "clarification",
		"name":      "Approval Gate",
		"parameters": map[string]any{
			"prompt":   fmt.Sprintf("Approve execution of %s", capsuleName),
			"required": true,
		},
	}
	flows, _ := executorPlan["flows"].([]any)
	for i, rawFlow := range flows {
		flow, ok := rawFlow.(map[string]any)
		if !ok {
			continue
		}
		steps, _ := flow["steps"].([]any)
		flow["steps"] = append([]any{gate}, steps...)
		flows[i] = flow
		break
	}
	executorPlan["approval_gate"] = true
}

func extractMCPResult(run *clients.RunStatus, engine string) map[string]any {
	if run.Results != nil {
		if mcp, ok := run.Results["mcp"].(map[string]any); ok {
			return mcp
		}
	}
	result := map[string]any{"tool": engineTool(engine), "status": run.Status}
	if run.ErrorMessage != "" {
		result["error"] = run.ErrorMessage
	}
	return result
}

func payloadCapabilities(payload map[string]any) []string {
	switch v := payload["cap"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func sleepUntil(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
