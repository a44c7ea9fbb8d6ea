package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/asdlc-io/substrate/pkg/dispatch"
	"github.com/asdlc-io/substrate/pkg/events"
)

// Coordinator drives the two-phase workflow. It is single-session per run
// and suspends cooperatively at each sub-agent invocation.
type Coordinator struct {
	agents    AgentInvoker
	gates     GateDispatcher
	publisher *events.Publisher
	skipHITL  bool
}

// Options configures optional coordinator behavior.
type Options struct {
	// SkipHITL bypasses gate submission and proceeds as if approved. This
	// is the mode for tests and the single-tenant no-gate configuration.
	SkipHITL bool

	// Publisher, when set, emits gate_requested events for observability.
	Publisher *events.Publisher
}

// NewCoordinator creates a coordinator. gates may be nil only when
// opts.SkipHITL is set.
func NewCoordinator(agents AgentInvoker, gates GateDispatcher, opts Options) *Coordinator {
	return &Coordinator{
		agents:    agents,
		gates:     gates,
		publisher: opts.Publisher,
		skipHITL:  opts.SkipHITL,
	}
}

// RegistryInvoker adapts the agent registry to the AgentInvoker contract.
type RegistryInvoker struct {
	Registry *dispatch.Registry
}

// Invoke dispatches the named agent type through the registry.
func (r RegistryInvoker) Invoke(ctx context.Context, agentType string, actx *dispatch.AgentContext, meta map[string]any) (*dispatch.AgentResult, error) {
	merged := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	merged["agent_type"] = agentType
	return r.Registry.Dispatch(ctx, actx, merged)
}

// RunValidationPhase runs validation then security. When both pass it
// submits the HITL-5 evidence bundle and returns pending; a failed stage
// short-circuits with FailedAt set. Infrastructure errors (an unreachable
// invoker) propagate as errors, not as phase failures.
func (c *Coordinator) RunValidationPhase(ctx context.Context, task TaskRef) (*ValidationResult, error) {
	log := slog.With("session_id", task.SessionID, "task_id", task.TaskID)

	validation, err := c.runStage(ctx, task, StageValidation, ReportValidation)
	if err != nil {
		return nil, err
	}
	if !validation.passed {
		log.Info("Validation phase failed", "failed_at", StageValidation)
		return &ValidationResult{FailedAt: StageValidation, ValidationReport: validation.report}, nil
	}

	security, err := c.runStage(ctx, task, StageSecurity, ReportSecurity)
	if err != nil {
		return nil, err
	}
	if !security.passed {
		log.Info("Validation phase failed", "failed_at", StageSecurity)
		return &ValidationResult{
			FailedAt:         StageSecurity,
			ValidationReport: validation.report,
			SecurityReport:   security.report,
		}, nil
	}

	result := &ValidationResult{
		Passed:           true,
		ValidationReport: validation.report,
		SecurityReport:   security.report,
	}

	if c.skipHITL {
		log.Info("Validation phase passed, gate skipped")
		return result, nil
	}

	bundle := validationEvidence(task, validation, security)
	requestID, err := c.requestGate(ctx, task, bundle)
	if err != nil {
		return nil, fmt.Errorf("submitting HITL-5 gate: %w", err)
	}
	result.PendingHITL5 = true
	result.HITL5RequestID = requestID
	log.Info("HITL-5 gate requested", "request_id", requestID)
	return result, nil
}

// RunDeploymentPhase runs release then deployment. When both pass it
// submits the HITL-6 evidence bundle and returns pending (or, with
// SkipHITL, proceeds straight to the monitor stage as if approved).
func (c *Coordinator) RunDeploymentPhase(ctx context.Context, task TaskRef) (*DeploymentResult, error) {
	log := slog.With("session_id", task.SessionID, "task_id", task.TaskID)

	release, err := c.runStage(ctx, task, StageRelease, ReportRelease)
	if err != nil {
		return nil, err
	}
	if !release.passed {
		log.Info("Deployment phase failed", "failed_at", StageRelease)
		return &DeploymentResult{FailedAt: StageRelease, ReleaseManifest: release.report}, nil
	}

	deployment, err := c.runStage(ctx, task, StageDeployment, ReportDeployment)
	if err != nil {
		return nil, err
	}
	if !deployment.passed {
		log.Info("Deployment phase failed", "failed_at", StageDeployment)
		return &DeploymentResult{
			FailedAt:        StageDeployment,
			ReleaseManifest: release.report,
			DeploymentPlan:  deployment.report,
		}, nil
	}

	if c.skipHITL {
		log.Info("Deployment phase passed, gate skipped")
		return c.ContinueFromHITL6Approval(ctx, task, release.report, deployment.report)
	}

	bundle := releaseEvidence(task, release, deployment)
	requestID, err := c.requestGate(ctx, task, bundle)
	if err != nil {
		return nil, fmt.Errorf("submitting HITL-6 gate: %w", err)
	}
	log.Info("HITL-6 gate requested", "request_id", requestID)
	return &DeploymentResult{
		ReleaseManifest: release.report,
		DeploymentPlan:  deployment.report,
		PendingHITL6:    true,
		HITL6RequestID:  requestID,
	}, nil
}

// ContinueFromHITL6Approval resumes after HITL-6 approval: it runs the
// monitor stage and returns the final deployment result. The caller
// supplies the release manifest and deployment plan from the pending
// result (or reconstructed after a restart). Monitor failure is non-fatal:
// the deployment still reports success with a nil monitoring config.
func (c *Coordinator) ContinueFromHITL6Approval(ctx context.Context, task TaskRef, releaseManifest, deploymentPlan map[string]any) (*DeploymentResult, error) {
	log := slog.With("session_id", task.SessionID, "task_id", task.TaskID)

	result := &DeploymentResult{
		Success:         true,
		ReleaseManifest: releaseManifest,
		DeploymentPlan:  deploymentPlan,
	}

	monitor, err := c.runStage(ctx, task, StageMonitor, ReportMonitoring)
	if err != nil {
		log.Warn("Monitor stage unavailable, continuing without monitoring", "error", err)
		return result, nil
	}
	if !monitor.passed {
		log.Warn("Monitor stage failed, continuing without monitoring",
			"error", monitor.errorMessage)
		return result, nil
	}

	result.MonitoringConfig = monitor.report
	log.Info("Deployment complete with monitoring configured")
	return result, nil
}

// HandleRejection records a human rejection at a gate, echoing the
// reviewer's feedback back to the caller.
func (c *Coordinator) HandleRejection(gateType GateType, feedback string) *RejectionResult {
	slog.Info("Gate rejected", "gate_type", gateType)
	return &RejectionResult{
		GateType:   gateType,
		Feedback:   feedback,
		RejectedAt: time.Now().UTC(),
	}
}

// stageOutcome is one sub-agent invocation's parsed result.
type stageOutcome struct {
	passed       bool
	report       map[string]any
	artifacts    []string
	errorMessage string
}

// runStage invokes one sub-agent and extracts its typed report. A stage
// passes when the agent reports success, the named report key is present,
// and the report does not carry passed == false.
func (c *Coordinator) runStage(ctx context.Context, task TaskRef, stage, reportKey string) (*stageOutcome, error) {
	actx := &dispatch.AgentContext{
		SessionID:     task.SessionID,
		TaskID:        task.TaskID,
		EpicID:        task.EpicID,
		TenantID:      task.TenantID,
		GitSHA:        task.GitSHA,
		Mode:          task.Mode,
		WorkspacePath: task.WorkspacePath,
	}

	result, err := c.agents.Invoke(ctx, stage, actx, map[string]any{"task_id": task.TaskID})
	if err != nil {
		return nil, fmt.Errorf("invoking %s agent: %w", stage, err)
	}

	outcome := &stageOutcome{
		artifacts:    result.ArtifactPaths,
		errorMessage: result.ErrorMessage,
	}
	if report, ok := result.Metadata[reportKey].(map[string]any); ok {
		outcome.report = report
	}

	if !result.Success || outcome.report == nil {
		return outcome, nil
	}
	if passed, ok := outcome.report["passed"].(bool); ok && !passed {
		return outcome, nil
	}
	outcome.passed = true
	return outcome, nil
}

// requestGate submits the bundle and emits a gate_requested event when a
// publisher is configured. Event-publish failures are logged, not fatal:
// the gate request itself is the source of truth.
func (c *Coordinator) requestGate(ctx context.Context, task TaskRef, bundle *EvidenceBundle) (string, error) {
	requestID, err := c.gates.RequestGate(ctx, bundle)
	if err != nil {
		return "", err
	}
	if c.publisher != nil {
		_, err := c.publisher.Publish(ctx, events.Event{
			Type:      events.EventGateRequested,
			SessionID: task.SessionID,
			TaskID:    task.TaskID,
			EpicID:    task.EpicID,
			GitSHA:    task.GitSHA,
			TenantID:  task.TenantID,
			Mode:      events.Mode(task.Mode),
			Metadata: map[string]any{
				"gate_type":  string(bundle.GateType),
				"request_id": requestID,
			},
		})
		if err != nil {
			slog.Warn("Failed to publish gate_requested event",
				"task_id", task.TaskID, "error", err)
		}
	}
	return requestID, nil
}
