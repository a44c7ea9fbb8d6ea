// Package hitl implements the two-phase human-in-the-loop coordinator. It
// sequences the validation-phase and deployment-phase sub-agents, submits
// evidence bundles at the approval gates, and resumes cleanly after human
// decisions or process restarts. The coordinator is a deterministic state
// machine: it holds no state between calls, so resumption consists of the
// caller supplying the prior reports and invoking a continue entrypoint.
package hitl

import (
	"context"
	"time"

	"github.com/asdlc-io/substrate/pkg/dispatch"
)

// GateType names the approval checkpoint an evidence bundle targets.
type GateType string

// Gate checkpoints. HITL-5 guards entry to the deployment phase; HITL-6
// guards entry to monitoring.
const (
	GateHITL5Validation GateType = "validation"
	GateHITL6Release    GateType = "release"
)

// Sub-agent stage names; these double as agent-type registry keys and as
// FailedAt values.
const (
	StageValidation = "validation"
	StageSecurity   = "security"
	StageRelease    = "release"
	StageDeployment = "deployment"
	StageMonitor    = "monitor"
)

// Report metadata keys each sub-agent must populate on its AgentResult.
// The schemas inside are opaque; only the key's presence is a contract.
const (
	ReportValidation = "validation_report"
	ReportSecurity   = "security_report"
	ReportRelease    = "release_manifest"
	ReportDeployment = "deployment_plan"
	ReportMonitoring = "monitoring_config"
)

// TaskRef identifies the unit of work a coordinator run acts on.
type TaskRef struct {
	SessionID     string
	TaskID        string
	EpicID        string
	GitSHA        string
	TenantID      string
	Mode          string
	WorkspacePath string
}

// AgentInvoker runs one sub-agent synchronously. The default implementation
// dispatches through the agent registry; tests substitute stubs.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentType string, actx *dispatch.AgentContext, meta map[string]any) (*dispatch.AgentResult, error)
}

// GateDispatcher submits an evidence bundle to the HITL gate service and
// returns the gate request ID. The coordinator never blocks on the human
// decision.
type GateDispatcher interface {
	RequestGate(ctx context.Context, bundle *EvidenceBundle) (string, error)
}

// EvidenceItem is one artifact reference inside an evidence bundle.
// ContentHash is carried for downstream verifiers and may be empty.
type EvidenceItem struct {
	ItemType    string `json:"item_type"`
	Path        string `json:"path"`
	Description string `json:"description"`
	ContentHash string `json:"content_hash"`
}

// EvidenceBundle is the payload submitted at a gate: artifact references
// plus a Markdown summary rendered from the preceding reports.
type EvidenceBundle struct {
	TaskID   string         `json:"task_id"`
	GateType GateType       `json:"gate_type"`
	GitSHA   string         `json:"git_sha"`
	Items    []EvidenceItem `json:"items"`
	Summary  string         `json:"summary"`
}

// ValidationResult is the outcome of the validation phase.
type ValidationResult struct {
	Passed           bool
	FailedAt         string
	ValidationReport map[string]any
	SecurityReport   map[string]any
	PendingHITL5     bool
	HITL5RequestID   string
}

// DeploymentResult is the outcome of the deployment phase. A monitor-stage
// failure is non-fatal: Success stays true with a nil MonitoringConfig.
type DeploymentResult struct {
	Success          bool
	FailedAt         string
	ReleaseManifest  map[string]any
	DeploymentPlan   map[string]any
	MonitoringConfig map[string]any
	PendingHITL6     bool
	HITL6RequestID   string
}

// RejectionResult reports a human rejection at a gate. Rejection is
// distinct from phase failure: no FailedAt stage is involved.
type RejectionResult struct {
	GateType   GateType
	Feedback   string
	RejectedAt time.Time
}
