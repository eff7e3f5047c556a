// Package domain holds the record types shared across EdgeGate's
// components, and the rules they must obey. Everything is a plain
// struct; behaviour lives in the DB layers and the worker.
package domain

import (
	"time"
)

// Workspace is the tenant boundary. Every other record carries a
// WorkspaceId and every query joins through it.
type Workspace struct {
	WorkspaceId string
	Name        string
	CreatedAt   time.Time
}

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationDisabled IntegrationStatus = "disabled"
)

// Integration is a workspace's backend credential, envelope-sealed.
//
// Token plaintext exists only in worker memory during a run. TokenLast4
// is the only substring of the secret ever returned to clients.
type Integration struct {
	WorkspaceId     string
	Provider        string
	Status          IntegrationStatus
	TokenCiphertext []byte
	WrappedDEK      []byte
	TokenLast4      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Capabilities is the per-workspace record of what the backend has been
// proven to expose. Exactly one current record per workspace.
type Capabilities struct {
	WorkspaceId          string
	CapabilitiesBlobId   string
	MetricMappingBlobId  string
	ProbedAt             time.Time
	SourceProbeRunId     string
}

// PromptPack is a versioned suite of prompt cases. Once published, the
// (LogicalId, Version) pair is immutable; edits need a new version.
type PromptPack struct {
	WorkspaceId string
	LogicalId   string
	Version     string
	Sha256      string
	Content     []byte
	Published   bool
	CreatedAt   time.Time
}

type ExpectationType string

const (
	ExpectJSONSchema ExpectationType = "json_schema"
	ExpectRegex      ExpectationType = "regex"
	ExpectExact      ExpectationType = "exact"
	ExpectNone       ExpectationType = "none"
)

// PromptCase is one case inside a PromptPack content document.
type PromptCase struct {
	CaseId      string          `json:"case_id"`
	Prompt      string          `json:"prompt"`
	Expectation ExpectationType `json:"expectation"`

	// exactly one of these is set, matching Expectation.
	Exact  string `json:"exact,omitempty"`
	Regex  string `json:"regex,omitempty"`
	Schema []byte `json:"schema,omitempty"`
}

type GateOp string

const (
	OpLT  GateOp = "<"
	OpLE  GateOp = "<="
	OpGT  GateOp = ">"
	OpGE  GateOp = ">="
	OpEQ  GateOp = "="
)

func AsGateOp(op string) (GateOp, error) {
	switch op {
	case string(OpLT), string(OpLE), string(OpGT), string(OpGE), string(OpEQ):
		return GateOp(op), nil
	}
	return "", NewRunError(ErrcodeLimitExceeded, "'"+op+"' is not a gate operator")
}

// Gate is a predicate `metric op threshold` with a required flag.
type Gate struct {
	Metric    string  `json:"metric"`
	Op        GateOp  `json:"op"`
	Threshold float64 `json:"threshold"`
	Required  bool    `json:"required"`
}

// RunPolicy bounds a run's execution.
type RunPolicy struct {
	WarmupRuns         int `json:"warmup_runs"`
	MeasurementRepeats int `json:"measurement_repeats"`
	MaxNewTokens       int `json:"max_new_tokens"`
	TimeoutMinutes     int `json:"timeout_minutes"`
}

// DefaultRunPolicy per the product defaults.
func DefaultRunPolicy() RunPolicy {
	return RunPolicy{
		WarmupRuns:         1,
		MeasurementRepeats: 3,
		MaxNewTokens:       128,
		TimeoutMinutes:     20,
	}
}

// PromptPackRef pins a pipeline to one published promptpack version.
type PromptPackRef struct {
	LogicalId string `json:"logical_id"`
	Version   string `json:"version"`
}

// Pipeline is a pinned run configuration.
type Pipeline struct {
	PipelineId    string
	WorkspaceId   string
	Name          string
	DeviceMatrix  []string
	PromptPackRef PromptPackRef
	Gates         []Gate
	RunPolicy     RunPolicy
	CreatedAt     time.Time
}

type ArtifactKind string

const (
	ArtifactModel          ArtifactKind = "model"
	ArtifactPromptPackJSON ArtifactKind = "promptpack_json"
	ArtifactProbeRaw       ArtifactKind = "probe_raw"
	ArtifactRunRaw         ArtifactKind = "run_raw"
	ArtifactJobSpec        ArtifactKind = "job_spec"
	ArtifactCapabilities   ArtifactKind = "capabilities"
	ArtifactMetricMapping  ArtifactKind = "metric_mapping"
	ArtifactBundle         ArtifactKind = "bundle"
)

// Artifact is an immutable blob row. Bytes live in the object store
// under artifacts/{sha256}/{filename}; identical bytes under the same
// workspace deduplicate.
type Artifact struct {
	ArtifactId       string
	WorkspaceId      string
	Kind             ArtifactKind
	Sha256           string
	StorageKey       string
	Bytes            int64
	OriginalFilename string
	CreatedAt        time.Time
	ExpiresAt        *time.Time

	// Tombstoned artifacts have had their bytes deleted by retention;
	// the row stays so old bundle hash references remain attributable.
	Tombstoned bool
}

// AuditEvent is append-only. Payloads are built from redacted values
// only; no constructor accepts token plaintext.
type AuditEvent struct {
	WorkspaceId string
	Actor       string
	EventType   string
	Payload     []byte
	Timestamp   time.Time
	Seq         int64
}

// CINonce: a row's existence proves the nonce has been spent.
type CINonce struct {
	Nonce       string
	WorkspaceId string
	UsedAt      time.Time
	ExpiresAt   time.Time
}

// SigningKey records an Ed25519 public key. Rows are never deleted;
// revocation only sets RevokedAt.
type SigningKey struct {
	KeyId     string
	PublicKey []byte
	CreatedAt time.Time
	RevokedAt *time.Time
}

func (k SigningKey) Revoked() bool {
	return k.RevokedAt != nil
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

// Identity is the authenticated (workspace, actor, role) tuple the core
// consumes. Producing it is the API layer's concern.
type Identity struct {
	WorkspaceId string
	Actor       string
	Role        Role
}
