package probe

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/edgegate/edgegate/pkg/gating"
)

// Metric-mapping derivation. A JSON path enters the mapping only when
// probe payloads prove it: the same path must resolve to a number, with
// the same unit, in payloads of at least two probe runs. Nothing is
// ever populated by assumption.

// NormalizedMetrics is the closed candidate set, in derivation order.
var NormalizedMetrics = []string{
	"peak_ram_mb",
	"ttft_ms",
	"tokens_per_sec",
	"inference_time_ms",
	"npu_compute_percent",
	"gpu_compute_percent",
	"cpu_compute_percent",
}

type candidate struct {
	path string
	unit string
}

// candidatePaths are the canonical locations the hub has been observed
// to expose, per normalized metric. Paths use gjson dotted syntax.
var candidatePaths = map[string][]candidate{
	"peak_ram_mb": {
		{path: "execution_summary.peak_memory_mb", unit: "MB"},
		{path: "execution_summary.peak_ram_mb", unit: "MB"},
		{path: "memory.peak_mb", unit: "MB"},
	},
	"ttft_ms": {
		{path: "llm_metrics.time_to_first_token_ms", unit: "ms"},
		{path: "llm_metrics.ttft_ms", unit: "ms"},
	},
	"tokens_per_sec": {
		{path: "llm_metrics.tokens_per_second", unit: "tokens/s"},
		{path: "llm_metrics.tps", unit: "tokens/s"},
	},
	"inference_time_ms": {
		{path: "execution_summary.estimated_inference_time_ms", unit: "ms"},
		{path: "execution_summary.inference_time_ms", unit: "ms"},
	},
	"npu_compute_percent": {
		{path: "compute_unit_breakdown.npu", unit: "%"},
	},
	"gpu_compute_percent": {
		{path: "compute_unit_breakdown.gpu", unit: "%"},
	},
	"cpu_compute_percent": {
		{path: "compute_unit_breakdown.cpu", unit: "%"},
	},
}

// MetricPath is one mapping entry. JSONPath is nil exactly when the
// metric is unavailable.
type MetricPath struct {
	Metric    string           `json:"metric"`
	JSONPath  *string          `json:"json_path"`
	Unit      string           `json:"unit,omitempty"`
	Stability gating.Stability `json:"stability"`
}

// Mapping is the per-workspace metric_mapping.json document.
type Mapping struct {
	WorkspaceId          string       `json:"workspace_id"`
	GeneratedAt          time.Time    `json:"generated_at"`
	DerivedFromArtifacts []string     `json:"derived_from_artifacts"`
	Metrics              []MetricPath `json:"metrics"`
}

func (m Mapping) Lookup(metric string) (MetricPath, bool) {
	for _, mp := range m.Metrics {
		if mp.Metric == metric {
			return mp, true
		}
	}
	return MetricPath{}, false
}

// StabilityTable projects the mapping into the form the gating
// evaluator consumes.
func (m Mapping) StabilityTable() map[string]gating.Stability {
	table := map[string]gating.Stability{}
	for _, mp := range m.Metrics {
		table[mp.Metric] = mp.Stability
	}
	return table
}

// Extract resolves a proven path against an opaque payload.
func Extract(payload []byte, mp MetricPath) (float64, bool) {
	if mp.JSONPath == nil {
		return 0, false
	}
	v := gjson.GetBytes(payload, *mp.JSONPath)
	if !v.Exists() || v.Type != gjson.Number {
		return 0, false
	}
	return v.Float(), true
}

// ProfilePayload is one raw profile payload with the artifact id it is
// stored under. Payloads from different probe runs carry different
// ProbeRunIds.
type ProfilePayload struct {
	ArtifactId string
	ProbeRunId string
	Content    []byte
}

// DeriveMapping builds the mapping from raw profile payloads.
//
// A metric is stable when one candidate path resolves to a number in
// payloads of at least two distinct probe runs; unstable when it
// resolves somewhere but never consistently; unavailable otherwise.
func DeriveMapping(workspaceId string, now time.Time, payloads []ProfilePayload) Mapping {
	mapping := Mapping{
		WorkspaceId: workspaceId,
		GeneratedAt: now,
	}
	for _, p := range payloads {
		mapping.DerivedFromArtifacts = append(mapping.DerivedFromArtifacts, p.ArtifactId)
	}

	for _, metric := range NormalizedMetrics {
		entry := MetricPath{Metric: metric, Stability: gating.Unavailable}

		for _, cand := range candidatePaths[metric] {
			runs := map[string]bool{}
			for _, p := range payloads {
				v := gjson.GetBytes(p.Content, cand.path)
				if v.Exists() && v.Type == gjson.Number {
					runs[p.ProbeRunId] = true
				}
			}

			if 2 <= len(runs) {
				path := cand.path
				entry.JSONPath = &path
				entry.Unit = cand.unit
				entry.Stability = gating.Stable
				break
			}
			if 1 <= len(runs) && entry.Stability == gating.Unavailable {
				path := cand.path
				entry.JSONPath = &path
				entry.Unit = cand.unit
				entry.Stability = gating.Unstable
				// keep scanning: a later candidate may prove stable.
			}
		}

		mapping.Metrics = append(mapping.Metrics, entry)
	}
	return mapping
}

func ParseMapping(doc []byte) (Mapping, error) {
	var m Mapping
	if err := json.Unmarshal(doc, &m); err != nil {
		return Mapping{}, err
	}
	return m, nil
}
