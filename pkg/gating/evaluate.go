// Package gating turns a table of per-repeat measurements into the
// deterministic pass/fail/error outcome a CI pipeline blocks on.
//
// The order of decisions is fixed: warmup exclusion, median aggregation,
// flake detection, then a walk over the gates in their declared order
// with devices in device-matrix order. Exactly equal values satisfy the
// <=, >= and = operators.
package gating

import (
	"math"
	"sort"
	"strings"

	"github.com/edgegate/edgegate/pkg/domain"
)

// Stability of a metric's mapping, as established by probe.
type Stability string

const (
	Stable      Stability = "stable"
	Unstable    Stability = "unstable"
	Unavailable Stability = "unavailable"
)

type measurementKey struct {
	Device string
	Metric string
}

// MeasurementTable holds per-repeat measurement rows plus the warmup
// rows, which are kept apart and never aggregated.
type MeasurementTable struct {
	repeats map[measurementKey][]float64
	warmup  map[measurementKey][]float64
}

func NewMeasurementTable() *MeasurementTable {
	return &MeasurementTable{
		repeats: map[measurementKey][]float64{},
		warmup:  map[measurementKey][]float64{},
	}
}

// Add records the value of metric on device for one measurement repeat.
// Repeats are ordered by insertion.
func (t *MeasurementTable) Add(device, metric string, value float64) {
	k := measurementKey{Device: device, Metric: metric}
	t.repeats[k] = append(t.repeats[k], value)
}

// AddWarmup records a warmup iteration value. Warmup rows are tagged
// here and never reach aggregation, flake detection or gates.
func (t *MeasurementTable) AddWarmup(device, metric string, value float64) {
	k := measurementKey{Device: device, Metric: metric}
	t.warmup[k] = append(t.warmup[k], value)
}

// Values returns the measurement repeats of (device, metric), warmup
// excluded, or nil when absent.
func (t *MeasurementTable) Values(device, metric string) []float64 {
	return t.repeats[measurementKey{Device: device, Metric: metric}]
}

type GateOutcome string

const (
	GatePass    GateOutcome = "pass"
	GateFail    GateOutcome = "fail"
	GateSkipped GateOutcome = "skipped"
)

type GateResult struct {
	Metric    string          `json:"metric"`
	Op        domain.GateOp   `json:"op"`
	Threshold float64         `json:"threshold"`
	Required  bool            `json:"required"`
	Device    string          `json:"device"`
	Value     *float64        `json:"value,omitempty"`
	Outcome   GateOutcome     `json:"outcome"`
	Reason    string          `json:"reason,omitempty"`
}

type Evaluation struct {
	Gates []GateResult `json:"gates"`

	// Outcome is passed, failed, or error.
	Outcome domain.RunStatus `json:"outcome"`

	// ErrorCode is set when Outcome is error.
	ErrorCode domain.ErrorCode `json:"error_code,omitempty"`

	// ErrorDetail names the offending gate for error outcomes.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Median over repeat values. For even counts the mean of the middle two.
func Median(values []float64) float64 {
	n := len(values)
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// CV is stdev/|mean| over the repeats (sample stdev). With fewer than
// two repeats CV is undefined and reported as (0, false).
func CV(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0, false
	}

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values) - 1)

	return math.Sqrt(variance) / math.Abs(mean), true
}

// flake thresholds per metric family.
const (
	throughputCVLimit = 0.15
	latencyCVLimit    = 0.20
)

// ThroughputFamily: tokens_per_sec, any *_per_sec, and tps.
// Everything else (including the latency family) uses the latency rule.
func ThroughputFamily(metric string) bool {
	return metric == "tokens_per_sec" ||
		metric == "tps" ||
		strings.HasSuffix(metric, "_per_sec")
}

// Flaky reports whether the repeats disperse beyond the family limit.
func Flaky(metric string, values []float64) bool {
	cv, ok := CV(values)
	if !ok {
		return false
	}
	if ThroughputFamily(metric) {
		return cv > throughputCVLimit
	}
	return cv > latencyCVLimit
}

func compare(value float64, op domain.GateOp, threshold float64) bool {
	switch op {
	case domain.OpLT:
		return value < threshold
	case domain.OpLE:
		return value <= threshold
	case domain.OpGT:
		return value > threshold
	case domain.OpGE:
		return value >= threshold
	case domain.OpEQ:
		return value == threshold
	default:
		return false
	}
}

// Evaluate walks gates in declared order against devices in matrix
// order and decides the terminal outcome.
//
// stability maps each normalized metric name to what probe established;
// metrics absent from the map count as Unavailable.
func Evaluate(
	table *MeasurementTable,
	gates []domain.Gate,
	devices []string,
	stability map[string]Stability,
) Evaluation {
	ev := Evaluation{Gates: []GateResult{}}

	for _, gate := range gates {
		for _, device := range devices {
			res := GateResult{
				Metric:    gate.Metric,
				Op:        gate.Op,
				Threshold: gate.Threshold,
				Required:  gate.Required,
				Device:    device,
			}

			st, known := stability[gate.Metric]
			values := table.Values(device, gate.Metric)

			switch {
			case !known || st == Unavailable || len(values) == 0:
				if gate.Required {
					ev.Outcome = domain.Errored
					ev.ErrorCode = domain.ErrcodeMissingRequiredMetric
					ev.ErrorDetail = "required gate on '" + gate.Metric +
						"' has no measurable value on device '" + device + "'"
					res.Outcome = GateSkipped
					res.Reason = "metric unavailable"
					ev.Gates = append(ev.Gates, res)
					return ev
				}
				res.Outcome = GateSkipped
				res.Reason = "metric unavailable"

			case Flaky(gate.Metric, values):
				if gate.Required {
					ev.Outcome = domain.Errored
					ev.ErrorCode = domain.ErrcodeFlakyMetric
					ev.ErrorDetail = "required gate on '" + gate.Metric +
						"' is flaky on device '" + device + "'"
					res.Outcome = GateSkipped
					res.Reason = "metric flaky"
					ev.Gates = append(ev.Gates, res)
					return ev
				}
				res.Outcome = GateSkipped
				res.Reason = "metric flaky"

			default:
				m := Median(values)
				res.Value = &m
				if compare(m, gate.Op, gate.Threshold) {
					res.Outcome = GatePass
				} else {
					res.Outcome = GateFail
				}
			}

			ev.Gates = append(ev.Gates, res)
		}
	}

	ev.Outcome = domain.Passed
	for _, g := range ev.Gates {
		if g.Required && g.Outcome == GateFail {
			ev.Outcome = domain.Failed
			break
		}
	}
	return ev
}
