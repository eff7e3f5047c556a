package gating_test

import (
	"testing"

	"github.com/edgegate/edgegate/pkg/domain"
	"github.com/edgegate/edgegate/pkg/gating"
)

func table(rows map[string]map[string][]float64) *gating.MeasurementTable {
	t := gating.NewMeasurementTable()
	for device, metrics := range rows {
		for metric, values := range metrics {
			for _, v := range values {
				t.Add(device, metric, v)
			}
		}
	}
	return t
}

func TestEvaluate(t *testing.T) {
	type When struct {
		table     *gating.MeasurementTable
		gates     []domain.Gate
		devices   []string
		stability map[string]gating.Stability
	}
	type Then struct {
		outcome     domain.RunStatus
		errorCode   domain.ErrorCode
		gateResults []gating.GateOutcome
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			ev := gating.Evaluate(when.table, when.gates, when.devices, when.stability)

			if ev.Outcome != then.outcome {
				t.Errorf("outcome: actual=%s, expect=%s", ev.Outcome, then.outcome)
			}
			if ev.ErrorCode != then.errorCode {
				t.Errorf("error code: actual=%s, expect=%s", ev.ErrorCode, then.errorCode)
			}
			if len(ev.Gates) != len(then.gateResults) {
				t.Fatalf("gate results: actual=%d, expect=%d", len(ev.Gates), len(then.gateResults))
			}
			for i, want := range then.gateResults {
				if ev.Gates[i].Outcome != want {
					t.Errorf("gate[%d]: actual=%s, expect=%s", i, ev.Gates[i].Outcome, want)
				}
			}
		}
	}

	oneDevice := []string{"Samsung Galaxy S24"}

	t.Run("happy path: required and optional gates pass", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {
					"peak_ram_mb":    {3200, 3250, 3300},
					"tokens_per_sec": {18.0, 18.5, 17.5},
				},
			}),
			gates: []domain.Gate{
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
				{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: false},
			},
			devices: oneDevice,
			stability: map[string]gating.Stability{
				"peak_ram_mb": gating.Stable, "tokens_per_sec": gating.Stable,
			},
		},
		Then{
			outcome:     domain.Passed,
			gateResults: []gating.GateOutcome{gating.GatePass, gating.GatePass},
		},
	))

	t.Run("required metric unavailable terminates the walk", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {"tokens_per_sec": {18.0, 18.5, 17.5}},
			}),
			gates: []domain.Gate{
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
				{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: false},
			},
			devices: oneDevice,
			stability: map[string]gating.Stability{
				"peak_ram_mb": gating.Unavailable, "tokens_per_sec": gating.Stable,
			},
		},
		Then{
			outcome:     domain.Errored,
			errorCode:   domain.ErrcodeMissingRequiredMetric,
			gateResults: []gating.GateOutcome{gating.GateSkipped},
		},
	))

	t.Run("required flaky throughput metric is an error", theory(
		When{
			table: table(map[string]map[string][]float64{
				// mean = 15, stdev ~ 6.08, CV ~ 0.405 > 0.15
				"Samsung Galaxy S24": {"tokens_per_sec": {18.0, 8.0, 19.0}},
			}),
			gates: []domain.Gate{
				{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: true},
			},
			devices:   oneDevice,
			stability: map[string]gating.Stability{"tokens_per_sec": gating.Stable},
		},
		Then{
			outcome:     domain.Errored,
			errorCode:   domain.ErrcodeFlakyMetric,
			gateResults: []gating.GateOutcome{gating.GateSkipped},
		},
	))

	t.Run("optional flaky metric is skipped without affecting outcome", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {
					"tokens_per_sec": {18.0, 8.0, 19.0},
					"peak_ram_mb":    {3200, 3250, 3300},
				},
			}),
			gates: []domain.Gate{
				{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: false},
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
			},
			devices: oneDevice,
			stability: map[string]gating.Stability{
				"tokens_per_sec": gating.Stable, "peak_ram_mb": gating.Stable,
			},
		},
		Then{
			outcome:     domain.Passed,
			gateResults: []gating.GateOutcome{gating.GateSkipped, gating.GatePass},
		},
	))

	t.Run("required gate failing fails the run", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {"peak_ram_mb": {3600, 3650, 3700}},
			}),
			gates: []domain.Gate{
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
			},
			devices:   oneDevice,
			stability: map[string]gating.Stability{"peak_ram_mb": gating.Stable},
		},
		Then{
			outcome:     domain.Failed,
			gateResults: []gating.GateOutcome{gating.GateFail},
		},
	))

	t.Run("optional gate failing does not fail the run", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {"tokens_per_sec": {10.0, 10.2, 10.1}},
			}),
			gates: []domain.Gate{
				{Metric: "tokens_per_sec", Op: domain.OpGE, Threshold: 12, Required: false},
			},
			devices:   oneDevice,
			stability: map[string]gating.Stability{"tokens_per_sec": gating.Stable},
		},
		Then{
			outcome:     domain.Passed,
			gateResults: []gating.GateOutcome{gating.GateFail},
		},
	))

	t.Run("exactly equal value satisfies <=", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {"peak_ram_mb": {3500, 3500, 3500}},
			}),
			gates: []domain.Gate{
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
			},
			devices:   oneDevice,
			stability: map[string]gating.Stability{"peak_ram_mb": gating.Stable},
		},
		Then{
			outcome:     domain.Passed,
			gateResults: []gating.GateOutcome{gating.GatePass},
		},
	))

	t.Run("single repeat: median is the sole value, flake detection off", theory(
		When{
			table: table(map[string]map[string][]float64{
				"Samsung Galaxy S24": {"ttft_ms": {250}},
			}),
			gates: []domain.Gate{
				{Metric: "ttft_ms", Op: domain.OpLT, Threshold: 300, Required: true},
			},
			devices:   oneDevice,
			stability: map[string]gating.Stability{"ttft_ms": gating.Stable},
		},
		Then{
			outcome:     domain.Passed,
			gateResults: []gating.GateOutcome{gating.GatePass},
		},
	))

	t.Run("devices walk in matrix order", theory(
		When{
			table: table(map[string]map[string][]float64{
				"device-a": {"peak_ram_mb": {3000, 3010, 3020}},
				"device-b": {"peak_ram_mb": {3900, 3910, 3920}},
			}),
			gates: []domain.Gate{
				{Metric: "peak_ram_mb", Op: domain.OpLE, Threshold: 3500, Required: true},
			},
			devices:   []string{"device-a", "device-b"},
			stability: map[string]gating.Stability{"peak_ram_mb": gating.Stable},
		},
		Then{
			outcome:     domain.Failed,
			gateResults: []gating.GateOutcome{gating.GatePass, gating.GateFail},
		},
	))
}

func TestMedian(t *testing.T) {
	type When struct {
		values []float64
	}
	type Then struct {
		median float64
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			if actual := gating.Median(when.values); actual != then.median {
				t.Errorf("median: actual=%v, expect=%v", actual, then.median)
			}
		}
	}

	t.Run("five values with one outlier", theory(
		When{values: []float64{10, 11, 12, 13, 1000}}, Then{median: 12},
	))
	t.Run("three values", theory(
		When{values: []float64{3300, 3200, 3250}}, Then{median: 3250},
	))
	t.Run("even count averages the middle two", theory(
		When{values: []float64{1, 2, 3, 4}}, Then{median: 2.5},
	))
	t.Run("single value", theory(
		When{values: []float64{42}}, Then{median: 42},
	))
}

func TestCV(t *testing.T) {
	if _, ok := gating.CV([]float64{5}); ok {
		t.Error("CV of one value should be undefined")
	}
	if cv, ok := gating.CV([]float64{18.0, 8.0, 19.0}); !ok || cv < 0.40 || 0.41 < cv {
		t.Errorf("CV: actual=%v ok=%v, expect ~0.405", cv, ok)
	}
	if cv, ok := gating.CV([]float64{18.0, 18.5, 17.5}); !ok || 0.15 < cv {
		t.Errorf("CV: actual=%v ok=%v, expect small", cv, ok)
	}
}

func TestFlakeFamilies(t *testing.T) {
	// CV here is ~0.17: flaky for throughput (>0.15), fine for latency (<=0.20)
	values := []float64{10.0, 12.0, 14.1}

	if !gating.Flaky("tokens_per_sec", values) {
		t.Error("tokens_per_sec at CV~0.17 should be flaky")
	}
	if !gating.Flaky("requests_per_sec", values) {
		t.Error("*_per_sec at CV~0.17 should be flaky")
	}
	if !gating.Flaky("tps", values) {
		t.Error("tps at CV~0.17 should be flaky")
	}
	if gating.Flaky("ttft_ms", values) {
		t.Error("ttft_ms at CV~0.17 should not be flaky")
	}
	if gating.Flaky("some_unknown_metric", values) {
		t.Error("unlisted metrics inherit the latency rule")
	}
}
