package gating

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/edgegate/edgegate/pkg/domain"
)

// Correctness scoring. Each case's per-repeat score is 0 or 1; the
// case's per-device score is the median of its repeat scores; the
// aggregate is the arithmetic mean over cases whose expectation is not
// "none". The aggregate lands in the measurement table under the
// normalized metric name "correctness".

const CorrectnessMetric = "correctness"

// ScoreCase checks one model output against a case expectation.
func ScoreCase(c domain.PromptCase, output string) float64 {
	switch c.Expectation {
	case domain.ExpectExact:
		if strings.TrimSpace(output) == strings.TrimSpace(c.Exact) {
			return 1
		}
		return 0

	case domain.ExpectRegex:
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return 0
		}
		if re.MatchString(output) {
			return 1
		}
		return 0

	case domain.ExpectJSONSchema:
		return scoreJSONSchema(c.Schema, output)

	default:
		// expectation "none" never reaches scoring; callers filter.
		return 0
	}
}

// scoreJSONSchema checks that the output parses as JSON and satisfies
// the schema's top-level "type" and "required" keywords. This is the
// subset case expectations actually use.
func scoreJSONSchema(schema []byte, output string) float64 {
	var want struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &want); err != nil {
		return 0
	}

	var parsed any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return 0
	}

	switch want.Type {
	case "object", "":
		obj, ok := parsed.(map[string]any)
		if !ok {
			return 0
		}
		for _, field := range want.Required {
			if _, ok := obj[field]; !ok {
				return 0
			}
		}
	case "array":
		if _, ok := parsed.([]any); !ok {
			return 0
		}
	case "string":
		if _, ok := parsed.(string); !ok {
			return 0
		}
	case "number":
		if _, ok := parsed.(float64); !ok {
			return 0
		}
	}
	return 1
}

// AggregateCorrectness folds per-case, per-repeat scores into the
// aggregate correctness value for one device.
//
// scores[caseIdx][repeatIdx] are the 0/1 scores of scored cases only
// (expectation != none). Returns (0, false) when nothing is scorable.
func AggregateCorrectness(scores [][]float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	sum := 0.0
	counted := 0
	for _, repeats := range scores {
		if len(repeats) == 0 {
			continue
		}
		sum += Median(repeats)
		counted++
	}
	if counted == 0 {
		return 0, false
	}
	return sum / float64(counted), true
}
