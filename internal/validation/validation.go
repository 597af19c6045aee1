// Package validation classifies external tool responses against failure
// conditions and renders error message templates.
package validation

import (
	"fmt"

	"proposal-workflow/backend/internal/jsonpath"
	"proposal-workflow/backend/pkg/models"
)

// Status is the classification of a validation response.
type Status string

const (
	Passed Status = "passed"
	Failed Status = "failed"
)

// Result is the outcome of Classify. Condition and Value describe the first
// condition that matched when Status is Failed.
type Result struct {
	Status    Status
	Condition *models.FailureCondition
	Value     any
}

// Failed reports whether the response was classified as failed.
func (r Result) Failed() bool { return r.Status == Failed }

// Classify evaluates conditions against response with OR semantics: the first
// condition that holds marks the response failed. Paths resolve against
// {"response": response}; an unresolvable path never holds.
func Classify(response any, conditions []models.FailureCondition) (Result, error) {
	root := map[string]any{"response": response}
	for i := range conditions {
		c := conditions[i]
		actual, ok := jsonpath.Resolve(root, c.Path)
		if !ok {
			continue
		}
		hit, err := Compare(actual, c.Op(), c.Value)
		if err != nil {
			return Result{}, fmt.Errorf("failure_conditions[%d]: %w", i, err)
		}
		if hit {
			return Result{Status: Failed, Condition: &c, Value: actual}, nil
		}
	}
	return Result{Status: Passed}, nil
}

// Interpolate replaces {path} tokens in template with values resolved against
// {"response": response}. Unresolvable paths render as "".
func Interpolate(template string, response any) string {
	return jsonpath.Interpolate(template, map[string]any{"response": response})
}

// Message renders the error message for a failed result. An empty template
// falls back to naming the matched condition.
func Message(template string, response any, r Result) string {
	if template != "" {
		return Interpolate(template, response)
	}
	if r.Condition == nil {
		return "Validation failed"
	}
	return fmt.Sprintf("Validation failed: %s = %s", r.Condition.Path, jsonpath.Stringify(r.Value))
}
