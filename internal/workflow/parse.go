package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"proposal-workflow/backend/pkg/models"
)

// ErrInvalidDefinition wraps every parse failure of a workflow definition.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// Parse checks raw against the definition schema and compiles it.
func Parse(raw []byte) (*Definition, error) {
	if problems, err := CheckSchema(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	} else if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return &d, nil
}

// ParseValue compiles a definition decoded by another codec, such as YAML.
func ParseValue(v any) (*Definition, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return Parse(raw)
}

func (t *Transition) UnmarshalJSON(data []byte) error {
	type plain Transition
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	conds, err := compileConditions(v.RawConditions)
	if err != nil {
		return fmt.Errorf("transition %q conditions: %w", v.Name, err)
	}
	effects, err := compileEffects(v.RawEffects)
	if err != nil {
		return fmt.Errorf("transition %q effects: %w", v.Name, err)
	}
	*t = Transition(v)
	t.Conditions = conds
	t.Effects = effects
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func strictDecode(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// oneOrMany decodes a single object or an array of objects.
func oneOrMany[T any](raw json.RawMessage) ([]T, error) {
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			var v T
			if err := strictDecode(item, &v); err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	var v T
	if err := strictDecode(raw, &v); err != nil {
		return nil, err
	}
	return []T{v}, nil
}

func compileConditions(raw json.RawMessage) ([]Condition, error) {
	if isNull(raw) {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("conditions must be an object: %w", err)
	}

	var out []Condition
	if v, ok := obj["phase_status"]; ok {
		items, err := oneOrMany[PhaseStatus](v)
		if err != nil {
			return nil, fmt.Errorf("phase_status: %w", err)
		}
		for _, c := range items {
			if c.Phase == "" || c.Status == "" {
				return nil, errors.New("phase_status requires phase and status")
			}
			out = append(out, c)
		}
	}
	if v, ok := obj["instrument_status"]; ok {
		items, err := oneOrMany[InstrumentStatus](v)
		if err != nil {
			return nil, fmt.Errorf("instrument_status: %w", err)
		}
		for _, c := range items {
			if c.Status == "" {
				return nil, errors.New("instrument_status requires status")
			}
			out = append(out, c)
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "phase_status" || k == "instrument_status" {
			continue
		}
		key, ok := strings.CutPrefix(k, "context.")
		if !ok || key == "" {
			return nil, fmt.Errorf("unknown condition %q", k)
		}
		c, err := compileContextCondition(key, obj[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func compileContextCondition(key string, raw json.RawMessage) (ContextCompare, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if opRaw, ok := obj["operator"]; ok {
			for k := range obj {
				if k != "operator" && k != "value" {
					return ContextCompare{}, fmt.Errorf("unexpected field %q", k)
				}
			}
			var op string
			if err := json.Unmarshal(opRaw, &op); err != nil {
				return ContextCompare{}, fmt.Errorf("operator must be a string: %w", err)
			}
			if !models.ValidOperator(op) {
				return ContextCompare{}, fmt.Errorf("unknown operator %q", op)
			}
			var val any
			if vr, ok := obj["value"]; ok {
				if err := json.Unmarshal(vr, &val); err != nil {
					return ContextCompare{}, err
				}
			}
			return ContextCompare{Key: key, Operator: op, Value: val}, nil
		}
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return ContextCompare{}, err
	}
	return ContextCompare{Key: key, Operator: models.OpEqual, Value: val}, nil
}

var effectKeys = map[string]bool{
	"phase": true, "set_phase_status": true, "record_submission_time": true,
	"record_confirmation_time": true, "instrument": true, "set_context": true,
	"external_tools": true,
}

type instrumentEffect struct {
	Instrument string `json:"instrument"`
	Phase      string `json:"phase"`
	SetStatus  string `json:"set_status"`
	Status     string `json:"status"`
}

type toolCall struct {
	OperationID any    `json:"operation_id"`
	Async       bool   `json:"async"`
	OnFailure   string `json:"on_failure"`
}

func compileEffects(raw json.RawMessage) ([]Effect, error) {
	if isNull(raw) {
		return nil, nil
	}
	var objects []json.RawMessage
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		if err := json.Unmarshal(raw, &objects); err != nil {
			return nil, fmt.Errorf("effects must be an object or an array of objects: %w", err)
		}
	} else {
		objects = []json.RawMessage{raw}
	}
	var out []Effect
	for i, obj := range objects {
		effects, err := compileEffectObject(obj)
		if err != nil {
			if len(objects) > 1 {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			return nil, err
		}
		out = append(out, effects...)
	}
	return out, nil
}

// compileEffectObject expands one effect object in canonical order: phase,
// instrument, context, then external tools.
func compileEffectObject(raw json.RawMessage) ([]Effect, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("effect must be an object: %w", err)
	}
	for k := range obj {
		if !effectKeys[k] {
			return nil, fmt.Errorf("unknown effect key %q", k)
		}
	}

	var out []Effect
	var ps SetPhaseStatus
	_, hasPhase := obj["phase"]
	_, hasStatus := obj["set_phase_status"]
	if hasPhase || hasStatus {
		if err := decodeString(obj, "phase", &ps.Phase); err != nil {
			return nil, err
		}
		if err := decodeString(obj, "set_phase_status", &ps.Status); err != nil {
			return nil, err
		}
		if ps.Phase == "" || ps.Status == "" {
			return nil, errors.New("phase and set_phase_status must be given together")
		}
		if err := decodeBool(obj, "record_submission_time", &ps.RecordSubmissionTime); err != nil {
			return nil, err
		}
		if err := decodeBool(obj, "record_confirmation_time", &ps.RecordConfirmationTime); err != nil {
			return nil, err
		}
		out = append(out, ps)
	} else if _, ok := obj["record_submission_time"]; ok {
		return nil, errors.New("record_submission_time requires phase")
	} else if _, ok := obj["record_confirmation_time"]; ok {
		return nil, errors.New("record_confirmation_time requires phase")
	}

	if v, ok := obj["instrument"]; ok {
		items, err := oneOrMany[instrumentEffect](v)
		if err != nil {
			return nil, fmt.Errorf("instrument: %w", err)
		}
		for _, it := range items {
			status := it.SetStatus
			if status == "" {
				status = it.Status
			}
			if status == "" {
				return nil, errors.New("instrument requires set_status")
			}
			out = append(out, SetInstrumentStatus{Instrument: it.Instrument, Phase: it.Phase, Status: status})
		}
	}

	if v, ok := obj["set_context"]; ok {
		var values map[string]any
		if err := json.Unmarshal(v, &values); err != nil || len(values) == 0 {
			return nil, errors.New("set_context must be a non-empty object")
		}
		out = append(out, WriteContext{Values: values})
	}

	if v, ok := obj["external_tools"]; ok {
		calls, err := oneOrMany[toolCall](v)
		if err != nil {
			return nil, fmt.Errorf("external_tools: %w", err)
		}
		for i, c := range calls {
			ref, err := operationRef(c.OperationID)
			if err != nil {
				return nil, fmt.Errorf("external_tools[%d]: %w", i, err)
			}
			switch c.OnFailure {
			case "":
				c.OnFailure = OnFailureContinue
			case OnFailureContinue, OnFailureAbort:
			default:
				return nil, fmt.Errorf("external_tools[%d]: on_failure must be continue or abort, got %q", i, c.OnFailure)
			}
			out = append(out, InvokeTool{Operation: ref, Async: c.Async, OnFailure: c.OnFailure})
		}
	}
	return out, nil
}

func operationRef(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), nil
	}
	return "", fmt.Errorf("operation_id must be a non-empty string or a number, got %v", v)
}

func decodeString(obj map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s must be a string", key)
	}
	return nil
}

func decodeBool(obj map[string]json.RawMessage, key string, dst *bool) error {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s must be a boolean", key)
	}
	return nil
}
