package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ToolType classifies what an operation is used for.
type ToolType string

const (
	ToolTypeValidation     ToolType = "validation"
	ToolTypeNotification   ToolType = "notification"
	ToolTypeDataProcessing ToolType = "data_processing"
	ToolTypeOther          ToolType = "other"
)

// AuthType selects how requests to a tool are authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// Comparison operators accepted in failure and context conditions.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpIn           = "in"
	OpNotIn        = "not_in"
	OpContains     = "contains"
)

var operators = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpGreater: true, OpLess: true,
	OpGreaterEqual: true, OpLessEqual: true, OpIn: true, OpNotIn: true, OpContains: true,
}

// ValidOperator reports whether op is a known comparison operator.
func ValidOperator(op string) bool { return operators[op] }

// Mapping locations of a request.
const (
	LocationPath   = "path"
	LocationQuery  = "query"
	LocationHeader = "header"
	LocationBody   = "body"
)

const defaultTimeout = 30 * time.Second

// ExternalTool is a registered third-party service.
type ExternalTool struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	BaseURL     string            `json:"base_url"`
	AuthType    AuthType          `json:"auth_type"`
	AuthConfig  map[string]string `json:"auth_config,omitempty"`
	// RateLimit caps outbound requests per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit,omitempty"`
	// IsActive defaults to true when unset.
	IsActive  *bool     `json:"is_active,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the tool may be called.
func (t *ExternalTool) Active() bool { return t.IsActive == nil || *t.IsActive }

// ToolOperation is one callable endpoint of an ExternalTool.
type ToolOperation struct {
	ID               string            `json:"id"`
	ToolID           string            `json:"tool_id"`
	OperationID      string            `json:"operation_id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Parameters       Parameters        `json:"parameters"`
	RequestBody      map[string]any    `json:"request_body,omitempty"`
	ResponseSchema   map[string]any    `json:"response_schema,omitempty"`
	InputMapping     InputMapping      `json:"input_mapping,omitempty"`
	OutputMapping    OutputMapping     `json:"output_mapping,omitempty"`
	Timeout          float64           `json:"timeout,omitempty"`
	RetryConfig      RetryConfig       `json:"retry_config"`
	ToolType         ToolType          `json:"tool_type"`
	ValidationConfig *ValidationConfig `json:"validation_config,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Parameters declares the path, query and header parameters of an operation.
type Parameters struct {
	Path   []ParameterDef `json:"path,omitempty"`
	Query  []ParameterDef `json:"query,omitempty"`
	Header []ParameterDef `json:"header,omitempty"`
}

// ParameterDef declares one parameter. It decodes from either a bare name or
// an object.
type ParameterDef struct {
	Name        string `json:"name"`
	Required    bool   `json:"required,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

func (p *ParameterDef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*p = ParameterDef{Name: name}
		return nil
	}
	type plain ParameterDef
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("parameter must be a name or an object: %w", err)
	}
	*p = ParameterDef(v)
	return nil
}

// Required reports whether the parameter at location is declared required.
func (p Parameters) Required(location, name string) bool {
	var defs []ParameterDef
	switch location {
	case LocationPath:
		// Path parameters are always required.
		return true
	case LocationQuery:
		defs = p.Query
	case LocationHeader:
		defs = p.Header
	}
	for _, d := range defs {
		if d.Name == name {
			return d.Required
		}
	}
	return false
}

// RetryConfig bounds retries of ServiceUnavailable outcomes.
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	// MaxRetries is the legacy form of MaxAttempts-1.
	MaxRetries int `json:"max_retries,omitempty"`
	// RetryDelay is the first backoff in seconds; it doubles per attempt.
	RetryDelay     float64 `json:"retry_delay,omitempty"`
	RetryableCodes []int   `json:"retryable_codes,omitempty"`
	// Idempotent overrides the method-based idempotency convention.
	Idempotent *bool `json:"idempotent,omitempty"`
}

// Attempts returns the total number of attempts allowed, at least 1.
func (r RetryConfig) Attempts() int {
	switch {
	case r.MaxAttempts > 0:
		return r.MaxAttempts
	case r.MaxRetries > 0:
		return r.MaxRetries + 1
	default:
		return 1
	}
}

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = time.Minute

// Backoff returns the delay before retry number n (1-based): retry_delay
// doubled per retry, capped at MaxBackoff.
func (r RetryConfig) Backoff(n int) time.Duration {
	if r.RetryDelay <= 0 || n < 1 {
		return 0
	}
	if r.RetryDelay >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	d := time.Duration(r.RetryDelay * float64(time.Second))
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	return d
}

// RetriesStatus reports whether an HTTP status code may be retried.
func (r RetryConfig) RetriesStatus(code int) bool {
	if len(r.RetryableCodes) == 0 {
		return code >= 500
	}
	for _, c := range r.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// ValidationConfig holds the blocking rules of a validation operation.
type ValidationConfig struct {
	// BlockOnFailure defaults to true when unset.
	BlockOnFailure       *bool              `json:"block_on_failure,omitempty"`
	BlockOnServiceError  bool               `json:"block_on_service_error,omitempty"`
	FailureConditions    []FailureCondition `json:"failure_conditions,omitempty"`
	ErrorMessageTemplate string             `json:"error_message_template,omitempty"`
}

// BlocksOnFailure resolves the block_on_failure default.
func (v *ValidationConfig) BlocksOnFailure() bool {
	if v == nil || v.BlockOnFailure == nil {
		return true
	}
	return *v.BlockOnFailure
}

// BlocksOnServiceError reports whether service errors block the transition.
func (v *ValidationConfig) BlocksOnServiceError() bool {
	return v != nil && v.BlockOnServiceError
}

// FailureCondition is one path/operator/value rule. A matching rule marks the
// response as failed.
type FailureCondition struct {
	Path     string `json:"path"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value"`
}

// Op returns the operator, defaulting to equality.
func (c FailureCondition) Op() string {
	if c.Operator == "" {
		return OpEqual
	}
	return c.Operator
}

var idempotentMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodOptions: true,
	http.MethodPut: true, http.MethodDelete: true, http.MethodTrace: true,
}

// HTTPMethod returns the upper-cased method, defaulting to GET.
func (o *ToolOperation) HTTPMethod() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(o.Method)
}

// Idempotent reports whether failed calls may be retried.
func (o *ToolOperation) Idempotent() bool {
	if o.RetryConfig.Idempotent != nil {
		return *o.RetryConfig.Idempotent
	}
	return idempotentMethods[o.HTTPMethod()]
}

// TimeoutDuration returns the per-attempt timeout, defaulting to 30s.
func (o *ToolOperation) TimeoutDuration() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return time.Duration(o.Timeout * float64(time.Second))
}

// IsValidation reports whether the operation's result can block a transition.
func (o *ToolOperation) IsValidation() bool { return o.ToolType == ToolTypeValidation }

// RequiredBodyFields returns the top-level "required" list of request_body.
func (o *ToolOperation) RequiredBodyFields() []string {
	raw, ok := o.RequestBody["required"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Source is where a mapped value comes from: a path into the mapping source,
// a literal, a template with {path} placeholders, or a JMESPath query.
type Source struct {
	Path       string
	Literal    any
	HasLiteral bool
	Template   string
	Query      string
}

func (s Source) String() string {
	switch {
	case s.HasLiteral:
		return fmt.Sprintf("literal(%v)", s.Literal)
	case s.Template != "":
		return "template(" + s.Template + ")"
	case s.Query != "":
		return "query(" + s.Query + ")"
	default:
		return s.Path
	}
}

func (s *Source) UnmarshalJSON(data []byte) error {
	var path string
	if err := json.Unmarshal(data, &path); err == nil {
		if path == "" {
			return errors.New("mapping source path is empty")
		}
		*s = Source{Path: path}
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || len(obj) != 1 {
		return fmt.Errorf("mapping source must be a path or one of {literal|template|query}: %s", string(data))
	}
	for k, raw := range obj {
		switch k {
		case "literal":
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			*s = Source{Literal: v, HasLiteral: true}
		case "template":
			var t string
			if err := json.Unmarshal(raw, &t); err != nil {
				return fmt.Errorf("template must be a string: %w", err)
			}
			*s = Source{Template: t}
		case "query":
			var q string
			if err := json.Unmarshal(raw, &q); err != nil || q == "" {
				return errors.New("query must be a non-empty string")
			}
			*s = Source{Query: q}
		default:
			return fmt.Errorf("unknown mapping source kind %q", k)
		}
	}
	return nil
}

func (s Source) MarshalJSON() ([]byte, error) {
	switch {
	case s.HasLiteral:
		return json.Marshal(map[string]any{"literal": s.Literal})
	case s.Template != "":
		return json.Marshal(map[string]string{"template": s.Template})
	case s.Query != "":
		return json.Marshal(map[string]string{"query": s.Query})
	default:
		return json.Marshal(s.Path)
	}
}

func isSourceObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || len(obj) != 1 {
		return false
	}
	for k := range obj {
		return k == "literal" || k == "template" || k == "query"
	}
	return false
}

// MappingEntry maps a source into one request location, e.g. Location "body"
// and Field "target.ra".
type MappingEntry struct {
	Location string
	Field    string
	Source   Source
}

// Target returns the flat "location.field" form.
func (e MappingEntry) Target() string { return e.Location + "." + e.Field }

// InputMapping is the normalized input mapping of an operation, ordered by
// target. It decodes from the flat {"body.x": source} form and from the
// nested {"body": {"x": source}} form.
type InputMapping []MappingEntry

func normalizeLocation(loc string) (string, bool) {
	switch loc {
	case LocationPath, LocationQuery, LocationBody, LocationHeader:
		return loc, true
	case "headers":
		return LocationHeader, true
	}
	return "", false
}

func (m *InputMapping) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("input_mapping must be an object: %w", err)
	}
	var out InputMapping
	for key, val := range raw {
		if loc, ok := normalizeLocation(key); ok && !isSourceObject(val) && bytes.HasPrefix(bytes.TrimSpace(val), []byte("{")) {
			var nested map[string]Source
			if err := json.Unmarshal(val, &nested); err != nil {
				return fmt.Errorf("input_mapping.%s: %w", key, err)
			}
			for field, src := range nested {
				out = append(out, MappingEntry{Location: loc, Field: field, Source: src})
			}
			continue
		}
		head, field, found := strings.Cut(key, ".")
		loc, ok := normalizeLocation(head)
		if !found || !ok || field == "" {
			return fmt.Errorf("input_mapping target %q must start with path., query., header. or body.", key)
		}
		var src Source
		if err := json.Unmarshal(val, &src); err != nil {
			return fmt.Errorf("input_mapping[%q]: %w", key, err)
		}
		out = append(out, MappingEntry{Location: loc, Field: field, Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target() < out[j].Target() })
	*m = out
	return nil
}

func (m InputMapping) MarshalJSON() ([]byte, error) {
	flat := make(map[string]Source, len(m))
	for _, e := range m {
		flat[e.Target()] = e.Source
	}
	return json.Marshal(flat)
}

// OutputEntry copies a response path into a context key. Key may be dotted to
// build a nested object.
type OutputEntry struct {
	Key    string
	Source string
}

// OutputMapping is the normalized output mapping of an operation, ordered by
// key. It decodes from the flat {"context.key": "response.path"} or
// {"key": "response.path"} form and from {"to_context": {...}}.
type OutputMapping []OutputEntry

func (m *OutputMapping) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("output_mapping must be an object: %w", err)
	}
	var out OutputMapping
	for key, val := range raw {
		if key == "to_context" || key == "to_proposal_data" {
			var nested map[string]string
			if err := json.Unmarshal(val, &nested); err != nil {
				return fmt.Errorf("output_mapping.%s: %w", key, err)
			}
			for k, src := range nested {
				out = append(out, OutputEntry{Key: k, Source: src})
			}
			continue
		}
		var src string
		if err := json.Unmarshal(val, &src); err != nil {
			return fmt.Errorf("output_mapping[%q] must be a response path: %w", key, err)
		}
		out = append(out, OutputEntry{Key: strings.TrimPrefix(key, "context."), Source: src})
	}
	for _, e := range out {
		if e.Key == "" || e.Source == "" {
			return fmt.Errorf("output_mapping entry %q -> %q is incomplete", e.Key, e.Source)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	*m = out
	return nil
}

func (m OutputMapping) MarshalJSON() ([]byte, error) {
	flat := make(map[string]string, len(m))
	for _, e := range m {
		flat["context."+e.Key] = e.Source
	}
	return json.Marshal(flat)
}

var pathParamRe = regexp.MustCompile(`\{([^{}]+)\}`)

// PathParams lists the {name} placeholders of the path template.
func (o *ToolOperation) PathParams() []string {
	matches := pathParamRe.FindAllStringSubmatch(o.Path, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodOptions: true, http.MethodTrace: true,
}

// ValidateTool checks a tool definition before it is published.
func ValidateTool(t *ExternalTool) error {
	var errs []error
	if t.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if t.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if u, err := url.Parse(t.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q must be an absolute URL", t.BaseURL))
	}
	switch t.AuthType {
	case "", AuthNone:
	case AuthAPIKey:
		if t.AuthConfig["key_value"] == "" {
			errs = append(errs, errors.New("api_key auth requires auth_config.key_value"))
		}
	case AuthBearer:
		if t.AuthConfig["token"] == "" {
			errs = append(errs, errors.New("bearer auth requires auth_config.token"))
		}
	case AuthBasic:
		if t.AuthConfig["username"] == "" {
			errs = append(errs, errors.New("basic auth requires auth_config.username"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth_type %q", t.AuthType))
	}
	if t.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateOperation checks an operation definition before it is published.
func ValidateOperation(o *ToolOperation) error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if o.ToolID == "" {
		errs = append(errs, errors.New("tool_id is required"))
	}
	if o.OperationID == "" {
		errs = append(errs, errors.New("operation_id is required"))
	}
	if !validMethods[o.HTTPMethod()] {
		errs = append(errs, fmt.Errorf("unsupported method %q", o.Method))
	}
	if o.Path != "" && !strings.HasPrefix(o.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must start with /", o.Path))
	}
	switch o.ToolType {
	case ToolTypeValidation, ToolTypeNotification, ToolTypeDataProcessing, ToolTypeOther:
	case "":
		errs = append(errs, errors.New("tool_type is required"))
	default:
		errs = append(errs, fmt.Errorf("unknown tool_type %q", o.ToolType))
	}
	if o.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if o.RetryConfig.MaxAttempts < 0 || o.RetryConfig.MaxRetries < 0 || o.RetryConfig.RetryDelay < 0 {
		errs = append(errs, errors.New("retry_config values must not be negative"))
	}
	if vc := o.ValidationConfig; vc != nil {
		for i, c := range vc.FailureConditions {
			if c.Path == "" {
				errs = append(errs, fmt.Errorf("failure_conditions[%d].path is required", i))
			}
			if !ValidOperator(c.Op()) {
				errs = append(errs, fmt.Errorf("failure_conditions[%d]: unknown operator %q", i, c.Operator))
			}
		}
	}
	mapped := map[string]bool{}
	for _, e := range o.InputMapping {
		if e.Location == LocationPath {
			mapped[e.Field] = true
		}
	}
	declared := map[string]bool{}
	for _, name := range o.PathParams() {
		declared[name] = true
	}
	for name := range mapped {
		if !declared[name] {
			errs = append(errs, fmt.Errorf("input_mapping targets path.%s but the path has no {%s}", name, name))
		}
	}
	return errors.Join(errs...)
}
