package toolclient

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/jmespath/go-jmespath"

	"proposal-workflow/backend/internal/jsonpath"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/pkg/models"
)

// Request is a fully resolved outbound call. Auth headers are added by Do.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

// Params are ad hoc request values used to dry-run an operation without an
// input mapping.
type Params struct {
	Path    map[string]any `json:"path,omitempty"`
	Query   map[string]any `json:"query,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    map[string]any `json:"body,omitempty"`
}

// BuildRequest resolves the operation's input mapping against source, the
// mapping document of a proposal.
func BuildRequest(tool *models.ExternalTool, op *models.ToolOperation, source map[string]any) (*Request, error) {
	pathValues := map[string]any{}
	query := url.Values{}
	header := http.Header{}
	var body map[string]any

	for _, e := range op.InputMapping {
		v, ok, err := resolveSource(e.Source, source)
		if err != nil {
			return nil, err
		}
		if !ok {
			if op.Parameters.Required(e.Location, e.Field) {
				return nil, outcome.New(outcome.MappingError,
					"required %s parameter %q: source %s did not resolve", e.Location, e.Field, e.Source)
			}
			continue
		}
		switch e.Location {
		case models.LocationPath:
			pathValues[e.Field] = v
		case models.LocationQuery:
			addQuery(query, e.Field, v)
		case models.LocationHeader:
			header.Set(e.Field, jsonpath.Stringify(v))
		case models.LocationBody:
			if body == nil {
				body = map[string]any{}
			}
			if err := jsonpath.Assign(body, e.Field, v); err != nil {
				return nil, outcome.Wrap(outcome.MappingError, err, "body field %q", e.Field)
			}
		}
	}

	for _, field := range op.RequiredBodyFields() {
		if _, ok := jsonpath.Resolve(body, field); !ok {
			return nil, outcome.New(outcome.MappingError, "required body field %q is not mapped", field)
		}
	}

	u, err := buildURL(tool, op, pathValues, query)
	if err != nil {
		return nil, err
	}
	req := &Request{Method: op.HTTPMethod(), URL: u, Header: header}
	if body != nil {
		req.Body = body
	}
	return req, nil
}

// RequestFromParams builds a request from explicit values. Missing path
// parameters are still a MappingError.
func RequestFromParams(tool *models.ExternalTool, op *models.ToolOperation, p Params) (*Request, error) {
	query := url.Values{}
	for _, k := range sortedKeys(p.Query) {
		addQuery(query, k, p.Query[k])
	}
	header := http.Header{}
	for k, v := range p.Headers {
		header.Set(k, jsonpath.Stringify(v))
	}
	u, err := buildURL(tool, op, p.Path, query)
	if err != nil {
		return nil, err
	}
	req := &Request{Method: op.HTTPMethod(), URL: u, Header: header}
	if p.Body != nil {
		req.Body = models.CloneMap(p.Body)
	}
	return req, nil
}

func buildURL(tool *models.ExternalTool, op *models.ToolOperation, pathValues map[string]any, query url.Values) (string, error) {
	path := op.Path
	for _, name := range op.PathParams() {
		v, ok := pathValues[name]
		if !ok || v == nil {
			return "", outcome.New(outcome.MappingError, "path parameter %q is not resolved", name)
		}
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(jsonpath.Stringify(v)))
	}
	u := strings.TrimRight(tool.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

func addQuery(q url.Values, key string, v any) {
	if list, ok := v.([]any); ok {
		for _, item := range list {
			q.Add(key, jsonpath.Stringify(item))
		}
		return
	}
	q.Add(key, jsonpath.Stringify(v))
}

// resolveSource evaluates one mapping source. ok is false when a path or query
// yields nothing.
func resolveSource(s models.Source, source map[string]any) (any, bool, error) {
	switch {
	case s.HasLiteral:
		return s.Literal, true, nil
	case s.Template != "":
		return jsonpath.Interpolate(s.Template, source), true, nil
	case s.Query != "":
		v, err := jmespath.Search(s.Query, source)
		if err != nil {
			return nil, false, outcome.Wrap(outcome.MappingError, err, "query %q", s.Query)
		}
		return v, v != nil, nil
	default:
		v, ok := jsonpath.Resolve(source, s.Path)
		if !ok || v == nil {
			return nil, false, nil
		}
		return v, true, nil
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the request line for logs.
func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.URL)
}
