// Package toolclient calls registered external tools: it maps proposal data
// into requests, authenticates, retries idempotent calls, and maps responses
// back into context values.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"proposal-workflow/backend/internal/jsonpath"
	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/metrics"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/validation"
	"proposal-workflow/backend/pkg/models"
)

const (
	instrumentationName = "proposal-workflow/toolclient"

	// maxResponseSize caps how much of a response body is read (10MB).
	maxResponseSize = 10 * 1024 * 1024
)

// Output is one mapped response value and the context path it targets.
type Output struct {
	Key   string
	Value any
}

// Result is the outcome of a tool call. Execution is always set, even when
// the call failed.
type Result struct {
	StatusCode int
	Body       any
	Mapped     map[string]any
	// Outputs holds the same values keyed by their dotted context path, in
	// output_mapping order.
	Outputs      []Output
	SchemaErrors []string
	// Validation is set for tool_type=validation operations that returned 2xx.
	Validation *validation.Result
	Execution  *models.ToolExecution
}

// Client executes tool operations over HTTP.
type Client struct {
	http   *http.Client
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	tracer   trace.Tracer
	attempts metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for outbound calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSleep replaces the backoff sleep. Tests use it to skip delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a Client. The default transport is instrumented with otelhttp.
func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   logging.Discard(),
		sleep:    sleepContext,
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter("toolclient.attempts",
		metric.WithDescription("HTTP attempts made against external tools"))
	if err != nil {
		c.logger.Warn("failed to create attempt counter", "error", err)
	}
	c.attempts = counter
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Invoke maps source into a request for op and executes it.
func (c *Client) Invoke(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, source map[string]any) (*Result, error) {
	req, err := BuildRequest(tool, op, source)
	if err != nil {
		err = tagged(err, op)
		res := &Result{Execution: c.newExecution(tool, op, &Request{Method: op.HTTPMethod()})}
		c.fail(res.Execution, op, err)
		metrics.RecordToolCall(op.OperationID, string(outcome.KindOf(err)), 0)
		return res, err
	}
	return c.Do(ctx, tool, op, req)
}

// Do executes req with authentication, retries and response handling.
func (c *Client) Do(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, req *Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "toolclient.Do", trace.WithAttributes(
		attribute.String("tool.id", tool.ID),
		attribute.String("tool.operation_id", op.OperationID),
		attribute.String("http.request.method", req.Method),
	))
	defer span.End()

	start := c.now()
	res := &Result{Execution: c.newExecution(tool, op, req)}
	err := c.do(ctx, tool, op, req, res)
	res.Execution.DurationMS = c.now().Sub(start).Milliseconds()

	status := "success"
	if err != nil {
		err = tagged(err, op)
		c.fail(res.Execution, op, err)
		status = string(outcome.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("tool.attempts", res.Execution.Attempts))
	metrics.RecordToolCall(op.OperationID, status, c.now().Sub(start).Seconds())
	return res, err
}

func (c *Client) newExecution(tool *models.ExternalTool, op *models.ToolOperation, req *Request) *models.ToolExecution {
	return &models.ToolExecution{
		OperationID: op.OperationID,
		ToolID:      tool.ID,
		Method:      req.Method,
		URL:         req.URL,
		RequestBody: req.Body,
		StartedAt:   c.now().UTC(),
	}
}

func (c *Client) fail(exec *models.ToolExecution, op *models.ToolOperation, err error) {
	exec.ErrorType = string(outcome.KindOf(err))
	exec.Error = err.Error()
	c.logger.Warn("tool call failed", "operation", op.OperationID, "error_type", exec.ErrorType, "error", err)
}

func tagged(err error, op *models.ToolOperation) error {
	if oe, ok := outcome.As(err); ok {
		return oe.WithOperation(op.OperationID)
	}
	return outcome.Wrap(outcome.ServiceUnavailable, err, "call %s", op.OperationID).WithOperation(op.OperationID)
}

func (c *Client) do(ctx context.Context, tool *models.ExternalTool, op *models.ToolOperation, req *Request, res *Result) error {
	if !tool.Active() {
		return outcome.New(outcome.ConfigurationError, "tool %q is inactive", tool.ID)
	}

	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if err := applyAuth(tool, header); err != nil {
		return err
	}
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return outcome.Wrap(outcome.MappingError, err, "encode request body")
		}
		payload = b
		header.Set("Content-Type", "application/json")
	}
	header.Set("Accept", "application/json")
	res.Execution.RequestHeaders = sanitizeHeaders(tool, header)

	maxAttempts := 1
	if op.Idempotent() {
		maxAttempts = op.RetryConfig.Attempts()
	}

	var (
		data []byte
		err  error
	)
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			metrics.RecordToolRetry(op.OperationID)
			delay := op.RetryConfig.Backoff(n - 1)
			c.logger.Info("retrying tool call", "operation", op.OperationID, "attempt", n, "delay", delay.String())
			if serr := c.sleep(ctx, delay); serr != nil {
				return outcome.Wrap(outcome.ServiceUnavailable, serr, "retry of %s cancelled", op.OperationID)
			}
		}
		if werr := c.wait(ctx, tool); werr != nil {
			return outcome.Wrap(outcome.ServiceUnavailable, werr, "rate limit wait for tool %q", tool.ID)
		}

		res.Execution.Attempts = n
		res.StatusCode, data, err = c.attempt(ctx, op, req, header, payload)
		if c.attempts != nil {
			c.attempts.Add(ctx, 1, metric.WithAttributes(
				attribute.String("operation", op.OperationID),
				attribute.Int("status_code", res.StatusCode),
			))
		}
		res.Execution.StatusCode = res.StatusCode
		if err == nil || !retryable(err, op) {
			break
		}
	}
	if data != nil {
		res.Execution.Response = decodeBody(data)
	}
	if err != nil {
		return err
	}

	res.Body = res.Execution.Response
	res.SchemaErrors = checkSchema(op.ResponseSchema, res.Body)
	res.Execution.SchemaErrors = res.SchemaErrors
	if len(res.SchemaErrors) > 0 {
		c.logger.Warn("tool response does not match response_schema",
			"operation", op.OperationID, "errors", strings.Join(res.SchemaErrors, "; "))
	}

	if op.IsValidation() && op.ValidationConfig != nil {
		v, verr := validation.Classify(res.Body, op.ValidationConfig.FailureConditions)
		if verr != nil {
			return outcome.Wrap(outcome.ConfigurationError, verr, "failure_conditions of %s", op.OperationID)
		}
		res.Validation = &v
		res.Execution.Classification = string(v.Status)
		metrics.RecordValidation(op.OperationID, string(v.Status))
	}

	mapped, outputs, merr := mapOutput(op.OutputMapping, res.Body)
	if merr != nil {
		return merr
	}
	res.Mapped = mapped
	res.Outputs = outputs
	res.Execution.MappedOutput = mapped
	return nil
}

func retryable(err error, op *models.ToolOperation) bool {
	oe, ok := outcome.As(err)
	if !ok || !oe.Retryable() {
		return false
	}
	return oe.StatusCode == 0 || op.RetryConfig.RetriesStatus(oe.StatusCode)
}

func (c *Client) wait(ctx context.Context, tool *models.ExternalTool) error {
	if tool.RateLimit <= 0 {
		return nil
	}
	c.mu.Lock()
	l, ok := c.limiters[tool.ID]
	if !ok || float64(l.Limit()) != tool.RateLimit {
		l = rate.NewLimiter(rate.Limit(tool.RateLimit), max(1, int(tool.RateLimit)))
		c.limiters[tool.ID] = l
	}
	c.mu.Unlock()
	return l.Wait(ctx)
}

// attempt performs one HTTP exchange bounded by the operation timeout.
func (c *Client) attempt(ctx context.Context, op *models.ToolOperation, req *Request, header http.Header, payload []byte) (int, []byte, error) {
	timeout := op.TimeoutDuration()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, req.URL, body)
	if err != nil {
		return 0, nil, outcome.Wrap(outcome.ConfigurationError, err, "build request")
	}
	httpReq.Header = header.Clone()

	c.logger.Debug("calling tool", "operation", op.OperationID, "request", req.String())
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, nil, outcome.Wrap(outcome.ServiceUnavailable, err, "%s timed out after %s", op.OperationID, timeout)
		}
		return 0, nil, outcome.Wrap(outcome.ServiceUnavailable, err, "%s request failed", op.OperationID)
	}
	defer resp.Body.Close()

	// Body failures are transport failures whatever the status line said, so
	// the error carries no status code and stays retryable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return resp.StatusCode, nil, outcome.Wrap(outcome.ServiceUnavailable, err, "read %s response", op.OperationID)
	}
	if len(data) > maxResponseSize {
		return resp.StatusCode, nil, outcome.New(outcome.ServiceUnavailable, "%s response exceeds %d bytes", op.OperationID, maxResponseSize)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, data, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, data, withStatus(outcome.New(outcome.ServiceUnavailable, "%s returned HTTP %d", op.OperationID, resp.StatusCode), resp.StatusCode)
	default:
		return resp.StatusCode, data, withStatus(outcome.New(outcome.ClientRejected, "%s returned HTTP %d", op.OperationID, resp.StatusCode), resp.StatusCode)
	}
}

func withStatus(e *outcome.Error, code int) *outcome.Error {
	e.StatusCode = code
	return e
}

// decodeBody parses a JSON body. Non-JSON bodies are kept as {"raw": text}.
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return map[string]any{"raw": string(data)}
	}
	return v
}

// checkSchema returns one message per response_schema violation. A schema
// that cannot be loaded is reported the same way.
func checkSchema(schema map[string]any, body any) []string {
	if len(schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("response_schema: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	out := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		out = append(out, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return out
}

// mapOutput copies response values into context keys. Sources are
// "response.<path>" or a bare path into the body; unresolvable paths map to
// null.
func mapOutput(m models.OutputMapping, body any) (map[string]any, []Output, error) {
	if len(m) == 0 {
		return nil, nil, nil
	}
	doc := map[string]any{"response": body}
	out := make(map[string]any, len(m))
	outputs := make([]Output, 0, len(m))
	for _, e := range m {
		var (
			v  any
			ok bool
		)
		if e.Source == "response" || strings.HasPrefix(e.Source, "response.") || strings.HasPrefix(e.Source, "response[") {
			v, ok = jsonpath.Resolve(doc, e.Source)
		} else {
			v, ok = jsonpath.Resolve(body, e.Source)
		}
		if !ok {
			v = nil
		}
		if err := jsonpath.Assign(out, e.Key, models.CloneValue(v)); err != nil {
			return nil, nil, outcome.Wrap(outcome.MappingError, err, "output_mapping key %q", e.Key)
		}
		outputs = append(outputs, Output{Key: e.Key, Value: v})
	}
	return out, outputs, nil
}
