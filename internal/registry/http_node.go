package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodeflow/orchestrator/internal/resilience"
)

// HTTPNode is the primary concrete NodeType exercising the registry:
// it issues an HTTP request described by its parameters, templating
// "{{field}}" placeholders against the upstream input_data, and returns
// the parsed JSON (or raw body) response as node output.
type HTTPNode struct {
	client   *http.Client
	tracer   trace.Tracer
	breakers breakerSet
}

// breakerSet lazily creates one circuit breaker per target host, guarding
// this node type's outbound calls the way the teacher's resilience
// package is meant to be used around a real I/O boundary.
type breakerSet struct {
	mu       chan struct{} // 1-buffered mutex
	byHost   map[string]*resilience.CircuitBreaker
}

func newBreakerSet() breakerSet {
	bs := breakerSet{mu: make(chan struct{}, 1), byHost: make(map[string]*resilience.CircuitBreaker)}
	bs.mu <- struct{}{}
	return bs
}

func (bs breakerSet) get(host string) *resilience.CircuitBreaker {
	<-bs.mu
	defer func() { bs.mu <- struct{}{} }()
	cb, ok := bs.byHost[host]
	if !ok {
		// 10s rolling window in 10 buckets, trip at >=50% failures over at
		// least 5 samples, cool down 5s, allow 1 half-open probe.
		cb = resilience.NewCircuitBreakerAdaptive(10*time.Second, 10, 5, 0.5, 5*time.Second, 1)
		bs.byHost[host] = cb
	}
	return cb
}

// NewHTTPNode constructs an HTTPNode with a pooled client matching the
// teacher's HTTPTaskExecutor defaults.
func NewHTTPNode(client *http.Client) *HTTPNode {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPNode{
		client:   client,
		tracer:   otel.Tracer("orchestrator-http-node"),
		breakers: newBreakerSet(),
	}
}

func (n *HTTPNode) Name() string        { return "http" }
func (n *HTTPNode) DisplayName() string { return "HTTP Request" }

func (n *HTTPNode) Description() *NodeDescription {
	return &NodeDescription{
		Name:        n.Name(),
		DisplayName: n.DisplayName(),
		Properties: []NodeProperty{
			{Name: "url", DisplayName: "URL", Type: "string", Required: true},
			{Name: "method", DisplayName: "Method", Type: "string", Required: false},
			{Name: "headers", DisplayName: "Headers", Type: "object", Required: false},
			{Name: "body", DisplayName: "Body", Type: "any", Required: false},
		},
	}
}

type httpParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

func (n *HTTPNode) Execute(ctx context.Context, ectx NodeExecutionContext) (NodeOutput, error) {
	params, err := decodeHTTPParams(ectx.Parameters)
	if err != nil {
		return NodeOutput{}, &InvalidConfigError{Message: err.Error()}
	}
	if params.URL == "" {
		return NodeOutput{}, &InvalidConfigError{Message: "http node requires a non-empty url"}
	}

	ctx, span := n.tracer.Start(ctx, "http_node.execute",
		trace.WithAttributes(attribute.String("url", params.URL)))
	defer span.End()

	url := resolveTemplate(params.URL, ectx.InputData)
	method := params.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if params.Body != nil {
		bodyJSON, err := json.Marshal(params.Body)
		if err != nil {
			return NodeOutput{}, &InvalidConfigError{Message: fmt.Sprintf("marshal body: %v", err)}
		}
		body = strings.NewReader(resolveTemplate(string(bodyJSON), ectx.InputData))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return NodeOutput{}, &InvalidConfigError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation(req.Header))

	breaker := n.breakers.get(req.URL.Host)
	if !breaker.Allow() {
		return NodeOutput{}, &ExecutionFailedError{Message: fmt.Sprintf("circuit open for host %s", req.URL.Host)}
	}

	type httpResult struct {
		status int
		body   []byte
	}
	attempts := 1
	if method == http.MethodGet {
		attempts = 3 // idempotent requests may retry transient network errors
	}
	result, err := resilience.Retry(ctx, attempts, 100*time.Millisecond, func() (httpResult, error) {
		resp, err := n.client.Do(req)
		if err != nil {
			return httpResult{}, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return httpResult{}, err
		}
		return httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		breaker.RecordResult(false)
		return NodeOutput{}, &ExecutionFailedError{Message: fmt.Sprintf("execute request: %v", err)}
	}
	respBody := result.body
	statusCode := result.status
	span.SetAttributes(attribute.Int("http.status_code", statusCode))

	if statusCode >= 400 {
		breaker.RecordResult(false)
		return NodeOutput{}, &ExecutionFailedError{Message: fmt.Sprintf("http error %d: %s", statusCode, string(respBody))}
	}
	breaker.RecordResult(true)

	var parsed any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			parsed = map[string]any{"body": string(respBody), "status_code": statusCode}
		}
	} else {
		parsed = map[string]any{"status_code": statusCode}
	}
	return NodeOutput{Data: parsed}, nil
}

func decodeHTTPParams(parameters any) (httpParams, error) {
	var p httpParams
	raw, err := json.Marshal(parameters)
	if err != nil {
		return p, fmt.Errorf("re-encode parameters: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode parameters: %w", err)
	}
	return p, nil
}

// resolveTemplate replaces "{{field}}" placeholders with the stringified
// value of input's top-level field, mirroring the teacher's simple
// template-substitution approach (no expression language here — that is
// the Mapping Engine's job, applied upstream of this node by the
// Workflow Executor).
func resolveTemplate(template string, input any) string {
	obj, ok := input.(map[string]any)
	if !ok {
		return template
	}
	result := template
	for field, value := range obj {
		placeholder := fmt.Sprintf("{{%s}}", field)
		result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
	}
	return result
}

type headerCarrierAdapter http.Header

func (c headerCarrierAdapter) Get(key string) string   { return http.Header(c).Get(key) }
func (c headerCarrierAdapter) Set(key, value string)   { http.Header(c).Set(key, value) }
func (c headerCarrierAdapter) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func propagation(h http.Header) headerCarrierAdapter { return headerCarrierAdapter(h) }
