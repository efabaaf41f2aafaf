// Package agents resolves configured agent integrations and calls them over HTTP.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	perrors "github.com/jmgilman/go/errors"

	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/gateway"
	"github.com/pario-ai/agentgate/pkg/models"
)

// ErrUnknownAgent is returned for agents with no configured endpoint.
var ErrUnknownAgent = perrors.New(perrors.CodeNotFound, "unknown agent")

// maxResponseSize caps how much of an agent response is read.
const maxResponseSize = 8 << 20

// UpstreamError is a non-2xx reply from an agent.
type UpstreamError struct {
	Agent       string
	StatusCode  int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent %s returned status %d", e.Agent, e.StatusCode)
}

// Registry maps agent names to their HTTP endpoints using the live config.
type Registry struct {
	provider *config.Provider
	client   *http.Client
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient overrides the client used for agent calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.client = c }
}

// New creates a Registry reading agents from provider.
func New(provider *config.Provider, opts ...Option) *Registry {
	r := &Registry{
		provider: provider,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective configuration for name.
func (r *Registry) Resolve(name string) (config.AgentConfig, error) {
	a := r.provider.Current().Agent(name)
	if a.URL == "" {
		return config.AgentConfig{}, perrors.WrapWithContext(ErrUnknownAgent, perrors.CodeNotFound,
			"resolve agent", map[string]interface{}{"agent": name})
	}
	return a, nil
}

// Names lists agents that have an endpoint, sorted.
func (r *Registry) Names() []string {
	cfg := r.provider.Current()
	var out []string
	for _, name := range cfg.AgentNames() {
		if cfg.Agent(name).URL != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Func returns the call function for name, for use with gateway.Gateway.
func (r *Registry) Func(name string) (gateway.AgentFunc, error) {
	a, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req models.Request) ([]byte, error) {
		return r.call(ctx, a, req)
	}, nil
}

// call POSTs req as JSON to the agent and returns the response body.
func (r *Registry) call(ctx context.Context, a config.AgentConfig, req models.Request) ([]byte, error) {
	target, err := url.Parse(a.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if id := RequestID(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			Agent:       a.Name,
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        respBody,
		}
	}
	return respBody, nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id that is forwarded to agents.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id set by WithRequestID.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
