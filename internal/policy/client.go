// Package policy gates messages through an out-of-process policy engine.
// The engine is consulted before publish and after receive; when it cannot
// answer, the gate fails closed.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wesign/a2a-fabric/internal/errcode"
	"github.com/wesign/a2a-fabric/internal/logging"
	"github.com/wesign/a2a-fabric/internal/metrics"
)

// maxTimeout caps every engine call; the engine contract promises answers
// well inside it.
const maxTimeout = 500 * time.Millisecond

// Decision is the engine's answer for one input.
type Decision struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons,omitempty"`
}

// ClientOptions configures the engine client.
type ClientOptions struct {
	// BaseURL is the engine root, e.g. "http://opa:8181".
	BaseURL string
	// Path selects the policy document, e.g. "a2a/wire_gates".
	Path string
	// Timeout bounds one evaluation. Clamped to 500ms.
	Timeout time.Duration
	// HTTPClient overrides the default client. Its own timeout is left to
	// the per-request context.
	HTTPClient *http.Client
}

// Client evaluates inputs against one policy document over HTTP. A circuit
// breaker guards the engine: while open, evaluations fail immediately as
// unavailable.
type Client struct {
	url     string
	timeout time.Duration
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// NewClient creates a policy engine client.
func NewClient(log *logging.Logger, opts ClientOptions) *Client {
	if opts.Timeout <= 0 || opts.Timeout > maxTimeout {
		opts.Timeout = maxTimeout
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	clog := log.Component("policy")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "policy-engine",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			clog.Warn("policy engine breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		url:     strings.TrimSuffix(opts.BaseURL, "/") + "/v1/data/" + strings.Trim(opts.Path, "/"),
		timeout: opts.Timeout,
		httpc:   httpc,
		breaker: breaker,
		log:     clog,
	}
}

// Evaluate posts the input to the policy document. Engine-unreachable,
// non-200 responses and an open breaker surface as E_POLICY_UNAVAILABLE;
// a malformed response body is a plain deny.
func (c *Client) Evaluate(ctx context.Context, input any) (Decision, error) {
	start := time.Now()
	defer func() {
		metrics.PolicyEngineDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Decision{}, errcode.Wrap(errcode.PolicyUnavailable, err)
		}
		return Decision{}, err
	}
	return res.(Decision), nil
}

func (c *Client) post(ctx context.Context, input any) (Decision, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return Decision{}, errcode.Wrap(errcode.PolicyUnavailable, fmt.Errorf("encode policy input: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, errcode.Wrap(errcode.PolicyUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Decision{}, errcode.Wrap(errcode.PolicyUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Decision{}, errcode.Newf(errcode.PolicyUnavailable, "policy engine returned %d", resp.StatusCode)
	}

	var parsed struct {
		Result *Decision `json:"result"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, errcode.Wrap(errcode.PolicyUnavailable, err)
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.Result == nil {
		// A response we cannot interpret is a deny, not an outage; it does
		// not trip the breaker.
		c.log.Warn("malformed policy response", "body_len", len(data))
		return Decision{Allow: false, Reasons: []string{"malformed policy response"}}, nil
	}
	return *parsed.Result, nil
}
