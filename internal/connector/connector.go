// Package connector owns the upstream HTTP leg: URL assembly, provider
// authentication headers, and handing back the raw status plus body stream.
// It never retries; retry policy belongs to the caller or the client.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ccgw/gateway/internal/apierr"
	"github.com/ccgw/gateway/internal/config"
)

const anthropicVersion = "2023-06-01"

// Request is one upstream call.
type Request struct {
	Body   any
	Stream bool
	// Extra headers, applied last so they win over computed ones.
	Headers map[string]string
	// Extra query parameters appended to the endpoint URL.
	Query url.Values
}

// Response is the raw upstream reply. Body must be closed by the caller.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Connector sends requests to one configured provider.
type Connector struct {
	provider config.Provider
	client   *http.Client
}

// New builds a connector for a provider. Streaming responses must outlive
// any fixed deadline, so the client timeout only bounds dial and headers.
func New(p config.Provider) *Connector {
	return &Connector{
		provider: p,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   8,
				ResponseHeaderTimeout: 5 * time.Minute,
			},
		},
	}
}

// Provider returns the provider this connector was built for.
func (c *Connector) Provider() config.Provider { return c.provider }

// Send performs the upstream call. Non-2xx statuses come back as a Response,
// not an error; only transport failures return apierr.UpstreamUnreachable.
func (c *Connector) Send(ctx context.Context, req Request) (*Response, error) {
	raw, err := json.Marshal(req.Body)
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("marshal upstream body: %w", err))
	}

	endpoint := c.endpointURL(req.Query)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, apierr.Internal(fmt.Errorf("build upstream request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	switch c.provider.AuthMode {
	case config.AuthAPIKey:
		httpReq.Header.Set("x-api-key", c.provider.Secret)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+c.provider.Secret)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range c.provider.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apierr.UpstreamUnreachable(err)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// endpointURL joins the provider base URL with the API path for its type.
func (c *Connector) endpointURL(extra url.Values) string {
	base := strings.TrimSuffix(c.provider.BaseURL, "/")
	var path string
	switch c.provider.Type {
	case config.TypeAnthropic:
		path = "/v1/messages"
	case config.TypeOpenAIResponses:
		path = "/v1/responses"
	default:
		path = "/v1/chat/completions"
	}
	if strings.HasSuffix(base, "/v1") {
		path = strings.TrimPrefix(path, "/v1")
	}
	u := base + path
	if len(extra) > 0 {
		u += "?" + extra.Encode()
	}
	return u
}

// ReadError drains an upstream error body and maps it to an apierr with the
// upstream's own message when one can be extracted.
func ReadError(resp *Response) *apierr.Error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := extractErrorMessage(raw)
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", resp.Status)
	}
	return apierr.UpstreamStatus(resp.Status, msg)
}

// extractErrorMessage pulls the message out of either the Anthropic or
// OpenAI error envelope.
func extractErrorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return ""
}

// Registry hands out one connector per provider id, built lazily from the
// active config snapshot.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connector
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: map[string]*Connector{}}
}

// Get returns the connector for a provider, rebuilding it if the provider
// config changed since the last call.
func (r *Registry) Get(id string, p config.Provider) *Connector {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok && providerEqual(c.provider, p) {
		return c
	}
	c := New(p)
	r.conns[id] = c
	return c
}

func providerEqual(a, b config.Provider) bool {
	if a.Type != b.Type || a.BaseURL != b.BaseURL || a.Secret != b.Secret || a.AuthMode != b.AuthMode {
		return false
	}
	if len(a.ExtraHeaders) != len(b.ExtraHeaders) {
		return false
	}
	for k, v := range a.ExtraHeaders {
		if b.ExtraHeaders[k] != v {
			return false
		}
	}
	return true
}
