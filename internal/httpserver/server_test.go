package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccgw/gateway/internal/apikey"
	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/logging"
	"github.com/ccgw/gateway/internal/reqlog"
)

// memStore records the request-log lifecycle in memory so tests can assert
// on it without a database round trip.
type memStore struct {
	mu           sync.Mutex
	records      map[string]*reqlog.Record
	tokens       map[string]reqlog.Tokens
	finals       map[string][]reqlog.Final
	reqPayloads  map[string]string
	respPayloads map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		records:      map[string]*reqlog.Record{},
		tokens:       map[string]reqlog.Tokens{},
		finals:       map[string][]reqlog.Final{},
		reqPayloads:  map[string]string{},
		respPayloads: map[string]string{},
	}
}

func (m *memStore) Create(_ context.Context, rec *reqlog.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) UpsertRequestPayload(_ context.Context, id, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqPayloads[id] = body
	return nil
}

func (m *memStore) UpsertResponsePayload(_ context.Context, id, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.respPayloads[id] = body
	return nil
}

func (m *memStore) UpdateTokens(_ context.Context, id string, t reqlog.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[id] = t
	return nil
}

func (m *memStore) Finalize(_ context.Context, id string, fin reqlog.Final) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finals[id] = append(m.finals[id], fin)
	return nil
}

func (m *memStore) AggregateDaily(context.Context, time.Time) error { return nil }

func (m *memStore) Daily(context.Context, int) ([]reqlog.DailyUsage, error) { return nil, nil }

func (m *memStore) Close() error { return nil }

// only returns the single record and its lifecycle state, failing on any
// other count.
func (m *memStore) only(t *testing.T) (*reqlog.Record, reqlog.Tokens, []reqlog.Final) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) != 1 {
		t.Fatalf("records = %d, want 1", len(m.records))
	}
	for id, rec := range m.records {
		return rec, m.tokens[id], m.finals[id]
	}
	return nil, reqlog.Tokens{}, nil
}

const gatewayYAML = `
server:
  store_request_payloads: true
  store_response_payloads: true
providers:
  anthropic-prod:
    base_url: "%s"
    type: anthropic
    secret: "sk-upstream"
    models: ["claude-sonnet-4-5-20250929", "claude-haiku-4-5"]
routes:
  anthropic:
    model_routes:
      claude-sonnet-4-5-20250929: "anthropic-prod:claude-sonnet-4-5-20250929"
  openai:
    defaults:
      completion: "anthropic-prod:claude-sonnet-4-5-20250929"
  corp:
    model_routes:
      claude-sonnet-4-5-20250929: "anthropic-prod:claude-sonnet-4-5-20250929"
endpoints:
  - name: corp
    path: /corp/v1/messages
    type: anthropic
`

type testGateway struct {
	srv   *httptest.Server
	store *memStore
	token string
}

func newTestGateway(t *testing.T, upstreamURL string, wildcard bool) *testGateway {
	t.Helper()
	snap, err := config.Parse([]byte(fmt.Sprintf(gatewayYAML, upstreamURL)))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	snap.Keys.WildcardEnabled = wildcard

	keys, err := apikey.NewSQLite(filepath.Join(t.TempDir(), "keys.db"), wildcard)
	if err != nil {
		t.Fatalf("open keys: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	token, _, err := keys.Create(context.Background(), "test")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}

	store := newMemStore()
	gw := New(config.NewStaticManager(snap), keys, store, nil, logging.New(io.Discard, logging.LevelError))
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, store: store, token: token}
}

func (g *testGateway) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

const anthropicReply = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":1}}`

func TestAnthropicPassthroughBuffered(t *testing.T) {
	var upstreamAuth, upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamAuth = r.Header.Get("x-api-key")
		upstreamPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp := g.post(t, "/anthropic/v1/messages",
		`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	// Same protocol on both legs: the upstream body passes through verbatim.
	if string(got) != anthropicReply {
		t.Fatalf("body = %s", got)
	}
	if upstreamAuth != "sk-upstream" {
		t.Fatalf("upstream x-api-key = %q", upstreamAuth)
	}
	if upstreamPath != "/v1/messages" {
		t.Fatalf("upstream path = %q", upstreamPath)
	}

	rec, tokens, finals := g.store.only(t)
	if rec.Provider != "anthropic-prod" || rec.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("record = %+v", rec)
	}
	if tokens.Input != 3 || tokens.Output != 1 || tokens.Estimated {
		t.Fatalf("tokens = %+v", tokens)
	}
	if len(finals) != 1 || finals[0].StatusCode != 200 || finals[0].Error != "" {
		t.Fatalf("finals = %+v", finals)
	}
}

func TestChatClientAgainstAnthropicUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"yo"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp := g.post(t, "/openai/v1/chat/completions",
		`{"model":"gpt-x","messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "gpt-x" {
		t.Fatalf("model = %q, want the client's requested name", out.Model)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "yo" || out.Choices[0].FinishReason != "stop" {
		t.Fatalf("choices = %+v", out.Choices)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 1 {
		t.Fatalf("usage = %+v", out.Usage)
	}

	rec, _, _ := g.store.only(t)
	if rec.ClientModel != "gpt-x" || rec.Model != "claude-sonnet-4-5-20250929" {
		t.Fatalf("record models = %q -> %q", rec.ClientModel, rec.Model)
	}
}

func TestUpstreamErrorForwardedVerbatim(t *testing.T) {
	const errBody = `{"error":{"message":"rate limited"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(429)
		w.Write([]byte(errBody))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp := g.post(t, "/anthropic/v1/messages",
		`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != 429 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != errBody {
		t.Fatalf("body = %s", got)
	}

	_, _, finals := g.store.only(t)
	if len(finals) != 1 || finals[0].StatusCode != 429 || finals[0].Error != "rate limited" {
		t.Fatalf("finals = %+v", finals)
	}
}

func TestAuthRequired(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp, err := http.Post(g.srv.URL+"/anthropic/v1/messages", "application/json",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error.Code == "" {
		t.Fatalf("error envelope missing: %v", err)
	}
}

func TestWildcardAcceptsAnonymous(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, true)
	resp, err := http.Post(g.srv.URL+"/anthropic/v1/messages", "application/json",
		strings.NewReader(`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEmptyMessagesRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp := g.post(t, "/anthropic/v1/messages", `{"model":"claude-sonnet-4-5-20250929","messages":[]}`)
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestNoRouteForModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	// The anthropic table has no defaults, so an unrouted model has nowhere
	// to go.
	resp := g.post(t, "/anthropic/v1/messages",
		`{"model":"claude-opus-nonexistent","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode < 400 {
		t.Fatalf("status = %d, want an error", resp.StatusCode)
	}
}

func TestCustomEndpointDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicReply))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL, false)
	resp := g.post(t, "/corp/v1/messages",
		`{"model":"claude-sonnet-4-5-20250929","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec, _, _ := g.store.only(t)
	if rec.Endpoint != "corp" {
		t.Fatalf("endpoint = %q", rec.Endpoint)
	}

	unknown := g.post(t, "/nope/v1/messages", `{}`)
	defer unknown.Body.Close()
	if unknown.StatusCode != 404 {
		t.Fatalf("unknown path status = %d", unknown.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", false)
	resp, err := http.Get(g.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Status    string `json:"status"`
		Providers int    `json:"providers"`
		Routes    int    `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || out.Providers != 1 || out.Routes != 2 {
		t.Fatalf("healthz = %+v", out)
	}
}

func TestModelsEndpoint(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", false)
	req, _ := http.NewRequest(http.MethodGet, g.srv.URL+"/openai/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+g.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 2 {
		t.Fatalf("models = %+v", out)
	}
	if out.Data[0].ID != "claude-haiku-4-5" {
		t.Fatalf("models not sorted: %+v", out.Data)
	}
}

func TestCountTokens(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", false)
	resp := g.post(t, "/anthropic/v1/messages/count_tokens",
		`{"model":"claude-sonnet-4-5-20250929","messages":[{"role":"user","content":"hello there"}]}`)
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InputTokens <= 0 {
		t.Fatalf("input_tokens = %d", out.InputTokens)
	}
}
