package router

import (
	"testing"

	"github.com/ccgw/gateway/internal/config"
	"github.com/ccgw/gateway/internal/normalize"
)

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Providers: map[string]config.Provider{
			"anthropic-prod": {
				ID:      "anthropic-prod",
				Type:    config.TypeAnthropic,
				BaseURL: "https://api.anthropic.com",
			},
			"local": {
				ID:           "local",
				Type:         config.TypeOpenAIChat,
				BaseURL:      "http://localhost:8000",
				DefaultModel: "qwen3",
			},
		},
		Routes: map[string]config.RoutingTable{
			"anthropic": {
				Defaults: config.RouteDefaults{
					Completion: "local:qwen3",
					Background: "local:qwen3-small",
					Reasoning:  "anthropic-prod:claude-sonnet-4-5-20250929",
				},
				ModelRoutes: map[string]string{
					"claude-sonnet-4-5-20250929": "anthropic-prod:claude-sonnet-4-5-20250929",
					"gpt-local":                  "local:*",
				},
			},
		},
	}
}

func userPayload(model string) *normalize.Payload {
	return &normalize.Payload{
		Model: model,
		Messages: []normalize.Message{
			{Role: normalize.RoleUser, Blocks: []normalize.Block{normalize.TextBlock("hi")}},
		},
	}
}

func TestResolveExactRoute(t *testing.T) {
	dec, err := Resolve(testSnapshot(), "anthropic", userPayload("claude-sonnet-4-5-20250929"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "anthropic-prod" || dec.UpstreamModel != "claude-sonnet-4-5-20250929" {
		t.Fatalf("decision = %+v", dec)
	}
	if dec.UpstreamType != config.TypeAnthropic {
		t.Fatalf("upstream type = %q", dec.UpstreamType)
	}
	if dec.TokenEstimate <= 0 {
		t.Fatalf("token estimate = %d, want > 0", dec.TokenEstimate)
	}
}

func TestResolvePassthroughTarget(t *testing.T) {
	dec, err := Resolve(testSnapshot(), "anthropic", userPayload("gpt-local"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "local" || dec.UpstreamModel != "gpt-local" {
		t.Fatalf("passthrough decision = %+v", dec)
	}
}

func TestResolveCategoryDefaults(t *testing.T) {
	snap := testSnapshot()

	// Unknown model, plain completion.
	dec, err := Resolve(snap, "anthropic", userPayload("mystery-model"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "local" || dec.UpstreamModel != "qwen3" {
		t.Fatalf("completion default = %+v", dec)
	}

	// Tools push the request into the reasoning default.
	p := userPayload("mystery-model")
	p.Tools = []normalize.Tool{{Name: "weather"}}
	dec, err = Resolve(snap, "anthropic", p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "anthropic-prod" {
		t.Fatalf("reasoning default = %+v", dec)
	}

	// Short haiku conversations go to the background default.
	dec, err = Resolve(snap, "anthropic", userPayload("claude-haiku-4-5"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.UpstreamModel != "qwen3-small" {
		t.Fatalf("background default = %+v", dec)
	}
}

func TestResolveNoRouteFails(t *testing.T) {
	snap := testSnapshot()
	snap.Routes = map[string]config.RoutingTable{}
	if _, err := Resolve(snap, "anthropic", userPayload("anything")); err == nil {
		t.Fatal("expected error when no route matches")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		p    *normalize.Payload
		want Category
	}{
		{"plain", userPayload("gpt-4o"), CategoryCompletion},
		{"haiku short", userPayload("claude-haiku-4-5"), CategoryBackground},
		{"thinking", &normalize.Payload{Model: "m", Thinking: true}, CategoryReasoning},
	}
	for _, tc := range cases {
		if got := Classify(tc.p); got != tc.want {
			t.Errorf("%s: Classify = %q, want %q", tc.name, got, tc.want)
		}
	}

	// Haiku with tools is reasoning, not background.
	p := userPayload("claude-haiku-4-5")
	p.Tools = []normalize.Tool{{Name: "t"}}
	if got := Classify(p); got != CategoryReasoning {
		t.Errorf("haiku with tools = %q, want reasoning", got)
	}
}

func TestResolveEndpointWithInlineRoutes(t *testing.T) {
	snap, err := config.Parse([]byte(`
providers:
  anthropic-prod:
    base_url: https://api.anthropic.com
    type: anthropic
endpoints:
  - name: corp
    path: /corp/v1/messages
    type: anthropic
    routes:
      model_routes:
        claude-sonnet-4-5-20250929: "anthropic-prod:claude-sonnet-4-5-20250929"
`))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	dec, err := Resolve(snap, "corp", userPayload("claude-sonnet-4-5-20250929"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if dec.ProviderID != "anthropic-prod" || dec.UpstreamModel != "claude-sonnet-4-5-20250929" {
		t.Fatalf("decision = %+v", dec)
	}
}
