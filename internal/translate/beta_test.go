package translate

import "testing"

func TestAnthropicBetaDefaults(t *testing.T) {
	cases := []struct {
		model  string
		forced bool
		want   string
	}{
		{"claude-sonnet-4-5-20250929", false, fineGrainedBeta},
		{"claude-haiku-4-5", false, fineGrainedBeta},
		{"claude-3-opus", false, ""},
		{"claude-3-opus", true, fineGrainedBeta},
	}
	for _, tc := range cases {
		if got := AnthropicBeta(tc.model, tc.forced); got != tc.want {
			t.Errorf("AnthropicBeta(%q, %t) = %q, want %q", tc.model, tc.forced, got, tc.want)
		}
	}
}

func TestAnthropicBetaGlobalOverride(t *testing.T) {
	t.Setenv("CC_GW_ANTHROPIC_BETA_ALL", "custom-beta-value")
	if got := AnthropicBeta("claude-3-opus", false); got != "custom-beta-value" {
		t.Fatalf("global override not applied, got %q", got)
	}

	t.Setenv("CC_GW_ANTHROPIC_BETA_ALL", "off")
	if got := AnthropicBeta("claude-sonnet-4-5-20250929", false); got != "" {
		t.Fatalf("off override should disable the header, got %q", got)
	}
}

func TestAnthropicBetaPerModelWinsOverGlobal(t *testing.T) {
	t.Setenv("CC_GW_ANTHROPIC_BETA_ALL", "global-value")
	t.Setenv("CC_GW_ANTHROPIC_BETA_CLAUDE_SONNET_4_5_20250929", "model-value")

	if got := AnthropicBeta("claude-sonnet-4-5-20250929", false); got != "model-value" {
		t.Fatalf("per-model override should win, got %q", got)
	}
	if got := AnthropicBeta("claude-3-opus", false); got != "global-value" {
		t.Fatalf("other models should fall back to global, got %q", got)
	}
}

func TestAnthropicBetaOnShorthand(t *testing.T) {
	t.Setenv("CC_GW_ANTHROPIC_BETA_ALL", "on")
	if got := AnthropicBeta("whatever", false); got != fineGrainedBeta {
		t.Fatalf("on shorthand should yield the default beta, got %q", got)
	}
}

func TestEnvModelKey(t *testing.T) {
	if got := envModelKey("claude-sonnet-4.5"); got != "CLAUDE_SONNET_4_5" {
		t.Fatalf("envModelKey = %q", got)
	}
}
