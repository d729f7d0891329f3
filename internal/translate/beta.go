package translate

import (
	"os"
	"strings"
)

const fineGrainedBeta = "fine-grained-tool-streaming-2025-05-14"

// Model families that get the fine-grained tool streaming beta by default.
var betaModelPatterns = []string{
	"sonnet-4-5",
	"haiku-4-5",
}

// AnthropicBeta resolves the anthropic-beta header value for an upstream
// model. Precedence: per-model override, global override, then the built-in
// model allowlist. An override of "off" disables the header entirely.
// forced reflects the endpoint's beta query parameter.
func AnthropicBeta(model string, forced bool) string {
	if v, ok := os.LookupEnv("CC_GW_ANTHROPIC_BETA_" + envModelKey(model)); ok {
		return normalizeBeta(v)
	}
	if v, ok := os.LookupEnv("CC_GW_ANTHROPIC_BETA_ALL"); ok {
		return normalizeBeta(v)
	}
	if forced {
		return fineGrainedBeta
	}
	for _, pattern := range betaModelPatterns {
		if strings.Contains(model, pattern) {
			return fineGrainedBeta
		}
	}
	return ""
}

// envModelKey uppercases a model id and folds non-alphanumerics to
// underscores, matching how the override variables are named.
func envModelKey(model string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(model) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func normalizeBeta(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "off", "none", "false", "0":
		return ""
	case "on", "true", "1":
		return fineGrainedBeta
	default:
		return v
	}
}
