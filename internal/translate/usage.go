package translate

import (
	"github.com/ccgw/gateway/internal/protocol/anthropic"
	"github.com/ccgw/gateway/internal/protocol/openai"
)

// Usage is the provider-neutral token accounting the gateway records.
// Cache reads and creations are tracked separately.
type Usage struct {
	Input         int
	Output        int
	CacheRead     int
	CacheCreation int
	Reasoning     int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.Input + u.Output }

// Accumulator merges the usage fragments a stream emits. Providers report
// usage at different points (message_start, message_delta, the final chunk)
// and sometimes repeat partial values, so each field only ever ratchets up.
type Accumulator struct {
	u    Usage
	seen bool
}

// Observe folds one usage report into the accumulator.
func (a *Accumulator) Observe(u Usage) {
	a.seen = true
	a.u.Input = max(a.u.Input, u.Input)
	a.u.Output = max(a.u.Output, u.Output)
	a.u.CacheRead = max(a.u.CacheRead, u.CacheRead)
	a.u.CacheCreation = max(a.u.CacheCreation, u.CacheCreation)
	a.u.Reasoning = max(a.u.Reasoning, u.Reasoning)
}

// Usage returns the merged totals.
func (a *Accumulator) Usage() Usage { return a.u }

// Seen reports whether any upstream usage arrived at all; callers fall back
// to heuristic estimation when it did not.
func (a *Accumulator) Seen() bool { return a.seen }

// FromAnthropicUsage converts Anthropic token accounting.
func FromAnthropicUsage(u anthropic.Usage) Usage {
	return Usage{
		Input:         u.InputTokens,
		Output:        u.OutputTokens,
		CacheRead:     u.CacheReadInputTokens,
		CacheCreation: u.CacheCreationInputTokens,
	}
}

// FromChatUsage converts Chat Completions token accounting.
func FromChatUsage(u openai.Usage) Usage {
	out := Usage{Input: u.PromptTokens, Output: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CacheRead = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.Reasoning = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

// FromResponsesUsage converts Responses API token accounting.
func FromResponsesUsage(u *openai.ResponsesUsage) Usage {
	if u == nil {
		return Usage{}
	}
	out := Usage{Input: u.InputTokens, Output: u.OutputTokens}
	if u.InputTokensDetails != nil {
		out.CacheRead = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.Reasoning = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

// ToAnthropicUsage renders neutral usage in Anthropic form.
func ToAnthropicUsage(u Usage) anthropic.Usage {
	return anthropic.Usage{
		InputTokens:              u.Input,
		OutputTokens:             u.Output,
		CacheReadInputTokens:     u.CacheRead,
		CacheCreationInputTokens: u.CacheCreation,
	}
}

// ToChatUsage renders neutral usage in Chat Completions form.
func ToChatUsage(u Usage) openai.Usage {
	out := openai.Usage{
		PromptTokens:     u.Input,
		CompletionTokens: u.Output,
		TotalTokens:      u.Input + u.Output,
	}
	if u.CacheRead > 0 {
		out.PromptTokensDetails = &openai.TokenDetails{CachedTokens: u.CacheRead}
	}
	if u.Reasoning > 0 {
		out.CompletionTokensDetails = &openai.TokenDetails{ReasoningTokens: u.Reasoning}
	}
	return out
}

// ToResponsesUsage renders neutral usage in Responses form.
func ToResponsesUsage(u Usage) *openai.ResponsesUsage {
	out := &openai.ResponsesUsage{
		InputTokens:  u.Input,
		OutputTokens: u.Output,
		TotalTokens:  u.Input + u.Output,
	}
	if u.CacheRead > 0 {
		out.InputTokensDetails = &openai.TokenDetails{CachedTokens: u.CacheRead}
	}
	if u.Reasoning > 0 {
		out.OutputTokensDetails = &openai.TokenDetails{ReasoningTokens: u.Reasoning}
	}
	return out
}
