// Package tokenizer provides a cheap heuristic token estimator, used only
// when an upstream omits usage, plus the TPOT (time per output token)
// calculation applied when finalizing request logs.
package tokenizer

import (
	"encoding/json"
	"math"
	"unicode"

	"github.com/ccgw/gateway/internal/normalize"
)

const imageTokenCost = 85

// EstimatePayload estimates the input token count of a normalized payload.
func EstimatePayload(p *normalize.Payload) int {
	if p == nil {
		return 0
	}
	total := EstimateText(p.System)
	for _, msg := range p.Messages {
		for _, blk := range msg.Blocks {
			total += estimateBlock(blk)
		}
	}
	for _, tool := range p.Tools {
		total += EstimateText(tool.Name) + EstimateText(tool.Description)
		if tool.Parameters != nil {
			if raw, err := json.Marshal(tool.Parameters); err == nil {
				total += len(raw) / 4
			}
		}
	}
	return total
}

func estimateBlock(blk normalize.Block) int {
	switch blk.Kind {
	case normalize.BlockText, normalize.BlockThinking:
		return EstimateText(blk.Text)
	case normalize.BlockImage:
		return imageTokenCost
	case normalize.BlockToolUse:
		return EstimateText(blk.ToolName) + EstimateText(blk.InputJSON())
	case normalize.BlockToolResult:
		return EstimateText(blk.Result)
	default:
		return 0
	}
}

// EstimateText converts character counts to tokens: roughly 3.5 chars/token
// for CJK-heavy text, 4 otherwise.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	chars := 0
	cjk := 0
	for _, r := range text {
		chars++
		if isCJK(r) {
			cjk++
		}
	}
	divisor := 4.0
	if chars > 0 && float64(cjk)/float64(chars) > 0.3 {
		divisor = 3.5
	}
	return int(math.Ceil(float64(chars) / divisor))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// TPOT computes milliseconds per output token, rounded to two decimals.
// Returns (0, false) when outputTokens is not positive.
//
// For streaming requests the time before the first token is excluded when
// TTFT is a small share of total latency; reasoning output keeps the full
// window because thinking tokens are produced before the first visible one.
func TPOT(latencyMs, ttftMs int64, outputTokens int, streaming, reasoning bool) (float64, bool) {
	if outputTokens <= 0 || latencyMs <= 0 {
		return 0, false
	}
	effective := float64(latencyMs)
	if streaming && ttftMs > 0 && !reasoning {
		ratio := float64(ttftMs) / float64(latencyMs)
		if ratio <= 0.2 {
			effective = math.Max(float64(latencyMs-ttftMs), 0.2*float64(latencyMs))
		}
	}
	tpot := effective / float64(outputTokens)
	return math.Round(tpot*100) / 100, true
}
