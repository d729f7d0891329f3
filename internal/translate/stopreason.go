package translate

// Stop-reason vocabulary differs per protocol. Translation always goes
// through the Anthropic vocabulary as the pivot.

// StopToFinishReason maps an Anthropic stop_reason to a Chat Completions
// finish_reason.
func StopToFinishReason(stop string) string {
	switch stop {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence", "":
		return "stop"
	default:
		return "stop"
	}
}

// FinishToStopReason maps a Chat Completions finish_reason back to an
// Anthropic stop_reason.
func FinishToStopReason(finish string) string {
	switch finish {
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// StopToResponseStatus maps an Anthropic stop_reason to a Responses API
// terminal status.
func StopToResponseStatus(stop string) string {
	switch stop {
	case "tool_use":
		return "requires_action"
	case "max_tokens", "stop_sequence":
		return "incomplete"
	default:
		return "completed"
	}
}

// ResponseStatusToStop maps a Responses terminal status (plus whether any
// function_call item appeared) to an Anthropic stop_reason.
func ResponseStatusToStop(status string, sawToolCall bool) string {
	if sawToolCall || status == "requires_action" {
		return "tool_use"
	}
	if status == "incomplete" {
		return "max_tokens"
	}
	return "end_turn"
}
