package util

import "fmt"

// EstimateTokens approximates the LLM token count of text using the common
// four-characters-per-token heuristic. Good enough for prompt budgeting;
// never used for billing.
func EstimateTokens(text string) int64 {
	if len(text) == 0 {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

// FormatCount renders a large count with a k/M suffix for human output.
func FormatCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
