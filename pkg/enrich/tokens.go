package enrich

import "unicode/utf8"

// EstimateTokens approximates the model tokenizer at roughly four
// characters per token. It runs before every call so over-budget requests
// are rejected without network activity; an estimate, not an invoice.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	tokens := n / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// estimateMessages sums the token estimate over a conversation with a small
// per-message envelope overhead
func estimateMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
	}
	return total
}
