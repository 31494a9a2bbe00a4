package session

import (
	"bufio"
	"encoding/json"
	"strings"

	"github.com/agentbureau/bureau/pkg/types"
)

// usageCounts holds token counts by class as reported by a provider.
type usageCounts struct {
	Input     int64
	Cached    int64
	Output    int64
	Reasoning int64
	Total     int64
}

func (u usageCounts) total() int64 {
	if u.Total > 0 {
		return u.Total
	}
	return u.Input + u.Cached + u.Output + u.Reasoning
}

// extractUsage scans captured provider output for token usage lines.
// Two shapes are recognized anywhere in a line's JSON tree: the
// codex-style token count record (input_tokens, cached_input_tokens,
// output_tokens, reasoning_output_tokens, total_tokens) and the
// OpenAI-style usage object (prompt_tokens, completion_tokens,
// total_tokens). When several candidates appear, the one with the
// highest total wins.
func extractUsage(text string) (usageCounts, bool) {
	var best usageCounts
	found := false

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		walkUsage(v, &best, &found)
	}
	return best, found
}

func walkUsage(v any, best *usageCounts, found *bool) {
	switch node := v.(type) {
	case map[string]any:
		if c, ok := usageFromMap(node); ok {
			if !*found || c.total() > best.total() {
				*best = c
			}
			*found = true
		}
		for _, child := range node {
			walkUsage(child, best, found)
		}
	case []any:
		for _, child := range node {
			walkUsage(child, best, found)
		}
	}
}

func usageFromMap(m map[string]any) (usageCounts, bool) {
	if in, ok := intField(m, "input_tokens"); ok {
		out, okOut := intField(m, "output_tokens")
		if !okOut {
			return usageCounts{}, false
		}
		c := usageCounts{Input: in, Output: out}
		c.Cached, _ = intField(m, "cached_input_tokens")
		c.Reasoning, _ = intField(m, "reasoning_output_tokens")
		c.Total, _ = intField(m, "total_tokens")
		return c, true
	}
	if in, ok := intField(m, "prompt_tokens"); ok {
		out, okOut := intField(m, "completion_tokens")
		if !okOut {
			return usageCounts{}, false
		}
		c := usageCounts{Input: in, Output: out}
		c.Total, _ = intField(m, "total_tokens")
		return c, true
	}
	return usageCounts{}, false
}

func intField(m map[string]any, key string) (int64, bool) {
	f, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// estimateTokens is the fallback when no provider usage line was seen:
// tokens ≈ chars/4, never below 1.
func estimateTokens(charCount int) int64 {
	tokens := int64((charCount + 3) / 4)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// computeCost prices token counts against the machine rate card (USD
// per 1000 tokens). A provider absent from the card yields nil. Class
// rates not broken out fall back to the base input/output rates.
func computeCost(counts usageCounts, pricing map[string]types.ProviderPricing, provider string) *float64 {
	rate, ok := pricing[provider]
	if !ok {
		return nil
	}
	cachedRate := rate.Input
	if rate.CachedInput != nil {
		cachedRate = *rate.CachedInput
	}
	reasoningRate := rate.Output
	if rate.ReasoningOutput != nil {
		reasoningRate = *rate.ReasoningOutput
	}
	cost := (float64(counts.Input)*rate.Input +
		float64(counts.Cached)*cachedRate +
		float64(counts.Output)*rate.Output +
		float64(counts.Reasoning)*reasoningRate) / 1000.0
	return &cost
}

// runUsage converts extracted counts into the run.yaml usage record.
func runUsage(counts usageCounts, source types.UsageSource, cost *float64) *types.RunUsage {
	confidence := "high"
	if source == types.UsageSourceEstimatedChars {
		confidence = "low"
	}
	return &types.RunUsage{
		Source:       source,
		Confidence:   confidence,
		InputTokens:  counts.Input + counts.Cached,
		OutputTokens: counts.Output + counts.Reasoning,
		TotalTokens:  counts.total(),
		CostUSD:      cost,
	}
}
