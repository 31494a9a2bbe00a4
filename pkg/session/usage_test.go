package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/types"
)

func TestExtractUsageTokenCountShape(t *testing.T) {
	text := `starting up
{"type":"turn.completed","usage":{"input_tokens":1200,"cached_input_tokens":200,"output_tokens":300,"reasoning_output_tokens":50,"total_tokens":1750}}
done`
	counts, found := extractUsage(text)
	require.True(t, found)
	assert.Equal(t, int64(1200), counts.Input)
	assert.Equal(t, int64(200), counts.Cached)
	assert.Equal(t, int64(300), counts.Output)
	assert.Equal(t, int64(50), counts.Reasoning)
	assert.Equal(t, int64(1750), counts.total())
}

func TestExtractUsageOpenAIShape(t *testing.T) {
	text := `{"id":"resp-1","usage":{"prompt_tokens":100,"completion_tokens":25,"total_tokens":125}}`
	counts, found := extractUsage(text)
	require.True(t, found)
	assert.Equal(t, int64(100), counts.Input)
	assert.Equal(t, int64(25), counts.Output)
	assert.Equal(t, int64(125), counts.total())
}

func TestExtractUsageKeepsHighestTotal(t *testing.T) {
	text := `{"usage":{"input_tokens":10,"output_tokens":5}}
{"usage":{"input_tokens":400,"output_tokens":100,"total_tokens":500}}
{"usage":{"input_tokens":20,"output_tokens":3}}`
	counts, found := extractUsage(text)
	require.True(t, found)
	assert.Equal(t, int64(400), counts.Input)
	assert.Equal(t, int64(500), counts.total())
}

func TestExtractUsageDeepNesting(t *testing.T) {
	text := `{"events":[{"detail":{"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}}]}`
	counts, found := extractUsage(text)
	require.True(t, found)
	assert.Equal(t, int64(10), counts.total())
}

func TestExtractUsageNoUsage(t *testing.T) {
	for _, text := range []string{
		"",
		"plain text output\nmore text",
		`{"type":"assistant","message":"no counters here"}`,
		`{"usage":{"input_tokens":5}}`,
	} {
		_, found := extractUsage(text)
		assert.False(t, found, "text %q should carry no usage", text)
	}
}

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		chars int
		want  int64
	}{
		{0, 1},
		{1, 1},
		{4, 1},
		{5, 2},
		{8, 2},
		{4000, 1000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, estimateTokens(tc.chars), "chars=%d", tc.chars)
	}
}

func TestComputeCost(t *testing.T) {
	cached := 0.5
	reasoning := 8.0
	pricing := map[string]types.ProviderPricing{
		types.ProviderClaude: {Input: 3.0, CachedInput: &cached, Output: 15.0, ReasoningOutput: &reasoning},
		types.ProviderCodex:  {Input: 2.0, Output: 8.0},
	}
	counts := usageCounts{Input: 1000, Cached: 2000, Output: 500, Reasoning: 100}

	cost := computeCost(counts, pricing, types.ProviderClaude)
	require.NotNil(t, cost)
	// 1000*3.0 + 2000*0.5 + 500*15.0 + 100*8.0, per thousand tokens.
	assert.InDelta(t, 12.3, *cost, 1e-9)

	// Missing class rates fall back to the base input/output rates.
	cost = computeCost(counts, pricing, types.ProviderCodex)
	require.NotNil(t, cost)
	assert.InDelta(t, (1000*2.0+2000*2.0+500*8.0+100*8.0)/1000.0, *cost, 1e-9)

	assert.Nil(t, computeCost(counts, pricing, types.ProviderGemini))
	assert.Nil(t, computeCost(counts, nil, types.ProviderClaude))
}

func TestRunUsageFoldsTokenClasses(t *testing.T) {
	cost := 0.42
	usage := runUsage(usageCounts{Input: 100, Cached: 50, Output: 20, Reasoning: 5}, types.UsageSourceProviderReported, &cost)
	assert.Equal(t, types.UsageSourceProviderReported, usage.Source)
	assert.Equal(t, "high", usage.Confidence)
	assert.Equal(t, int64(150), usage.InputTokens)
	assert.Equal(t, int64(25), usage.OutputTokens)
	assert.Equal(t, int64(175), usage.TotalTokens)
	require.NotNil(t, usage.CostUSD)
	assert.Equal(t, 0.42, *usage.CostUSD)

	usage = runUsage(usageCounts{Output: 9, Total: 9}, types.UsageSourceEstimatedChars, nil)
	assert.Equal(t, "low", usage.Confidence)
	assert.Equal(t, int64(9), usage.TotalTokens)
	assert.Nil(t, usage.CostUSD)
}
