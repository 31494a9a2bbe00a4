package session

import (
	"bufio"
	"encoding/json"
	"strings"
)

// claudeStream is what the claude_stream_json parser recovered from
// stdout: the final message text plus any usage counts seen on the way.
type claudeStream struct {
	FinalText  string
	Counts     usageCounts
	UsageFound bool
}

// parseClaudeStream walks claude's stream-json output line by line. The
// terminal `result` record wins as the final text; without one, the
// concatenated assistant text deltas stand in. Usage objects are
// harvested with the same keep-highest rule as extractUsage.
func parseClaudeStream(text string) claudeStream {
	var out claudeStream
	var deltas strings.Builder

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		walkUsage(m, &out.Counts, &out.UsageFound)

		switch m["type"] {
		case "result":
			if s, ok := m["result"].(string); ok && s != "" {
				out.FinalText = s
			}
		case "assistant":
			msg, ok := m["message"].(map[string]any)
			if !ok {
				continue
			}
			content, ok := msg["content"].([]any)
			if !ok {
				continue
			}
			for _, block := range content {
				b, ok := block.(map[string]any)
				if !ok {
					continue
				}
				if b["type"] == "text" {
					if s, ok := b["text"].(string); ok {
						deltas.WriteString(s)
					}
				}
			}
		}
	}

	if out.FinalText == "" {
		out.FinalText = deltas.String()
	}
	return out
}
