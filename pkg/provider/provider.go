package provider

import (
	"sort"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

// ParserClaudeStreamJSON names the stream parser the session runtime
// applies to claude's stdout.
const ParserClaudeStreamJSON = "claude_stream_json"

// WorktreeSupport grades how a provider relates to worktree isolation.
type WorktreeSupport string

const (
	WorktreeUnsupported WorktreeSupport = "unsupported"
	WorktreeRecommended WorktreeSupport = "recommended"
	WorktreeRequired    WorktreeSupport = "required"
)

// BuildInput carries everything a command builder needs. Builders are
// pure: no filesystem access, no environment reads.
type BuildInput struct {
	Bin           string
	Prompt        string
	Model         string
	OutputsDirAbs string
}

// Command describes a ready-to-spawn worker child process.
type Command struct {
	Argv             []string          `json:"argv"`
	Env              map[string]string `json:"env,omitempty"`
	StdinText        string            `json:"stdin_text,omitempty"`
	FinalTextFileAbs string            `json:"final_text_file_abs,omitempty"`
	FinalTextParser  string            `json:"final_text_parser,omitempty"`
}

// Capabilities records what a provider CLI can do, surfaced verbatim
// through provider.list.
type Capabilities struct {
	SupportsStreamingEvents              bool            `json:"supports_streaming_events"`
	SupportsResumableSession             bool            `json:"supports_resumable_session"`
	SupportsStructuredOutput             bool            `json:"supports_structured_output"`
	SupportsTokenUsage                   bool            `json:"supports_token_usage"`
	SupportsPatchExport                  bool            `json:"supports_patch_export"`
	SupportsInteractiveApprovalCallbacks bool            `json:"supports_interactive_approval_callbacks"`
	WorktreeIsolation                    WorktreeSupport `json:"supports_worktree_isolation"`
}

// Adapter defines the per-provider contract.
type Adapter interface {
	// Name returns the allowlist identifier
	Name() string

	// BuildCommand assembles the child process invocation
	BuildCommand(in BuildInput) (*Command, error)

	// Capabilities returns the static capability record
	Capabilities() Capabilities

	// BinaryBasenames returns the base names the resolved provider
	// binary may carry
	BinaryBasenames() []string
}

var registry = map[string]Adapter{
	types.ProviderCodex:          codexAdapter{},
	types.ProviderCodexAppServer: codexAppServerAdapter{},
	types.ProviderClaude:         claudeAdapter{},
	types.ProviderGemini:         geminiAdapter{},
}

// Get returns the adapter for an allowlisted provider.
func Get(name string) (Adapter, error) {
	a, ok := registry[name]
	if !ok {
		return nil, errdefs.NotFoundf("unknown provider %q", name)
	}
	return a, nil
}

// Names returns the allowlist in stable order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func basenameAllowed(a Adapter, base string) bool {
	for _, b := range a.BinaryBasenames() {
		if b == base {
			return true
		}
	}
	return false
}
