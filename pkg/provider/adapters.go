package provider

import (
	"path/filepath"
	"strings"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

func validateBuildInput(name string, in BuildInput) error {
	if in.Bin == "" {
		return errdefs.Validationf("provider %s: bin is required", name)
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return errdefs.Validationf("provider %s: prompt is empty", name)
	}
	if in.OutputsDirAbs != "" && !filepath.IsAbs(in.OutputsDirAbs) {
		return errdefs.Validationf("provider %s: outputs dir %q is not absolute", name, in.OutputsDirAbs)
	}
	return nil
}

// codexAdapter drives `codex exec` in one-shot JSON mode. The CLI
// writes its final message to a file itself, so no parser is needed.
type codexAdapter struct{}

func (codexAdapter) Name() string { return types.ProviderCodex }

func (codexAdapter) BinaryBasenames() []string { return []string{"codex"} }

func (codexAdapter) BuildCommand(in BuildInput) (*Command, error) {
	if err := validateBuildInput(types.ProviderCodex, in); err != nil {
		return nil, err
	}
	argv := []string{in.Bin, "exec", "--json", "--skip-git-repo-check"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	var lastMessage string
	if in.OutputsDirAbs != "" {
		lastMessage = filepath.Join(in.OutputsDirAbs, "last_message.md")
		argv = append(argv, "--output-last-message", lastMessage)
	}
	argv = append(argv, in.Prompt)
	return &Command{
		Argv:             argv,
		FinalTextFileAbs: lastMessage,
	}, nil
}

func (codexAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreamingEvents:  true,
		SupportsStructuredOutput: true,
		SupportsTokenUsage:       true,
		SupportsPatchExport:      true,
		WorktreeIsolation:        WorktreeRecommended,
	}
}

// codexAppServerAdapter drives the long-lived `codex app-server`
// variant, which takes its instructions over stdin and supports
// interactive approval callbacks.
type codexAppServerAdapter struct{}

func (codexAppServerAdapter) Name() string { return types.ProviderCodexAppServer }

func (codexAppServerAdapter) BinaryBasenames() []string { return []string{"codex"} }

func (codexAppServerAdapter) BuildCommand(in BuildInput) (*Command, error) {
	if err := validateBuildInput(types.ProviderCodexAppServer, in); err != nil {
		return nil, err
	}
	argv := []string{in.Bin, "app-server"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	return &Command{
		Argv:      argv,
		StdinText: in.Prompt,
	}, nil
}

func (codexAppServerAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreamingEvents:              true,
		SupportsResumableSession:             true,
		SupportsStructuredOutput:             true,
		SupportsTokenUsage:                   true,
		SupportsPatchExport:                  true,
		SupportsInteractiveApprovalCallbacks: true,
		WorktreeIsolation:                    WorktreeRecommended,
	}
}

// claudeAdapter drives `claude -p` in stream-json mode; the runtime's
// stream parser reconstructs the final message and harvests usage.
type claudeAdapter struct{}

func (claudeAdapter) Name() string { return types.ProviderClaude }

func (claudeAdapter) BinaryBasenames() []string { return []string{"claude"} }

func (claudeAdapter) BuildCommand(in BuildInput) (*Command, error) {
	if err := validateBuildInput(types.ProviderClaude, in); err != nil {
		return nil, err
	}
	argv := []string{in.Bin, "-p", in.Prompt, "--output-format", "stream-json", "--verbose"}
	if in.Model != "" {
		argv = append(argv, "--model", in.Model)
	}
	var lastMessage string
	if in.OutputsDirAbs != "" {
		lastMessage = filepath.Join(in.OutputsDirAbs, "last_message.md")
	}
	return &Command{
		Argv:             argv,
		FinalTextFileAbs: lastMessage,
		FinalTextParser:  ParserClaudeStreamJSON,
	}, nil
}

func (claudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreamingEvents:  true,
		SupportsResumableSession: true,
		SupportsStructuredOutput: true,
		SupportsTokenUsage:       true,
		SupportsPatchExport:      true,
		WorktreeIsolation:        WorktreeRecommended,
	}
}

// geminiAdapter drives the gemini CLI in plain prompt mode. No usage
// line is emitted, so runs fall back to estimated usage.
type geminiAdapter struct{}

func (geminiAdapter) Name() string { return types.ProviderGemini }

func (geminiAdapter) BinaryBasenames() []string { return []string{"gemini"} }

func (geminiAdapter) BuildCommand(in BuildInput) (*Command, error) {
	if err := validateBuildInput(types.ProviderGemini, in); err != nil {
		return nil, err
	}
	argv := []string{in.Bin, "-p", in.Prompt}
	if in.Model != "" {
		argv = append(argv, "-m", in.Model)
	}
	return &Command{Argv: argv}, nil
}

func (geminiAdapter) Capabilities() Capabilities {
	return Capabilities{
		WorktreeIsolation: WorktreeUnsupported,
	}
}
