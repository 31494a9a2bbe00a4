package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentbureau/bureau/pkg/log"
	"github.com/agentbureau/bureau/pkg/types"
)

// Environment variables the execution guard consults. No others affect
// launch decisions.
const (
	EnvOpenAIAPIKey        = "OPENAI_API_KEY"
	EnvAnthropicAPIKey     = "ANTHROPIC_API_KEY"
	EnvGeminiAPIKey        = "GEMINI_API_KEY"
	EnvGoogleAPIKey        = "GOOGLE_API_KEY"
	EnvGoogleUseVertex     = "GOOGLE_GENAI_USE_VERTEXAI"
	EnvGoogleCloudProject  = "GOOGLE_CLOUD_PROJECT"
	EnvGoogleCloudLocation = "GOOGLE_CLOUD_LOCATION"
)

// Guard refusal reasons.
const (
	ReasonUnapprovedWorkerBinary = "unapproved_worker_binary"
	ReasonAPIKeyPresent          = "api_key_present"
	ReasonAuthProbeFailed        = "auth_probe_failed"
)

const probeTimeout = 10 * time.Second

// GuardResult is the outcome of the pre-launch execution check.
type GuardResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// SubscriptionRequiredError is returned when the execution guard
// refuses a launch. Reason is one of the guard refusal constants.
type SubscriptionRequiredError struct {
	Provider string `json:"provider"`
	Bin      string `json:"bin,omitempty"`
	Reason   string `json:"reason"`
}

func (e *SubscriptionRequiredError) Error() string {
	return fmt.Sprintf("execution guard refused %s launch: %s", e.Provider, e.Reason)
}

// ReasonCode is the stable machine-readable code carried to RPC error
// data.
func (e *SubscriptionRequiredError) ReasonCode() string {
	return types.ReasonSubscriptionRequired
}

// Prober runs a provider's login-status command and returns its
// combined output.
type Prober func(bin string, args ...string) (string, error)

// Guard enforces the subscription execution policy: subscription
// providers (codex, claude) must run on their subscription channel with
// no API-key env set; the API-channel provider (gemini) must have a
// key or Vertex configuration present.
type Guard struct {
	lookupEnv func(string) (string, bool)
	probe     Prober
	logger    zerolog.Logger
}

// NewGuard creates a guard backed by the real environment and a real
// subprocess probe.
func NewGuard() *Guard {
	return &Guard{
		lookupEnv: os.LookupEnv,
		probe:     runProbe,
		logger:    log.WithComponent("provider-guard"),
	}
}

func runProbe(bin string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	return string(out), err
}

// Check decides whether the given provider binary may execute. A
// refusal aborts the launch before any child process is spawned.
func (g *Guard) Check(providerName, bin string) GuardResult {
	adapter, err := Get(providerName)
	if err != nil {
		return GuardResult{Reason: ReasonUnapprovedWorkerBinary}
	}
	if !basenameAllowed(adapter, filepath.Base(bin)) {
		g.logger.Warn().Str("provider", providerName).Str("bin", bin).Msg("Binary basename not on allowlist")
		return GuardResult{Reason: ReasonUnapprovedWorkerBinary}
	}

	switch providerName {
	case types.ProviderCodex, types.ProviderCodexAppServer:
		return g.checkSubscription(providerName, bin, EnvOpenAIAPIKey, []string{"login", "status"}, recognizeCodexMode)
	case types.ProviderClaude:
		return g.checkSubscription(providerName, bin, EnvAnthropicAPIKey, []string{"auth", "status"}, recognizeClaudeMode)
	case types.ProviderGemini:
		return g.checkGemini()
	}
	return GuardResult{Reason: ReasonUnapprovedWorkerBinary}
}

func (g *Guard) checkSubscription(providerName, bin, keyEnv string, probeArgs []string, recognize func(string) (string, bool)) GuardResult {
	if _, ok := g.lookupEnv(keyEnv); ok {
		g.logger.Warn().Str("provider", providerName).Str("env", keyEnv).Msg("API key present for subscription provider")
		return GuardResult{Reason: ReasonAPIKeyPresent}
	}
	out, err := g.probe(bin, probeArgs...)
	if err != nil {
		g.logger.Warn().Err(err).Str("provider", providerName).Msg("Login status probe failed")
		return GuardResult{Reason: ReasonAuthProbeFailed}
	}
	mode, ok := recognize(out)
	if !ok {
		g.logger.Warn().Str("provider", providerName).Msg("Login status did not report a subscription mode")
		return GuardResult{Reason: ReasonAuthProbeFailed}
	}
	return GuardResult{OK: true, Mode: mode}
}

func (g *Guard) checkGemini() GuardResult {
	if _, ok := g.lookupEnv(EnvGeminiAPIKey); ok {
		return GuardResult{OK: true, Mode: "api_key"}
	}
	if _, ok := g.lookupEnv(EnvGoogleAPIKey); ok {
		return GuardResult{OK: true, Mode: "api_key"}
	}
	_, vertex := g.lookupEnv(EnvGoogleUseVertex)
	_, project := g.lookupEnv(EnvGoogleCloudProject)
	_, location := g.lookupEnv(EnvGoogleCloudLocation)
	if vertex && project && location {
		return GuardResult{OK: true, Mode: "vertex"}
	}
	g.logger.Warn().Msg("No gemini API key or Vertex configuration present")
	return GuardResult{Reason: ReasonAuthProbeFailed}
}

func recognizeCodexMode(out string) (string, bool) {
	s := strings.ToLower(out)
	if strings.Contains(s, "chatgpt") {
		return "chatgpt_subscription", true
	}
	return "", false
}

func recognizeClaudeMode(out string) (string, bool) {
	s := strings.ToLower(out)
	switch {
	case strings.Contains(s, "max"):
		return "claude_max", true
	case strings.Contains(s, "pro"):
		return "claude_pro", true
	case strings.Contains(s, "subscription"):
		return "subscription", true
	}
	return "", false
}

// Availability is one row of provider.list output.
type Availability struct {
	Provider     string       `json:"provider"`
	Bin          string       `json:"bin,omitempty"`
	Available    bool         `json:"available"`
	Reason       string       `json:"reason,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// ListAvailability inspects the machine config's provider binary
// bindings for every allowlisted provider. It checks binding, basename,
// and executability; it does not probe login state.
func ListAvailability(cfg *types.MachineConfig) []Availability {
	out := make([]Availability, 0, len(registry))
	for _, name := range Names() {
		adapter := registry[name]
		av := Availability{Provider: name, Capabilities: adapter.Capabilities()}
		bin := ""
		if cfg != nil {
			bin = cfg.ProviderBins[name]
		}
		if bin == "" {
			av.Reason = "bin_not_configured"
			out = append(out, av)
			continue
		}
		av.Bin = bin
		info, err := os.Stat(bin)
		switch {
		case !basenameAllowed(adapter, filepath.Base(bin)):
			av.Reason = ReasonUnapprovedWorkerBinary
		case err != nil:
			av.Reason = "bin_not_found"
		case info.Mode()&0111 == 0:
			av.Reason = "bin_not_executable"
		default:
			av.Available = true
		}
		out = append(out, av)
	}
	return out
}
