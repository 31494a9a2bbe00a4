/*
Package provider defines the contract between the control plane and the
external AI-worker CLIs it launches.

Each allowlisted provider (codex, codex_app_server, claude, gemini) has
an Adapter: a pure command builder plus a static capabilities record.
Builders never touch the filesystem or the environment; everything the
child needs arrives in BuildInput and comes back in Command.

	cmd, err := adapter.BuildCommand(provider.BuildInput{
		Bin:           "/usr/local/bin/claude",
		Prompt:        prompt,
		Model:         "sonnet",
		OutputsDirAbs: ws.OutputsDir(pid, rid),
	})

The session runtime spawns cmd.Argv, pipes cmd.StdinText, and applies
cmd.FinalTextParser to stdout when one is named.

# Execution Guard

Before any real launch, Guard.Check enforces the execution policy:

  - the resolved binary's base name must match the provider's allowlist
    entry (unapproved_worker_binary otherwise);
  - subscription providers (codex, claude) must have their API-key env
    var absent (api_key_present) and a login-status probe must report a
    recognized subscription mode (auth_probe_failed);
  - gemini needs GEMINI_API_KEY, GOOGLE_API_KEY, or the full Vertex
    triple (auth_probe_failed).

A refusal surfaces to RPC callers as SUBSCRIPTION_REQUIRED and no child
process is spawned.

# Availability

ListAvailability reports, per provider, whether machine.yaml binds a
binary that exists, is executable, and carries an approved base name.
It backs the provider.list method and deliberately skips login probes,
which are slow and belong to launch time.
*/
package provider
