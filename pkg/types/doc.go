/*
Package types defines the core data structures used throughout Bureau.

This package contains all fundamental types that represent Bureau's domain
model: the org entities (Company, Team, Agent, Project), runs and their
event envelope, artifacts with typed frontmatter, tasks and milestones,
reviews, conversations, help requests, heartbeat configuration and state,
and the machine-local config. These types are used by all other packages
for persistence, the RPC surface, and governance logic.

# Architecture

The types package is the foundation of Bureau's data model. It defines:

  - Org topology (company, teams, agents with ranked roles)
  - Runs: execution attempts with a sticky-terminal status machine
  - The hash-chained event envelope written to events.jsonl
  - Artifacts: governed markdown frontmatter with a type discriminator
  - Tasks, milestones, and their evidence requirements
  - Reviews: append-only approval records with captured policy traces
  - Heartbeat configuration, per-worker state, and idempotency records
  - Provider capabilities and the machine-local rate card

All types are designed to be:
  - Serializable (YAML for canonical files, JSON for the wire and events)
  - Tagged variants: explicit string enums with constants, no inheritance
  - Pointer-optional where "absent" differs from zero (CostUSD,
    PrevEventHash, Budget caps)

# Conventions

Timestamps are time.Time in YAML files and ISO-8601 strings inside the
event envelope, which is hashed and must round-trip bytewise. Enum types
carry their legal constants immediately below the type declaration.

No behavior lives here beyond small pure helpers (RoleRank, RunStatus.
Terminal, QuietHours.Contains); components own their logic.
*/
package types
