/*
Package governance enforces who may see, approve, and change governed
content: access policy, the secret-redaction gate, and the approval
flows for memory deltas, milestone reports, and heartbeat proposals.

Policy is a pure rule evaluation with an evented audit trail. Every
decision produces a trace naming the rule that fired; denials append
policy.denied and policy.decision to the run in scope, and denied
callers get *PolicyDeniedError with reason code POLICY_DENIED.

Visibility gates resolve in role-rank order, worker < manager <
director < ceo < human:

	org            anyone
	managers       manager and above
	team           same team, or manager and above
	private_agent  the producer, or a human

On top of visibility, approvals need rank: memory deltas take a
director, milestone reports and heartbeat proposals take a manager.
Restricted content requires a director to read or compose into
context regardless of its visibility.

Memory deltas are two-phase. Propose stages the change: the insert
lines are placed under the chosen heading of the target file, the
resulting unified diff is generated and verified, and artifact plus
patch land side by side under artifacts/. Nothing touches the target.
Approve replays the patch against the live target, which may have
drifted since the proposal; strict hunk matching turns drift into a
Conflict instead of a silent mismerge.

Every user-authored string crossing into governed files passes the
redaction gate first. A detected secret aborts the whole write with
SECRET_DETECTED; there is no partial persist.

ResolveInboxItem is the single entry point for deciding pending
approvals. Denial by an authorized reviewer writes the review and
stops; a reviewer without approval rights is a policy error and the
item stays pending for someone who has them.
*/
package governance
