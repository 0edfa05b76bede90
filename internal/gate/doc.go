// Package gate puts a human in the loop for sensitive agent actions.
//
// # Overview
//
// Coordinator.Evaluate takes a proposed Decision and returns one of:
//
//   - OutcomeAutoApproved: the action proceeds and an activity entry is logged
//   - OutcomePendingReview: the action proceeds; a review request waits for
//     the human without blocking anyone
//   - OutcomeApproved / OutcomeRejected: a human answered an approval request
//   - OutcomeTimedOut: nobody answered in time; treated as a rejection with
//     reason "timeout"
//
// An action listed in the agent's RequiresApprovalFor always blocks. Under
// AutonomyManual every action blocks. Under AutonomySupervised a confidence
// below the threshold (default 0.8) opens a review. AutonomyFull never opens
// reviews.
//
// # Pending Requests
//
// The coordinator owns the pending request table. Each request resolves
// exactly once: by RespondToRequest, by its timeout, by context
// cancellation, or by Close. Resolutions are announced on human:resolved and
// recorded to the decision audit store.
//
// # Policies
//
// Policies are per agent and last-writer-wins. Role templates seed policies
// for agents spawned with a role. A TOML policy file can be loaded once with
// ReloadPolicyFile or kept live with WatchPolicyFile.
package gate
