/*
Package workflow implements the orchestration engine that drives
multi-step workflows across pools of worker agents.

# Core types

  - Definition / Step      — the workflow template, a DAG of steps
  - Resolver               — dependency resolution and cycle detection
  - Engine                 — the driving loop: ordering, dispatch, retries
  - CircuitBreakerRegistry — per (instance, step) failure isolation
  - RetryEngine            — failure-pattern backoff selection
  - Instance               — one run of a definition with its live state
  - ExecutionHistory       — the recorded path, archivable via HistoryStore

# Execution model

Submit resolves the definition into a topological order, then drives one
ready step at a time. Steps sharing a ParallelGroup tag run concurrently
once their dependencies complete; the group joins before the run
advances. Failures flow through the retry engine until its attempt
budget runs out, then hand off to the step's circuit breaker. A critical
step's terminal failure aborts the instance; any other failure is
tolerated and recorded in the failed-but-tolerated summary.

External collaborators attach at the edges: a Dispatcher executes steps,
Emitters observe lifecycle events, an Adapter may rewrite not-yet-run
steps between batches, and a HistoryStore archives terminal runs.
*/
package workflow
