// Package agents manages the worker side of the orchestration core:
// capability pools of agent instances, strategy-driven load balancing,
// rolling health monitoring, and utilization-based auto-scaling
// recommendations.
//
// The Registry is the shared state hub. The workflow engine selects and
// assigns instances through it, the HealthMonitor feeds its eligibility
// set, and the AutoScaler reads its utilization figures. All load
// accounting is atomic per instance; no global lock serializes unrelated
// pools.
package agents
