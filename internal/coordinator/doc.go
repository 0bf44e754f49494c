// Package coordinator tracks the set of active agents, runs
// bounded-concurrency task batches, and routes authorization-gated direct
// messages between agents.
//
// All coordinator state (active agents, inbox subscriptions, rate limiter
// buckets) is in-memory and rebuilt by callers re-registering after a
// process restart; only the orchestrator's checkpoint is durable.
package coordinator
