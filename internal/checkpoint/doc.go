// Package checkpoint provides durable persistence of workflow run records.
//
// A Run is the single checkpoint record for one resumable workflow, keyed by
// its resume key. The orchestrator appends completed step signatures, tasks,
// messages and gate results to the run and saves the whole record after every
// state-affecting step, so a crash loses at most the in-flight step.
//
// Three Store implementations are provided:
//   - MemoryStore: ephemeral, for tests and dry runs
//   - FileStore: one JSON document per resume key, written atomically
//   - NATSStore: a NATS JetStream key-value bucket
package checkpoint
