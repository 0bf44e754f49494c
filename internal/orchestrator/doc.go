// Package orchestrator drives the multi-phase workflow state machine.
//
// Every unit of orchestrator work carries a stable step signature. Before a
// step runs, the run's completed signatures are consulted: present steps are
// skipped and their cached outcomes reused, so resuming a run never
// re-dispatches role work or re-runs quality gates. After a step completes,
// the whole run record is persisted before the next step starts.
package orchestrator
