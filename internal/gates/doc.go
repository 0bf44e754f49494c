// Package gates runs configured quality-gate commands against a repository
// and reports per-gate outcomes. The gate set is atomic: every gate is
// re-run on each invocation, there is no partial retry.
package gates
