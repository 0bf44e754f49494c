// Package secrets strips sensitive material from agent payloads before they
// are logged, persisted to the blackboard, or emitted on the event bus.
//
// Sanitization is unconditional at every egress point, not best-effort.
// Two mechanisms are combined:
//
//   - field stripping: map keys matching a sensitive-name rule (token,
//     password, apiKey, credential, ...) are replaced with a redaction
//     marker, recursively through nested maps and slices
//   - content scrubbing: string values are checked against regexp rules for
//     self-identifying secret formats (private key blocks, bearer tokens)
//
// The sanitizer is an injected dependency of the coordinator; tests can
// substitute a Noop sanitizer to assert raw payload flow.
package secrets
