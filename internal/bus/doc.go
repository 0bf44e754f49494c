// Package bus provides the in-process publish/subscribe hub used by the
// coordinator, collaboration protocol and orchestrator.
//
// Delivery is synchronous fan-out: Publish invokes every subscriber of the
// topic in subscription order before returning, and publishes to one topic
// are serialized so each subscriber observes a topic's events in publish
// order. There is no ordering guarantee across topics. Synchronous fan-out
// couples publishers to slow subscribers; that trade was made deliberately
// so a publisher observes delivery before proceeding.
//
// The bus is an explicitly constructed, dependency-injected service. Reset
// exists for tests; there is no package-level instance.
package bus
