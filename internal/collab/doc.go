// Package collab implements the timed request/response collaboration
// protocol between agents: help delegation, review requests and escalation.
//
// All three request kinds share one mechanism: a request record is created
// in pending state, delivered to any inbox subscriber of the recipient, and
// the requester blocks on a race between a response signal and a timer. The
// losing side of the race is cancelled so it cannot fire spuriously. A
// background sweeper expires aged pending requests independent of whether
// anyone is still waiting, so pending state stays bounded.
//
// Request state is in-memory only; on restart callers re-register teams and
// subscriptions before dispatching new work.
package collab
