package collab

import (
	"time"
)

// RequestType is the kind of collaboration being requested.
type RequestType string

const (
	// TypeHelp delegates a task to another agent.
	TypeHelp RequestType = "help"

	// TypeReview asks a teammate to evaluate an artifact.
	TypeReview RequestType = "review"

	// TypeEscalate routes an issue up the resolution chain.
	TypeEscalate RequestType = "escalate"
)

// RequestStatus is the lifecycle status of a collaboration request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCompleted RequestStatus = "completed"
	StatusExpired   RequestStatus = "expired"
)

// Response settles a collaboration request. A request is mutated exactly
// once, by a response or by timeout-driven expiry.
type Response struct {
	Accepted  bool           `json:"accepted"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Request is one collaboration request record, retained for audit until
// the service is reset.
type Request struct {
	ID          string         `json:"id"`
	FromAgentID string         `json:"from_agent_id"`
	ToAgentID   string         `json:"to_agent_id"`
	Type        RequestType    `json:"type"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Timeout     time.Duration  `json:"timeout"`
	Status      RequestStatus  `json:"status"`
	Response    *Response      `json:"response,omitempty"`
}

// Member is one agent on a team with its declared capabilities.
type Member struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Busy         bool     `json:"busy"`
}

// Team groups agents under a lead for reviewer selection and escalation.
type Team struct {
	ID      string   `json:"id"`
	LeadID  string   `json:"lead_id"`
	Members []Member `json:"members"`
}

// reviewCapabilities maps a review type to the capability a reviewer must
// declare.
var reviewCapabilities = map[string]string{
	"code":     "code-review",
	"design":   "design-review",
	"security": "security-review",
	"plan":     "plan-review",
}

// CapabilityForReview returns the capability required to handle a review
// of the given type.
func CapabilityForReview(reviewType string) string {
	if capability, ok := reviewCapabilities[reviewType]; ok {
		return capability
	}
	return reviewType + "-review"
}

// Event topics published by the collaboration protocol.

// TopicRequested returns the topic for a request of the given type.
func TopicRequested(t RequestType) string {
	return "collaboration:" + string(t) + ":requested"
}

// TopicResponse returns the response topic scoped to one request.
func TopicResponse(requestID string) string {
	return "collaboration:response:" + requestID
}

// TopicComplete returns the completion topic scoped to one request.
func TopicComplete(requestID string) string {
	return "collaboration:complete:" + requestID
}
