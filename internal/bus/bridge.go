package bus

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is prepended to bridged topics to form NATS subjects.
// The topic "agent:message:sent" maps to "fleetd.agent.message.sent".
const SubjectPrefix = "fleetd"

// Bridge republishes bus events onto NATS subjects so external observers
// (dashboards, stream consumers) can follow a run without being wired into
// the process. Bridged delivery is fire-and-forget; the in-process bus
// remains the source of truth for ordering guarantees.
type Bridge struct {
	nc          *nats.Conn
	logger      *zap.Logger
	unsubscribe func()
}

// bridgeEvent is the wire form of a bridged bus event.
type bridgeEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// NewBridge attaches a tap on the bus that republishes every event to NATS.
// Call Close to detach.
func NewBridge(b *Bus, nc *nats.Conn, logger *zap.Logger) (*Bridge, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	br := &Bridge{nc: nc, logger: logger}
	br.unsubscribe = b.SubscribeAll(br.forward)
	return br, nil
}

// forward publishes one bus event to its NATS subject.
func (br *Bridge) forward(topic string, payload any) {
	data, err := json.Marshal(bridgeEvent{Topic: topic, Payload: payload})
	if err != nil {
		br.logger.Warn("failed to encode bridged event",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	if err := br.nc.Publish(Subject(topic), data); err != nil {
		br.logger.Warn("failed to publish bridged event",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

// Close detaches the bridge from the bus. The NATS connection is owned by
// the caller and is left open.
func (br *Bridge) Close() {
	if br.unsubscribe != nil {
		br.unsubscribe()
		br.unsubscribe = nil
	}
}

// Subject converts a bus topic to its NATS subject.
func Subject(topic string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(topic, ":", ".")
}
