package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/secrets"
)

// Errors returned by collaboration operations.
var (
	ErrNoReviewer         = errors.New("no idle reviewer with required capability")
	ErrNoEscalationTarget = errors.New("no escalation target available")
)

// Config configures the collaboration service.
type Config struct {
	// DefaultTimeout applies when a request specifies no timeout.
	DefaultTimeout time.Duration `koanf:"default_timeout"`

	// SweepInterval is how often aged pending requests are expired.
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		SweepInterval:  time.Second,
	}
}

// Service coordinates help, review and escalation requests between agents.
type Service struct {
	config    Config
	logger    *zap.Logger
	bus       *bus.Bus
	board     *blackboard.Blackboard
	coord     *coordinator.Coordinator
	sanitizer secrets.Sanitizer

	mu       sync.Mutex
	requests map[string]*Request
	waiters  map[string]chan Response
	teams    map[string]*Team

	done chan struct{}
	once sync.Once
}

// NewService creates a collaboration service and starts its expiry sweeper.
func NewService(cfg Config, eventBus *bus.Bus, board *blackboard.Blackboard, coord *coordinator.Coordinator, sanitizer secrets.Sanitizer, logger *zap.Logger) (*Service, error) {
	if eventBus == nil {
		return nil, errors.New("event bus is required")
	}
	if board == nil {
		return nil, errors.New("blackboard is required")
	}
	if coord == nil {
		return nil, errors.New("coordinator is required")
	}
	if sanitizer == nil {
		sanitizer = secrets.MustNew(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	s := &Service{
		config:    cfg,
		logger:    logger,
		bus:       eventBus,
		board:     board,
		coord:     coord,
		sanitizer: sanitizer,
		requests:  make(map[string]*Request),
		waiters:   make(map[string]chan Response),
		teams:     make(map[string]*Team),
		done:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the expiry sweeper.
func (s *Service) Close() {
	s.once.Do(func() { close(s.done) })
}

// RequestHelp delegates a task to another agent and blocks until the
// recipient responds or the timeout elapses. The returned request snapshot
// carries the terminal status and response.
func (s *Service) RequestHelp(ctx context.Context, from, to string, priority int, payload map[string]any, timeout time.Duration) (Request, error) {
	if from == "" || to == "" {
		return Request{}, errors.New("from and to agent ids are required")
	}
	req := s.newRequest(TypeHelp, from, to, priority, payload, timeout)
	return s.submit(ctx, req), nil
}

// RequestReview selects an idle teammate of the requester with the
// capability mapped from the review type and sends it a review request.
// When no teammate qualifies the call fails immediately without creating
// a request.
func (s *Service) RequestReview(ctx context.Context, from, reviewType string, payload map[string]any, timeout time.Duration) (Request, error) {
	reviewer, err := s.selectReviewer(from, reviewType)
	if err != nil {
		return Request{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	} else {
		copied := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			copied[k] = v
		}
		payload = copied
	}
	payload["reviewType"] = reviewType

	req := s.newRequest(TypeReview, from, reviewer, 0, payload, timeout)
	return s.submit(ctx, req), nil
}

// Escalate routes an issue to the requester's team lead, falling back to
// the supplied escalation path of role ids.
func (s *Service) Escalate(ctx context.Context, from string, priority int, payload map[string]any, timeout time.Duration, escalationPath []string) (Request, error) {
	target, err := s.resolveEscalationTarget(from, escalationPath)
	if err != nil {
		return Request{}, err
	}
	req := s.newRequest(TypeEscalate, from, target, priority, payload, timeout)
	return s.submit(ctx, req), nil
}

// Respond settles a pending request. Returns false when the request is
// unknown or already settled, so best-effort cleanup can proceed without
// error handling.
func (s *Service) Respond(requestID string, resp Response) bool {
	resp.Timestamp = time.Now().UTC()

	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	req.Response = &resp
	if resp.Accepted {
		req.Status = StatusAccepted
	} else {
		req.Status = StatusRejected
	}
	ch := s.waiters[requestID]
	delete(s.waiters, requestID)
	s.mu.Unlock()

	if ch != nil {
		ch <- resp
	}
	s.bus.Publish(TopicResponse(requestID), resp)
	return true
}

// Complete marks an accepted request as completed with final data.
// Returns false for unknown or non-accepted requests.
func (s *Service) Complete(requestID string, data map[string]any) bool {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != StatusAccepted {
		s.mu.Unlock()
		return false
	}
	req.Status = StatusCompleted
	if req.Response != nil && data != nil {
		req.Response.Data = data
	}
	s.mu.Unlock()

	s.bus.Publish(TopicComplete(requestID), data)
	return true
}

// GetRequest returns a snapshot of a request by id.
func (s *Service) GetRequest(requestID string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return snapshot(req), true
}

// PendingFor returns snapshots of pending requests addressed to an agent,
// for later pickup by recipients that were not subscribed at send time.
func (s *Service) PendingFor(agentID string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, req := range s.requests {
		if req.ToAgentID == agentID && req.Status == StatusPending {
			out = append(out, snapshot(req))
		}
	}
	return out
}

// Reset clears all requests and teams. Test helper.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = make(map[string]*Request)
	s.waiters = make(map[string]chan Response)
	s.teams = make(map[string]*Team)
}

// newRequest builds a request record with a sanitized payload.
func (s *Service) newRequest(t RequestType, from, to string, priority int, payload map[string]any, timeout time.Duration) *Request {
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	return &Request{
		ID:          uuid.New().String(),
		FromAgentID: from,
		ToAgentID:   to,
		Type:        t,
		Priority:    priority,
		Payload:     s.sanitizer.SanitizeMap(payload),
		Timestamp:   time.Now().UTC(),
		Timeout:     timeout,
		Status:      StatusPending,
	}
}

// submit registers the request, notifies the recipient, and blocks on the
// race between a response and the request's timer. The loser of the race
// cannot fire spuriously: settlement happens exactly once under the lock.
func (s *Service) submit(ctx context.Context, req *Request) Request {
	ch := make(chan Response, 1)

	s.mu.Lock()
	s.requests[req.ID] = req
	s.waiters[req.ID] = ch
	recorded := snapshot(req)
	s.mu.Unlock()

	s.board.Put("collab:request:"+req.ID, recorded)
	s.bus.Publish(TopicRequested(req.Type), recorded)

	// Synchronous delivery to any current inbox subscriber; unsubscribed
	// recipients pick the request up later via PendingFor.
	s.coord.NotifyInbox(ctx, coordinator.Envelope{
		ID:        req.ID,
		From:      req.FromAgentID,
		To:        req.ToAgentID,
		Type:      "collaboration:" + string(req.Type),
		Payload:   req.Payload,
		Timestamp: req.Timestamp,
	})

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		s.logger.Debug("collaboration request settled",
			zap.String("request_id", req.ID),
			zap.Bool("accepted", resp.Accepted),
		)
	case <-timer.C:
		s.expire(req.ID, "timed out")
	case <-ctx.Done():
		s.expire(req.ID, fmt.Sprintf("cancelled: %v", ctx.Err()))
	}

	s.mu.Lock()
	settled := snapshot(req)
	s.mu.Unlock()
	return settled
}

// expire settles a still-pending request with a negative response. Safe to
// race with Respond: whichever runs first under the lock wins, the other
// becomes a no-op.
func (s *Service) expire(requestID, message string) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	req.Status = StatusExpired
	req.Response = &Response{
		Accepted:  false,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	ch := s.waiters[requestID]
	delete(s.waiters, requestID)
	s.mu.Unlock()

	if ch != nil {
		ch <- *req.Response
	}
	s.logger.Debug("collaboration request expired",
		zap.String("request_id", requestID),
		zap.String("reason", message),
	)
}

// sweepLoop periodically expires aged pending requests so pending state
// stays bounded even when no requester is waiting.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep expires every pending request older than its timeout.
func (s *Service) sweep(now time.Time) {
	s.mu.Lock()
	var aged []string
	for id, req := range s.requests {
		if req.Status == StatusPending && now.Sub(req.Timestamp) > req.Timeout {
			aged = append(aged, id)
		}
	}
	s.mu.Unlock()

	for _, id := range aged {
		s.expire(id, "timed out")
	}
}

// snapshot copies a request so callers never share the mutable record.
func snapshot(req *Request) Request {
	out := *req
	if req.Response != nil {
		resp := *req.Response
		out.Response = &resp
	}
	return out
}
