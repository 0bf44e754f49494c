package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fleetd/internal/blackboard"
	"github.com/fyrsmithlabs/fleetd/internal/bus"
	"github.com/fyrsmithlabs/fleetd/internal/coordinator"
	"github.com/fyrsmithlabs/fleetd/internal/secrets"
)

func newTestService(t *testing.T) (*Service, *coordinator.Coordinator, *bus.Bus, *blackboard.Blackboard) {
	t.Helper()

	eventBus := bus.New(zap.NewNop())
	board := blackboard.New()
	sanitizer := secrets.MustNew(nil)

	coord, err := coordinator.New(coordinator.DefaultConfig(), eventBus, board, sanitizer, zap.NewNop())
	require.NoError(t, err)

	svc, err := NewService(Config{
		DefaultTimeout: time.Second,
		SweepInterval:  10 * time.Millisecond,
	}, eventBus, board, coord, sanitizer, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return svc, coord, eventBus, board
}

func TestRequestHelpTimesOut(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	start := time.Now()
	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StatusExpired, req.Status)
	require.NotNil(t, req.Response)
	assert.False(t, req.Response.Accepted)
	assert.Equal(t, "timed out", req.Response.Message)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestRequestHelpAccepted(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	unsubscribe := coord.SubscribeInbox("expert", func(_ context.Context, env coordinator.Envelope) error {
		go svc.Respond(env.ID, Response{
			Accepted: true,
			Data:     map[string]any{"answer": "use a mutex"},
		})
		return nil
	})
	defer unsubscribe()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, map[string]any{"question": "race"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusAccepted, req.Status)
	require.NotNil(t, req.Response)
	assert.True(t, req.Response.Accepted)
	assert.Equal(t, "use a mutex", req.Response.Data["answer"])
}

func TestRequestHelpRejected(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	defer coord.SubscribeInbox("expert", func(_ context.Context, env coordinator.Envelope) error {
		go svc.Respond(env.ID, Response{Accepted: false, Message: "busy"})
		return nil
	})()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, time.Second)
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, req.Status)
	require.NotNil(t, req.Response)
	assert.Equal(t, "busy", req.Response.Message)
}

func TestRespondSettlesOnce(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	var firstID string
	defer coord.SubscribeInbox("expert", func(_ context.Context, env coordinator.Envelope) error {
		firstID = env.ID
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, req.Status)

	assert.False(t, svc.Respond(firstID, Response{Accepted: false}), "second response must be a no-op")
	assert.False(t, svc.Respond("no-such-request", Response{Accepted: true}))

	settled, ok := svc.GetRequest(firstID)
	require.True(t, ok)
	assert.Equal(t, StatusAccepted, settled.Status)
}

func TestRespondAfterTimeoutIsNoOp(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	var id string
	defer coord.SubscribeInbox("expert", func(_ context.Context, env coordinator.Envelope) error {
		id = env.ID
		return nil
	})()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, req.Status)

	assert.False(t, svc.Respond(id, Response{Accepted: true}))

	settled, ok := svc.GetRequest(id)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, settled.Status)
}

func TestCompleteRequiresAcceptance(t *testing.T) {
	svc, coord, eventBus, _ := newTestService(t)

	var id string
	defer coord.SubscribeInbox("expert", func(_ context.Context, env coordinator.Envelope) error {
		id = env.ID
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, req.Status)

	completed := make(chan any, 1)
	defer eventBus.Subscribe(TopicComplete(id), func(_ string, payload any) {
		completed <- payload
	})()

	assert.False(t, svc.Complete("no-such-request", nil))
	assert.True(t, svc.Complete(id, map[string]any{"result": "done"}))
	assert.False(t, svc.Complete(id, nil), "already completed")

	settled, ok := svc.GetRequest(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, settled.Status)
	require.NotNil(t, settled.Response)
	assert.Equal(t, "done", settled.Response.Data["result"])

	select {
	case <-completed:
	default:
		t.Fatal("expected completion event")
	}
}

func TestRequestReviewSelectsCapableIdleTeammate(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	svc.RegisterTeam(Team{
		ID:     "core",
		LeadID: "lead",
		Members: []Member{
			{AgentID: "author"},
			{AgentID: "busy-reviewer", Capabilities: []string{"code-review"}, Busy: true},
			{AgentID: "reviewer", Capabilities: []string{"code-review", "design-review"}},
		},
	})

	var target string
	defer coord.SubscribeInbox("reviewer", func(_ context.Context, env coordinator.Envelope) error {
		target = env.To
		go svc.Respond(env.ID, Response{Accepted: true, Data: map[string]any{"verdict": "lgtm"}})
		return nil
	})()

	req, err := svc.RequestReview(context.Background(), "author", "code", map[string]any{"diff": "x"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "reviewer", target)
	assert.Equal(t, "reviewer", req.ToAgentID)
	assert.Equal(t, TypeReview, req.Type)
	assert.Equal(t, "code", req.Payload["reviewType"])
	assert.Equal(t, StatusAccepted, req.Status)
}

func TestRequestReviewNoReviewer(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	svc.RegisterTeam(Team{
		ID:     "core",
		LeadID: "lead",
		Members: []Member{
			{AgentID: "author"},
			{AgentID: "reviewer", Capabilities: []string{"code-review"}, Busy: true},
		},
	})

	start := time.Now()
	_, err := svc.RequestReview(context.Background(), "author", "code", nil, time.Second)
	require.ErrorIs(t, err, ErrNoReviewer)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "rejection must not wait for the timeout")
	assert.Empty(t, svc.PendingFor("reviewer"))
}

func TestSetBusyAffectsSelection(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	svc.RegisterTeam(Team{
		ID:     "core",
		LeadID: "lead",
		Members: []Member{
			{AgentID: "author"},
			{AgentID: "reviewer", Capabilities: []string{"security-review"}},
		},
	})

	svc.SetBusy("reviewer", true)
	_, err := svc.RequestReview(context.Background(), "author", "security", nil, time.Second)
	require.ErrorIs(t, err, ErrNoReviewer)

	svc.SetBusy("reviewer", false)
	defer coord.SubscribeInbox("reviewer", func(_ context.Context, env coordinator.Envelope) error {
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.RequestReview(context.Background(), "author", "security", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, req.Status)
}

func TestEscalateRoutesToTeamLead(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	svc.RegisterTeam(Team{
		ID:      "core",
		LeadID:  "lead",
		Members: []Member{{AgentID: "worker"}},
	})

	var target string
	defer coord.SubscribeInbox("lead", func(_ context.Context, env coordinator.Envelope) error {
		target = env.To
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.Escalate(context.Background(), "worker", 9, map[string]any{"issue": "blocked"}, time.Second, nil)
	require.NoError(t, err)

	assert.Equal(t, "lead", target)
	assert.Equal(t, TypeEscalate, req.Type)
	assert.Equal(t, StatusAccepted, req.Status)
}

func TestEscalateFallsBackToPath(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	defer coord.SubscribeInbox("director", func(_ context.Context, env coordinator.Envelope) error {
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.Escalate(context.Background(), "solo", 5, nil, time.Second, []string{"solo", "director"})
	require.NoError(t, err)
	assert.Equal(t, "director", req.ToAgentID)

	_, err = svc.Escalate(context.Background(), "solo", 5, nil, time.Second, []string{"solo"})
	require.ErrorIs(t, err, ErrNoEscalationTarget)
}

func TestLeadEscalatesPastItself(t *testing.T) {
	svc, coord, _, _ := newTestService(t)

	svc.RegisterTeam(Team{
		ID:      "core",
		LeadID:  "lead",
		Members: []Member{{AgentID: "worker"}},
	})

	defer coord.SubscribeInbox("director", func(_ context.Context, env coordinator.Envelope) error {
		go svc.Respond(env.ID, Response{Accepted: true})
		return nil
	})()

	req, err := svc.Escalate(context.Background(), "lead", 9, nil, time.Second, []string{"director"})
	require.NoError(t, err)
	assert.Equal(t, "director", req.ToAgentID)
}

func TestRequestPayloadIsSanitized(t *testing.T) {
	svc, _, _, board := newTestService(t)

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1,
		map[string]any{"apiKey": "sk-live-123", "question": "help"}, 20*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, secrets.Redacted, req.Payload["apiKey"])
	assert.Equal(t, "help", req.Payload["question"])

	value, ok := board.Get("collab:request:" + req.ID)
	require.True(t, ok)
	recorded, ok := value.(Request)
	require.True(t, ok)
	assert.Equal(t, secrets.Redacted, recorded.Payload["apiKey"])
}

func TestRequestedEventPublished(t *testing.T) {
	svc, _, eventBus, _ := newTestService(t)

	events := make(chan any, 1)
	defer eventBus.Subscribe(TopicRequested(TypeHelp), func(_ string, payload any) {
		events <- payload
	})()

	req, err := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, 20*time.Millisecond)
	require.NoError(t, err)

	select {
	case payload := <-events:
		published, ok := payload.(Request)
		require.True(t, ok)
		assert.Equal(t, req.ID, published.ID)
		assert.Equal(t, StatusPending, published.Status)
	default:
		t.Fatal("expected request event")
	}
}

func TestSweeperExpiresOrphanedRequests(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	done := make(chan Request, 1)
	go func() {
		req, _ := svc.RequestHelp(context.Background(), "worker", "expert", 1, nil, 20*time.Millisecond)
		done <- req
	}()

	select {
	case req := <-done:
		assert.Equal(t, StatusExpired, req.Status)
	case <-time.After(time.Second):
		t.Fatal("request never expired")
	}
	assert.Empty(t, svc.PendingFor("expert"))
}

func TestContextCancellationExpiresRequest(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	req, err := svc.RequestHelp(ctx, "worker", "expert", 1, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, req.Status)
	require.NotNil(t, req.Response)
	assert.Contains(t, req.Response.Message, "cancelled")
}

func TestRequestHelpValidatesIDs(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.RequestHelp(context.Background(), "", "expert", 1, nil, time.Second)
	require.Error(t, err)

	_, err = svc.RequestHelp(context.Background(), "worker", "", 1, nil, time.Second)
	require.Error(t, err)
}
