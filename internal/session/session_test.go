package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agentboard/internal/cache"
	"agentboard/internal/controlplane"
	"agentboard/internal/model"
	"agentboard/internal/policy"
	"agentboard/internal/push"
)

type fakeControlPlane struct {
	mu         sync.Mutex
	tickets    []model.Ticket
	runs       []model.AgentRun
	launches   int
	statuses   []controlplane.RunStatusResponse
	moves      []string
	appends    int
	remoteLogs map[string][]model.Message
}

func (f *fakeControlPlane) Launch(context.Context, controlplane.LaunchRequest) (controlplane.LaunchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	return controlplane.LaunchResponse{RunID: "run-1"}, nil
}

func (f *fakeControlPlane) Status(context.Context, string) (controlplane.RunStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return controlplane.RunStatusResponse{Status: "running"}, nil
	}
	resp := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return resp, nil
}

func (f *fakeControlPlane) SyncArtifacts(context.Context, string) error { return nil }

func (f *fakeControlPlane) Move(_ context.Context, ticketPK, columnID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, ticketPK+"->"+columnID)
	return nil
}

func (f *fakeControlPlane) Board(context.Context) (controlplane.BoardSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controlplane.BoardSnapshot{Tickets: f.tickets, Runs: f.runs}, nil
}

func (f *fakeControlPlane) AppendLog(context.Context, string, []model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	return nil
}

func (f *fakeControlPlane) SelectLog(_ context.Context, conversationID string, _, _ float64) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteLogs[conversationID], nil
}

func testPolicy() policy.Config {
	cfg := policy.Default()
	cfg.Project = "testproj"
	cfg.Cache.RedisURL = ""
	return cfg
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func boardFixture() []model.Ticket {
	return []model.Ticket{
		{PK: "t-1", TicketNumber: 1, DisplayID: "AB-1", ColumnID: "col-in-progress", Position: 0},
		{PK: "t-2", TicketNumber: 2, DisplayID: "AB-2", ColumnID: "col-todo", Position: 0},
	}
}

func newTestSession(t *testing.T, cp *fakeControlPlane, localCache *cache.Cache, disablePush bool) *Session {
	t.Helper()
	s, err := New(context.Background(), Options{
		Policy:      testPolicy(),
		Client:      cp,
		Cache:       localCache,
		DisablePush: disablePush,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestSessionBootstrapsBoardSnapshot(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)

	tickets := s.Tickets()
	if len(tickets) != 2 {
		t.Fatalf("expected 2 tickets after bootstrap, got %d", len(tickets))
	}
	if tickets[0].DisplayID != "AB-1" {
		t.Fatalf("expected ticket-number order, got %s first", tickets[0].DisplayID)
	}
}

func TestMoveTicketReachesRemote(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)

	if err := s.MoveTicket(context.Background(), "t-2", "col-in-progress", 1); err != nil {
		t.Fatalf("move: %v", err)
	}
	ticket, _ := s.store.Ticket("t-2")
	if ticket.ColumnID != "col-in-progress" {
		t.Fatalf("expected optimistic placement, got %s", ticket.ColumnID)
	}
	cp.mu.Lock()
	moves := len(cp.moves)
	cp.mu.Unlock()
	if moves != 1 {
		t.Fatalf("expected 1 remote move, got %d", moves)
	}
}

func TestSendMessageAllocatesIntegerIDs(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)
	key := model.ConversationKey{Role: model.AgentTypeImplementation, Instance: 1}

	msg, err := s.SendMessage(context.Background(), key, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != 1 {
		t.Fatalf("expected first message id 1, got %v", msg.ID)
	}
	if _, err := s.SendMessage(context.Background(), key, "   "); err == nil {
		t.Fatalf("expected empty message rejected")
	}
	if got := len(s.Conversation(key)); got != 1 {
		t.Fatalf("expected 1 message, got %d", got)
	}
}

func TestStartRunAndTriggerPolicy(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)

	if _, err := s.StartRun(context.Background(), model.AgentTypeImplementation, "AB-404"); err == nil {
		t.Fatalf("expected unknown display id rejected")
	}

	view, err := s.StartRun(context.Background(), model.AgentTypeImplementation, "AB-1")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if view.AgentType != model.AgentTypeImplementation || view.TicketPK != "t-1" {
		t.Fatalf("unexpected run view: %+v", view)
	}

	if _, err := s.StartRun(context.Background(), model.AgentTypeImplementation, "AB-1"); err == nil {
		t.Fatalf("expected concurrent same-type trigger rejected")
	}
}

func TestConversationsRestoredFromCacheWithWatermarks(t *testing.T) {
	localCache := testCache(t)
	key := model.ConversationKey{Role: model.AgentTypePlanning, Instance: 1}
	history := []model.Conversation{{
		Key: key,
		Messages: []model.Message{
			{ID: 1, Author: "user", Content: "plan this"},
			{ID: 2, Author: "planning", Content: "on it"},
			{ID: 2.01, Author: "system", Content: "Launching remote agent"},
		},
	}}
	if err := localCache.WriteConversations(context.Background(), "testproj", history); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, localCache, true)

	if got := len(s.Conversation(key)); got != 3 {
		t.Fatalf("expected restored history, got %d messages", got)
	}
	// Replayed history must not be re-flushed.
	if wm := s.convlog.Watermark(key); wm != 2 {
		t.Fatalf("expected watermark seeded to 2, got %v", wm)
	}
	// New messages continue the integer sequence.
	msg, err := s.SendMessage(context.Background(), key, "continue")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != 3 {
		t.Fatalf("expected next id 3, got %v", msg.ID)
	}
}

func TestRemoteHistoryReplayedWhenCacheEmpty(t *testing.T) {
	key := model.ConversationKey{Role: model.AgentTypeQA, Instance: 1}
	cp := &fakeControlPlane{
		tickets: boardFixture(),
		remoteLogs: map[string][]model.Message{
			"qa-1": {
				{ID: 1, Author: "user", Content: "verify AB-1"},
				{ID: 2, Author: "qa", Content: "starting review"},
			},
		},
	}
	s := newTestSession(t, cp, nil, true)

	if got := len(s.Conversation(key)); got != 2 {
		t.Fatalf("expected remote history replayed, got %d messages", got)
	}
	if wm := s.convlog.Watermark(key); wm != 2 {
		t.Fatalf("expected watermark seeded to 2, got %v", wm)
	}

	// Replayed rows are already durable remotely; a flush must not
	// resend them.
	s.convlog.FlushNow(context.Background())
	cp.mu.Lock()
	appends := cp.appends
	cp.mu.Unlock()
	if appends != 0 {
		t.Fatalf("replayed history re-flushed %d times", appends)
	}

	msg, err := s.SendMessage(context.Background(), key, "continue")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID != 3 {
		t.Fatalf("expected next id 3 after replay, got %v", msg.ID)
	}
}

func TestSelectedConversationConcurrentAccess(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(instance int) {
			defer wg.Done()
			key := model.ConversationKey{Role: model.AgentTypeQA, Instance: instance + 1}
			_ = s.SelectConversation(context.Background(), key)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.SelectedConversation()
		}()
	}
	wg.Wait()
	if s.SelectedConversation() == "" {
		t.Fatalf("expected a selection to stick")
	}
}

func TestResumesCachedRunIDs(t *testing.T) {
	localCache := testCache(t)
	if err := localCache.SaveRunID(context.Background(), "testproj", model.AgentTypeImplementation, "t-1", "run-old"); err != nil {
		t.Fatalf("seed run id: %v", err)
	}

	cp := &fakeControlPlane{
		tickets:  boardFixture(),
		statuses: []controlplane.RunStatusResponse{{Status: "finished"}},
	}
	s := newTestSession(t, cp, localCache, true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		views := s.Runs()
		if len(views) == 1 && views[0].RunID == "run-old" && views[0].Phase == model.RunPhaseCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cached run never resumed to completion: %+v", s.Runs())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cp.mu.Lock()
	launches := cp.launches
	cp.mu.Unlock()
	if launches != 0 {
		t.Fatalf("resume must not relaunch, got %d launches", launches)
	}
}

func TestSelectedConversationPersists(t *testing.T) {
	localCache := testCache(t)
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, localCache, true)

	key := model.ConversationKey{Role: model.AgentTypeQA, Instance: 2}
	if err := s.SelectConversation(context.Background(), key); err != nil {
		t.Fatalf("select: %v", err)
	}
	if s.SelectedConversation() != "qa-2" {
		t.Fatalf("expected qa-2 selected, got %s", s.SelectedConversation())
	}

	restored, err := localCache.LoadSelectedConversation(context.Background(), "testproj")
	if err != nil || restored != "qa-2" {
		t.Fatalf("expected selection persisted, got %q err=%v", restored, err)
	}
}

func TestPushEventUpdatesBoard(t *testing.T) {
	localCache := testCache(t)
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, localCache, false)

	if !s.Health().PushConnected {
		t.Fatalf("expected push channel connected")
	}

	publisher, err := push.NewPublisher(localCache.Client(), testPolicy().Cache.Stream)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	t.Cleanup(func() { _ = publisher.Close() })

	moved := model.Ticket{PK: "t-2", TicketNumber: 2, DisplayID: "AB-2", ColumnID: "col-done", Position: 0}
	if err := publisher.Publish(model.BoardEvent{
		Kind:   model.BoardEventUpdate,
		Entity: model.BoardEntityTicket,
		Ticket: &moved,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		ticket, _ := s.store.Ticket("t-2")
		if ticket.ColumnID == "col-done" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("push update never reached the board, column=%s", ticket.ColumnID)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !s.store.PushFresh(time.Now().UTC(), time.Minute) {
		t.Fatalf("expected push receipt recorded")
	}
}

func TestHealthSnapshot(t *testing.T) {
	cp := &fakeControlPlane{tickets: boardFixture()}
	s := newTestSession(t, cp, nil, true)

	health := s.Health()
	if health.Project != "testproj" {
		t.Fatalf("unexpected project %q", health.Project)
	}
	if health.PushConnected {
		t.Fatalf("expected push disconnected with push disabled")
	}
	if !health.Reconciler.Running {
		t.Fatalf("expected reconciler running")
	}
	if health.PendingMoves != 0 {
		t.Fatalf("expected no pending moves, got %d", health.PendingMoves)
	}
}
