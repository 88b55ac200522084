// Package session composes the board, run controllers, conversation
// log, cache, push channel, and reconciler into one workspace session.
package session

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/lithammer/shortuuid/v3"

	"agentboard/internal/board"
	"agentboard/internal/cache"
	"agentboard/internal/controlplane"
	"agentboard/internal/convlog"
	"agentboard/internal/model"
	"agentboard/internal/policy"
	"agentboard/internal/push"
	"agentboard/internal/reconcile"
	"agentboard/internal/runctl"
)

// ControlPlane is the full remote surface the session needs. The
// concrete client satisfies it; tests substitute fakes.
type ControlPlane interface {
	runctl.ControlPlane
	Move(ctx context.Context, ticketPK, columnID string, position int) error
	Board(ctx context.Context) (controlplane.BoardSnapshot, error)
	AppendLog(ctx context.Context, conversationID string, rows []model.Message) error
	SelectLog(ctx context.Context, conversationID string, fromSeq, toSeq float64) ([]model.Message, error)
}

type Options struct {
	Policy policy.Config
	Logger *log.Logger
	// Client overrides the control-plane client built from policy.
	Client ControlPlane
	// Cache overrides the Redis cache built from policy. Nil with an
	// empty policy redis URL runs without local persistence.
	Cache *cache.Cache
	// DisablePush skips the stream listener; the reconciler's fallback
	// timer then carries all updates.
	DisablePush bool
}

type Session struct {
	cfg    policy.Config
	logger *log.Logger

	client   ControlPlane
	cache    *cache.Cache
	store    *board.Store
	mover    *board.Synchronizer
	convlog  *convlog.Store
	manager  *runctl.Manager
	reconcil *reconcile.Scheduler
	broker   *push.Broker
	listener *push.Listener

	// runCtx outlives any HTTP request; controllers and other
	// long-lived loops are bound to it, not to their caller's context.
	runCtx context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	selected string
}

func New(ctx context.Context, opts Options) (*Session, error) {
	cfg := opts.Policy
	if err := policy.Validate(cfg); err != nil {
		return nil, fmt.Errorf("session: policy: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	client := opts.Client
	if client == nil {
		client = controlplane.NewClient(cfg.ControlPlane.BaseURL, cfg.ControlPlaneTimeout())
	}

	localCache := opts.Cache
	if localCache == nil && cfg.Cache.RedisURL != "" {
		built, err := cache.New(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("session: cache: %w", err)
		}
		localCache = built
	}

	s := &Session{
		cfg:    cfg,
		logger: logger,
		client: client,
		cache:  localCache,
		store:  board.NewStore(),
		broker: push.NewBroker(64),
	}

	var cacheWriter convlog.CacheWriter
	if localCache != nil {
		cacheWriter = localCache
	}
	s.convlog = convlog.NewStore(
		convlog.NewLog(convlog.NewAllocator()),
		cacheWriter,
		remoteLog{client},
		cfg.Project,
		cfg.FlushDebounce(),
		logger,
	)

	s.mover = board.NewSynchronizer(board.SynchronizerOptions{
		Store:         s.store,
		Remote:        client,
		RollbackDelay: cfg.RollbackDelay(),
		PushFreshness: cfg.PushFreshness(),
		BannerTTL:     cfg.BannerTTL(),
		Refresh:       s.backgroundRefresh,
		Logger:        logger,
	})

	s.manager = runctl.NewManager(func(agentType model.AgentType, ticket model.Ticket) *runctl.Controller {
		return runctl.New(runctl.Options{
			AgentType:        agentType,
			Ticket:           ticket,
			Client:           client,
			Board:            s.store,
			Mover:            s.mover,
			Transcript:       transcript{s.convlog},
			RunIDs:           s.runIDStore(),
			Conversation:     model.ConversationKey{Role: agentType, Instance: 1},
			RepoIdentifier:   cfg.ControlPlane.RepoIdentifier,
			BaseBranch:       cfg.ControlPlane.BaseBranch,
			InProgressColumn: cfg.Board.InProgressColumn,
			ReadyForQAColumn: cfg.Board.ReadyForQAColumn,
			PollInterval:     cfg.PollInterval(),
			Staleness:        cfg.StalenessWindow(),
			Refresh:          s.backgroundRefresh,
			Logger:           logger,
		})
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel

	if !opts.DisablePush && localCache != nil {
		listener, err := push.NewListener(push.ListenerOptions{
			Client:   localCache.Client(),
			Stream:   cfg.Cache.Stream,
			Group:    cfg.Cache.Group,
			Consumer: consumerName(cfg.Cache.Consumer),
			Broker:   s.broker,
			Apply:    s.applyEvent,
			Logger:   logger,
		})
		if err != nil {
			logger.Printf("session: push listener unavailable: %v", err)
		} else if err := listener.Start(runCtx); err != nil {
			logger.Printf("session: push subscribe failed, relying on fallback polling: %v", err)
		} else {
			s.listener = listener
		}
	}

	s.reconcil = reconcile.NewScheduler(reconcile.Options{
		Fetch:            s.RefreshBoard,
		PushConnected:    s.pushConnected,
		SafetyInterval:   cfg.SafetyInterval(),
		FallbackInterval: cfg.FallbackInterval(),
		Logger:           logger,
	})

	if err := s.bootstrap(runCtx); err != nil {
		s.Shutdown()
		return nil, err
	}
	s.reconcil.Start(runCtx)
	return s, nil
}

// bootstrap restores cached local state, fetches the first snapshot,
// and resumes polling any cached in-flight runs.
func (s *Session) bootstrap(ctx context.Context) error {
	if s.cache != nil {
		if convs, err := s.cache.ReadConversations(ctx, s.cfg.Project); err != nil {
			s.logger.Printf("session: restore conversations: %v", err)
		} else if len(convs) > 0 {
			s.convlog.Log().Restore(convs)
			// Cached history mirrors what already reached the remote
			// log; seed the watermarks so it is not re-flushed.
			for _, conv := range convs {
				var max float64
				for _, msg := range conv.Messages {
					if model.IsPersistedID(msg.ID) && msg.ID > max {
						max = msg.ID
					}
				}
				s.convlog.SetWatermark(conv.Key, max)
			}
		}
		if selected, err := s.cache.LoadSelectedConversation(ctx, s.cfg.Project); err == nil && selected != "" {
			s.mu.Lock()
			s.selected = selected
			s.mu.Unlock()
		}
	}
	s.replayRemoteHistory(ctx)

	err := retry.Retry(
		func(attempt uint) error { return s.RefreshBoard(ctx) },
		strategy.Limit(5),
		strategy.Backoff(backoff.Linear(200*time.Millisecond)),
	)
	if err != nil {
		return fmt.Errorf("session: initial board snapshot: %w", err)
	}

	if s.cache != nil {
		runIDs, err := s.cache.LoadRunIDs(ctx, s.cfg.Project)
		if err != nil {
			s.logger.Printf("session: load run ids: %v", err)
			return nil
		}
		for agentType, byTicket := range runIDs {
			for ticketPK, runID := range byTicket {
				ticket, ok := s.store.Ticket(ticketPK)
				if !ok {
					continue
				}
				s.logger.Printf("session: resuming %s run %s for %s", agentType, runID, ticket.DisplayID)
				s.manager.Resume(ctx, agentType, ticket, runID)
			}
		}
	}
	return nil
}

// replayRemoteHistory backfills agent conversations the local cache
// did not carry from the remote log store. Watermarks are seeded to
// the replayed rows so they are never flushed back.
func (s *Session) replayRemoteHistory(ctx context.Context) {
	agentTypes := []model.AgentType{
		model.AgentTypeImplementation,
		model.AgentTypeQA,
		model.AgentTypeProcessReview,
		model.AgentTypePlanning,
	}
	for _, role := range agentTypes {
		key := model.ConversationKey{Role: role, Instance: 1}
		if len(s.convlog.Log().Messages(key)) > 0 {
			continue
		}
		rows, err := s.client.SelectLog(ctx, key.String(), 0, math.MaxFloat64)
		if err != nil {
			s.logger.Printf("session: replay %s history: %v", key, err)
			continue
		}
		var maxID float64
		for _, row := range rows {
			s.convlog.AppendWithID(ctx, key, row)
			if model.IsPersistedID(row.ID) && row.ID > maxID {
				maxID = row.ID
			}
		}
		if maxID > 0 {
			s.convlog.SetWatermark(key, maxID)
		}
	}
}

func (s *Session) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.reconcil != nil {
		s.reconcil.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.broker.Close()
	s.convlog.Close(context.Background())
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

// RefreshBoard replaces local board state with the authoritative
// snapshot.
func (s *Session) RefreshBoard(ctx context.Context) error {
	snapshot, err := s.client.Board(ctx)
	if err != nil {
		return err
	}
	s.store.ReplaceSnapshot(snapshot.Tickets, snapshot.Runs)
	return nil
}

func (s *Session) backgroundRefresh(ctx context.Context) {
	if s.reconcil == nil {
		if err := s.RefreshBoard(ctx); err != nil {
			s.logger.Printf("session: board refresh: %v", err)
		}
		return
	}
	if err := s.reconcil.FetchNow(ctx); err != nil {
		s.logger.Printf("session: board refresh: %v", err)
	}
}

// applyEvent folds one push notification into local state.
func (s *Session) applyEvent(event model.BoardEvent) {
	s.store.NotePush(event.ReceivedAt)
	switch event.Entity {
	case model.BoardEntityTicket:
		if event.Ticket == nil {
			return
		}
		s.store.ApplyTicketEvent(event.Kind, *event.Ticket)
		s.mover.ConfirmFromPush(*event.Ticket)
	case model.BoardEntityRun:
		if event.Run == nil {
			return
		}
		s.store.ApplyRunEvent(event.Kind, *event.Run)
	}
}

func (s *Session) pushConnected() bool {
	return s.listener != nil && s.listener.Connected()
}

func (s *Session) Tickets() []model.Ticket { return s.store.Tickets() }

func (s *Session) Banners() []model.Banner { return s.store.Banners(time.Now().UTC()) }

func (s *Session) RelevantRun(ticketPK string) (model.AgentRun, bool) {
	return s.store.RelevantRun(ticketPK)
}

func (s *Session) MoveTicket(ctx context.Context, ticketPK, columnID string, position int) error {
	return s.mover.Move(ctx, ticketPK, columnID, position)
}

func (s *Session) ReorderColumn(ctx context.Context, columnID string, orderedPKs []string) error {
	return s.mover.ReorderColumn(ctx, columnID, orderedPKs)
}

func (s *Session) SendMessage(ctx context.Context, key model.ConversationKey, content string) (model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, fmt.Errorf("send message: empty content")
	}
	return s.convlog.AppendUser(ctx, key, content), nil
}

func (s *Session) Conversation(key model.ConversationKey) []model.Message {
	return s.convlog.Log().Messages(key)
}

func (s *Session) Conversations() []model.Conversation {
	return s.convlog.Log().Snapshot()
}

func (s *Session) SelectConversation(ctx context.Context, key model.ConversationKey) error {
	s.mu.Lock()
	s.selected = key.String()
	s.mu.Unlock()
	if s.cache == nil {
		return nil
	}
	return s.cache.SaveSelectedConversation(ctx, s.cfg.Project, key)
}

func (s *Session) SelectedConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// StartRun triggers a remote agent run for the ticket with the given
// display id. The caller's context covers validation only; the run
// itself is bound to the session's lifetime so it outlives the HTTP
// request that triggered it.
func (s *Session) StartRun(ctx context.Context, agentType model.AgentType, displayID string) (runctl.RunView, error) {
	if err := ctx.Err(); err != nil {
		return runctl.RunView{}, err
	}
	ticket, ok := s.store.TicketByDisplayID(displayID)
	if !ok {
		return runctl.RunView{}, fmt.Errorf("start run: unknown ticket %q", displayID)
	}
	controller, err := s.manager.Trigger(s.runCtx, agentType, ticket)
	if err != nil {
		return runctl.RunView{}, err
	}
	return controller.Snapshot(), nil
}

func (s *Session) Runs() []runctl.RunView { return s.manager.Snapshot() }

func (s *Session) SubscribeEvents(entity model.BoardEntity) (<-chan model.BoardEvent, func()) {
	return s.broker.Subscribe(entity)
}

func (s *Session) Health() HealthSnapshot {
	snap := HealthSnapshot{
		Project:       s.cfg.Project,
		PushConnected: s.pushConnected(),
		Reconciler:    s.reconcil.Snapshot(),
		Flusher:       s.convlog.Snapshot(),
		PendingMoves:  s.mover.PendingCount(),
	}
	if s.listener != nil {
		listenerSnap := s.listener.Snapshot()
		snap.Push = &listenerSnap
	}
	return snap
}

func (s *Session) runIDStore() runctl.RunIDStore {
	if s.cache == nil {
		return nil
	}
	return runIDStore{cache: s.cache, project: s.cfg.Project}
}

// runIDStore scopes cache run-id persistence to the session's project.
type runIDStore struct {
	cache   *cache.Cache
	project string
}

func (r runIDStore) SaveRunID(ctx context.Context, agentType model.AgentType, ticketPK, runID string) error {
	return r.cache.SaveRunID(ctx, r.project, agentType, ticketPK, runID)
}

func (r runIDStore) ClearRunID(ctx context.Context, agentType model.AgentType, ticketPK string) error {
	return r.cache.ClearRunID(ctx, r.project, agentType, ticketPK)
}

// remoteLog adapts the control-plane client to the flusher's RemoteLog.
type remoteLog struct {
	client ControlPlane
}

func (r remoteLog) AppendLog(ctx context.Context, conversationID string, rows []model.Message) error {
	return r.client.AppendLog(ctx, conversationID, rows)
}

// transcript adapts the dual-write store to the controller's mirror.
type transcript struct {
	store *convlog.Store
}

func (t transcript) AppendEphemeral(key model.ConversationKey, content string) (model.Message, error) {
	return t.store.AppendEphemeral(context.Background(), key, content), nil
}

func consumerName(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return "agentboard-" + shortuuid.New()
}
