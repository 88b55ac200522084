package board

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"agentboard/internal/model"
)

// RemoteMover performs the authoritative ticket move on the control
// plane.
type RemoteMover interface {
	Move(ctx context.Context, ticketPK, columnID string, position int) error
}

// SynchronizerOptions configure a Synchronizer. Zero durations get the
// reference defaults.
type SynchronizerOptions struct {
	Store         *Store
	Remote        RemoteMover
	RollbackDelay time.Duration
	PushFreshness time.Duration
	BannerTTL     time.Duration
	// Refresh triggers a background board refetch after a confirmed
	// move. Optional.
	Refresh func(ctx context.Context)
	Logger  *log.Logger
}

func normalizeSynchronizerOptions(opts SynchronizerOptions) SynchronizerOptions {
	if opts.RollbackDelay <= 0 {
		opts.RollbackDelay = 10 * time.Second
	}
	if opts.PushFreshness <= 0 {
		opts.PushFreshness = 5 * time.Second
	}
	if opts.BannerTTL <= 0 {
		opts.BannerTTL = 8 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return opts
}

// Synchronizer reconciles optimistic local ticket moves with the
// remote control plane. Each move records its prior placement; a
// rejected move is rolled back only after the full rollback delay has
// elapsed since the move started, and only if no newer information
// superseded the attempt in the meantime.
type Synchronizer struct {
	store         *Store
	remote        RemoteMover
	rollbackDelay time.Duration
	pushFreshness time.Duration
	bannerTTL     time.Duration
	refresh       func(ctx context.Context)
	logger        *log.Logger

	mu      sync.Mutex
	pending map[string]model.PendingMove
}

func NewSynchronizer(opts SynchronizerOptions) *Synchronizer {
	opts = normalizeSynchronizerOptions(opts)
	return &Synchronizer{
		store:         opts.Store,
		remote:        opts.Remote,
		rollbackDelay: opts.RollbackDelay,
		pushFreshness: opts.PushFreshness,
		bannerTTL:     opts.BannerTTL,
		refresh:       opts.Refresh,
		logger:        opts.Logger,
		pending:       map[string]model.PendingMove{},
	}
}

// Move applies an optimistic placement change and confirms it against
// the control plane. The local mutation is visible immediately; a
// remote rejection reverts it only after the rollback delay, so a
// transient failure followed by an authoritative confirmation never
// flickers the board.
func (s *Synchronizer) Move(ctx context.Context, ticketPK, columnID string, position int) error {
	ticket, ok := s.store.Ticket(ticketPK)
	if !ok {
		return fmt.Errorf("move ticket: unknown ticket %q", ticketPK)
	}

	now := time.Now().UTC()
	attempt := model.PendingMove{
		AttemptID:      newAttemptID(now),
		TicketPK:       ticketPK,
		StartedAt:      now,
		TargetColumnID: columnID,
		TargetPosition: position,
		PrevColumnID:   ticket.ColumnID,
		PrevPosition:   ticket.Position,
		PrevMovedAt:    ticket.MovedAt,
	}
	s.mu.Lock()
	s.pending[ticketPK] = attempt
	s.mu.Unlock()

	s.store.SetPlacement(ticketPK, columnID, position, now)

	err := s.remote.Move(ctx, ticketPK, columnID, position)
	if err == nil {
		s.clearPending(ticketPK, attempt)
		if s.refresh != nil && !s.store.PushFresh(time.Now().UTC(), s.pushFreshness) {
			go s.refresh(context.Background())
		}
		return nil
	}

	s.logger.Printf("board: move rejected ticket=%s column=%s err=%v", ticketPK, columnID, err)
	remaining := s.rollbackDelay - time.Since(attempt.StartedAt)
	if remaining < 0 {
		remaining = 0
	}
	time.AfterFunc(remaining, func() {
		s.rollback(attempt, err)
	})
	return fmt.Errorf("move ticket %s: %w", ticketPK, err)
}

// ReorderColumn re-applies the given placement order within one
// column, moving each ticket in turn. Failures are accumulated; the
// remaining tickets are still attempted.
func (s *Synchronizer) ReorderColumn(ctx context.Context, columnID string, orderedPKs []string) error {
	var failed []string
	for i, pk := range orderedPKs {
		if err := s.Move(ctx, pk, columnID, i); err != nil {
			failed = append(failed, pk)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("reorder column %s: %d move(s) failed: %s", columnID, len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// ConfirmFromPush drops a pending record once an authoritative push
// update lands the ticket on the attempt's target placement. A push
// carrying any other placement leaves the record alone, so an
// unrelated update never cancels rollback arbitration.
func (s *Synchronizer) ConfirmFromPush(ticket model.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.pending[ticket.PK]
	if !ok {
		return
	}
	if ticket.ColumnID != attempt.TargetColumnID || ticket.Position != attempt.TargetPosition {
		return
	}
	delete(s.pending, ticket.PK)
}

// PendingCount reports in-flight unconfirmed moves.
func (s *Synchronizer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Synchronizer) clearPending(ticketPK string, attempt model.PendingMove) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.pending[ticketPK]
	if ok && current.AttemptID == attempt.AttemptID {
		delete(s.pending, ticketPK)
	}
}

func (s *Synchronizer) rollback(attempt model.PendingMove, cause error) {
	s.mu.Lock()
	current, ok := s.pending[attempt.TicketPK]
	if !ok || current.AttemptID != attempt.AttemptID {
		s.mu.Unlock()
		return
	}
	delete(s.pending, attempt.TicketPK)
	s.mu.Unlock()

	s.store.SetPlacement(attempt.TicketPK, attempt.PrevColumnID, attempt.PrevPosition, attempt.PrevMovedAt)
	s.store.AddBanner(sanitizeMoveReason(cause), s.bannerTTL)
	s.logger.Printf("board: move rolled back ticket=%s column=%s", attempt.TicketPK, attempt.PrevColumnID)
}

func newAttemptID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), crand.Reader).String()
}

// sanitizeMoveReason keeps remote rejection text operator-friendly.
// Reasons that expose access-control internals are replaced with a
// generic message.
func sanitizeMoveReason(cause error) string {
	if cause == nil {
		return "Move failed"
	}
	text := cause.Error()
	lower := strings.ToLower(text)
	for _, marker := range []string{"permission", "policy", "rbac", "acl", "unauthorized", "forbidden", "access control", "role"} {
		if strings.Contains(lower, marker) {
			return "Move failed: the workspace rejected this change"
		}
	}
	return "Move failed: " + text
}
