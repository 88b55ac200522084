// Package board owns the locally rendered board state: the ticket
// collection, the known runs, and transient operator banners. All
// mutations go through read-compute-replace under one mutex so
// interleaved async callbacks cannot lose updates.
package board

import (
	"sort"
	"strings"
	"sync"
	"time"

	"agentboard/internal/model"
	"agentboard/internal/relevance"
)

type Store struct {
	mu         sync.RWMutex
	tickets    []model.Ticket
	runs       map[string]model.AgentRun
	banners    []model.Banner
	lastPushAt time.Time
}

func NewStore() *Store {
	return &Store{runs: map[string]model.AgentRun{}}
}

// ReplaceSnapshot swaps in an authoritative board snapshot wholesale.
func (s *Store) ReplaceSnapshot(tickets []model.Ticket, runs []model.AgentRun) {
	next := make([]model.Ticket, len(tickets))
	copy(next, tickets)
	sortTickets(next)
	nextRuns := make(map[string]model.AgentRun, len(runs))
	for _, run := range runs {
		nextRuns[run.RunID] = run
	}
	s.mu.Lock()
	s.tickets = next
	s.runs = nextRuns
	s.mu.Unlock()
}

func (s *Store) Tickets() []model.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Ticket, len(s.tickets))
	copy(out, s.tickets)
	return out
}

func (s *Store) Ticket(pk string) (model.Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ticket := range s.tickets {
		if ticket.PK == pk {
			return ticket, true
		}
	}
	return model.Ticket{}, false
}

func (s *Store) TicketByDisplayID(displayID string) (model.Ticket, bool) {
	displayID = strings.TrimSpace(displayID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ticket := range s.tickets {
		if strings.EqualFold(ticket.DisplayID, displayID) {
			return ticket, true
		}
	}
	return model.Ticket{}, false
}

// ColumnTickets returns a column's tickets in position order.
func (s *Store) ColumnTickets(columnID string) []model.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		if ticket.ColumnID == columnID {
			out = append(out, ticket)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// SetPlacement applies a placement mutation to one ticket, re-sorting
// the collection by the stable secondary key (ticket number). Returns
// false if the ticket is unknown.
func (s *Store) SetPlacement(pk, columnID string, position int, movedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]model.Ticket, len(s.tickets))
	copy(next, s.tickets)
	found := false
	for i := range next {
		if next[i].PK == pk {
			next[i].ColumnID = columnID
			next[i].Position = position
			next[i].MovedAt = movedAt
			found = true
			break
		}
	}
	if !found {
		return false
	}
	sortTickets(next)
	s.tickets = next
	return true
}

// ApplyTicketEvent folds one push notification for a ticket into the
// collection.
func (s *Store) ApplyTicketEvent(kind model.BoardEventKind, ticket model.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]model.Ticket, 0, len(s.tickets)+1)
	replaced := false
	for _, existing := range s.tickets {
		if existing.PK == ticket.PK {
			if kind == model.BoardEventDelete {
				continue
			}
			next = append(next, ticket)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced && kind != model.BoardEventDelete {
		next = append(next, ticket)
	}
	sortTickets(next)
	s.tickets = next
}

// ApplyRunEvent folds one push notification for a run into the run map.
func (s *Store) ApplyRunEvent(kind model.BoardEventKind, run model.AgentRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nextRuns := make(map[string]model.AgentRun, len(s.runs)+1)
	for id, existing := range s.runs {
		nextRuns[id] = existing
	}
	if kind == model.BoardEventDelete {
		delete(nextRuns, run.RunID)
	} else {
		nextRuns[run.RunID] = run
	}
	s.runs = nextRuns
}

func (s *Store) Runs() []model.AgentRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AgentRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// RelevantRun surfaces the one run the operator should see for a
// ticket, recomputed from all known runs on every call.
func (s *Store) RelevantRun(ticketPK string) (model.AgentRun, bool) {
	byTicket := relevance.RunsByTicket(s.Runs())
	run, ok := byTicket[ticketPK]
	return run, ok
}

// NotePush records a push-channel delivery, used to suppress refetches
// that would clobber fresher data.
func (s *Store) NotePush(now time.Time) {
	s.mu.Lock()
	s.lastPushAt = now
	s.mu.Unlock()
}

// PushFresh reports whether a push update arrived within the window.
func (s *Store) PushFresh(now time.Time, window time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastPushAt.IsZero() {
		return false
	}
	return now.Sub(s.lastPushAt) < window
}

func (s *Store) AddBanner(message string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banners = append(s.banners, model.Banner{
		Message:   message,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}

// Banners returns unexpired banners and prunes the rest.
func (s *Store) Banners(now time.Time) []model.Banner {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]model.Banner, 0, len(s.banners))
	for _, banner := range s.banners {
		if !banner.Expired(now) {
			kept = append(kept, banner)
		}
	}
	s.banners = kept
	out := make([]model.Banner, len(kept))
	copy(out, kept)
	return out
}

func sortTickets(tickets []model.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		return tickets[i].TicketNumber < tickets[j].TicketNumber
	})
}
