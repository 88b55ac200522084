package board

import (
	"testing"
	"time"

	"agentboard/internal/model"
)

func seedTickets() []model.Ticket {
	return []model.Ticket{
		{PK: "t-1", TicketNumber: 1, DisplayID: "AB-1", ColumnID: "col-todo", Position: 0},
		{PK: "t-2", TicketNumber: 2, DisplayID: "AB-2", ColumnID: "col-todo", Position: 1},
		{PK: "t-3", TicketNumber: 3, DisplayID: "AB-3", ColumnID: "col-in-progress", Position: 0},
	}
}

func TestReplaceSnapshotSortsByTicketNumber(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot([]model.Ticket{
		{PK: "t-9", TicketNumber: 9},
		{PK: "t-2", TicketNumber: 2},
		{PK: "t-5", TicketNumber: 5},
	}, nil)
	tickets := store.Tickets()
	if len(tickets) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(tickets))
	}
	for i, want := range []int{2, 5, 9} {
		if tickets[i].TicketNumber != want {
			t.Fatalf("position %d: expected ticket number %d, got %d", i, want, tickets[i].TicketNumber)
		}
	}
}

func TestTicketLookups(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot(seedTickets(), nil)

	if _, ok := store.Ticket("t-2"); !ok {
		t.Fatalf("expected t-2 to be present")
	}
	if _, ok := store.Ticket("t-404"); ok {
		t.Fatalf("expected t-404 to be absent")
	}
	ticket, ok := store.TicketByDisplayID(" ab-3 ")
	if !ok {
		t.Fatalf("expected display id lookup to be case-insensitive and trimmed")
	}
	if ticket.PK != "t-3" {
		t.Fatalf("expected t-3, got %s", ticket.PK)
	}
}

func TestSetPlacementUnknownTicket(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot(seedTickets(), nil)
	if store.SetPlacement("t-404", "col-done", 0, time.Now()) {
		t.Fatalf("expected SetPlacement to report unknown ticket")
	}
}

func TestApplyTicketEventInsertUpdateDelete(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot(seedTickets(), nil)

	store.ApplyTicketEvent(model.BoardEventInsert, model.Ticket{PK: "t-4", TicketNumber: 4, ColumnID: "col-todo", Position: 2})
	if len(store.Tickets()) != 4 {
		t.Fatalf("expected insert to add a ticket")
	}

	store.ApplyTicketEvent(model.BoardEventUpdate, model.Ticket{PK: "t-1", TicketNumber: 1, ColumnID: "col-done", Position: 0})
	ticket, _ := store.Ticket("t-1")
	if ticket.ColumnID != "col-done" {
		t.Fatalf("expected update to replace ticket, got column %s", ticket.ColumnID)
	}

	store.ApplyTicketEvent(model.BoardEventDelete, model.Ticket{PK: "t-2"})
	if _, ok := store.Ticket("t-2"); ok {
		t.Fatalf("expected delete to remove ticket")
	}
}

func TestRelevantRunSurfacesNonTerminal(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot(seedTickets(), []model.AgentRun{
		{RunID: "r-1", AgentType: model.AgentTypeImplementation, TicketPK: "t-1", Status: "completed", CreatedAt: "2026-08-23T10:00:00Z"},
		{RunID: "r-2", AgentType: model.AgentTypeImplementation, TicketPK: "t-1", Status: "running", CreatedAt: "2026-08-23T09:00:00Z"},
	})
	run, ok := store.RelevantRun("t-1")
	if !ok {
		t.Fatalf("expected a relevant run")
	}
	if run.RunID != "r-2" {
		t.Fatalf("expected the non-terminal run to surface, got %s", run.RunID)
	}
}

func TestRunEventFold(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot(seedTickets(), nil)
	store.ApplyRunEvent(model.BoardEventInsert, model.AgentRun{RunID: "r-1", TicketPK: "t-1", Status: "running"})
	if len(store.Runs()) != 1 {
		t.Fatalf("expected 1 run")
	}
	store.ApplyRunEvent(model.BoardEventUpdate, model.AgentRun{RunID: "r-1", TicketPK: "t-1", Status: "completed"})
	runs := store.Runs()
	if runs[0].Status != "completed" {
		t.Fatalf("expected update to replace run, got %s", runs[0].Status)
	}
	store.ApplyRunEvent(model.BoardEventDelete, model.AgentRun{RunID: "r-1"})
	if len(store.Runs()) != 0 {
		t.Fatalf("expected delete to remove run")
	}
}

func TestPushFreshness(t *testing.T) {
	store := NewStore()
	now := time.Now().UTC()
	if store.PushFresh(now, 5*time.Second) {
		t.Fatalf("expected no freshness before any push")
	}
	store.NotePush(now)
	if !store.PushFresh(now.Add(3*time.Second), 5*time.Second) {
		t.Fatalf("expected push at 3s to be fresh within 5s window")
	}
	if store.PushFresh(now.Add(6*time.Second), 5*time.Second) {
		t.Fatalf("expected push at 6s to be stale")
	}
}

func TestBannersExpire(t *testing.T) {
	store := NewStore()
	store.AddBanner("Move failed", 30*time.Millisecond)
	if len(store.Banners(time.Now().UTC())) != 1 {
		t.Fatalf("expected banner to be visible immediately")
	}
	if got := store.Banners(time.Now().UTC().Add(time.Second)); len(got) != 0 {
		t.Fatalf("expected banner to expire, got %d", len(got))
	}
}

func TestColumnTicketsPositionOrder(t *testing.T) {
	store := NewStore()
	store.ReplaceSnapshot([]model.Ticket{
		{PK: "t-1", TicketNumber: 1, ColumnID: "col-todo", Position: 2},
		{PK: "t-2", TicketNumber: 2, ColumnID: "col-todo", Position: 0},
		{PK: "t-3", TicketNumber: 3, ColumnID: "col-done", Position: 0},
	}, nil)
	col := store.ColumnTickets("col-todo")
	if len(col) != 2 || col[0].PK != "t-2" || col[1].PK != "t-1" {
		t.Fatalf("expected position order t-2,t-1, got %+v", col)
	}
}
