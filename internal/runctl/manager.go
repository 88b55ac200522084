package runctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentboard/internal/model"
)

// Manager tracks the live controller per (agent type, ticket) pair and
// enforces the trigger policy: a new run for the same pair is rejected
// while a non-stale, non-terminal run exists. Past the staleness window
// the old run stops blocking, recovering from runs abandoned without a
// terminal status.
type Manager struct {
	build func(agentType model.AgentType, ticket model.Ticket) *Controller

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewManager(build func(agentType model.AgentType, ticket model.Ticket) *Controller) *Manager {
	return &Manager{
		build:       build,
		controllers: map[string]*Controller{},
	}
}

func managerKey(agentType model.AgentType, ticketPK string) string {
	return string(agentType) + "|" + ticketPK
}

// Trigger starts a new run, rejecting the request while an active run
// of the same agent type is still live for the ticket.
func (m *Manager) Trigger(ctx context.Context, agentType model.AgentType, ticket model.Ticket) (*Controller, error) {
	key := managerKey(agentType, ticket.PK)
	m.mu.Lock()
	if existing, ok := m.controllers[key]; ok {
		if !existing.Terminal() && !existing.Stale(time.Now().UTC()) {
			m.mu.Unlock()
			return nil, fmt.Errorf("a %s run is already in flight for %s", agentType, ticket.DisplayID)
		}
	}
	controller := m.build(agentType, ticket)
	m.controllers[key] = controller
	m.mu.Unlock()

	controller.Start(ctx)
	return controller, nil
}

// Resume rebuilds a controller around a run id recovered from the
// local cache and polls it without relaunching.
func (m *Manager) Resume(ctx context.Context, agentType model.AgentType, ticket model.Ticket, runID string) *Controller {
	key := managerKey(agentType, ticket.PK)
	controller := m.build(agentType, ticket)
	m.mu.Lock()
	m.controllers[key] = controller
	m.mu.Unlock()

	controller.Resume(ctx, runID)
	return controller
}

// Controller returns the tracked controller for a pair, if any.
func (m *Manager) Controller(agentType model.AgentType, ticketPK string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	controller, ok := m.controllers[managerKey(agentType, ticketPK)]
	return controller, ok
}

// Snapshot returns every tracked run's view, ordered by control id for
// stable output.
func (m *Manager) Snapshot() []RunView {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, controller := range m.controllers {
		controllers = append(controllers, controller)
	}
	m.mu.Unlock()

	views := make([]RunView, 0, len(controllers))
	for _, controller := range controllers {
		views = append(views, controller.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ControlID < views[j].ControlID })
	return views
}
