package session

import (
	"context"

	"agentboard/internal/convlog"
	"agentboard/internal/model"
	"agentboard/internal/push"
	"agentboard/internal/reconcile"
	"agentboard/internal/runctl"
)

// Core is the narrow surface the local server and CLI consume.
type Core interface {
	Shutdown()

	RefreshBoard(ctx context.Context) error
	Tickets() []model.Ticket
	Banners() []model.Banner
	RelevantRun(ticketPK string) (model.AgentRun, bool)

	MoveTicket(ctx context.Context, ticketPK, columnID string, position int) error
	ReorderColumn(ctx context.Context, columnID string, orderedPKs []string) error

	SendMessage(ctx context.Context, key model.ConversationKey, content string) (model.Message, error)
	Conversation(key model.ConversationKey) []model.Message
	Conversations() []model.Conversation
	SelectConversation(ctx context.Context, key model.ConversationKey) error
	SelectedConversation() string

	StartRun(ctx context.Context, agentType model.AgentType, displayID string) (runctl.RunView, error)
	Runs() []runctl.RunView

	SubscribeEvents(entity model.BoardEntity) (<-chan model.BoardEvent, func())
	Health() HealthSnapshot
}

// HealthSnapshot aggregates worker state for the health endpoint.
type HealthSnapshot struct {
	Project       string                      `json:"project"`
	PushConnected bool                        `json:"push_connected"`
	Push          *push.ListenerSnapshot      `json:"push,omitempty"`
	Reconciler    reconcile.SchedulerSnapshot `json:"reconciler"`
	Flusher       convlog.StoreSnapshot       `json:"flusher"`
	PendingMoves  int                         `json:"pending_moves"`
}
