package model

import (
	"fmt"
	"strings"
	"time"
)

type AgentType string

const (
	AgentTypeImplementation AgentType = "implementation"
	AgentTypeQA             AgentType = "qa"
	AgentTypeProcessReview  AgentType = "process-review"
	AgentTypePlanning       AgentType = "planning"
)

func ParseAgentType(raw string) (AgentType, error) {
	switch AgentType(strings.TrimSpace(strings.ToLower(raw))) {
	case AgentTypeImplementation:
		return AgentTypeImplementation, nil
	case AgentTypeQA:
		return AgentTypeQA, nil
	case AgentTypeProcessReview:
		return AgentTypeProcessReview, nil
	case AgentTypePlanning:
		return AgentTypePlanning, nil
	}
	return "", fmt.Errorf("unknown agent type %q", raw)
}

type RunPhase string

const (
	RunPhaseIdle            RunPhase = "idle"
	RunPhasePreparing       RunPhase = "preparing"
	RunPhaseFetchingPrereqs RunPhase = "fetching_prerequisites"
	RunPhaseLaunching       RunPhase = "launching"
	RunPhasePolling         RunPhase = "polling"
	RunPhaseCompleted       RunPhase = "completed"
	RunPhaseFailed          RunPhase = "failed"
)

func (p RunPhase) Terminal() bool {
	return p == RunPhaseCompleted || p == RunPhaseFailed
}

// Remote coarse statuses the control plane reports for a run. The remote
// vocabulary is free-form; anything outside the terminal set counts as
// still in flight.
const (
	RemoteStatusFinished  = "finished"
	RemoteStatusCompleted = "completed"
	RemoteStatusFailed    = "failed"
)

// IsTerminalStatus buckets a remote-reported run status. An empty or
// missing status is treated as terminal so that a run the control plane
// has forgotten about never counts as active.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", RemoteStatusFinished, RemoteStatusCompleted, RemoteStatusFailed:
		return true
	}
	return false
}

type Ticket struct {
	PK           string    `json:"pk"`
	TicketNumber int       `json:"ticket_number"`
	DisplayID    string    `json:"display_id"`
	ColumnID     string    `json:"column_id"`
	Position     int       `json:"position"`
	MovedAt      time.Time `json:"moved_at"`
	Body         string    `json:"body,omitempty"`
}

type AgentRun struct {
	RunID        string    `json:"run_id"`
	AgentType    AgentType `json:"agent_type"`
	TicketPK     string    `json:"ticket_pk,omitempty"`
	Status       string    `json:"status"`
	CurrentStage string    `json:"current_stage,omitempty"`
	CreatedAt    string    `json:"created_at"`
	UpdatedAt    string    `json:"updated_at"`
}

// CreatedTime parses the remote created_at. Unparseable values collapse
// to the zero time so ordering stays total.
func (r AgentRun) CreatedTime() time.Time {
	return parseRemoteTime(r.CreatedAt)
}

func (r AgentRun) UpdatedTime() time.Time {
	return parseRemoteTime(r.UpdatedAt)
}

func parseRemoteTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Message authors. Agent roles double as authors in their conversations.
const (
	AuthorUser   = "user"
	AuthorSystem = "system"
)

// Message is one entry in a conversation log. IDs are float64 because
// persisted turns carry strictly increasing integers while ephemeral
// system lines interleave on fractional offsets; IsPersistedID tells the
// two apart.
type Message struct {
	ID        float64   `json:"id" msgpack:"id"`
	Author    string    `json:"author" msgpack:"author"`
	Content   string    `json:"content" msgpack:"content"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

// IsPersistedID reports whether id is an integer sequence eligible for
// the remote log. Fractional ids belong to ephemeral messages.
func IsPersistedID(id float64) bool {
	return id == float64(int64(id))
}

type ConversationKey struct {
	Role     AgentType `json:"role" msgpack:"role"`
	Instance int       `json:"instance" msgpack:"instance"`
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s-%d", k.Role, k.Instance)
}

// ParseConversationKey inverts String: "qa-2" -> {qa, 2}.
func ParseConversationKey(raw string) (ConversationKey, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, "-")
	if idx <= 0 || idx == len(raw)-1 {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", raw)
	}
	role, err := ParseAgentType(raw[:idx])
	if err != nil {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q: %w", raw, err)
	}
	instance := 0
	if _, err := fmt.Sscanf(raw[idx+1:], "%d", &instance); err != nil || instance <= 0 {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", raw)
	}
	return ConversationKey{Role: role, Instance: instance}, nil
}

type Conversation struct {
	Key      ConversationKey `json:"key" msgpack:"key"`
	Messages []Message       `json:"messages" msgpack:"messages"`
}

// PendingMove is the ephemeral bookkeeping record for an in-flight
// ticket placement change. AttemptID arbitrates whether a delayed
// rollback or a push confirmation still applies to this attempt;
// StartedAt anchors the rollback delay.
type PendingMove struct {
	AttemptID      string
	TicketPK       string
	StartedAt      time.Time
	TargetColumnID string
	TargetPosition int
	PrevColumnID   string
	PrevPosition   int
	PrevMovedAt    time.Time
}

type BoardEventKind string

const (
	BoardEventInsert BoardEventKind = "insert"
	BoardEventUpdate BoardEventKind = "update"
	BoardEventDelete BoardEventKind = "delete"
)

type BoardEntity string

const (
	BoardEntityTicket BoardEntity = "ticket"
	BoardEntityRun    BoardEntity = "run"
)

// BoardEvent is one push-channel notification. Each notification
// carries the full changed record.
type BoardEvent struct {
	Sequence   int64          `json:"sequence"`
	Kind       BoardEventKind `json:"kind"`
	Entity     BoardEntity    `json:"entity"`
	Ticket     *Ticket        `json:"ticket,omitempty"`
	Run        *AgentRun      `json:"run,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

type ProgressEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Banner is a transient operator-facing error notice.
type Banner struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (b Banner) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}
