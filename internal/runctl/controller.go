package runctl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"agentboard/internal/controlplane"
	"agentboard/internal/model"
)

// ControlPlane is the remote surface a controller drives.
type ControlPlane interface {
	Launch(ctx context.Context, req controlplane.LaunchRequest) (controlplane.LaunchResponse, error)
	Status(ctx context.Context, runID string) (controlplane.RunStatusResponse, error)
	SyncArtifacts(ctx context.Context, ticketPK string) error
}

// TicketBoard exposes the ticket lookups the completion routine needs.
type TicketBoard interface {
	TicketByDisplayID(displayID string) (model.Ticket, bool)
	ColumnTickets(columnID string) []model.Ticket
}

// Mover performs the reconciled ticket move on completion.
type Mover interface {
	Move(ctx context.Context, ticketPK, columnID string, position int) error
}

// Transcript mirrors progress into the conversation log as ephemeral
// system messages.
type Transcript interface {
	AppendEphemeral(key model.ConversationKey, content string) (model.Message, error)
}

// RunIDStore persists in-flight run ids so a reloaded session resumes
// polling instead of relaunching.
type RunIDStore interface {
	SaveRunID(ctx context.Context, agentType model.AgentType, ticketPK, runID string) error
	ClearRunID(ctx context.Context, agentType model.AgentType, ticketPK string) error
}

type Options struct {
	AgentType      model.AgentType
	Ticket         model.Ticket
	Client         ControlPlane
	Board          TicketBoard
	Mover          Mover
	Transcript     Transcript
	RunIDs         RunIDStore
	Conversation   model.ConversationKey
	RepoIdentifier string
	BaseBranch     string
	// InProgressColumn and ReadyForQAColumn drive the implementation
	// completion move.
	InProgressColumn string
	ReadyForQAColumn string
	PollInterval     time.Duration
	Staleness        time.Duration
	// Refresh refetches the board snapshot after completion. Optional.
	Refresh func(ctx context.Context)
	Logger  *log.Logger
}

func normalizeOptions(opts Options) Options {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 4 * time.Second
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return opts
}

// Controller owns one remote agent run from launch to terminal state.
// It never retries on its own; a failed run stays failed until the
// operator triggers a new one.
type Controller struct {
	opts      Options
	controlID string

	mu         sync.Mutex
	phase      model.RunPhase
	stage      string
	runID      string
	errText    string
	verdict    Verdict
	progress   []model.ProgressEntry
	lastUpdate time.Time

	completion sync.Once
	done       chan struct{}
}

func New(opts Options) *Controller {
	return &Controller{
		opts:       normalizeOptions(opts),
		controlID:  shortuuid.New(),
		phase:      model.RunPhaseIdle,
		verdict:    VerdictUnknown,
		lastUpdate: time.Now().UTC(),
		done:       make(chan struct{}),
	}
}

// Start launches a fresh remote run and polls it to a terminal state.
func (c *Controller) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Resume picks up polling for a run id recovered from the local cache.
func (c *Controller) Resume(ctx context.Context, runID string) {
	c.mu.Lock()
	c.runID = runID
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		c.transition(model.RunPhasePolling, fmt.Sprintf("Resumed polling run %s", runID))
		c.poll(ctx)
	}()
}

// Done closes when the controller reaches a terminal state or its
// context is torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) run(ctx context.Context) {
	c.transition(model.RunPhasePreparing, fmt.Sprintf("Preparing %s run for %s", c.opts.AgentType, c.opts.Ticket.DisplayID))
	c.transition(model.RunPhaseFetchingPrereqs, "Fetching prerequisites")
	c.transition(model.RunPhaseLaunching, "Launching remote agent")

	resp, err := c.opts.Client.Launch(ctx, controlplane.LaunchRequest{
		AgentType:      c.opts.AgentType,
		RepoIdentifier: c.opts.RepoIdentifier,
		TicketNumber:   c.opts.Ticket.TicketNumber,
		BaseBranch:     c.opts.BaseBranch,
	})
	if err != nil {
		if canceled(ctx, err) {
			return
		}
		c.fail(ctx, "launch failed: "+controlplane.TruncateForDisplay(err.Error()))
		return
	}
	if resp.Error != "" {
		c.fail(ctx, "launch rejected: "+controlplane.TruncateForDisplay(resp.Error))
		return
	}
	if strings.TrimSpace(resp.RunID) == "" {
		c.fail(ctx, "launch rejected: control plane returned no run id")
		return
	}

	c.mu.Lock()
	c.runID = resp.RunID
	c.mu.Unlock()
	if c.opts.RunIDs != nil {
		if err := c.opts.RunIDs.SaveRunID(ctx, c.opts.AgentType, c.opts.Ticket.PK, resp.RunID); err != nil {
			c.opts.Logger.Printf("runctl: persist run id: %v", err)
		}
	}

	c.transition(model.RunPhasePolling, fmt.Sprintf("Agent started, run %s", resp.RunID))
	c.poll(ctx)
}

func (c *Controller) poll(ctx context.Context) {
	for {
		resp, err := c.opts.Client.Status(ctx, c.RunID())
		if err != nil {
			// Teardown is not a run failure: stop polling and leave the
			// persisted run id in place so a reload resumes this run.
			if canceled(ctx, err) {
				return
			}
			var perr *controlplane.ProtocolError
			if errors.As(err, &perr) {
				c.fail(ctx, "invalid response from control plane: "+controlplane.TruncateForDisplay(err.Error()))
				return
			}
			c.fail(ctx, "status poll failed: "+controlplane.TruncateForDisplay(err.Error()))
			return
		}

		switch strings.ToLower(strings.TrimSpace(resp.Status)) {
		case "failed":
			reason := resp.Error
			if strings.TrimSpace(reason) == "" {
				reason = "agent reported failure"
			}
			c.fail(ctx, controlplane.TruncateForDisplay(reason))
			return
		case "finished", "completed":
			c.complete(ctx, resp)
			return
		}

		if desc, ok := DescribeStage(c.opts.AgentType, resp.CurrentStage); ok {
			c.adoptStage(resp.CurrentStage, desc)
		}
		c.touch()

		// Resubmit after each response rather than on a fixed-rate
		// timer, so slow responses throttle the loop naturally.
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// complete runs the terminal-success routine exactly once.
func (c *Controller) complete(ctx context.Context, resp controlplane.RunStatusResponse) {
	c.completion.Do(func() {
		c.transition(model.RunPhaseCompleted, "Run completed")
		if c.opts.RunIDs != nil {
			if err := c.opts.RunIDs.ClearRunID(ctx, c.opts.AgentType, c.opts.Ticket.PK); err != nil {
				c.opts.Logger.Printf("runctl: clear run id: %v", err)
			}
		}

		switch c.opts.AgentType {
		case model.AgentTypeImplementation:
			c.completeImplementation(ctx)
		case model.AgentTypeQA:
			verdict := ClassifyVerdict(resp.Verdict, resp.Summary)
			c.mu.Lock()
			c.verdict = verdict
			c.mu.Unlock()
			c.appendProgress(fmt.Sprintf("QA verdict: %s", verdict))
		}

		if c.opts.Refresh != nil {
			c.opts.Refresh(ctx)
		}
	})
}

func (c *Controller) completeImplementation(ctx context.Context) {
	ticket, ok := c.opts.Board.TicketByDisplayID(c.opts.Ticket.DisplayID)
	if !ok {
		c.opts.Logger.Printf("runctl: completion: ticket %s not found", c.opts.Ticket.DisplayID)
		return
	}
	if ticket.ColumnID == c.opts.InProgressColumn {
		position := len(c.opts.Board.ColumnTickets(c.opts.ReadyForQAColumn))
		if err := c.opts.Mover.Move(ctx, ticket.PK, c.opts.ReadyForQAColumn, position); err != nil {
			c.opts.Logger.Printf("runctl: completion move: %v", err)
		} else {
			c.appendProgress(fmt.Sprintf("Moved %s to ready for QA", ticket.DisplayID))
		}
	}
	// Artifact resync is fire-and-forget; a failure is diagnostic only.
	go func() {
		if err := c.opts.Client.SyncArtifacts(context.Background(), ticket.PK); err != nil {
			c.opts.Logger.Printf("runctl: artifact resync: %v", err)
		}
	}()
}

func canceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (c *Controller) fail(ctx context.Context, reason string) {
	c.mu.Lock()
	c.errText = reason
	c.mu.Unlock()
	c.transition(model.RunPhaseFailed, reason)
	if c.opts.RunIDs != nil {
		if err := c.opts.RunIDs.ClearRunID(ctx, c.opts.AgentType, c.opts.Ticket.PK); err != nil {
			c.opts.Logger.Printf("runctl: clear run id: %v", err)
		}
	}
}

func (c *Controller) transition(to model.RunPhase, message string) {
	c.mu.Lock()
	if !CanTransition(c.phase, to) {
		c.mu.Unlock()
		c.opts.Logger.Printf("runctl: refused transition %s -> %s", c.phase, to)
		return
	}
	c.phase = to
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()
	c.appendProgress(message)
}

func (c *Controller) adoptStage(stage, description string) {
	c.mu.Lock()
	if c.stage == stage {
		c.mu.Unlock()
		return
	}
	c.stage = stage
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()
	c.appendProgress(description)
}

func (c *Controller) appendProgress(message string) {
	entry := model.ProgressEntry{At: time.Now().UTC(), Message: message}
	c.mu.Lock()
	c.progress = append(c.progress, entry)
	c.mu.Unlock()
	if c.opts.Transcript != nil {
		if _, err := c.opts.Transcript.AppendEphemeral(c.opts.Conversation, message); err != nil {
			c.opts.Logger.Printf("runctl: mirror progress: %v", err)
		}
	}
}

func (c *Controller) touch() {
	c.mu.Lock()
	c.lastUpdate = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Controller) Phase() model.RunPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

func (c *Controller) Verdict() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict
}

func (c *Controller) Terminal() bool {
	return c.Phase().Terminal()
}

// Stale reports whether a non-terminal run has gone quiet for longer
// than the staleness window. Stale runs stop blocking new triggers for
// the same ticket and agent type.
func (c *Controller) Stale(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.Terminal() {
		return false
	}
	return now.Sub(c.lastUpdate) > c.opts.Staleness
}

// RunView is the controller's state for health and UI surfaces.
type RunView struct {
	ControlID string                `json:"control_id"`
	AgentType model.AgentType       `json:"agent_type"`
	TicketPK  string                `json:"ticket_pk"`
	RunID     string                `json:"run_id,omitempty"`
	Phase     model.RunPhase        `json:"phase"`
	Stage     string                `json:"stage,omitempty"`
	Error     string                `json:"error,omitempty"`
	Verdict   Verdict               `json:"verdict,omitempty"`
	Progress  []model.ProgressEntry `json:"progress"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (c *Controller) Snapshot() RunView {
	c.mu.Lock()
	defer c.mu.Unlock()
	progress := make([]model.ProgressEntry, len(c.progress))
	copy(progress, c.progress)
	return RunView{
		ControlID: c.controlID,
		AgentType: c.opts.AgentType,
		TicketPK:  c.opts.Ticket.PK,
		RunID:     c.runID,
		Phase:     c.phase,
		Stage:     c.stage,
		Error:     c.errText,
		Verdict:   c.verdict,
		Progress:  progress,
		UpdatedAt: c.lastUpdate,
	}
}
