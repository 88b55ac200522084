package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentboard/internal/model"
	"agentboard/internal/policy"
	"agentboard/internal/session"
)

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`agentboard - keep a ticket board and remote agent runs in sync

Usage:
  agentboard serve        Run the local board server
  agentboard board        Print the current board snapshot
  agentboard move         Move a ticket to another column
  agentboard run          Trigger a remote agent run and follow it
  agentboard watch        Stream board change events
  agentboard policy-init  Write a default policy file
  agentboard help         Show this help`)
}

func loadPolicy(path string) (policy.Config, error) {
	cfg, usedPath, err := policy.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load policy %s: %w", usedPath, err)
	}
	return cfg, nil
}

func openSession(ctx context.Context, policyPath string) (*session.Session, error) {
	cfg, err := loadPolicy(policyPath)
	if err != nil {
		return nil, err
	}
	return session.New(ctx, session.Options{Policy: cfg})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func moveCommand(args []string) error {
	fs := flag.NewFlagSet("move", flag.ContinueOnError)
	var policyPath string
	var displayID string
	var column string
	var position int
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .agentboard/policy.json)")
	fs.StringVar(&displayID, "ticket", "", "Ticket display id (e.g. AB-12)")
	fs.StringVar(&column, "column", "", "Target column id")
	fs.IntVar(&position, "position", 0, "Target position within the column")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(displayID) == "" || strings.TrimSpace(column) == "" {
		return fmt.Errorf("-ticket and -column are required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	core, err := openSession(ctx, policyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	ticket, ok := ticketByDisplayID(core, displayID)
	if !ok {
		return fmt.Errorf("unknown ticket %q", displayID)
	}
	if err := core.MoveTicket(ctx, ticket.PK, column, position); err != nil {
		return err
	}
	fmt.Printf("moved %s to %s/%d\n", displayID, column, position)
	return nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var policyPath string
	var agent string
	var displayID string
	var follow bool
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .agentboard/policy.json)")
	fs.StringVar(&agent, "agent", "", "Agent type: implementation|qa|process-review|planning")
	fs.StringVar(&displayID, "ticket", "", "Ticket display id (e.g. AB-12)")
	fs.BoolVar(&follow, "follow", true, "Follow run progress until it reaches a terminal state")
	if err := fs.Parse(args); err != nil {
		return err
	}

	agentType, err := model.ParseAgentType(agent)
	if err != nil {
		return err
	}
	if strings.TrimSpace(displayID) == "" {
		return fmt.Errorf("-ticket is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	core, err := openSession(ctx, policyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	view, err := core.StartRun(ctx, agentType, displayID)
	if err != nil {
		return err
	}
	fmt.Printf("triggered %s run for %s\n", agentType, displayID)
	if !follow {
		return nil
	}

	printed := 0
	for {
		for _, current := range core.Runs() {
			if current.ControlID != view.ControlID {
				continue
			}
			for ; printed < len(current.Progress); printed++ {
				entry := current.Progress[printed]
				fmt.Printf("%s  %s\n", entry.At.Format(time.RFC3339), entry.Message)
			}
			if current.Phase.Terminal() {
				if current.Error != "" {
					return fmt.Errorf("run failed: %s", current.Error)
				}
				if current.Verdict != "" && current.Verdict != "unknown" {
					fmt.Printf("verdict: %s\n", current.Verdict)
				}
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var policyPath string
	var entity string
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .agentboard/policy.json)")
	fs.StringVar(&entity, "entity", "", "Filter events: ticket|run (default both)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	entity = strings.TrimSpace(entity)
	switch model.BoardEntity(entity) {
	case "", model.BoardEntityTicket, model.BoardEntityRun:
	default:
		return fmt.Errorf("unknown entity %q", entity)
	}

	ctx, cancel := signalContext()
	defer cancel()

	core, err := openSession(ctx, policyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	events, stop := core.SubscribeEvents(model.BoardEntity(entity))
	defer stop()

	fmt.Println("watching board events (ctrl-c to stop)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, open := <-events:
			if !open {
				return nil
			}
			describeEvent(event)
		}
	}
}

func describeEvent(event model.BoardEvent) {
	switch {
	case event.Ticket != nil:
		fmt.Printf("%d %s ticket %s -> %s/%d\n",
			event.Sequence, event.Kind, event.Ticket.DisplayID, event.Ticket.ColumnID, event.Ticket.Position)
	case event.Run != nil:
		fmt.Printf("%d %s run %s (%s) status=%s\n",
			event.Sequence, event.Kind, event.Run.RunID, event.Run.AgentType, event.Run.Status)
	default:
		fmt.Printf("%d %s %s\n", event.Sequence, event.Kind, event.Entity)
	}
}

func ticketByDisplayID(core session.Core, displayID string) (model.Ticket, bool) {
	displayID = strings.TrimSpace(displayID)
	for _, ticket := range core.Tickets() {
		if strings.EqualFold(ticket.DisplayID, displayID) {
			return ticket, true
		}
	}
	return model.Ticket{}, false
}
