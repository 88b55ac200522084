package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"agentboard/internal/model"
	"agentboard/internal/policy"
	"agentboard/internal/server"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	PolicyPath      string `glazed.parameter:"policy"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the local board server"),
			cmds.WithLong("Start the agentboard API server, push listener, and reconciliation loops."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":3040"),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .agentboard/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	runCtx, cancel := signalContext()
	defer cancel()

	core, err := openSession(runCtx, settings.PolicyPath)
	if err != nil {
		return err
	}
	runtime := server.NewRuntime(core, server.Options{
		Addr:            settings.Addr,
		ShutdownTimeout: shutdownTimeout,
	})
	fmt.Printf("agentboard listening on %s\n", settings.Addr)
	return runtime.Run(runCtx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type boardGlazedCommand struct {
	*cmds.CommandDescription
}

type boardSettings struct {
	PolicyPath string `glazed.parameter:"policy"`
	JSON       bool   `glazed.parameter:"json"`
}

func newBoardGlazedCommand() (*boardGlazedCommand, error) {
	return &boardGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"board",
			cmds.WithShort("Print the current board snapshot"),
			cmds.WithLong("Fetch the board once and print tickets grouped by column, with relevant runs."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .agentboard/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"json",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Print the snapshot as JSON"),
					parameters.WithDefault(false),
				),
			),
		),
	}, nil
}

func (c *boardGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &boardSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	core, err := openSession(ctx, settings.PolicyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	tickets := core.Tickets()
	if settings.JSON {
		return json.NewEncoder(os.Stdout).Encode(tickets)
	}

	byColumn := map[string][]model.Ticket{}
	for _, ticket := range tickets {
		byColumn[ticket.ColumnID] = append(byColumn[ticket.ColumnID], ticket)
	}
	columns := make([]string, 0, len(byColumn))
	for column := range byColumn {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		fmt.Printf("%s\n", column)
		items := byColumn[column]
		sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
		for _, ticket := range items {
			line := fmt.Sprintf("  %-10s #%d", ticket.DisplayID, ticket.TicketNumber)
			if run, ok := core.RelevantRun(ticket.PK); ok {
				line += fmt.Sprintf("  [%s %s]", run.AgentType, run.Status)
			}
			fmt.Println(line)
		}
	}
	for _, banner := range core.Banners() {
		fmt.Printf("! %s\n", banner.Message)
	}
	return nil
}

var _ cmds.BareCommand = &boardGlazedCommand{}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default agentboard policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}
