// Package relevance decides which of a ticket's runs the operator
// should see. A ticket accumulates runs over time (retries, an
// implementation run followed by a QA run); exactly one of them is
// surfaced at any moment, and that choice is computed here rather than
// stored anywhere.
package relevance

import (
	"strings"

	"agentboard/internal/model"
)

// Pick returns the more relevant of two runs. It is total and
// deterministic: absent inputs lose, a non-terminal run beats a
// terminal one, later created_at wins, later updated_at breaks the
// tie, and a full tie keeps the left operand so repeated folds do not
// churn.
func Pick(a, b *model.AgentRun) *model.AgentRun {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	aTerminal := model.IsTerminalStatus(a.Status)
	bTerminal := model.IsTerminalStatus(b.Status)
	if aTerminal != bTerminal {
		if aTerminal {
			return b
		}
		return a
	}
	aCreated := a.CreatedTime()
	bCreated := b.CreatedTime()
	if !aCreated.Equal(bCreated) {
		if bCreated.After(aCreated) {
			return b
		}
		return a
	}
	aUpdated := a.UpdatedTime()
	bUpdated := b.UpdatedTime()
	if bUpdated.After(aUpdated) {
		return b
	}
	return a
}

// RunsByTicket folds Pick over runs grouped by ticket, producing at
// most one surfaced run per ticket. Runs without a ticket back-
// reference are skipped.
func RunsByTicket(runs []model.AgentRun) map[string]model.AgentRun {
	out := make(map[string]model.AgentRun, len(runs))
	for i := range runs {
		run := runs[i]
		ticketPK := strings.TrimSpace(run.TicketPK)
		if ticketPK == "" {
			continue
		}
		if existing, ok := out[ticketPK]; ok {
			out[ticketPK] = *Pick(&existing, &run)
			continue
		}
		out[ticketPK] = run
	}
	return out
}
