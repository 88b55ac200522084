// Package runctl drives the lifecycle of one remote agent run: launch,
// fixed-interval status polling, stage translation, and the
// exactly-once completion side effects.
package runctl

import (
	"strings"

	"agentboard/internal/model"
)

var phaseTransitions = map[model.RunPhase]map[model.RunPhase]bool{
	model.RunPhaseIdle: {
		model.RunPhasePreparing: true,
		// Resumed runs skip straight to polling a recovered run id.
		model.RunPhasePolling: true,
	},
	model.RunPhasePreparing: {
		model.RunPhaseFetchingPrereqs: true,
		model.RunPhaseFailed:          true,
	},
	model.RunPhaseFetchingPrereqs: {
		model.RunPhaseLaunching: true,
		model.RunPhaseFailed:    true,
	},
	model.RunPhaseLaunching: {
		model.RunPhasePolling: true,
		model.RunPhaseFailed:  true,
	},
	model.RunPhasePolling: {
		model.RunPhaseCompleted: true,
		model.RunPhaseFailed:    true,
	},
}

func CanTransition(from, to model.RunPhase) bool {
	if from == to {
		return true
	}
	return phaseTransitions[from][to]
}

// stageVocabulary maps the remote current_stage labels each agent type
// is known to report onto operator-visible descriptions. Stages outside
// the vocabulary are ignored, not errors.
var stageVocabulary = map[model.AgentType]map[string]string{
	model.AgentTypeImplementation: {
		"cloning":      "Cloning repository",
		"planning":     "Planning the change",
		"implementing": "Writing code",
		"testing":      "Running tests",
		"opening_pr":   "Opening pull request",
	},
	model.AgentTypeQA: {
		"cloning":   "Cloning repository",
		"reviewing": "Reviewing the change",
		"verifying": "Verifying acceptance criteria",
		"reporting": "Writing QA report",
	},
	model.AgentTypeProcessReview: {
		"collecting": "Collecting run history",
		"analyzing":  "Analyzing process",
		"reporting":  "Writing findings",
	},
	model.AgentTypePlanning: {
		"reading":  "Reading the codebase",
		"drafting": "Drafting the plan",
		"refining": "Refining the plan",
	},
}

// DescribeStage resolves a remote stage label against the agent type's
// vocabulary. ok is false for unrecognized labels.
func DescribeStage(agentType model.AgentType, stage string) (string, bool) {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if stage == "" {
		return "", false
	}
	desc, ok := stageVocabulary[agentType][stage]
	return desc, ok
}
