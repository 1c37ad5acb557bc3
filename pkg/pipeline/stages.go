// Package pipeline tracks every end-to-end run flowing through the worker
// stages. It consumes the stage topics through the fabric, infers which
// pipeline and stage each message belongs to, keeps a bounded in-memory
// state machine per pipeline, detects stalls, and fans live updates out to
// the events topic and the dashboard.
package pipeline

// Canonical stage names, in pipeline order.
const (
	StageAnalysis   = "analysis"
	StagePlanning   = "planning"
	StageBlueprint  = "blueprint"
	StageCoding     = "coding"
	StageTesting    = "testing"
	StageDeployment = "deployment"

	// StageUnknown marks messages no classifier matched. They are tracked,
	// not dropped, but never count toward completion.
	StageUnknown = "unknown"
)

// Stage topics on the fabric.
const (
	TopicAnalysis   = "tasks.analysis"
	TopicPlanning   = "tasks.planning"
	TopicBlueprint  = "tasks.blueprint"
	TopicCoding     = "tasks.coding"
	TopicTesting    = "tasks.testing"
	TopicDeployment = "tasks.deployment"
)

var stageOrder = []string{
	StageAnalysis,
	StagePlanning,
	StageBlueprint,
	StageCoding,
	StageTesting,
	StageDeployment,
}

// Stages returns the canonical stage order.
func Stages() []string {
	out := make([]string, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// StageTopic maps a canonical stage to its fabric topic.
func StageTopic(stage string) (string, bool) {
	topics := map[string]string{
		StageAnalysis:   TopicAnalysis,
		StagePlanning:   TopicPlanning,
		StageBlueprint:  TopicBlueprint,
		StageCoding:     TopicCoding,
		StageTesting:    TopicTesting,
		StageDeployment: TopicDeployment,
	}
	t, ok := topics[stage]
	return t, ok
}

func isCanonicalStage(stage string) bool {
	for _, s := range stageOrder {
		if s == stage {
			return true
		}
	}
	return false
}
