package pipeline

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/fabric"
)

// Stage messages carry no explicit pipeline binding, so both the stage and
// the pipeline id are inferred from message shape. Each inference is an
// ordered list of pure classifiers tried in priority order; the first match
// wins. Keeping them as standalone functions (rather than inline probing in
// the consume loop) keeps the heuristics unit-testable one rule at a time.

type stageClassifier func(msg fabric.Message) (string, bool)

var stageClassifiers = []stageClassifier{
	stageFromResultShape,
	stageFromAgentHint,
	stageFromIDField,
}

// ClassifyStage infers the pipeline stage a message was produced by.
// Returns StageUnknown when no classifier matches.
func ClassifyStage(msg fabric.Message) string {
	for _, classify := range stageClassifiers {
		if stage, ok := classify(msg); ok {
			return stage
		}
	}
	return StageUnknown
}

// stageFromResultShape matches test-run output first: result-shaped fields
// mark the deployment stage regardless of any other hint.
func stageFromResultShape(msg fabric.Message) (string, bool) {
	for _, field := range []string{"test_results", "coverage_report", "quality_metrics", "overall_status"} {
		if _, ok := msg[field]; ok {
			return StageDeployment, true
		}
	}
	return "", false
}

// stageFromAgentHint matches the producing agent's name in metadata.
func stageFromAgentHint(msg fabric.Message) (string, bool) {
	meta, ok := msg["metadata"].(map[string]interface{})
	if !ok {
		return "", false
	}
	agent, ok := meta["agent"].(string)
	if !ok {
		return "", false
	}

	switch {
	case strings.Contains(agent, "test-agent"):
		return StageDeployment, true
	case strings.Contains(agent, "planning"):
		return StagePlanning, true
	case strings.Contains(agent, "blueprint"):
		return StageBlueprint, true
	case strings.Contains(agent, "code"):
		return StageCoding, true
	case strings.Contains(agent, "analysis"):
		return StageAnalysis, true
	}
	return "", false
}

// stageFromIDField matches the distinguishing field unique to each stage's
// output shape.
func stageFromIDField(msg fabric.Message) (string, bool) {
	switch {
	case hasField(msg, "plan_id"):
		return StagePlanning, true
	case hasField(msg, "blueprint_id"):
		return StageBlueprint, true
	case hasField(msg, "code_id"):
		return StageCoding, true
	case hasField(msg, "test_id"):
		return StageTesting, true
	case hasField(msg, "tasks"):
		return StageAnalysis, true
	}
	return "", false
}

// directIDFields are checked on the message body, in order.
var directIDFields = []string{"pipeline_id", "request_id", "plan_id", "blueprint_id", "code_id", "test_id"}

// metadataIDFields are checked under metadata, in order.
var metadataIDFields = []string{"pipeline_id", "request_id", "parent_id"}

// ExtractPipelineID infers the pipeline a message belongs to. Unidentifiable
// messages fall back to a deterministic hash of the body, so redelivery of
// the same message maps to the same synthetic pipeline instead of creating
// duplicates. Structurally different messages from one logical pipeline can
// still fragment into separate synthetic ids; that gap is accepted.
func ExtractPipelineID(msg fabric.Message) string {
	for _, field := range directIDFields {
		if v, ok := msg[field]; ok {
			return stringify(v)
		}
	}

	if meta, ok := msg["metadata"].(map[string]interface{}); ok {
		for _, field := range metadataIDFields {
			if v, ok := meta[field]; ok {
				return stringify(v)
			}
		}
	}

	return syntheticPipelineID(msg)
}

// syntheticPipelineID hashes the canonically-marshaled body. encoding/json
// sorts map keys, so equal bodies always hash equal.
func syntheticPipelineID(msg fabric.Message) string {
	data, err := json.Marshal(msg)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", msg))
	}
	h := fnv.New64a()
	h.Write(data)
	return fmt.Sprintf("pipeline_%d", h.Sum64()%100000)
}

func hasField(msg fabric.Message, field string) bool {
	_, ok := msg[field]
	return ok
}

// stringify renders an id value the way it appears on the wire. JSON numbers
// decode as float64; integral ones are printed without an exponent.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
