package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/fabric"
)

// Orchestration event types. The orchestrator is the sole producer; every
// state transition emits exactly one event on the events topic.
const (
	EventPipelineStarted   = "pipeline_started"
	EventStageCompleted    = "stage_completed"
	EventPipelineCompleted = "pipeline_completed"
	EventPipelineStalled   = "pipeline_stalled"
)

// Event is the envelope published to the orchestration events topic.
// Timestamp is epoch seconds so non-Go consumers need no format knowledge.
type Event struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	PipelineID string                 `json:"pipeline_id"`
	Stage      string                 `json:"stage"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  float64                `json:"timestamp"`
}

// NewEvent creates a timestamped event with a fresh id.
func NewEvent(eventType, pipelineID, stage string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		EventID:    "event_" + uuid.NewString(),
		EventType:  eventType,
		PipelineID: pipelineID,
		Stage:      stage,
		Data:       data,
		Timestamp:  float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

// AsMessage converts the event into the fabric's publish payload.
func (e Event) AsMessage() fabric.Message {
	return fabric.Message{
		"event_id":    e.EventID,
		"event_type":  e.EventType,
		"pipeline_id": e.PipelineID,
		"stage":       e.Stage,
		"data":        e.Data,
		"timestamp":   e.Timestamp,
	}
}
