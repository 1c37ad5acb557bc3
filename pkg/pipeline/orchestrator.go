package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/fabric"
	"github.com/loomhq/loom/pkg/logger"
)

// Pipeline statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStalled   = "stalled"
	StatusFailed    = "failed"
)

// Pipeline is one tracked end-to-end run. StagesCompleted holds canonical
// stages in completion order with no duplicates; StagesPending is its
// complement in canonical order. TotalDurationSeconds is set exactly once,
// at the transition into completed.
type Pipeline struct {
	PipelineID           string    `json:"pipeline_id"`
	CurrentStage         string    `json:"current_stage"`
	StagesCompleted      []string  `json:"stages_completed"`
	StagesPending        []string  `json:"stages_pending"`
	StartTime            time.Time `json:"start_time"`
	LastUpdateTime       time.Time `json:"last_update_time"`
	Status               string    `json:"status"`
	TotalDurationSeconds float64   `json:"total_duration,omitempty"`
	ErrorMessage         string    `json:"error_message,omitempty"`

	// stallNotified makes pipeline_stalled fire once per stall episode.
	stallNotified bool
}

func (p *Pipeline) clone() Pipeline {
	cp := *p
	cp.StagesCompleted = append([]string(nil), p.StagesCompleted...)
	cp.StagesPending = append([]string(nil), p.StagesPending...)
	return cp
}

// Broadcaster receives live updates for connected dashboard clients. It is
// a local fan-out, not a fabric topic; the API layer's websocket hub
// implements it.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// Options configures the orchestrator's sweeps and retention.
type Options struct {
	EventsTopic     string
	StallThreshold  time.Duration
	MonitorInterval time.Duration
	CleanupInterval time.Duration
	RetentionWindow time.Duration
	HistoryCapacity int
}

// DefaultOptions matches the service defaults: 60s stall sweep, 600s stall
// threshold, 1800s cleanup sweep, 3600s retention, 1000-entry history.
func DefaultOptions() Options {
	return Options{
		EventsTopic:     "orchestration.events",
		StallThreshold:  10 * time.Minute,
		MonitorInterval: time.Minute,
		CleanupInterval: 30 * time.Minute,
		RetentionWindow: time.Hour,
		HistoryCapacity: 1000,
	}
}

// Orchestrator owns all pipeline and history state. One mutex serializes
// the consume handlers and both sweep goroutines; state never escapes for
// outside mutation — accessors return copies.
type Orchestrator struct {
	client fabric.Client
	opts   Options

	mu          sync.Mutex
	pipelines   map[string]*Pipeline
	history     *historyRing
	broadcaster Broadcaster

	// counters, guarded by mu
	messagesProcessed  int64
	stagesCompleted    int64
	pipelinesCompleted int64
	pipelinesStalled   int64
	publishErrors      int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewOrchestrator creates an orchestrator publishing events through client.
func NewOrchestrator(client fabric.Client, opts Options) *Orchestrator {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = DefaultOptions().HistoryCapacity
	}
	return &Orchestrator{
		client:    client,
		opts:      opts,
		pipelines: make(map[string]*Pipeline),
		history:   newHistoryRing(opts.HistoryCapacity),
	}
}

// SetBroadcaster attaches the dashboard fan-out. Optional; without it
// updates only reach the events topic.
func (o *Orchestrator) SetBroadcaster(b Broadcaster) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcaster = b
}

// Start launches the stall-monitor and cleanup sweeps.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.wg.Add(2)
	go o.monitorLoop()
	go o.cleanupLoop()

	logger.InfoCF("orch", "Orchestrator started", map[string]interface{}{
		"stall_threshold":  o.opts.StallThreshold.String(),
		"monitor_interval": o.opts.MonitorInterval.String(),
		"cleanup_interval": o.opts.CleanupInterval.String(),
		"history_capacity": o.opts.HistoryCapacity,
	})
}

// Stop cancels the sweeps and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	logger.InfoC("orch", "Orchestrator stopped")
}

// IsRunning reports whether Start has been called and Stop has not.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// ProcessMessage is the fabric handler for every subscribed stage topic.
// It classifies the message, records it, advances the owning pipeline's
// state machine, publishes one orchestration event per transition, and
// pushes the update to the dashboard. It never returns an error for
// classification ambiguity — unknown stages degrade into tracked pipelines.
func (o *Orchestrator) ProcessMessage(msg fabric.Message) error {
	now := time.Now().UTC()
	stage := ClassifyStage(msg)
	pipelineID := ExtractPipelineID(msg)

	entry := HistoryEntry{
		MessageID:  "msg_" + uuid.NewString(),
		Stage:      stage,
		PipelineID: pipelineID,
		Timestamp:  now,
		Data:       msg,
	}

	o.mu.Lock()
	o.messagesProcessed++
	o.history.append(entry)
	transitions := o.applyMessage(pipelineID, stage, msg, now)
	o.mu.Unlock()

	for _, ev := range transitions {
		o.publishEvent(ev)
		o.broadcast(ev.EventType, ev)
	}
	o.broadcast("pipeline_message", map[string]interface{}{
		"stage":       stage,
		"pipeline_id": pipelineID,
		"message":     entry,
	})

	logger.DebugCF("orch", "Processed message", map[string]interface{}{
		"stage":       stage,
		"pipeline_id": pipelineID,
	})
	return nil
}

// applyMessage advances one pipeline's state machine. Caller holds mu.
// Returned events are published outside the lock.
func (o *Orchestrator) applyMessage(pipelineID, stage string, msg fabric.Message, now time.Time) []Event {
	var events []Event

	p, ok := o.pipelines[pipelineID]
	if !ok {
		p = &Pipeline{
			PipelineID:    pipelineID,
			CurrentStage:  stage,
			StagesPending: Stages(),
			StartTime:     now,
			Status:        StatusRunning,
		}
		o.pipelines[pipelineID] = p
		events = append(events, NewEvent(EventPipelineStarted, pipelineID, stage, map[string]interface{}{
			"pipeline_id": pipelineID,
			"start_time":  now.Format(time.RFC3339Nano),
		}))
		logger.InfoCF("orch", "Pipeline started", map[string]interface{}{
			"pipeline_id": pipelineID,
			"stage":       stage,
		})
	}

	p.CurrentStage = stage
	p.LastUpdateTime = now

	// A message after a stall flips the pipeline back to running; the
	// sweep re-evaluates every pass.
	if p.Status == StatusStalled {
		p.Status = StatusRunning
		p.stallNotified = false
	}

	if failed, reason := failureShape(msg); failed {
		p.Status = StatusFailed
		p.ErrorMessage = reason
		logger.WarnCF("orch", "Pipeline reported failure", map[string]interface{}{
			"pipeline_id": pipelineID,
			"stage":       stage,
			"error":       reason,
		})
	}

	// Only canonical stages advance completion. Re-delivery of an already
	// recorded stage changes nothing (idempotent recording).
	if isCanonicalStage(stage) && !contains(p.StagesCompleted, stage) {
		p.StagesCompleted = append(p.StagesCompleted, stage)
		p.StagesPending = remove(p.StagesPending, stage)
		o.stagesCompleted++
		events = append(events, NewEvent(EventStageCompleted, pipelineID, stage, map[string]interface{}{
			"stage":           stage,
			"completion_time": now.Format(time.RFC3339Nano),
			"duration":        now.Sub(p.StartTime).Seconds(),
		}))
	}

	if p.Status != StatusCompleted && p.Status != StatusFailed && len(p.StagesCompleted) >= len(stageOrder) {
		p.Status = StatusCompleted
		p.TotalDurationSeconds = now.Sub(p.StartTime).Seconds()
		o.pipelinesCompleted++
		events = append(events, NewEvent(EventPipelineCompleted, pipelineID, stage, map[string]interface{}{
			"pipeline_id":      pipelineID,
			"total_duration":   p.TotalDurationSeconds,
			"stages_completed": append([]string(nil), p.StagesCompleted...),
		}))
		logger.InfoCF("orch", "Pipeline completed", map[string]interface{}{
			"pipeline_id":    pipelineID,
			"total_duration": p.TotalDurationSeconds,
		})
	}

	return events
}

// failureShape detects a worker reporting an error payload. The explicit
// failed status only ever comes from stage output, never from this core.
func failureShape(msg fabric.Message) (bool, string) {
	if s, ok := msg["status"].(string); ok && s == "failed" {
		if reason, ok := msg["error"].(string); ok {
			return true, reason
		}
		return true, ""
	}
	if reason, ok := msg["error"].(string); ok && reason != "" {
		return true, reason
	}
	return false, ""
}

// --- Background sweeps ---

func (o *Orchestrator) monitorLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.sweepStalled(time.Now().UTC())
		}
	}
}

// sweepStalled flags running pipelines idle past the stall threshold. The
// event fires once per stall episode.
func (o *Orchestrator) sweepStalled(now time.Time) {
	var events []Event

	o.mu.Lock()
	for id, p := range o.pipelines {
		if p.Status != StatusRunning {
			continue
		}
		idle := now.Sub(p.LastUpdateTime)
		if idle <= o.opts.StallThreshold {
			continue
		}
		p.Status = StatusStalled
		if !p.stallNotified {
			p.stallNotified = true
			o.pipelinesStalled++
			events = append(events, NewEvent(EventPipelineStalled, id, p.CurrentStage, map[string]interface{}{
				"pipeline_id":    id,
				"last_update":    p.LastUpdateTime.Format(time.RFC3339Nano),
				"stall_duration": idle.Seconds(),
				"current_stage":  p.CurrentStage,
			}))
		}
		logger.WarnCF("orch", "Pipeline stalled", map[string]interface{}{
			"pipeline_id": id,
			"idle":        idle.String(),
		})
	}
	o.mu.Unlock()

	for _, ev := range events {
		o.publishEvent(ev)
		o.broadcast(ev.EventType, ev)
	}
}

func (o *Orchestrator) cleanupLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.sweepCleanup(time.Now().UTC())
		}
	}
}

// sweepCleanup evicts terminal pipelines past the retention window,
// bounding memory over long uptimes.
func (o *Orchestrator) sweepCleanup(now time.Time) {
	cutoff := now.Add(-o.opts.RetentionWindow)

	o.mu.Lock()
	defer o.mu.Unlock()
	for id, p := range o.pipelines {
		if p.Status != StatusCompleted && p.Status != StatusFailed {
			continue
		}
		if p.LastUpdateTime.Before(cutoff) {
			delete(o.pipelines, id)
			logger.InfoCF("orch", "Cleaned up old pipeline", map[string]interface{}{
				"pipeline_id": id,
				"status":      p.Status,
			})
		}
	}
}

// --- Fan-out ---

func (o *Orchestrator) publishEvent(ev Event) {
	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := o.client.Publish(ctx, o.opts.EventsTopic, ev.AsMessage()); err != nil {
		o.mu.Lock()
		o.publishErrors++
		o.mu.Unlock()
		logger.ErrorCF("orch", "Failed to publish orchestration event", map[string]interface{}{
			"event_type":  ev.EventType,
			"pipeline_id": ev.PipelineID,
			"error":       err.Error(),
		})
		return
	}
	logger.InfoCF("orch", "Published orchestration event", map[string]interface{}{
		"event_type":  ev.EventType,
		"pipeline_id": ev.PipelineID,
	})
}

func (o *Orchestrator) broadcast(eventType string, data interface{}) {
	o.mu.Lock()
	b := o.broadcaster
	o.mu.Unlock()
	if b != nil {
		b.Broadcast(eventType, data)
	}
}

// --- Read-only accessors (copies only; state never escapes) ---

// Pipelines returns a snapshot of every tracked pipeline.
func (o *Orchestrator) Pipelines() []Pipeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Pipeline, 0, len(o.pipelines))
	for _, p := range o.pipelines {
		out = append(out, p.clone())
	}
	return out
}

// Pipeline returns a snapshot of one pipeline by id.
func (o *Orchestrator) Pipeline(id string) (Pipeline, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pipelines[id]
	if !ok {
		return Pipeline{}, false
	}
	return p.clone(), true
}

// RecentMessages returns up to n history entries, newest last.
func (o *Orchestrator) RecentMessages(n int) []HistoryEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.recent(n)
}

// ActivePipelines counts pipelines not yet evicted.
func (o *Orchestrator) ActivePipelines() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pipelines)
}

// Status returns a counters snapshot for the health/status surface.
func (o *Orchestrator) Status() map[string]interface{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	running, completed, stalled, failed := 0, 0, 0, 0
	for _, p := range o.pipelines {
		switch p.Status {
		case StatusRunning:
			running++
		case StatusCompleted:
			completed++
		case StatusStalled:
			stalled++
		case StatusFailed:
			failed++
		}
	}

	return map[string]interface{}{
		"is_running":          o.running,
		"active_pipelines":    len(o.pipelines),
		"pipelines_running":   running,
		"pipelines_completed": completed,
		"pipelines_stalled":   stalled,
		"pipelines_failed":    failed,
		"messages_processed":  o.messagesProcessed,
		"stages_completed":    o.stagesCompleted,
		"history_length":      o.history.len(),
		"publish_errors":      o.publishErrors,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
