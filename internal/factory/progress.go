// Package factory materializes market instances from templates through a
// staged, cancellable pipeline with a bounded worker pool.
package factory

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
)

// Stage identifies one phase of the creation pipeline.
type Stage string

const (
	StageInitializing     Stage = "Initializing"
	StageReadingTemplates Stage = "ReadingTemplates"
	StageCreatingObjects  Stage = "CreatingObjects"
	StageFinalizing       Stage = "Finalizing"
	StageComplete         Stage = "Complete"
	StageError            Stage = "Error"
	StageCancelled        Stage = "Cancelled"
)

// Percent returns the progress percentage entering the stage.
func (s Stage) Percent() int {
	switch s {
	case StageInitializing:
		return 0
	case StageReadingTemplates:
		return 10
	case StageCreatingObjects:
		return 40
	case StageFinalizing:
		return 90
	case StageComplete:
		return 100
	}
	return 0
}

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError || s == StageCancelled
}

// Progress is the client-visible state of one creation request.
type Progress struct {
	RequestID  string    `json:"requestId"`
	TemplateID string    `json:"templateId"`
	InstanceID string    `json:"instanceId,omitempty"`
	Stage      Stage     `json:"stage"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ProgressSink receives progress updates. The push bus wires one in to fan
// updates out to websocket subscribers.
type ProgressSink func(Progress)

// reportThrottle bounds sink emission to 10 updates/sec per request for a
// real-time feel without flooding. Stage changes and terminal states bypass
// the throttle.
const reportThrottle = 100 * time.Millisecond

type progressRecord struct {
	Progress
	lastEmit time.Time
}

// Tracker keeps progress records keyed by request id and sweeps terminal
// records past their TTL on a cron schedule.
type Tracker struct {
	ttl time.Duration
	log zerolog.Logger
	c   *cron.Cron

	mu      sync.RWMutex
	records map[string]*progressRecord
	sinks   []ProgressSink
}

// NewTracker creates a tracker and starts its hourly sweep.
func NewTracker(ttl time.Duration, log zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	t := &Tracker{
		ttl:     ttl,
		log:     log.With().Str("component", "factory.progress").Logger(),
		c:       cron.New(),
		records: make(map[string]*progressRecord),
	}
	_, _ = t.c.AddFunc("@hourly", t.sweep)
	t.c.Start()
	return t
}

// Close stops the sweep scheduler.
func (t *Tracker) Close() {
	t.c.Stop()
}

// AddSink registers a progress sink. Wire sinks before requests start.
func (t *Tracker) AddSink(sink ProgressSink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// Begin creates the record for a new request in Initializing.
func (t *Tracker) Begin(requestID, templateID string) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.records[requestID] = &progressRecord{Progress: Progress{
		RequestID:  requestID,
		TemplateID: templateID,
		Stage:      StageInitializing,
		Percent:    StageInitializing.Percent(),
		StartedAt:  now,
		UpdatedAt:  now,
	}}
	t.mu.Unlock()
	t.emit(requestID, true)
}

// Update moves a request to the given stage and percentage. Percent values
// below the stage's entry percentage are raised to it.
func (t *Tracker) Update(requestID string, stage Stage, percent int, message string) {
	t.mu.Lock()
	rec, ok := t.records[requestID]
	if !ok {
		t.mu.Unlock()
		return
	}
	stageChanged := rec.Stage != stage
	if percent < stage.Percent() {
		percent = stage.Percent()
	}
	rec.Stage = stage
	rec.Percent = percent
	rec.Message = message
	rec.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()

	t.emit(requestID, stageChanged)
}

// Complete marks the request done and records the created instance id.
func (t *Tracker) Complete(requestID, instanceID string) {
	t.mu.Lock()
	if rec, ok := t.records[requestID]; ok {
		rec.Stage = StageComplete
		rec.Percent = StageComplete.Percent()
		rec.InstanceID = instanceID
		rec.Message = "instance ready"
		rec.UpdatedAt = time.Now().UTC()
	}
	t.mu.Unlock()
	t.emit(requestID, true)
}

// Fail marks the request failed (or cancelled, for Cancelled errors) and
// preserves the error text for clients.
func (t *Tracker) Fail(requestID string, err error) {
	stage := StageError
	if domain.IsCode(err, domain.CodeCancelled) {
		stage = StageCancelled
	}
	t.mu.Lock()
	if rec, ok := t.records[requestID]; ok {
		rec.Stage = stage
		rec.Error = err.Error()
		rec.UpdatedAt = time.Now().UTC()
	}
	t.mu.Unlock()
	t.emit(requestID, true)
}

// Get returns a copy of the request's progress.
func (t *Tracker) Get(requestID string) (Progress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[requestID]
	if !ok {
		return Progress{}, domain.NewError(domain.CodeProgressNotFound, "no progress for request %s", requestID)
	}
	return rec.Progress, nil
}

// emit pushes the record to all sinks, throttled unless forced.
func (t *Tracker) emit(requestID string, force bool) {
	t.mu.Lock()
	rec, ok := t.records[requestID]
	if !ok {
		t.mu.Unlock()
		return
	}
	now := time.Now()
	if !force && !rec.Stage.Terminal() && now.Sub(rec.lastEmit) < reportThrottle {
		t.mu.Unlock()
		return
	}
	rec.lastEmit = now
	snapshot := rec.Progress
	sinks := append([]ProgressSink(nil), t.sinks...)
	t.mu.Unlock()

	for _, sink := range sinks {
		sink(snapshot)
	}
}

// sweep drops terminal records whose last update is older than the TTL.
func (t *Tracker) sweep() {
	cutoff := time.Now().UTC().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		if rec.Stage.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(t.records, id)
			t.log.Debug().Str("request", id).Msg("Swept expired progress record")
		}
	}
}
