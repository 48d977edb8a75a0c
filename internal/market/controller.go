// Package market implements the instance controller: the index of live
// market instances and the operations clients perform on them. Each instance
// owns its own lifecycle manager (scheduler goroutine), series manager, and
// entities; the controller routes requests to the right instance and guards
// ownership.
package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities"
	"github.com/quantsim/marketsim/internal/factory"
	"github.com/quantsim/marketsim/internal/push"
	"github.com/quantsim/marketsim/internal/series"
	"github.com/quantsim/marketsim/internal/sim/lifecycle"
	"github.com/quantsim/marketsim/internal/templates"
)

// Config holds per-instance tuning the controller applies when building.
type Config struct {
	FPS                int
	MaxErrorsPerObject int
	Retention          int
	TradeLogCap        int
	Log                zerolog.Logger
}

// Instance is one live market simulation with its private runtime.
type Instance struct {
	ID         string
	Name       string
	OwnerID    string
	TemplateID string
	RequestID  string
	CreatedAt  time.Time

	manager *lifecycle.Manager
	series  *series.Manager
	build   *factory.Result
	cancel  context.CancelFunc

	mu           sync.RWMutex
	status       domain.InstanceStatus
	lastActiveAt time.Time

	// msgpack-encoded snapshot cache, valid for one frame number
	exportMu    sync.Mutex
	exportFrame int64
	exportBlob  []byte
}

// Status returns the instance's client-visible status.
func (in *Instance) Status() domain.InstanceStatus {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.status
}

func (in *Instance) setStatus(s domain.InstanceStatus) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

// touch records client activity on the instance.
func (in *Instance) touch() {
	in.mu.Lock()
	in.lastActiveAt = time.Now().UTC()
	in.mu.Unlock()
}

// LastActiveAt returns the time of the most recent client query.
func (in *Instance) LastActiveAt() time.Time {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastActiveAt
}

// Manager exposes the instance's lifecycle manager for debug endpoints.
func (in *Instance) Manager() *lifecycle.Manager { return in.manager }

// buildResult returns the build output, nil while still building. The build
// goroutine publishes it under the instance lock.
func (in *Instance) buildResult() *factory.Result {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.build
}

// Exchange returns the instance's exchange, nil while still building.
func (in *Instance) Exchange() *entities.Exchange {
	build := in.buildResult()
	if build == nil {
		return nil
	}
	return build.Exchange
}

// Controller owns the instance index.
type Controller struct {
	cfg      Config
	store    templates.Store
	pipeline *factory.Pipeline
	progress *factory.Tracker
	bus      *push.Bus
	log      zerolog.Logger

	mu        sync.RWMutex
	instances map[string]*Instance
	requests  map[string]*Instance // request id -> instance
}

// NewController wires the controller and fans progress updates into the bus.
func NewController(store templates.Store, pipeline *factory.Pipeline, progress *factory.Tracker, bus *push.Bus, cfg Config) *Controller {
	c := &Controller{
		cfg:       cfg,
		store:     store,
		pipeline:  pipeline,
		progress:  progress,
		bus:       bus,
		log:       cfg.Log.With().Str("component", "market").Logger(),
		instances: make(map[string]*Instance),
		requests:  make(map[string]*Instance),
	}
	progress.AddSink(func(p factory.Progress) {
		// The tracker only learns the instance id at completion; fill it in
		// so subscribers can filter progress by instance from the start.
		if p.InstanceID == "" {
			c.mu.RLock()
			if inst, ok := c.requests[p.RequestID]; ok {
				p.InstanceID = inst.ID
			}
			c.mu.RUnlock()
		}
		bus.Publish(push.TopicProgress, p)
	})
	return c
}

// Create starts an asynchronous instance build and returns the request id
// for progress polling. The instance appears in list() immediately with
// status Creating.
func (c *Controller) Create(templateID, userID, name string) (string, error) {
	if templateID == "" {
		return "", domain.NewError(domain.CodeValidation, "templateId must not be empty")
	}

	mgr, err := lifecycle.NewManager(lifecycle.Config{
		FPS:                c.cfg.FPS,
		MaxErrorsPerObject: c.cfg.MaxErrorsPerObject,
		Log:                c.cfg.Log,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		ID:           uuid.New().String(),
		Name:         name,
		OwnerID:      userID,
		TemplateID:   templateID,
		RequestID:    uuid.New().String(),
		CreatedAt:    time.Now().UTC(),
		manager:      mgr,
		series:       series.NewManager(c.cfg.Retention, c.cfg.Log),
		cancel:       cancel,
		status:       domain.InstanceCreating,
		lastActiveAt: time.Now().UTC(),
	}
	c.wireSeriesSink(inst)

	c.mu.Lock()
	c.instances[inst.ID] = inst
	c.requests[inst.RequestID] = inst
	c.mu.Unlock()

	go c.build(ctx, inst)
	return inst.RequestID, nil
}

// build runs the factory pipeline and activates the instance.
func (c *Controller) build(ctx context.Context, inst *Instance) {
	result, err := c.pipeline.Run(ctx, factory.Request{
		RequestID:   inst.RequestID,
		TemplateID:  inst.TemplateID,
		InstanceID:  inst.ID,
		Manager:     inst.manager,
		Series:      inst.series,
		TradeLogCap: c.cfg.TradeLogCap,
	})
	if err != nil {
		inst.setStatus(domain.InstanceError)
		c.mu.Lock()
		delete(c.instances, inst.ID) // failed builds never become visible
		delete(c.requests, inst.RequestID)
		c.mu.Unlock()
		return
	}

	inst.mu.Lock()
	inst.build = result
	if inst.Name == "" {
		inst.Name = result.Template.Name
	}
	inst.mu.Unlock()
	result.Exchange.SetTradeSink(func(trade entities.Trade) {
		c.bus.Publish(push.TradesTopic(inst.ID), trade)
	})

	if result.Template.AutoStart {
		if err := inst.manager.Start(); err != nil {
			c.log.Error().Str("instance", inst.ID).Err(err).Msg("Auto-start failed")
			inst.setStatus(domain.InstanceError)
			c.progress.Fail(inst.RequestID, err)
			return
		}
		inst.setStatus(domain.InstanceActive)
	} else {
		inst.setStatus(domain.InstanceStopped)
	}
	c.progress.Complete(inst.RequestID, inst.ID)
}

// wireSeriesSink forwards candle deltas from the instance's series manager
// to the push bus, keyed by symbol and granularity.
func (c *Controller) wireSeriesSink(inst *Instance) {
	inst.series.AddSink(func(d series.Delta) {
		parts := strings.SplitN(d.Key, ":", 3)
		if len(parts) != 3 || parts[0] != "kline" {
			return
		}
		c.bus.Publish(push.KlineTopic(parts[1], parts[2], d.Granularity), KlineUpdate{
			Symbol:      parts[2],
			Granularity: d.Granularity,
			Bucket:      d.Bucket,
			Final:       d.Final,
		})
	})
}

// GetProgress returns the progress record of a creation request.
func (c *Controller) GetProgress(requestID string) (factory.Progress, error) {
	return c.progress.Get(requestID)
}

// Cancel aborts an in-flight creation request. The pipeline observes the
// cancellation at its next stage boundary, rolls the partial build back, and
// leaves a terminal Cancelled progress record. Cancelling a request whose
// instance already activated is rejected with IllegalState.
func (c *Controller) Cancel(requestID, userID string) error {
	c.mu.RLock()
	inst, ok := c.requests[requestID]
	c.mu.RUnlock()
	if !ok {
		return domain.NewError(domain.CodeProgressNotFound, "creation request %s not found", requestID)
	}
	if userID != "" && inst.OwnerID != "" && inst.OwnerID != userID {
		return domain.NewError(domain.CodeForbidden, "request %s belongs to another user", requestID)
	}
	if inst.Status() != domain.InstanceCreating {
		return domain.NewError(domain.CodeIllegalState, "request %s already finished building", requestID)
	}

	inst.cancel()
	c.log.Info().Str("request", requestID).Str("instance", inst.ID).Msg("Creation cancelled")
	return nil
}

// get resolves an instance, enforcing ownership when userID is non-empty.
func (c *Controller) get(instanceID, userID string) (*Instance, error) {
	c.mu.RLock()
	inst, ok := c.instances[instanceID]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.CodeInstanceNotFound, "instance %s not found", instanceID)
	}
	if userID != "" && inst.OwnerID != "" && inst.OwnerID != userID {
		return nil, domain.NewError(domain.CodeForbidden, "instance %s belongs to another user", instanceID)
	}
	return inst, nil
}

// ready resolves an instance that has finished building.
func (c *Controller) ready(instanceID, userID string) (*Instance, error) {
	inst, err := c.get(instanceID, userID)
	if err != nil {
		return nil, err
	}
	if inst.buildResult() == nil {
		return nil, domain.NewError(domain.CodeIllegalState, "instance %s is still being created", instanceID)
	}
	inst.touch()
	return inst, nil
}

// List returns previews of the user's instances, newest first.
func (c *Controller) List(userID string) []Preview {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Preview, 0, len(c.instances))
	for _, inst := range c.instances {
		if userID != "" && inst.OwnerID != "" && inst.OwnerID != userID {
			continue
		}
		out = append(out, c.preview(inst))
	}
	sortPreviews(out)
	return out
}

// GetDetails returns the full instance view including stock and trader
// snapshots.
func (c *Controller) GetDetails(instanceID, userID string) (*Details, error) {
	inst, err := c.ready(instanceID, userID)
	if err != nil {
		return nil, err
	}

	clk := inst.build.Exchange.Clock()
	details := &Details{
		Preview:       c.preview(inst),
		SimulatedTime: clk.Now(),
		Acceleration:  clk.Acceleration(),
		Overview:      inst.manager.Overview(),
		Stocks:        c.stockViews(inst),
		Traders:       c.traderViews(inst),
	}
	return details, nil
}

// Destroy tears an instance down. While its creation request is still
// non-terminal the destroy is rejected with InstanceBusy.
func (c *Controller) Destroy(instanceID, userID string) (time.Time, error) {
	inst, err := c.get(instanceID, userID)
	if err != nil {
		return time.Time{}, err
	}

	if inst.Status() == domain.InstanceCreating {
		return time.Time{}, domain.NewError(domain.CodeInstanceBusy,
			"instance %s is still being created (request %s)", instanceID, inst.RequestID)
	}

	if inst.manager.IsRunning() {
		if err := inst.manager.Stop(); err != nil {
			return time.Time{}, err
		}
	}
	inst.manager.DestroyAll()
	inst.cancel()

	c.mu.Lock()
	delete(c.instances, instanceID)
	delete(c.requests, inst.RequestID)
	c.mu.Unlock()

	c.log.Info().Str("instance", instanceID).Msg("Instance destroyed")
	return time.Now().UTC(), nil
}

// GetTime returns the instance's simulated time and acceleration.
func (c *Controller) GetTime(instanceID string) (TimeInfo, error) {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return TimeInfo{}, err
	}
	clk := inst.build.Exchange.Clock()
	return TimeInfo{SimulatedTime: clk.Now(), Acceleration: clk.Acceleration()}, nil
}

// SetAcceleration changes the instance clock's acceleration (0.1-1000).
func (c *Controller) SetAcceleration(instanceID string, a float64) (TimeInfo, error) {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return TimeInfo{}, err
	}
	clk := inst.build.Exchange.Clock()
	if err := clk.SetAcceleration(a); err != nil {
		return TimeInfo{}, err
	}
	return TimeInfo{SimulatedTime: clk.Now(), Acceleration: clk.Acceleration()}, nil
}

// GetKLine queries aggregated candles for one symbol.
func (c *Controller) GetKLine(instanceID, symbol string, g series.Granularity, start, end time.Time, limit int) ([]series.Bucket, error) {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return nil, err
	}
	ex := inst.build.Exchange
	if _, listed := ex.StockID(symbol); !listed {
		return nil, domain.NewError(domain.CodeStockNotFound, "symbol %s not listed on instance %s", symbol, instanceID)
	}
	return inst.series.QueryAggregated(ex.KlineKey(symbol), g, start, end, limit)
}

// Trades returns the instance's most recent executed trades.
func (c *Controller) Trades(instanceID string, limit int) ([]entities.Trade, error) {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return nil, err
	}
	return inst.build.Exchange.TradeLog(limit), nil
}

// StartInstance starts a stopped instance's tick loop.
func (c *Controller) StartInstance(instanceID string) error {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return err
	}
	if err := inst.manager.Start(); err != nil {
		return err
	}
	inst.setStatus(domain.InstanceActive)
	return nil
}

// StopInstance halts a running instance's tick loop.
func (c *Controller) StopInstance(instanceID string) error {
	inst, err := c.ready(instanceID, "")
	if err != nil {
		return err
	}
	if err := inst.manager.Stop(); err != nil {
		return err
	}
	inst.setStatus(domain.InstanceStopped)
	return nil
}

// Overview aggregates lifecycle overviews across all instances for the
// debug surface.
func (c *Controller) Overview() map[string]lifecycle.SystemOverview {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]lifecycle.SystemOverview, len(c.instances))
	for id, inst := range c.instances {
		out[id] = inst.manager.Overview()
	}
	return out
}

// Instance resolves an instance by id for the debug surface. No ownership
// check.
func (c *Controller) Instance(instanceID string) (*Instance, error) {
	return c.get(instanceID, "")
}

// Shutdown cancels in-flight builds and tears every instance down.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	instances := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}
	c.instances = make(map[string]*Instance)
	c.requests = make(map[string]*Instance)
	c.mu.Unlock()

	for _, inst := range instances {
		inst.cancel()
		if inst.manager.IsRunning() {
			_ = inst.manager.Stop()
		}
		inst.manager.DestroyAll()
	}
}
