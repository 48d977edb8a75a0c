package factory

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities"
	"github.com/quantsim/marketsim/internal/series"
	"github.com/quantsim/marketsim/internal/sim/lifecycle"
	"github.com/quantsim/marketsim/internal/sim/object"
	"github.com/quantsim/marketsim/internal/templates"
)

// Config holds pipeline tuning.
type Config struct {
	// Workers bounds concurrent object construction. Defaults to NumCPU.
	Workers int
	// ReadingTimeout and CreatingTimeout are per-stage deadlines.
	ReadingTimeout  time.Duration
	CreatingTimeout time.Duration
	Log             zerolog.Logger
}

// Request describes one instance build. The manager and series manager
// belong to the instance being built; its loop must not be running yet.
type Request struct {
	RequestID   string
	TemplateID  string
	InstanceID  string
	Manager     *lifecycle.Manager
	Series      *series.Manager
	TradeLogCap int
}

// Result is the populated instance: the exchange and the registry ids of
// everything created.
type Result struct {
	Template  *domain.Template
	Exchange  *entities.Exchange
	StockIDs  map[string]int64
	TraderIDs []int64 // index-aligned with the template's trader list
}

// Pipeline builds market instances from stored templates in four stages:
// Initializing, ReadingTemplates, CreatingObjects, Finalizing. Cancellation
// is honored at stage boundaries; a failed build destroys everything it
// created before reporting the error.
type Pipeline struct {
	store    templates.Store
	progress *Tracker
	cfg      Config
	log      zerolog.Logger
}

// NewPipeline wires a pipeline against a template store and progress tracker.
func NewPipeline(store templates.Store, progress *Tracker, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ReadingTimeout <= 0 {
		cfg.ReadingTimeout = 30 * time.Second
	}
	if cfg.CreatingTimeout <= 0 {
		cfg.CreatingTimeout = 120 * time.Second
	}
	return &Pipeline{
		store:    store,
		progress: progress,
		cfg:      cfg,
		log:      cfg.Log.With().Str("component", "factory").Logger(),
	}
}

// Run executes the full build. On any failure the partially built instance
// is torn down and the progress record carries the error. On success the
// request is left in Finalizing: the caller activates the instance and
// marks the request Complete, so clients never observe Complete before the
// instance is queryable.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	p.progress.Begin(req.RequestID, req.TemplateID)
	p.log.Info().Str("request", req.RequestID).Str("template", req.TemplateID).
		Str("instance", req.InstanceID).Msg("Instance build started")

	result, err := p.run(ctx, req)
	if err != nil {
		p.log.Warn().Str("request", req.RequestID).Err(err).Msg("Instance build failed, rolling back")
		req.Manager.DestroyAll()
		p.progress.Fail(req.RequestID, err)
		return nil, err
	}

	p.log.Info().Str("request", req.RequestID).Str("instance", req.InstanceID).
		Int("stocks", len(result.StockIDs)).Int("traders", len(result.TraderIDs)).
		Msg("Instance build complete")
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (*Result, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	p.registerFactories(req.Manager)

	// Stage: ReadingTemplates.
	p.progress.Update(req.RequestID, StageReadingTemplates, 0, "loading template")
	tpl, err := p.readTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	// Stage: CreatingObjects. The exchange goes first so it holds the lowest
	// id and ticks before every trader each frame.
	p.progress.Update(req.RequestID, StageCreatingObjects, 0, "creating exchange")
	ex, err := p.createExchange(req, tpl)
	if err != nil {
		return nil, err
	}
	stockIDs, traderIDs, err := p.createObjects(ctx, req, tpl)
	if err != nil {
		return nil, err
	}
	if err := p.wire(req, tpl, ex, stockIDs, traderIDs); err != nil {
		return nil, err
	}
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	// Stage: Finalizing.
	p.progress.Update(req.RequestID, StageFinalizing, 0, "allocating initial shares")
	if err := p.allocate(req, tpl, stockIDs, traderIDs); err != nil {
		return nil, err
	}

	return &Result{Template: tpl, Exchange: ex, StockIDs: stockIDs, TraderIDs: traderIDs}, nil
}

// registerFactories installs the object constructors on the instance's
// manager.
func (p *Pipeline) registerFactories(mgr *lifecycle.Manager) {
	mgr.RegisterFactory("exchange", func(args any) (object.Object, error) {
		return entities.NewExchange(args.(entities.ExchangeConfig))
	})
	mgr.RegisterFactory("stock", func(args any) (object.Object, error) {
		return entities.NewStock(args.(domain.TemplateStock))
	})
	mgr.RegisterFactory("trader", func(args any) (object.Object, error) {
		a := args.(traderArgs)
		return entities.NewTrader(a.spec, a.logCap)
	})
}

type traderArgs struct {
	spec   domain.TemplateTrader
	logCap int
}

func (p *Pipeline) readTemplate(ctx context.Context, templateID string) (*domain.Template, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReadingTimeout)
	defer cancel()

	tpl, err := p.store.Get(rctx, templateID)
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, domain.NewError(domain.CodeStageTimeout,
				"template read exceeded %s", p.cfg.ReadingTimeout)
		}
		return nil, err
	}
	if err := templates.Validate(tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (p *Pipeline) createExchange(req Request, tpl *domain.Template) (*entities.Exchange, error) {
	id, err := req.Manager.Create("exchange", entities.ExchangeConfig{
		Spec:         tpl.Exchange,
		TemplateID:   tpl.ID,
		SeriesPrefix: req.InstanceID,
		Series:       req.Series,
		Registry:     req.Manager.Registry(),
		TradeLogCap:  req.TradeLogCap,
	})
	if err != nil {
		return nil, err
	}
	obj, _ := req.Manager.Registry().Get(id)
	return obj.(*entities.Exchange), nil
}

type buildItem struct {
	kind        string
	args        any
	symbol      string // stocks
	traderIndex int    // traders
}

// createObjects builds every stock and trader through the worker pool.
func (p *Pipeline) createObjects(ctx context.Context, req Request, tpl *domain.Template) (map[string]int64, []int64, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreatingTimeout)
	defer cancel()

	items := make([]buildItem, 0, len(tpl.Stocks)+len(tpl.Traders))
	for _, stock := range tpl.Stocks {
		items = append(items, buildItem{kind: "stock", args: stock, symbol: stock.Symbol})
	}
	for i, trader := range tpl.Traders {
		items = append(items, buildItem{
			kind:        "trader",
			args:        traderArgs{spec: trader, logCap: req.TradeLogCap},
			traderIndex: i,
		})
	}

	var (
		mu        sync.Mutex
		firstErr  error
		done      int
		stockIDs  = make(map[string]int64, len(tpl.Stocks))
		traderIDs = make([]int64, len(tpl.Traders))
	)
	total := len(items)
	jobs := make(chan buildItem)

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				mu.Lock()
				failed := firstErr != nil
				mu.Unlock()
				if failed || cctx.Err() != nil {
					continue
				}

				id, err := p.buildOne(req.Manager, item)

				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					continue
				}
				if item.kind == "stock" {
					stockIDs[item.symbol] = id
				} else {
					traderIDs[item.traderIndex] = id
				}
				done++
				current := done
				mu.Unlock()

				p.progress.Update(req.RequestID, StageCreatingObjects,
					40+50*current/total, fmt.Sprintf("created %d/%d objects", current, total))
			}
		}()
	}
	for _, item := range items {
		jobs <- item
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	if cctx.Err() != nil {
		if ctx.Err() != nil {
			return nil, nil, cancelled(ctx)
		}
		return nil, nil, domain.NewError(domain.CodeStageTimeout,
			"object creation exceeded %s", p.cfg.CreatingTimeout)
	}
	return stockIDs, traderIDs, nil
}

// buildOne constructs one object, converting a factory panic into a
// WorkerCrashed error instead of taking down the pipeline goroutine.
func (p *Pipeline) buildOne(mgr *lifecycle.Manager, item buildItem) (id int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.CodeWorkerCrashed, "object construction panicked: %v", r)
		}
	}()
	return mgr.Create(item.kind, item.args)
}

// wire lists every stock on the exchange and attaches each trader to it.
func (p *Pipeline) wire(req Request, tpl *domain.Template, ex *entities.Exchange, stockIDs map[string]int64, traderIDs []int64) error {
	for _, stock := range tpl.Stocks {
		if err := ex.AddStock(stock.Symbol, stockIDs[stock.Symbol]); err != nil {
			return err
		}
	}
	reg := req.Manager.Registry()
	for _, id := range traderIDs {
		obj, ok := reg.Get(id)
		if !ok {
			return domain.NewError(domain.CodeUnknownObject, "trader %d vanished during build", id)
		}
		trader := obj.(*entities.AITrader)
		trader.AttachMarket(ex)
		ex.AddTrader(id)
	}
	return nil
}

// allocate runs the template's allocation algorithm and credits the shares,
// keeping trader books and stock ledgers consistent.
func (p *Pipeline) allocate(req Request, tpl *domain.Template, stockIDs map[string]int64, traderIDs []int64) error {
	alloc, err := ComputeAllocation(tpl)
	if err != nil {
		return err
	}

	reg := req.Manager.Registry()
	for i, grants := range alloc {
		obj, ok := reg.Get(traderIDs[i])
		if !ok {
			return domain.NewError(domain.CodeUnknownObject, "trader %d vanished during allocation", traderIDs[i])
		}
		trader := obj.(*entities.AITrader)

		for _, stock := range tpl.Stocks {
			qty, has := grants[stock.Symbol]
			if !has {
				continue
			}
			stockObj, ok := reg.Get(stockIDs[stock.Symbol])
			if !ok {
				return domain.NewError(domain.CodeUnknownObject, "stock %s vanished during allocation", stock.Symbol)
			}
			if err := stockObj.(*entities.Stock).ApplyTrade(traderIDs[i], qty); err != nil {
				return err
			}
			trader.GrantShares(stock.Symbol, qty, stock.IssuePrice)
		}
	}
	return nil
}

// cancelled converts context cancellation into the domain error clients see.
func cancelled(ctx context.Context) error {
	if ctx.Err() != nil {
		return domain.NewError(domain.CodeCancelled, "instance creation cancelled")
	}
	return nil
}
