package market

import (
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/entities"
	"github.com/quantsim/marketsim/internal/series"
	"github.com/quantsim/marketsim/internal/sim/lifecycle"
)

// TimeInfo is the clock view of one instance.
type TimeInfo struct {
	SimulatedTime time.Time `json:"simulatedTime"`
	Acceleration  float64   `json:"acceleration"`
}

// KlineUpdate is the payload pushed for candle deltas.
type KlineUpdate struct {
	Symbol      string             `json:"symbol"`
	Granularity series.Granularity `json:"granularity"`
	Bucket      series.Bucket      `json:"bucket"`
	Final       bool               `json:"final"`
}

// Preview is the list-view of an instance.
type Preview struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	TemplateID   string                `json:"templateId"`
	Status       domain.InstanceStatus `json:"status"`
	IsRunning    bool                  `json:"isRunning"`
	StockCount   int                   `json:"stockCount"`
	TraderCount  int                   `json:"traderCount"`
	CreatedAt    time.Time             `json:"createdAt"`
	LastActiveAt time.Time             `json:"lastActiveAt"`
}

// StockView is a read-only stock snapshot.
type StockView struct {
	Symbol      string               `json:"symbol"`
	CompanyName string               `json:"companyName"`
	Category    domain.StockCategory `json:"category"`
	IssuePrice  float64              `json:"issuePrice"`
	Price       float64              `json:"price"`
	TotalShares int64                `json:"totalShares"`
	HeldShares  int64                `json:"heldShares"`
	MarketCap   float64              `json:"marketCap"`
}

// HoldingView is one position of a trader.
type HoldingView struct {
	Symbol   string  `json:"symbol"`
	Quantity int64   `json:"quantity"`
	AvgCost  float64 `json:"avgCost"`
}

// TraderView is a read-only trader snapshot.
type TraderView struct {
	ID             int64               `json:"id"`
	Name           string              `json:"name"`
	RiskProfile    domain.RiskProfile  `json:"riskProfile"`
	TradingStyle   domain.TradingStyle `json:"tradingStyle"`
	MaxPositions   int                 `json:"maxPositions"`
	InitialCapital float64             `json:"initialCapital"`
	Capital        float64             `json:"capital"`
	Holdings       []HoldingView       `json:"holdings"`
}

// Details is the full instance view.
type Details struct {
	Preview
	SimulatedTime time.Time                `json:"simulatedTime"`
	Acceleration  float64                  `json:"acceleration"`
	Overview      lifecycle.SystemOverview `json:"overview"`
	Stocks        []StockView              `json:"stocks"`
	Traders       []TraderView             `json:"traders"`
}

// Snapshot is the export document of one instance.
type Snapshot struct {
	ExportedAt   time.Time        `json:"exportedAt" msgpack:"exportedAt"`
	Instance     SnapshotInstance `json:"instance" msgpack:"instance"`
	TemplateData *domain.Template `json:"templateData" msgpack:"templateData"`
	RuntimeState RuntimeState     `json:"runtimeState" msgpack:"runtimeState"`
}

// SnapshotInstance is the instance header inside an export.
type SnapshotInstance struct {
	ID            string                `json:"id" msgpack:"id"`
	Name          string                `json:"name" msgpack:"name"`
	OwnerID       string                `json:"ownerId,omitempty" msgpack:"ownerId"`
	TemplateID    string                `json:"templateId" msgpack:"templateId"`
	Status        domain.InstanceStatus `json:"status" msgpack:"status"`
	CreatedAt     time.Time             `json:"createdAt" msgpack:"createdAt"`
	SimulatedTime time.Time             `json:"simulatedTime" msgpack:"simulatedTime"`
	Acceleration  float64               `json:"acceleration" msgpack:"acceleration"`
}

// RuntimeState is the live-state section of an export.
type RuntimeState struct {
	Traders     []TraderView     `json:"traders" msgpack:"traders"`
	Stocks      []StockView      `json:"stocks" msgpack:"stocks"`
	TradingLogs []entities.Trade `json:"tradingLogs" msgpack:"tradingLogs"`
	Metrics     map[string]any   `json:"metrics" msgpack:"metrics"`
}

func (c *Controller) preview(inst *Instance) Preview {
	inst.mu.RLock()
	p := Preview{
		ID:           inst.ID,
		Name:         inst.Name,
		TemplateID:   inst.TemplateID,
		Status:       inst.status,
		IsRunning:    inst.manager.IsRunning(),
		CreatedAt:    inst.CreatedAt,
		LastActiveAt: inst.lastActiveAt,
	}
	if inst.build != nil {
		p.StockCount = len(inst.build.StockIDs)
		p.TraderCount = len(inst.build.TraderIDs)
	}
	inst.mu.RUnlock()
	return p
}

func sortPreviews(previews []Preview) {
	sort.Slice(previews, func(i, j int) bool {
		return previews[i].CreatedAt.After(previews[j].CreatedAt)
	})
}

func (c *Controller) stockViews(inst *Instance) []StockView {
	ex := inst.build.Exchange
	reg := inst.manager.Registry()
	symbols := ex.Symbols()

	out := make([]StockView, 0, len(symbols))
	for _, symbol := range symbols {
		id, ok := ex.StockID(symbol)
		if !ok {
			continue
		}
		obj, ok := reg.Get(id)
		if !ok {
			continue
		}
		stock := obj.(*entities.Stock)
		out = append(out, StockView{
			Symbol:      stock.Symbol(),
			CompanyName: stock.CompanyName(),
			Category:    stock.Category(),
			IssuePrice:  stock.IssuePrice(),
			Price:       stock.Price(),
			TotalShares: stock.TotalShares(),
			HeldShares:  stock.HeldShares(),
			MarketCap:   stock.MarketCap(),
		})
	}
	return out
}

func (c *Controller) traderViews(inst *Instance) []TraderView {
	reg := inst.manager.Registry()
	out := make([]TraderView, 0, len(inst.build.TraderIDs))
	for _, id := range inst.build.TraderIDs {
		obj, ok := reg.Get(id)
		if !ok {
			continue
		}
		trader := obj.(*entities.AITrader)

		holdings := trader.Holdings()
		views := make([]HoldingView, 0, len(holdings))
		for symbol, h := range holdings {
			cost, _ := h.AvgCost.Float64()
			views = append(views, HoldingView{Symbol: symbol, Quantity: h.Quantity, AvgCost: cost})
		}
		sort.Slice(views, func(i, j int) bool { return views[i].Symbol < views[j].Symbol })

		out = append(out, TraderView{
			ID:             id,
			Name:           trader.Name(),
			RiskProfile:    trader.RiskProfile(),
			TradingStyle:   trader.TradingStyle(),
			MaxPositions:   trader.MaxPositions(),
			InitialCapital: trader.InitialCapital(),
			Capital:        trader.Capital(),
			Holdings:       views,
		})
	}
	return out
}

// Export captures a read-only snapshot of the instance without suspending
// it. Snapshots are cached (msgpack) per frame number: exporting twice
// between ticks returns identical documents.
func (c *Controller) Export(instanceID, userID string) (*Snapshot, error) {
	inst, err := c.ready(instanceID, userID)
	if err != nil {
		return nil, err
	}

	frame := inst.manager.Overview().FrameNumber

	inst.exportMu.Lock()
	defer inst.exportMu.Unlock()

	if inst.exportBlob != nil && inst.exportFrame == frame {
		var cached Snapshot
		if err := msgpack.Unmarshal(inst.exportBlob, &cached); err == nil {
			return &cached, nil
		}
	}

	snapshot := c.buildSnapshot(inst)
	blob, err := msgpack.Marshal(snapshot)
	if err != nil {
		return nil, domain.WrapError(domain.CodeInternal, err, "failed to encode snapshot for %s", instanceID)
	}
	inst.exportBlob = blob
	inst.exportFrame = frame
	return snapshot, nil
}

func (c *Controller) buildSnapshot(inst *Instance) *Snapshot {
	clk := inst.build.Exchange.Clock()
	overview := inst.manager.Overview()

	return &Snapshot{
		ExportedAt:   time.Now().UTC(),
		Instance:     SnapshotInstance{
			ID:            inst.ID,
			Name:          inst.Name,
			OwnerID:       inst.OwnerID,
			TemplateID:    inst.TemplateID,
			Status:        inst.Status(),
			CreatedAt:     inst.CreatedAt,
			SimulatedTime: clk.Now(),
			Acceleration:  clk.Acceleration(),
		},
		TemplateData: inst.build.Template,
		RuntimeState: RuntimeState{
			Traders:     c.traderViews(inst),
			Stocks:      c.stockViews(inst),
			TradingLogs: inst.build.Exchange.TradeLog(1000),
			Metrics: map[string]any{
				"frameNumber":    overview.FrameNumber,
				"actualFps":      overview.ActualFPS,
				"tickDurationMs": overview.TickDurationMs,
				"totalObjects":   overview.TotalObjects,
				"errorCount":     overview.ErrorCount,
			},
		},
	}
}
