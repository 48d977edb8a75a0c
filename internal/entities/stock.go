// Package entities implements the runtime domain objects driven by the tick
// loop: the Exchange, its Stocks, and the AI traders. Entities reference one
// another by id through the registry; the registry owns all lifetimes.
package entities

import (
	"regexp"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/object"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)

// Stock carries the price and holder ledger of one listing. Price changes
// are driven by the owning exchange; the stock's own tick is a no-op.
type Stock struct {
	object.Base

	symbol      string
	companyName string
	category    domain.StockCategory
	issuePrice  float64
	totalShares int64
	volatility  float64

	mu      sync.RWMutex
	price   float64
	holders map[int64]int64 // trader id -> quantity
}

// NewStock validates the template spec and constructs a stock at its issue
// price.
func NewStock(spec domain.TemplateStock) (*Stock, error) {
	if !symbolPattern.MatchString(spec.Symbol) {
		return nil, domain.NewError(domain.CodeValidation,
			"symbol %q must be 1-10 uppercase alphanumeric characters", spec.Symbol)
	}
	if spec.IssuePrice <= 0 {
		return nil, domain.NewError(domain.CodeValidation,
			"stock %s: issue price must be positive, got %g", spec.Symbol, spec.IssuePrice)
	}
	if spec.TotalShares <= 0 {
		return nil, domain.NewError(domain.CodeValidation,
			"stock %s: total shares must be positive, got %d", spec.Symbol, spec.TotalShares)
	}
	return &Stock{
		symbol:      spec.Symbol,
		companyName: spec.CompanyName,
		category:    spec.Category,
		issuePrice:  roundPrice(spec.IssuePrice),
		totalShares: spec.TotalShares,
		volatility:  spec.Volatility,
		price:       roundPrice(spec.IssuePrice),
		holders:     make(map[int64]int64),
	}, nil
}

// roundPrice normalizes a price to two decimal places.
func roundPrice(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(2).Float64()
	return f
}

// Kind implements object.Object.
func (s *Stock) Kind() string { return "stock" }

// BeginPlay implements object.Object.
func (s *Stock) BeginPlay() error { return nil }

// Tick is a no-op; the exchange drives price changes.
func (s *Stock) Tick(delta time.Duration) error { return nil }

// EndPlay implements object.Object.
func (s *Stock) EndPlay() error { return nil }

// Symbol returns the ticker symbol.
func (s *Stock) Symbol() string { return s.symbol }

// CompanyName returns the issuer name.
func (s *Stock) CompanyName() string { return s.companyName }

// Category returns the sector classification.
func (s *Stock) Category() domain.StockCategory { return s.category }

// IssuePrice returns the price at listing.
func (s *Stock) IssuePrice() float64 { return s.issuePrice }

// TotalShares returns the fixed number of shares outstanding.
func (s *Stock) TotalShares() int64 { return s.totalShares }

// Volatility returns the template-declared volatility of the listing.
func (s *Stock) Volatility() float64 { return s.volatility }

// Price returns the current price.
func (s *Stock) Price() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.price
}

// SetPrice updates the current price, rounded to two decimals. Non-positive
// prices are clamped to one cent: current price > 0 is an invariant.
func (s *Stock) SetPrice(p float64) {
	p = roundPrice(p)
	if p <= 0 {
		p = 0.01
	}
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

// MarketCap returns current price x total shares.
func (s *Stock) MarketCap() float64 {
	return s.Price() * float64(s.totalShares)
}

// HeldShares returns the sum of all holder quantities.
func (s *Stock) HeldShares() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, qty := range s.holders {
		sum += qty
	}
	return sum
}

// Holders returns a copy of the holder ledger.
func (s *Stock) Holders() map[int64]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]int64, len(s.holders))
	for id, qty := range s.holders {
		out[id] = qty
	}
	return out
}

// HoldingOf returns the quantity held by one trader.
func (s *Stock) HoldingOf(traderID int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.holders[traderID]
}

// ApplyTrade adjusts the holder ledger atomically. A sell that would take a
// holder negative is rejected with InsufficientShares; a buy that would push
// cumulative holdings past total shares with OversubscribedShares.
func (s *Stock) ApplyTrade(traderID int64, deltaQty int64) error {
	if deltaQty == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.holders[traderID]
	if deltaQty < 0 && held+deltaQty < 0 {
		return domain.NewError(domain.CodeInsufficientShares,
			"trader %d holds %d %s, cannot sell %d", traderID, held, s.symbol, -deltaQty)
	}
	if deltaQty > 0 {
		var total int64
		for _, qty := range s.holders {
			total += qty
		}
		if total+deltaQty > s.totalShares {
			return domain.NewError(domain.CodeOversubscribed,
				"%s: %d of %d shares held, cannot allocate %d more", s.symbol, total, s.totalShares, deltaQty)
		}
	}

	next := held + deltaQty
	if next == 0 {
		delete(s.holders, traderID)
	} else {
		s.holders[traderID] = next
	}
	return nil
}
