package entities

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
)

func stockSpec() domain.TemplateStock {
	return domain.TemplateStock{
		Symbol:      "ACME",
		CompanyName: "Acme Corp",
		Category:    domain.CategoryTechnology,
		IssuePrice:  25.004,
		TotalShares: 1000,
		Volatility:  0.3,
	}
}

func TestNewStock_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.TemplateStock)
	}{
		{"lowercase symbol", func(s *domain.TemplateStock) { s.Symbol = "acme" }},
		{"symbol too long", func(s *domain.TemplateStock) { s.Symbol = "ABCDEFGHIJK" }},
		{"empty symbol", func(s *domain.TemplateStock) { s.Symbol = "" }},
		{"zero issue price", func(s *domain.TemplateStock) { s.IssuePrice = 0 }},
		{"negative shares", func(s *domain.TemplateStock) { s.TotalShares = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := stockSpec()
			tc.mutate(&spec)
			_, err := NewStock(spec)
			require.Error(t, err)
			assert.True(t, domain.IsCode(err, domain.CodeValidation))
		})
	}
}

func TestNewStock_RoundsIssuePrice(t *testing.T) {
	s, err := NewStock(stockSpec())
	require.NoError(t, err)
	assert.Equal(t, 25.0, s.Price())
	assert.Equal(t, 25.0, s.IssuePrice())
}

func TestStock_SetPriceClampsAndRounds(t *testing.T) {
	s, err := NewStock(stockSpec())
	require.NoError(t, err)

	s.SetPrice(10.567)
	assert.Equal(t, 10.57, s.Price())

	s.SetPrice(-3)
	assert.Equal(t, 0.01, s.Price(), "price stays positive")

	assert.Equal(t, 0.01*1000, s.MarketCap())
}

func TestStock_ApplyTradeInvariants(t *testing.T) {
	s, err := NewStock(stockSpec())
	require.NoError(t, err)

	require.NoError(t, s.ApplyTrade(1, 600))
	require.NoError(t, s.ApplyTrade(2, 400))
	assert.Equal(t, int64(1000), s.HeldShares())

	// Ledger is full: one more share oversubscribes.
	err = s.ApplyTrade(3, 1)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeOversubscribed))

	// Selling more than held is rejected.
	err = s.ApplyTrade(2, -401)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInsufficientShares))

	// Selling down to zero removes the holder entry.
	require.NoError(t, s.ApplyTrade(2, -400))
	assert.Equal(t, int64(0), s.HoldingOf(2))
	assert.NotContains(t, s.Holders(), int64(2))
	assert.Equal(t, int64(600), s.HeldShares())
}
