// Package model defines the market data structures returned by providers and the router.
package model

import (
	"math"
	"time"
)

// Candle represents a single OHLCV bar for a symbol at a timeframe.
type Candle struct {
	// Symbol is the instrument code, e.g. "000001.SZ"
	Symbol string `json:"symbol"`

	// Timeframe is the bar granularity
	Timeframe Timeframe `json:"timeframe"`

	// Timestamp is the bar open time
	Timestamp time.Time `json:"timestamp"`

	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`

	// Amount is the turnover in quote currency, zero when the vendor does not report it
	Amount float64 `json:"amount,omitempty"`
}

// IsBullish reports whether the bar closed above its open.
func (c Candle) IsBullish() bool {
	return c.Close > c.Open
}

// IsBearish reports whether the bar closed below its open.
func (c Candle) IsBearish() bool {
	return c.Close < c.Open
}

// BodySize returns the absolute distance between open and close.
func (c Candle) BodySize() float64 {
	return math.Abs(c.Close - c.Open)
}

// Range returns high minus low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}

// IsConsistent checks high >= max(open, close) >= min(open, close) >= low.
func (c Candle) IsConsistent() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return c.High >= math.Max(c.Open, c.Close) &&
		math.Min(c.Open, c.Close) >= c.Low &&
		c.Volume >= 0
}

// DateRange bounds a candle request. Zero values leave that side open.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range (both bounds inclusive).
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// StockInfo is the static description of a listed instrument.
type StockInfo struct {
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Exchange    string     `json:"exchange"`
	Industry    string     `json:"industry,omitempty"`
	ListDate    *time.Time `json:"list_date,omitempty"`
	IsSuspended bool       `json:"is_suspended"`
	IsST        bool       `json:"is_st"`

	// MarketCap in billions of quote currency
	MarketCap *float64 `json:"market_cap,omitempty"`
}

// FinancialStatementData is a single reporting period of a company's statements.
// Optional values are nil when the vendor does not provide them.
type FinancialStatementData struct {
	Symbol     string    `json:"symbol"`
	Period     string    `json:"period"`
	PeriodEnd  time.Time `json:"period_end"`
	ReportType string    `json:"report_type"`

	Revenue           *float64 `json:"revenue,omitempty"`
	GrossProfit       *float64 `json:"gross_profit,omitempty"`
	OperatingIncome   *float64 `json:"operating_income,omitempty"`
	NetIncome         *float64 `json:"net_income,omitempty"`
	TotalAssets       *float64 `json:"total_assets,omitempty"`
	TotalEquity       *float64 `json:"total_equity,omitempty"`
	TotalLiabilities  *float64 `json:"total_liabilities,omitempty"`
	Cash              *float64 `json:"cash,omitempty"`
	TotalDebt         *float64 `json:"total_debt,omitempty"`
	OperatingCashFlow *float64 `json:"operating_cash_flow,omitempty"`
	Capex             *float64 `json:"capex,omitempty"`

	ROE          *float64 `json:"roe,omitempty"`
	ROA          *float64 `json:"roa,omitempty"`
	GrossMargin  *float64 `json:"gross_margin,omitempty"`
	NetMargin    *float64 `json:"net_margin,omitempty"`
	DebtToEquity *float64 `json:"debt_to_equity,omitempty"`
}

// FreeCashFlow returns operating cash flow plus capex (capex is reported negative).
func (f FinancialStatementData) FreeCashFlow() (float64, bool) {
	if f.OperatingCashFlow == nil || f.Capex == nil {
		return 0, false
	}
	return *f.OperatingCashFlow + *f.Capex, true
}

// ValuationMetrics is a point-in-time valuation snapshot for a symbol.
type ValuationMetrics struct {
	Symbol string    `json:"symbol"`
	Date   time.Time `json:"date"`

	PETTM         *float64 `json:"pe_ttm,omitempty"`
	PB            *float64 `json:"pb,omitempty"`
	PSTTM         *float64 `json:"ps_ttm,omitempty"`
	DividendYield *float64 `json:"dividend_yield,omitempty"`

	MarketCap            *float64 `json:"market_cap,omitempty"`
	CirculatingMarketCap *float64 `json:"circulating_market_cap,omitempty"`
}

// CirculatingRatio returns circulating market cap over total market cap.
func (v ValuationMetrics) CirculatingRatio() (float64, bool) {
	if v.CirculatingMarketCap == nil || v.MarketCap == nil || *v.MarketCap <= 0 {
		return 0, false
	}
	return *v.CirculatingMarketCap / *v.MarketCap, true
}
