package exposure

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"
)

// Config holds the exposure ceilings. Reaching a ceiling blocks.
type Config struct {
	MaxCorrelatedExposurePct float64 // % of portfolio, correlation weighted
	CorrelationThreshold     float64 // pairs below this do not count as correlated
	MaxPositionsPerCategory  int
	MaxSingleAssetPct        float64
	WarnRatio                float64 // fraction of a ceiling that adds a warning
}

func DefaultConfig() Config {
	return Config{
		MaxCorrelatedExposurePct: 50.0,
		CorrelationThreshold:     0.7,
		MaxPositionsPerCategory:  3,
		MaxSingleAssetPct:        30.0,
		WarnRatio:                0.7,
	}
}

// Position is an open position as seen by the limiter
type Position struct {
	Symbol    string  `json:"symbol"`
	BaseAsset string  `json:"base_asset"`
	ValueUSD  float64 `json:"value_usd"`
	Side      string  `json:"side"`
}

// NewPosition fills BaseAsset from the symbol
func NewPosition(symbol, side string, valueUSD float64) Position {
	return Position{
		Symbol:    symbol,
		BaseAsset: BaseAsset(symbol),
		ValueUSD:  valueUSD,
		Side:      strings.ToLower(side),
	}
}

// CheckResult is the outcome of an exposure check
type CheckResult struct {
	CanOpen                    bool               `json:"can_open"`
	Reason                     string             `json:"reason,omitempty"`
	CorrelatedPositions        []string           `json:"correlated_positions"`
	TotalCorrelatedExposurePct float64            `json:"total_correlated_exposure_pct"`
	CategoryExposure           map[string]float64 `json:"category_exposure"`
	Warnings                   []string           `json:"warnings"`
}

type book struct {
	positions      map[string]Position
	portfolioValue float64
}

type cachedCorrelation struct {
	value float64
	at    time.Time
}

// Limiter checks new positions against single-asset, category and
// correlation-weighted ceilings.
type Limiter struct {
	cfg     Config
	table   *Table
	logger  zerolog.Logger
	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	books map[string]*book

	history HistoryProvider
	dynamic DynamicConfig
	cacheMu sync.RWMutex
	cache   map[string]cachedCorrelation
	group   singleflight.Group
}

// NewLimiter creates a limiter. A nil table uses the built-in one; bus and m may be nil.
func NewLimiter(cfg Config, table *Table, logger zerolog.Logger, bus *events.EventBus, m *metrics.Metrics) *Limiter {
	def := DefaultConfig()
	if cfg.MaxCorrelatedExposurePct <= 0 {
		cfg.MaxCorrelatedExposurePct = def.MaxCorrelatedExposurePct
	}
	if cfg.CorrelationThreshold <= 0 {
		cfg.CorrelationThreshold = def.CorrelationThreshold
	}
	if cfg.MaxPositionsPerCategory <= 0 {
		cfg.MaxPositionsPerCategory = def.MaxPositionsPerCategory
	}
	if cfg.MaxSingleAssetPct <= 0 {
		cfg.MaxSingleAssetPct = def.MaxSingleAssetPct
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio >= 1 {
		cfg.WarnRatio = def.WarnRatio
	}
	if table == nil {
		table = DefaultTable()
	}
	return &Limiter{
		cfg:     cfg,
		table:   table,
		logger:  logger.With().Str("component", "ExposureLimiter").Logger(),
		bus:     bus,
		metrics: m,
		now:     time.Now,
		books:   make(map[string]*book),
		cache:   make(map[string]cachedCorrelation),
	}
}

// Category returns the asset's category, or "" when unlisted
func (l *Limiter) Category(asset string) string {
	return l.table.Category(asset)
}

// Correlation returns the static correlation of two assets. Pairs missing
// from the table use a fresh dynamic value when one is cached.
func (l *Limiter) Correlation(a, b string) float64 {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1.0
	}
	if r, ok := l.table.Lookup(a, b); ok {
		return r
	}
	if r, ok := l.cached(pairKey(a, b)); ok {
		return r
	}
	return l.table.Correlation(a, b)
}

// CanOpenPosition checks a proposed position against the static table
func (l *Limiter) CanOpenPosition(symbol string, sizeUSD float64, positions []Position, portfolioValue float64) CheckResult {
	return l.check(symbol, sizeUSD, positions, portfolioValue, l.Correlation)
}

func (l *Limiter) check(symbol string, sizeUSD float64, positions []Position, portfolioValue float64, corr func(a, b string) float64) CheckResult {
	result := l.evaluate(symbol, sizeUSD, positions, portfolioValue, corr)

	l.metrics.ObserveExposureCheck(result.CanOpen)
	if !result.CanOpen {
		l.logger.Warn().Str("symbol", symbol).Float64("size_usd", sizeUSD).Str("reason", result.Reason).
			Msg("Position blocked by exposure limit")
		l.bus.PublishExposureBlocked(symbol, sizeUSD, result.Reason)
	} else if len(result.Warnings) > 0 {
		l.logger.Debug().Str("symbol", symbol).Strs("warnings", result.Warnings).Msg("Exposure warnings")
	}
	return result
}

func (l *Limiter) evaluate(symbol string, sizeUSD float64, positions []Position, portfolioValue float64, corr func(a, b string) float64) CheckResult {
	result := CheckResult{
		CanOpen:             true,
		CorrelatedPositions: []string{},
		CategoryExposure:    map[string]float64{},
		Warnings:            []string{},
	}
	if portfolioValue <= 0 {
		return result
	}

	asset := BaseAsset(symbol)
	category := l.table.Category(asset)

	for _, pos := range positions {
		if cat := l.table.Category(baseOf(pos)); cat != "" {
			result.CategoryExposure[cat] += pos.ValueUSD
		}
	}
	if category != "" {
		result.CategoryExposure[category] += sizeUSD
	}

	// single asset
	assetTotal := sizeUSD
	for _, pos := range positions {
		if baseOf(pos) == asset {
			assetTotal += pos.ValueUSD
		}
	}
	singlePct := assetTotal * 100 / portfolioValue
	if singlePct >= l.cfg.MaxSingleAssetPct {
		result.CanOpen = false
		result.Reason = fmt.Sprintf("%s exposure would be %.2f%% (max: %.1f%%)", asset, singlePct, l.cfg.MaxSingleAssetPct)
		result.TotalCorrelatedExposurePct = singlePct
		return result
	}

	// category
	categoryCount := 0
	if category != "" {
		for _, pos := range positions {
			if l.table.Category(baseOf(pos)) == category {
				categoryCount++
			}
		}
		if categoryCount >= l.cfg.MaxPositionsPerCategory {
			result.CanOpen = false
			result.Reason = fmt.Sprintf("too many %s positions (%d open), max: %d",
				category, categoryCount, l.cfg.MaxPositionsPerCategory)
			return result
		}
	}

	// correlation weighted
	correlated := sizeUSD
	for _, pos := range positions {
		other := baseOf(pos)
		r := corr(asset, other)
		if r >= l.cfg.CorrelationThreshold {
			result.CorrelatedPositions = append(result.CorrelatedPositions, fmt.Sprintf("%s (r=%.2f)", other, r))
			correlated += pos.ValueUSD * r
		}
	}
	correlatedPct := correlated * 100 / portfolioValue
	result.TotalCorrelatedExposurePct = correlatedPct
	if correlatedPct >= l.cfg.MaxCorrelatedExposurePct {
		result.CanOpen = false
		result.Reason = fmt.Sprintf("correlated exposure would be %.2f%% (max: %.1f%%)",
			correlatedPct, l.cfg.MaxCorrelatedExposurePct)
		return result
	}

	if correlatedPct >= l.cfg.MaxCorrelatedExposurePct*l.cfg.WarnRatio {
		result.Warnings = append(result.Warnings, fmt.Sprintf("approaching correlated exposure limit: %.2f%% of %.1f%%",
			correlatedPct, l.cfg.MaxCorrelatedExposurePct))
	}
	if singlePct >= l.cfg.MaxSingleAssetPct*l.cfg.WarnRatio {
		result.Warnings = append(result.Warnings, fmt.Sprintf("high %s concentration: %.2f%% of %.1f%%",
			asset, singlePct, l.cfg.MaxSingleAssetPct))
	}
	if category != "" && float64(categoryCount+1) >= float64(l.cfg.MaxPositionsPerCategory)*l.cfg.WarnRatio {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s category at %d of %d positions",
			category, categoryCount+1, l.cfg.MaxPositionsPerCategory))
	}
	if len(result.CorrelatedPositions) > 0 {
		result.Warnings = append(result.Warnings, "position correlated with: "+strings.Join(result.CorrelatedPositions, ", "))
	}
	return result
}

func baseOf(pos Position) string {
	if pos.BaseAsset != "" {
		return strings.ToUpper(pos.BaseAsset)
	}
	return BaseAsset(pos.Symbol)
}

// AddPosition tracks an open position for account, replacing any with the same symbol
func (l *Limiter) AddPosition(account, symbol, side string, valueUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bookLocked(account)
	b.positions[symbol] = NewPosition(symbol, side, valueUSD)
	l.logger.Debug().Str("account_id", account).Str("symbol", symbol).Str("side", side).
		Float64("value_usd", valueUSD).Msg("Position tracked")
}

// RemovePosition stops tracking a position
func (l *Limiter) RemovePosition(account, symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.books[account]; ok {
		delete(b.positions, symbol)
	}
}

// SetPortfolioValue sets the account value used by CheckCorrelationLimit
func (l *Limiter) SetPortfolioValue(account string, valueUSD float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bookLocked(account).portfolioValue = valueUSD
}

// TrackedPositions returns the account's positions sorted by symbol
func (l *Limiter) TrackedPositions(account string) []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.books[account]
	if !ok {
		return nil
	}
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CheckCorrelationLimit checks a proposed position against the account's
// tracked positions. Without a portfolio value it is estimated from them.
func (l *Limiter) CheckCorrelationLimit(account, symbol, side string, valueUSD float64) (bool, string) {
	positions := l.TrackedPositions(account)

	l.mu.RLock()
	var portfolioValue float64
	if b, ok := l.books[account]; ok {
		portfolioValue = b.portfolioValue
	}
	l.mu.RUnlock()

	if portfolioValue <= 0 {
		portfolioValue = valueUSD
		for _, p := range positions {
			portfolioValue += p.ValueUSD
		}
		if portfolioValue <= 0 {
			portfolioValue = valueUSD * 10
		}
	}

	result := l.CanOpenPosition(symbol, valueUSD, positions, portfolioValue)
	if !result.CanOpen {
		return false, result.Reason
	}
	for _, w := range result.Warnings {
		l.logger.Warn().Str("account_id", account).Str("symbol", symbol).Str("side", side).Msg(w)
	}
	return true, ""
}

func (l *Limiter) bookLocked(account string) *book {
	b, ok := l.books[account]
	if !ok {
		b = &book{positions: make(map[string]Position)}
		l.books[account] = b
	}
	return b
}

// CategoryExposure is one category's share of a portfolio
type CategoryExposure struct {
	Count    int     `json:"count"`
	ValueUSD float64 `json:"value_usd"`
	Pct      float64 `json:"pct"`
}

// PortfolioRisk summarizes how concentrated a set of positions is
type PortfolioRisk struct {
	EffectivePositions   float64                     `json:"effective_positions"`
	CorrelationRiskScore float64                     `json:"correlation_risk_score"`
	AvgCorrelation       float64                     `json:"avg_correlation"`
	CategoryBreakdown    map[string]CategoryExposure `json:"category_breakdown"`
	Recommendations      []string                    `json:"recommendations"`
}

// PortfolioCorrelationRisk scores the positions by their average pairwise correlation
func (l *Limiter) PortfolioCorrelationRisk(positions []Position, portfolioValue float64) PortfolioRisk {
	risk := PortfolioRisk{
		CategoryBreakdown: map[string]CategoryExposure{},
		Recommendations:   []string{},
	}
	if len(positions) == 0 || portfolioValue <= 0 {
		return risk
	}

	var total float64
	pairs := 0
	for i := range positions {
		for j := i + 1; j < len(positions); j++ {
			total += l.Correlation(baseOf(positions[i]), baseOf(positions[j]))
			pairs++
		}
	}
	avg := 0.0
	if pairs > 0 {
		avg = total / float64(pairs)
	}

	effective := float64(len(positions)) * (1 - avg*0.7)
	score := avg * 100

	for _, pos := range positions {
		cat := l.table.Category(baseOf(pos))
		if cat == "" {
			cat = "other"
		}
		ce := risk.CategoryBreakdown[cat]
		ce.Count++
		ce.ValueUSD += pos.ValueUSD
		ce.Pct = ce.ValueUSD * 100 / portfolioValue
		risk.CategoryBreakdown[cat] = ce
	}

	if score > 70 {
		risk.Recommendations = append(risk.Recommendations,
			"high correlation risk, consider diversifying into different categories")
	}
	if effective < 2 {
		risk.Recommendations = append(risk.Recommendations,
			"portfolio effectively concentrated, acts like a single position")
	}
	cats := make([]string, 0, len(risk.CategoryBreakdown))
	for cat := range risk.CategoryBreakdown {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	for _, cat := range cats {
		if risk.CategoryBreakdown[cat].Pct > 50 {
			risk.Recommendations = append(risk.Recommendations,
				fmt.Sprintf("over 50%% in %s category, consider rebalancing", cat))
		}
	}

	risk.EffectivePositions = round(effective, 1)
	risk.CorrelationRiskScore = round(score, 1)
	risk.AvgCorrelation = round(avg, 2)
	return risk
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
