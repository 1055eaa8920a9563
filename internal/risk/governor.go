package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/events"
	"github.com/FSliwa/ase-bot-trading-automation-sub001/internal/metrics"

	"github.com/rs/zerolog"
)

const dateLayout = "2006-01-02"

// Config holds daily loss limits
type Config struct {
	MaxDailyLossPct      float64 // % of account equity
	MaxDailyLossUSD      float64 // Absolute USD limit
	MaxConsecutiveLosses int
	MaxDailyTrades       int
	Cooldown             time.Duration  // Block duration after a limit hit
	WarnAtPct            float64        // Warn when this % of a limit is used
	Location             *time.Location // Day boundary
	PersistTimeout       time.Duration
}

// DefaultConfig returns conservative defaults
func DefaultConfig() Config {
	return Config{
		MaxDailyLossPct:      5.0,
		MaxDailyLossUSD:      500.0,
		MaxConsecutiveLosses: 5,
		MaxDailyTrades:       50,
		Cooldown:             4 * time.Hour,
		WarnAtPct:            70.0,
		Location:             time.UTC,
		PersistTimeout:       2 * time.Second,
	}
}

// DailyPnL is the P&L of one account for one calendar day
type DailyPnL struct {
	AccountID      string  `json:"account_id"`
	Date           string  `json:"date"`
	RealizedPnL    float64 `json:"realized_pnl"`
	UnrealizedPnL  float64 `json:"unrealized_pnl"`
	TradesCount    int     `json:"trades_count"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	PeakPnL        float64 `json:"peak_pnl"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	TradingBlocked bool    `json:"trading_blocked"`
	BlockedReason  string  `json:"blocked_reason,omitempty"`
}

// TotalPnL returns realized plus unrealized P&L
func (d *DailyPnL) TotalPnL() float64 {
	return d.RealizedPnL + d.UnrealizedPnL
}

// WinRate returns the percentage of winning trades
func (d *DailyPnL) WinRate() float64 {
	if d.TradesCount == 0 {
		return 0
	}
	return float64(d.Wins) / float64(d.TradesCount) * 100
}

// Loss returns the current loss as a positive number, 0 when in profit
func (d *DailyPnL) Loss() float64 {
	if t := d.TotalPnL(); t < 0 {
		return -t
	}
	return 0
}

func (d *DailyPnL) trackDrawdown() {
	total := d.TotalPnL()
	if total > d.PeakPnL {
		d.PeakPnL = total
	}
	if dd := d.PeakPnL - total; dd > d.MaxDrawdown {
		d.MaxDrawdown = dd
	}
}

// Governor enforces per-account daily loss limits
type Governor struct {
	mu          sync.Mutex
	cfg         Config
	store       Store
	daily       map[string]*DailyPnL
	consecutive map[string]int
	blockUntil  map[string]time.Time

	logger  zerolog.Logger
	bus     *events.EventBus
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewGovernor creates a governor. A nil store keeps state in memory only.
func NewGovernor(cfg Config, store Store, logger zerolog.Logger, bus *events.EventBus, m *metrics.Metrics) *Governor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Governor{
		cfg:         cfg,
		store:       store,
		daily:       make(map[string]*DailyPnL),
		consecutive: make(map[string]int),
		blockUntil:  make(map[string]time.Time),
		logger:      logger.With().Str("component", "DailyRiskGovernor").Logger(),
		bus:         bus,
		metrics:     m,
		now:         time.Now,
	}
}

// Load restores today's records from the store and deletes stale ones
func (g *Governor) Load(ctx context.Context) error {
	records, err := g.store.LoadAll(ctx)
	if err != nil {
		g.metrics.ObserveStoreError("load")
		return fmt.Errorf("failed to load daily pnl records: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	today := g.today(now)
	loaded := 0
	for _, rec := range records {
		d := rec.DailyPnL
		if d.Date != today {
			if err := g.store.Delete(ctx, d.AccountID, d.Date); err != nil {
				g.metrics.ObserveStoreError("delete")
				g.logger.Warn().Err(err).Str("account_id", d.AccountID).Str("date", d.Date).Msg("Failed to delete stale daily pnl record")
			}
			continue
		}

		g.daily[d.AccountID] = &d
		g.consecutive[d.AccountID] = rec.ConsecutiveLosses
		if rec.BlockUntil != nil && rec.BlockUntil.After(now) {
			g.blockUntil[d.AccountID] = *rec.BlockUntil
		}
		g.metrics.SetDailyPnL(d.AccountID, d.TotalPnL())
		loaded++

		g.logger.Info().Str("account_id", d.AccountID).Float64("realized_pnl", d.RealizedPnL).
			Int("trades", d.TradesCount).Msg("Restored daily loss state")
	}

	if loaded > 0 {
		g.logger.Info().Int("count", loaded).Msg("Loaded persisted daily loss states")
	}
	return nil
}

// CanOpenTrade decides whether account may open a trade risking proposedRisk USD
func (g *Governor) CanOpenTrade(ctx context.Context, account string, equity, proposedRisk float64) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	daily := g.dailyLocked(ctx, account, now)

	// Explicit block, cleared by unblock, day change or cooldown expiry
	if daily.TradingBlocked {
		until, cooling := g.blockUntil[account]
		if cooling && now.Before(until) {
			return false, fmt.Sprintf("trading blocked: %s (until %s)", daily.BlockedReason, until.UTC().Format(time.RFC3339))
		}
		delete(g.blockUntil, account)
		daily.TradingBlocked = false
		daily.BlockedReason = ""
		g.logger.Info().Str("account_id", account).Msg("Cooldown expired, trading resumed")
		g.persistLocked(ctx, account)
	}

	if until, ok := g.blockUntil[account]; ok {
		if now.Before(until) {
			return false, fmt.Sprintf("cooldown active, %.0f min remaining", until.Sub(now).Minutes())
		}
		delete(g.blockUntil, account)
	}

	if daily.TradesCount >= g.cfg.MaxDailyTrades {
		reason := fmt.Sprintf("max daily trades reached (%d/%d)", daily.TradesCount, g.cfg.MaxDailyTrades)
		g.blockLocked(ctx, account, daily, reason, "max_daily_trades", now)
		return false, reason
	}

	consecutive := g.consecutive[account]
	if consecutive >= g.cfg.MaxConsecutiveLosses {
		reason := fmt.Sprintf("too many consecutive losses (%d, limit %d)", consecutive, g.cfg.MaxConsecutiveLosses)
		g.blockLocked(ctx, account, daily, reason, "consecutive_losses", now)
		return false, reason
	}

	loss := daily.Loss()
	lossPct := 0.0
	if equity > 0 {
		lossPct = loss / equity * 100
	}
	if lossPct >= g.cfg.MaxDailyLossPct {
		reason := fmt.Sprintf("daily loss %.2f%% of equity reached limit %.2f%%", lossPct, g.cfg.MaxDailyLossPct)
		g.blockLocked(ctx, account, daily, reason, "daily_loss_pct", now)
		return false, reason
	}

	if loss >= g.cfg.MaxDailyLossUSD {
		reason := fmt.Sprintf("daily loss $%.2f reached limit $%.2f", loss, g.cfg.MaxDailyLossUSD)
		g.blockLocked(ctx, account, daily, reason, "daily_loss_usd", now)
		return false, reason
	}

	if potential := loss + proposedRisk; potential >= g.cfg.MaxDailyLossUSD {
		return false, fmt.Sprintf("trade would exceed daily loss limit $%.2f: current loss $%.2f + proposed risk $%.2f = $%.2f",
			g.cfg.MaxDailyLossUSD, loss, proposedRisk, potential)
	}

	if g.cfg.MaxDailyLossPct > 0 && lossPct >= g.cfg.MaxDailyLossPct*g.cfg.WarnAtPct/100 {
		g.logger.Warn().Str("account_id", account).Float64("loss_pct", lossPct).
			Float64("limit_pct", g.cfg.MaxDailyLossPct).Msg("Approaching daily loss limit")
		g.bus.PublishLossWarning(account, loss, g.cfg.MaxDailyLossUSD)
	}

	return true, ""
}

// RecordTradeResult records a closed trade
func (g *Governor) RecordTradeResult(ctx context.Context, account string, pnl float64, isWin bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	daily := g.dailyLocked(ctx, account, g.now())
	daily.RealizedPnL += pnl
	daily.TradesCount++

	if isWin {
		daily.Wins++
		g.consecutive[account] = 0
	} else {
		daily.Losses++
		g.consecutive[account]++
	}
	daily.trackDrawdown()

	g.logger.Info().Str("account_id", account).Float64("pnl", pnl).Float64("daily_realized", daily.RealizedPnL).
		Int("wins", daily.Wins).Int("losses", daily.Losses).Int("consecutive_losses", g.consecutive[account]).
		Msg("Trade recorded")

	g.metrics.SetDailyPnL(account, daily.TotalPnL())
	g.persistLocked(ctx, account)
}

// UpdateUnrealizedPnL replaces the unrealized P&L of account
func (g *Governor) UpdateUnrealizedPnL(ctx context.Context, account string, unrealized float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	daily := g.dailyLocked(ctx, account, g.now())
	daily.UnrealizedPnL = unrealized
	daily.trackDrawdown()

	g.metrics.SetDailyPnL(account, daily.TotalPnL())
	g.persistLocked(ctx, account)
}

// UnblockTrading clears the block flag and cooldown of account
func (g *Governor) UnblockTrading(ctx context.Context, account, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if daily, ok := g.daily[account]; ok {
		daily.TradingBlocked = false
		daily.BlockedReason = ""
	}
	delete(g.blockUntil, account)

	g.logger.Info().Str("account_id", account).Str("reason", reason).Msg("Trading unblocked")
	g.bus.PublishTradingUnblocked(account)
	g.persistLocked(ctx, account)
}

// ResetConsecutiveLosses zeroes the loss streak, e.g. after manual review
func (g *Governor) ResetConsecutiveLosses(ctx context.Context, account string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.consecutive[account] = 0
	g.logger.Info().Str("account_id", account).Msg("Consecutive losses reset")
	g.persistLocked(ctx, account)
}

// DailySummary is a snapshot of one account-day
type DailySummary struct {
	DailyPnL
	Total             float64
	WinRatePct        float64
	ConsecutiveLosses int
	CooldownUntil     *time.Time
}

// GetDailySummary returns today's summary for account
func (g *Governor) GetDailySummary(ctx context.Context, account string) DailySummary {
	g.mu.Lock()
	defer g.mu.Unlock()

	daily := g.dailyLocked(ctx, account, g.now())
	summary := DailySummary{
		DailyPnL:          *daily,
		Total:             daily.TotalPnL(),
		WinRatePct:        daily.WinRate(),
		ConsecutiveLosses: g.consecutive[account],
	}
	if until, ok := g.blockUntil[account]; ok {
		summary.CooldownUntil = &until
	}
	return summary
}

// RiskLevel grades how close an account is to its limits
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskStatus reports usage of each limit
type RiskStatus struct {
	CurrentLossPct       float64
	MaxLossPct           float64
	LossPctUsed          float64 // % of the percent limit consumed
	CurrentLossUSD       float64
	MaxLossUSD           float64
	LossUSDUsed          float64 // % of the USD limit consumed
	TradesRemaining      int
	ConsecutiveLosses    int
	MaxConsecutiveLosses int
	TradingBlocked       bool
	RiskLevel            RiskLevel
}

// GetRiskStatus returns limit usage for account
func (g *Governor) GetRiskStatus(ctx context.Context, account string, equity float64) RiskStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	daily := g.dailyLocked(ctx, account, g.now())
	loss := daily.Loss()
	lossPct := 0.0
	if equity > 0 {
		lossPct = loss / equity * 100
	}

	status := RiskStatus{
		CurrentLossPct:       lossPct,
		MaxLossPct:           g.cfg.MaxDailyLossPct,
		CurrentLossUSD:       loss,
		MaxLossUSD:           g.cfg.MaxDailyLossUSD,
		TradesRemaining:      max(0, g.cfg.MaxDailyTrades-daily.TradesCount),
		ConsecutiveLosses:    g.consecutive[account],
		MaxConsecutiveLosses: g.cfg.MaxConsecutiveLosses,
		TradingBlocked:       daily.TradingBlocked,
	}
	if g.cfg.MaxDailyLossPct > 0 {
		status.LossPctUsed = lossPct / g.cfg.MaxDailyLossPct * 100
	}
	if g.cfg.MaxDailyLossUSD > 0 {
		status.LossUSDUsed = loss / g.cfg.MaxDailyLossUSD * 100
	}
	status.RiskLevel = g.riskLevel(lossPct, status.ConsecutiveLosses)
	return status
}

func (g *Governor) riskLevel(lossPct float64, consecutive int) RiskLevel {
	ratio := 0.0
	if g.cfg.MaxDailyLossPct > 0 {
		ratio = lossPct / g.cfg.MaxDailyLossPct
	}
	if g.cfg.MaxConsecutiveLosses > 0 {
		if r := float64(consecutive) / float64(g.cfg.MaxConsecutiveLosses); r > ratio {
			ratio = r
		}
	}

	switch {
	case ratio >= 1.0:
		return RiskCritical
	case ratio >= 0.7:
		return RiskHigh
	case ratio >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (g *Governor) today(now time.Time) string {
	return now.In(g.cfg.Location).Format(dateLayout)
}

// dailyLocked returns today's record, rolling over to a fresh one on a new day.
// The consecutive-loss streak and any cooldown carry over.
func (g *Governor) dailyLocked(ctx context.Context, account string, now time.Time) *DailyPnL {
	today := g.today(now)
	if d, ok := g.daily[account]; ok && d.Date == today {
		return d
	}

	d := &DailyPnL{AccountID: account, Date: today}
	g.daily[account] = d
	g.metrics.SetDailyPnL(account, 0)
	g.persistLocked(ctx, account)
	return d
}

func (g *Governor) blockLocked(ctx context.Context, account string, daily *DailyPnL, reason, limit string, now time.Time) {
	daily.TradingBlocked = true
	daily.BlockedReason = reason
	until := now.Add(g.cfg.Cooldown)
	g.blockUntil[account] = until

	g.logger.Warn().Str("account_id", account).Str("reason", reason).Dur("cooldown", g.cfg.Cooldown).
		Msg("Trading blocked")
	g.metrics.ObserveTradingBlock(limit)
	g.bus.PublishTradingBlocked(account, reason, until)
	g.persistLocked(ctx, account)
}

// persistLocked writes the account's record. Failures are logged, never returned.
func (g *Governor) persistLocked(ctx context.Context, account string) {
	daily, ok := g.daily[account]
	if !ok {
		return
	}

	rec := Record{
		DailyPnL:          *daily,
		ConsecutiveLosses: g.consecutive[account],
		PersistedAt:       g.now().UTC(),
	}
	if until, ok := g.blockUntil[account]; ok {
		u := until
		rec.BlockUntil = &u
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.PersistTimeout)
	defer cancel()

	if err := g.store.Save(ctx, rec); err != nil {
		g.metrics.ObserveStoreError("save")
		g.logger.Warn().Err(err).Str("account_id", account).Msg("Failed to persist daily loss state")
	}
}
