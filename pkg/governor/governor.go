// The governor enforces notional volume limits on outgoing transfers. Every
// transfer is converted to a USD value from its token's configured price and
// counted against a rolling hourly and daily window. Crossing the alert
// threshold emits an alert and lets the transfer through; crossing the
// automatic pause threshold rejects the transfer and latches a paused flag
// that only an operator can clear.
//
// All USD values are big integers scaled by 1e18.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/palisade-bridge/palisade/pkg/bridge"
	"github.com/palisade-bridge/palisade/pkg/db"
)

var (
	ErrInvalidAmount      = errors.New("transfer amount must be positive")
	ErrTokenNotSupported  = errors.New("token not supported")
	ErrGovernorPaused     = errors.New("governor is paused")
	ErrExceedsPerTxLimit  = errors.New("transfer exceeds per-transaction limit")
	ErrExceedsHourlyLimit = errors.New("transfer exceeds hourly volume limit")
	ErrExceedsDailyLimit  = errors.New("transfer exceeds daily volume limit")
	ErrAutoPaused         = errors.New("automatic pause triggered")
)

var (
	metricTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "palisade_governor_transfers_total",
			Help: "Total number of transfers checked by the governor, by result",
		}, []string{"result"})
	metricUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "palisade_governor_usage_percent",
			Help: "Window usage as a percentage of the global limit",
		}, []string{"window"})
	metricGovernorPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "palisade_governor_paused",
			Help: "Whether the governor is paused (1) or accepting transfers (0)",
		})
	metricAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "palisade_governor_alerts_total",
			Help: "Total number of volume threshold alerts",
		})
)

const (
	hourlyWindowLength = time.Hour
	dailyWindowLength  = 24 * time.Hour

	DefaultAlertPercent     = 80
	DefaultAutoPausePercent = 95
)

// oneUSD is the 1e18 fixed-point scale shared by prices and USD values.
var oneUSD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func defaultLimit(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), oneUSD)
}

// TokenConfig describes one supported token. PriceUSD is 1e18-scaled. The
// limit overrides are optional; a nil override falls back to the global
// limit from Config.
type TokenConfig struct {
	Address     bridge.Address
	Symbol      string
	Decimals    uint8
	PriceUSD    *big.Int
	PerTxLimit  *big.Int
	HourlyLimit *big.Int
	DailyLimit  *big.Int
}

func (t *TokenConfig) validate() error {
	if t.Address.IsZero() {
		return fmt.Errorf("token address must not be zero")
	}
	if t.PriceUSD == nil || t.PriceUSD.Sign() <= 0 {
		return fmt.Errorf("token price must be positive")
	}
	for _, l := range []*big.Int{t.PerTxLimit, t.HourlyLimit, t.DailyLimit} {
		if l != nil && l.Sign() <= 0 {
			return fmt.Errorf("token limit override must be positive")
		}
	}
	return nil
}

type Config struct {
	PerTxLimit       *big.Int
	HourlyLimit      *big.Int
	DailyLimit       *big.Int
	AlertPercent     int
	AutoPausePercent int
	Tokens           []TokenConfig
}

func (c *Config) applyDefaults() {
	if c.PerTxLimit == nil {
		c.PerTxLimit = defaultLimit(100_000)
	}
	if c.HourlyLimit == nil {
		c.HourlyLimit = defaultLimit(500_000)
	}
	if c.DailyLimit == nil {
		c.DailyLimit = defaultLimit(2_000_000)
	}
	if c.AlertPercent == 0 {
		c.AlertPercent = DefaultAlertPercent
	}
	if c.AutoPausePercent == 0 {
		c.AutoPausePercent = DefaultAutoPausePercent
	}
}

// Alert is emitted on the alert channel when a committed transfer pushes a
// window past the alert threshold.
type Alert struct {
	Window   string
	UsedUSD  *big.Int
	LimitUSD *big.Int
	Percent  int64
	At       time.Time
}

type window struct {
	start time.Time
	value *big.Int
	count uint32
}

type Governor struct {
	mu     sync.Mutex
	logger *zap.Logger
	db     db.GovernorDBInterface
	cfg    Config

	tokens map[bridge.Address]*TokenConfig

	hourly window
	daily  window

	transfers []*db.VolumeTransfer

	paused      bool
	pausedAt    time.Time
	pauseReason string

	alertC chan Alert
}

func NewGovernor(logger *zap.Logger, database db.GovernorDBInterface, cfg Config) *Governor {
	cfg.applyDefaults()
	return &Governor{
		logger: logger.With(zap.String("component", "governor")),
		db:     database,
		cfg:    cfg,
		tokens: make(map[bridge.Address]*TokenConfig),
		hourly: window{value: big.NewInt(0)},
		daily:  window{value: big.NewInt(0)},
		alertC: make(chan Alert, 8),
	}
}

// Run installs the configured tokens and restores window totals, the recent
// transfer list and the latched pause flag from the database.
func (g *Governor) Run(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := validateThresholds(g.cfg.AlertPercent, g.cfg.AutoPausePercent); err != nil {
		return err
	}

	for i := range g.cfg.Tokens {
		t := g.cfg.Tokens[i]
		if err := t.validate(); err != nil {
			return fmt.Errorf("invalid token config %s: %w", t.Symbol, err)
		}
		g.tokens[t.Address] = &t
	}

	return g.loadFromDB()
}

func validateThresholds(alert, autoPause int) error {
	if alert <= 0 || alert >= autoPause || autoPause > 100 {
		return fmt.Errorf("thresholds must satisfy 0 < alert < autoPause <= 100, got %d and %d", alert, autoPause)
	}
	return nil
}

func (g *Governor) loadFromDB() error {
	state, err := g.db.LoadGovernorState()
	if err != nil {
		return fmt.Errorf("failed to load governor state: %w", err)
	}

	for _, w := range state.Windows {
		switch w.Kind {
		case db.WindowHourly:
			g.hourly = window{start: w.Start, value: w.USDValue, count: w.Count}
		case db.WindowDaily:
			g.daily = window{start: w.Start, value: w.USDValue, count: w.Count}
		}
	}

	g.transfers = state.Transfers

	if state.Flags != nil && state.Flags.Paused {
		g.paused = true
		g.pausedAt = state.Flags.PausedAt
		g.pauseReason = state.Flags.Reason
		metricGovernorPaused.Set(1)
	}

	if len(g.transfers) > 0 || g.paused {
		g.logger.Info("reloaded governor state",
			zap.Int("transfers", len(g.transfers)),
			zap.Bool("paused", g.paused),
		)
	}

	return nil
}

// Alerts returns the channel threshold alerts are delivered on. The channel
// is buffered; alerts are dropped if nobody is draining it.
func (g *Governor) Alerts() <-chan Alert {
	return g.alertC
}

// CheckTransfer reports whether a transfer would be accepted right now,
// without recording anything. The automatic pause band is not evaluated
// here: a transfer inside it still passes the preview and trips the pause on
// the recording call.
func (g *Governor) CheckTransfer(token bridge.Address, amount *big.Int) error {
	return g.CheckTransferForTime(token, amount, time.Now())
}

func (g *Governor) CheckTransferForTime(token bridge.Address, amount *big.Int, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	hValue := rolledValue(&g.hourly, hourlyWindowLength, now)
	dValue := rolledValue(&g.daily, dailyWindowLength, now)
	_, _, _, _, err := g.checkLocked(token, amount, hValue, dValue)
	return err
}

// CheckAndRecord atomically checks a transfer against every limit and, if it
// passes, adds its USD value to both windows. A transfer that lands in the
// automatic pause band is rejected without being recorded and latches the
// paused flag.
func (g *Governor) CheckAndRecord(requestID bridge.RequestID, token bridge.Address, amount *big.Int) error {
	return g.CheckAndRecordForTime(requestID, token, amount, time.Now())
}

func (g *Governor) CheckAndRecordForTime(requestID bridge.RequestID, token bridge.Address, amount *big.Int, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindowsLocked(now)

	tok, usd, postHourly, postDaily, err := g.checkLocked(token, amount, g.hourly.value, g.daily.value)
	if err != nil {
		metricTransfers.WithLabelValues(checkResult(err)).Inc()
		return err
	}

	// The pause band rejects the transfer cleanly: no volume is recorded,
	// and the latched flag blocks everything that follows.
	if overPercent(postHourly, g.hourlyLimitFor(tok), g.cfg.AutoPausePercent) ||
		overPercent(postDaily, g.dailyLimitFor(tok), g.cfg.AutoPausePercent) {
		g.latchPauseLocked(now, fmt.Sprintf("volume above %d%% automatic pause threshold", g.cfg.AutoPausePercent))
		metricTransfers.WithLabelValues("auto_paused").Inc()
		return fmt.Errorf("%w: request %s", ErrAutoPaused, requestID)
	}

	g.hourly.value = postHourly
	g.hourly.count++
	g.daily.value = postDaily
	g.daily.count++

	transfer := &db.VolumeTransfer{
		RequestID: requestID,
		Token:     token,
		Amount:    new(big.Int).Set(amount),
		USDValue:  usd,
		Timestamp: now,
	}
	if err := g.db.StoreVolumeTransfer(transfer); err != nil {
		g.logger.Error("failed to persist volume transfer", zap.Error(err))
	}
	g.transfers = append(g.transfers, transfer)
	g.trimTransfersLocked(now)
	g.persistWindowsLocked()

	g.maybeAlertLocked("hourly", g.hourly.value, g.hourlyLimitFor(tok), now)
	g.maybeAlertLocked("daily", g.daily.value, g.dailyLimitFor(tok), now)

	metricTransfers.WithLabelValues("accepted").Inc()
	metricUsagePercent.WithLabelValues("hourly").Set(percentOf(g.hourly.value, g.cfg.HourlyLimit))
	metricUsagePercent.WithLabelValues("daily").Set(percentOf(g.daily.value, g.cfg.DailyLimit))

	g.logger.Debug("recorded transfer",
		zap.String("requestID", requestID.String()),
		zap.String("usd", usd.String()),
		zap.String("hourlyUsed", g.hourly.value.String()),
		zap.String("dailyUsed", g.daily.value.String()),
	)
	return nil
}

// checkLocked runs the non-latching checks against the supplied window
// values and returns the token, the transfer's USD value and the
// post-addition totals.
func (g *Governor) checkLocked(token bridge.Address, amount *big.Int, hValue, dValue *big.Int) (*TokenConfig, *big.Int, *big.Int, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, nil, nil, ErrInvalidAmount
	}

	tok, ok := g.tokens[token]
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}

	if g.paused {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s", ErrGovernorPaused, g.pauseReason)
	}

	usd := usdValue(tok, amount)

	if usd.Cmp(g.perTxLimitFor(tok)) > 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s exceeds %s", ErrExceedsPerTxLimit, usd, g.perTxLimitFor(tok))
	}

	postHourly := new(big.Int).Add(hValue, usd)
	if postHourly.Cmp(g.hourlyLimitFor(tok)) > 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s exceeds %s", ErrExceedsHourlyLimit, postHourly, g.hourlyLimitFor(tok))
	}

	postDaily := new(big.Int).Add(dValue, usd)
	if postDaily.Cmp(g.dailyLimitFor(tok)) > 0 {
		return nil, nil, nil, nil, fmt.Errorf("%w: %s exceeds %s", ErrExceedsDailyLimit, postDaily, g.dailyLimitFor(tok))
	}

	return tok, usd, postHourly, postDaily, nil
}

// usdValue converts a raw token amount to its 1e18-scaled USD value:
// amount * price / 10^decimals, computed exactly in integers.
func usdValue(t *TokenConfig, amount *big.Int) *big.Int {
	v := new(big.Int).Mul(amount, t.PriceUSD)
	return v.Div(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Decimals)), nil))
}

// overPercent reports whether value is at or above pct percent of limit,
// computed without floating point.
func overPercent(value, limit *big.Int, pct int) bool {
	lhs := new(big.Int).Mul(value, big.NewInt(100))
	rhs := new(big.Int).Mul(limit, big.NewInt(int64(pct)))
	return lhs.Cmp(rhs) >= 0
}

func percentOf(value, limit *big.Int) float64 {
	if limit.Sign() == 0 {
		return 0
	}
	pct := new(big.Int).Mul(value, big.NewInt(100))
	pct.Div(pct, limit)
	return float64(pct.Int64())
}

func (g *Governor) perTxLimitFor(t *TokenConfig) *big.Int {
	if t.PerTxLimit != nil {
		return t.PerTxLimit
	}
	return g.cfg.PerTxLimit
}

func (g *Governor) hourlyLimitFor(t *TokenConfig) *big.Int {
	if t.HourlyLimit != nil {
		return t.HourlyLimit
	}
	return g.cfg.HourlyLimit
}

func (g *Governor) dailyLimitFor(t *TokenConfig) *big.Int {
	if t.DailyLimit != nil {
		return t.DailyLimit
	}
	return g.cfg.DailyLimit
}

// rollWindowsLocked resets any window whose length has fully elapsed and
// starts empty windows at now.
func (g *Governor) rollWindowsLocked(now time.Time) {
	rollWindow(&g.hourly, hourlyWindowLength, now)
	rollWindow(&g.daily, dailyWindowLength, now)
}

func rollWindow(w *window, length time.Duration, now time.Time) {
	if w.start.IsZero() {
		w.start = now
		return
	}
	if now.Sub(w.start) >= length {
		w.start = now
		w.value = big.NewInt(0)
		w.count = 0
	}
}

// rolledValue returns the window's value as it would be after rolling at
// now, without mutating the window.
func rolledValue(w *window, length time.Duration, now time.Time) *big.Int {
	if w.start.IsZero() || now.Sub(w.start) >= length {
		return big.NewInt(0)
	}
	return w.value
}

func (g *Governor) maybeAlertLocked(name string, value, limit *big.Int, now time.Time) {
	if !overPercent(value, limit, g.cfg.AlertPercent) {
		return
	}

	pct := new(big.Int).Mul(value, big.NewInt(100))
	pct.Div(pct, limit)

	alert := Alert{
		Window:   name,
		UsedUSD:  new(big.Int).Set(value),
		LimitUSD: new(big.Int).Set(limit),
		Percent:  pct.Int64(),
		At:       now,
	}

	metricAlerts.Inc()
	g.logger.Warn("volume window above alert threshold",
		zap.String("window", name),
		zap.Int64("percent", alert.Percent),
		zap.String("used", value.String()),
		zap.String("limit", limit.String()),
	)

	select {
	case g.alertC <- alert:
	default:
		g.logger.Warn("alert channel full, dropping alert", zap.String("window", name))
	}
}

func (g *Governor) latchPauseLocked(now time.Time, reason string) {
	g.paused = true
	g.pausedAt = now
	g.pauseReason = reason
	metricGovernorPaused.Set(1)

	if err := g.db.StoreGovernorFlags(&db.GovernorFlags{Paused: true, PausedAt: now, Reason: reason}); err != nil {
		g.logger.Error("failed to persist pause flag", zap.Error(err))
	}
	g.logger.Warn("governor paused", zap.String("reason", reason))
}

func (g *Governor) persistWindowsLocked() {
	snapshots := []*db.WindowSnapshot{
		{Kind: db.WindowHourly, Start: g.hourly.start, USDValue: g.hourly.value, Count: g.hourly.count},
		{Kind: db.WindowDaily, Start: g.daily.start, USDValue: g.daily.value, Count: g.daily.count},
	}
	for _, s := range snapshots {
		if err := g.db.StoreWindowSnapshot(s); err != nil {
			g.logger.Error("failed to persist window snapshot", zap.Error(err))
		}
	}
}

// trimTransfersLocked drops audit records older than the daily window.
func (g *Governor) trimTransfersLocked(now time.Time) {
	kept := g.transfers[:0]
	for _, tr := range g.transfers {
		if now.Sub(tr.Timestamp) > dailyWindowLength {
			if err := g.db.DeleteVolumeTransfer(tr); err != nil {
				g.logger.Error("failed to delete old volume transfer", zap.Error(err))
			}
			continue
		}
		kept = append(kept, tr)
	}
	g.transfers = kept
}

// Resume clears the latched pause flag.
func (g *Governor) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return nil
	}

	g.paused = false
	g.pausedAt = time.Time{}
	g.pauseReason = ""
	metricGovernorPaused.Set(0)

	if err := g.db.StoreGovernorFlags(&db.GovernorFlags{Paused: false}); err != nil {
		return fmt.Errorf("failed to persist resume: %w", err)
	}

	g.logger.Info("governor resumed")
	return nil
}

func (g *Governor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// SetToken registers or replaces a token configuration.
func (g *Governor) SetToken(cfg TokenConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[cfg.Address] = &cfg

	g.logger.Info("token configured",
		zap.String("token", cfg.Address.String()),
		zap.String("symbol", cfg.Symbol),
		zap.Uint8("decimals", cfg.Decimals),
		zap.String("priceUsd", cfg.PriceUSD.String()),
	)
	return nil
}

func (g *Governor) RemoveToken(token bridge.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}
	delete(g.tokens, token)

	g.logger.Info("token removed", zap.String("token", token.String()))
	return nil
}

func (g *Governor) TokenConfigFor(token bridge.Address) (TokenConfig, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tokens[token]
	if !ok {
		return TokenConfig{}, false
	}
	return *t, true
}

// SetLimits replaces the global limits. Limits must be positive and ordered:
// per-transaction at most hourly, hourly at most daily.
func (g *Governor) SetLimits(perTx, hourly, daily *big.Int) error {
	for _, l := range []*big.Int{perTx, hourly, daily} {
		if l == nil || l.Sign() <= 0 {
			return fmt.Errorf("limits must be positive")
		}
	}
	if perTx.Cmp(hourly) > 0 || hourly.Cmp(daily) > 0 {
		return fmt.Errorf("limits must be ordered: per-tx <= hourly <= daily")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.PerTxLimit = perTx
	g.cfg.HourlyLimit = hourly
	g.cfg.DailyLimit = daily

	g.logger.Info("limits updated",
		zap.String("perTx", perTx.String()),
		zap.String("hourly", hourly.String()),
		zap.String("daily", daily.String()),
	)
	return nil
}

// SetThresholds replaces the alert and automatic pause percentages.
func (g *Governor) SetThresholds(alert, autoPause int) error {
	if err := validateThresholds(alert, autoPause); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.AlertPercent = alert
	g.cfg.AutoPausePercent = autoPause

	g.logger.Info("thresholds updated", zap.Int("alert", alert), zap.Int("autoPause", autoPause))
	return nil
}

// SetTokenLimits replaces a token's ceiling overrides. A nil limit clears
// the override back to the global default.
func (g *Governor) SetTokenLimits(token bridge.Address, perTx, hourly, daily *big.Int) error {
	for _, l := range []*big.Int{perTx, hourly, daily} {
		if l != nil && l.Sign() <= 0 {
			return fmt.Errorf("token limit override must be positive")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tok, ok := g.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTokenNotSupported, token)
	}
	tok.PerTxLimit = perTx
	tok.HourlyLimit = hourly
	tok.DailyLimit = daily

	g.logger.Info("token limits updated", zap.String("token", token.String()))
	return nil
}

// ResetHourlyWindow zeroes the hourly window. Operator escape hatch for a
// window polluted by a since-refunded burst.
func (g *Governor) ResetHourlyWindow() {
	g.ResetHourlyWindowForTime(time.Now())
}

func (g *Governor) ResetHourlyWindowForTime(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hourly = window{start: now, value: big.NewInt(0)}
	g.persistWindowsLocked()
	g.logger.Info("hourly window reset")
}

// ResetDailyWindow zeroes the daily window.
func (g *Governor) ResetDailyWindow() {
	g.ResetDailyWindowForTime(time.Now())
}

func (g *Governor) ResetDailyWindowForTime(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.daily = window{start: now, value: big.NewInt(0)}
	g.persistWindowsLocked()
	g.logger.Info("daily window reset")
}

// Stats is a point-in-time summary for the status server. Used values are
// reported post-roll, so a window whose length has elapsed shows as empty.
type Stats struct {
	Paused           bool   `json:"paused"`
	PauseReason      string `json:"pauseReason,omitempty"`
	TokenCount       int    `json:"tokenCount"`
	HourlyUsedUSD    string `json:"hourlyUsedUsd"`
	HourlyLimitUSD   string `json:"hourlyLimitUsd"`
	DailyUsedUSD     string `json:"dailyUsedUsd"`
	DailyLimitUSD    string `json:"dailyLimitUsd"`
	TransferCount24h int    `json:"transferCount24h"`
}

func (g *Governor) Stats() Stats {
	return g.StatsForTime(time.Now())
}

func (g *Governor) StatsForTime(now time.Time) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, tr := range g.transfers {
		if now.Sub(tr.Timestamp) <= dailyWindowLength {
			count++
		}
	}

	return Stats{
		Paused:           g.paused,
		PauseReason:      g.pauseReason,
		TokenCount:       len(g.tokens),
		HourlyUsedUSD:    rolledValue(&g.hourly, hourlyWindowLength, now).String(),
		HourlyLimitUSD:   g.cfg.HourlyLimit.String(),
		DailyUsedUSD:     rolledValue(&g.daily, dailyWindowLength, now).String(),
		DailyLimitUSD:    g.cfg.DailyLimit.String(),
		TransferCount24h: count,
	}
}

func checkResult(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrTokenNotSupported):
		return "unsupported_token"
	case errors.Is(err, ErrGovernorPaused):
		return "paused"
	case errors.Is(err, ErrExceedsPerTxLimit):
		return "per_tx_limit"
	case errors.Is(err, ErrExceedsHourlyLimit):
		return "hourly_limit"
	case errors.Is(err, ErrExceedsDailyLimit):
		return "daily_limit"
	default:
		return "rejected"
	}
}
