// Package paper implements the paper-trading ledger: simulated position
// management with the same contract and lock discipline a live ledger would
// have, minus the exchange.
package paper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"go.uber.org/zap"
)

// PriceFeed 行情读取函数。回测与测试里直接注入静态价格。
type PriceFeed func(ctx context.Context, symbol string) (float64, error)

// Position 当前持仓（单一持仓模型，对应单交易对永续合约）
type Position struct {
	Symbol     string           `json:"symbol"`
	Direction  entity.Direction `json:"direction"` // long | short
	Size       float64          `json:"size"`      // 币数量
	EntryPrice float64          `json:"entry_price"`
	Leverage   int              `json:"leverage"`
	Margin     float64          `json:"margin"` // 占用保证金 (USDT)
	TakeProfit float64          `json:"take_profit"`
	StopLoss   float64          `json:"stop_loss"`
	OpenedAt   time.Time        `json:"opened_at"`
}

// Liquidation 估算强平价（简化：维持保证金忽略，1/杠杆全亏触发）
func (p *Position) Liquidation() float64 {
	if p.Leverage <= 0 {
		return 0
	}
	if p.Direction == entity.DirectionLong {
		return p.EntryPrice * (1 - 1/float64(p.Leverage))
	}
	return p.EntryPrice * (1 + 1/float64(p.Leverage))
}

// UnrealizedPnL 以给定现价计算浮动盈亏 (USDT)
func (p *Position) UnrealizedPnL(price float64) float64 {
	if p.Direction == entity.DirectionLong {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// Account 账户快照
type Account struct {
	AvailableBalance float64 `json:"available_balance"`
	TotalEquity      float64 `json:"total_equity"`
	UsedMargin       float64 `json:"used_margin"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	RealizedPnL      float64 `json:"realized_pnl"`
	TotalTrades      int     `json:"total_trades"`
	WinRate          float64 `json:"win_rate"`
}

// CloseReason 平仓原因
type CloseReason string

const (
	CloseManual     CloseReason = "manual"
	CloseTakeProfit CloseReason = "take_profit"
	CloseStopLoss   CloseReason = "stop_loss"
)

// CloseEvent 平仓事件，投递给反思流水线
type CloseEvent struct {
	Symbol    string           `json:"symbol"`
	Direction entity.Direction `json:"direction"`
	Size      float64          `json:"size"`
	Entry     float64          `json:"entry_price"`
	Exit      float64          `json:"exit_price"`
	Leverage  int              `json:"leverage"`
	PnL       float64          `json:"pnl"`
	PnLPct    float64          `json:"pnl_pct"` // 相对保证金
	Reason    CloseReason      `json:"reason"`
	OpenedAt  time.Time        `json:"opened_at"`
	ClosedAt  time.Time        `json:"closed_at"`
}

// Trader is the contract the meeting engine and the decision tools program
// against. Reads may be served from a snapshot; writes are serialized by the
// ledger's trade lock.
type Trader interface {
	GetPosition(ctx context.Context) (*Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	OpenLong(ctx context.Context, symbol string, leverage int, amountUSDT, tpPrice, slPrice float64) error
	OpenShort(ctx context.Context, symbol string, leverage int, amountUSDT, tpPrice, slPrice float64) error
	ClosePosition(ctx context.Context, symbol string) error
	Hold(reason string)
}

// Ledger is the in-memory paper trader. All position-mutating operations
// funnel through mu — the trade lock — so concurrent opens against an
// existing position fail with ErrAlreadyHasPosition instead of racing.
type Ledger struct {
	mu sync.Mutex // trade lock: single linearization point for writes

	balance  float64 // 可用余额（未占用保证金）
	realized float64
	trades   int
	wins     int
	position *Position

	feed    PriceFeed
	closeCh chan CloseEvent
	logger  *zap.Logger
}

var _ Trader = (*Ledger)(nil)

// NewLedger creates a ledger with the given starting balance.
func NewLedger(initialBalance float64, feed PriceFeed, logger *zap.Logger) *Ledger {
	return &Ledger{
		balance: initialBalance,
		feed:    feed,
		closeCh: make(chan CloseEvent, 16),
		logger:  logger.With(zap.String("component", "paper-ledger")),
	}
}

// CloseEvents returns the channel on which finished trades are published.
// The reflection worker is the intended consumer.
func (l *Ledger) CloseEvents() <-chan CloseEvent { return l.closeCh }

// GetCurrentPrice proxies the price feed.
func (l *Ledger) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return l.feed(ctx, symbol)
}

// GetPosition returns a copy of the open position, or nil when flat.
// Before answering it runs the TP/SL sweep against the latest price, so a
// position whose stop was crossed between phases is already closed here.
func (l *Ledger) GetPosition(ctx context.Context) (*Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position == nil {
		return nil, nil
	}
	price, err := l.feed(ctx, l.position.Symbol)
	if err != nil {
		// Feed down — answer from the last known state rather than failing.
		cp := *l.position
		return &cp, nil
	}
	l.sweepLocked(price)
	if l.position == nil {
		return nil, nil
	}
	cp := *l.position
	return &cp, nil
}

// GetAccount returns the account snapshot at the latest available price.
func (l *Ledger) GetAccount(ctx context.Context) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := &Account{
		AvailableBalance: l.balance,
		TotalEquity:      l.balance,
		RealizedPnL:      l.realized,
		TotalTrades:      l.trades,
	}
	if l.trades > 0 {
		acct.WinRate = float64(l.wins) / float64(l.trades)
	}
	if l.position != nil {
		acct.UsedMargin = l.position.Margin
		price, err := l.feed(ctx, l.position.Symbol)
		if err == nil {
			acct.UnrealizedPnL = l.position.UnrealizedPnL(price)
		}
		acct.TotalEquity = l.balance + l.position.Margin + acct.UnrealizedPnL
	}
	return acct, nil
}

// OpenLong opens a leveraged long. amountUSDT is the margin to commit, not a
// percentage — the caller converts amount_percent beforehand.
func (l *Ledger) OpenLong(ctx context.Context, symbol string, leverage int, amountUSDT, tpPrice, slPrice float64) error {
	return l.open(ctx, symbol, entity.DirectionLong, leverage, amountUSDT, tpPrice, slPrice)
}

// OpenShort opens a leveraged short.
func (l *Ledger) OpenShort(ctx context.Context, symbol string, leverage int, amountUSDT, tpPrice, slPrice float64) error {
	return l.open(ctx, symbol, entity.DirectionShort, leverage, amountUSDT, tpPrice, slPrice)
}

func (l *Ledger) open(ctx context.Context, symbol string, dir entity.Direction, leverage int, amountUSDT, tpPrice, slPrice float64) error {
	if leverage < 1 {
		return fmt.Errorf("leverage must be >= 1, got %d", leverage)
	}
	if amountUSDT <= 0 {
		return fmt.Errorf("amount must be positive, got %.2f", amountUSDT)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position != nil {
		return fmt.Errorf("%w: %s %s", entity.ErrAlreadyHasPosition, l.position.Direction, l.position.Symbol)
	}
	if amountUSDT > l.balance {
		return fmt.Errorf("%w: need %.2f, have %.2f", entity.ErrInsufficientMargin, amountUSDT, l.balance)
	}

	price, err := l.feed(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch price for %s: %w", symbol, err)
	}

	l.balance -= amountUSDT
	l.position = &Position{
		Symbol:     symbol,
		Direction:  dir,
		Size:       amountUSDT * float64(leverage) / price,
		EntryPrice: price,
		Leverage:   leverage,
		Margin:     amountUSDT,
		TakeProfit: tpPrice,
		StopLoss:   slPrice,
		OpenedAt:   time.Now(),
	}

	l.logger.Info("Position opened",
		zap.String("symbol", symbol),
		zap.String("direction", string(dir)),
		zap.Int("leverage", leverage),
		zap.Float64("margin", amountUSDT),
		zap.Float64("entry", price),
		zap.Float64("tp", tpPrice),
		zap.Float64("sl", slPrice),
	)
	return nil
}

// ClosePosition closes the open position at market.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.position == nil {
		return entity.ErrNoPosition
	}
	price, err := l.feed(ctx, l.position.Symbol)
	if err != nil {
		return fmt.Errorf("fetch price for close: %w", err)
	}
	l.closeLocked(price, CloseManual)
	return nil
}

// Hold records a deliberate no-op decision. Kept on the contract so the
// decision-tool set is uniform.
func (l *Ledger) Hold(reason string) {
	l.logger.Info("Hold decision recorded", zap.String("reason", reason))
}

// sweepLocked closes the position if the price crossed TP or SL.
// Caller holds the trade lock.
func (l *Ledger) sweepLocked(price float64) {
	p := l.position
	if p == nil {
		return
	}
	var reason CloseReason
	switch p.Direction {
	case entity.DirectionLong:
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			reason = CloseTakeProfit
		} else if p.StopLoss > 0 && price <= p.StopLoss {
			reason = CloseStopLoss
		}
	case entity.DirectionShort:
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			reason = CloseTakeProfit
		} else if p.StopLoss > 0 && price >= p.StopLoss {
			reason = CloseStopLoss
		}
	}
	if reason != "" {
		l.closeLocked(price, reason)
	}
}

// closeLocked settles the position at price. Caller holds the trade lock.
func (l *Ledger) closeLocked(price float64, reason CloseReason) {
	p := l.position
	pnl := p.UnrealizedPnL(price)
	// 保证金不足以覆盖亏损时按爆仓归零
	if pnl < -p.Margin {
		pnl = -p.Margin
	}

	l.balance += p.Margin + pnl
	l.realized += pnl
	l.trades++
	if pnl > 0 {
		l.wins++
	}
	l.position = nil

	event := CloseEvent{
		Symbol:    p.Symbol,
		Direction: p.Direction,
		Size:      p.Size,
		Entry:     p.EntryPrice,
		Exit:      price,
		Leverage:  p.Leverage,
		PnL:       pnl,
		PnLPct:    safePct(pnl, p.Margin),
		Reason:    reason,
		OpenedAt:  p.OpenedAt,
		ClosedAt:  time.Now(),
	}

	l.logger.Info("Position closed",
		zap.String("symbol", p.Symbol),
		zap.String("direction", string(p.Direction)),
		zap.String("reason", string(reason)),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_pct", event.PnLPct),
	)

	// Non-blocking publish: a slow reflection consumer must never stall the
	// trade lock.
	select {
	case l.closeCh <- event:
	default:
		l.logger.Warn("Close-event channel full, dropping event",
			zap.String("symbol", p.Symbol))
	}
}

func safePct(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(part/whole*10000) / 100
}
