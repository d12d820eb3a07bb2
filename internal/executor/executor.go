// Package executor confirms trade intents against the chain. Intents for
// the same wallet are serialized through a dedicated worker so nonce order
// is preserved; distinct wallets proceed concurrently.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/chain"
	"github.com/soundclash/battle-engine/internal/hub"
	"github.com/soundclash/battle-engine/internal/metrics"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/store"
)

var (
	// ErrSlippageExceeded is returned when the quoted output falls below
	// the intent's minimum. No trade record is written and no retry occurs.
	ErrSlippageExceeded = errors.New("executor: slippage exceeded")

	// ErrBattleNotTradable is returned for trades against battles that are
	// not currently active.
	ErrBattleNotTradable = errors.New("executor: battle not accepting trades")

	// ErrClosed is returned for submissions after shutdown.
	ErrClosed = errors.New("executor: shut down")
)

// Config holds the executor's retry and queueing policy.
type Config struct {
	MaxRetries   int           // transient-failure retries per intent
	RetryBase    time.Duration // backoff base, doubled per attempt
	WalletBuffer int           // pending intents per wallet worker
}

// Intent is a validated trade request bound for the chain.
// For buys Amount is the payment and MinOutput the minimum tokens; for
// sells Amount is the token quantity and MinOutput the minimum payment.
type Intent struct {
	BattleID  string
	Side      model.Side
	Type      model.TradeType
	Wallet    string
	Amount    decimal.Decimal
	MinOutput decimal.Decimal
}

// PoolSyncer refreshes a battle's pool mirror from chain state after a
// confirmed trade. Implemented by the lifecycle manager.
type PoolSyncer interface {
	SyncPools(ctx context.Context, battleID string) (*model.Battle, error)
}

// Executor owns the per-wallet worker pool.
type Executor struct {
	store store.Store
	chain chain.Client
	sync  PoolSyncer
	hub   *hub.Hub // nil disables trade broadcasts
	cfg   Config

	mu      sync.Mutex
	workers map[string]chan task
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	ctx    context.Context
	intent Intent
	done   chan result
}

type result struct {
	trade *model.Trade
	err   error
}

// New creates an executor. Workers are spawned lazily, one per wallet on
// first use.
func New(st store.Store, ch chain.Client, sync PoolSyncer, h *hub.Hub, cfg Config) *Executor {
	return &Executor{
		store:   st,
		chain:   ch,
		sync:    sync,
		hub:     h,
		cfg:     cfg,
		workers: make(map[string]chan task),
	}
}

// Submit validates the intent, queues it on the wallet's worker, and waits
// for confirmation. Intents from one wallet confirm in submission order.
func (e *Executor) Submit(ctx context.Context, intent Intent) (*model.Trade, error) {
	if err := e.validate(ctx, intent); err != nil {
		return nil, err
	}

	t := task{ctx: ctx, intent: intent, done: make(chan result, 1)}
	ch, err := e.worker(intent.Wallet)
	if err != nil {
		return nil, err
	}

	select {
	case ch <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.done:
		return res.trade, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all workers after draining their queued intents. Callers
// must stop submitting before closing; the HTTP server is drained first.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, ch := range e.workers {
		close(ch)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// validate checks the battle is tradable and pre-checks slippage with a
// quote. The chain enforces MinOutput again at submission; this rejects
// obviously stale intents without burning a nonce.
func (e *Executor) validate(ctx context.Context, intent Intent) error {
	b, err := e.store.GetBattle(ctx, intent.BattleID)
	if err != nil {
		return err
	}
	if b.Status != model.StatusActive {
		return fmt.Errorf("%w: battle %s is %s", ErrBattleNotTradable, b.ID, b.Status)
	}

	quote, err := e.chain.Quote(ctx, e.request(intent))
	if err != nil {
		return err
	}
	if quote.LessThan(intent.MinOutput) {
		metrics.SlippageRejections.Inc()
		return fmt.Errorf("%w: quoted %s below minimum %s",
			ErrSlippageExceeded, quote.String(), intent.MinOutput.String())
	}
	return nil
}

func (e *Executor) worker(wallet string) (chan task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	ch, ok := e.workers[wallet]
	if !ok {
		ch = make(chan task, e.cfg.WalletBuffer)
		e.workers[wallet] = ch
		e.wg.Add(1)
		go e.run(wallet, ch)
	}
	return ch, nil
}

func (e *Executor) run(wallet string, ch chan task) {
	defer e.wg.Done()

	for t := range ch {
		if err := t.ctx.Err(); err != nil {
			t.done <- result{err: err}
			continue
		}
		trade, err := e.execute(t.ctx, t.intent)
		t.done <- result{trade: trade, err: err}
	}
	slog.Debug("wallet worker stopped", "wallet", wallet)
}

// execute submits the intent with bounded backoff on transient chain
// failures. Slippage enforced on chain is terminal, never retried.
func (e *Executor) execute(ctx context.Context, intent Intent) (*model.Trade, error) {
	req := e.request(intent)

	var receipt *chain.Receipt
	var err error
	for attempt := 0; ; attempt++ {
		receipt, err = e.chain.SubmitTrade(ctx, req)
		if err == nil {
			break
		}
		if errors.Is(err, chain.ErrSlippage) {
			metrics.SlippageRejections.Inc()
			return nil, fmt.Errorf("%w: %v", ErrSlippageExceeded, err)
		}
		if !chain.IsTransient(err) || attempt >= e.cfg.MaxRetries {
			return nil, fmt.Errorf("submit trade for %s: %w", intent.Wallet, err)
		}

		metrics.TradeRetries.Inc()
		backoff := e.cfg.RetryBase << attempt
		slog.Warn("transient chain failure, retrying",
			"wallet", intent.Wallet,
			"battle", intent.BattleID,
			"attempt", attempt+1,
			"backoff", backoff,
			"err", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	trade := &model.Trade{
		ID:            uuid.NewString(),
		BattleID:      intent.BattleID,
		Side:          intent.Side,
		Type:          intent.Type,
		TokenAmount:   receipt.TokenAmount,
		PaymentAmount: receipt.PaymentAmount,
		Fee:           receipt.Fee,
		Wallet:        intent.Wallet,
		TxRef:         receipt.TxRef,
		Nonce:         receipt.Nonce,
		Timestamp:     time.Now().UTC(),
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		// The chain already confirmed; surface the persistence failure
		// but do not pretend the trade never happened.
		return trade, fmt.Errorf("record trade %s: %w", trade.TxRef, err)
	}

	battle, err := e.sync.SyncPools(ctx, intent.BattleID)
	if err != nil {
		slog.Error("pool sync after trade failed", "battle", intent.BattleID, "err", err)
	}

	metrics.TradesTotal.WithLabelValues(string(intent.Side), string(intent.Type)).Inc()
	e.publishTrade(trade, battle)

	slog.Info("trade confirmed",
		"battle", trade.BattleID,
		"wallet", trade.Wallet,
		"side", trade.Side,
		"type", trade.Type,
		"tokens", trade.TokenAmount,
		"payment", trade.PaymentAmount,
		"nonce", trade.Nonce,
	)
	return trade, nil
}

func (e *Executor) request(intent Intent) chain.TradeRequest {
	return chain.TradeRequest{
		BattleID:  intent.BattleID,
		Side:      intent.Side,
		Type:      intent.Type,
		Wallet:    intent.Wallet,
		Amount:    intent.Amount,
		MinOutput: intent.MinOutput,
	}
}

func (e *Executor) publishTrade(trade *model.Trade, battle *model.Battle) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(hub.BattleKey(trade.BattleID), hub.Event{
		Type:     hub.EventTrade,
		BattleID: trade.BattleID,
		Trade:    trade,
		Battle:   battle,
	})
}
