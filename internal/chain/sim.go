package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

// Curve parameters for the simulated linear bonding curve:
// price(supply) = basePrice + slope × supply. The real contract's exact
// curve math is out of scope; this simulation preserves the properties the
// engine depends on (monotonic price, slippage bounds, nonce discipline).
var (
	simBasePrice = decimal.NewFromFloat(0.01)
	simSlope     = decimal.NewFromFloat(0.0001)
	simFeeRate   = decimal.NewFromFloat(0.01) // 1% of payment
)

// priceScale is the rounding applied to simulated amounts.
const priceScale int32 = 8

// SimClient is an in-process chain simulation used in dev mode and tests.
// It is safe for concurrent use and allocates strictly increasing nonces
// per wallet under a single lock, matching real submission ordering.
type SimClient struct {
	mu     sync.Mutex
	pools  map[string]*simPool
	nonces map[string]uint64
	events chan Event
	closed bool

	// failures holds injected errors returned by the next SubmitTrade
	// calls, oldest first. Used to exercise retry paths.
	failures []error
}

type simPool struct {
	denom string
	state PoolState
}

// NewSimClient creates a simulated chain client.
func NewSimClient() *SimClient {
	return &SimClient{
		pools:  make(map[string]*simPool),
		nonces: make(map[string]uint64),
		events: make(chan Event, 256),
	}
}

// FailNextSubmits queues errs to be returned by upcoming SubmitTrade calls
// before normal processing resumes.
func (c *SimClient) FailNextSubmits(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, errs...)
}

func (c *SimClient) CreatePools(_ context.Context, battleID, denom string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pools[battleID]; ok {
		return fmt.Errorf("chain: pools for battle %s already exist", battleID)
	}
	c.pools[battleID] = &simPool{denom: denom}
	return nil
}

// price returns the instantaneous token price at the given supply.
func price(supply decimal.Decimal) decimal.Decimal {
	return simBasePrice.Add(simSlope.Mul(supply))
}

// quoteLocked computes the expected output for req against current state.
// Caller holds the lock.
func (c *SimClient) quoteLocked(req TradeRequest) (out, fee decimal.Decimal, err error) {
	p, ok := c.pools[req.BattleID]
	if !ok {
		return decimal.Zero, decimal.Zero, ErrUnknownBattle
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("chain: non-positive amount")
	}

	supply := p.state.SupplyA
	pool := p.state.PoolA
	if req.Side == model.SideB {
		supply = p.state.SupplyB
		pool = p.state.PoolB
	}

	switch req.Type {
	case model.TradeBuy:
		fee = req.Amount.Mul(simFeeRate).Round(priceScale)
		net := req.Amount.Sub(fee)
		tokens := net.Div(price(supply)).Round(priceScale)
		return tokens, fee, nil
	case model.TradeSell:
		if req.Amount.GreaterThan(supply) {
			return decimal.Zero, decimal.Zero, ErrInsufficientPool
		}
		gross := req.Amount.Mul(price(supply.Sub(req.Amount))).Round(priceScale)
		if gross.GreaterThan(pool) {
			return decimal.Zero, decimal.Zero, ErrInsufficientPool
		}
		fee = gross.Mul(simFeeRate).Round(priceScale)
		return gross.Sub(fee), fee, nil
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("chain: unknown trade type %q", req.Type)
	}
}

func (c *SimClient) Quote(_ context.Context, req TradeRequest) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, _, err := c.quoteLocked(req)
	return out, err
}

func (c *SimClient) SubmitTrade(_ context.Context, req TradeRequest) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return nil, err
	}

	out, fee, err := c.quoteLocked(req)
	if err != nil {
		return nil, err
	}
	if out.LessThan(req.MinOutput) {
		return nil, fmt.Errorf("%w: output %s < min %s", ErrSlippage, out, req.MinOutput)
	}

	p := c.pools[req.BattleID]
	var tokens, payment decimal.Decimal
	switch req.Type {
	case model.TradeBuy:
		tokens = out
		payment = req.Amount
		net := payment.Sub(fee)
		if req.Side == model.SideA {
			p.state.PoolA = p.state.PoolA.Add(net)
			p.state.SupplyA = p.state.SupplyA.Add(tokens)
		} else {
			p.state.PoolB = p.state.PoolB.Add(net)
			p.state.SupplyB = p.state.SupplyB.Add(tokens)
		}
	case model.TradeSell:
		tokens = req.Amount
		payment = out
		if req.Side == model.SideA {
			p.state.PoolA = p.state.PoolA.Sub(payment.Add(fee))
			p.state.SupplyA = p.state.SupplyA.Sub(tokens)
		} else {
			p.state.PoolB = p.state.PoolB.Sub(payment.Add(fee))
			p.state.SupplyB = p.state.SupplyB.Sub(tokens)
		}
	}

	c.nonces[req.Wallet]++
	receipt := &Receipt{
		TxRef:         "0x" + uuid.New().String(),
		Nonce:         c.nonces[req.Wallet],
		TokenAmount:   tokens,
		PaymentAmount: payment,
		Fee:           fee,
		Pools:         p.state,
	}

	c.emitLocked(Event{Type: EventPoolUpdated, BattleID: req.BattleID, Pools: p.state})
	return receipt, nil
}

func (c *SimClient) PoolState(_ context.Context, battleID string) (*PoolState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[battleID]
	if !ok {
		return nil, ErrUnknownBattle
	}
	state := p.state
	return &state, nil
}

// DecideWinner emits an out-of-band winner decision, as the real contract
// does when its end condition fires before the engine's clock.
func (c *SimClient) DecideWinner(battleID string, winner model.Side) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[battleID]
	if !ok {
		return ErrUnknownBattle
	}
	c.emitLocked(Event{
		Type:     EventWinnerDecided,
		BattleID: battleID,
		Pools:    p.state,
		Winner:   winner,
	})
	return nil
}

func (c *SimClient) Events() <-chan Event {
	return c.events
}

// Close shuts the event stream. Emit calls after Close are dropped.
func (c *SimClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// emitLocked pushes an event without blocking the submit path. A full
// buffer drops the event; consumers resync from PoolState anyway.
func (c *SimClient) emitLocked(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// SeedPool sets pool state directly. Test helper.
func (c *SimClient) SeedPool(battleID string, poolA, poolB, supplyA, supplyB float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[battleID]
	if !ok {
		p = &simPool{}
		c.pools[battleID] = p
	}
	p.state = PoolState{
		PoolA:   decimal.NewFromFloat(poolA),
		PoolB:   decimal.NewFromFloat(poolB),
		SupplyA: decimal.NewFromFloat(supplyA),
		SupplyB: decimal.NewFromFloat(supplyB),
	}
}

// NonceFor returns the last nonce allocated to wallet. Test helper.
func (c *SimClient) NonceFor(wallet string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[wallet]
}
