// Package chain defines the boundary to the on-chain collaborator that owns
// battle pools: ground-truth pool state, trade submission, and the typed
// event stream consumed by the lifecycle manager and broadcaster.
//
// The engine never reads chain state ad hoc; it mirrors pool values into the
// store and refreshes the mirror by explicit sync after trades and at
// lifecycle transitions.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

var (
	// ErrSlippage is returned when the minimum-output check fails.
	// Terminal: the caller must not retry with the same bound.
	ErrSlippage = errors.New("chain: output below slippage bound")

	// ErrNonceRace is returned when a submission lost a nonce race.
	// Transient: safe to retry.
	ErrNonceRace = errors.New("chain: nonce already used")

	// ErrRPCUnavailable is returned on transient RPC failures.
	ErrRPCUnavailable = errors.New("chain: rpc unavailable")

	// ErrUnknownBattle is returned for battles with no deployed pools.
	ErrUnknownBattle = errors.New("chain: unknown battle")

	// ErrInsufficientPool is returned when a sell would drain a pool below
	// zero. Terminal.
	ErrInsufficientPool = errors.New("chain: insufficient pool balance")
)

// IsTransient reports whether an error is worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNonceRace) || errors.Is(err, ErrRPCUnavailable)
}

// EventType tags the closed union of chain events.
type EventType string

const (
	// EventPoolUpdated reports new pool/supply values after a confirmed trade.
	EventPoolUpdated EventType = "pool_updated"

	// EventWinnerDecided reports an out-of-band winner decision. The
	// lifecycle manager treats this as a valid active → settled short-circuit.
	EventWinnerDecided EventType = "winner_decided"
)

// Event is one typed chain notification.
type Event struct {
	Type     EventType
	BattleID string
	Pools    PoolState
	Winner   model.Side
}

// PoolState is the ground-truth pool snapshot for one battle.
type PoolState struct {
	PoolA   decimal.Decimal
	PoolB   decimal.Decimal
	SupplyA decimal.Decimal
	SupplyB decimal.Decimal
}

// PoolFor returns the pool backing the given side.
func (p PoolState) PoolFor(side model.Side) decimal.Decimal {
	if side == model.SideA {
		return p.PoolA
	}
	return p.PoolB
}

// TradeRequest is a trade ready for chain submission. For buys, Amount is
// the payment offered and MinOutput the fewest tokens acceptable; for sells,
// Amount is the token quantity and MinOutput the least payment acceptable.
type TradeRequest struct {
	BattleID  string
	Side      model.Side
	Type      model.TradeType
	Wallet    string
	Amount    decimal.Decimal
	MinOutput decimal.Decimal
}

// Receipt is the confirmation of a submitted trade.
type Receipt struct {
	TxRef         string
	Nonce         uint64
	TokenAmount   decimal.Decimal
	PaymentAmount decimal.Decimal
	Fee           decimal.Decimal
	Pools         PoolState
}

// Client is the chain collaborator interface. Implementations must allocate
// strictly increasing nonces per wallet in submission order.
type Client interface {
	// CreatePools deploys the two-sided pool pair for a new battle.
	CreatePools(ctx context.Context, battleID, denom string) error

	// Quote returns the expected output of the trade without executing it.
	Quote(ctx context.Context, req TradeRequest) (decimal.Decimal, error)

	// SubmitTrade executes the trade, enforcing MinOutput on chain.
	SubmitTrade(ctx context.Context, req TradeRequest) (*Receipt, error)

	// PoolState returns the current ground-truth pools for a battle.
	PoolState(ctx context.Context, battleID string) (*PoolState, error)

	// Events delivers pool updates and winner decisions. The channel is
	// closed when the client shuts down.
	Events() <-chan Event
}
