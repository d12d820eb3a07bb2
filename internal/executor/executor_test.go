package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/chain"
	"github.com/soundclash/battle-engine/internal/model"
	"github.com/soundclash/battle-engine/internal/store"
)

// nopSyncer satisfies PoolSyncer without touching a lifecycle manager.
type nopSyncer struct {
	st store.Store
}

func (n nopSyncer) SyncPools(ctx context.Context, battleID string) (*model.Battle, error) {
	return n.st.GetBattle(ctx, battleID)
}

type testEnv struct {
	store *store.MemoryStore
	chain *chain.SimClient
	exec  *Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	sim := chain.NewSimClient()
	t.Cleanup(sim.Close)

	exec := New(st, sim, nopSyncer{st: st}, nil, Config{
		MaxRetries:   3,
		RetryBase:    time.Millisecond,
		WalletBuffer: 16,
	})
	t.Cleanup(exec.Close)

	return &testEnv{store: st, chain: sim, exec: exec}
}

func (env *testEnv) activeBattle(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	if err := env.chain.CreatePools(ctx, id, "USDC"); err != nil {
		t.Fatalf("create pools: %v", err)
	}
	env.chain.SeedPool(id, 500, 500, 1000, 1000)

	err := env.store.CreateBattle(ctx, &model.Battle{
		ID:     id,
		Status: model.StatusActive,
		Denom:  "USDC",
		PoolA:  decimal.NewFromInt(500), PoolB: decimal.NewFromInt(500),
		SupplyA: decimal.NewFromInt(1000), SupplyB: decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
}

func buyIntent(battleID, wallet string, payment float64) Intent {
	return Intent{
		BattleID:  battleID,
		Side:      model.SideA,
		Type:      model.TradeBuy,
		Wallet:    wallet,
		Amount:    decimal.NewFromFloat(payment),
		MinOutput: decimal.Zero,
	}
}

func TestSubmit_ConfirmsAndRecords(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000001")

	trade, err := env.exec.Submit(context.Background(), buyIntent("battle-000001", "wallet-1", 25))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if trade.Nonce != 1 {
		t.Errorf("nonce = %d, want 1", trade.Nonce)
	}
	if trade.TxRef == "" {
		t.Errorf("trade missing tx ref")
	}
	if !trade.TokenAmount.IsPositive() {
		t.Errorf("token amount = %s, want positive", trade.TokenAmount)
	}

	trades, err := env.store.ListTradesByBattle(context.Background(), "battle-000001")
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	if len(trades) != 1 || trades[0].TxRef != trade.TxRef {
		t.Errorf("trade record not persisted")
	}
}

func TestSubmit_RejectsInactiveBattle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.chain.CreatePools(ctx, "battle-000002", "USDC"); err != nil {
		t.Fatalf("create pools: %v", err)
	}
	err := env.store.CreateBattle(ctx, &model.Battle{
		ID:     "battle-000002",
		Status: model.StatusPending,
		PoolA:  decimal.Zero, PoolB: decimal.Zero,
		SupplyA: decimal.Zero, SupplyB: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	_, err = env.exec.Submit(ctx, buyIntent("battle-000002", "wallet-1", 10))
	if !errors.Is(err, ErrBattleNotTradable) {
		t.Fatalf("err = %v, want ErrBattleNotTradable", err)
	}
}

func TestSubmit_SlippageRejectedWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000003")
	ctx := context.Background()

	intent := buyIntent("battle-000003", "wallet-1", 10)
	intent.MinOutput = decimal.NewFromInt(1_000_000) // far above any quote

	_, err := env.exec.Submit(ctx, intent)
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}

	trades, _ := env.store.ListTradesByBattle(ctx, "battle-000003")
	if len(trades) != 0 {
		t.Errorf("rejected intent left %d trade records", len(trades))
	}
	if got := env.chain.NonceFor("wallet-1"); got != 0 {
		t.Errorf("rejected intent consumed nonce %d", got)
	}
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000004")

	env.chain.FailNextSubmits(chain.ErrRPCUnavailable, chain.ErrNonceRace)

	trade, err := env.exec.Submit(context.Background(), buyIntent("battle-000004", "wallet-1", 20))
	if err != nil {
		t.Fatalf("submit should succeed after transient failures: %v", err)
	}
	if trade.Nonce != 1 {
		t.Errorf("nonce = %d, want 1", trade.Nonce)
	}
}

func TestSubmit_GivesUpAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000005")

	// MaxRetries=3 allows 4 attempts total; feed 5 transient failures.
	env.chain.FailNextSubmits(
		chain.ErrRPCUnavailable, chain.ErrRPCUnavailable,
		chain.ErrRPCUnavailable, chain.ErrRPCUnavailable,
		chain.ErrRPCUnavailable,
	)

	_, err := env.exec.Submit(context.Background(), buyIntent("battle-000005", "wallet-1", 20))
	if !errors.Is(err, chain.ErrRPCUnavailable) {
		t.Fatalf("err = %v, want ErrRPCUnavailable after retry budget", err)
	}

	trades, _ := env.store.ListTradesByBattle(context.Background(), "battle-000005")
	if len(trades) != 0 {
		t.Errorf("failed intent left %d trade records", len(trades))
	}
}

func TestSubmit_WalletNoncesStrictlyIncrease(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000006")
	ctx := context.Background()

	const perWallet = 20
	wallets := []string{"wallet-a", "wallet-b", "wallet-c"}

	var mu sync.Mutex
	nonces := make(map[string][]uint64)
	var wg sync.WaitGroup

	for _, w := range wallets {
		for i := 0; i < perWallet; i++ {
			wg.Add(1)
			go func(wallet string) {
				defer wg.Done()
				trade, err := env.exec.Submit(ctx, buyIntent("battle-000006", wallet, 1))
				if err != nil {
					t.Errorf("submit %s: %v", wallet, err)
					return
				}
				mu.Lock()
				nonces[wallet] = append(nonces[wallet], trade.Nonce)
				mu.Unlock()
			}(w)
		}
	}
	wg.Wait()

	for _, w := range wallets {
		got := nonces[w]
		if len(got) != perWallet {
			t.Fatalf("%s confirmed %d trades, want %d", w, len(got), perWallet)
		}
		seen := make(map[uint64]bool, len(got))
		var max uint64
		for _, n := range got {
			if seen[n] {
				t.Errorf("%s reused nonce %d", w, n)
			}
			seen[n] = true
			if n > max {
				max = n
			}
		}
		if max != perWallet {
			t.Errorf("%s max nonce = %d, want %d", w, max, perWallet)
		}
	}
}

func TestSubmit_SameWalletOrderPreserved(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000007")
	ctx := context.Background()

	// Sequential submissions from one wallet must confirm with
	// consecutive nonces in submission order.
	for i := 1; i <= 5; i++ {
		trade, err := env.exec.Submit(ctx, buyIntent("battle-000007", "wallet-ord", 2))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if trade.Nonce != uint64(i) {
			t.Fatalf("submission %d got nonce %d", i, trade.Nonce)
		}
	}
}

func TestSubmit_AfterCloseFails(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000008")

	env.exec.Close()

	_, err := env.exec.Submit(context.Background(), buyIntent("battle-000008", "wallet-1", 5))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestSubmit_SellRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.activeBattle(t, "battle-000009")
	ctx := context.Background()

	buy, err := env.exec.Submit(ctx, buyIntent("battle-000009", "wallet-1", 50))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	sell, err := env.exec.Submit(ctx, Intent{
		BattleID:  "battle-000009",
		Side:      model.SideA,
		Type:      model.TradeSell,
		Wallet:    "wallet-1",
		Amount:    buy.TokenAmount,
		MinOutput: decimal.Zero,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.Nonce != buy.Nonce+1 {
		t.Errorf("sell nonce = %d, want %d", sell.Nonce, buy.Nonce+1)
	}
	if !sell.PaymentAmount.IsPositive() {
		t.Errorf("sell payment = %s, want positive", sell.PaymentAmount)
	}
	// Fees make the round trip lossy.
	if sell.PaymentAmount.GreaterThanOrEqual(decimal.NewFromInt(50)) {
		t.Errorf("round trip returned %s on 50 in, fees should apply", sell.PaymentAmount)
	}
}

func TestSubmit_UnknownBattle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec.Submit(context.Background(), buyIntent("battle-999999", "wallet-1", 5))
	if !errors.Is(err, store.ErrBattleNotFound) {
		t.Fatalf("err = %v, want ErrBattleNotFound", err)
	}
}
