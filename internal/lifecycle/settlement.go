package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/soundclash/battle-engine/internal/model"
)

// amountScale is the number of decimal places for payout rounding.
const amountScale int32 = 8

// DetermineWinner applies the winner rule: the side with the strictly
// larger final pool wins. An exact tie returns ok=false and no winner.
func DetermineWinner(poolA, poolB decimal.Decimal) (model.Side, bool) {
	switch {
	case poolA.GreaterThan(poolB):
		return model.SideA, true
	case poolB.GreaterThan(poolA):
		return model.SideB, true
	default:
		return "", false
	}
}

// ComputeSettlement computes the payout distribution for a finished battle.
// It is pure: pool values are passed as arguments, nothing is stored.
//
// With a winner:
//
//	fee          = (poolA + poolB) × feeRate
//	loserRefund  = loserPool × refundRate
//	winnerPayout = poolA + poolB − fee − loserRefund
//
// On an exact tie (winner empty) each side is refunded its own pool minus
// half the fee; WinnerPayout then carries side A's refund and LoserRefund
// side B's refund.
func ComputeSettlement(battleID string, poolA, poolB decimal.Decimal, winner model.Side,
	feeRate, refundRate decimal.Decimal, now time.Time) *model.Settlement {

	total := poolA.Add(poolB)
	fee := total.Mul(feeRate).Round(amountScale)

	s := &model.Settlement{
		BattleID:    battleID,
		Winner:      winner,
		FinalPoolA:  poolA,
		FinalPoolB:  poolB,
		PlatformFee: fee,
		SettledAt:   now,
	}

	if winner == "" {
		half := fee.Div(decimal.NewFromInt(2)).Round(amountScale)
		s.WinnerPayout = clampZero(poolA.Sub(half))
		s.LoserRefund = clampZero(poolB.Sub(half))
		return s
	}

	loserPool := poolB
	if winner == model.SideB {
		loserPool = poolA
	}
	s.LoserRefund = loserPool.Mul(refundRate).Round(amountScale)
	s.WinnerPayout = clampZero(total.Sub(fee).Sub(s.LoserRefund))
	return s
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
