package walletcore

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// BumpFees returns a copy of req with every fee field multiplied by factor and rounded up.
// When current is given, each bumped fee is raised to at least the current estimate so a
// replacement is never priced below what the network asks for right now.
func BumpFees(req TransactionRequest, factor float64, current *GasFeeResult) TransactionRequest {
	out := req.Clone()
	f := decimal.NewFromFloat(factor)

	if out.IsDynamicFee() {
		out.GasPrice = nil
		out.MaxFeePerGas = bumpAtLeast(out.MaxFeePerGas, f, currentField(current, func(g *GasFeeResult) *big.Int { return g.MaxFeePerGas }))
		out.MaxPriorityFeePerGas = bumpAtLeast(out.MaxPriorityFeePerGas, f, currentField(current, func(g *GasFeeResult) *big.Int { return g.MaxPriorityFeePerGas }))
		return out
	}
	if out.GasPrice != nil {
		floor := currentField(current, func(g *GasFeeResult) *big.Int {
			if g.GasPrice != nil {
				return g.GasPrice
			}
			return g.MaxFeePerGas
		})
		out.GasPrice = bumpAtLeast(out.GasPrice, f, floor)
		return out
	}

	// Nothing to bump: take the current estimate as is.
	if current != nil {
		return current.ApplyTo(out)
	}
	return out
}

func bumpAtLeast(v *big.Int, factor decimal.Decimal, floor *big.Int) *big.Int {
	var bumped *big.Int
	if v != nil {
		bumped = decimal.NewFromBigInt(v, 0).Mul(factor).Ceil().BigInt()
	}
	switch {
	case bumped == nil:
		return cloneBig(floor)
	case floor != nil && floor.Cmp(bumped) > 0:
		return cloneBig(floor)
	default:
		return bumped
	}
}

func currentField(current *GasFeeResult, get func(*GasFeeResult) *big.Int) *big.Int {
	if current == nil {
		return nil
	}
	return get(current)
}
