package repo

import "math/big"

var basisPoints = big.NewInt(10_000)

const secondsPerYear int64 = 31_536_000

// Settlement summarises the cash flows owed when a repo unwinds. Interest
// accrues over the full contractual term, the manufactured-payment credit
// mirrors the yield accumulated while the lender held title, and NetPayment is
// the amount the borrower still owes after the credit offsets the gross.
type Settlement struct {
	Interest           *big.Int `json:"interest"`
	ManufacturedCredit *big.Int `json:"manufacturedCredit"`
	NetPayment         *big.Int `json:"netPayment"`
}

// RequiredCollateral returns the minimum collateral value clearing the haircut
// bar: cash * (10000 + haircutBps) / 10000, with truncating division.
func RequiredCollateral(cashAmount *big.Int, haircutBps uint64) *big.Int {
	if cashAmount == nil || cashAmount.Sign() <= 0 {
		return big.NewInt(0)
	}
	required := new(big.Int).Mul(cashAmount, new(big.Int).SetUint64(10_000+haircutBps))
	return required.Quo(required, basisPoints)
}

// AccruedInterest computes simple interest on the cash leg:
// cash * rateBps * elapsedSeconds / (secondsPerYear * 10000), truncating.
func AccruedInterest(cashAmount *big.Int, rateBps uint64, elapsedSeconds int64) *big.Int {
	if cashAmount == nil || cashAmount.Sign() <= 0 || rateBps == 0 || elapsedSeconds <= 0 {
		return big.NewInt(0)
	}
	interest := new(big.Int).Mul(cashAmount, new(big.Int).SetUint64(rateBps))
	interest.Mul(interest, big.NewInt(elapsedSeconds))
	denom := new(big.Int).Mul(big.NewInt(secondsPerYear), basisPoints)
	return interest.Quo(interest, denom)
}

// CalculateSettlement derives the settlement figures for a repo. The elapsed
// time is fixed at the contractual term rather than the wall clock, so the
// result is stable from acceptance onward.
func CalculateSettlement(r *Repo) Settlement {
	if r == nil {
		zero := func() *big.Int { return big.NewInt(0) }
		return Settlement{Interest: zero(), ManufacturedCredit: zero(), NetPayment: zero()}
	}
	interest := AccruedInterest(r.CashAmount, r.RateBps, r.TermSeconds)
	credit := big.NewInt(0)
	if r.AccumulatedYield != nil {
		credit = new(big.Int).Set(r.AccumulatedYield)
	}
	gross := new(big.Int).Add(r.CashAmount, interest)
	net := new(big.Int).Sub(gross, credit)
	if net.Sign() < 0 {
		net = big.NewInt(0)
	}
	return Settlement{Interest: interest, ManufacturedCredit: credit, NetPayment: net}
}

// ShortfallPenalty prices a fail-to-return shortfall:
// value * (10000 + failPenaltyBps) / 10000, truncating. The penalty offsets
// against the net payment owed by the borrower; no additional loss cap is
// applied beyond the configured bps.
func ShortfallPenalty(shortfallValue *big.Int, failPenaltyBps uint64) *big.Int {
	if shortfallValue == nil || shortfallValue.Sign() <= 0 {
		return big.NewInt(0)
	}
	penalty := new(big.Int).Mul(shortfallValue, new(big.Int).SetUint64(10_000+failPenaltyBps))
	return penalty.Quo(penalty, basisPoints)
}

// markValue prices an open position at a point in time: principal plus
// interest accrued up to now (capped at maturity), less the accumulated yield
// credit, floored at zero. Positions on repos outside Active/Matured are
// worthless.
func markValue(r *Repo, now int64) *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	switch r.State {
	case StateActive, StateMatured:
	default:
		return big.NewInt(0)
	}
	elapsed := now - r.StartTime
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > r.TermSeconds {
		elapsed = r.TermSeconds
	}
	value := new(big.Int).Add(r.CashAmount, AccruedInterest(r.CashAmount, r.RateBps, elapsed))
	if r.AccumulatedYield != nil {
		value.Sub(value, r.AccumulatedYield)
	}
	if value.Sign() < 0 {
		return big.NewInt(0)
	}
	return value
}
