package repo

import (
	"errors"
	"math/big"
	"testing"
)

// Opens a standard repo and pledges its claim token into a second one:
// borrower posts 102,000 BOND against 100,000 USD, then the lender borrows
// 97,000 USD from a second lender against the claim token.
func setupRehypothecation(t *testing.T, f *fixture) (repo1, repo2 uint64) {
	t.Helper()
	borrower := makeAddress(0x01)
	lender1 := makeAddress(0x02)
	lender2 := makeAddress(0x03)
	f.state.fund(borrower, collateralAsset, 102_000)
	f.state.fund(lender1, cashAsset, 100_000)
	f.state.fund(lender2, cashAsset, 97_000)

	repo1 = f.proposeStandard(t, borrower)
	if err := f.engine.Accept(repo1, lender1); err != nil {
		t.Fatalf("accept underlying: %v", err)
	}

	var err error
	repo2, err = f.engine.ProposeWithPosition(lender1, cashAsset, big.NewInt(97_000), repo1, 200, 450, 2_592_000, 100)
	if err != nil {
		t.Fatalf("propose with position: %v", err)
	}
	if err := f.engine.Accept(repo2, lender2); err != nil {
		t.Fatalf("accept dependent: %v", err)
	}
	return repo1, repo2
}

func TestProposeWithPositionValuesTheClaim(t *testing.T) {
	f := newFixture()
	borrower := makeAddress(0x01)
	lender := makeAddress(0x02)
	f.state.fund(borrower, collateralAsset, 102_000)
	f.state.fund(lender, cashAsset, 100_000)

	repo1 := f.proposeStandard(t, borrower)
	if err := f.engine.Accept(repo1, lender); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The claim marks at 100,000 immediately after acceptance. A cash leg of
	// 220,000 needs 224,400 of value and must be refused.
	if _, err := f.engine.ProposeWithPosition(lender, cashAsset, big.NewInt(220_000), repo1, 200, 450, 2_592_000, 100); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("oversized cash leg, got %v", err)
	}
	// Only the token holder can pledge it.
	if _, err := f.engine.ProposeWithPosition(borrower, cashAsset, big.NewInt(97_000), repo1, 200, 450, 2_592_000, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-holder pledge, got %v", err)
	}

	repo2, err := f.engine.ProposeWithPosition(lender, cashAsset, big.NewInt(97_000), repo1, 200, 450, 2_592_000, 100)
	if err != nil {
		t.Fatalf("propose with position: %v", err)
	}

	// The lock is recorded at proposal time: a second pledge of the same
	// token must fail even before acceptance.
	if _, err := f.engine.ProposeWithPosition(lender, cashAsset, big.NewInt(50_000), repo1, 200, 450, 2_592_000, 100); !errors.Is(err, ErrPositionLocked) {
		t.Fatalf("double pledge, got %v", err)
	}

	lockedID, locked, err := f.engine.LockedBy(repo1)
	if err != nil {
		t.Fatalf("locked by: %v", err)
	}
	if !locked || lockedID != repo2 {
		t.Fatalf("lock index: locked=%v id=%d", locked, lockedID)
	}

	// Cancelling the dependent proposal releases the lock.
	if err := f.engine.Cancel(repo2, lender); err != nil {
		t.Fatalf("cancel dependent: %v", err)
	}
	if _, locked, _ := f.engine.LockedBy(repo1); locked {
		t.Fatalf("lock should clear on cancel")
	}
}

func TestAcceptDependentTransfersClaimToken(t *testing.T) {
	f := newFixture()
	repo1, repo2 := setupRehypothecation(t, f)
	lender1 := makeAddress(0x02)
	lender2 := makeAddress(0x03)

	owner, err := f.registry.OwnerOf(repo1)
	if err != nil {
		t.Fatalf("underlying token owner: %v", err)
	}
	if owner != lender2 {
		t.Fatalf("underlying token should move to the dependent lender")
	}
	owner, err = f.registry.OwnerOf(repo2)
	if err != nil {
		t.Fatalf("dependent token owner: %v", err)
	}
	if owner != lender2 {
		t.Fatalf("dependent token should mint to its lender")
	}
	if got := f.state.balance(lender1, cashAsset); got.Cmp(big.NewInt(97_000)) != 0 {
		t.Fatalf("pledger cash leg: %s", got)
	}
}

func TestLiquidationCascadesToDependent(t *testing.T) {
	f := newFixture()
	repo1, repo2 := setupRehypothecation(t, f)

	oracle := &stubOracle{prices: map[string][2]int64{collateralAsset: {1, 2}}}
	if err := f.engine.SetOracle(f.owner, oracle); err != nil {
		t.Fatalf("set oracle: %v", err)
	}

	// The underlying's collateral halves in value, the borrower never cures,
	// and the repo defaults.
	if err := f.engine.CheckMargin(repo1); err != nil {
		t.Fatalf("check margin: %v", err)
	}
	f.advance(4 * 60 * 60)
	if err := f.engine.Liquidate(repo1); err != nil {
		t.Fatalf("liquidate underlying: %v", err)
	}
	if f.registry.Exists(repo1) {
		t.Fatalf("underlying token should burn")
	}

	// Burning the pledged token destroys the dependent's collateral: the
	// dependent is forced into MarginCalled with an already-expired deadline.
	dependent, err := f.engine.Get(repo2)
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	if dependent.State != StateMarginCalled {
		t.Fatalf("expected cascade to MarginCalled, got %s", dependent.State)
	}
	if dependent.MarginCallDeadline != f.now {
		t.Fatalf("cascade deadline should be immediate: %d", dependent.MarginCallDeadline)
	}
	if _, locked, _ := f.engine.LockedBy(repo1); locked {
		t.Fatalf("lock should clear when the token burns")
	}

	// With the deadline already passed the dependent can default at once.
	if err := f.engine.Liquidate(repo2); err != nil {
		t.Fatalf("liquidate dependent: %v", err)
	}
	dependent, _ = f.engine.Get(repo2)
	if dependent.State != StateDefaulted {
		t.Fatalf("expected Defaulted, got %s", dependent.State)
	}
	if f.registry.Exists(repo2) {
		t.Fatalf("dependent token should burn")
	}
}

func TestSettleUnderlyingCascades(t *testing.T) {
	f := newFixture()
	repo1, repo2 := setupRehypothecation(t, f)
	borrower := makeAddress(0x01)
	lender2 := makeAddress(0x03)

	// Top up the borrower's cash so the net payment clears.
	f.state.fund(borrower, cashAsset, 101_000)

	f.advance(2_592_000)
	if err := f.engine.CheckMaturity(repo1); err != nil {
		t.Fatalf("check maturity: %v", err)
	}
	if err := f.engine.Settle(repo1, borrower); err != nil {
		t.Fatalf("settle underlying: %v", err)
	}

	// The claim holder is the dependent lender, who holds title but not the
	// collateral custody: the full amount is a shortfall, and with no oracle
	// configured no penalty prices against it.
	if got := f.state.balance(lender2, cashAsset); got.Cmp(big.NewInt(100_369)) != 0 {
		t.Fatalf("holder cash after settle: %s", got)
	}
	if got := f.state.balance(borrower, collateralAsset); got.Sign() != 0 {
		t.Fatalf("collateral cannot return from an empty custody: %s", got)
	}

	dependent, err := f.engine.Get(repo2)
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	if dependent.State != StateMarginCalled {
		t.Fatalf("expected cascade to MarginCalled, got %s", dependent.State)
	}
}

func TestPositionSettleReturnsUnderlyingToken(t *testing.T) {
	f := newFixture()
	repo1, repo2 := setupRehypothecation(t, f)
	lender1 := makeAddress(0x02)
	lender2 := makeAddress(0x03)

	// Fund the dependent borrower's repayment.
	f.state.fund(lender1, cashAsset, 200_000)

	f.advance(2_592_000)
	if err := f.engine.CheckMaturity(repo2); err != nil {
		t.Fatalf("check maturity: %v", err)
	}
	if err := f.engine.Settle(repo2, lender1); err != nil {
		t.Fatalf("settle dependent: %v", err)
	}

	// The pledged claim token travels back to the dependent borrower and the
	// lock clears, while the dependent's own token burns.
	owner, err := f.registry.OwnerOf(repo1)
	if err != nil {
		t.Fatalf("underlying token owner: %v", err)
	}
	if owner != lender1 {
		t.Fatalf("underlying token should return to the pledger")
	}
	if _, locked, _ := f.engine.LockedBy(repo1); locked {
		t.Fatalf("lock should clear at settlement")
	}
	if f.registry.Exists(repo2) {
		t.Fatalf("dependent token should burn")
	}
	// 97,000 at 450 bps over 30 days accrues 358.
	if got := f.state.balance(lender2, cashAsset); got.Cmp(big.NewInt(97_358)) != 0 {
		t.Fatalf("dependent lender cash: %s", got)
	}
}

func TestTransferPositionMovesSettlementCounterparty(t *testing.T) {
	f := newFixture()
	borrower := makeAddress(0x01)
	lender := makeAddress(0x02)
	assignee := makeAddress(0x06)
	f.state.fund(borrower, collateralAsset, 102_000)
	f.state.fund(borrower, cashAsset, 1_000)
	f.state.fund(lender, cashAsset, 100_000)

	id := f.proposeStandard(t, borrower)
	if err := f.engine.Accept(id, lender); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := f.engine.TransferPosition(borrower, id, assignee); err == nil {
		t.Fatalf("only the holder transfers the claim")
	}
	if err := f.engine.TransferPosition(lender, id, assignee); err != nil {
		t.Fatalf("transfer position: %v", err)
	}

	f.advance(2_592_000)
	if err := f.engine.CheckMaturity(id); err != nil {
		t.Fatalf("check maturity: %v", err)
	}
	if err := f.engine.Settle(id, borrower); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The assignee holds title but never held collateral custody: the
	// payment lands with them, the collateral stays where it was.
	if got := f.state.balance(assignee, cashAsset); got.Cmp(big.NewInt(100_369)) != 0 {
		t.Fatalf("assignee cash after settle: %s", got)
	}
	if got := f.state.balance(lender, collateralAsset); got.Cmp(big.NewInt(102_000)) != 0 {
		t.Fatalf("original lender custody: %s", got)
	}
}
