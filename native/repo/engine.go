package repo

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/core/events"
	"repoledger/core/types"
)

const (
	// gracePeriodSeconds is the fixed margin-call cure window.
	gracePeriodSeconds int64 = 4 * 60 * 60

	maxHaircutBps     uint64 = 5_000
	maxRateBps        uint64 = 10_000
	maxTermSeconds    int64  = 365 * 24 * 60 * 60
	maxFailPenaltyBps uint64 = 10_000
)

type engineState interface {
	RepoPut(*Repo) error
	RepoGet(id uint64) (*Repo, bool)
	NextRepoID() (uint64, error)
	SubstitutionPut(repoID uint64, req *SubstitutionRequest) error
	SubstitutionGet(repoID uint64) (*SubstitutionRequest, bool)
	SubstitutionClear(repoID uint64) error
	LockPut(positionID, dependentID uint64) error
	LockGet(positionID uint64) (uint64, bool)
	LockClear(positionID uint64) error
	GetAccount(addr common.Address) (*types.Account, error)
	PutAccount(addr common.Address, acc *types.Account) error
}

// PositionRegistry is the non-fungible claim ledger the engine mints into.
// The engine is the only writer; reads are served to external observers as
// well.
type PositionRegistry interface {
	Mint(id uint64, owner common.Address) error
	Burn(id uint64) error
	Transfer(id uint64, from, to common.Address) error
	OwnerOf(id uint64) (common.Address, error)
	Exists(id uint64) bool
}

// PriceOracle values a quantity of a custody asset in USD terms. The oracle is
// optional; operations that strictly require it fail when unset.
type PriceOracle interface {
	Value(asset string, amount *big.Int) (*big.Int, error)
}

// Engine owns every repo record and drives the lifecycle state machine. All
// mutating operations execute under a single write lock and stage their
// effects before persisting, so no partially applied operation is observable.
type Engine struct {
	mu          sync.RWMutex
	state       engineState
	positions   PositionRegistry
	oracle      PriceOracle
	distributor common.Address
	owner       common.Address
	emitter     events.Emitter
	nowFn       func() int64
}

// NewEngine constructs an engine administered by the supplied owner address.
// The owner gates the one-time setup calls and the operational overrides.
func NewEngine(owner common.Address) *Engine {
	return &Engine{
		owner:   owner,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry wires the engine to the position token registry.
func (e *Engine) SetRegistry(registry PositionRegistry) { e.positions = registry }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Owner returns the administrative owner address fixed at construction.
func (e *Engine) Owner() common.Address { return e.owner }

// SetOracle installs the price oracle. The call is owner-only and one-time; a
// second invocation fails.
func (e *Engine) SetOracle(caller common.Address, oracle PriceOracle) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrUnauthorized
	}
	if e.oracle != nil {
		return ErrAlreadyConfigured
	}
	if oracle == nil {
		return fmt.Errorf("repo engine: nil oracle")
	}
	e.oracle = oracle
	return nil
}

// SetDistributor installs the yield distributor identity. The call is
// owner-only and one-time; a second invocation fails.
func (e *Engine) SetDistributor(caller, distributor common.Address) error {
	if e == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrUnauthorized
	}
	if e.distributor != (common.Address{}) {
		return ErrAlreadyConfigured
	}
	if distributor == (common.Address{}) {
		return fmt.Errorf("repo engine: nil distributor")
	}
	e.distributor = distributor
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evts ...*types.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		e.emitter.Emit(repoEvent{evt: evt})
	}
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.positions == nil {
		return errNilRegistry
	}
	return nil
}

func (e *Engine) loadRepo(id uint64) (*Repo, error) {
	stored, ok := e.state.RepoGet(id)
	if !ok {
		return nil, ErrRepoNotFound
	}
	return stored.Clone(), nil
}

// accountSet stages custody mutations on cloned accounts so an operation can
// validate every transfer before anything is persisted.
type accountSet struct {
	state  engineState
	loaded map[common.Address]*types.Account
	order  []common.Address
}

func newAccountSet(state engineState) *accountSet {
	return &accountSet{state: state, loaded: make(map[common.Address]*types.Account)}
}

func (s *accountSet) get(addr common.Address) (*types.Account, error) {
	if acc, ok := s.loaded[addr]; ok {
		return acc, nil
	}
	stored, err := s.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	acc := stored.Clone()
	s.loaded[addr] = acc
	s.order = append(s.order, addr)
	return acc, nil
}

func (s *accountSet) transfer(asset string, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromAcc, err := s.get(from)
	if err != nil {
		return err
	}
	toAcc, err := s.get(to)
	if err != nil {
		return err
	}
	balance := fromAcc.Balance(asset)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	fromAcc.SetBalance(asset, new(big.Int).Sub(balance, amount))
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amount))
	return nil
}

func (s *accountSet) credit(asset string, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	toAcc, err := s.get(to)
	if err != nil {
		return err
	}
	toAcc.SetBalance(asset, new(big.Int).Add(toAcc.Balance(asset), amount))
	return nil
}

func (s *accountSet) persist() error {
	for _, addr := range s.order {
		if err := s.state.PutAccount(addr, s.loaded[addr]); err != nil {
			return err
		}
	}
	return nil
}

func validateTerms(haircutBps, rateBps uint64, termSeconds int64, failPenaltyBps uint64) error {
	if haircutBps == 0 || haircutBps > maxHaircutBps {
		return ErrHaircutOutOfRange
	}
	if rateBps == 0 || rateBps > maxRateBps {
		return ErrRateOutOfRange
	}
	if termSeconds <= 0 || termSeconds > maxTermSeconds {
		return ErrTermOutOfRange
	}
	if failPenaltyBps > maxFailPenaltyBps {
		return fmt.Errorf("repo engine: fail penalty bps out of range")
	}
	return nil
}

// Propose creates a fungible-collateral repo in the Proposed state and returns
// its id. Nothing moves until a counterparty accepts.
func (e *Engine) Propose(borrower common.Address, cashAsset string, cashAmount *big.Int, collateralAsset string, collateralAmount *big.Int, haircutBps, rateBps uint64, termSeconds int64, failPenaltyBps uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cashAmount == nil || cashAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := validateTerms(haircutBps, rateBps, termSeconds, failPenaltyBps); err != nil {
		return 0, err
	}
	cash, err := NormalizeAsset(cashAsset)
	if err != nil {
		return 0, err
	}
	collateral, err := NormalizeAsset(collateralAsset)
	if err != nil {
		return 0, err
	}
	required := RequiredCollateral(cashAmount, haircutBps)
	if collateralAmount.Cmp(required) < 0 {
		return 0, ErrInsufficientCollateral
	}

	id, err := e.state.NextRepoID()
	if err != nil {
		return 0, err
	}
	record := &Repo{
		ID:         id,
		Borrower:   borrower,
		CashAsset:  cash,
		CashAmount: new(big.Int).Set(cashAmount),
		Collateral: Collateral{
			Kind:   CollateralFungible,
			Asset:  collateral,
			Amount: new(big.Int).Set(collateralAmount),
		},
		HaircutBps:       haircutBps,
		RateBps:          rateBps,
		FailPenaltyBps:   failPenaltyBps,
		TermSeconds:      termSeconds,
		ProposedAt:       e.now(),
		AccumulatedYield: big.NewInt(0),
		State:            StateProposed,
	}
	if err := e.state.RepoPut(record); err != nil {
		return 0, err
	}
	e.emit(newProposedEvent(record))
	return id, nil
}

// ProposeWithPosition creates a repo collateralised by the position token of
// an existing repo. The proposer must own the token, the token must not back
// another repo, and its mark-to-market value must clear the haircut bar. The
// lock against re-pledging is recorded immediately.
func (e *Engine) ProposeWithPosition(proposer common.Address, cashAsset string, cashAmount *big.Int, underlyingID uint64, haircutBps, rateBps uint64, termSeconds int64, failPenaltyBps uint64) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cashAmount == nil || cashAmount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := validateTerms(haircutBps, rateBps, termSeconds, failPenaltyBps); err != nil {
		return 0, err
	}
	cash, err := NormalizeAsset(cashAsset)
	if err != nil {
		return 0, err
	}
	underlying, err := e.loadRepo(underlyingID)
	if err != nil {
		return 0, err
	}
	if !e.positions.Exists(underlyingID) {
		return 0, fmt.Errorf("repo engine: position token %d not minted", underlyingID)
	}
	holder, err := e.positions.OwnerOf(underlyingID)
	if err != nil {
		return 0, err
	}
	if holder != proposer {
		return 0, ErrUnauthorized
	}
	if _, locked := e.state.LockGet(underlyingID); locked {
		return 0, ErrPositionLocked
	}
	value := markValue(underlying, e.now())
	required := RequiredCollateral(cashAmount, haircutBps)
	if value.Cmp(required) < 0 {
		return 0, ErrInsufficientCollateral
	}

	id, err := e.state.NextRepoID()
	if err != nil {
		return 0, err
	}
	record := &Repo{
		ID:         id,
		Borrower:   proposer,
		CashAsset:  cash,
		CashAmount: new(big.Int).Set(cashAmount),
		Collateral: Collateral{
			Kind:       CollateralPosition,
			PositionID: underlyingID,
		},
		HaircutBps:       haircutBps,
		RateBps:          rateBps,
		FailPenaltyBps:   failPenaltyBps,
		TermSeconds:      termSeconds,
		ProposedAt:       e.now(),
		AccumulatedYield: big.NewInt(0),
		State:            StateProposed,
	}
	if err := e.state.RepoPut(record); err != nil {
		return 0, err
	}
	if err := e.state.LockPut(underlyingID, id); err != nil {
		return 0, err
	}
	e.emit(newProposedEvent(record))
	return id, nil
}

// Accept matches a counterparty with a proposed repo and performs the atomic
// bilateral exchange: collateral moves borrower to lender, cash moves lender
// to borrower, and the position token is minted to the lender. Either every
// effect applies or none does.
func (e *Engine) Accept(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateProposed {
		return newStateError("accept", record.State, StateProposed)
	}
	if caller == record.Borrower {
		return ErrSelfDealing
	}

	now := e.now()
	accounts := newAccountSet(e.state)
	var pledgedFrom common.Address
	switch record.Collateral.Kind {
	case CollateralFungible:
		if err := accounts.transfer(record.Collateral.Asset, record.Borrower, caller, record.Collateral.Amount); err != nil {
			return err
		}
	case CollateralPosition:
		if !e.positions.Exists(record.Collateral.PositionID) {
			return ErrInsufficientCollateral
		}
		owner, err := e.positions.OwnerOf(record.Collateral.PositionID)
		if err != nil {
			return err
		}
		if owner != record.Borrower {
			return ErrInsufficientCollateral
		}
		pledgedFrom = owner
	default:
		return fmt.Errorf("repo engine: unknown collateral kind %d", record.Collateral.Kind)
	}
	if err := accounts.transfer(record.CashAsset, caller, record.Borrower, record.CashAmount); err != nil {
		return err
	}

	record.Lender = caller
	record.StartTime = now
	record.MaturityTime = now + record.TermSeconds
	record.State = StateActive

	if err := accounts.persist(); err != nil {
		return err
	}
	if record.Collateral.Kind == CollateralPosition {
		if err := e.positions.Transfer(record.Collateral.PositionID, pledgedFrom, caller); err != nil {
			return err
		}
	}
	if err := e.positions.Mint(id, caller); err != nil {
		return err
	}
	if err := e.state.RepoPut(record); err != nil {
		return err
	}

	if record.Collateral.Kind == CollateralFungible {
		e.emit(newAssetTransferEvent(record.Collateral.Asset, record.Borrower, caller, record.Collateral.Amount, id))
	} else {
		e.emit(newPositionTransferredEvent(record.Collateral.PositionID, pledgedFrom, caller))
	}
	e.emit(
		newAssetTransferEvent(record.CashAsset, caller, record.Borrower, record.CashAmount, id),
		newPositionMintedEvent(id, caller),
		newAcceptedEvent(record),
	)
	return nil
}

// Cancel withdraws a proposal before acceptance. Only the borrower may cancel,
// and only from the Proposed state.
func (e *Engine) Cancel(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateProposed {
		return newStateError("cancel", record.State, StateProposed)
	}
	if caller != record.Borrower {
		return ErrUnauthorized
	}
	record.State = StateCancelled
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	if record.Collateral.Kind == CollateralPosition {
		if err := e.state.LockClear(record.Collateral.PositionID); err != nil {
			return err
		}
	}
	e.emit(newCancelledEvent(record))
	return nil
}

// CheckMaturity transitions an active repo to Matured once its maturity time
// has passed. Callable by anyone; the clock is the only gate.
func (e *Engine) CheckMaturity(id uint64) error {
	return e.mature(id, common.Address{}, false)
}

// ForceMature is the operational override of CheckMaturity: owner-only and
// exempt from the maturity-time check, otherwise identical in effect.
func (e *Engine) ForceMature(id uint64, caller common.Address) error {
	return e.mature(id, caller, true)
}

func (e *Engine) mature(id uint64, caller common.Address, forced bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if forced && caller != e.owner {
		return ErrUnauthorized
	}
	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateActive {
		return newStateError("check maturity", record.State, StateActive)
	}
	if !forced && e.now() < record.MaturityTime {
		return ErrMaturityNotReached
	}
	record.State = StateMatured
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	e.emit(newMaturedEvent(record, forced))
	return nil
}

// collateralValue prices the current collateral leg. Fungible collateral
// requires the oracle; position collateral is marked internally.
func (e *Engine) collateralValue(record *Repo, now int64) (*big.Int, error) {
	switch record.Collateral.Kind {
	case CollateralFungible:
		if e.oracle == nil {
			return nil, ErrOracleNotConfigured
		}
		return e.oracle.Value(record.Collateral.Asset, record.Collateral.Amount)
	case CollateralPosition:
		underlying, err := e.loadRepo(record.Collateral.PositionID)
		if err != nil {
			return nil, err
		}
		return markValue(underlying, now), nil
	default:
		return nil, fmt.Errorf("repo engine: unknown collateral kind %d", record.Collateral.Kind)
	}
}

// CheckMargin evaluates the collateral of an active repo against the
// haircut-adjusted requirement. Sufficient collateral is a refusal
// (ErrMarginSufficient); a deficit enters MarginCalled and starts the grace
// period.
func (e *Engine) CheckMargin(id uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateActive {
		return newStateError("check margin", record.State, StateActive)
	}
	now := e.now()
	value, err := e.collateralValue(record, now)
	if err != nil {
		return err
	}
	required := RequiredCollateral(record.CashAmount, record.HaircutBps)
	if value.Cmp(required) >= 0 {
		return ErrMarginSufficient
	}
	record.State = StateMarginCalled
	record.MarginCallDeadline = now + gracePeriodSeconds
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	e.emit(newMarginCalledEvent(record, MarginReasonPrice))
	return nil
}

// TopUpCollateral lets the borrower cure a margin call by posting additional
// collateral to the current claim holder. A partial cure leaves the repo
// margin-called with the original deadline unchanged.
func (e *Engine) TopUpCollateral(id uint64, amount *big.Int, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateMarginCalled {
		return newStateError("top up", record.State, StateMarginCalled)
	}
	if caller != record.Borrower {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if record.Collateral.Kind != CollateralFungible {
		return ErrFungibleCollateralRequired
	}
	holder, err := e.positions.OwnerOf(id)
	if err != nil {
		return err
	}

	accounts := newAccountSet(e.state)
	if err := accounts.transfer(record.Collateral.Asset, record.Borrower, holder, amount); err != nil {
		return err
	}
	record.Collateral.Amount = new(big.Int).Add(record.Collateral.Amount, amount)

	restored := false
	if e.oracle != nil {
		value, err := e.oracle.Value(record.Collateral.Asset, record.Collateral.Amount)
		if err != nil {
			return err
		}
		required := RequiredCollateral(record.CashAmount, record.HaircutBps)
		if value.Cmp(required) >= 0 {
			record.State = StateActive
			record.MarginCallDeadline = 0
			restored = true
		}
	}

	if err := accounts.persist(); err != nil {
		return err
	}
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	e.emit(
		newAssetTransferEvent(record.Collateral.Asset, record.Borrower, holder, amount, id),
		newToppedUpEvent(record, amount, restored),
	)
	if restored {
		e.emit(newMarginRestoredEvent(record))
	}
	return nil
}

// Liquidate defaults a margin-called repo once the grace period has elapsed.
// The position token is burned and the cascade fires; collateral disposition
// stays with the holder, who already has title.
func (e *Engine) Liquidate(id uint64) error {
	return e.liquidate(id, common.Address{}, false)
}

// ForceRepoLiquidate is the operational override of Liquidate: owner-only and
// exempt from the grace-period check, otherwise identical in effect.
func (e *Engine) ForceRepoLiquidate(id uint64, caller common.Address) error {
	return e.liquidate(id, caller, true)
}

func (e *Engine) liquidate(id uint64, caller common.Address, forced bool) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if forced && caller != e.owner {
		return ErrUnauthorized
	}
	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateMarginCalled {
		return newStateError("liquidate", record.State, StateMarginCalled)
	}
	now := e.now()
	if !forced && now < record.MarginCallDeadline {
		return ErrGracePeriodActive
	}

	record.State = StateDefaulted
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	if record.Collateral.Kind == CollateralPosition {
		if err := e.state.LockClear(record.Collateral.PositionID); err != nil {
			return err
		}
	}
	if err := e.positions.Burn(id); err != nil {
		return err
	}
	e.emit(newLiquidatedEvent(record, forced), newPositionBurnedEvent(id))
	return e.cascade(id, now)
}

// Settle unwinds a matured repo. The borrower pays the net amount to the
// current claim holder, the holder returns whatever collateral is returnable,
// a priced shortfall penalty offsets the net payment, the position token is
// burned, and the cascade fires.
func (e *Engine) Settle(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateMatured {
		return newStateError("settle", record.State, StateMatured)
	}
	if caller != record.Borrower {
		return ErrUnauthorized
	}
	holder, err := e.positions.OwnerOf(id)
	if err != nil {
		return err
	}

	now := e.now()
	settlement := CalculateSettlement(record)
	accounts := newAccountSet(e.state)
	pending := make([]*types.Event, 0, 4)

	returnable := big.NewInt(0)
	shortfall := big.NewInt(0)
	penalty := big.NewInt(0)
	returnUnderlying := false

	switch record.Collateral.Kind {
	case CollateralFungible:
		holderAcc, err := accounts.get(holder)
		if err != nil {
			return err
		}
		balance := holderAcc.Balance(record.Collateral.Asset)
		returnable = new(big.Int).Set(record.Collateral.Amount)
		if balance.Cmp(returnable) < 0 {
			returnable = new(big.Int).Set(balance)
		}
		shortfall = new(big.Int).Sub(record.Collateral.Amount, returnable)
		if shortfall.Sign() > 0 && e.oracle != nil {
			value, err := e.oracle.Value(record.Collateral.Asset, shortfall)
			if err != nil {
				return err
			}
			penalty = ShortfallPenalty(value, record.FailPenaltyBps)
		}
	case CollateralPosition:
		underlyingID := record.Collateral.PositionID
		if e.positions.Exists(underlyingID) {
			owner, err := e.positions.OwnerOf(underlyingID)
			if err != nil {
				return err
			}
			if owner == holder {
				returnUnderlying = true
				returnable = big.NewInt(1)
			}
		}
		if !returnUnderlying {
			shortfall = big.NewInt(1)
			underlying, err := e.loadRepo(underlyingID)
			if err == nil {
				penalty = ShortfallPenalty(markValue(underlying, now), record.FailPenaltyBps)
			}
		}
	default:
		return fmt.Errorf("repo engine: unknown collateral kind %d", record.Collateral.Kind)
	}

	// The penalty offsets the net payment; the residual moves in whichever
	// direction is owed.
	net := new(big.Int).Sub(settlement.NetPayment, penalty)
	if net.Sign() > 0 {
		if err := accounts.transfer(record.CashAsset, record.Borrower, holder, net); err != nil {
			return err
		}
		pending = append(pending, newAssetTransferEvent(record.CashAsset, record.Borrower, holder, net, id))
	} else if net.Sign() < 0 {
		owed := new(big.Int).Neg(net)
		if err := accounts.transfer(record.CashAsset, holder, record.Borrower, owed); err != nil {
			return err
		}
		pending = append(pending, newAssetTransferEvent(record.CashAsset, holder, record.Borrower, owed, id))
	}
	if record.Collateral.Kind == CollateralFungible && returnable.Sign() > 0 {
		if err := accounts.transfer(record.Collateral.Asset, holder, record.Borrower, returnable); err != nil {
			return err
		}
		pending = append(pending, newAssetTransferEvent(record.Collateral.Asset, holder, record.Borrower, returnable, id))
	}

	record.State = StateSettled
	if err := accounts.persist(); err != nil {
		return err
	}
	if record.Collateral.Kind == CollateralPosition {
		if returnUnderlying {
			if err := e.positions.Transfer(record.Collateral.PositionID, holder, record.Borrower); err != nil {
				return err
			}
			pending = append(pending, newPositionTransferredEvent(record.Collateral.PositionID, holder, record.Borrower))
		}
		if err := e.state.LockClear(record.Collateral.PositionID); err != nil {
			return err
		}
	}
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	if err := e.positions.Burn(id); err != nil {
		return err
	}
	pending = append(pending,
		newSettledEvent(record, settlement, returnable, shortfall, penalty),
		newPositionBurnedEvent(id),
	)
	e.emit(pending...)
	return e.cascade(id, now)
}

// cascade propagates the destruction of a position token to any repo
// collateralised by it. The dependent, if active, is forced straight into
// MarginCalled with an immediate deadline: the collateral provably no longer
// exists, so the usual sufficiency check is bypassed.
func (e *Engine) cascade(positionID uint64, now int64) error {
	dependentID, ok := e.state.LockGet(positionID)
	if !ok {
		return nil
	}
	if err := e.state.LockClear(positionID); err != nil {
		return err
	}
	dependent, err := e.loadRepo(dependentID)
	if err != nil {
		return err
	}
	if dependent.State != StateActive {
		return nil
	}
	dependent.State = StateMarginCalled
	dependent.MarginCallDeadline = now
	if err := e.state.RepoPut(dependent); err != nil {
		return err
	}
	e.emit(newMarginCalledEvent(dependent, MarginReasonCollateralDestroy))
	return nil
}

// RequestSubstitution records the borrower's intent to swap the fungible
// collateral for a different asset. A newer request supersedes a pending one.
func (e *Engine) RequestSubstitution(id uint64, newAsset string, newAmount *big.Int, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateActive {
		return newStateError("request substitution", record.State, StateActive)
	}
	if caller != record.Borrower {
		return ErrUnauthorized
	}
	if record.Collateral.Kind != CollateralFungible {
		return ErrFungibleCollateralRequired
	}
	if newAmount == nil || newAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, err := NormalizeAsset(newAsset)
	if err != nil {
		return err
	}
	required := RequiredCollateral(record.CashAmount, record.HaircutBps)
	if e.oracle != nil {
		value, err := e.oracle.Value(asset, newAmount)
		if err != nil {
			return err
		}
		if value.Cmp(required) < 0 {
			return ErrInsufficientCollateral
		}
	} else if newAmount.Cmp(required) < 0 {
		return ErrInsufficientCollateral
	}
	request := &SubstitutionRequest{NewAsset: asset, NewAmount: new(big.Int).Set(newAmount)}
	if err := e.state.SubstitutionPut(id, request); err != nil {
		return err
	}
	e.emit(newSubstitutionRequestedEvent(record, request))
	return nil
}

// ApproveSubstitution executes a pending substitution: the current claim
// holder returns the old collateral to the borrower and receives the new
// collateral, atomically, after which the repo's collateral leg is updated.
func (e *Engine) ApproveSubstitution(id uint64, caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateActive {
		return newStateError("approve substitution", record.State, StateActive)
	}
	holder, err := e.positions.OwnerOf(id)
	if err != nil {
		return err
	}
	if caller != holder {
		return ErrUnauthorized
	}
	stored, ok := e.state.SubstitutionGet(id)
	if !ok {
		return ErrNoPendingSubstitution
	}
	request := stored.Clone()

	oldAsset := record.Collateral.Asset
	oldAmount := new(big.Int).Set(record.Collateral.Amount)

	accounts := newAccountSet(e.state)
	if err := accounts.transfer(oldAsset, holder, record.Borrower, oldAmount); err != nil {
		return err
	}
	if err := accounts.transfer(request.NewAsset, record.Borrower, holder, request.NewAmount); err != nil {
		return err
	}

	record.Collateral.Asset = request.NewAsset
	record.Collateral.Amount = new(big.Int).Set(request.NewAmount)

	if err := accounts.persist(); err != nil {
		return err
	}
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	if err := e.state.SubstitutionClear(id); err != nil {
		return err
	}
	e.emit(
		newAssetTransferEvent(oldAsset, holder, record.Borrower, oldAmount, id),
		newAssetTransferEvent(request.NewAsset, record.Borrower, holder, request.NewAmount, id),
		newSubstitutionApprovedEvent(record, oldAsset, oldAmount),
	)
	return nil
}

// RecordYield credits a manufactured-payment amount against a repo. Only the
// configured distributor may report, and only while the repo is Active or
// Matured.
func (e *Engine) RecordYield(caller common.Address, id uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.distributor == (common.Address{}) || caller != e.distributor {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	record, err := e.loadRepo(id)
	if err != nil {
		return err
	}
	if record.State != StateActive && record.State != StateMatured {
		return newStateError("record yield", record.State, StateActive, StateMatured)
	}
	record.AccumulatedYield = new(big.Int).Add(record.AccumulatedYield, amount)
	if err := e.state.RepoPut(record); err != nil {
		return err
	}
	e.emit(newYieldRecordedEvent(record, amount))
	return nil
}

// TransferPosition moves a claim token to a new holder. Title transfer is the
// mechanism by which the settlement counterparty can differ from the original
// lender.
func (e *Engine) TransferPosition(caller common.Address, id uint64, to common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if to == (common.Address{}) {
		return fmt.Errorf("repo engine: nil transfer recipient")
	}
	if err := e.positions.Transfer(id, caller, to); err != nil {
		return err
	}
	e.emit(newPositionTransferredEvent(id, caller, to))
	return nil
}

// MintAsset credits a custody balance. Owner-only; it is the operational
// on-ramp for funding participants.
func (e *Engine) MintAsset(caller, to common.Address, asset string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.owner {
		return ErrUnauthorized
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return err
	}
	accounts := newAccountSet(e.state)
	if err := accounts.credit(normalized, to, amount); err != nil {
		return err
	}
	if err := accounts.persist(); err != nil {
		return err
	}
	e.emit(newAssetTransferEvent(normalized, common.Address{}, to, amount, 0))
	return nil
}

// Get returns a copy of the repo record.
func (e *Engine) Get(id uint64) (*Repo, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loadRepo(id)
}

// PendingSubstitution returns a copy of the pending substitution request, or
// nil when none is pending.
func (e *Engine) PendingSubstitution(id uint64) (*SubstitutionRequest, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, err := e.loadRepo(id); err != nil {
		return nil, err
	}
	stored, ok := e.state.SubstitutionGet(id)
	if !ok {
		return nil, nil
	}
	return stored.Clone(), nil
}

// PreviewSettlement computes the settlement figures without side effects.
// Valid any time after acceptance.
func (e *Engine) PreviewSettlement(id uint64) (Settlement, error) {
	if err := e.ready(); err != nil {
		return Settlement{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, err := e.loadRepo(id)
	if err != nil {
		return Settlement{}, err
	}
	if record.State == StateProposed || record.State == StateCancelled {
		return Settlement{}, newStateError("preview settlement", record.State,
			StateActive, StateMarginCalled, StateMatured, StateSettled, StateDefaulted)
	}
	return CalculateSettlement(record), nil
}

// PositionValue marks a repo's claim token to market at the current time.
func (e *Engine) PositionValue(id uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	record, err := e.loadRepo(id)
	if err != nil {
		return nil, err
	}
	return markValue(record, e.now()), nil
}

// LockedBy reports which repo, if any, holds the given position token as
// collateral.
func (e *Engine) LockedBy(positionID uint64) (uint64, bool, error) {
	if err := e.ready(); err != nil {
		return 0, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.state.LockGet(positionID)
	return id, ok, nil
}

// BalanceOf reports the custody balance held for an address.
func (e *Engine) BalanceOf(addr common.Address, asset string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeAsset(asset)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance(normalized)), nil
}
