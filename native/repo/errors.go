package repo

import (
	"errors"
	"fmt"
)

var (
	errNilState    = errors.New("repo engine: state not configured")
	errNilRegistry = errors.New("repo engine: position registry not configured")

	// ErrRepoNotFound is returned when the referenced repo id was never
	// allocated.
	ErrRepoNotFound = errors.New("repo engine: repo not found")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("repo engine: amount must be positive")
	// ErrHaircutOutOfRange rejects haircuts outside (0, 5000] bps.
	ErrHaircutOutOfRange = errors.New("repo engine: haircut bps out of range")
	// ErrRateOutOfRange rejects repo rates outside (0, 10000] bps.
	ErrRateOutOfRange = errors.New("repo engine: rate bps out of range")
	// ErrTermOutOfRange rejects terms outside (0, 365 days].
	ErrTermOutOfRange = errors.New("repo engine: term out of range")
	// ErrInsufficientCollateral signals the haircut-adjusted requirement is
	// not met.
	ErrInsufficientCollateral = errors.New("repo engine: insufficient collateral for haircut requirement")
	// ErrInsufficientBalance signals a custody balance cannot cover a
	// transfer.
	ErrInsufficientBalance = errors.New("repo engine: insufficient custody balance")
	// ErrUnauthorized rejects a caller that is not entitled to the operation.
	ErrUnauthorized = errors.New("repo engine: unauthorized caller")
	// ErrSelfDealing bars the borrower from accepting their own proposal.
	ErrSelfDealing = errors.New("repo engine: borrower cannot accept own proposal")
	// ErrMaturityNotReached rejects maturity checks before the maturity time.
	ErrMaturityNotReached = errors.New("repo engine: maturity time not reached")
	// ErrGracePeriodActive rejects liquidation before the margin-call
	// deadline.
	ErrGracePeriodActive = errors.New("repo engine: margin-call grace period still active")
	// ErrMarginSufficient is a refusal, not a fault: the collateral already
	// meets the requirement so no margin call is warranted.
	ErrMarginSufficient = errors.New("repo engine: collateral meets requirement")
	// ErrOracleNotConfigured hard-fails operations that require a price feed.
	ErrOracleNotConfigured = errors.New("repo engine: price oracle not configured")
	// ErrAlreadyConfigured rejects a second call to a one-time setup
	// operation.
	ErrAlreadyConfigured = errors.New("repo engine: already configured")
	// ErrPositionLocked rejects pledging a position token that already backs
	// another repo.
	ErrPositionLocked = errors.New("repo engine: position already pledged as collateral")
	// ErrNoPendingSubstitution rejects approval when no request is pending.
	ErrNoPendingSubstitution = errors.New("repo engine: no pending substitution request")
	// ErrFungibleCollateralRequired rejects top-up and substitution on
	// position-backed repos.
	ErrFungibleCollateralRequired = errors.New("repo engine: operation requires fungible collateral")

	// ErrStateMismatch is the sentinel wrapped by every StateError so callers
	// can match the whole class with errors.Is.
	ErrStateMismatch = errors.New("repo engine: state mismatch")
)

// StateError reports an operation invoked against a repo in the wrong
// lifecycle state, carrying both the observed and the required states for
// diagnostics.
type StateError struct {
	Op       string
	Actual   RepoState
	Expected []RepoState
}

func (e *StateError) Error() string {
	if len(e.Expected) == 1 {
		return fmt.Sprintf("repo engine: %s requires state %s, repo is %s", e.Op, e.Expected[0], e.Actual)
	}
	return fmt.Sprintf("repo engine: %s not allowed in state %s (expected one of %v)", e.Op, e.Actual, e.Expected)
}

func (e *StateError) Unwrap() error { return ErrStateMismatch }

func newStateError(op string, actual RepoState, expected ...RepoState) error {
	return &StateError{Op: op, Actual: actual, Expected: expected}
}
