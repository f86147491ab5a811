package repo

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RepoState enumerates the lifecycle states of a repurchase agreement.
type RepoState uint8

const (
	StateProposed RepoState = iota
	StateActive
	StateMarginCalled
	StateMatured
	StateSettled
	StateDefaulted
	StateCancelled
)

// String returns the canonical lowercase label for the state.
func (s RepoState) String() string {
	switch s {
	case StateProposed:
		return "proposed"
	case StateActive:
		return "active"
	case StateMarginCalled:
		return "margin_called"
	case StateMatured:
		return "matured"
	case StateSettled:
		return "settled"
	case StateDefaulted:
		return "defaulted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the state value is within the supported range.
func (s RepoState) Valid() bool {
	return s <= StateCancelled
}

// Terminal reports whether the state is final. Terminal repos are retained for
// queries but accept no further transitions.
func (s RepoState) Terminal() bool {
	switch s {
	case StateSettled, StateDefaulted, StateCancelled:
		return true
	default:
		return false
	}
}

// CollateralKind tags the collateral leg of a repo.
type CollateralKind uint8

const (
	// CollateralFungible collateralises the repo with a quantity of a
	// fungible custody asset.
	CollateralFungible CollateralKind = iota
	// CollateralPosition collateralises the repo with the position token of
	// another repo (rehypothecation).
	CollateralPosition
)

// String returns the canonical label for the collateral kind.
func (k CollateralKind) String() string {
	switch k {
	case CollateralFungible:
		return "fungible"
	case CollateralPosition:
		return "position"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Collateral is the tagged union describing what backs a repo. For
// CollateralFungible the Asset/Amount pair is set; for CollateralPosition the
// PositionID references the repo whose claim token is pledged.
type Collateral struct {
	Kind       CollateralKind `json:"kind"`
	Asset      string         `json:"asset,omitempty"`
	Amount     *big.Int       `json:"amount,omitempty"`
	PositionID uint64         `json:"positionId,omitempty"`
}

// Clone returns a deep copy of the collateral value.
func (c Collateral) Clone() Collateral {
	clone := c
	if c.Amount != nil {
		clone.Amount = new(big.Int).Set(c.Amount)
	}
	return clone
}

// Repo captures a single bilateral repurchase agreement. Terms are fixed at
// proposal time; only the collateral leg mutates afterwards, via top-up or
// substitution.
type Repo struct {
	ID       uint64         `json:"id"`
	Borrower common.Address `json:"borrower"`
	Lender   common.Address `json:"lender"`

	CashAsset  string   `json:"cashAsset"`
	CashAmount *big.Int `json:"cashAmount"`

	Collateral Collateral `json:"collateral"`

	HaircutBps     uint64 `json:"haircutBps"`
	RateBps        uint64 `json:"rateBps"`
	FailPenaltyBps uint64 `json:"failPenaltyBps"`
	TermSeconds    int64  `json:"termSeconds"`

	ProposedAt         int64 `json:"proposedAt"`
	StartTime          int64 `json:"startTime"`
	MaturityTime       int64 `json:"maturityTime"`
	MarginCallDeadline int64 `json:"marginCallDeadline"`

	AccumulatedYield *big.Int `json:"accumulatedYield"`

	State RepoState `json:"state"`
}

// Clone returns a deep copy of the repo so callers can stage mutations without
// affecting the stored instance.
func (r *Repo) Clone() *Repo {
	if r == nil {
		return nil
	}
	clone := *r
	if r.CashAmount != nil {
		clone.CashAmount = new(big.Int).Set(r.CashAmount)
	} else {
		clone.CashAmount = big.NewInt(0)
	}
	if r.AccumulatedYield != nil {
		clone.AccumulatedYield = new(big.Int).Set(r.AccumulatedYield)
	} else {
		clone.AccumulatedYield = big.NewInt(0)
	}
	clone.Collateral = r.Collateral.Clone()
	return &clone
}

// SubstitutionRequest records a pending collateral swap for a repo. At most
// one request is pending per repo; a newer request supersedes the prior one.
type SubstitutionRequest struct {
	NewAsset  string   `json:"newAsset"`
	NewAmount *big.Int `json:"newAmount"`
}

// Clone returns a deep copy of the substitution request.
func (s *SubstitutionRequest) Clone() *SubstitutionRequest {
	if s == nil {
		return nil
	}
	clone := *s
	if s.NewAmount != nil {
		clone.NewAmount = new(big.Int).Set(s.NewAmount)
	} else {
		clone.NewAmount = big.NewInt(0)
	}
	return &clone
}

// NormalizeAsset validates an asset symbol and returns its canonical uppercase
// form. Symbols are 1-12 characters drawn from [A-Z0-9].
func NormalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if len(trimmed) == 0 || len(trimmed) > 12 {
		return "", fmt.Errorf("repo: invalid asset symbol %q", symbol)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("repo: invalid asset symbol %q", symbol)
		}
	}
	return trimmed, nil
}
