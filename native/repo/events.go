package repo

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/core/types"
)

const (
	EventTypeProposed              = "repo.proposed"
	EventTypeAccepted              = "repo.accepted"
	EventTypeCancelled             = "repo.cancelled"
	EventTypeMatured               = "repo.matured"
	EventTypeMarginCalled          = "repo.margin_called"
	EventTypeMarginRestored        = "repo.margin_restored"
	EventTypeCollateralToppedUp    = "repo.collateral_topped_up"
	EventTypeLiquidated            = "repo.liquidated"
	EventTypeSettled               = "repo.settled"
	EventTypeSubstitutionRequested = "repo.substitution_requested"
	EventTypeSubstitutionApproved  = "repo.substitution_approved"
	EventTypeYieldRecorded         = "repo.yield_recorded"
	EventTypeAssetTransfer         = "repo.asset_transfer"
	EventTypePositionMinted        = "repo.position.minted"
	EventTypePositionBurned        = "repo.position.burned"
	EventTypePositionTransferred   = "repo.position.transferred"
)

// Margin-call reasons carried on EventTypeMarginCalled.
const (
	MarginReasonPrice             = "collateral_below_requirement"
	MarginReasonCollateralDestroy = "collateral_destroyed"
)

type repoEvent struct {
	evt *types.Event
}

func (e repoEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e repoEvent) Event() *types.Event { return e.evt }

func repoAttrs(r *Repo) map[string]string {
	attrs := make(map[string]string)
	if r == nil {
		return attrs
	}
	attrs["repoId"] = strconv.FormatUint(r.ID, 10)
	attrs["state"] = r.State.String()
	attrs["borrower"] = r.Borrower.Hex()
	if r.Lender != (common.Address{}) {
		attrs["lender"] = r.Lender.Hex()
	}
	attrs["cashAsset"] = r.CashAsset
	attrs["cashAmount"] = bigString(r.CashAmount)
	attrs["collateralKind"] = r.Collateral.Kind.String()
	switch r.Collateral.Kind {
	case CollateralFungible:
		attrs["collateralAsset"] = r.Collateral.Asset
		attrs["collateralAmount"] = bigString(r.Collateral.Amount)
	case CollateralPosition:
		attrs["collateralPositionId"] = strconv.FormatUint(r.Collateral.PositionID, 10)
	}
	attrs["haircutBps"] = strconv.FormatUint(r.HaircutBps, 10)
	attrs["rateBps"] = strconv.FormatUint(r.RateBps, 10)
	attrs["termSeconds"] = strconv.FormatInt(r.TermSeconds, 10)
	return attrs
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newRepoEvent(eventType string, r *Repo, extra map[string]string) *types.Event {
	attrs := repoAttrs(r)
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newProposedEvent(r *Repo) *types.Event { return newRepoEvent(EventTypeProposed, r, nil) }

func newAcceptedEvent(r *Repo) *types.Event {
	return newRepoEvent(EventTypeAccepted, r, map[string]string{
		"startTime":    strconv.FormatInt(r.StartTime, 10),
		"maturityTime": strconv.FormatInt(r.MaturityTime, 10),
	})
}

func newCancelledEvent(r *Repo) *types.Event { return newRepoEvent(EventTypeCancelled, r, nil) }

func newMaturedEvent(r *Repo, forced bool) *types.Event {
	return newRepoEvent(EventTypeMatured, r, map[string]string{
		"forced": strconv.FormatBool(forced),
	})
}

func newMarginCalledEvent(r *Repo, reason string) *types.Event {
	return newRepoEvent(EventTypeMarginCalled, r, map[string]string{
		"reason":   reason,
		"deadline": strconv.FormatInt(r.MarginCallDeadline, 10),
	})
}

func newMarginRestoredEvent(r *Repo) *types.Event {
	return newRepoEvent(EventTypeMarginRestored, r, nil)
}

func newToppedUpEvent(r *Repo, amount *big.Int, restored bool) *types.Event {
	return newRepoEvent(EventTypeCollateralToppedUp, r, map[string]string{
		"topUpAmount": bigString(amount),
		"restored":    strconv.FormatBool(restored),
	})
}

func newLiquidatedEvent(r *Repo, forced bool) *types.Event {
	return newRepoEvent(EventTypeLiquidated, r, map[string]string{
		"forced": strconv.FormatBool(forced),
	})
}

func newSettledEvent(r *Repo, s Settlement, returnable, shortfall, penalty *big.Int) *types.Event {
	return newRepoEvent(EventTypeSettled, r, map[string]string{
		"interest":           bigString(s.Interest),
		"manufacturedCredit": bigString(s.ManufacturedCredit),
		"netPayment":         bigString(s.NetPayment),
		"returnable":         bigString(returnable),
		"shortfall":          bigString(shortfall),
		"penalty":            bigString(penalty),
	})
}

func newSubstitutionRequestedEvent(r *Repo, req *SubstitutionRequest) *types.Event {
	extra := map[string]string{}
	if req != nil {
		extra["newAsset"] = req.NewAsset
		extra["newAmount"] = bigString(req.NewAmount)
	}
	return newRepoEvent(EventTypeSubstitutionRequested, r, extra)
}

func newSubstitutionApprovedEvent(r *Repo, oldAsset string, oldAmount *big.Int) *types.Event {
	return newRepoEvent(EventTypeSubstitutionApproved, r, map[string]string{
		"oldAsset":  oldAsset,
		"oldAmount": bigString(oldAmount),
	})
}

func newYieldRecordedEvent(r *Repo, amount *big.Int) *types.Event {
	return newRepoEvent(EventTypeYieldRecorded, r, map[string]string{
		"yieldAmount":      bigString(amount),
		"accumulatedYield": bigString(r.AccumulatedYield),
	})
}

func newAssetTransferEvent(asset string, from, to common.Address, amount *big.Int, repoID uint64) *types.Event {
	return &types.Event{Type: EventTypeAssetTransfer, Attributes: map[string]string{
		"repoId": strconv.FormatUint(repoID, 10),
		"asset":  asset,
		"from":   from.Hex(),
		"to":     to.Hex(),
		"amount": bigString(amount),
	}}
}

func newPositionMintedEvent(repoID uint64, owner common.Address) *types.Event {
	return &types.Event{Type: EventTypePositionMinted, Attributes: map[string]string{
		"repoId": strconv.FormatUint(repoID, 10),
		"owner":  owner.Hex(),
	}}
}

func newPositionBurnedEvent(repoID uint64) *types.Event {
	return &types.Event{Type: EventTypePositionBurned, Attributes: map[string]string{
		"repoId": strconv.FormatUint(repoID, 10),
	}}
}

func newPositionTransferredEvent(repoID uint64, from, to common.Address) *types.Event {
	return &types.Event{Type: EventTypePositionTransferred, Attributes: map[string]string{
		"repoId": strconv.FormatUint(repoID, 10),
		"from":   from.Hex(),
		"to":     to.Hex(),
	}}
}
