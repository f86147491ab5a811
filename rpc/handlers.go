package rpc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"repoledger/core/events"
	repoengine "repoledger/native/repo"
)

func (s *Server) methodTable() map[string]methodSpec {
	return map[string]methodSpec{
		"repo_propose":             {handler: (*Server).handleRepoPropose, mutating: true},
		"repo_proposeWithPosition": {handler: (*Server).handleRepoProposeWithPosition, mutating: true},
		"repo_accept":              {handler: (*Server).handleRepoAccept, mutating: true},
		"repo_cancel":              {handler: (*Server).handleRepoCancel, mutating: true},
		"repo_checkMaturity":       {handler: (*Server).handleRepoCheckMaturity, mutating: true},
		"repo_settle":              {handler: (*Server).handleRepoSettle, mutating: true},
		"repo_checkMargin":         {handler: (*Server).handleRepoCheckMargin, mutating: true},
		"repo_topUp":               {handler: (*Server).handleRepoTopUp, mutating: true},
		"repo_liquidate":           {handler: (*Server).handleRepoLiquidate, mutating: true},
		"repo_requestSubstitution": {handler: (*Server).handleRepoRequestSubstitution, mutating: true},
		"repo_approveSubstitution": {handler: (*Server).handleRepoApproveSubstitution, mutating: true},
		"repo_recordYield":         {handler: (*Server).handleRepoRecordYield, mutating: true},
		"repo_forceMature":         {handler: (*Server).handleRepoForceMature, mutating: true},
		"repo_forceLiquidate":      {handler: (*Server).handleRepoForceLiquidate, mutating: true},
		"repo_get":                 {handler: (*Server).handleRepoGet},
		"repo_previewSettlement":   {handler: (*Server).handleRepoPreviewSettlement},
		"repo_positionValue":       {handler: (*Server).handleRepoPositionValue},
		"repo_pendingSubstitution": {handler: (*Server).handleRepoPendingSubstitution},
		"repo_lockedBy":            {handler: (*Server).handleRepoLockedBy},
		"repo_events":              {handler: (*Server).handleRepoEvents},
		"bank_balance":             {handler: (*Server).handleBankBalance},
		"bank_mint":                {handler: (*Server).handleBankMint, mutating: true},
		"position_ownerOf":         {handler: (*Server).handlePositionOwnerOf},
		"position_exists":          {handler: (*Server).handlePositionExists},
		"position_transfer":        {handler: (*Server).handlePositionTransfer, mutating: true},
		"oracle_setPrice":          {handler: (*Server).handleOracleSetPrice, mutating: true},
		"admin_enableOracle":       {handler: (*Server).handleAdminEnableOracle, mutating: true},
		"admin_setDistributor":     {handler: (*Server).handleAdminSetDistributor, mutating: true},
	}
}

// repoView is the wire representation of a repurchase agreement. Amounts are
// rendered as base-10 strings so callers never lose precision to JSON number
// parsing.
type repoView struct {
	ID       uint64 `json:"id"`
	Borrower string `json:"borrower"`
	Lender   string `json:"lender,omitempty"`

	CashAsset  string `json:"cashAsset"`
	CashAmount string `json:"cashAmount"`

	Collateral collateralView `json:"collateral"`

	HaircutBps     uint64 `json:"haircutBps"`
	RateBps        uint64 `json:"rateBps"`
	FailPenaltyBps uint64 `json:"failPenaltyBps"`
	TermSeconds    int64  `json:"termSeconds"`

	ProposedAt         int64 `json:"proposedAt"`
	StartTime          int64 `json:"startTime,omitempty"`
	MaturityTime       int64 `json:"maturityTime,omitempty"`
	MarginCallDeadline int64 `json:"marginCallDeadline,omitempty"`

	AccumulatedYield string `json:"accumulatedYield"`
	State            string `json:"state"`
}

type collateralView struct {
	Kind       string `json:"kind"`
	Asset      string `json:"asset,omitempty"`
	Amount     string `json:"amount,omitempty"`
	PositionID uint64 `json:"positionId,omitempty"`
}

func newRepoView(r *repoengine.Repo) repoView {
	view := repoView{
		ID:                 r.ID,
		Borrower:           r.Borrower.Hex(),
		CashAsset:          r.CashAsset,
		CashAmount:         bigString(r.CashAmount),
		HaircutBps:         r.HaircutBps,
		RateBps:            r.RateBps,
		FailPenaltyBps:     r.FailPenaltyBps,
		TermSeconds:        r.TermSeconds,
		ProposedAt:         r.ProposedAt,
		StartTime:          r.StartTime,
		MaturityTime:       r.MaturityTime,
		MarginCallDeadline: r.MarginCallDeadline,
		AccumulatedYield:   bigString(r.AccumulatedYield),
		State:              r.State.String(),
	}
	if r.Lender != (common.Address{}) {
		view.Lender = r.Lender.Hex()
	}
	switch r.Collateral.Kind {
	case repoengine.CollateralPosition:
		view.Collateral = collateralView{Kind: "position", PositionID: r.Collateral.PositionID}
	default:
		view.Collateral = collateralView{
			Kind:   "fungible",
			Asset:  r.Collateral.Asset,
			Amount: bigString(r.Collateral.Amount),
		}
	}
	return view
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type proposeParams struct {
	Borrower         string `json:"borrower"`
	CashAsset        string `json:"cashAsset"`
	CashAmount       string `json:"cashAmount"`
	CollateralAsset  string `json:"collateralAsset"`
	CollateralAmount string `json:"collateralAmount"`
	HaircutBps       uint64 `json:"haircutBps"`
	RateBps          uint64 `json:"rateBps"`
	TermSeconds      int64  `json:"termSeconds"`
	FailPenaltyBps   uint64 `json:"failPenaltyBps"`
}

func (s *Server) handleRepoPropose(req *RPCRequest) (interface{}, *RPCError) {
	var params proposeParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	borrower, rpcErr := parseAddress("borrower", params.Borrower)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cashAmount, rpcErr := parseAmount("cashAmount", params.CashAmount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	collateralAmount, rpcErr := parseAmount("collateralAmount", params.CollateralAmount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, err := s.engine.Propose(borrower, params.CashAsset, cashAmount,
		params.CollateralAsset, collateralAmount,
		params.HaircutBps, params.RateBps, params.TermSeconds, params.FailPenaltyBps)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]uint64{"id": id}, nil
}

type proposeWithPositionParams struct {
	Proposer       string `json:"proposer"`
	CashAsset      string `json:"cashAsset"`
	CashAmount     string `json:"cashAmount"`
	PositionID     uint64 `json:"positionId"`
	HaircutBps     uint64 `json:"haircutBps"`
	RateBps        uint64 `json:"rateBps"`
	TermSeconds    int64  `json:"termSeconds"`
	FailPenaltyBps uint64 `json:"failPenaltyBps"`
}

func (s *Server) handleRepoProposeWithPosition(req *RPCRequest) (interface{}, *RPCError) {
	var params proposeWithPositionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	proposer, rpcErr := parseAddress("proposer", params.Proposer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cashAmount, rpcErr := parseAmount("cashAmount", params.CashAmount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, err := s.engine.ProposeWithPosition(proposer, params.CashAsset, cashAmount,
		params.PositionID, params.HaircutBps, params.RateBps, params.TermSeconds, params.FailPenaltyBps)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]uint64{"id": id}, nil
}

type repoCallParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

func (s *Server) repoCall(req *RPCRequest, fn func(uint64, common.Address) error) (interface{}, *RPCError) {
	var params repoCallParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := fn(params.ID, caller); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}


func (s *Server) handleRepoAccept(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.Accept(id, caller)
	})
}

func (s *Server) handleRepoCancel(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.Cancel(id, caller)
	})
}

func (s *Server) handleRepoSettle(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.Settle(id, caller)
	})
}

func (s *Server) handleRepoForceMature(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.ForceMature(id, caller)
	})
}

func (s *Server) handleRepoForceLiquidate(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.ForceRepoLiquidate(id, caller)
	})
}

type repoIDParams struct {
	ID uint64 `json:"id"`
}

func (s *Server) handleRepoCheckMaturity(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.CheckMaturity(params.ID); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

func (s *Server) handleRepoCheckMargin(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.CheckMargin(params.ID); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

func (s *Server) handleRepoLiquidate(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.Liquidate(params.ID); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

type topUpParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepoTopUp(req *RPCRequest) (interface{}, *RPCError) {
	var params topUpParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.TopUpCollateral(params.ID, amount, caller); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

type substitutionParams struct {
	ID        uint64 `json:"id"`
	Caller    string `json:"caller"`
	NewAsset  string `json:"newAsset"`
	NewAmount string `json:"newAmount"`
}

func (s *Server) handleRepoRequestSubstitution(req *RPCRequest) (interface{}, *RPCError) {
	var params substitutionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("newAmount", params.NewAmount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.RequestSubstitution(params.ID, params.NewAsset, amount, caller); err != nil {
		return nil, engineError(err)
	}
	return map[string]bool{"pending": true}, nil
}

func (s *Server) handleRepoApproveSubstitution(req *RPCRequest) (interface{}, *RPCError) {
	return s.repoCall(req, func(id uint64, caller common.Address) error {
		return s.engine.ApproveSubstitution(id, caller)
	})
}

type recordYieldParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepoRecordYield(req *RPCRequest) (interface{}, *RPCError) {
	var params recordYieldParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.RecordYield(caller, params.ID, amount); err != nil {
		return nil, engineError(err)
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

func (s *Server) handleRepoGet(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	record, err := s.engine.Get(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return newRepoView(record), nil
}

type settlementView struct {
	Interest           string `json:"interest"`
	ManufacturedCredit string `json:"manufacturedCredit"`
	NetPayment         string `json:"netPayment"`
}

func (s *Server) handleRepoPreviewSettlement(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	settlement, err := s.engine.PreviewSettlement(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return settlementView{
		Interest:           bigString(settlement.Interest),
		ManufacturedCredit: bigString(settlement.ManufacturedCredit),
		NetPayment:         bigString(settlement.NetPayment),
	}, nil
}

func (s *Server) handleRepoPositionValue(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	value, err := s.engine.PositionValue(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"value": bigString(value)}, nil
}

func (s *Server) handleRepoPendingSubstitution(req *RPCRequest) (interface{}, *RPCError) {
	var params repoIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	pending, err := s.engine.PendingSubstitution(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	if pending == nil {
		return map[string]bool{"pending": false}, nil
	}
	return map[string]interface{}{
		"pending":   true,
		"newAsset":  pending.NewAsset,
		"newAmount": bigString(pending.NewAmount),
	}, nil
}

type lockedByParams struct {
	PositionID uint64 `json:"positionId"`
}

func (s *Server) handleRepoLockedBy(req *RPCRequest) (interface{}, *RPCError) {
	var params lockedByParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, locked, err := s.engine.LockedBy(params.PositionID)
	if err != nil {
		return nil, engineError(err)
	}
	result := map[string]interface{}{"locked": locked}
	if locked {
		result["repoId"] = id
	}
	return result, nil
}

type eventsParams struct {
	Limit int `json:"limit"`
}

func (s *Server) handleRepoEvents(req *RPCRequest) (interface{}, *RPCError) {
	var params eventsParams
	if len(req.Params) > 0 {
		if rpcErr := decodeParams(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}
	entries := s.recorder.Tail(params.Limit)
	if entries == nil {
		entries = []events.Entry{}
	}
	return entries, nil
}
