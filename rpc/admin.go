package rpc

type bankBalanceParams struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
}

func (s *Server) handleBankBalance(req *RPCRequest) (interface{}, *RPCError) {
	var params bankBalanceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress("address", params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.engine.BalanceOf(addr, params.Asset)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"balance": bigString(balance)}, nil
}

type bankMintParams struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleBankMint(req *RPCRequest) (interface{}, *RPCError) {
	var params bankMintParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress("to", params.To)
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", params.Amount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.MintAsset(caller, to, params.Asset, amount); err != nil {
		return nil, engineError(err)
	}
	balance, err := s.engine.BalanceOf(to, params.Asset)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"balance": bigString(balance)}, nil
}

type positionIDParams struct {
	ID uint64 `json:"id"`
}

func (s *Server) handlePositionOwnerOf(req *RPCRequest) (interface{}, *RPCError) {
	var params positionIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := s.registry.OwnerOf(params.ID)
	if err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"owner": owner.Hex()}, nil
}

func (s *Server) handlePositionExists(req *RPCRequest) (interface{}, *RPCError) {
	var params positionIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]bool{"exists": s.registry.Exists(params.ID)}, nil
}

type positionTransferParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
	To     string `json:"to"`
}

func (s *Server) handlePositionTransfer(req *RPCRequest) (interface{}, *RPCError) {
	var params positionTransferParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress("to", params.To)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.TransferPosition(caller, params.ID, to); err != nil {
		return nil, engineError(err)
	}
	return map[string]string{"owner": to.Hex()}, nil
}

type setPriceParams struct {
	Asset       string `json:"asset"`
	Numerator   string `json:"numerator"`
	Denominator string `json:"denominator"`
}

func (s *Server) handleOracleSetPrice(req *RPCRequest) (interface{}, *RPCError) {
	var params setPriceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	num, rpcErr := parseAmount("numerator", params.Numerator)
	if rpcErr != nil {
		return nil, rpcErr
	}
	den, rpcErr := parseAmount("denominator", params.Denominator)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.feed.SetPrice(params.Asset, num, den); err != nil {
		return nil, invalidParams(err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

type callerParams struct {
	Caller string `json:"caller"`
}

func (s *Server) handleAdminEnableOracle(req *RPCRequest) (interface{}, *RPCError) {
	var params callerParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.SetOracle(caller, s.feed); err != nil {
		return nil, engineError(err)
	}
	return map[string]bool{"ok": true}, nil
}

type setDistributorParams struct {
	Caller      string `json:"caller"`
	Distributor string `json:"distributor"`
}

func (s *Server) handleAdminSetDistributor(req *RPCRequest) (interface{}, *RPCError) {
	var params setDistributorParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, rpcErr := parseAddress("caller", params.Caller)
	if rpcErr != nil {
		return nil, rpcErr
	}
	distributor, rpcErr := parseAddress("distributor", params.Distributor)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.engine.SetDistributor(caller, distributor); err != nil {
		return nil, engineError(err)
	}
	return map[string]bool{"ok": true}, nil
}
