package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"repoledger/core/events"
	"repoledger/native/position"
	"repoledger/native/pricefeed"
	repoengine "repoledger/native/repo"
	"repoledger/state"
	"repoledger/storage"
)

const (
	ownerHex    = "0x00000000000000000000000000000000000000ff"
	borrowerHex = "0x0000000000000000000000000000000000000001"
	lenderHex   = "0x0000000000000000000000000000000000000002"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := storage.NewMemDB()
	ledger, err := state.NewLedger(db)
	require.NoError(t, err)
	registry, err := position.NewRegistry(db)
	require.NoError(t, err)

	engine := repoengine.NewEngine(common.HexToAddress(ownerHex))
	engine.SetState(ledger)
	engine.SetRegistry(registry)
	recorder := events.NewRecorder(64)
	engine.SetEmitter(recorder)

	return NewServer(engine, registry, pricefeed.NewManual(), recorder, nil)
}

func call(t *testing.T, server *Server, token, method string, params interface{}) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func result(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestUnknownMethod(t *testing.T) {
	server := newTestServer(t)
	rec, resp := call(t, server, "", "repo_doesNotExist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestBearerTokenGatesMutations(t *testing.T) {
	t.Setenv("REPOD_RPC_TOKEN", "secret")
	server := newTestServer(t)

	params := map[string]interface{}{
		"caller": ownerHex, "to": borrowerHex, "asset": "USD", "amount": "100",
	}
	rec, resp := call(t, server, "", "bank_mint", params)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	rec, resp = call(t, server, "wrong", "bank_mint", params)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = call(t, server, "secret", "bank_mint", params)
	require.Nil(t, resp.Error)

	// Reads stay open.
	_, resp = call(t, server, "", "bank_balance", map[string]interface{}{
		"address": borrowerHex, "asset": "USD",
	})
	require.Nil(t, resp.Error)
}

func TestProposeAcceptSettleOverRPC(t *testing.T) {
	server := newTestServer(t)

	mint := func(to, asset, amount string) {
		_, resp := call(t, server, "", "bank_mint", map[string]interface{}{
			"caller": ownerHex, "to": to, "asset": asset, "amount": amount,
		})
		require.Nil(t, resp.Error, "mint failed: %+v", resp.Error)
	}
	mint(borrowerHex, "BOND", "102000")
	mint(borrowerHex, "USD", "1000")
	mint(lenderHex, "USD", "100000")

	_, resp := call(t, server, "", "repo_propose", map[string]interface{}{
		"borrower":         borrowerHex,
		"cashAsset":        "USD",
		"cashAmount":       "100000",
		"collateralAsset":  "BOND",
		"collateralAmount": "102000",
		"haircutBps":       200,
		"rateBps":          450,
		"termSeconds":      2592000,
		"failPenaltyBps":   100,
	})
	var proposed struct {
		ID uint64 `json:"id"`
	}
	result(t, resp, &proposed)
	require.Equal(t, uint64(1), proposed.ID)

	_, resp = call(t, server, "", "repo_accept", map[string]interface{}{
		"id": proposed.ID, "caller": lenderHex,
	})
	var view repoView
	result(t, resp, &view)
	require.Equal(t, "active", view.State)
	require.Equal(t, "100000", view.CashAmount)
	require.Equal(t, "fungible", view.Collateral.Kind)
	require.Equal(t, common.HexToAddress(lenderHex).Hex(), view.Lender)

	_, resp = call(t, server, "", "repo_previewSettlement", map[string]interface{}{"id": proposed.ID})
	var preview settlementView
	result(t, resp, &preview)
	require.Equal(t, "369", preview.Interest)
	require.Equal(t, "100369", preview.NetPayment)

	_, resp = call(t, server, "", "bank_balance", map[string]interface{}{
		"address": borrowerHex, "asset": "USD",
	})
	var balance struct {
		Balance string `json:"balance"`
	}
	result(t, resp, &balance)
	require.Equal(t, "101000", balance.Balance)

	_, resp = call(t, server, "", "position_ownerOf", map[string]interface{}{"id": proposed.ID})
	var ownerOf struct {
		Owner string `json:"owner"`
	}
	result(t, resp, &ownerOf)
	require.Equal(t, common.HexToAddress(lenderHex).Hex(), ownerOf.Owner)

	_, resp = call(t, server, "", "repo_events", map[string]interface{}{"limit": 0})
	var entries []events.Entry
	result(t, resp, &entries)
	require.NotEmpty(t, entries)
}

func TestErrorTaxonomyOverRPC(t *testing.T) {
	server := newTestServer(t)

	rec, resp := call(t, server, "", "repo_get", map[string]interface{}{"id": 42})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, resp.Error.Code)

	_, resp = call(t, server, "", "repo_propose", map[string]interface{}{
		"borrower":         borrowerHex,
		"cashAsset":        "USD",
		"cashAmount":       "0",
		"collateralAsset":  "BOND",
		"collateralAmount": "102000",
		"haircutBps":       200,
		"rateBps":          450,
		"termSeconds":      2592000,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	_, resp = call(t, server, "", "repo_propose", map[string]interface{}{
		"borrower":         "nope",
		"cashAsset":        "USD",
		"cashAmount":       "100",
		"collateralAsset":  "BOND",
		"collateralAmount": "200",
		"haircutBps":       200,
		"rateBps":          450,
		"termSeconds":      2592000,
	})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	// Settling an unaccepted proposal surfaces the state conflict.
	mintParams := map[string]interface{}{
		"caller": ownerHex, "to": borrowerHex, "asset": "BOND", "amount": "102000",
	}
	_, resp = call(t, server, "", "bank_mint", mintParams)
	require.Nil(t, resp.Error)
	_, resp = call(t, server, "", "repo_propose", map[string]interface{}{
		"borrower":         borrowerHex,
		"cashAsset":        "USD",
		"cashAmount":       "100000",
		"collateralAsset":  "BOND",
		"collateralAmount": "102000",
		"haircutBps":       200,
		"rateBps":          450,
		"termSeconds":      2592000,
	})
	require.Nil(t, resp.Error)
	rec, resp = call(t, server, "", "repo_settle", map[string]interface{}{
		"id": 1, "caller": borrowerHex,
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeStateMismatch, resp.Error.Code)
}

func TestAdminSetupOverRPC(t *testing.T) {
	server := newTestServer(t)

	_, resp := call(t, server, "", "oracle_setPrice", map[string]interface{}{
		"asset": "BOND", "numerator": "1", "denominator": "1",
	})
	require.Nil(t, resp.Error)

	_, resp = call(t, server, "", "admin_enableOracle", map[string]interface{}{"caller": lenderHex})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	_, resp = call(t, server, "", "admin_enableOracle", map[string]interface{}{"caller": ownerHex})
	require.Nil(t, resp.Error)

	_, resp = call(t, server, "", "admin_enableOracle", map[string]interface{}{"caller": ownerHex})
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	_, resp = call(t, server, "", "admin_setDistributor", map[string]interface{}{
		"caller": ownerHex, "distributor": lenderHex,
	})
	require.Nil(t, resp.Error)
}
