package rpc

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"repoledger/core/events"
	"repoledger/native/position"
	"repoledger/native/pricefeed"
	repoengine "repoledger/native/repo"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeNotFound       = -32004
	codeStateMismatch  = -32021
	codeTiming         = -32022
	codeRefusal        = -32023
)

// Server exposes the repo ledger over JSON-RPC 2.0. Mutating methods require
// the bearer token from REPOD_RPC_TOKEN when one is configured.
type Server struct {
	engine    *repoengine.Engine
	registry  *position.Registry
	feed      *pricefeed.Manual
	recorder  *events.Recorder
	authToken string
	logger    *slog.Logger

	methods map[string]methodSpec
}

type methodSpec struct {
	handler  func(*Server, *RPCRequest) (interface{}, *RPCError)
	mutating bool
}

// NewServer constructs a server bound to the ledger components.
func NewServer(engine *repoengine.Engine, registry *position.Registry, feed *pricefeed.Manual, recorder *events.Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    engine,
		registry:  registry,
		feed:      feed,
		recorder:  recorder,
		authToken: strings.TrimSpace(os.Getenv("REPOD_RPC_TOKEN")),
		logger:    logger,
	}
	s.methods = s.methodTable()
	return s
}

// Handler returns the HTTP handler serving the JSON-RPC endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC payload", err.Error())
		return
	}
	spec, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
		return
	}
	if spec.mutating && !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "missing or invalid bearer token", nil)
		return
	}
	requestID := uuid.NewString()
	result, rpcErr := spec.handler(s, &req)
	if rpcErr != nil {
		s.logger.Warn("rpc request failed",
			slog.String("requestId", requestID),
			slog.String("method", req.Method),
			slog.Int("code", rpcErr.Code),
			slog.String("error", rpcErr.Message),
		)
		writeError(w, httpStatusFor(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	s.logger.Debug("rpc request served",
		slog.String("requestId", requestID),
		slog.String("method", req.Method),
	)
	writeResult(w, req.ID, result)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func httpStatusFor(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeInvalidParams, codeInvalidRequest, codeParseError:
		return http.StatusBadRequest
	case codeNotFound, codeMethodNotFound:
		return http.StatusNotFound
	case codeStateMismatch, codeTiming, codeRefusal:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// engineError converts an engine failure into a JSON-RPC error, preserving
// the error taxonomy as distinct codes.
func engineError(err error) *RPCError {
	var stateErr *repoengine.StateError
	switch {
	case errors.As(err, &stateErr):
		return &RPCError{Code: codeStateMismatch, Message: err.Error(), Data: map[string]string{
			"actual": stateErr.Actual.String(),
		}}
	case errors.Is(err, repoengine.ErrRepoNotFound),
		errors.Is(err, position.ErrNotMinted):
		return &RPCError{Code: codeNotFound, Message: err.Error()}
	case errors.Is(err, repoengine.ErrUnauthorized),
		errors.Is(err, repoengine.ErrSelfDealing),
		errors.Is(err, position.ErrNotOwner):
		return &RPCError{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, repoengine.ErrMaturityNotReached),
		errors.Is(err, repoengine.ErrGracePeriodActive):
		return &RPCError{Code: codeTiming, Message: err.Error()}
	case errors.Is(err, repoengine.ErrMarginSufficient):
		return &RPCError{Code: codeRefusal, Message: err.Error()}
	case errors.Is(err, repoengine.ErrInvalidAmount),
		errors.Is(err, repoengine.ErrHaircutOutOfRange),
		errors.Is(err, repoengine.ErrRateOutOfRange),
		errors.Is(err, repoengine.ErrTermOutOfRange),
		errors.Is(err, repoengine.ErrInsufficientCollateral),
		errors.Is(err, repoengine.ErrFungibleCollateralRequired),
		errors.Is(err, repoengine.ErrNoPendingSubstitution),
		errors.Is(err, repoengine.ErrPositionLocked),
		errors.Is(err, repoengine.ErrAlreadyConfigured),
		errors.Is(err, position.ErrAlreadyMinted):
		return &RPCError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: err.Error()}
	}
}

func invalidParams(message string) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: message}
}

func decodeParams(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func parseAddress(field, value string) (common.Address, *RPCError) {
	if !common.IsHexAddress(value) {
		return common.Address{}, invalidParams(fmt.Sprintf("%s is not a hex address", field))
	}
	return common.HexToAddress(value), nil
}

func parseAmount(field, value string) (*big.Int, *RPCError) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return nil, invalidParams(fmt.Sprintf("%s is not a base-10 integer", field))
	}
	return amount, nil
}
