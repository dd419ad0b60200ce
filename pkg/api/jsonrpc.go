package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/fixedpoint"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/token"
)

// Version is reported by lend_getInfo.
const Version = "1.0.0"

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	pool     *lending.Pool
	value    token.Token
	coll     token.Token
	units    Units
	faucet   bool
	recorder Recorder
	logger   log.Logger
}

// Units are the decimals used to parse human readable amounts.
type Units struct {
	Value      int32
	Collateral int32
}

// Recorder observes every handled call.
type Recorder interface {
	RecordRequest(method string, d time.Duration, err error)
}

// Option configures a JSONRPCServer.
type Option func(*JSONRPCServer)

// WithUnits sets token decimals. Amounts are parsed as base units by default.
func WithUnits(u Units) Option { return func(s *JSONRPCServer) { s.units = u } }

// WithFaucet enables token_mint. Only in-memory tokens can mint.
func WithFaucet() Option { return func(s *JSONRPCServer) { s.faucet = true } }

// WithRecorder reports request outcomes, usually to the metrics collector.
func WithRecorder(r Recorder) Option { return func(s *JSONRPCServer) { s.recorder = r } }

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(pool *lending.Pool, logger log.Logger, opts ...Option) *JSONRPCServer {
	value, coll := pool.Tokens()
	s := &JSONRPCServer{
		pool:   pool,
		value:  value,
		coll:   coll,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Pool error codes
const (
	CodeInvalidAmount          = -32001
	CodeNoLiquidity            = -32002
	CodeInsufficientLiquidity  = -32003
	CodeUnknownPosition        = -32004
	CodeUnknownLoan            = -32005
	CodeUnauthorized           = -32006
	CodeNotUndercollateralized = -32007
	CodeTransferFailed         = -32008
	CodeInvalidPrice           = -32009
	CodePriceNotSet            = -32010
	CodeNothingToClaim         = -32011
)

var errorCodes = []struct {
	err  error
	code int
}{
	{lending.ErrExternalTransferFailed, CodeTransferFailed},
	{lending.ErrInvalidAmount, CodeInvalidAmount},
	{lending.ErrNoLiquidity, CodeNoLiquidity},
	{lending.ErrInsufficientLiquidity, CodeInsufficientLiquidity},
	{lending.ErrUnknownPosition, CodeUnknownPosition},
	{lending.ErrUnknownLoan, CodeUnknownLoan},
	{lending.ErrUnauthorized, CodeUnauthorized},
	{lending.ErrNotUndercollateralized, CodeNotUndercollateralized},
	{lending.ErrInvalidPrice, CodeInvalidPrice},
	{lending.ErrPriceNotSet, CodePriceNotSet},
	{lending.ErrNothingToClaim, CodeNothingToClaim},
	{token.ErrInsufficientBalance, CodeTransferFailed},
	{token.ErrInsufficientAllowance, CodeTransferFailed},
	{token.ErrInvalidAmount, CodeInvalidAmount},
}

// ErrorCode maps a pool error to its JSON-RPC code.
func ErrorCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return InternalError
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: ErrorCode(err), Message: err.Error()}
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	start := time.Now()
	result, err := s.handleMethod(req.Method, req.Params)
	if s.recorder != nil {
		s.recorder.RecordRequest(req.Method, time.Since(start), err)
	}
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.logger.Error("RPC call failed", "method", req.Method, "error", err)
		} else {
			s.logger.Debug("RPC call rejected", "method", req.Method, "error", err)
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(w, req.ID, &RPCError{Code: InternalError, Message: err.Error()})
		return
	}
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", Result: raw, ID: req.ID})
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Pool operations
	case "lend_lend":
		return s.lend(params)
	case "lend_borrow":
		return s.borrow(params)
	case "lend_repay":
		return s.repay(params)
	case "lend_liquidate":
		return s.liquidate(params)
	case "lend_withdraw":
		return s.withdraw(params)
	case "lend_claim":
		return s.claim(params)
	case "lend_buyWithLeverage":
		return s.buyWithLeverage(params)
	case "lend_updatePrice":
		return s.updatePrice(params)

	// Read methods
	case "lend_getPosition":
		return s.getPosition(params)
	case "lend_getPositions":
		return s.pool.Positions(), nil
	case "lend_getLoan":
		return s.getLoan(params)
	case "lend_getLoans":
		return s.getLoans(params)
	case "lend_getLedger":
		return s.getLedger()
	case "lend_getPrice":
		return s.getPrice()
	case "lend_getClaimable":
		return s.getClaimable(params)
	case "lend_getStats":
		return s.pool.Stats(), nil
	case "lend_isUndercollateralized":
		return s.isUndercollateralized(params)
	case "lend_getLiquidatable":
		return s.pool.Liquidatable(), nil
	case "lend_requiredCollateral":
		return s.requiredCollateral(params)
	case "lend_valueOfCollateral":
		return s.valueOfCollateral(params)

	// Token methods
	case "token_balanceOf":
		return s.balanceOf(params)
	case "token_approve":
		return s.approve(params)
	case "token_mint":
		return s.mint(params)

	// Info methods
	case "lend_getInfo":
		return s.getInfo()
	case "lend_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// AmountResult carries an amount in base units and formatted with the token's
// decimals.
type AmountResult struct {
	Amount    *big.Int `json:"amount"`
	Formatted string   `json:"formatted"`
}

// LedgerResult reports the ends of the ledger. Ids are null when it is empty.
type LedgerResult struct {
	Head *uint64 `json:"head"`
	Tail *uint64 `json:"tail"`
	Len  int     `json:"len"`
}

func (s *JSONRPCServer) lend(params json.RawMessage) (interface{}, error) {
	var p struct {
		Lender string `json:"lender"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	lender, err := parseAddress("lender", p.Lender)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, s.units.Value)
	if err != nil {
		return nil, err
	}

	id, err := s.pool.Lend(lender, amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"positionId": id,
		"status":     "accepted",
	}, nil
}

func (s *JSONRPCServer) borrow(params json.RawMessage) (interface{}, error) {
	var p struct {
		Borrower string `json:"borrower"`
		Amount   string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	borrower, err := parseAddress("borrower", p.Borrower)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, s.units.Value)
	if err != nil {
		return nil, err
	}
	return s.pool.Borrow(borrower, amount)
}

func (s *JSONRPCServer) repay(params json.RawMessage) (interface{}, error) {
	caller, id, err := s.loanParams(params)
	if err != nil {
		return nil, err
	}
	return s.pool.Repay(caller, id)
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	caller, id, err := s.loanParams(params)
	if err != nil {
		return nil, err
	}
	return s.pool.Liquidate(caller, id)
}

func (s *JSONRPCServer) loanParams(params json.RawMessage) (common.Address, uint64, error) {
	var p struct {
		Caller string  `json:"caller"`
		LoanID *uint64 `json:"loanId"`
	}
	if err := decode(params, &p); err != nil {
		return common.Address{}, 0, err
	}
	caller, err := parseAddress("caller", p.Caller)
	if err != nil {
		return common.Address{}, 0, err
	}
	if p.LoanID == nil {
		return common.Address{}, 0, invalidParams("loanId is required")
	}
	return caller, *p.LoanID, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     string  `json:"caller"`
		PositionID *uint64 `json:"positionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", p.Caller)
	if err != nil {
		return nil, err
	}
	if p.PositionID == nil {
		return nil, invalidParams("positionId is required")
	}

	amount, err := s.pool.Withdraw(caller, *p.PositionID)
	if err != nil {
		return nil, err
	}
	return s.valueAmount(amount), nil
}

func (s *JSONRPCServer) claim(params json.RawMessage) (interface{}, error) {
	caller, err := s.addressParam(params, "caller")
	if err != nil {
		return nil, err
	}
	amount, err := s.pool.Claim(caller)
	if err != nil {
		return nil, err
	}
	return s.valueAmount(amount), nil
}

func (s *JSONRPCServer) buyWithLeverage(params json.RawMessage) (interface{}, error) {
	var p struct {
		Borrower      string `json:"borrower"`
		OwnFunds      string `json:"ownFunds"`
		BorrowedFunds string `json:"borrowedFunds"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	borrower, err := parseAddress("borrower", p.Borrower)
	if err != nil {
		return nil, err
	}
	if p.OwnFunds == "" {
		p.OwnFunds = "0"
	}
	own, err := parseAmount("ownFunds", p.OwnFunds, s.units.Value)
	if err != nil {
		return nil, err
	}
	borrowed, err := parseAmount("borrowedFunds", p.BorrowedFunds, s.units.Value)
	if err != nil {
		return nil, err
	}
	return s.pool.BuyWithLeverage(borrower, own, borrowed)
}

func (s *JSONRPCServer) updatePrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
		Price  string `json:"price"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	caller, err := parseAddress("caller", p.Caller)
	if err != nil {
		return nil, err
	}
	// Prices are already scaled by the pool's price precision.
	price, err := parseAmount("price", p.Price, 0)
	if err != nil {
		return nil, err
	}
	if err := s.pool.UpdatePrice(caller, price); err != nil {
		return nil, err
	}
	return map[string]interface{}{"price": price}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		PositionID *uint64 `json:"positionId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.PositionID == nil {
		return nil, invalidParams("positionId is required")
	}
	return s.pool.Position(*p.PositionID)
}

func (s *JSONRPCServer) getLoan(params json.RawMessage) (interface{}, error) {
	var p struct {
		LoanID *uint64 `json:"loanId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.LoanID == nil {
		return nil, invalidParams("loanId is required")
	}
	return s.pool.Loan(*p.LoanID)
}

func (s *JSONRPCServer) getLoans(params json.RawMessage) (interface{}, error) {
	var p struct {
		Borrower string `json:"borrower"`
		OpenOnly bool   `json:"openOnly"`
	}
	if len(params) > 0 {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	var borrower common.Address
	if p.Borrower != "" {
		addr, err := parseAddress("borrower", p.Borrower)
		if err != nil {
			return nil, err
		}
		borrower = addr
	}

	loans := make([]lending.Loan, 0)
	for _, l := range s.pool.Loans() {
		if p.Borrower != "" && l.Borrower != borrower {
			continue
		}
		if p.OpenOnly && !l.Open {
			continue
		}
		loans = append(loans, l)
	}
	return loans, nil
}

func (s *JSONRPCServer) getLedger() (interface{}, error) {
	var res LedgerResult
	if id, ok := s.pool.Head(); ok {
		res.Head = &id
	}
	if id, ok := s.pool.Tail(); ok {
		res.Tail = &id
	}
	res.Len = s.pool.Stats().Positions
	return res, nil
}

func (s *JSONRPCServer) getPrice() (interface{}, error) {
	price, err := s.pool.Price()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"price":     price,
		"precision": s.pool.Config().PricePrecision,
	}, nil
}

func (s *JSONRPCServer) getClaimable(params json.RawMessage) (interface{}, error) {
	lender, err := s.addressParam(params, "lender")
	if err != nil {
		return nil, err
	}
	return s.valueAmount(s.pool.Claimable(lender)), nil
}

func (s *JSONRPCServer) isUndercollateralized(params json.RawMessage) (interface{}, error) {
	var p struct {
		LoanID *uint64 `json:"loanId"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.LoanID == nil {
		return nil, invalidParams("loanId is required")
	}
	under, err := s.pool.IsUndercollateralized(*p.LoanID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"loanId":              *p.LoanID,
		"undercollateralized": under,
	}, nil
}

func (s *JSONRPCServer) requiredCollateral(params json.RawMessage) (interface{}, error) {
	var p struct {
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, s.units.Value)
	if err != nil {
		return nil, err
	}
	required, err := s.pool.RequiredCollateral(amount)
	if err != nil {
		return nil, err
	}
	return AmountResult{Amount: required, Formatted: fixedpoint.FormatUnits(required, s.units.Collateral)}, nil
}

func (s *JSONRPCServer) valueOfCollateral(params json.RawMessage) (interface{}, error) {
	var p struct {
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, s.units.Collateral)
	if err != nil {
		return nil, err
	}
	value, err := s.pool.ValueOfCollateral(amount)
	if err != nil {
		return nil, err
	}
	return s.valueAmount(value), nil
}

func (s *JSONRPCServer) balanceOf(params json.RawMessage) (interface{}, error) {
	var p struct {
		Token string `json:"token"`
		Owner string `json:"owner"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	t, decimals, err := s.token(p.Token)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	balance := t.BalanceOf(owner)
	return AmountResult{Amount: balance, Formatted: fixedpoint.FormatUnits(balance, decimals)}, nil
}

// approve lets the pool custody spend owner's tokens. The daemon holds no
// keys, so the owner is taken at its word, as with every other caller field.
func (s *JSONRPCServer) approve(params json.RawMessage) (interface{}, error) {
	var p struct {
		Token  string `json:"token"`
		Owner  string `json:"owner"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	t, decimals, err := s.token(p.Token)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, decimals)
	if err != nil {
		return nil, err
	}
	custody := s.pool.Config().Address
	if err := t.Approve(owner, custody, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"token":     t.Symbol(),
		"spender":   custody,
		"allowance": t.Allowance(owner, custody),
	}, nil
}

func (s *JSONRPCServer) mint(params json.RawMessage) (interface{}, error) {
	if !s.faucet {
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
	var p struct {
		Token  string `json:"token"`
		Owner  string `json:"owner"`
		Amount string `json:"amount"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	t, decimals, err := s.token(p.Token)
	if err != nil {
		return nil, err
	}
	minter, ok := t.(interface {
		Mint(common.Address, *big.Int) error
	})
	if !ok {
		return nil, invalidParams("token %s cannot mint", t.Symbol())
	}
	owner, err := parseAddress("owner", p.Owner)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount, decimals)
	if err != nil {
		return nil, err
	}
	if err := minter.Mint(owner, amount); err != nil {
		return nil, err
	}
	balance := t.BalanceOf(owner)
	return AmountResult{Amount: balance, Formatted: fixedpoint.FormatUnits(balance, decimals)}, nil
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	cfg := s.pool.Config()
	return map[string]interface{}{
		"version":                 Version,
		"valueToken":              s.value.Symbol(),
		"collateralToken":         s.coll.Symbol(),
		"valueDecimals":           s.units.Value,
		"collateralDecimals":      s.units.Collateral,
		"custody":                 cfg.Address,
		"broadcaster":             cfg.Broadcaster,
		"pricePrecision":          cfg.PricePrecision,
		"collateralRatioBps":      cfg.CollateralRatioBps,
		"liquidationThresholdBps": cfg.LiquidationThresholdBps,
		"partialFill":             cfg.PartialFill,
		"repayPolicy":             cfg.RepayPolicy,
		"timestamp":               time.Now().Unix(),
	}, nil
}

func (s *JSONRPCServer) token(symbol string) (token.Token, int32, error) {
	switch symbol {
	case s.value.Symbol():
		return s.value, s.units.Value, nil
	case s.coll.Symbol():
		return s.coll, s.units.Collateral, nil
	default:
		return nil, 0, invalidParams("unknown token %q", symbol)
	}
}

func (s *JSONRPCServer) addressParam(params json.RawMessage, name string) (common.Address, error) {
	var p map[string]string
	if err := decode(params, &p); err != nil {
		return common.Address{}, err
	}
	return parseAddress(name, p[name])
}

func (s *JSONRPCServer) valueAmount(v *big.Int) AmountResult {
	return AmountResult{Amount: v, Formatted: fixedpoint.FormatUnits(v, s.units.Value)}
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("Invalid params: %v", err)
	}
	return nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidParams("%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(name, s string, decimals int32) (*big.Int, error) {
	if s == "" {
		return nil, invalidParams("%s is required", name)
	}
	v, err := fixedpoint.ParseUnits(s, decimals)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidAmount, Message: fmt.Sprintf("%s: %v", name, err)}
	}
	return v, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id})
}

func (s *JSONRPCServer) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write RPC response", "error", err)
	}
}

// StartJSONRPCServer serves the JSON-RPC handler on addr until ctx ends.
func StartJSONRPCServer(ctx context.Context, addr string, handler http.Handler, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", handler)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("JSON-RPC server started", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
