package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/lending"
)

// Client calls a lendd JSON-RPC endpoint. Amounts are passed as decimal
// strings and parsed by the server with the token's decimals.
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a client for url, e.g. http://localhost:8080/rpc.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

// Call sends one request and decodes its result into result, which may be nil.
// RPC failures are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      uuid.NewString(),
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, bytes.TrimSpace(body))
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != req.ID {
		return fmt.Errorf("%s: response id %v does not match request %s", method, rpcResp.ID, req.ID)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

// LendReply is the result of lend_lend.
type LendReply struct {
	PositionID uint64 `json:"positionId"`
	Status     string `json:"status"`
}

// PriceReply is the result of lend_getPrice.
type PriceReply struct {
	Price     *big.Int `json:"price"`
	Precision uint64   `json:"precision"`
}

// ApproveReply is the result of token_approve.
type ApproveReply struct {
	Token     string         `json:"token"`
	Spender   common.Address `json:"spender"`
	Allowance *big.Int       `json:"allowance"`
}

// Info is the result of lend_getInfo.
type Info struct {
	Version                 string              `json:"version"`
	ValueToken              string              `json:"valueToken"`
	CollateralToken         string              `json:"collateralToken"`
	ValueDecimals           int32               `json:"valueDecimals"`
	CollateralDecimals      int32               `json:"collateralDecimals"`
	Custody                 common.Address      `json:"custody"`
	Broadcaster             common.Address      `json:"broadcaster"`
	PricePrecision          uint64              `json:"pricePrecision"`
	CollateralRatioBps      uint64              `json:"collateralRatioBps"`
	LiquidationThresholdBps uint64              `json:"liquidationThresholdBps"`
	PartialFill             bool                `json:"partialFill"`
	RepayPolicy             lending.RepayPolicy `json:"repayPolicy"`
	Timestamp               int64               `json:"timestamp"`
}

func (c *Client) Lend(ctx context.Context, lender common.Address, amount string) (uint64, error) {
	var out LendReply
	err := c.Call(ctx, "lend_lend", map[string]string{"lender": lender.Hex(), "amount": amount}, &out)
	return out.PositionID, err
}

func (c *Client) Borrow(ctx context.Context, borrower common.Address, amount string) ([]lending.Loan, error) {
	var out []lending.Loan
	err := c.Call(ctx, "lend_borrow", map[string]string{"borrower": borrower.Hex(), "amount": amount}, &out)
	return out, err
}

func (c *Client) Repay(ctx context.Context, caller common.Address, loanID uint64) (lending.Loan, error) {
	var out lending.Loan
	err := c.Call(ctx, "lend_repay", loanArgs(caller, loanID), &out)
	return out, err
}

func (c *Client) Liquidate(ctx context.Context, caller common.Address, loanID uint64) (lending.Loan, error) {
	var out lending.Loan
	err := c.Call(ctx, "lend_liquidate", loanArgs(caller, loanID), &out)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, caller common.Address, positionID uint64) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "lend_withdraw", map[string]interface{}{"caller": caller.Hex(), "positionId": positionID}, &out)
	return out, err
}

func (c *Client) Claim(ctx context.Context, caller common.Address) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "lend_claim", map[string]string{"caller": caller.Hex()}, &out)
	return out, err
}

func (c *Client) BuyWithLeverage(ctx context.Context, borrower common.Address, ownFunds, borrowedFunds string) ([]lending.Loan, error) {
	var out []lending.Loan
	err := c.Call(ctx, "lend_buyWithLeverage", map[string]string{
		"borrower":      borrower.Hex(),
		"ownFunds":      ownFunds,
		"borrowedFunds": borrowedFunds,
	}, &out)
	return out, err
}

// UpdatePrice pushes price, already scaled by the pool's price precision.
func (c *Client) UpdatePrice(ctx context.Context, caller common.Address, price string) error {
	return c.Call(ctx, "lend_updatePrice", map[string]string{"caller": caller.Hex(), "price": price}, nil)
}

func (c *Client) Position(ctx context.Context, id uint64) (ledger.Position, error) {
	var out ledger.Position
	err := c.Call(ctx, "lend_getPosition", map[string]uint64{"positionId": id}, &out)
	return out, err
}

func (c *Client) Positions(ctx context.Context) ([]ledger.Position, error) {
	var out []ledger.Position
	err := c.Call(ctx, "lend_getPositions", nil, &out)
	return out, err
}

func (c *Client) Loan(ctx context.Context, id uint64) (lending.Loan, error) {
	var out lending.Loan
	err := c.Call(ctx, "lend_getLoan", map[string]uint64{"loanId": id}, &out)
	return out, err
}

// Loans lists loans. A zero borrower lists every borrower's loans.
func (c *Client) Loans(ctx context.Context, borrower common.Address, openOnly bool) ([]lending.Loan, error) {
	params := map[string]interface{}{"openOnly": openOnly}
	if borrower != (common.Address{}) {
		params["borrower"] = borrower.Hex()
	}
	var out []lending.Loan
	err := c.Call(ctx, "lend_getLoans", params, &out)
	return out, err
}

func (c *Client) Ledger(ctx context.Context) (LedgerResult, error) {
	var out LedgerResult
	err := c.Call(ctx, "lend_getLedger", nil, &out)
	return out, err
}

func (c *Client) Price(ctx context.Context) (PriceReply, error) {
	var out PriceReply
	err := c.Call(ctx, "lend_getPrice", nil, &out)
	return out, err
}

func (c *Client) Claimable(ctx context.Context, lender common.Address) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "lend_getClaimable", map[string]string{"lender": lender.Hex()}, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (lending.Stats, error) {
	var out lending.Stats
	err := c.Call(ctx, "lend_getStats", nil, &out)
	return out, err
}

func (c *Client) IsUndercollateralized(ctx context.Context, loanID uint64) (bool, error) {
	var out struct {
		Undercollateralized bool `json:"undercollateralized"`
	}
	err := c.Call(ctx, "lend_isUndercollateralized", map[string]uint64{"loanId": loanID}, &out)
	return out.Undercollateralized, err
}

func (c *Client) Liquidatable(ctx context.Context) ([]uint64, error) {
	var out []uint64
	err := c.Call(ctx, "lend_getLiquidatable", nil, &out)
	return out, err
}

func (c *Client) RequiredCollateral(ctx context.Context, amount string) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "lend_requiredCollateral", map[string]string{"amount": amount}, &out)
	return out, err
}

func (c *Client) ValueOfCollateral(ctx context.Context, amount string) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "lend_valueOfCollateral", map[string]string{"amount": amount}, &out)
	return out, err
}

func (c *Client) BalanceOf(ctx context.Context, symbol string, owner common.Address) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "token_balanceOf", map[string]string{"token": symbol, "owner": owner.Hex()}, &out)
	return out, err
}

// Approve lets the pool custody spend amount of owner's symbol tokens.
func (c *Client) Approve(ctx context.Context, symbol string, owner common.Address, amount string) (ApproveReply, error) {
	var out ApproveReply
	err := c.Call(ctx, "token_approve", map[string]string{"token": symbol, "owner": owner.Hex(), "amount": amount}, &out)
	return out, err
}

// Mint uses the dev faucet and returns owner's new balance.
func (c *Client) Mint(ctx context.Context, symbol string, owner common.Address, amount string) (AmountResult, error) {
	var out AmountResult
	err := c.Call(ctx, "token_mint", map[string]string{"token": symbol, "owner": owner.Hex(), "amount": amount}, &out)
	return out, err
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	err := c.Call(ctx, "lend_getInfo", nil, &out)
	return out, err
}

func (c *Client) Ping(ctx context.Context) error {
	var out string
	if err := c.Call(ctx, "lend_ping", nil, &out); err != nil {
		return err
	}
	if out != "pong" {
		return fmt.Errorf("unexpected ping reply %q", out)
	}
	return nil
}

func loanArgs(caller common.Address, loanID uint64) map[string]interface{} {
	return map[string]interface{}{"caller": caller.Hex(), "loanId": loanID}
}
