// Package swap defines the exchange venue used for leverage opens and a
// constant-product (x*y=k) venue backed by token balances.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/fixedpoint"
	"github.com/luxfi/lend/pkg/token"
)

var (
	ErrInvalidPath      = errors.New("invalid swap path")
	ErrInvalidAmount    = errors.New("invalid swap amount")
	ErrInsufficientOut  = errors.New("output below minimum")
	ErrNoLiquidity      = errors.New("venue has no liquidity")
	ErrSettlementFailed = errors.New("swap settlement failed")
)

// Venue exchanges an exact input amount along path. payer must have approved
// the venue for amountIn of path[0]; the output of path[len-1] is sent to payer.
type Venue interface {
	Address() common.Address
	SwapExactInput(payer common.Address, amountIn, minAmountOut *big.Int, path []string) (*big.Int, error)
}

// ConstantProduct is a two-token pool. Reserves are the venue address's own
// token balances, so liquidity is added by transferring tokens to Address().
type ConstantProduct struct {
	address common.Address
	tokens  map[string]token.Token
	feeBps  uint64
	mu      sync.Mutex
}

// NewConstantProduct builds a venue over exactly two tokens.
func NewConstantProduct(address common.Address, a, b token.Token, feeBps uint64) (*ConstantProduct, error) {
	if a.Symbol() == b.Symbol() {
		return nil, fmt.Errorf("%w: both tokens are %s", ErrInvalidPath, a.Symbol())
	}
	if feeBps >= fixedpoint.BasisPoints {
		return nil, fmt.Errorf("fee %d bps out of range", feeBps)
	}
	return &ConstantProduct{
		address: address,
		tokens:  map[string]token.Token{a.Symbol(): a, b.Symbol(): b},
		feeBps:  feeBps,
	}, nil
}

func (c *ConstantProduct) Address() common.Address { return c.address }

// Reserves returns the venue's balances of the two path tokens.
func (c *ConstantProduct) Reserves(in, out string) (*big.Int, *big.Int, error) {
	tin, tout, err := c.pair([]string{in, out})
	if err != nil {
		return nil, nil, err
	}
	return tin.BalanceOf(c.address), tout.BalanceOf(c.address), nil
}

// Quote returns the output for amountIn without executing.
func (c *ConstantProduct) Quote(amountIn *big.Int, path []string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tin, tout, err := c.pair(path)
	if err != nil {
		return nil, err
	}
	return c.amountOut(amountIn, tin.BalanceOf(c.address), tout.BalanceOf(c.address))
}

func (c *ConstantProduct) SwapExactInput(payer common.Address, amountIn, minAmountOut *big.Int, path []string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tin, tout, err := c.pair(path)
	if err != nil {
		return nil, err
	}
	out, err := c.amountOut(amountIn, tin.BalanceOf(c.address), tout.BalanceOf(c.address))
	if err != nil {
		return nil, err
	}
	if minAmountOut != nil && out.Cmp(minAmountOut) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientOut, out, minAmountOut)
	}

	if err := tin.TransferFrom(c.address, payer, c.address, amountIn); err != nil {
		return nil, fmt.Errorf("%w: pull %s: %v", ErrSettlementFailed, tin.Symbol(), err)
	}
	if err := tout.Transfer(c.address, payer, out); err != nil {
		if rerr := tin.Transfer(c.address, payer, amountIn); rerr != nil {
			return nil, fmt.Errorf("%w: pay %s: %v (refund failed: %v)", ErrSettlementFailed, tout.Symbol(), err, rerr)
		}
		return nil, fmt.Errorf("%w: pay %s: %v", ErrSettlementFailed, tout.Symbol(), err)
	}
	return out, nil
}

// amountOut applies the fee to the input and keeps reserveIn*reserveOut constant.
func (c *ConstantProduct) amountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if reserveIn.Sign() == 0 || reserveOut.Sign() == 0 {
		return nil, ErrNoLiquidity
	}

	inAfterFee := fixedpoint.ApplyBps(amountIn, fixedpoint.BasisPoints-c.feeBps, fixedpoint.Floor)
	denominator := new(big.Int).Add(reserveIn, inAfterFee)
	return fixedpoint.MulDivFloor(inAfterFee, reserveOut, denominator), nil
}

func (c *ConstantProduct) pair(path []string) (token.Token, token.Token, error) {
	if len(path) != 2 || path[0] == path[1] {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPath, path)
	}
	tin, ok := c.tokens[path[0]]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown token %s", ErrInvalidPath, path[0])
	}
	tout, ok := c.tokens[path[1]]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown token %s", ErrInvalidPath, path[1])
	}
	return tin, tout, nil
}
