package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/fixedpoint"
)

// RepayPolicy decides who may repay a loan.
type RepayPolicy string

const (
	// RepayBorrowerOnly rejects repayment from anyone but the borrower.
	RepayBorrowerOnly RepayPolicy = "borrower-only"
	// RepayOnBehalf lets anyone pay; collateral still goes to the borrower.
	RepayOnBehalf RepayPolicy = "on-behalf"
)

const (
	DefaultPricePrecision = 1_000_000
	DefaultMaxSlippageBps = 500
)

// Config is fixed at NewPool.
type Config struct {
	// Address is the custody account holding deposits and collateral.
	Address     common.Address
	Broadcaster common.Address

	// PricePrecision scales prices: price = value-token per collateral-token * PricePrecision.
	PricePrecision uint64
	// CollateralRatioBps is the collateral value required per unit of loan.
	CollateralRatioBps uint64
	// LiquidationThresholdBps is the collateral value below which a loan can be liquidated.
	LiquidationThresholdBps uint64
	// PartialFill funds as much of a borrow as liquidity allows instead of failing.
	PartialFill bool
	RepayPolicy RepayPolicy
	// MaxSlippageBps bounds how far below the oracle price a leverage swap may fill.
	MaxSlippageBps uint64
	// InitialPrice is broadcast at construction when set.
	InitialPrice *big.Int
}

// DefaultConfig returns a config with the reference parameters.
func DefaultConfig() Config {
	return Config{
		PricePrecision:          DefaultPricePrecision,
		CollateralRatioBps:      fixedpoint.BasisPoints,
		LiquidationThresholdBps: fixedpoint.BasisPoints,
		PartialFill:             true,
		RepayPolicy:             RepayBorrowerOnly,
		MaxSlippageBps:          DefaultMaxSlippageBps,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch {
	case c.PricePrecision == 0:
		return fmt.Errorf("%w: price precision must be positive", ErrInvalidConfig)
	case c.CollateralRatioBps == 0:
		return fmt.Errorf("%w: collateral ratio must be positive", ErrInvalidConfig)
	case c.LiquidationThresholdBps == 0:
		return fmt.Errorf("%w: liquidation threshold must be positive", ErrInvalidConfig)
	case c.MaxSlippageBps > fixedpoint.BasisPoints:
		return fmt.Errorf("%w: max slippage %d bps exceeds 100%%", ErrInvalidConfig, c.MaxSlippageBps)
	case c.RepayPolicy != RepayBorrowerOnly && c.RepayPolicy != RepayOnBehalf:
		return fmt.Errorf("%w: unknown repay policy %q", ErrInvalidConfig, c.RepayPolicy)
	case c.InitialPrice != nil && c.InitialPrice.Sign() <= 0:
		return fmt.Errorf("%w: initial price must be positive", ErrInvalidConfig)
	case c.Address == (common.Address{}):
		return fmt.Errorf("%w: custody address is required", ErrInvalidConfig)
	}
	return nil
}
