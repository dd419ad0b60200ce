package lending

import (
	"errors"

	"github.com/luxfi/lend/pkg/ledger"
)

var (
	ErrInvalidAmount          = ledger.ErrInvalidAmount
	ErrUnknownPosition        = ledger.ErrUnknownPosition
	ErrNoLiquidity            = errors.New("no liquidity")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrUnknownLoan            = errors.New("unknown loan")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotUndercollateralized = errors.New("loan is not undercollateralized")
	ErrExternalTransferFailed = errors.New("external transfer failed")
	ErrInvalidPrice           = errors.New("invalid price")
	ErrPriceNotSet            = errors.New("price not set")
	ErrNothingToClaim         = errors.New("nothing to claim")
	ErrInvalidConfig          = errors.New("invalid pool config")
	ErrCorruptState           = errors.New("corrupt pool state")
)
