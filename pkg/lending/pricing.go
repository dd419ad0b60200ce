package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/fixedpoint"
)

// RequiredCollateral returns the collateral needed to borrow loan at the
// current price, rounded down.
func (p *Pool) RequiredCollateral(loan *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if loan == nil || loan.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if p.price == nil {
		return nil, ErrPriceNotSet
	}
	return p.requiredCollateral(loan), nil
}

// ValueOfCollateral converts collateral to value-token at the current price,
// rounded down.
func (p *Pool) ValueOfCollateral(collateral *big.Int) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if collateral == nil || collateral.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if p.price == nil {
		return nil, ErrPriceNotSet
	}
	return p.valueOfCollateral(collateral), nil
}

// IsUndercollateralized reports whether an open loan can be liquidated.
func (p *Pool) IsUndercollateralized(loanID uint64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, err := p.openLoan(loanID)
	if err != nil {
		return false, err
	}
	if p.price == nil {
		return false, ErrPriceNotSet
	}
	return p.undercollateralized(loan), nil
}

// Liquidatable returns the ids of open loans that are undercollateralized at
// the current price.
func (p *Pool) Liquidatable() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.price == nil {
		return nil
	}
	var ids []uint64
	for id := uint64(0); id < p.nextLoanID; id++ {
		if loan, ok := p.loans[id]; ok && loan.Open && p.undercollateralized(loan) {
			ids = append(ids, id)
		}
	}
	return ids
}

// UpdatePrice overwrites the price. Only the broadcaster may call it.
func (p *Pool) UpdatePrice(caller common.Address, price *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if caller != p.cfg.Broadcaster {
		return fmt.Errorf("%w: %s is not the price broadcaster", ErrUnauthorized, caller.Hex())
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}

	p.price = new(big.Int).Set(price)
	p.commit(caller, "update price", nil, nil, nil, events.Event{Kind: events.PriceUpdate, Price: p.price})
	p.logger.Debug("price updated", "price", price)
	return nil
}

// requiredCollateral is floor(loan * precision * ratio / (price * 10000)).
func (p *Pool) requiredCollateral(loan *big.Int) *big.Int {
	num := new(big.Int).Mul(p.precision, new(big.Int).SetUint64(p.cfg.CollateralRatioBps))
	den := new(big.Int).Mul(p.price, big.NewInt(fixedpoint.BasisPoints))
	return fixedpoint.MulDivFloor(loan, num, den)
}

// valueOfCollateral is floor(collateral * price / precision).
func (p *Pool) valueOfCollateral(collateral *big.Int) *big.Int {
	return fixedpoint.MulDivFloor(collateral, p.price, p.precision)
}

// collateralForValue is the oracle-implied collateral bought with value,
// floor(value * precision / price).
func (p *Pool) collateralForValue(value *big.Int) *big.Int {
	return fixedpoint.MulDivFloor(value, p.precision, p.price)
}

func (p *Pool) undercollateralized(loan *Loan) bool {
	value := p.valueOfCollateral(loan.CollateralAmount)
	value.Mul(value, big.NewInt(fixedpoint.BasisPoints))
	owed := new(big.Int).Mul(loan.LoanedAmount, new(big.Int).SetUint64(p.cfg.LiquidationThresholdBps))
	return value.Cmp(owed) < 0
}
