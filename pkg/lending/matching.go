package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/fixedpoint"
)

// fill is the planned draw against one position.
type fill struct {
	positionID uint64
	lender     common.Address
	amount     *big.Int
	collateral *big.Int
}

// Borrow draws requested value-token against collateral, consuming positions
// oldest first. Each contributing position yields one loan. With PartialFill
// the borrower receives whatever the ledger could fund; the sum of the
// returned loans' LoanedAmount is the amount actually borrowed.
func (p *Pool) Borrow(borrower common.Address, requested *big.Int) ([]Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !fixedpoint.IsPositive(requested) {
		return nil, ErrInvalidAmount
	}
	if p.price == nil {
		return nil, ErrPriceNotSet
	}

	fills, filled, err := p.match(requested)
	if err != nil {
		return nil, err
	}
	collateral := new(big.Int)
	for _, f := range fills {
		f.collateral = p.requiredCollateral(f.amount)
		collateral.Add(collateral, f.collateral)
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pull(p.collateral, borrower, collateral); err != nil {
		return nil, p.abort(s, "borrow", err)
	}
	if err := s.pay(p.value, borrower, filled); err != nil {
		return nil, p.abort(s, "borrow", err)
	}

	loans, evs := p.openLoans(borrower, fills, false)
	p.commit(borrower, "borrow", positionIDs(fills), loanIDs(loans), nil, evs...)
	p.logger.Debug("borrowed",
		"borrower", borrower.Hex(),
		"requested", requested,
		"filled", filled,
		"collateral", collateral,
		"loans", len(loans),
	)
	return loans, nil
}

// match plans a FIFO draw of requested. It does not modify the ledger.
func (p *Pool) match(requested *big.Int) ([]*fill, *big.Int, error) {
	if p.ledger.Len() == 0 {
		return nil, nil, ErrNoLiquidity
	}

	var fills []*fill
	remaining := new(big.Int).Set(requested)
	for id, ok := p.ledger.FirstAvailable(); ok && remaining.Sign() > 0; id, ok = p.ledger.Next(id) {
		pos, _ := p.ledger.Position(id)
		if pos.AvailableAmount.Sign() == 0 {
			continue
		}
		amount := fixedpoint.Min(pos.AvailableAmount, remaining)
		fills = append(fills, &fill{positionID: id, lender: pos.Lender, amount: amount})
		remaining.Sub(remaining, amount)
	}

	if len(fills) == 0 {
		return nil, nil, fmt.Errorf("%w: every position is fully drawn", ErrNoLiquidity)
	}
	if remaining.Sign() > 0 && !p.cfg.PartialFill {
		return nil, nil, fmt.Errorf("%w: %s of %s unfunded", ErrInsufficientLiquidity, remaining, requested)
	}
	return fills, new(big.Int).Sub(requested, remaining), nil
}

// openLoans applies planned fills: it draws each position and records a loan.
func (p *Pool) openLoans(borrower common.Address, fills []*fill, leveraged bool) ([]Loan, []events.Event) {
	loans := make([]Loan, 0, len(fills))
	evs := make([]events.Event, 0, len(fills))
	for _, f := range fills {
		mustApply(p.ledger.Draw(f.positionID, f.amount))

		loan := &Loan{
			ID:               p.nextLoanID,
			PositionID:       f.positionID,
			Lender:           f.lender,
			Borrower:         borrower,
			LoanedAmount:     new(big.Int).Set(f.amount),
			CollateralAmount: new(big.Int).Set(f.collateral),
			Open:             true,
			Leveraged:        leveraged,
		}
		p.loans[loan.ID] = loan
		p.nextLoanID++

		loanID, positionID := loan.ID, loan.PositionID
		loans = append(loans, loan.clone())
		evs = append(evs, events.Event{
			Kind:       events.NewLoan,
			LoanID:     &loanID,
			PositionID: &positionID,
			Lender:     loan.Lender,
			Borrower:   borrower,
			Amount:     new(big.Int).Set(loan.LoanedAmount),
			Collateral: new(big.Int).Set(loan.CollateralAmount),
		})
	}
	return loans, evs
}

func positionIDs(fills []*fill) []uint64 {
	ids := make([]uint64, len(fills))
	for i, f := range fills {
		ids[i] = f.positionID
	}
	return ids
}

func loanIDs(loans []Loan) []uint64 {
	ids := make([]uint64, len(loans))
	for i, l := range loans {
		ids[i] = l.ID
	}
	return ids
}
