package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/events"
)

// Repay closes a loan. caller pays LoanedAmount of value-token and the
// borrower gets CollateralAmount back. The principal returns to the funding
// position, or to the lender's claimable balance if the position was
// withdrawn in the meantime.
func (p *Pool) Repay(caller common.Address, loanID uint64) (Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, err := p.openLoan(loanID)
	if err != nil {
		return Loan{}, err
	}
	if p.cfg.RepayPolicy == RepayBorrowerOnly && caller != loan.Borrower {
		return Loan{}, fmt.Errorf("%w: loan %d belongs to %s", ErrUnauthorized, loanID, loan.Borrower.Hex())
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pull(p.value, caller, loan.LoanedAmount); err != nil {
		return Loan{}, p.abort(s, "repay", err)
	}
	if err := s.pay(p.collateral, loan.Borrower, loan.CollateralAmount); err != nil {
		return Loan{}, p.abort(s, "repay", err)
	}

	loan.Open = false
	var lenders []common.Address
	if pos, _ := p.ledger.Position(loan.PositionID); pos.Dropped {
		mustApply(p.ledger.Settle(loan.PositionID, loan.LoanedAmount))
		p.credit(loan.Lender, loan.LoanedAmount)
		lenders = append(lenders, loan.Lender)
	} else {
		mustApply(p.ledger.Refund(loan.PositionID, loan.LoanedAmount))
	}

	positionID := loan.PositionID
	p.commit(caller, "repay", []uint64{positionID}, []uint64{loanID}, lenders, events.Event{
		Kind:       events.Repay,
		LoanID:     &loanID,
		PositionID: &positionID,
		Lender:     loan.Lender,
		Borrower:   loan.Borrower,
		Amount:     new(big.Int).Set(loan.LoanedAmount),
		Collateral: new(big.Int).Set(loan.CollateralAmount),
	})
	p.logger.Debug("loan repaid", "loan", loanID, "payer", caller.Hex(), "amount", loan.LoanedAmount)
	return loan.clone(), nil
}

// Liquidate closes an undercollateralized loan and hands its collateral to
// caller. The principal is written off; a fully drawn position with nothing
// left outstanding is removed from the ledger.
func (p *Pool) Liquidate(caller common.Address, loanID uint64) (Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, err := p.openLoan(loanID)
	if err != nil {
		return Loan{}, err
	}
	if p.price == nil {
		return Loan{}, ErrPriceNotSet
	}
	if !p.undercollateralized(loan) {
		return Loan{}, fmt.Errorf("%w: loan %d collateral is worth %s against %s",
			ErrNotUndercollateralized, loanID, p.valueOfCollateral(loan.CollateralAmount), loan.LoanedAmount)
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pay(p.collateral, caller, loan.CollateralAmount); err != nil {
		return Loan{}, p.abort(s, "liquidate", err)
	}

	loan.Open = false
	mustApply(p.ledger.Settle(loan.PositionID, loan.LoanedAmount))

	positionID := loan.PositionID
	evs := []events.Event{{
		Kind:       events.Liquidate,
		LoanID:     &loanID,
		PositionID: &positionID,
		Lender:     loan.Lender,
		Borrower:   loan.Borrower,
		Amount:     new(big.Int).Set(loan.LoanedAmount),
		Collateral: new(big.Int).Set(loan.CollateralAmount),
		Price:      new(big.Int).Set(p.price),
	}}
	if pos, _ := p.ledger.Position(positionID); !pos.Dropped && pos.AvailableAmount.Sign() == 0 && pos.Outstanding.Sign() == 0 {
		mustApply(p.ledger.RemoveFully(positionID))
		evs = append(evs, events.Event{
			Kind:       events.Closed,
			PositionID: &positionID,
			Lender:     pos.Lender,
		})
	}

	p.commit(caller, "liquidate", []uint64{positionID}, []uint64{loanID}, nil, evs...)
	p.logger.Debug("loan liquidated", "loan", loanID, "liquidator", caller.Hex(), "collateral", loan.CollateralAmount)
	return loan.clone(), nil
}

// Withdraw pays a position's remaining available amount to its lender and
// removes it from the ledger. Principal still lent out is repaid later into
// the lender's claimable balance.
func (p *Pool) Withdraw(caller common.Address, positionID uint64) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.ledger.Position(positionID)
	if !ok || pos.Dropped {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, positionID)
	}
	if caller != pos.Lender {
		return nil, fmt.Errorf("%w: position %d belongs to %s", ErrUnauthorized, positionID, pos.Lender.Hex())
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pay(p.value, pos.Lender, pos.AvailableAmount); err != nil {
		return nil, p.abort(s, "withdraw", err)
	}

	amount, err := p.ledger.Withdraw(positionID)
	mustApply(err)

	p.commit(caller, "withdraw", []uint64{positionID}, nil, nil, events.Event{
		Kind:       events.Withdraw,
		PositionID: &positionID,
		Lender:     pos.Lender,
		Amount:     new(big.Int).Set(amount),
	})
	p.logger.Debug("position withdrawn", "position", positionID, "amount", amount, "outstanding", pos.Outstanding)
	return amount, nil
}

// Claim pays out principal repaid to positions caller already withdrew.
func (p *Pool) Claim(caller common.Address) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	amount, ok := p.claimable[caller]
	if !ok {
		return nil, ErrNothingToClaim
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pay(p.value, caller, amount); err != nil {
		return nil, p.abort(s, "claim", err)
	}

	delete(p.claimable, caller)
	p.commit(caller, "claim", nil, nil, []common.Address{caller}, events.Event{
		Kind:   events.Claim,
		Lender: caller,
		Amount: new(big.Int).Set(amount),
	})
	return new(big.Int).Set(amount), nil
}

func (p *Pool) openLoan(id uint64) (*Loan, error) {
	loan, ok := p.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLoan, id)
	}
	if !loan.Open {
		return nil, fmt.Errorf("%w: %d is closed", ErrUnknownLoan, id)
	}
	return loan, nil
}

func (p *Pool) credit(lender common.Address, amount *big.Int) {
	c, ok := p.claimable[lender]
	if !ok {
		c = new(big.Int)
		p.claimable[lender] = c
	}
	c.Add(c, amount)
}

// mustApply guards ledger mutations that were validated before settlement.
// Failing here means pool state is already inconsistent.
func mustApply(err error) {
	if err != nil {
		panic(fmt.Sprintf("lending: validated state change rejected: %v", err))
	}
}
