package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/fixedpoint"
)

// BuyWithLeverage borrows borrowedFunds, adds the borrower's ownFunds and
// swaps the sum into collateral through the venue. The collateral bought
// backs the new loans, split by fill, so the borrower posts none of their
// own. Either every loan is created and the swap settles, or no loan is
// created: a swap the venue refuses leaves everything unchanged and returns
// ownFunds, and a swap the venue accepts but under-delivers on is unwound by
// recoverShortSwap.
func (p *Pool) BuyWithLeverage(borrower common.Address, ownFunds, borrowedFunds *big.Int) ([]Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ownFunds == nil || ownFunds.Sign() < 0 || !fixedpoint.IsPositive(borrowedFunds) {
		return nil, ErrInvalidAmount
	}
	if p.venue == nil {
		return nil, fmt.Errorf("%w: no swap venue configured", ErrExternalTransferFailed)
	}
	if p.price == nil {
		return nil, ErrPriceNotSet
	}

	fills, filled, err := p.match(borrowedFunds)
	if err != nil {
		return nil, err
	}

	required := new(big.Int)
	for _, f := range fills {
		required.Add(required, p.requiredCollateral(f.amount))
	}
	amountIn := new(big.Int).Add(ownFunds, filled)
	implied := p.collateralForValue(amountIn)
	minOut := fixedpoint.Max(required, fixedpoint.ApplyBps(implied, fixedpoint.BasisPoints-p.cfg.MaxSlippageBps, fixedpoint.Floor))

	s := newSettlement(p.cfg.Address)
	if err := s.pull(p.value, borrower, ownFunds); err != nil {
		return nil, p.abort(s, "leverage", err)
	}
	received, err := s.swap(p.venue, p.value, p.collateral, amountIn, minOut)
	if err != nil {
		if received != nil {
			return nil, p.recoverShortSwap(s, borrower, fills, filled, received, err)
		}
		return nil, p.abort(s, "leverage", err)
	}

	distribute(fills, filled, received)
	loans, evs := p.openLoans(borrower, fills, true)
	evs = append(evs, events.Event{
		Kind:       events.Leverage,
		Borrower:   borrower,
		Amount:     amountIn,
		Collateral: new(big.Int).Set(received),
		Price:      new(big.Int).Set(p.price),
	})
	p.commit(borrower, "leverage", positionIDs(fills), loanIDs(loans), nil, evs...)
	p.logger.Debug("leveraged position opened",
		"borrower", borrower.Hex(),
		"own", ownFunds,
		"borrowed", filled,
		"collateral", received,
		"minOut", minOut,
	)
	return loans, nil
}

// distribute splits collateral across fills pro rata to their amount. The
// rounding remainder goes to the last fill.
func distribute(fills []*fill, filled, collateral *big.Int) {
	left := new(big.Int).Set(collateral)
	for i, f := range fills {
		if i == len(fills)-1 {
			f.collateral = left
			return
		}
		f.collateral = fixedpoint.MulDivFloor(collateral, f.amount, filled)
		left.Sub(left, f.collateral)
	}
}

// recoverShortSwap unwinds a leverage swap the venue accepted but paid short
// on. The collateral that did arrive is sold back and the proceeds go to the
// drawn positions first, since the borrower's own funds take the first loss.
// Whatever exceeds the borrowed principal is returned to the borrower.
// Principal the proceeds cannot cover is written off the positions pro rata,
// so the ledger never reports liquidity custody no longer holds.
func (p *Pool) recoverShortSwap(s *settlement, borrower common.Address, fills []*fill, filled, received *big.Int, cause error) error {
	recovered := new(big.Int)
	if received.Sign() > 0 {
		back, err := s.swap(p.venue, p.collateral, p.value, received, new(big.Int))
		if err != nil {
			if rerr := s.rollback(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			p.logger.Error("failed to sell back short swap output", "collateral", received, "error", err)
		} else {
			recovered = back
		}
	}

	loss := new(big.Int).Sub(filled, fixedpoint.Min(recovered, filled))
	refund := new(big.Int).Sub(recovered, new(big.Int).Sub(filled, loss))

	var evs []events.Event
	if loss.Sign() > 0 {
		for i, share := range allocate(fills, filled, loss) {
			if share.Sign() == 0 {
				continue
			}
			f := fills[i]
			mustApply(p.ledger.Draw(f.positionID, share))
			mustApply(p.ledger.Settle(f.positionID, share))
			positionID := f.positionID
			evs = append(evs, events.Event{
				Kind:       events.WriteOff,
				PositionID: &positionID,
				Lender:     f.lender,
				Borrower:   borrower,
				Amount:     share,
			})
		}
	}
	if err := s.pay(p.value, borrower, refund); err != nil {
		p.logger.Error("failed to refund borrower after short swap", "borrower", borrower.Hex(), "amount", refund, "error", err)
	}

	p.commit(borrower, "leverage", positionIDs(fills), nil, nil, evs...)
	p.logger.Warn("leverage swap paid short",
		"borrower", borrower.Hex(),
		"received", received,
		"recovered", recovered,
		"refund", refund,
		"writtenOff", loss,
		"error", cause,
	)
	return cause
}

// allocate splits total, at most filled, across fills in proportion to their
// amount. No fill gets more than its own amount and the shares sum to total.
func allocate(fills []*fill, filled, total *big.Int) []*big.Int {
	shares := make([]*big.Int, len(fills))
	leftTotal := new(big.Int).Set(total)
	leftFilled := new(big.Int).Set(filled)
	for i, f := range fills {
		share, _ := fixedpoint.MulDiv(leftTotal, f.amount, leftFilled, fixedpoint.Ceil)
		shares[i] = share
		leftTotal.Sub(leftTotal, share)
		leftFilled.Sub(leftFilled, f.amount)
	}
	return shares
}
