package lending

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/swap"
	"github.com/luxfi/lend/pkg/token"
)

// settlement runs the external calls of one operation and remembers how to
// undo each completed step. Payouts are never undone, so every operation
// makes at most one and makes it last.
type settlement struct {
	custody common.Address
	undo    []func() error
}

func newSettlement(custody common.Address) *settlement {
	return &settlement{custody: custody}
}

// pull moves amount of t from owner into custody using the pool's allowance.
func (s *settlement) pull(t token.Token, owner common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.TransferFrom(s.custody, owner, s.custody, amount); err != nil {
		return fmt.Errorf("%w: pull %s %s from %s: %v", ErrExternalTransferFailed, amount, t.Symbol(), owner.Hex(), err)
	}
	amount = new(big.Int).Set(amount)
	s.undo = append(s.undo, func() error {
		return t.Transfer(s.custody, owner, amount)
	})
	return nil
}

// pay moves amount of t out of custody to recipient.
func (s *settlement) pay(t token.Token, to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := t.Transfer(s.custody, to, amount); err != nil {
		return fmt.Errorf("%w: pay %s %s to %s: %v", ErrExternalTransferFailed, amount, t.Symbol(), to.Hex(), err)
	}
	return nil
}

// swap sells amountIn of in for out through venue. The allowance granted to
// the venue is revoked again if the swap fails.
//
// A swap the venue accepted cannot be undone: the input has left custody, so
// every earlier undo step is dropped with it. If the venue then delivered less
// than minOut the error is returned together with what did arrive, which the
// caller must account for itself.
func (s *settlement) swap(venue swap.Venue, in, out token.Token, amountIn, minOut *big.Int) (*big.Int, error) {
	if err := in.Approve(s.custody, venue.Address(), amountIn); err != nil {
		return nil, fmt.Errorf("%w: approve venue: %v", ErrExternalTransferFailed, err)
	}
	revoke := func() error {
		return in.Approve(s.custody, venue.Address(), new(big.Int))
	}
	s.undo = append(s.undo, revoke)

	before := out.BalanceOf(s.custody)
	if _, err := venue.SwapExactInput(s.custody, amountIn, minOut, []string{in.Symbol(), out.Symbol()}); err != nil {
		return nil, fmt.Errorf("%w: swap %s %s: %w", ErrExternalTransferFailed, amountIn, in.Symbol(), err)
	}
	s.undo = []func() error{revoke}

	// The custody balance is what counts, not the venue's report.
	gained := new(big.Int).Sub(out.BalanceOf(s.custody), before)
	if gained.Sign() < 0 {
		gained.SetInt64(0)
	}
	if gained.Cmp(minOut) < 0 {
		return gained, fmt.Errorf("%w: swap returned %s %s, want at least %s", ErrExternalTransferFailed, gained, out.Symbol(), minOut)
	}
	return gained, nil
}

// rollback undoes completed steps in reverse order.
func (s *settlement) rollback() error {
	var errs []error
	for i := len(s.undo) - 1; i >= 0; i-- {
		if err := s.undo[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.undo = nil
	return errors.Join(errs...)
}
