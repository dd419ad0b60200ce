package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/luxfi/lend/pkg/ledger"
)

// Loan is a single matched borrow against one lend position.
type Loan struct {
	ID               uint64         `json:"id"`
	PositionID       uint64         `json:"positionId"`
	Lender           common.Address `json:"lender"`
	Borrower         common.Address `json:"borrower"`
	LoanedAmount     *big.Int       `json:"loanedAmount"`
	CollateralAmount *big.Int       `json:"collateralAmount"`
	Open             bool           `json:"open"`
	Leveraged        bool           `json:"leveraged"`
}

func (l *Loan) clone() Loan {
	c := *l
	c.LoanedAmount = new(big.Int).Set(l.LoanedAmount)
	c.CollateralAmount = new(big.Int).Set(l.CollateralAmount)
	return c
}

// Stats summarizes pool state.
type Stats struct {
	Positions        int      `json:"positions"`
	TotalInitial     *big.Int `json:"totalInitial"`
	TotalAvailable   *big.Int `json:"totalAvailable"`
	TotalOutstanding *big.Int `json:"totalOutstanding"`
	OpenLoans        int      `json:"openLoans"`
	ClosedLoans      int      `json:"closedLoans"`
	TotalLoaned      *big.Int `json:"totalLoaned"`
	TotalCollateral  *big.Int `json:"totalCollateral"`
	TotalClaimable   *big.Int `json:"totalClaimable"`
	Price            *big.Int `json:"price"`
	NextPositionID   uint64   `json:"nextPositionId"`
	NextLoanID       uint64   `json:"nextLoanId"`
}

// Meta holds the pool-level counters and the last broadcast price.
type Meta struct {
	NextPositionID uint64   `json:"nextPositionId"`
	NextLoanID     uint64   `json:"nextLoanId"`
	EventSeq       uint64   `json:"eventSeq"`
	Price          *big.Int `json:"price,omitempty"`
}

// State is a complete copy of the pool, as written by a Journal and read
// back by Restore.
type State struct {
	Meta      Meta                        `json:"meta"`
	Positions []ledger.Position           `json:"positions"`
	Loans     []Loan                      `json:"loans"`
	Claimable map[common.Address]*big.Int `json:"claimable"`
}

// Changes is everything one committed operation touched. A zero claimable
// balance means the entry was paid out and can be deleted.
type Changes struct {
	Meta      Meta
	Positions []ledger.Position
	Loans     []Loan
	Claimable map[common.Address]*big.Int
}

// Journal persists committed changes.
type Journal interface {
	Record(c Changes) error
}
