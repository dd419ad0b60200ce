// Package lending implements a collateralized lending pool.
//
// Lenders deposit a value-token into a FIFO ledger of positions. Borrowers post
// a collateral-token and draw value-token against it at the price set by a
// trusted broadcaster; the draw is matched oldest deposit first and produces
// one loan record per contributing position. Loans are closed by repayment or,
// once undercollateralized, by liquidation. A leverage open borrows value-token
// and swaps it together with the borrower's own funds into collateral.
//
// Every public operation holds the pool lock for its whole duration and runs
// as validate, plan, settle, apply: pool state only changes after all external
// transfers have succeeded, and completed transfers are undone on failure.
package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/fixedpoint"
	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/swap"
	"github.com/luxfi/lend/pkg/token"
)

// Pool is the lending pool aggregate.
type Pool struct {
	cfg        Config
	precision  *big.Int
	value      token.Token
	collateral token.Token
	venue      swap.Venue

	logger    log.Logger
	publisher events.Publisher
	journal   Journal
	now       func() time.Time

	ledger     *ledger.Ledger
	loans      map[uint64]*Loan
	nextLoanID uint64
	price      *big.Int
	claimable  map[common.Address]*big.Int
	eventSeq   uint64

	mu sync.Mutex
}

// Option configures optional collaborators.
type Option func(*Pool)

func WithLogger(logger log.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func WithPublisher(publisher events.Publisher) Option {
	return func(p *Pool) { p.publisher = publisher }
}

func WithJournal(journal Journal) Option {
	return func(p *Pool) { p.journal = journal }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an empty pool. venue may be nil, in which case leverage
// opens are rejected.
func NewPool(cfg Config, value, collateral token.Token, venue swap.Venue, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if value == nil || collateral == nil {
		return nil, fmt.Errorf("%w: both tokens are required", ErrInvalidConfig)
	}
	if value.Symbol() == collateral.Symbol() {
		return nil, fmt.Errorf("%w: value and collateral token are both %s", ErrInvalidConfig, value.Symbol())
	}

	p := &Pool{
		cfg:        cfg,
		precision:  new(big.Int).SetUint64(cfg.PricePrecision),
		value:      value,
		collateral: collateral,
		venue:      venue,
		publisher:  events.Noop{},
		now:        time.Now,
		ledger:     ledger.New(),
		loans:      make(map[uint64]*Loan),
		claimable:  make(map[common.Address]*big.Int),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.Root().New("module", "lending")
	}
	if cfg.InitialPrice != nil {
		p.price = new(big.Int).Set(cfg.InitialPrice)
	}

	p.logger.Info("lending pool created",
		"custody", cfg.Address.Hex(),
		"value", value.Symbol(),
		"collateral", collateral.Symbol(),
		"collateralRatioBps", cfg.CollateralRatioBps,
		"liquidationThresholdBps", cfg.LiquidationThresholdBps,
		"partialFill", cfg.PartialFill,
		"repayPolicy", cfg.RepayPolicy,
	)
	return p, nil
}

// Config returns the construction parameters.
func (p *Pool) Config() Config {
	return p.cfg
}

// Tokens returns the value and collateral tokens.
func (p *Pool) Tokens() (value, collateral token.Token) {
	return p.value, p.collateral
}

// Lend deposits amount of value-token from lender as a new tail position.
func (p *Pool) Lend(lender common.Address, amount *big.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !fixedpoint.IsPositive(amount) {
		return 0, ErrInvalidAmount
	}

	s := newSettlement(p.cfg.Address)
	if err := s.pull(p.value, lender, amount); err != nil {
		return 0, p.abort(s, "lend", err)
	}

	id, err := p.ledger.Append(lender, amount)
	if err != nil {
		return 0, p.abort(s, "lend", err)
	}

	p.commit(lender, "lend", []uint64{id}, nil, nil, events.Event{
		Kind:       events.Lend,
		PositionID: &id,
		Lender:     lender,
		Amount:     new(big.Int).Set(amount),
	})
	return id, nil
}

// Head returns the oldest live position.
func (p *Pool) Head() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Head()
}

// Tail returns the newest live position.
func (p *Pool) Tail() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Tail()
}

// Position returns a position by id. Withdrawn positions are returned with
// Dropped set.
func (p *Pool) Position(id uint64) (ledger.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.ledger.Position(id)
	if !ok {
		return ledger.Position{}, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return pos, nil
}

// Positions returns the live positions in FIFO order.
func (p *Pool) Positions() []ledger.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Positions()
}

// Loan returns a loan by id, open or closed.
func (p *Pool) Loan(id uint64) (Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	loan, ok := p.loans[id]
	if !ok {
		return Loan{}, fmt.Errorf("%w: %d", ErrUnknownLoan, id)
	}
	return loan.clone(), nil
}

// Loans returns every loan ordered by id.
func (p *Pool) Loans() []Loan {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Loan, 0, len(p.loans))
	for id := uint64(0); id < p.nextLoanID; id++ {
		if loan, ok := p.loans[id]; ok {
			out = append(out, loan.clone())
		}
	}
	return out
}

// Price returns the last broadcast price.
func (p *Pool) Price() (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.price == nil {
		return nil, ErrPriceNotSet
	}
	return new(big.Int).Set(p.price), nil
}

// Claimable returns the repaid principal waiting for lender.
func (p *Pool) Claimable(lender common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fixedpoint.Copy(p.claimable[lender])
}

// Stats summarizes the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Positions:        p.ledger.Len(),
		TotalInitial:     new(big.Int),
		TotalAvailable:   new(big.Int),
		TotalOutstanding: new(big.Int),
		TotalLoaned:      new(big.Int),
		TotalCollateral:  new(big.Int),
		TotalClaimable:   new(big.Int),
		NextPositionID:   p.ledger.NextID(),
		NextLoanID:       p.nextLoanID,
	}
	for _, pos := range p.ledger.Positions() {
		st.TotalInitial.Add(st.TotalInitial, pos.InitialAmount)
		st.TotalAvailable.Add(st.TotalAvailable, pos.AvailableAmount)
	}
	for _, pos := range p.ledger.All() {
		st.TotalOutstanding.Add(st.TotalOutstanding, pos.Outstanding)
	}
	for _, loan := range p.loans {
		if !loan.Open {
			st.ClosedLoans++
			continue
		}
		st.OpenLoans++
		st.TotalLoaned.Add(st.TotalLoaned, loan.LoanedAmount)
		st.TotalCollateral.Add(st.TotalCollateral, loan.CollateralAmount)
	}
	for _, c := range p.claimable {
		st.TotalClaimable.Add(st.TotalClaimable, c)
	}
	if p.price != nil {
		st.Price = new(big.Int).Set(p.price)
	}
	return st
}

// Verify checks the ledger links and that every position's outstanding
// principal equals the open loans drawn from it.
func (p *Pool) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verify()
}

func (p *Pool) verify() error {
	if err := p.ledger.Verify(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	drawn := make(map[uint64]*big.Int)
	for id, loan := range p.loans {
		if id >= p.nextLoanID {
			return fmt.Errorf("%w: loan %d beyond next id %d", ErrCorruptState, id, p.nextLoanID)
		}
		if !loan.Open {
			continue
		}
		if _, ok := p.ledger.Position(loan.PositionID); !ok {
			return fmt.Errorf("%w: loan %d references unknown position %d", ErrCorruptState, id, loan.PositionID)
		}
		if drawn[loan.PositionID] == nil {
			drawn[loan.PositionID] = new(big.Int)
		}
		drawn[loan.PositionID].Add(drawn[loan.PositionID], loan.LoanedAmount)
	}
	for _, pos := range p.ledger.All() {
		if pos.Outstanding.Cmp(fixedpoint.Copy(drawn[pos.ID])) != 0 {
			return fmt.Errorf("%w: position %d has %s outstanding, open loans hold %s",
				ErrCorruptState, pos.ID, pos.Outstanding, fixedpoint.Copy(drawn[pos.ID]))
		}
	}
	for lender, c := range p.claimable {
		if c.Sign() <= 0 {
			return fmt.Errorf("%w: claimable balance of %s is %s", ErrCorruptState, lender.Hex(), c)
		}
	}
	return nil
}

// Snapshot returns a complete copy of the pool state.
func (p *Pool) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := State{
		Meta:      p.meta(),
		Positions: p.ledger.All(),
		Loans:     make([]Loan, 0, len(p.loans)),
		Claimable: make(map[common.Address]*big.Int, len(p.claimable)),
	}
	for id := uint64(0); id < p.nextLoanID; id++ {
		if loan, ok := p.loans[id]; ok {
			st.Loans = append(st.Loans, loan.clone())
		}
	}
	for lender, c := range p.claimable {
		st.Claimable[lender] = new(big.Int).Set(c)
	}
	return st
}

// Restore replaces the pool state with s. The pool is left unchanged if s
// does not verify.
func (p *Pool) Restore(s State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, err := ledger.Restore(s.Positions, s.Meta.NextPositionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	loans := make(map[uint64]*Loan, len(s.Loans))
	for _, loan := range s.Loans {
		if loan.LoanedAmount == nil || loan.CollateralAmount == nil {
			return fmt.Errorf("%w: loan %d has no amounts", ErrCorruptState, loan.ID)
		}
		c := loan.clone()
		loans[loan.ID] = &c
	}
	claimable := make(map[common.Address]*big.Int, len(s.Claimable))
	for lender, c := range s.Claimable {
		claimable[lender] = fixedpoint.Copy(c)
	}

	var price *big.Int
	if s.Meta.Price != nil {
		price = new(big.Int).Set(s.Meta.Price)
	}

	prevLedger, prevLoans, prevNextLoanID := p.ledger, p.loans, p.nextLoanID
	prevClaimable, prevSeq, prevPrice := p.claimable, p.eventSeq, p.price

	p.ledger, p.loans, p.nextLoanID = l, loans, s.Meta.NextLoanID
	p.claimable, p.eventSeq, p.price = claimable, s.Meta.EventSeq, price

	if err := p.verify(); err != nil {
		p.ledger, p.loans, p.nextLoanID = prevLedger, prevLoans, prevNextLoanID
		p.claimable, p.eventSeq, p.price = prevClaimable, prevSeq, prevPrice
		return err
	}

	p.logger.Info("pool state restored",
		"positions", l.Len(),
		"loans", len(loans),
		"nextPositionId", l.NextID(),
		"nextLoanId", p.nextLoanID,
	)
	return nil
}

func (p *Pool) meta() Meta {
	m := Meta{
		NextPositionID: p.ledger.NextID(),
		NextLoanID:     p.nextLoanID,
		EventSeq:       p.eventSeq,
	}
	if p.price != nil {
		m.Price = new(big.Int).Set(p.price)
	}
	return m
}

// abort undoes the settlement and returns err, joined with any undo failure.
func (p *Pool) abort(s *settlement, op string, err error) error {
	if rerr := s.rollback(); rerr != nil {
		p.logger.Error("rollback failed", "op", op, "error", err, "rollbackError", rerr)
		return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
	}
	p.logger.Warn("operation rolled back", "op", op, "error", err)
	return err
}

// commit publishes the events of an applied operation and journals what it
// touched. A journal failure is logged; the operation has already settled.
func (p *Pool) commit(actor common.Address, op string, positions, loans []uint64, lenders []common.Address, evs ...events.Event) {
	now := p.now()
	for _, ev := range evs {
		p.eventSeq++
		ev.Seq = p.eventSeq
		ev.Time = now
		ev.Actor = actor
		p.publisher.Publish(ev)
	}

	if p.journal == nil {
		return
	}
	c := Changes{Meta: p.meta()}
	for _, id := range positions {
		if pos, ok := p.ledger.Position(id); ok {
			c.Positions = append(c.Positions, pos)
		}
	}
	for _, id := range loans {
		if loan, ok := p.loans[id]; ok {
			c.Loans = append(c.Loans, loan.clone())
		}
	}
	if len(lenders) > 0 {
		c.Claimable = make(map[common.Address]*big.Int, len(lenders))
		for _, lender := range lenders {
			c.Claimable[lender] = fixedpoint.Copy(p.claimable[lender])
		}
	}
	if err := p.journal.Record(c); err != nil {
		p.logger.Error("failed to journal changes", "op", op, "seq", p.eventSeq, "error", err)
	}
}
