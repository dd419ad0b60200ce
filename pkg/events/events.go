// Package events carries pool state changes to observers: the websocket
// stream, the metrics collector and NATS subscribers.
package events

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a committed pool operation.
type Kind string

const (
	Lend        Kind = "lend"
	Withdraw    Kind = "withdraw"
	NewLoan     Kind = "new_loan"
	Repay       Kind = "repay"
	Liquidate   Kind = "liquidate"
	Leverage    Kind = "leverage"
	PriceUpdate Kind = "price_update"
	Claim       Kind = "claim"
	// Closed marks a position the pool removed on its own after liquidation
	// drained it. Nothing is paid out.
	Closed Kind = "position_closed"
	// WriteOff reports principal a position lost to a venue that delivered
	// less than it reported.
	WriteOff Kind = "write_off"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{Lend, Withdraw, NewLoan, Repay, Liquidate, Leverage, PriceUpdate, Claim, Closed, WriteOff}

// Event is emitted once per committed change. Borrow and leverage opens emit
// one NewLoan per loan record, followed by a Leverage summary for the latter.
type Event struct {
	Seq        uint64         `json:"seq"`
	Kind       Kind           `json:"kind"`
	Time       time.Time      `json:"time"`
	Actor      common.Address `json:"actor"`
	PositionID *uint64        `json:"positionId,omitempty"`
	LoanID     *uint64        `json:"loanId,omitempty"`
	Lender     common.Address `json:"lender"`
	Borrower   common.Address `json:"borrower"`
	Amount     *big.Int       `json:"amount,omitempty"`
	Collateral *big.Int       `json:"collateral,omitempty"`
	Price      *big.Int       `json:"price,omitempty"`
}

// Publisher receives committed events. Implementations must not block the
// caller for long and must not call back into the pool.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(Event) {}

// Fanout delivers each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
