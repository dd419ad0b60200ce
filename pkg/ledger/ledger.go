// Package ledger holds lender deposits as an index-addressed doubly linked list.
//
// Positions live in an arena keyed by a monotonically increasing id and link to
// their neighbours by id. Removing a position only rewires ids, so removal from
// the head, the tail or the middle is O(1). Removed positions stay in the arena
// flagged as dropped so that late repayments can still find their lender, but
// they are never reachable through traversal again.
//
// A Ledger is not safe for concurrent use; lending.Pool serializes access.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrUnknownPosition       = errors.New("unknown position")
	ErrInsufficientAvailable = errors.New("draw exceeds available amount")
	ErrCorrupt               = errors.New("ledger links are inconsistent")
)

// none marks a missing link. Ids start at 0, so 0 cannot be the sentinel.
const none = ^uint64(0)

type node struct {
	id          uint64
	lender      common.Address
	initial     *big.Int
	available   *big.Int
	outstanding *big.Int
	prev        uint64
	next        uint64
	dropped     bool
}

// Position is a read-only copy of a ledger node.
type Position struct {
	ID              uint64         `json:"id"`
	Lender          common.Address `json:"lender"`
	InitialAmount   *big.Int       `json:"initialAmount"`
	AvailableAmount *big.Int       `json:"availableAmount"`
	// Outstanding is principal drawn by loans that are still open.
	Outstanding *big.Int `json:"outstanding"`
	Prev        *uint64  `json:"prev"`
	Next        *uint64  `json:"next"`
	Dropped     bool     `json:"dropped"`
}

// Drawn returns the part of the deposit that is not currently available.
func (p Position) Drawn() *big.Int {
	return new(big.Int).Sub(p.InitialAmount, p.AvailableAmount)
}

// Ledger is the ordered collection of lend positions.
type Ledger struct {
	nodes  map[uint64]*node
	head   uint64
	tail   uint64
	nextID uint64
	live   int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		nodes: make(map[uint64]*node),
		head:  none,
		tail:  none,
	}
}

// Append links a new position holding amount as the tail and returns its id.
func (l *Ledger) Append(lender common.Address, amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	id := l.nextID
	n := &node{
		id:          id,
		lender:      lender,
		initial:     new(big.Int).Set(amount),
		available:   new(big.Int).Set(amount),
		outstanding: new(big.Int),
		prev:        l.tail,
		next:        none,
	}

	if l.tail == none {
		l.head = id
	} else {
		l.nodes[l.tail].next = id
	}
	l.tail = id
	l.nodes[id] = n
	l.nextID++
	l.live++

	return id, nil
}

// RemoveFully unlinks a live position and marks it dropped.
func (l *Ledger) RemoveFully(id uint64) error {
	n, err := l.liveNode(id)
	if err != nil {
		return err
	}

	if n.prev == none {
		l.head = n.next
	} else {
		l.nodes[n.prev].next = n.next
	}
	if n.next == none {
		l.tail = n.prev
	} else {
		l.nodes[n.next].prev = n.prev
	}

	n.prev = none
	n.next = none
	n.dropped = true
	l.live--

	return nil
}

// FirstAvailable returns the head of the ledger.
func (l *Ledger) FirstAvailable() (uint64, bool) {
	return l.head, l.head != none
}

// Head is an alias of FirstAvailable for the read surface.
func (l *Ledger) Head() (uint64, bool) {
	return l.FirstAvailable()
}

// Tail returns the most recently appended live position.
func (l *Ledger) Tail() (uint64, bool) {
	return l.tail, l.tail != none
}

// Next returns the successor of a live position. Dropped positions have no
// successor.
func (l *Ledger) Next(id uint64) (uint64, bool) {
	n, err := l.liveNode(id)
	if err != nil || n.next == none {
		return 0, false
	}
	return n.next, true
}

// Prev returns the predecessor of a live position.
func (l *Ledger) Prev(id uint64) (uint64, bool) {
	n, err := l.liveNode(id)
	if err != nil || n.prev == none {
		return 0, false
	}
	return n.prev, true
}

// Len returns the number of live positions.
func (l *Ledger) Len() int {
	return l.live
}

// NextID returns the id the next Append will assign.
func (l *Ledger) NextID() uint64 {
	return l.nextID
}

// Position returns a copy of the position, including dropped ones.
func (l *Ledger) Position(id uint64) (Position, bool) {
	n, ok := l.nodes[id]
	if !ok {
		return Position{}, false
	}
	return n.snapshot(), true
}

// Positions returns the live positions in deposit order.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, l.live)
	for id := l.head; id != none; id = l.nodes[id].next {
		out = append(out, l.nodes[id].snapshot())
	}
	return out
}

// All returns every position ever appended, dropped ones included, by id.
func (l *Ledger) All() []Position {
	out := make([]Position, 0, len(l.nodes))
	for id := uint64(0); id < l.nextID; id++ {
		if n, ok := l.nodes[id]; ok {
			out = append(out, n.snapshot())
		}
	}
	return out
}

// Draw moves amount from available to outstanding.
func (l *Ledger) Draw(id uint64, amount *big.Int) error {
	n, err := l.liveNode(id)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(n.available) > 0 {
		return fmt.Errorf("%w: position %d has %s, want %s", ErrInsufficientAvailable, id, n.available, amount)
	}
	n.available.Sub(n.available, amount)
	n.outstanding.Add(n.outstanding, amount)
	return nil
}

// Refund returns repaid principal to a live position's availability.
func (l *Ledger) Refund(id uint64, amount *big.Int) error {
	n, err := l.liveNode(id)
	if err != nil {
		return err
	}
	if err := n.settle(amount); err != nil {
		return err
	}
	n.available.Add(n.available, amount)
	return nil
}

// Settle clears outstanding principal without making it available again. It is
// used for write-offs and for repayments to positions that were withdrawn.
func (l *Ledger) Settle(id uint64, amount *big.Int) error {
	n, ok := l.nodes[id]
	if !ok {
		return ErrUnknownPosition
	}
	return n.settle(amount)
}

// Withdraw removes a live position and returns what was still available.
func (l *Ledger) Withdraw(id uint64) (*big.Int, error) {
	n, err := l.liveNode(id)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Set(n.available)
	if err := l.RemoveFully(id); err != nil {
		return nil, err
	}
	n.available.SetInt64(0)
	return amount, nil
}

// Verify walks the chain in both directions and checks every invariant.
func (l *Ledger) Verify() error {
	if (l.head == none) != (l.tail == none) {
		return fmt.Errorf("%w: head=%d tail=%d", ErrCorrupt, l.head, l.tail)
	}

	forward := make([]uint64, 0, l.live)
	prev := none
	for id := l.head; id != none; {
		n, ok := l.nodes[id]
		if !ok || n.dropped {
			return fmt.Errorf("%w: position %d reachable but missing or dropped", ErrCorrupt, id)
		}
		if n.prev != prev {
			return fmt.Errorf("%w: position %d prev=%d, want %d", ErrCorrupt, id, n.prev, prev)
		}
		if len(forward) > l.live {
			return fmt.Errorf("%w: cycle detected", ErrCorrupt)
		}
		forward = append(forward, id)
		prev = id
		id = n.next
	}
	if prev != l.tail {
		return fmt.Errorf("%w: forward walk ends at %d, tail is %d", ErrCorrupt, prev, l.tail)
	}
	if len(forward) != l.live {
		return fmt.Errorf("%w: %d reachable, %d live", ErrCorrupt, len(forward), l.live)
	}

	i := len(forward) - 1
	for id := l.tail; id != none; id = l.nodes[id].prev {
		if i < 0 || forward[i] != id {
			return fmt.Errorf("%w: backward walk diverges at %d", ErrCorrupt, id)
		}
		i--
	}

	for id, n := range l.nodes {
		if n.available.Sign() < 0 || n.available.Cmp(n.initial) > 0 || n.outstanding.Sign() < 0 {
			return fmt.Errorf("%w: position %d amounts out of range", ErrCorrupt, id)
		}
		if n.dropped && (n.prev != none || n.next != none) {
			return fmt.Errorf("%w: dropped position %d still linked", ErrCorrupt, id)
		}
	}
	return nil
}

// Restore rebuilds a ledger from persisted positions and verifies it.
func Restore(positions []Position, nextID uint64) (*Ledger, error) {
	l := New()
	l.nextID = nextID

	for _, p := range positions {
		if p.ID >= nextID {
			return nil, fmt.Errorf("%w: position %d beyond next id %d", ErrCorrupt, p.ID, nextID)
		}
		n := &node{
			id:          p.ID,
			lender:      p.Lender,
			initial:     copyOrZero(p.InitialAmount),
			available:   copyOrZero(p.AvailableAmount),
			outstanding: copyOrZero(p.Outstanding),
			prev:        linkOrNone(p.Prev),
			next:        linkOrNone(p.Next),
			dropped:     p.Dropped,
		}
		l.nodes[p.ID] = n
		if n.dropped {
			continue
		}
		l.live++
		if n.prev == none {
			l.head = n.id
		}
		if n.next == none {
			l.tail = n.id
		}
	}

	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) liveNode(id uint64) (*node, error) {
	n, ok := l.nodes[id]
	if !ok || n.dropped {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return n, nil
}

func (n *node) settle(amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if amount.Cmp(n.outstanding) > 0 {
		return fmt.Errorf("%w: position %d settles %s of %s outstanding", ErrCorrupt, n.id, amount, n.outstanding)
	}
	n.outstanding.Sub(n.outstanding, amount)
	return nil
}

func (n *node) snapshot() Position {
	return Position{
		ID:              n.id,
		Lender:          n.lender,
		InitialAmount:   new(big.Int).Set(n.initial),
		AvailableAmount: new(big.Int).Set(n.available),
		Outstanding:     new(big.Int).Set(n.outstanding),
		Prev:            idOrNil(n.prev),
		Next:            idOrNil(n.next),
		Dropped:         n.dropped,
	}
}

func idOrNil(id uint64) *uint64 {
	if id == none {
		return nil
	}
	v := id
	return &v
}

func linkOrNone(id *uint64) uint64 {
	if id == nil {
		return none
	}
	return *id
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
