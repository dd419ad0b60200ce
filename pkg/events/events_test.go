package events

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestFanoutAndRecorder(t *testing.T) {
	var a, b Recorder
	var calls int
	f := Fanout{&a, &b, PublisherFunc(func(Event) { calls++ }), Noop{}}

	f.Publish(Event{Seq: 1, Kind: Lend})
	f.Publish(Event{Seq: 2, Kind: NewLoan})
	f.Publish(Event{Seq: 3, Kind: NewLoan})

	assert.Len(t, a.Events(), 3)
	assert.Equal(t, a.Events(), b.Events())
	assert.Equal(t, 3, calls)
	assert.Len(t, a.OfKind(NewLoan), 2)

	a.Reset()
	assert.Empty(t, a.Events())
	assert.Len(t, b.Events(), 3)
}

func TestNATSPublisher(t *testing.T) {
	level, _ := log.ToLevel("debug")
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", log.NewTestLogger(level))

	loanID := uint64(4)
	ev := Event{
		Seq:        9,
		Kind:       NewLoan,
		Time:       time.Unix(1700000000, 0).UTC(),
		LoanID:     &loanID,
		Borrower:   common.HexToAddress("0x01"),
		Amount:     big.NewInt(10),
		Collateral: big.NewInt(20),
	}
	p.Publish(ev)

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "lend.events.new_loan", conn.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, ev.Seq, got.Seq)
	assert.Equal(t, loanID, *got.LoanID)
	assert.Equal(t, 0, got.Collateral.Cmp(big.NewInt(20)))
}

func TestNATSPublisherSwallowsErrors(t *testing.T) {
	level, _ := log.ToLevel("error")
	conn := &fakeConn{err: errors.New("disconnected")}
	p := NewNATSPublisher(conn, "custom", log.NewTestLogger(level))

	assert.Equal(t, "custom.price_update", p.Subject(PriceUpdate))
	assert.NotPanics(t, func() { p.Publish(Event{Kind: PriceUpdate}) })
	assert.Empty(t, conn.subjects)
}
