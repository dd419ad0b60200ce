package store

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/token"
)

var (
	custody     = common.HexToAddress("0xc000000000000000000000000000000000000001")
	broadcaster = common.HexToAddress("0xb000000000000000000000000000000000000001")
	lender      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	borrower    = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

func newPool(t *testing.T, journal lending.Journal) *lending.Pool {
	t.Helper()
	usdt, hub := token.NewMemory("USDT"), token.NewMemory("HUB")
	for _, a := range []common.Address{lender, borrower} {
		require.NoError(t, usdt.Mint(a, big.NewInt(1_000_000)))
		require.NoError(t, hub.Mint(a, big.NewInt(1_000_000)))
		require.NoError(t, usdt.Approve(a, custody, big.NewInt(1_000_000)))
		require.NoError(t, hub.Approve(a, custody, big.NewInt(1_000_000)))
	}

	cfg := lending.DefaultConfig()
	cfg.Address = custody
	cfg.Broadcaster = broadcaster
	cfg.InitialPrice = big.NewInt(1_000_000)

	level, _ := log.ToLevel("error")
	opts := []lending.Option{lending.WithLogger(log.NewTestLogger(level))}
	if journal != nil {
		opts = append(opts, lending.WithJournal(journal))
	}
	pool, err := lending.NewPool(cfg, usdt, hub, nil, opts...)
	require.NoError(t, err)
	return pool
}

// exercise runs every kind of state change through pool.
func exercise(t *testing.T, pool *lending.Pool) {
	t.Helper()
	for _, a := range []int64{100, 200, 300} {
		_, err := pool.Lend(lender, big.NewInt(a))
		require.NoError(t, err)
	}
	loans, err := pool.Borrow(borrower, big.NewInt(250))
	require.NoError(t, err)
	_, err = pool.Withdraw(lender, 0)
	require.NoError(t, err)
	_, err = pool.Repay(borrower, loans[0].ID)
	require.NoError(t, err)
	require.NoError(t, pool.UpdatePrice(broadcaster, big.NewInt(500_000)))
	_, err = pool.Liquidate(lender, loans[1].ID)
	require.NoError(t, err)
	_, err = pool.Borrow(borrower, big.NewInt(10))
	require.NoError(t, err)
}

func TestEmptyStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	_, found, err := s.Load()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJournalReplaysIntoEqualPool(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	pool := newPool(t, s)
	exercise(t, pool)
	want := pool.Snapshot()
	require.Equal(t, big.NewInt(100).String(), want.Claimable[lender].String())

	state, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)

	restored := newPool(t, nil)
	require.NoError(t, restored.Restore(state))
	assert.Equal(t, want, restored.Snapshot())
	require.NoError(t, restored.Verify())
}

func TestClaimDeletesClaimRecord(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	pool := newPool(t, s)
	exercise(t, pool)
	_, err := pool.Claim(lender)
	require.NoError(t, err)

	state, _, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, state.Claimable)
}

func TestSaveReplacesContents(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	pool := newPool(t, s)
	exercise(t, pool)

	fresh := newPool(t, nil)
	_, err := fresh.Lend(lender, big.NewInt(7))
	require.NoError(t, err)
	require.NoError(t, s.Save(fresh.Snapshot()))

	state, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, state.Positions, 1)
	assert.Empty(t, state.Loans)
	assert.Empty(t, state.Claimable)
	assert.Equal(t, uint64(1), state.Meta.NextPositionID)
}

func TestNamespacesAreIsolated(t *testing.T) {
	db := memdb.New()
	a := Wrap(db, []byte("a:"), nil)
	b := Wrap(db, []byte("b:"), nil)

	pool := newPool(t, a)
	exercise(t, pool)

	_, found, err := b.Load()
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = a.Load()
	require.NoError(t, err)
	assert.True(t, found)

	// Wrapped stores leave the shared database open.
	require.NoError(t, a.Close())
	_, err = b.HealthCheck(context.Background())
	assert.NoError(t, err)
}

func TestClosedStore(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Error(t, s.Record(lending.Changes{}))
	_, _, err := s.Load()
	assert.Error(t, err)
}

func TestOpenBackends(t *testing.T) {
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	_, err := Open(Config{Backend: "sqlite"}, logger)
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "db")
	s, err := Open(Config{Backend: BackendBadger, Path: dir}, logger)
	require.NoError(t, err)

	pool := newPool(t, s)
	exercise(t, pool)
	want := pool.Snapshot()
	require.NoError(t, s.Close())

	s, err = Open(Config{Backend: BackendBadger, Path: dir}, logger)
	require.NoError(t, err)
	defer s.Close()

	state, found, err := s.Load()
	require.NoError(t, err)
	require.True(t, found, "state survives a reopen")

	restored := newPool(t, nil)
	require.NoError(t, restored.Restore(state))
	assert.Equal(t, want, restored.Snapshot())
}
