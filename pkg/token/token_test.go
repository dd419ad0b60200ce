package token

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	spender = common.HexToAddress("0x2000000000000000000000000000000000000002")
	sink    = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func TestMintAndTransfer(t *testing.T) {
	usdt := NewMemory("USDT")
	require.NoError(t, usdt.Mint(owner, big.NewInt(100)))
	assert.Equal(t, "USDT", usdt.Symbol())
	assert.Equal(t, big.NewInt(100), usdt.TotalSupply())

	require.NoError(t, usdt.Transfer(owner, sink, big.NewInt(30)))
	assert.Equal(t, big.NewInt(70), usdt.BalanceOf(owner))
	assert.Equal(t, big.NewInt(30), usdt.BalanceOf(sink))

	err := usdt.Transfer(owner, sink, big.NewInt(71))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(70), usdt.BalanceOf(owner), "failed transfer must not move funds")

	assert.ErrorIs(t, usdt.Mint(owner, big.NewInt(0)), ErrInvalidAmount)
}

func TestTransferFromNeedsAllowance(t *testing.T) {
	hub := NewMemory("HUB")
	require.NoError(t, hub.Mint(owner, big.NewInt(50)))

	err := hub.TransferFrom(spender, owner, sink, big.NewInt(1))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, hub.Approve(owner, spender, big.NewInt(40)))
	require.NoError(t, hub.TransferFrom(spender, owner, sink, big.NewInt(25)))
	assert.Equal(t, big.NewInt(15), hub.Allowance(owner, spender))
	assert.Equal(t, big.NewInt(25), hub.BalanceOf(owner))

	err = hub.TransferFrom(spender, owner, sink, big.NewInt(16))
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	require.NoError(t, hub.Approve(owner, spender, big.NewInt(1000)))
	err = hub.TransferFrom(spender, owner, sink, big.NewInt(26))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, big.NewInt(1000), hub.Allowance(owner, spender), "allowance untouched on failure")
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	tok := NewMemory("T")
	require.NoError(t, tok.Mint(owner, big.NewInt(5)))

	b := tok.BalanceOf(owner)
	b.SetInt64(1_000)
	assert.Equal(t, big.NewInt(5), tok.BalanceOf(owner))
}

func TestConcurrentTransfers(t *testing.T) {
	tok := NewMemory("T")
	require.NoError(t, tok.Mint(owner, big.NewInt(1_000)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tok.Transfer(owner, sink, big.NewInt(10))
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, tok.BalanceOf(owner).Sign())
	assert.Equal(t, big.NewInt(1_000), tok.BalanceOf(sink))
}
