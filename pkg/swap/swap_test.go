package swap

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/token"
)

var (
	venueAddr = common.HexToAddress("0x5a00000000000000000000000000000000000005")
	trader    = common.HexToAddress("0x7000000000000000000000000000000000000007")
)

func newVenue(t *testing.T, feeBps uint64) (*ConstantProduct, *token.Memory, *token.Memory) {
	t.Helper()
	usdt := token.NewMemory("USDT")
	hub := token.NewMemory("HUB")
	require.NoError(t, usdt.Mint(venueAddr, big.NewInt(1_000_000)))
	require.NoError(t, hub.Mint(venueAddr, big.NewInt(1_000_000)))

	v, err := NewConstantProduct(venueAddr, usdt, hub, feeBps)
	require.NoError(t, err)
	return v, usdt, hub
}

func TestQuote(t *testing.T) {
	v, _, _ := newVenue(t, 0)

	// 1000 * 1e6 / (1e6 + 1000) = 999.000999 -> 999
	out, err := v.Quote(big.NewInt(1_000), []string{"USDT", "HUB"})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999), out)

	withFee, _, _ := newVenue(t, 30)
	out, err = withFee.Quote(big.NewInt(1_000), []string{"USDT", "HUB"})
	require.NoError(t, err)
	// 997 * 1e6 / (1e6 + 997) = 996.006... -> 996
	assert.Equal(t, big.NewInt(996), out)
}

func TestSwapExactInput(t *testing.T) {
	v, usdt, hub := newVenue(t, 0)
	require.NoError(t, usdt.Mint(trader, big.NewInt(1_000)))
	require.NoError(t, usdt.Approve(trader, venueAddr, big.NewInt(1_000)))

	out, err := v.SwapExactInput(trader, big.NewInt(1_000), big.NewInt(999), []string{"USDT", "HUB"})
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(999), out)

	assert.Equal(t, 0, usdt.BalanceOf(trader).Sign())
	assert.Equal(t, big.NewInt(999), hub.BalanceOf(trader))

	rin, rout, err := v.Reserves("USDT", "HUB")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_001_000), rin)
	assert.Equal(t, big.NewInt(999_001), rout)
}

func TestSwapRespectsMinimumOutput(t *testing.T) {
	v, usdt, hub := newVenue(t, 0)
	require.NoError(t, usdt.Mint(trader, big.NewInt(1_000)))
	require.NoError(t, usdt.Approve(trader, venueAddr, big.NewInt(1_000)))

	_, err := v.SwapExactInput(trader, big.NewInt(1_000), big.NewInt(1_000), []string{"USDT", "HUB"})
	assert.ErrorIs(t, err, ErrInsufficientOut)
	assert.Equal(t, big.NewInt(1_000), usdt.BalanceOf(trader))
	assert.Equal(t, 0, hub.BalanceOf(trader).Sign())
}

func TestSwapWithoutAllowanceFails(t *testing.T) {
	v, usdt, _ := newVenue(t, 0)
	require.NoError(t, usdt.Mint(trader, big.NewInt(1_000)))

	_, err := v.SwapExactInput(trader, big.NewInt(1_000), nil, []string{"USDT", "HUB"})
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, big.NewInt(1_000), usdt.BalanceOf(trader))
}

func TestInvalidPaths(t *testing.T) {
	v, _, _ := newVenue(t, 0)

	for _, path := range [][]string{nil, {"USDT"}, {"USDT", "USDT"}, {"USDT", "BTC"}, {"A", "B", "C"}} {
		_, err := v.Quote(big.NewInt(1), path)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %v", path)
	}

	_, err := v.Quote(big.NewInt(0), []string{"USDT", "HUB"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEmptyVenue(t *testing.T) {
	usdt := token.NewMemory("USDT")
	hub := token.NewMemory("HUB")
	v, err := NewConstantProduct(venueAddr, usdt, hub, 0)
	require.NoError(t, err)

	_, err = v.Quote(big.NewInt(1), []string{"USDT", "HUB"})
	assert.ErrorIs(t, err, ErrNoLiquidity)

	_, err = NewConstantProduct(venueAddr, usdt, usdt, 0)
	assert.ErrorIs(t, err, ErrInvalidPath)
}
