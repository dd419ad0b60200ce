package commands

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/token"
)

var (
	custody     = common.HexToAddress("0xc000000000000000000000000000000000000001")
	broadcaster = common.HexToAddress("0xb000000000000000000000000000000000000001")
	lender      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	borrower    = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

func startNode(t *testing.T) {
	t.Helper()
	usdt, hub := token.NewMemory("USDT"), token.NewMemory("HUB")

	cfg := lending.DefaultConfig()
	cfg.Address = custody
	cfg.Broadcaster = broadcaster
	cfg.InitialPrice = big.NewInt(1_000_000)

	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	pool, err := lending.NewPool(cfg, usdt, hub, nil, lending.WithLogger(logger))
	require.NoError(t, err)

	hs := httptest.NewServer(api.NewJSONRPCServer(pool, logger, api.WithFaucet()))
	t.Cleanup(hs.Close)
	rpcURL = hs.URL
	output = "json"
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--rpc", rpcURL))
	err := rootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, out interface{}, args ...string) {
	t.Helper()
	s, err := run(t, args...)
	require.NoError(t, err, s)
	if out != nil {
		require.NoError(t, json.Unmarshal([]byte(s), out), s)
	}
}

func TestLendBorrowRepay(t *testing.T) {
	startNode(t)
	for _, a := range []common.Address{lender, borrower} {
		for _, sym := range []string{"USDT", "HUB"} {
			mustRun(t, nil, "token", "mint", sym, a.Hex(), "1000")
			mustRun(t, nil, "token", "approve", sym, a.Hex(), "1000")
		}
	}

	var lent api.LendReply
	mustRun(t, &lent, "lend", lender.Hex(), "100")
	assert.Equal(t, uint64(0), lent.PositionID)

	var loans []lending.Loan
	mustRun(t, &loans, "borrow", borrower.Hex(), "40")
	require.Len(t, loans, 1)
	assert.Equal(t, "40", loans[0].LoanedAmount.String())

	var open []lending.Loan
	mustRun(t, &open, "loans", "--borrower", borrower.Hex(), "--open")
	assert.Len(t, open, 1)

	var repaid lending.Loan
	mustRun(t, &repaid, "repay", borrower.Hex(), "0")
	assert.False(t, repaid.Open)

	var st lending.Stats
	mustRun(t, &st, "stats")
	assert.Equal(t, 1, st.ClosedLoans)
	assert.Equal(t, "100", st.TotalAvailable.String())

	var bal api.AmountResult
	mustRun(t, &bal, "token", "balance", "USDT", lender.Hex())
	assert.Equal(t, "900", bal.Amount.String())
}

func TestPriceCommands(t *testing.T) {
	startNode(t)

	var price api.PriceReply
	mustRun(t, &price, "price", "set", broadcaster.Hex(), "750000")
	assert.Equal(t, "750000", price.Price.String())

	var ids []uint64
	mustRun(t, &ids, "liquidatable")
	assert.Empty(t, ids)
}

func TestYAMLOutput(t *testing.T) {
	startNode(t)
	defer func() { output = "json" }()

	s, err := run(t, "info", "-o", "yaml")
	require.NoError(t, err, s)

	var info map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(s), &info))
	assert.Equal(t, "USDT", info["valueToken"])
	assert.Equal(t, 1_000_000, info["pricePrecision"])
}

func TestArgumentErrors(t *testing.T) {
	startNode(t)

	_, err := run(t, "lend", "not-an-address", "1")
	assert.ErrorContains(t, err, "invalid address")

	_, err = run(t, "repay", borrower.Hex(), "x")
	assert.ErrorContains(t, err, "invalid id")

	_, err = run(t, "borrow", borrower.Hex(), "5")
	var rpcErr *api.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, api.CodeNoLiquidity, rpcErr.Code)

	_, err = run(t, "lend", lender.Hex())
	assert.Error(t, err)
}
