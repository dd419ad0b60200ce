package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/events"
	lendgrpc "github.com/luxfi/lend/pkg/grpc"
	"github.com/luxfi/lend/pkg/lending"
	lendws "github.com/luxfi/lend/pkg/websocket"
)

var _ = Describe("Lending pool", func() {
	var (
		node   *Stack
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		node = NewStack(nil)
		node.Fund(ctx, alice, "10000")
		node.Fund(ctx, bob, "10000")
		node.Fund(ctx, carol, "10000")
	})

	AfterEach(func() {
		node.Close()
		Expect(node.Store.Close()).To(Succeed())
		cancel()
	})

	balance := func(sym string, owner common.Address) string {
		res, err := node.RPC.BalanceOf(ctx, sym, owner)
		Expect(err).NotTo(HaveOccurred())
		return res.Amount.String()
	}

	Context("borrowing", func() {
		It("fills from the oldest positions and posts twice the value as collateral", func() {
			first, err := node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			second, err := node.RPC.Lend(ctx, carol, "50")
			Expect(err).NotTo(HaveOccurred())

			loans, err := node.RPC.Borrow(ctx, bob, "120")
			Expect(err).NotTo(HaveOccurred())
			Expect(loans).To(HaveLen(2))
			Expect(loans[0].PositionID).To(Equal(first))
			Expect(loans[0].LoanedAmount.String()).To(Equal("100"))
			Expect(loans[0].CollateralAmount.String()).To(Equal("200"))
			Expect(loans[1].PositionID).To(Equal(second))
			Expect(loans[1].LoanedAmount.String()).To(Equal("20"))
			Expect(loans[1].CollateralAmount.String()).To(Equal("40"))

			l, err := node.RPC.Ledger(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(*l.Head).To(Equal(second))

			st, err := node.RPC.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.TotalOutstanding.String()).To(Equal("120"))
			Expect(st.TotalAvailable.String()).To(Equal("30"))
			Expect(st.TotalCollateral.String()).To(Equal("240"))
			Expect(balance("HUB", bob)).To(Equal("9760"))
			Expect(balance("USDT", bob)).To(Equal("10120"))
			Expect(node.Events.OfKind(events.NewLoan)).To(HaveLen(2))

			for _, loan := range loans {
				_, err := node.RPC.Repay(ctx, bob, loan.ID)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(balance("HUB", bob)).To(Equal("10000"))
			Expect(balance("USDT", bob)).To(Equal("10000"))
			Expect(node.Pool.Verify()).To(Succeed())
		})

		It("leaves nothing behind when the collateral cannot be pulled", func() {
			_, err := node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			before := len(node.Events.Events())

			_, err = node.RPC.Approve(ctx, "HUB", bob, "10")
			Expect(err).NotTo(HaveOccurred())
			_, err = node.RPC.Borrow(ctx, bob, "50")
			Expect(rpcCode(err)).To(Equal(api.CodeTransferFailed))

			pos, err := node.RPC.Position(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(pos.AvailableAmount.String()).To(Equal("100"))
			Expect(balance("USDT", bob)).To(Equal("10000"))
			Expect(node.Events.Events()).To(HaveLen(before))
		})
	})

	Context("price moves", func() {
		It("lets anyone liquidate an undercollateralized loan", func() {
			_, err := node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			loans, err := node.RPC.Borrow(ctx, bob, "100")
			Expect(err).NotTo(HaveOccurred())
			id := loans[0].ID

			_, err = node.RPC.Liquidate(ctx, carol, id)
			Expect(rpcCode(err)).To(Equal(api.CodeNotUndercollateralized))

			Expect(node.RPC.UpdatePrice(ctx, alice, "400000")).NotTo(Succeed())
			Expect(node.RPC.UpdatePrice(ctx, broadcaster, "400000")).To(Succeed())

			ids, err := node.RPC.Liquidatable(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids).To(ConsistOf(id))

			loan, err := node.RPC.Liquidate(ctx, carol, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(loan.Open).To(BeFalse())
			Expect(balance("HUB", carol)).To(Equal("10200"))

			st, err := node.RPC.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.OpenLoans).To(BeZero())
			Expect(st.Positions).To(BeZero())
		})
	})

	Context("withdrawing", func() {
		It("credits principal repaid after a withdrawal to the lender's claim", func() {
			pos, err := node.RPC.Lend(ctx, alice, "150")
			Expect(err).NotTo(HaveOccurred())
			loans, err := node.RPC.Borrow(ctx, bob, "100")
			Expect(err).NotTo(HaveOccurred())

			out, err := node.RPC.Withdraw(ctx, alice, pos)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Amount.String()).To(Equal("50"))

			_, err = node.RPC.Claim(ctx, alice)
			Expect(rpcCode(err)).To(Equal(api.CodeNothingToClaim))

			_, err = node.RPC.Repay(ctx, bob, loans[0].ID)
			Expect(err).NotTo(HaveOccurred())

			claimable, err := node.RPC.Claimable(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimable.Amount.String()).To(Equal("100"))

			claimed, err := node.RPC.Claim(ctx, alice)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Amount.String()).To(Equal("100"))
			Expect(balance("USDT", alice)).To(Equal("10000"))
		})
	})

	Context("leverage", func() {
		It("buys collateral with own and borrowed funds", func() {
			_, err := node.RPC.Lend(ctx, alice, "1000")
			Expect(err).NotTo(HaveOccurred())

			loans, err := node.RPC.BuyWithLeverage(ctx, bob, "200", "100")
			Expect(err).NotTo(HaveOccurred())
			Expect(loans).To(HaveLen(1))
			Expect(loans[0].Leveraged).To(BeTrue())
			Expect(loans[0].LoanedAmount.String()).To(Equal("100"))
			// 300 in against 1e9/1e9 reserves with no fee.
			Expect(loans[0].CollateralAmount.String()).To(Equal("299"))

			Expect(balance("USDT", bob)).To(Equal("9800"))
			Expect(balance("HUB", bob)).To(Equal("10000"))
			Expect(node.Events.OfKind(events.Leverage)).To(HaveLen(1))
		})
	})

	Context("event surfaces", func() {
		It("pushes a borrower's loans over the WebSocket", func() {
			conn, _, err := websocket.DefaultDialer.Dial(node.WSURL, nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			type message struct {
				Type     string          `json:"type"`
				Channel  string          `json:"channel"`
				Data     json.RawMessage `json:"data"`
				Sequence uint64          `json:"sequence"`
			}
			read := func() message {
				Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
				var m message
				Expect(conn.ReadJSON(&m)).To(Succeed())
				return m
			}
			Expect(read().Type).To(Equal("welcome"))

			Expect(conn.WriteJSON(lendws.SubscribeRequest{
				Type:     "subscribe",
				Channels: []string{lendws.PrefixBorrower + bob.Hex()},
			})).To(Succeed())
			Expect(read().Type).To(Equal("subscribed"))

			_, err = node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			_, err = node.RPC.Borrow(ctx, bob, "30")
			Expect(err).NotTo(HaveOccurred())

			m := read()
			Expect(m.Type).To(Equal("event"))
			var ev events.Event
			Expect(json.Unmarshal(m.Data, &ev)).To(Succeed())
			Expect(ev.Kind).To(Equal(events.NewLoan))
			Expect(ev.Borrower).To(Equal(bob))
			Expect(ev.Amount.String()).To(Equal("30"))
			Expect(ev.Collateral.String()).To(Equal("60"))
		})

		It("streams price updates over gRPC", func() {
			stream, err := node.GRPC.StreamEvents(ctx, &lendgrpc.StreamEventsRequest{Kinds: []events.Kind{events.PriceUpdate}})
			Expect(err).NotTo(HaveOccurred())
			Eventually(node.grpcSrv.Subscribers).Should(Equal(1))

			_, err = node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			Expect(node.RPC.UpdatePrice(ctx, broadcaster, "1250000")).To(Succeed())

			ev, err := stream.Recv()
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Kind).To(Equal(events.PriceUpdate))
			Expect(ev.Price.String()).To(Equal("1250000"))

			price, err := node.GRPC.GetPrice(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(price.Price.String()).To(Equal("1250000"))
		})

		It("counts committed events and served requests", func() {
			for i := 0; i < 3; i++ {
				_, err := node.RPC.Lend(ctx, alice, "10")
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(testutil.ToFloat64(node.Metrics.Operations.WithLabelValues(string(events.Lend)))).To(Equal(3.0))
			Expect(testutil.ToFloat64(node.Metrics.Requests.WithLabelValues("lend_lend", "ok"))).To(Equal(3.0))
		})
	})

	Context("persistence", func() {
		It("restores a second node from the first node's store", func() {
			_, err := node.RPC.Lend(ctx, alice, "100")
			Expect(err).NotTo(HaveOccurred())
			_, err = node.RPC.Lend(ctx, carol, "40")
			Expect(err).NotTo(HaveOccurred())
			loans, err := node.RPC.Borrow(ctx, bob, "110")
			Expect(err).NotTo(HaveOccurred())
			_, err = node.RPC.Repay(ctx, bob, loans[1].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(node.RPC.UpdatePrice(ctx, broadcaster, "900000")).To(Succeed())

			state, found, err := node.Store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())

			restored := NewStack(node.Store)
			defer restored.Close()
			Expect(restored.Pool.Restore(state)).To(Succeed())

			want, got := node.Pool.Snapshot(), restored.Pool.Snapshot()
			wantJSON, err := json.Marshal(want)
			Expect(err).NotTo(HaveOccurred())
			gotJSON, err := json.Marshal(got)
			Expect(err).NotTo(HaveOccurred())
			Expect(gotJSON).To(MatchJSON(wantJSON))

			price, err := restored.RPC.Price(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(price.Price.String()).To(Equal("900000"))

			// Ids carry on from where the first node stopped.
			Expect(restored.USDT.Mint(alice, big.NewInt(5))).To(Succeed())
			Expect(restored.USDT.Approve(alice, custody, big.NewInt(5))).To(Succeed())
			id, err := restored.RPC.Lend(ctx, alice, "5")
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(want.Meta.NextPositionID))
			Expect(restored.Pool.Verify()).To(Succeed())
		})
	})

	It("rejects the pool config it cannot run", func() {
		cfg := poolConfig()
		cfg.CollateralRatioBps = 0
		_, err := lending.NewPool(cfg, node.USDT, node.HUB, nil)
		Expect(err).To(MatchError(lending.ErrInvalidConfig))
	})
})

// rpcCode returns the JSON-RPC error code carried by err.
func rpcCode(err error) int {
	var rpcErr *api.RPCError
	Expect(errors.As(err, &rpcErr)).To(BeTrue(), "not an RPC error: %v", err)
	return rpcErr.Code
}
