package grpc

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/token"
)

var (
	custody     = common.HexToAddress("0xc000000000000000000000000000000000000001")
	broadcaster = common.HexToAddress("0xb000000000000000000000000000000000000001")
	lender      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	borrower    = common.HexToAddress("0x2000000000000000000000000000000000000001")
)

type countingRecorder struct {
	calls map[string]int
}

func (r *countingRecorder) RecordRequest(method string, _ time.Duration, _ error) {
	r.calls[method]++
}

type harness struct {
	pool     *lending.Pool
	srv      *Server
	client   *Client
	conn     *grpc.ClientConn
	recorder *countingRecorder
}

func newHarness(t *testing.T) *harness {
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
	logger := log.NewTestLogger(level)
	h := &harness{recorder: &countingRecorder{calls: make(map[string]int)}}

	// The pool publishes into the server built below.
	var srv *Server
	publisher := events.PublisherFunc(func(ev events.Event) { srv.Publish(ev) })
	pool, err := lending.NewPool(cfg, usdt, hub, nil, lending.WithLogger(logger), lending.WithPublisher(publisher))
	require.NoError(t, err)
	srv = NewServer(pool, logger, h.recorder)
	h.pool, h.srv = pool, srv

	lis := bufconn.Listen(1 << 20)
	gs, _ := NewGRPCServer(srv)
	go gs.Serve(lis)

	opts := append(DialOptions(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	h.conn = conn
	h.client = NewClient(conn)

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		gs.Stop()
	})
	return h
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestReadSurface(t *testing.T) {
	h := newHarness(t)
	for _, a := range []int64{100, 200} {
		_, err := h.pool.Lend(lender, big.NewInt(a))
		require.NoError(t, err)
	}
	_, err := h.pool.Borrow(borrower, big.NewInt(150))
	require.NoError(t, err)

	pos, err := h.client.GetPosition(ctx(t), 0)
	require.NoError(t, err)
	assert.Equal(t, "0", pos.AvailableAmount.String())
	assert.Equal(t, lender, pos.Lender)

	positions, err := h.client.ListPositions(ctx(t))
	require.NoError(t, err)
	assert.Len(t, positions.Positions, 2)

	loan, err := h.client.GetLoan(ctx(t), 1)
	require.NoError(t, err)
	assert.Equal(t, "50", loan.LoanedAmount.String())
	assert.Equal(t, uint64(1), loan.PositionID)

	loans, err := h.client.ListLoans(ctx(t), &LoansRequest{Borrower: borrower.Hex(), OpenOnly: true})
	require.NoError(t, err)
	assert.Len(t, loans.Loans, 2)

	loans, err = h.client.ListLoans(ctx(t), &LoansRequest{Borrower: lender.Hex()})
	require.NoError(t, err)
	assert.Empty(t, loans.Loans)

	st, err := h.client.GetStats(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, st.OpenLoans)
	assert.Equal(t, "150", st.TotalOutstanding.String())

	pong, err := h.client.Ping(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, "pong", pong.Message)

	assert.Equal(t, 1, h.recorder.calls["/"+ServiceName+"/GetStats"])
}

func TestPriceAndLiquidatable(t *testing.T) {
	h := newHarness(t)
	_, err := h.pool.Lend(lender, big.NewInt(100))
	require.NoError(t, err)
	_, err = h.pool.Borrow(borrower, big.NewInt(100))
	require.NoError(t, err)

	health, err := h.client.IsUndercollateralized(ctx(t), 0)
	require.NoError(t, err)
	assert.False(t, health.Undercollateralized)

	_, err = h.client.UpdatePrice(ctx(t), &UpdatePriceRequest{Caller: lender.Hex(), Price: big.NewInt(1)})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	price, err := h.client.UpdatePrice(ctx(t), &UpdatePriceRequest{Caller: broadcaster.Hex(), Price: big.NewInt(750_000)})
	require.NoError(t, err)
	assert.Equal(t, "750000", price.Price.String())
	assert.Equal(t, uint64(1_000_000), price.Precision)

	liquidatable, err := h.client.ListLiquidatable(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, liquidatable.LoanIDs)
}

func TestStatusCodes(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.GetPosition(ctx(t), 42)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.GetLoan(ctx(t), 42)
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.client.UpdatePrice(ctx(t), &UpdatePriceRequest{Caller: broadcaster.Hex()})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.UpdatePrice(ctx(t), &UpdatePriceRequest{Caller: "nobody"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.client.ListLoans(ctx(t), &LoansRequest{Borrower: "0x1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(lending.ErrNoLiquidity)))
	assert.Equal(t, codes.Aborted, status.Code(toStatus(lending.ErrExternalTransferFailed)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(lending.ErrCorruptState)))
}

func TestHealthService(t *testing.T) {
	h := newHarness(t)
	resp, err := healthpb.NewHealthClient(h.conn).Check(ctx(t), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestStreamEvents(t *testing.T) {
	h := newHarness(t)

	stream, err := h.client.StreamEvents(ctx(t), &StreamEventsRequest{Kinds: []events.Kind{events.NewLoan, events.PriceUpdate}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.srv.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = h.pool.Lend(lender, big.NewInt(100))
	require.NoError(t, err)
	_, err = h.pool.Borrow(borrower, big.NewInt(40))
	require.NoError(t, err)
	require.NoError(t, h.pool.UpdatePrice(broadcaster, big.NewInt(900_000)))

	ev, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, events.NewLoan, ev.Kind)
	assert.Equal(t, "40", ev.Amount.String())
	require.NotNil(t, ev.LoanID)
	assert.Equal(t, uint64(0), *ev.LoanID)

	ev, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, events.PriceUpdate, ev.Kind)
	assert.Equal(t, "900000", ev.Price.String())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	level, _ := log.ToLevel("error")
	srv := NewServer(nil, log.NewTestLogger(level), nil)
	srv.subsBuffer = 1

	_, slow := srv.subscribe(nil)
	_, filtered := srv.subscribe([]events.Kind{events.Claim})

	srv.Publish(events.Event{Seq: 1, Kind: events.Lend})
	srv.Publish(events.Event{Seq: 2, Kind: events.Lend})

	select {
	case <-slow.lagged:
	default:
		t.Fatal("slow subscriber kept")
	}
	assert.Equal(t, uint64(1), (<-slow.ch).Seq)

	// Kinds it does not want never count against a subscriber.
	select {
	case <-filtered.lagged:
		t.Fatal("filtered subscriber dropped")
	default:
	}
	assert.Equal(t, 1, srv.Subscribers())
}
