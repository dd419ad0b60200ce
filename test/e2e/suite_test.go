// Package e2e drives a complete in-process lendd stack: the pool with its
// store and publishers behind the JSON-RPC, WebSocket and gRPC surfaces.
package e2e

import (
	"context"
	"math/big"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/events"
	lendgrpc "github.com/luxfi/lend/pkg/grpc"
	"github.com/luxfi/lend/pkg/lending"
	"github.com/luxfi/lend/pkg/metrics"
	"github.com/luxfi/lend/pkg/store"
	"github.com/luxfi/lend/pkg/swap"
	"github.com/luxfi/lend/pkg/token"
	"github.com/luxfi/lend/pkg/websocket"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lux Lend E2E Suite")
}

var (
	custody     = common.HexToAddress("0x000000000000000000000000000000000000C0De")
	broadcaster = common.HexToAddress("0x00000000000000000000000000000000000B0Ad0")
	venueAddr   = common.HexToAddress("0x00000000000000000000000000000000000D0E5A")
	alice       = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob         = common.HexToAddress("0x2000000000000000000000000000000000000002")
	carol       = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// Stack is one node: tokens, venue, pool, store and every served surface.
type Stack struct {
	USDT, HUB *token.Memory
	Store     *store.Store
	Pool      *lending.Pool
	Events    *events.Recorder
	Metrics   *metrics.PoolMetrics
	RPC       *api.Client
	GRPC      *lendgrpc.Client
	WSURL     string

	ws      *websocket.Server
	grpcSrv *lendgrpc.Server
	closers []func()
}

func poolConfig() lending.Config {
	cfg := lending.DefaultConfig()
	cfg.Address = custody
	cfg.Broadcaster = broadcaster
	cfg.InitialPrice = big.NewInt(1_000_000)
	cfg.CollateralRatioBps = 20_000
	return cfg
}

// NewStack builds a node over db. A nil db gets a fresh in-memory store.
func NewStack(db *store.Store) *Stack {
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)
	if db == nil {
		db = store.NewMemory()
	}

	s := &Stack{
		USDT:    token.NewMemory("USDT"),
		HUB:     token.NewMemory("HUB"),
		Store:   db,
		Events:  &events.Recorder{},
		Metrics: metrics.NewPoolMetrics("lend_e2e"),
	}

	venue, err := swap.NewConstantProduct(venueAddr, s.USDT, s.HUB, 0)
	Expect(err).NotTo(HaveOccurred())
	Expect(s.USDT.Mint(venueAddr, big.NewInt(1_000_000_000))).To(Succeed())
	Expect(s.HUB.Mint(venueAddr, big.NewInt(1_000_000_000))).To(Succeed())

	s.ws = websocket.NewServer(statsOf(func() lending.Stats { return s.Pool.Stats() }), logger, websocket.DefaultConfig())
	s.ws.Run()

	publisher := events.Fanout{
		s.Events,
		s.Metrics,
		s.ws,
		events.PublisherFunc(func(ev events.Event) { s.grpcSrv.Publish(ev) }),
	}
	s.Pool, err = lending.NewPool(poolConfig(), s.USDT, s.HUB, venue,
		lending.WithLogger(logger),
		lending.WithPublisher(publisher),
		lending.WithJournal(db),
	)
	Expect(err).NotTo(HaveOccurred())
	s.grpcSrv = lendgrpc.NewServer(s.Pool, logger, s.Metrics)

	rpc := httptest.NewServer(api.NewJSONRPCServer(s.Pool, logger, api.WithFaucet(), api.WithRecorder(s.Metrics)))
	wsHTTP := httptest.NewServer(s.ws.Handler())
	s.RPC = api.NewClient(rpc.URL).WithHTTPClient(rpc.Client())
	s.WSURL = "ws" + strings.TrimPrefix(wsHTTP.URL, "http") + "/ws"

	lis := bufconn.Listen(1 << 20)
	gs, _ := lendgrpc.NewGRPCServer(s.grpcSrv)
	go gs.Serve(lis)
	opts := append(lendgrpc.DialOptions(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	conn, err := grpc.NewClient("passthrough:///lendd", opts...)
	Expect(err).NotTo(HaveOccurred())
	s.GRPC = lendgrpc.NewClient(conn)

	s.closers = []func(){
		func() { conn.Close() },
		s.grpcSrv.Close,
		gs.Stop,
		wsHTTP.Close,
		s.ws.Stop,
		rpc.Close,
	}
	return s
}

// Close stops every surface. The store stays open so a second stack can
// restore from it.
func (s *Stack) Close() {
	for _, c := range s.closers {
		c()
	}
}

// Fund mints amount of both tokens to owner and approves the custody for it
// through the RPC surface.
func (s *Stack) Fund(ctx context.Context, owner common.Address, amount string) {
	for _, sym := range []string{"USDT", "HUB"} {
		_, err := s.RPC.Mint(ctx, sym, owner, amount)
		Expect(err).NotTo(HaveOccurred())
		_, err = s.RPC.Approve(ctx, sym, owner, amount)
		Expect(err).NotTo(HaveOccurred())
	}
}

type statsOf func() lending.Stats

func (f statsOf) Stats() lending.Stats { return f() }
