package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/luxfi/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/lending"
)

// Recorder observes every handled call.
type Recorder interface {
	RecordRequest(method string, d time.Duration, err error)
}

// Server implements LendingServiceServer over a pool. It is also an
// events.Publisher feeding StreamEvents subscribers.
type Server struct {
	pool     *lending.Pool
	logger   log.Logger
	recorder Recorder

	subs       map[uint64]*subscriber
	nextSub    uint64
	subsMu     sync.Mutex
	subsBuffer int
	done       chan struct{}
	closeOnce  sync.Once
}

type subscriber struct {
	kinds map[events.Kind]bool
	ch    chan events.Event
	// lagged is closed when the subscriber falls behind and is dropped.
	lagged chan struct{}
}

// NewServer creates a new gRPC server
func NewServer(pool *lending.Pool, logger log.Logger, recorder Recorder) *Server {
	return &Server{
		pool:       pool,
		logger:     logger,
		recorder:   recorder,
		subs:       make(map[uint64]*subscriber),
		subsBuffer: 256,
		done:       make(chan struct{}),
	}
}

// Close ends every open event stream.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// GetPosition returns a position, dropped or live
func (s *Server) GetPosition(ctx context.Context, req *PositionRequest) (*ledger.Position, error) {
	pos, err := s.pool.Position(req.PositionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pos, nil
}

// ListPositions returns the live positions in FIFO order
func (s *Server) ListPositions(ctx context.Context, _ *Empty) (*PositionsReply, error) {
	return &PositionsReply{Positions: s.pool.Positions()}, nil
}

// GetLoan retrieves a loan by ID
func (s *Server) GetLoan(ctx context.Context, req *LoanRequest) (*lending.Loan, error) {
	loan, err := s.pool.Loan(req.LoanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &loan, nil
}

// ListLoans returns loans, optionally for one borrower or only open ones
func (s *Server) ListLoans(ctx context.Context, req *LoansRequest) (*LoansReply, error) {
	var borrower common.Address
	if req.Borrower != "" {
		if !common.IsHexAddress(req.Borrower) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid borrower %q", req.Borrower)
		}
		borrower = common.HexToAddress(req.Borrower)
	}

	loans := make([]lending.Loan, 0)
	for _, l := range s.pool.Loans() {
		if req.Borrower != "" && l.Borrower != borrower {
			continue
		}
		if req.OpenOnly && !l.Open {
			continue
		}
		loans = append(loans, l)
	}
	return &LoansReply{Loans: loans}, nil
}

// GetPrice returns the last broadcast price
func (s *Server) GetPrice(ctx context.Context, _ *Empty) (*PriceReply, error) {
	price, err := s.pool.Price()
	if err != nil {
		return nil, toStatus(err)
	}
	return &PriceReply{Price: price, Precision: s.pool.Config().PricePrecision}, nil
}

// UpdatePrice lets the broadcaster push a new price
func (s *Server) UpdatePrice(ctx context.Context, req *UpdatePriceRequest) (*PriceReply, error) {
	if !common.IsHexAddress(req.Caller) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid caller %q", req.Caller)
	}
	if err := s.pool.UpdatePrice(common.HexToAddress(req.Caller), req.Price); err != nil {
		return nil, toStatus(err)
	}
	return s.GetPrice(ctx, &Empty{})
}

// GetStats summarizes the pool
func (s *Server) GetStats(ctx context.Context, _ *Empty) (*lending.Stats, error) {
	st := s.pool.Stats()
	return &st, nil
}

// IsUndercollateralized reports whether a loan can be liquidated
func (s *Server) IsUndercollateralized(ctx context.Context, req *LoanRequest) (*HealthReply, error) {
	under, err := s.pool.IsUndercollateralized(req.LoanID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HealthReply{Undercollateralized: under, LoanID: req.LoanID}, nil
}

// ListLiquidatable returns the open loans below the liquidation threshold
func (s *Server) ListLiquidatable(ctx context.Context, _ *Empty) (*LiquidatableReply, error) {
	ids := s.pool.Liquidatable()
	if ids == nil {
		ids = []uint64{}
	}
	return &LiquidatableReply{LoanIDs: ids}, nil
}

// Ping responds to ping requests
func (s *Server) Ping(ctx context.Context, _ *Empty) (*PingReply, error) {
	return &PingReply{
		Timestamp: time.Now().Unix(),
		Message:   "pong",
	}, nil
}

// StreamEvents streams committed pool events until the client goes away.
// A subscriber that falls behind is cut off with ResourceExhausted.
func (s *Server) StreamEvents(req *StreamEventsRequest, stream EventStream) error {
	id, sub := s.subscribe(req.Kinds)
	defer s.unsubscribe(id)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-s.done:
			return status.Error(codes.Unavailable, "server shutting down")
		case <-sub.lagged:
			return status.Error(codes.ResourceExhausted, "event stream fell behind")
		case ev := <-sub.ch:
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}

// Publish hands ev to every matching stream without blocking.
func (s *Server) Publish(ev events.Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for id, sub := range s.subs {
		if len(sub.kinds) > 0 && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("Dropping slow event stream", "subscriber", id)
			close(sub.lagged)
			delete(s.subs, id)
		}
	}
}

func (s *Server) subscribe(kinds []events.Kind) (uint64, *subscriber) {
	sub := &subscriber{
		kinds:  make(map[events.Kind]bool, len(kinds)),
		ch:     make(chan events.Event, s.subsBuffer),
		lagged: make(chan struct{}),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	return id, sub
}

func (s *Server) unsubscribe(id uint64) {
	s.subsMu.Lock()
	delete(s.subs, id)
	s.subsMu.Unlock()
}

// Subscribers reports the number of open event streams.
func (s *Server) Subscribers() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}

// UnaryInterceptor logs and records every unary call.
func (s *Server) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.recorder != nil {
		s.recorder.RecordRequest(info.FullMethod, time.Since(start), err)
	}
	if err != nil {
		s.logger.Debug("gRPC call failed", "method", info.FullMethod, "error", err)
	}
	return resp, err
}

// NewGRPCServer builds a grpc.Server with the lending and health services.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append([]grpc.ServerOption{grpc.UnaryInterceptor(srv.UnaryInterceptor)}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterLendingServiceServer(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{lending.ErrExternalTransferFailed, codes.Aborted},
	{lending.ErrInvalidAmount, codes.InvalidArgument},
	{lending.ErrInvalidPrice, codes.InvalidArgument},
	{lending.ErrUnknownPosition, codes.NotFound},
	{lending.ErrUnknownLoan, codes.NotFound},
	{lending.ErrUnauthorized, codes.PermissionDenied},
	{lending.ErrNoLiquidity, codes.FailedPrecondition},
	{lending.ErrInsufficientLiquidity, codes.FailedPrecondition},
	{lending.ErrNotUndercollateralized, codes.FailedPrecondition},
	{lending.ErrPriceNotSet, codes.FailedPrecondition},
	{lending.ErrNothingToClaim, codes.FailedPrecondition},
}

// toStatus maps pool errors onto gRPC status codes.
func toStatus(err error) error {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// StartGRPCServer serves srv on addr until ctx ends.
func StartGRPCServer(ctx context.Context, addr string, srv *Server, logger log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	gs, hs := NewGRPCServer(srv)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.Close()
		gs.GracefulStop()
	}()

	logger.Info("gRPC server started", "addr", addr)
	return gs.Serve(lis)
}
