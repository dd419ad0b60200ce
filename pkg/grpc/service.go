package grpc

import (
	"context"
	"math/big"

	"google.golang.org/grpc"

	"github.com/luxfi/lend/pkg/events"
	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/lending"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lend.v1.LendingService"

type Empty struct{}

type PositionRequest struct {
	PositionID uint64 `json:"positionId"`
}

type PositionsReply struct {
	Positions []ledger.Position `json:"positions"`
}

type LoanRequest struct {
	LoanID uint64 `json:"loanId"`
}

type LoansRequest struct {
	// Borrower filters by hex address when set.
	Borrower string `json:"borrower,omitempty"`
	OpenOnly bool   `json:"openOnly,omitempty"`
}

type LoansReply struct {
	Loans []lending.Loan `json:"loans"`
}

type PriceReply struct {
	Price     *big.Int `json:"price"`
	Precision uint64   `json:"precision"`
}

type UpdatePriceRequest struct {
	Caller string   `json:"caller"`
	Price  *big.Int `json:"price"`
}

type HealthReply struct {
	Undercollateralized bool   `json:"undercollateralized"`
	LoanID              uint64 `json:"loanId"`
}

type LiquidatableReply struct {
	LoanIDs []uint64 `json:"loanIds"`
}

type PingReply struct {
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type StreamEventsRequest struct {
	// Kinds limits the stream; empty streams every kind.
	Kinds []events.Kind `json:"kinds,omitempty"`
}

// LendingServiceServer is the server API for the lending service.
type LendingServiceServer interface {
	GetPosition(context.Context, *PositionRequest) (*ledger.Position, error)
	ListPositions(context.Context, *Empty) (*PositionsReply, error)
	GetLoan(context.Context, *LoanRequest) (*lending.Loan, error)
	ListLoans(context.Context, *LoansRequest) (*LoansReply, error)
	GetPrice(context.Context, *Empty) (*PriceReply, error)
	UpdatePrice(context.Context, *UpdatePriceRequest) (*PriceReply, error)
	GetStats(context.Context, *Empty) (*lending.Stats, error)
	IsUndercollateralized(context.Context, *LoanRequest) (*HealthReply, error)
	ListLiquidatable(context.Context, *Empty) (*LiquidatableReply, error)
	Ping(context.Context, *Empty) (*PingReply, error)
	StreamEvents(*StreamEventsRequest, EventStream) error
}

// EventStream is the server side of StreamEvents.
type EventStream interface {
	Send(*events.Event) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(ev *events.Event) error {
	return s.ServerStream.SendMsg(ev)
}

func unary[Req, Resp any](name string, call func(LendingServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LendingServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(LendingServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the lending service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LendingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetPosition", LendingServiceServer.GetPosition),
		unary("ListPositions", LendingServiceServer.ListPositions),
		unary("GetLoan", LendingServiceServer.GetLoan),
		unary("ListLoans", LendingServiceServer.ListLoans),
		unary("GetPrice", LendingServiceServer.GetPrice),
		unary("UpdatePrice", LendingServiceServer.UpdatePrice),
		unary("GetStats", LendingServiceServer.GetStats),
		unary("IsUndercollateralized", LendingServiceServer.IsUndercollateralized),
		unary("ListLiquidatable", LendingServiceServer.ListLiquidatable),
		unary("Ping", LendingServiceServer.Ping),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "StreamEvents",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				in := new(StreamEventsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(LendingServiceServer).StreamEvents(in, &eventStream{stream})
			},
			ServerStreams: true,
		},
	},
	Metadata: "lend/v1/lending.json",
}

// RegisterLendingServiceServer registers srv on s.
func RegisterLendingServiceServer(s grpc.ServiceRegistrar, srv LendingServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the lending service over a connection that uses the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// DialOptions returns the call options every client connection needs.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))}
}

func invoke[T any](ctx context.Context, c *Client, method string, in interface{}) (*T, error) {
	out := new(T)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetPosition(ctx context.Context, id uint64) (*ledger.Position, error) {
	return invoke[ledger.Position](ctx, c, "GetPosition", &PositionRequest{PositionID: id})
}

func (c *Client) ListPositions(ctx context.Context) (*PositionsReply, error) {
	return invoke[PositionsReply](ctx, c, "ListPositions", &Empty{})
}

func (c *Client) GetLoan(ctx context.Context, id uint64) (*lending.Loan, error) {
	return invoke[lending.Loan](ctx, c, "GetLoan", &LoanRequest{LoanID: id})
}

func (c *Client) ListLoans(ctx context.Context, in *LoansRequest) (*LoansReply, error) {
	return invoke[LoansReply](ctx, c, "ListLoans", in)
}

func (c *Client) GetPrice(ctx context.Context) (*PriceReply, error) {
	return invoke[PriceReply](ctx, c, "GetPrice", &Empty{})
}

func (c *Client) UpdatePrice(ctx context.Context, in *UpdatePriceRequest) (*PriceReply, error) {
	return invoke[PriceReply](ctx, c, "UpdatePrice", in)
}

func (c *Client) GetStats(ctx context.Context) (*lending.Stats, error) {
	return invoke[lending.Stats](ctx, c, "GetStats", &Empty{})
}

func (c *Client) IsUndercollateralized(ctx context.Context, id uint64) (*HealthReply, error) {
	return invoke[HealthReply](ctx, c, "IsUndercollateralized", &LoanRequest{LoanID: id})
}

func (c *Client) ListLiquidatable(ctx context.Context) (*LiquidatableReply, error) {
	return invoke[LiquidatableReply](ctx, c, "ListLiquidatable", &Empty{})
}

func (c *Client) Ping(ctx context.Context) (*PingReply, error) {
	return invoke[PingReply](ctx, c, "Ping", &Empty{})
}

// EventReceiver is the client side of StreamEvents.
type EventReceiver struct {
	grpc.ClientStream
}

func (r *EventReceiver) Recv() (*events.Event, error) {
	ev := new(events.Event)
	if err := r.ClientStream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// StreamEvents subscribes to committed pool events until ctx ends.
func (c *Client) StreamEvents(ctx context.Context, in *StreamEventsRequest) (*EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/StreamEvents", grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream}, nil
}
