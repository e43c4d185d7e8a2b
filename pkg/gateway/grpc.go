package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/can-dht/canpeer/pkg/client"
	"github.com/can-dht/canpeer/pkg/wire"
)

// codecName is the content-subtype gateway calls are encoded with
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

// GetRequest asks for the value of Key
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse carries the value found
type GetResponse struct {
	Value string `json:"value"`
}

// PutRequest stores Value under Key
type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutResponse acknowledges a store
type PutResponse struct {
	Text string `json:"text"`
}

// StateRequest asks for the entry peer's state
type StateRequest struct{}

// GatewayServer is the server API of the canpeer.Gateway service
type GatewayServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Put(context.Context, *PutRequest) (*PutResponse, error)
	State(context.Context, *StateRequest) (*wire.StateReport, error)
}

const (
	serviceName     = "canpeer.Gateway"
	getMethodName   = "/" + serviceName + "/Get"
	putMethodName   = "/" + serviceName + "/Put"
	stateMethodName = "/" + serviceName + "/State"
)

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethodName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Get(ctx, req.(*GetRequest))
	})
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethodName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).Put(ctx, req.(*PutRequest))
	})
}

func stateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).State(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: stateMethodName}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(GatewayServer).State(ctx, req.(*StateRequest))
	})
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "State", Handler: stateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "canpeer/gateway",
}

// RegisterGatewayServer registers srv with a gRPC server
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&gatewayServiceDesc, srv)
}

type grpcGateway struct {
	backend Backend
	logger  logrus.FieldLogger
}

// NewGRPCServer returns a gRPC server with the gateway service registered
func NewGRPCServer(backend Backend, logger logrus.FieldLogger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	g := &grpcGateway{backend: backend, logger: logger.WithField("gateway", "grpc")}

	opts = append(opts, grpc.UnaryInterceptor(g.logCalls))
	s := grpc.NewServer(opts...)
	RegisterGatewayServer(s, g)
	return s
}

func (g *grpcGateway) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	log := g.logger.WithFields(logrus.Fields{
		"method":   info.FullMethod,
		"code":     status.Code(err),
		"duration": time.Since(start),
	})
	if err != nil {
		log.WithError(err).Debug("call failed")
	} else {
		log.Debug("call")
	}
	return resp, err
}

func (g *grpcGateway) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	value, err := g.backend.Get(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetResponse{Value: value}, nil
}

func (g *grpcGateway) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	if err := g.backend.Put(ctx, req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &PutResponse{Text: wire.TextStored}, nil
}

func (g *grpcGateway) State(ctx context.Context, _ *StateRequest) (*wire.StateReport, error) {
	report, err := g.backend.State(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, client.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, client.ErrNoRoute):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, client.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, client.ErrRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps gateway status codes back onto the client errors
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return client.ErrNotFound
	case codes.Unavailable:
		return client.ErrNoRoute
	case codes.DeadlineExceeded:
		return client.ErrTimeout
	case codes.FailedPrecondition:
		return client.ErrRejected
	default:
		return err
	}
}

// GatewayClient calls the canpeer.Gateway service. It implements Backend,
// so a gateway can relay to another gateway.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

var _ Backend = (*GatewayClient)(nil)

// NewGatewayClient wraps an established connection
func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

func (c *GatewayClient) Get(ctx context.Context, key string) (string, error) {
	out := new(GetResponse)
	if err := c.cc.Invoke(ctx, getMethodName, &GetRequest{Key: key}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return "", fromStatus(err)
	}
	return out.Value, nil
}

func (c *GatewayClient) Put(ctx context.Context, key, value string) error {
	out := new(PutResponse)
	if err := c.cc.Invoke(ctx, putMethodName, &PutRequest{Key: key, Value: value}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *GatewayClient) State(ctx context.Context) (*wire.StateReport, error) {
	out := new(wire.StateReport)
	if err := c.cc.Invoke(ctx, stateMethodName, &StateRequest{}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}
