package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// jsonCodec carries the LedgerService messages as JSON. Clients select it
// with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// CodecName is the gRPC content subtype of the JSON codec.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "fcash.v1.LedgerService"

// unary builds a method descriptor for a handler taking *Req.
func unary[Req any, Resp any](method string, call func(LedgerServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServer.Submit),
		unary("GetAccount", LedgerServer.GetAccount),
		unary("GetMarkets", LedgerServer.GetMarkets),
		unary("GetTradeHistory", LedgerServer.GetTradeHistory),
		unary("GetJournalHistory", LedgerServer.GetJournalHistory),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fcash/v1/ledger",
}

// Register adds svc to s as fcash.v1.LedgerService.
func Register(s grpc.ServiceRegistrar, svc LedgerServer) {
	s.RegisterService(&ledgerServiceDesc, svc)
}

// Invoke calls method on a LedgerService connection using the JSON codec.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, method string, in, out any) error {
	return cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, grpc.CallContentSubtype(CodecName))
}
