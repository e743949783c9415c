// Package rpc implements the claim change service over gRPC: a client that exposes the remote
// streams as a source.Source and a server that publishes any source.Source.
package rpc

import (
	"context"
	"fmt"

	"github.com/treeverse/claimload/pkg/claim"
	"google.golang.org/grpc"
)

const ServiceName = "rda.v1.ClaimChangeService"

type VersionRequest struct{}

type VersionResponse struct {
	Version string `json:"version"`
}

type ClaimRequest struct {
	Since uint64 `json:"since"`
}

// ClaimStream is the server side of a claim change stream.
type ClaimStream interface {
	Send(ev *claim.ChangeEvent) error
	grpc.ServerStream
}

type ClaimChangeServer interface {
	GetVersion(ctx context.Context, req *VersionRequest) (*VersionResponse, error)
	GetFissClaims(req *ClaimRequest, stream ClaimStream) error
	GetMcsClaims(req *ClaimRequest, stream ClaimStream) error
}

// streamMethods maps each claim type to its server-streaming method.
var streamMethods = map[claim.Type]string{
	claim.TypeFiss: "GetFissClaims",
	claim.TypeMcs:  "GetMcsClaims",
}

func fullMethod(name string) string {
	return fmt.Sprintf("/%s/%s", ServiceName, name)
}

type claimStream struct {
	grpc.ServerStream
}

func (s *claimStream) Send(ev *claim.ChangeEvent) error {
	return s.SendMsg(ev)
}

func streamHandler(call func(ClaimChangeServer, *ClaimRequest, ClaimStream) error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		req := new(ClaimRequest)
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return call(srv.(ClaimChangeServer), req, &claimStream{ServerStream: stream})
	}
}

func getVersionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(VersionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClaimChangeServer).GetVersion(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetVersion")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClaimChangeServer).GetVersion(ctx, req.(*VersionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc describes the claim change service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ClaimChangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetVersion", Handler: getVersionHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "GetFissClaims",
			ServerStreams: true,
			Handler: streamHandler(func(s ClaimChangeServer, req *ClaimRequest, stream ClaimStream) error {
				return s.GetFissClaims(req, stream)
			}),
		},
		{
			StreamName:    "GetMcsClaims",
			ServerStreams: true,
			Handler: streamHandler(func(s ClaimChangeServer, req *ClaimRequest, stream ClaimStream) error {
				return s.GetMcsClaims(req, stream)
			}),
		},
	},
}

func RegisterClaimChangeServer(s grpc.ServiceRegistrar, srv ClaimChangeServer) {
	s.RegisterService(&ServiceDesc, srv)
}
