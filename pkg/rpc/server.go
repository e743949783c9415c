package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/source"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationHeader = "authorization"

type ServerOptions struct {
	// Version overrides the version reported by the source.
	Version string
	// Tokens lists the bearer tokens allowed to call the service. Empty allows everyone.
	Tokens []string
	Logger logging.Logger
}

// Server publishes a source.Source as a claim change service.
type Server struct {
	src     source.Source
	version string
	log     logging.Logger
}

func NewServer(src source.Source, opts ServerOptions) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Server{src: src, version: opts.Version, log: log.WithField(logging.ServiceNameFieldKey, ServiceName)}
}

// NewGRPCServer returns a grpc.Server with srv registered behind logging and token checks.
func NewGRPCServer(srv *Server, opts ServerOptions, extra ...grpc.ServerOption) *grpc.Server {
	auth := tokenAuthenticator(opts.Tokens)
	serverOpts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			LoggingUnaryServerInterceptor(srv.log),
			AuthenticationUnaryServerInterceptor(auth),
		),
		grpc.ChainStreamInterceptor(
			LoggingStreamServerInterceptor(srv.log),
			AuthenticationStreamServerInterceptor(auth),
		),
	}, extra...)
	s := grpc.NewServer(serverOpts...)
	RegisterClaimChangeServer(s, srv)
	return s
}

func (s *Server) GetVersion(ctx context.Context, _ *VersionRequest) (*VersionResponse, error) {
	if s.version != "" {
		return &VersionResponse{Version: s.version}, nil
	}
	v, err := s.src.Version(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &VersionResponse{Version: v}, nil
}

func (s *Server) GetFissClaims(req *ClaimRequest, stream ClaimStream) error {
	return s.serve(claim.TypeFiss, req, stream)
}

func (s *Server) GetMcsClaims(req *ClaimRequest, stream ClaimStream) error {
	return s.serve(claim.TypeMcs, req, stream)
}

func (s *Server) serve(claimType claim.Type, req *ClaimRequest, stream ClaimStream) error {
	ctx := stream.Context()
	log := s.log.WithContext(ctx).WithFields(logging.Fields{
		logging.ClaimTypeFieldKey:      claimType,
		logging.SequenceNumberFieldKey: req.Since,
	})
	events, err := s.src.Open(ctx, claimType, req.Since)
	if errors.Is(err, source.ErrUnsupportedClaimType) {
		return status.Error(codes.Unimplemented, err.Error())
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer func() { _ = events.Close() }()

	var sent int
	for events.HasNext(ctx) {
		ev, err := events.Next(ctx)
		if err != nil {
			break
		}
		if err := stream.Send(ev); err != nil {
			return err
		}
		sent++
	}
	_, err = events.Next(ctx)
	switch {
	case errors.Is(err, source.ErrEndOfStream):
		log.WithField("sent", sent).Debug("stream complete")
		return nil
	case ctx.Err() != nil:
		log.WithField("sent", sent).WithError(context.Cause(ctx)).Info("stream cancelled by client")
		return status.FromContextError(ctx.Err()).Err()
	default:
		log.WithError(err).Error("reading source")
		return status.Error(codes.Internal, err.Error())
	}
}

type authenticator func(ctx context.Context) error

func tokenAuthenticator(tokens []string) authenticator {
	return func(ctx context.Context) error {
		if len(tokens) == 0 {
			return nil
		}
		md, _ := metadata.FromIncomingContext(ctx)
		for _, v := range md.Get(authorizationHeader) {
			token, ok := strings.CutPrefix(v, "Bearer ")
			if !ok {
				continue
			}
			for _, allowed := range tokens {
				if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
					return nil
				}
			}
		}
		return status.Error(codes.Unauthenticated, "missing or invalid bearer token")
	}
}

func AuthenticationUnaryServerInterceptor(auth authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := auth(ctx); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

func AuthenticationStreamServerInterceptor(auth authenticator) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := auth(ss.Context()); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func LoggingUnaryServerInterceptor(log logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithContext(ctx).WithFields(logging.Fields{
			"method": info.FullMethod,
			"took":   time.Since(start),
			"code":   status.Code(err).String(),
		}).Debug("grpc call")
		return resp, err
	}
}

func LoggingStreamServerInterceptor(log logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		log.WithContext(ss.Context()).WithFields(logging.Fields{
			"method": info.FullMethod,
			"took":   time.Since(start),
			"code":   status.Code(err).String(),
		}).Debug("grpc stream")
		return err
	}
}
