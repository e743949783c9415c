package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/source"
	"github.com/treeverse/claimload/pkg/source/params"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	cancelReasonIdle   = "idle timeout"
	cancelReasonClosed = "stream closed by consumer"
)

var ErrMissingHost = errors.New("grpc source: host is required")

type ClientOptions struct {
	Clock  clock.Clock
	Logger logging.Logger
	// Target replaces host:port, for use with custom resolvers or dialers.
	Target string
	// DialOptions are appended to the options derived from the connection params.
	DialOptions []grpc.DialOption
}

// Client reads claim change streams from a remote service.
type Client struct {
	conn   *grpc.ClientConn
	params params.GRPC
	clock  clock.Clock
	log    logging.Logger
}

// bearerToken sends the auth token with every call.
type bearerToken struct {
	token    string
	insecure bool
}

func (b bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authorizationHeader: "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool { return !b.insecure }

// NewClient connects lazily to the service described by p.
func NewClient(p params.GRPC, opts ClientOptions) (*Client, error) {
	target := opts.Target
	if target == "" {
		if p.Host == "" {
			return nil, ErrMissingHost
		}
		target = net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	}
	var dialOpts []grpc.DialOption
	if p.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	if p.AuthToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken{token: p.AuthToken, insecure: p.Insecure}))
	}
	if p.MaxIdle > 0 {
		dialOpts = append(dialOpts, grpc.WithIdleTimeout(p.MaxIdle))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc source %s: %w", target, err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Client{
		conn:   conn,
		params: p,
		clock:  opts.Clock,
		log:    opts.Logger.WithFields(logging.Fields{"source": "grpc", "target": target}),
	}, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	resp := new(VersionResponse)
	err := c.conn.Invoke(ctx, fullMethod("GetVersion"), &VersionRequest{}, resp, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return "", &source.Error{Op: "version", Err: err}
	}
	return resp.Version, nil
}

// Open starts the server stream for claimType. The returned stream implements source.Canceler.
func (c *Client) Open(ctx context.Context, claimType claim.Type, since uint64) (source.Stream, error) {
	method, ok := streamMethods[claimType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrUnsupportedClaimType, claimType)
	}
	streamCtx, cancel := context.WithCancelCause(ctx)
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	cs, err := c.conn.NewStream(streamCtx, desc, fullMethod(method), grpc.CallContentSubtype(CodecName))
	if err != nil {
		cancel(err)
		return nil, &source.Error{Op: "open " + method, Err: err}
	}
	if err := cs.SendMsg(&ClaimRequest{Since: since}); err != nil {
		cancel(err)
		return nil, &source.Error{Op: "open " + method, Err: err}
	}
	if err := cs.CloseSend(); err != nil {
		cancel(err)
		return nil, &source.Error{Op: "open " + method, Err: err}
	}
	f := &streamFetcher{
		ctx:          streamCtx,
		cancel:       cancel,
		results:      make(chan received),
		clock:        c.clock,
		maxIdle:      c.params.MaxIdle,
		minIdleDrop:  c.params.MinIdleBeforeDrop,
		lastActivity: c.clock.Now(),
		log: c.log.WithFields(logging.Fields{
			logging.ClaimTypeFieldKey:      claimType,
			logging.SequenceNumberFieldKey: since,
		}),
	}
	go f.receive(cs)
	return source.NewStream(f, since), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type received struct {
	ev  *claim.ChangeEvent
	err error
}

// streamFetcher pumps messages from the gRPC stream so Fetch can wait on them with an idle timer.
type streamFetcher struct {
	ctx          context.Context
	cancel       context.CancelCauseFunc
	results      chan received
	clock        clock.Clock
	maxIdle      time.Duration
	minIdleDrop  time.Duration
	lastActivity time.Time
	log          logging.Logger
	cancelOnce   sync.Once
	cancelled    atomic.Bool
	done         bool
}

func (f *streamFetcher) receive(cs grpc.ClientStream) {
	for {
		ev := new(claim.ChangeEvent)
		err := cs.RecvMsg(ev)
		if err != nil {
			ev = nil
		}
		select {
		case f.results <- received{ev: ev, err: err}:
		case <-f.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (f *streamFetcher) Fetch(ctx context.Context) (*claim.ChangeEvent, error) {
	if f.done {
		return nil, source.ErrEndOfStream
	}
	var idle <-chan time.Time
	if f.maxIdle > 0 {
		timer := f.clock.NewTimer(f.maxIdle)
		defer timer.Stop()
		idle = timer.Chan()
	}
	select {
	case r := <-f.results:
		if r.err == nil {
			f.lastActivity = f.clock.Now()
			return r.ev, nil
		}
		return nil, f.endOrError(r.err)
	case <-idle:
		f.log.WithField("max_idle", f.maxIdle).Info("no events within idle timeout, ending stream")
		f.Cancel(cancelReasonIdle)
		f.done = true
		return nil, source.ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		f.done = true
		if f.cancelled.Load() {
			return nil, source.ErrEndOfStream
		}
		return nil, &source.Error{Op: "receive", Err: context.Cause(f.ctx)}
	}
}

func (f *streamFetcher) endOrError(err error) error {
	f.done = true
	if errors.Is(err, io.EOF) || f.cancelled.Load() {
		return source.ErrEndOfStream
	}
	idleFor := f.clock.Now().Sub(f.lastActivity)
	if f.minIdleDrop > 0 && idleFor >= f.minIdleDrop && dropped(err) {
		f.log.WithError(err).WithField("idle", idleFor).Info("connection dropped after idle period, ending stream")
		return source.ErrEndOfStream
	}
	return &source.Error{Op: "receive", Err: err}
}

// dropped reports whether err is the server or network closing the connection.
func dropped(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return true
	}
	return false
}

// Cancel tells the server the consumer is done, with reason recorded as the cancellation cause.
func (f *streamFetcher) Cancel(reason string) {
	f.cancelOnce.Do(func() {
		f.cancelled.Store(true)
		f.log.WithField("reason", reason).Debug("cancelling stream")
		f.cancel(errors.New(reason))
	})
}

func (f *streamFetcher) Close() error {
	f.Cancel(cancelReasonClosed)
	return nil
}
