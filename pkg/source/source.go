// Package source defines the resumable change-stream abstraction the ingestion job reads from.
// Concrete variants live in sub-packages: replay (files and object storage), random (synthetic)
// and the gRPC client in pkg/rpc.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/treeverse/claimload/pkg/claim"
)

var (
	ErrEndOfStream          = errors.New("end of stream")
	ErrUnsupportedClaimType = errors.New("claim type not served by source")
	ErrStreamClosed         = errors.New("stream closed")
)

// Error reports a transport failure while reading a stream.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("source %s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Source opens change streams per claim type.
type Source interface {
	// Version returns the upstream API version recorded as the provenance of every claim.
	Version(ctx context.Context) (string, error)
	// Open returns a stream of events for claimType with sequence numbers at or after since.
	Open(ctx context.Context, claimType claim.Type, since uint64) (Stream, error)
	Close() error
}

// Stream is an ordered iterator over change events.
type Stream interface {
	// HasNext blocks until an event is available or the stream is over. It returns false at the
	// end of the stream and when reading failed; Next then reports which.
	HasNext(ctx context.Context) bool
	// Next returns the next event, ErrEndOfStream when exhausted, or an *Error on transport failure.
	Next(ctx context.Context) (*claim.ChangeEvent, error)
	Close() error
}

// Canceler is implemented by streams backed by a remote producer. Cancel tells the producer the
// consumer is done, unlike an abrupt disconnect.
type Canceler interface {
	Cancel(reason string)
}

// Fetcher reads raw events for NewStream. Fetch returns ErrEndOfStream when exhausted.
type Fetcher interface {
	Fetch(ctx context.Context) (*claim.ChangeEvent, error)
	Close() error
}

// NewStream adapts f into a Stream that skips events before since.
func NewStream(f Fetcher, since uint64) Stream {
	return &stream{fetcher: f, since: since}
}

type stream struct {
	fetcher Fetcher
	since   uint64
	next    *claim.ChangeEvent
	err     error
	closed  bool
}

func (s *stream) fill(ctx context.Context) {
	for s.next == nil && s.err == nil {
		if s.closed {
			s.err = ErrStreamClosed
			return
		}
		ev, err := s.fetcher.Fetch(ctx)
		switch {
		case err != nil:
			s.err = err
		case ev.Sequence >= s.since:
			s.next = ev
		}
	}
}

func (s *stream) HasNext(ctx context.Context) bool {
	s.fill(ctx)
	return s.next != nil
}

func (s *stream) Next(ctx context.Context) (*claim.ChangeEvent, error) {
	s.fill(ctx)
	if s.next == nil {
		return nil, s.err
	}
	ev := s.next
	s.next = nil
	return ev, nil
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.fetcher.Close()
}

// Cancel forwards to the fetcher when it talks to a remote producer.
func (s *stream) Cancel(reason string) {
	if c, ok := s.fetcher.(Canceler); ok {
		c.Cancel(reason)
	}
}

// SliceFetcher serves a fixed list of events.
type SliceFetcher struct {
	Events []*claim.ChangeEvent
	pos    int
}

func (f *SliceFetcher) Fetch(ctx context.Context) (*claim.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.pos >= len(f.Events) {
		return nil, ErrEndOfStream
	}
	ev := f.Events[f.pos]
	f.pos++
	return ev, nil
}

func (f *SliceFetcher) Close() error { return nil }

// Static is an in-memory Source, mostly useful for tests and for serving fixed data.
type Static struct {
	APIVersion string
	Events     map[claim.Type][]*claim.ChangeEvent
}

func (s *Static) Version(context.Context) (string, error) { return s.APIVersion, nil }

func (s *Static) Open(_ context.Context, claimType claim.Type, since uint64) (Stream, error) {
	events, ok := s.Events[claimType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedClaimType, claimType)
	}
	return NewStream(&SliceFetcher{Events: events}, since), nil
}

func (s *Static) Close() error { return nil }
