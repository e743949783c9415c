package factory_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/rpc"
	"github.com/treeverse/claimload/pkg/source/factory"
	"github.com/treeverse/claimload/pkg/source/params"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/source/replay"
)

func TestBuildRandom(t *testing.T) {
	ctx := context.Background()
	src, err := factory.BuildSource(ctx, params.Source{
		Type:   factory.SourceTypeRandom,
		Random: &params.Random{Seed: 1, MaxToSend: 3},
	}, nil)
	require.NoError(t, err)
	require.IsType(t, &random.Source{}, src)
	v, err := src.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, random.DefaultVersion, v)

	_, err = factory.BuildSource(ctx, params.Source{
		Type:   factory.SourceTypeRandom,
		Random: &params.Random{},
	}, nil)
	require.ErrorIs(t, err, random.ErrInvalidMaxToSend)
}

func TestBuildFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, replay.ObjectName(claim.TypeFiss, 0, 0, false)))
	require.NoError(t, err)
	require.NoError(t, claim.WriteEvents(f, random.Generate(1, claim.TypeFiss, 1, 0)))
	require.NoError(t, f.Close())

	src, err := factory.BuildSource(ctx, params.Source{
		Type:    factory.SourceTypeFile,
		Version: "replay-1",
		File:    &params.File{Dir: dir},
	}, nil)
	require.NoError(t, err)
	v, err := src.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "replay-1", v)

	stream, err := src.Open(ctx, claim.TypeFiss, 0)
	require.NoError(t, err)
	require.True(t, stream.HasNext(ctx))
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Sequence)
	require.NoError(t, stream.Close())

	_, err = factory.BuildSource(ctx, params.Source{
		Type: factory.SourceTypeFile,
		File: &params.File{Dir: filepath.Join(dir, "missing")},
	}, nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildGRPC(t *testing.T) {
	src, err := factory.BuildSource(context.Background(), params.Source{
		Type: factory.SourceTypeGRPC,
		GRPC: &params.GRPC{Host: "localhost", Port: 1, Insecure: true},
	}, testclock.NewClock(random.Epoch))
	require.NoError(t, err)
	require.IsType(t, &rpc.Client{}, src)
	require.NoError(t, src.Close())

	_, err = factory.BuildSource(context.Background(), params.Source{
		Type: factory.SourceTypeGRPC,
		GRPC: &params.GRPC{Insecure: true},
	}, nil)
	require.ErrorIs(t, err, rpc.ErrMissingHost)
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	_, err := factory.BuildSource(ctx, params.Source{Type: "kafka"}, nil)
	require.ErrorIs(t, err, factory.ErrUnknownSourceType)
	for _, typ := range factory.SourceTypes {
		_, err := factory.BuildSource(ctx, params.Source{Type: typ}, nil)
		require.ErrorIs(t, err, factory.ErrMissingParams, typ)
	}
}
