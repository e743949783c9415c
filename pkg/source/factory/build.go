package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/rpc"
	"github.com/treeverse/claimload/pkg/source"
	"github.com/treeverse/claimload/pkg/source/params"
	"github.com/treeverse/claimload/pkg/source/random"
	"github.com/treeverse/claimload/pkg/source/replay"
)

const (
	SourceTypeGRPC   = "grpc"
	SourceTypeFile   = "file"
	SourceTypeS3     = "s3"
	SourceTypeRandom = "random"
)

var (
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrMissingParams     = errors.New("missing source parameters")
)

// SourceTypes lists the supported values of params.Source.Type.
var SourceTypes = []string{SourceTypeGRPC, SourceTypeFile, SourceTypeS3, SourceTypeRandom}

func BuildSource(ctx context.Context, c params.Source, clk clock.Clock) (source.Source, error) {
	log := logging.FromContext(ctx).WithField("type", c.Type)
	log.Info("initialize change stream source")
	switch c.Type {
	case SourceTypeGRPC:
		if c.GRPC == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, c.Type)
		}
		client, err := rpc.NewClient(*c.GRPC, rpc.ClientOptions{Clock: clk, Logger: log})
		if err != nil {
			return nil, err
		}
		return client, nil
	case SourceTypeFile:
		if c.File == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, c.Type)
		}
		objects, err := replay.NewLocalStore(c.File.Dir)
		if err != nil {
			return nil, err
		}
		return replay.NewSource(objects, c.Version), nil
	case SourceTypeS3:
		if c.S3 == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, c.Type)
		}
		src, err := buildS3Source(ctx, *c.S3, c.Version)
		if err != nil {
			return nil, err
		}
		return src, nil
	case SourceTypeRandom:
		if c.Random == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingParams, c.Type)
		}
		src, err := random.NewSource(*c.Random, c.Version)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("%w '%s' please choose one of %s", ErrUnknownSourceType, c.Type, SourceTypes)
	}
}

func buildS3Source(ctx context.Context, p params.S3, version string) (*replay.Source, error) {
	client, err := replay.BuildS3Client(ctx, p)
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).WithFields(logging.Fields{
		"bucket": p.Bucket,
		"prefix": p.Prefix,
	}).Info("initialized s3 replay source")
	return replay.NewSource(replay.NewS3Store(client, p.Bucket, p.Prefix), version), nil
}
