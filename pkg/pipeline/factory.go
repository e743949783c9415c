package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/store"
	"github.com/treeverse/claimload/pkg/transform"
)

// SinkDeps wires a sink per writer: a dedicated store connection, an identifier cache bound to it
// and the claim type's transformer.
type SinkDeps struct {
	OpenStore func(ctx context.Context) (store.Store, error)
	Hasher    *idhash.Hasher
	// PersistIdentifiers keeps identifier hashes in the store instead of computing them per process.
	PersistIdentifiers bool
	Tagger             transform.Tagger
	ErrorLimit         int
	ShutdownTimeout    time.Duration
	SinkMetrics        *sink.Metrics
	IdentifierMetrics  *idcache.Metrics
	Clock              clock.Clock
	Logger             logging.Logger
}

// Factory returns a SinkFactory for claimType.
func (d SinkDeps) Factory(claimType claim.Type) SinkFactory {
	return func(ctx context.Context, writer int, autoUpdateLastSeq bool) (*sink.Sink, error) {
		s, err := d.OpenStore(ctx)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		sk, err := d.newSink(s, claimType, writer, autoUpdateLastSeq)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return sk, nil
	}
}

func (d SinkDeps) newSink(s store.Store, claimType claim.Type, writer int, autoUpdateLastSeq bool) (*sink.Sink, error) {
	log := d.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithField(logging.WriterFieldKey, writer)
	idOpts := idcache.Options{Metrics: d.IdentifierMetrics, Logger: log}
	var (
		ids idcache.Cache
		err error
	)
	if d.PersistIdentifiers {
		ids, err = idcache.NewPersisted(s, d.Hasher, idOpts)
	} else {
		ids, err = idcache.NewComputed(d.Hasher, idOpts)
	}
	if err != nil {
		return nil, err
	}
	tr, err := transform.ForClaimType(claimType, transform.Options{Identifiers: ids, Clock: d.Clock})
	if err != nil {
		return nil, err
	}
	return sink.New(s, sink.Options{
		ClaimType:         claimType,
		Transformer:       tr,
		Tagger:            d.Tagger,
		AutoUpdateLastSeq: autoUpdateLastSeq,
		ErrorLimit:        d.ErrorLimit,
		ShutdownTimeout:   d.ShutdownTimeout,
		Metrics:           d.SinkMetrics,
		Clock:             d.Clock,
		Logger:            log,
	})
}
