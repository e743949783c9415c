package cmd

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/treeverse/claimload/pkg/config"
	"github.com/treeverse/claimload/pkg/idcache"
	"github.com/treeverse/claimload/pkg/idhash"
	"github.com/treeverse/claimload/pkg/logging"
	"github.com/treeverse/claimload/pkg/pipeline"
	"github.com/treeverse/claimload/pkg/sink"
	"github.com/treeverse/claimload/pkg/source"
	sourcefactory "github.com/treeverse/claimload/pkg/source/factory"
	"github.com/treeverse/claimload/pkg/store"
	_ "github.com/treeverse/claimload/pkg/store/postgres"
	_ "github.com/treeverse/claimload/pkg/store/sqlite"
	"github.com/treeverse/claimload/pkg/transform"
)

// app holds what every ingestion run shares: the source, the metrics registry and the recipe
// for opening sinks.
type app struct {
	cfg      *config.Config
	registry *prometheus.Registry
	source   source.Source
	deps     pipeline.SinkDeps
	metrics  *pipeline.Metrics
	log      logging.Logger
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func openStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (store.Store, error) {
	p := cfg.GetStoreParams()
	p.Registerer = reg
	return store.Open(ctx, p)
}

func newApp(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*app, error) {
	log := logging.FromContext(ctx)
	hasher, err := idhash.New(cfg.GetHashingConfig())
	if err != nil {
		return nil, err
	}
	src, err := sourcefactory.BuildSource(ctx, cfg.GetSourceParams(), clock.WallClock)
	if err != nil {
		return nil, fmt.Errorf("build source: %w", err)
	}
	return &app{
		cfg:      cfg,
		registry: reg,
		source:   src,
		deps: pipeline.SinkDeps{
			OpenStore: func(ctx context.Context) (store.Store, error) {
				return openStore(ctx, cfg, reg)
			},
			Hasher:             hasher,
			PersistIdentifiers: cfg.GetPersistIdentifiers(),
			Tagger:             transform.NoopTagger{},
			ErrorLimit:         cfg.GetErrorLimit(),
			ShutdownTimeout:    cfg.GetShutdownTimeout(),
			SinkMetrics:        sink.NewMetrics(reg),
			IdentifierMetrics:  idcache.NewMetrics(reg),
			Clock:              clock.WallClock,
			Logger:             log,
		},
		metrics: pipeline.NewMetrics(reg),
		log:     log,
	}, nil
}

// runJob ingests every configured claim type once.
func (a *app) runJob(ctx context.Context) ([]pipeline.Result, error) {
	job, err := pipeline.NewJob(a.cfg.GetJobConfig(), a.source, a.deps.Factory, pipeline.JobOptions{
		Metrics: a.metrics,
		Clock:   clock.WallClock,
		Logger:  a.log,
	})
	if err != nil {
		return nil, err
	}
	return job.Run(ctx)
}

func (a *app) Close() error {
	if err := a.source.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	return nil
}
