package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sirosfoundation/go-msh/internal/cluster"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/dispatch"
	"github.com/sirosfoundation/go-msh/internal/notify"
	"github.com/sirosfoundation/go-msh/internal/scheduler"
	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/mongodb"
	"github.com/sirosfoundation/go-msh/internal/storage/sqlstore"
	"github.com/sirosfoundation/go-msh/pkg/metrics"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/reliability"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
	"github.com/sirosfoundation/go-msh/pkg/transport"
)

// node holds the components of one MSH process. Commands open only the
// parts they need, in order: storage, NATS, resolver, reliability.
type node struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	sql      *sqlstore.Store
	mongo    *mongodb.Store
	configs  resolver.ConfigurationStore
	history  storage.ConfigurationHistory
	payloads storage.PayloadStore

	nc       *nats.Conn
	js       jetstream.JetStream
	signaler *cluster.Signaler

	resolver resolver.Resolver

	queue     dispatch.Queue
	retry     *reliability.RetryService
	pull      *reliability.PullService
	msh       *msh.MSH
	scheduler *scheduler.Scheduler
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		metrics:  metrics.New(),
	}
	if err := n.metrics.Register(n.registry); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return n, nil
}

// openStorage connects the SQL store and, when configured, MongoDB. With
// MongoDB payloads always go to GridFS; PMode documents only when it is
// the configuration backend.
func (n *node) openStorage(ctx context.Context) error {
	sql, err := sqlstore.Open(&sqlstore.Config{
		Driver: n.cfg.Storage.SQL.Driver,
		DSN:    n.cfg.Storage.SQL.DSN,
	})
	if err != nil {
		return err
	}
	n.sql = sql
	n.configs, n.history, n.payloads = sql, sql, sql

	mc := n.cfg.Storage.MongoDB
	if mc.URI == "" {
		return nil
	}
	mongo, err := mongodb.NewStore(ctx, &mongodb.Config{
		URI:            mc.URI,
		Database:       mc.Database,
		GridFSBucket:   mc.GridFS.BucketName,
		ChunkSizeBytes: int32(mc.GridFS.ChunkSizeBytes),
		PollInterval:   mc.PollInterval,
	}, n.logger)
	if err != nil {
		return err
	}
	n.mongo = mongo
	n.payloads = mongo
	if n.cfg.Storage.ConfigurationBackend == config.BackendMongoDB {
		n.configs, n.history = mongo, mongo
	}
	n.logger.Info("MongoDB connected", "database", mc.Database,
		"configurations", n.cfg.Storage.ConfigurationBackend == config.BackendMongoDB)
	return nil
}

// openNATS connects to NATS. Without a URL the node runs standalone.
func (n *node) openNATS() error {
	if n.cfg.NATS.URL == "" {
		return nil
	}
	nc, err := nats.Connect(n.cfg.NATS.URL,
		nats.Name("mshd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", n.cfg.NATS.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("creating JetStream context: %w", err)
	}
	n.nc, n.js = nc, js
	n.signaler = cluster.NewSignaler(nc, n.cfg.NATS.ReloadSubject, n.logger)
	return nil
}

func (n *node) openResolver() error {
	opts := resolver.Options{
		Logger:                  n.logger,
		Metrics:                 n.metrics,
		LegacyAgreementFallback: n.cfg.Resolver.LegacyAgreementFallback,
		Naming:                  n.cfg.Resolver.Naming(),
	}
	if n.configs == resolver.ConfigurationStore(n.sql) {
		opts.Transactor = n.sql
	}
	if n.signaler != nil {
		opts.Signaler = n.signaler
	}

	switch n.cfg.Resolver.Strategy {
	case config.StrategyQuery:
		n.resolver = resolver.NewQueryResolver(n.sql, opts)
	default:
		n.resolver = resolver.NewCachingResolver(n.configs, opts)
	}
	if n.signaler != nil {
		n.signaler.Register(n.resolver)
	}
	return nil
}

// openReliability builds the delivery side: queue, in-flight markers,
// notifications, retry and pull services, the MSH and its scheduler.
func (n *node) openReliability(ctx context.Context) error {
	deps := reliability.Dependencies{
		Logs:          n.sql,
		Locks:         n.sql,
		Attempts:      n.sql,
		Payloads:      n.payloads,
		Legs:          n.resolver,
		Tx:            n.sql,
		Metrics:       n.metrics,
		Logger:        n.logger,
		BatchSize:     n.cfg.Dispatch.RetryBatchSize,
		StaleEnqueued: n.cfg.Dispatch.StaleEnqueuedAfter,
	}

	if n.js != nil {
		nc := n.cfg.NATS
		notifier := notify.NewJetStreamNotifier(n.js, nc.NotifySubjectPrefix, n.logger)
		if _, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     nc.NotifyStream,
			Subjects: notifier.Subjects(),
		}); err != nil {
			return fmt.Errorf("creating stream %s: %w", nc.NotifyStream, err)
		}
		kv, err := dispatch.EnsureBucket(ctx, n.js, nc.InFlightBucket, nc.InFlightTTL)
		if err != nil {
			return err
		}
		queue := dispatch.NewJetStreamQueue(n.js, dispatch.JetStreamConfig{
			Stream:  nc.OutboundStream,
			Subject: nc.OutboundSubject,
			Durable: nc.OutboundDurable,
		}, n.logger)
		if _, err := queue.Setup(ctx); err != nil {
			return err
		}
		deps.Notifier = notifier
		deps.InFlight = dispatch.NewKVRegistry(kv, n.signaler.Origin())
		n.queue = queue
	} else {
		deps.Notifier = notify.LogNotifier{Logger: n.logger}
		deps.InFlight = dispatch.NewMemoryRegistry()
		n.queue = dispatch.NewChannelQueue(n.cfg.Dispatch.QueueSize, n.logger)
	}
	deps.Queue = n.queue

	n.retry = reliability.NewRetryService(deps)
	n.pull = reliability.NewPullService(deps, n.retry)
	engine := reliability.NewEngine(deps, n.retry)

	m, err := msh.NewMSH(msh.MSHConfig{
		Resolver:    n.resolver,
		Engine:      engine,
		Pull:        n.pull,
		Logs:        n.sql,
		Tx:          n.sql,
		InFlight:    deps.InFlight,
		Queue:       n.queue,
		Transport:   transport.NewHTTPSClient(nil),
		Payloads:    storage.MessagePayloads{Store: n.payloads},
		Logger:      n.logger,
		WorkerCount: n.cfg.Dispatch.Workers,
		EventHandler: func(ev msh.MessageEvent) {
			n.logger.Debug("Message event", "type", ev.Type, "message_id", ev.MessageID)
		},
	})
	if err != nil {
		return err
	}
	n.msh = m

	n.scheduler, err = scheduler.New(n.cfg.Scheduler, n.retry, n.pull, n.logger)
	return err
}

// Close releases connections in reverse order of opening
func (n *node) Close(ctx context.Context) error {
	var errs []error
	if n.signaler != nil {
		errs = append(errs, n.signaler.Close())
	}
	if n.nc != nil {
		errs = append(errs, n.nc.Drain())
	}
	if n.mongo != nil {
		errs = append(errs, n.mongo.Close(ctx))
	}
	if n.sql != nil {
		errs = append(errs, n.sql.Close(ctx))
	}
	return errors.Join(errs...)
}
