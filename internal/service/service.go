// Package service is the top-level orchestrator: it loads configuration
// and descriptors, wires the persistence pipeline (dedup, mongo sink,
// spool, replay, optional republish), runs the coverage gate, plans
// subscription-to-connection assignment, and spawns one supervised
// WebSocket connection goroutine per descriptor connection. It is the
// only package that imports every other internal package — the
// composition root the rest of the spec's components plug into.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/time/rate"

	"github.com/teru1991/crypto-collector/internal/config"
	"github.com/teru1991/crypto-collector/internal/control"
	"github.com/teru1991/crypto-collector/internal/coverage"
	"github.com/teru1991/crypto-collector/internal/dedup"
	"github.com/teru1991/crypto-collector/internal/descriptor"
	"github.com/teru1991/crypto-collector/internal/envelope"
	"github.com/teru1991/crypto-collector/internal/ingestion"
	"github.com/teru1991/crypto-collector/internal/maps"
	"github.com/teru1991/crypto-collector/internal/mongosink"
	"github.com/teru1991/crypto-collector/internal/pipeline"
	"github.com/teru1991/crypto-collector/internal/replay"
	"github.com/teru1991/crypto-collector/internal/republish"
	"github.com/teru1991/crypto-collector/internal/resource"
	"github.com/teru1991/crypto-collector/internal/runtime"
	"github.com/teru1991/crypto-collector/internal/spool"
	"github.com/teru1991/crypto-collector/internal/subscription"
	"github.com/teru1991/crypto-collector/internal/wsclient"
)

const adapterVersion = "crypto-collector/1"

// Service owns every long-lived resource the collector needs and drives
// them for the lifetime of one process invocation.
type Service struct {
	logger zerolog.Logger
	env    *config.EnvConfig
	cfg    *config.CollectorConfig

	mongoClient *mongo.Client
	sink        *mongosink.Sink
	spoolStore  *spool.Spool
	dedupWindow *dedup.Window
	pipe        *pipeline.Pipeline
	replayer    *replay.Worker
	republisher *republish.Producer
	controlBus  *control.Bus

	supervisor  *runtime.InstanceSupervisor
	handles     []*ingestion.PipelineHandle
	descriptors map[string]*descriptor.ExchangeDescriptor
}

// Build loads every enabled exchange's descriptor, validates the whole
// manifest through the coverage gate, and wires the persistence pipeline.
// It performs no network I/O beyond connecting the Mongo client and the
// optional control-plane/republish clients; WebSocket connections are not
// dialed until Run.
func Build(ctx context.Context, env *config.EnvConfig, cfg *config.CollectorConfig, logger zerolog.Logger) (*Service, error) {
	descriptors := make(map[string]*descriptor.ExchangeDescriptor, len(cfg.Exchanges))
	for _, inst := range cfg.Exchanges {
		if !inst.IsEnabled() {
			continue
		}
		desc, err := descriptor.Load(inst.DescriptorPath)
		if err != nil {
			return nil, fmt.Errorf("service: load descriptor for %q: %w", inst.Name, err)
		}
		descriptors[inst.Name] = desc
	}

	if err := coverage.Check(cfg, descriptors); err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}

	resource.ApplyGOMAXPROCS(logger)

	mongoURI := cfg.Persistence.MongoURI
	if mongoURI == "" {
		mongoURI = env.MongoURI
	}
	mongoDB := cfg.Persistence.MongoDatabase
	if mongoDB == "" {
		mongoDB = env.MongoDatabase
	}
	mongoColl := cfg.Persistence.MongoCollection
	if mongoColl == "" {
		mongoColl = env.MongoCollection
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("service: connect mongo: %w", err)
	}
	collection := client.Database(mongoDB).Collection(mongoColl)
	target := mongosink.NewCollectionTarget(collection)
	sink := mongosink.New(target, mongosink.Config{
		MaxRetries:                     cfg.Persistence.MongoMaxRetries,
		RetryBaseMs:                    cfg.Persistence.MongoRetryBaseMs,
		ConsecutiveFailuresForDegraded: cfg.Persistence.MongoConsecutiveFailuresDegraded,
	})

	var sp *spool.Spool
	var replayer *replay.Worker
	if cfg.Persistence.Spool.Enabled {
		onFull, err := parseOnFullPolicy(cfg.Persistence.Spool.OnFull)
		if err != nil {
			return nil, fmt.Errorf("service: %w", err)
		}
		dir := cfg.Persistence.Spool.Dir
		if dir == "" {
			dir = env.SpoolDir
		}
		sp, err = spool.Open(spool.Config{
			Dir:             dir,
			MaxSegmentBytes: cfg.Persistence.Spool.MaxSegmentMB * 1024 * 1024,
			MaxTotalBytes:   cfg.Persistence.Spool.MaxTotalMB * 1024 * 1024,
			OnFull:          onFull,
		})
		if err != nil {
			return nil, fmt.Errorf("service: open spool: %w", err)
		}
		replayer = replay.New(sp, target, replay.DefaultConfig(), sink)
	}

	var dd *dedup.Window
	if cfg.Persistence.Dedup.Enabled {
		dd = dedup.New(dedup.Config{
			WindowSeconds: cfg.Persistence.Dedup.WindowSeconds,
			MaxKeys:       cfg.Persistence.Dedup.MaxKeys,
		})
	}

	pipe := pipeline.New(pipeline.Config{Mongo: sink, Spool: sp, Dedup: dd})

	var republisher *republish.Producer
	if env.KafkaBrokers != "" {
		republisher, err = republish.New(republish.Config{
			Brokers: splitAndTrim(env.KafkaBrokers),
			Topic:   "crypto-collector.envelopes",
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("service: build republish producer: %w", err)
		}
	}

	var bus *control.Bus
	if env.NATSURL != "" {
		bus, err = control.Connect(env.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("service: connect control bus: %w", err)
		}
	}

	svc := &Service{
		logger:      logger,
		env:         env,
		cfg:         cfg,
		mongoClient: client,
		sink:        sink,
		spoolStore:  sp,
		dedupWindow: dd,
		pipe:        pipe,
		replayer:    replayer,
		republisher: republisher,
		controlBus:  bus,
		supervisor:  runtime.NewInstanceSupervisor(logger),
		descriptors: descriptors,
	}
	return svc, nil
}

func parseOnFullPolicy(s string) (spool.OnFullPolicy, error) {
	switch s {
	case "", "drop_ticker_depth_keep_trade":
		return spool.DropTickerDepthKeepTrade, nil
	case "drop_all":
		return spool.DropAll, nil
	case "block":
		return spool.Block, nil
	default:
		return 0, fmt.Errorf("unknown persistence.spool.on_full %q", s)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Run starts the replay worker (if spooling is enabled) and spawns one
// supervised goroutine per descriptor WebSocket connection across every
// enabled exchange instance. It returns once every spawned connection
// goroutine has exited — normally only after ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s.replayer != nil {
		go s.replayer.Run(ctx)
	}

	for _, inst := range s.cfg.Exchanges {
		if !inst.IsEnabled() {
			continue
		}
		desc, ok := s.descriptors[inst.Name]
		if !ok {
			continue
		}
		s.runExchange(ctx, inst, desc)
	}

	s.supervisor.JoinAll()
}

// runExchange wires one exchange instance's ingestion buffer, subscription
// plan, and per-connection WebSocket clients.
func (s *Service) runExchange(ctx context.Context, inst config.ExchangeInstance, desc *descriptor.ExchangeDescriptor) {
	normMaps := loadNormMaps(desc, s.logger)

	compositeSink := &republishingSink{pipe: s.pipe, republisher: s.republisher}
	sender, handle := ingestion.Spawn(4096, 500, time.Second, compositeSink)
	s.handles = append(s.handles, handle)

	if limiter := restRateLimiter(desc); limiter != nil {
		sender.SetLimiter(limiter)
	}

	s.planSubscriptions(inst, desc)

	for _, conn := range desc.WS.Connections {
		conn := conn
		genFn := func(sub descriptor.Subscription) ([]string, error) {
			return runtime.GenerateSubscribeMessages(sub.Generator, inst.Symbols, inst.Channels, conn.ID)
		}

		connection := wsclient.New(wsclient.Config{
			Exchange:         inst.Name,
			AdapterVersion:   adapterVersion,
			Conn:             conn,
			Subscriptions:    desc.Subscriptions,
			ParseRules:       desc.Parse,
			NormMaps:         normMaps,
			Sender:           sender,
			States:           s.supervisor.States,
			Logger:           s.logger,
			GenerateMessages: genFn,
		}, backoffSeed(inst.Name, conn.ID))

		key := inst.Name + ":" + conn.ID
		s.supervisor.SpawnGuarded(key, func() {
			connection.Run(ctx)
		})
	}
}

// planSubscriptions builds one subscription.Key per (subscription, symbol)
// pair targeting this exchange, assigns each to a connection via a
// persisted rendezvous-hash planner, and logs the resulting distribution.
// This is bookkeeping for operators and future dynamic re-sharding; the
// live connections above still dial using the descriptor's own static
// connection_id binding.
func (s *Service) planSubscriptions(inst config.ExchangeInstance, desc *descriptor.ExchangeDescriptor) {
	connIDs := make([]string, 0, len(desc.WS.Connections))
	for _, c := range desc.WS.Connections {
		connIDs = append(connIDs, c.ID)
	}
	if len(connIDs) == 0 {
		return
	}

	var keys []subscription.Key
	for i, sub := range desc.Subscriptions {
		opID := fmt.Sprintf("%s#%d", sub.ConnectionID, i)
		if len(inst.Symbols) == 0 {
			keys = append(keys, subscription.Key{Exchange: inst.Name, OperationID: opID})
			continue
		}
		for _, sym := range inst.Symbols {
			keys = append(keys, subscription.Key{Exchange: inst.Name, OperationID: opID, Symbol: sym})
		}
	}

	dir := s.cfg.Persistence.Spool.Dir
	if dir == "" {
		dir = s.env.SpoolDir
	}
	storePath := filepath.Join(dir, "subscriptions", inst.Name+".json")
	store := subscription.NewStore(storePath)
	if err := store.Load(); err != nil {
		s.logger.Warn().Err(err).Str("exchange", inst.Name).Msg("subscription store load failed, starting fresh")
	}

	planner := subscription.NewPlanner(store)
	assignment, err := planner.Plan(keys, connIDs)
	if err != nil {
		s.logger.Warn().Err(err).Str("exchange", inst.Name).Msg("subscription planning failed")
		return
	}
	for connID, ks := range assignment {
		s.logger.Debug().Str("exchange", inst.Name).Str("connection", connID).Int("keys", len(ks)).Msg("subscription plan")
	}
}

// restRateLimiter builds a token-bucket limiter from a descriptor's REST
// rate-limit section, if one is declared. A descriptor with no REST
// section (or no rate limit within it) returns nil, leaving the
// ingestion sender unthrottled.
func restRateLimiter(desc *descriptor.ExchangeDescriptor) *rate.Limiter {
	if desc.Rest == nil || desc.Rest.RateLimit == nil {
		return nil
	}
	rl := desc.Rest.RateLimit
	if rl.TokenBucket != nil {
		return rate.NewLimiter(rate.Limit(rl.TokenBucket.RefillPerSecond), int(rl.TokenBucket.Capacity))
	}
	if rl.RequestsPerMinute != nil && *rl.RequestsPerMinute > 0 {
		perSecond := float64(*rl.RequestsPerMinute) / 60.0
		return rate.NewLimiter(rate.Limit(perSecond), int(*rl.RequestsPerMinute))
	}
	return nil
}

func loadNormMaps(desc *descriptor.ExchangeDescriptor, logger zerolog.Logger) *maps.NormalizationMaps {
	m := maps.New()
	if desc.Maps == nil {
		return &m
	}
	if desc.Maps.SymbolMapFile != nil {
		symbols, err := maps.LoadSymbolMapFile(*desc.Maps.SymbolMapFile)
		if err != nil {
			logger.Warn().Err(err).Str("path", *desc.Maps.SymbolMapFile).Msg("failed to load symbol map file")
		} else {
			m.SymbolMap = symbols
		}
	}
	if desc.Maps.ChannelMap != nil {
		m.ChannelMap = maps.FromChannelMap(desc.Maps.ChannelMap)
	}
	return &m
}

// backoffSeed derives a deterministic per-connection backoff seed from its
// exchange and connection id, so reconnect jitter is reproducible given
// the same descriptor without needing an explicit seed in config.
func backoffSeed(exchange, connID string) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, b := range []byte(exchange + ":" + connID) {
		h ^= uint64(b)
		h *= 1099511628211 // FNV prime
	}
	return h
}

// republishingSink wraps the persistence pipeline and, on successful
// commit, fans the batch out to the optional Kafka republish producer.
type republishingSink struct {
	pipe        *pipeline.Pipeline
	republisher *republish.Producer
}

func (r *republishingSink) EmitBatch(batch []envelope.Envelope) error {
	if err := r.pipe.EmitBatch(batch); err != nil {
		return err
	}
	if r.republisher != nil {
		r.republisher.PublishBatch(context.Background(), batch)
	}
	return nil
}

var _ ingestion.Sink = (*republishingSink)(nil)

// Shutdown flushes every exchange's ingestion buffer, then releases the
// Mongo client and any optional sinks. Call after Run's context has been
// cancelled and every connection goroutine has returned.
func (s *Service) Shutdown(ctx context.Context) {
	for _, h := range s.handles {
		h.Shutdown()
	}
	if s.republisher != nil {
		s.republisher.Close()
	}
	if s.controlBus != nil {
		s.controlBus.Close()
	}
	if s.spoolStore != nil {
		s.spoolStore.Close()
	}
	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("error disconnecting mongo client")
		}
	}
}

// State reports the persistence pipeline's current health.
func (s *Service) State() mongosink.State { return s.sink.State() }
