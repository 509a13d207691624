package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/creator-pipeline/internal/aggregate"
	"github.com/jonathan/creator-pipeline/internal/blob"
	"github.com/jonathan/creator-pipeline/internal/clients"
	"github.com/jonathan/creator-pipeline/internal/config"
	"github.com/jonathan/creator-pipeline/internal/db"
	"github.com/jonathan/creator-pipeline/internal/enrich"
	"github.com/jonathan/creator-pipeline/internal/llm"
	"github.com/jonathan/creator-pipeline/internal/notify"
	"github.com/jonathan/creator-pipeline/internal/pipeline"
	"github.com/jonathan/creator-pipeline/internal/pipeline/steps"
	"github.com/jonathan/creator-pipeline/internal/scoring"
	"github.com/jonathan/creator-pipeline/internal/search"
	"github.com/jonathan/creator-pipeline/internal/store"
	"github.com/jonathan/creator-pipeline/internal/store/badgerstore"
	"github.com/jonathan/creator-pipeline/internal/stream"
)

// expansionTTL is how long expanded queries are reused.
const expansionTTL = time.Hour

// storage holds the state and blob stores. Commands that only read or cancel
// runs open storage alone.
type storage struct {
	store store.Store
	blobs blob.Store
	agg   *aggregate.Aggregator
}

func openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage, error) {
	var (
		st    store.Store
		blobs blob.Store
	)

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		database, err := db.Connect(ctx, cfg.Store.DatabaseURL, db.Options{
			Logger:       log,
			PollInterval: cfg.Store.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		st = database
	default:
		bs, err := badgerstore.Open(badgerstore.Config{
			Dir:            cfg.Store.BadgerDir,
			InMemory:       cfg.Store.InMemory,
			Logger:         log,
			ResyncInterval: cfg.Store.PollInterval,
		})
		if err != nil {
			return nil, err
		}
		st = bs
		blobs = bs.Blobs()
	}

	if cfg.Blob.Driver == config.DriverMinio {
		ms, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		blobs = ms
	}
	if blobs == nil {
		_ = st.Close()
		return nil, errors.New("no blob store configured")
	}

	agg, err := aggregate.New(aggregate.Config{
		Logger:            log,
		Store:             st,
		Blobs:             blobs,
		OverflowThreshold: cfg.Pipeline.OverflowThreshold,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &storage{store: st, blobs: blobs, agg: agg}, nil
}

func (s *storage) Close() error {
	return s.store.Close()
}

// app is the fully wired pipeline: storage, external clients, stage
// executors, orchestrator and streaming bridge.
type app struct {
	*storage
	log          *slog.Logger
	clients      *clients.Cache
	publisher    notify.Publisher
	orchestrator *pipeline.Orchestrator
	bridge       *stream.Bridge
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{storage: st, log: log}
	if err := a.wire(cfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg *config.Config) error {
	provider, err := llm.ParseProvider(cfg.LLM.Provider)
	if err != nil {
		return err
	}
	llmCfg := llm.ConfigFor(provider)
	llmCfg.BaseURL = cfg.LLM.BaseURL
	if cfg.LLM.Model != "" {
		llmCfg = llmCfg.WithModel(llm.TierStandard, cfg.LLM.Model)
	}
	a.clients = clients.New(clients.Config{
		Logger:    a.log,
		LLM:       llmCfg,
		LLMAPIKey: cfg.LLM.APIKey,
	})

	searchClient, err := search.NewClient(cfg.Services.SearchURL, cfg.Services.SearchAPIKey, a.clients.HTTP())
	if err != nil {
		return fmt.Errorf("failed to create search client: %w", err)
	}
	searchExec, err := search.NewExecutor(search.Config{
		Logger:   a.log,
		Searcher: searchClient,
		Expander: search.NewExpander(search.ExpanderConfig{
			Logger: a.log,
			LLM:    a.clients.LLM,
			TTL:    expansionTTL,
		}),
	})
	if err != nil {
		return err
	}

	enrichClient, err := enrich.NewClient(enrich.ClientConfig{
		BaseURL:   cfg.Services.EnrichURL,
		APIKey:    cfg.Services.EnrichAPIKey,
		DatasetID: cfg.Services.EnrichDatasetID,
		HTTP:      a.clients.HTTP(),
	})
	if err != nil {
		return fmt.Errorf("failed to create enrichment client: %w", err)
	}
	enrichExec, err := enrich.NewExecutor(enrich.Config{
		Logger:       a.log,
		Provider:     enrichClient,
		PollInterval: cfg.Pipeline.EnrichPoll,
		ChunkSize:    cfg.Pipeline.EnrichChunkSize,
	})
	if err != nil {
		return err
	}

	scoreExec, err := scoring.NewExecutor(scoring.Config{
		Logger:    a.log,
		LLM:       a.clients.LLM,
		ChunkSize: cfg.Pipeline.ScoreChunkSize,
	})
	if err != nil {
		return err
	}

	registry, err := steps.NewRegistry(searchExec, enrichExec, scoreExec)
	if err != nil {
		return err
	}

	invoker, err := pipeline.NewInvoker(pipeline.InvokerConfig{
		Logger:      a.log,
		Store:       a.store,
		Aggregator:  a.agg,
		Registry:    registry,
		Timeout:     cfg.Pipeline.StageTimeout,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	})
	if err != nil {
		return err
	}

	a.publisher = notify.Nop{}
	if cfg.KafkaEnabled() {
		k, err := notify.NewKafka(notify.KafkaConfig{
			Logger:  a.log,
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return err
		}
		a.publisher = k
	}

	a.orchestrator, err = pipeline.New(pipeline.Config{
		Logger:    a.log,
		Store:     a.store,
		Invoker:   invoker,
		Publisher: a.publisher,
		Workers:   cfg.Pipeline.Workers,
		OnRelease: a.agg.Release,
	})
	if err != nil {
		return err
	}

	a.bridge, err = stream.New(stream.Config{
		Logger:    a.log,
		Watcher:   a.store,
		Results:   a.agg,
		Heartbeat: cfg.Stream.Heartbeat,
		Watchdog:  cfg.Stream.Watchdog,
	})
	return err
}

// Close waits for in-flight runs and releases every resource. Cancel the
// runs' context first for a prompt shutdown.
func (a *app) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Stop()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.clients != nil {
		if err := a.clients.Close(); err != nil {
			a.log.Warn("failed to close clients", "error", err)
		}
	}
	if err := a.storage.Close(); err != nil {
		a.log.Warn("failed to close store", "error", err)
	}
}
