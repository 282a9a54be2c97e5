package main

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/personamem/pkg/config"
	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/dotsetgreg/personamem/pkg/memory"
	memchromem "github.com/dotsetgreg/personamem/pkg/memory/backend/chromem"
	memhnsw "github.com/dotsetgreg/personamem/pkg/memory/backend/hnsw"
	memmilvus "github.com/dotsetgreg/personamem/pkg/memory/backend/milvus"
	memollama "github.com/dotsetgreg/personamem/pkg/memory/embedder/ollama"
	memkafka "github.com/dotsetgreg/personamem/pkg/memory/queue/kafka"
	memredis "github.com/dotsetgreg/personamem/pkg/memory/sessionstate/redis"
)

// jobLister is implemented by queues that can be inspected.
type jobLister interface {
	ListJobs(ctx context.Context, status string, limit int) ([]memory.Job, error)
}

// app is one wired engine plus the pieces the CLI inspects directly.
type app struct {
	cfg     *config.Config
	watcher *config.Watcher
	engine  *memory.Engine
	jobs    jobLister
	cleanup []func()
}

func (a *app) Close() error {
	err := a.engine.Close()
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	return err
}

// openApp loads configPath and wires the configured backend, embedder,
// job queue and session store into an engine. The background worker only
// runs when withWorker is set.
func openApp(ctx context.Context, configPath string, withWorker bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	watcher := config.NewWatcher(configPath, cfg)

	a := &app{cfg: cfg, watcher: watcher}
	ok := false
	// Connections opened so far; the engine owns them once it is built.
	var opened []interface{ Close() error }
	track := func(c interface{ Close() error }) {
		for _, o := range opened {
			if o == c {
				return
			}
		}
		opened = append(opened, c)
	}
	defer func() {
		if ok {
			return
		}
		for i := len(opened) - 1; i >= 0; i-- {
			_ = opened[i].Close()
		}
		for i := len(a.cleanup) - 1; i >= 0; i-- {
			a.cleanup[i]()
		}
	}()

	var sqlite *memory.SQLiteBackend
	openSQLite := func() (*memory.SQLiteBackend, error) {
		if sqlite != nil {
			return sqlite, nil
		}
		b, err := memory.NewSQLiteBackend(cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		sqlite = b
		return b, nil
	}

	var backend memory.Backend
	switch cfg.Storage.Backend {
	case "chromem":
		if cfg.Storage.ChromemPersist {
			b, err := memchromem.NewPersistent(cfg.ChromemDir(), "personamem")
			if err != nil {
				return nil, err
			}
			backend = b
		} else {
			backend = memchromem.New("personamem")
		}
	case "hnsw":
		backend = memhnsw.New()
	case "milvus":
		b, err := memmilvus.New(ctx, memmilvus.Config{
			Address:    cfg.Storage.MilvusAddress,
			Collection: cfg.Storage.MilvusCollection,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		b, err := openSQLite()
		if err != nil {
			return nil, err
		}
		backend = b
	}
	track(backend)

	dims := cfg.Dimensions()
	var inner memory.Embedder
	var summarize memory.SummaryFunc
	switch cfg.Embedding.Provider {
	case "ollama":
		emb, err := memollama.New(memollama.Config{
			BaseURL:      cfg.Embedding.OllamaURL,
			Models:       cfg.Embedding.Models,
			DefaultModel: cfg.Embedding.DefaultModel,
			SummaryModel: cfg.Embedding.SummaryModel,
		})
		if err != nil {
			return nil, err
		}
		inner = emb
		summarize = emb.SummaryFunc()
	default:
		inner = memory.NewLocalEmbedder(dims)
	}
	embedder := inner
	if cfg.Embedding.CacheSize > 0 {
		cached, err := memory.NewCachingEmbedder(inner, int64(cfg.Embedding.CacheSize))
		if err != nil {
			return nil, err
		}
		embedder = cached
		a.cleanup = append(a.cleanup, cached.Close)
	}

	var queue memory.JobQueue
	switch cfg.Queue.Kind {
	case "kafka":
		q, err := memkafka.New(memkafka.Config{
			Brokers:         cfg.Queue.Brokers,
			Topic:           cfg.Queue.Topic,
			GroupID:         cfg.Queue.GroupID,
			DeadLetterTopic: cfg.Queue.DeadLetterTopic,
		})
		if err != nil {
			return nil, err
		}
		queue = q
		track(q)
	default:
		b, err := openSQLite()
		if err != nil {
			return nil, err
		}
		queue = b
		a.jobs = b
		track(b)
	}

	var states memory.SessionStateStore
	switch cfg.SessionState.Kind {
	case "redis":
		s, err := memredis.New(ctx, memredis.Config{
			Addr:     cfg.SessionState.RedisAddr,
			Password: cfg.SessionState.RedisPassword,
			DB:       cfg.SessionState.RedisDB,
			Prefix:   cfg.SessionState.Prefix,
		})
		if err != nil {
			return nil, err
		}
		states = s
		track(s)
	default:
		b, err := openSQLite()
		if err != nil {
			return nil, err
		}
		states = b
		track(b)
	}

	ecfg := cfg.EngineConfig()
	if !withWorker {
		ecfg.DisableWorker = true
	}
	engine, err := memory.NewEngine(ctx, ecfg, memory.Deps{
		Backend:   backend,
		Embedder:  embedder,
		Queue:     queue,
		Sessions:  states,
		Tuning:    watcher,
		Summarize: summarize,
		Store: memory.StoreConfig{
			Dimensions:    dims,
			RetryAttempts: cfg.Storage.RetryAttempts,
		},
	})
	if err != nil {
		return nil, err
	}
	a.engine = engine
	ok = true

	logger.InfoCF("cli", "Memory engine ready", map[string]interface{}{
		"backend":       cfg.Storage.Backend,
		"embedding":     cfg.Embedding.Provider,
		"queue":         cfg.Queue.Kind,
		"session_state": cfg.SessionState.Kind,
		"worker":        !ecfg.DisableWorker,
	})
	return a, nil
}
