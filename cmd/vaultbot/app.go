package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/config"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/contextbuilder"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/dispatcher"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/engine"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/extractor"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/llm"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/media"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/response"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage/postgres"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/storage/sqlite"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/pkg/types"
)

const maxAttachmentBytes = 1 << 20

// app holds the wired components of a running assistant.
type app struct {
	store      storage.MemoryStore
	classifier *classifier.Classifier
	extractor  *extractor.Extractor
	context    *contextbuilder.Builder
	persister  *engine.Persister
	pipeline   *engine.Pipeline
	breakers   map[string]*llm.CircuitBreaker
}

// openStore opens the configured Memory Store.
func openStore(cfg config.StorageConfig) (storage.MemoryStore, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o700); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.NewMemoryStore(cfg.DSN, cfg.Limits())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.NewMemoryStore(cfg.DSN, cfg.Limits())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// buildBackends creates the configured generation backends. A backend with
// no provider is left out and its dispatch stages are skipped.
func buildBackends(cfg config.BackendsConfig, logger zerolog.Logger) (dispatcher.Backends, map[string]*llm.CircuitBreaker, error) {
	var out dispatcher.Backends
	breakers := make(map[string]*llm.CircuitBreaker)
	bases := make(map[types.Backend]llm.Backend)

	for _, b := range []struct {
		kind types.Backend
		cfg  llm.BackendConfig
	}{
		{types.BackendFast, cfg.Fast},
		{types.BackendReasoning, cfg.Reasoning},
	} {
		if b.cfg.Provider == "" {
			continue
		}
		g, err := llm.NewBackend(string(b.kind), b.cfg, logger)
		if err != nil {
			return dispatcher.Backends{}, nil, err
		}
		bases[b.kind] = g
		breakers[string(b.kind)] = g.Breaker()
		if b.kind == types.BackendFast {
			out.Fast = g
		} else {
			out.Reasoning = g
		}
	}
	out.Specialized = llm.BindSpecializations(bases, llm.DefaultSpecializations())
	return out, breakers, nil
}

// buildApp wires every pipeline component over store.
func buildApp(cfg *config.Config, store storage.MemoryStore, logger zerolog.Logger) (*app, error) {
	backends, breakers, err := buildBackends(cfg.Backends, logger)
	if err != nil {
		return nil, err
	}

	cls := classifier.NewDefault()
	ext := extractor.NewDefault()
	ctxb := contextbuilder.New(store, cfg.Context, logger)

	persister, err := engine.NewPersister(store, ext, cfg.Persistence, logger)
	if err != nil {
		return nil, err
	}

	pipeline, err := engine.NewPipeline(engine.PipelineDeps{
		Classifier: cls,
		Context:    ctxb,
		Dispatcher: dispatcher.New(cfg.Dispatch, backends, logger),
		Assembler:  response.New(cfg.Response),
		Media:      media.NewRegistry(&media.TextExtractor{MaxBytes: maxAttachmentBytes}),
		Store:      store,
		Persister:  persister,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		store:      store,
		classifier: cls,
		extractor:  ext,
		context:    ctxb,
		persister:  persister,
		pipeline:   pipeline,
		breakers:   breakers,
	}, nil
}
