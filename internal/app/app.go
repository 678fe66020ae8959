// Package app assembles the chat backend from configuration. The API server
// and the terminal client share it.
package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/logging"
	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatsvc "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/internal/service/knowledge"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
	"github.com/zhouzirui/z-chat/backend/internal/storage/badgerstore"
	"github.com/zhouzirui/z-chat/backend/internal/storage/memstore"
	"github.com/zhouzirui/z-chat/backend/internal/storage/sqlitestore"
)

// App holds the wired services.
type App struct {
	Sessions     *chatsvc.Service
	Modes        persona.Store
	Knowledge    *knowledge.Service
	Orchestrator *conversation.Orchestrator
}

// Build wires every service described by cfg. Knowledge stays nil when no
// embedder is configured.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	sessions, err := OpenSessions(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	modes, err := LoadModes(cfg.Context.ModesFile)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	kb, err := OpenKnowledge(ctx, cfg.Knowledge)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	var retriever prompt.Knowledge
	if kb != nil {
		retriever = kb
	}
	builder := prompt.NewBuilder(retriever, cfg.Context.HistoryWindow, cfg.Knowledge.TopK)

	orch, err := conversation.New(conversation.Config{
		Options: inference.Options{
			Temperature: cfg.Inference.Temperature,
			MaxTokens:   cfg.Inference.MaxTokens,
		},
		PrepareTimeout:  cfg.Inference.PrepareTimeout,
		GenerateTimeout: cfg.Inference.GenerateTimeout,
		CancelGrace:     cfg.Inference.CancelGrace,
		PersistEvery:    cfg.Inference.PersistEvery,
	}, sessions, builder, modes, GatewayFactory(cfg))
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	return &App{
		Sessions:     sessions,
		Modes:        modes,
		Knowledge:    kb,
		Orchestrator: orch,
	}, nil
}

// Close stops the orchestrator and flushes the session store.
func (a *App) Close() error {
	orchErr := a.Orchestrator.Close()
	if err := a.Sessions.Close(); err != nil {
		return err
	}
	return orchErr
}

// OpenSessions opens the configured session backend and loads every stored
// session.
func OpenSessions(ctx context.Context, cfg config.StoreConfig) (*chatsvc.Service, error) {
	var backend chatsvc.Backend
	switch cfg.Driver {
	case config.StoreMemory:
		backend = memstore.New()
	case config.StoreBadger:
		store, err := badgerstore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = store
	case config.StoreSQLite:
		store, err := sqlitestore.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		backend = store
	default:
		return nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}

	sessions, err := chatsvc.NewService(ctx, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Driver).Str("path", cfg.Path).Int("sessions", len(sessions.List(ctx))).Msg("session store ready")
	return sessions, nil
}

// LoadModes reads the mode presets from path, or the built-in ones when
// path is empty.
func LoadModes(path string) (persona.Store, error) {
	if path == "" {
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	items, err := persona.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load modes from %s", path)
	}
	return persona.NewMemoryStore(items), nil
}

// OpenKnowledge opens the knowledge base and ingests cfg.Dir. It returns
// nil without error when no embedder is configured.
func OpenKnowledge(ctx context.Context, cfg config.KnowledgeConfig) (*knowledge.Service, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	apiKey := cfg.OpenAIAPIKey
	if cfg.Embedder == "gemini" {
		apiKey = cfg.GeminiAPIKey
	}
	embed, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderConfig{
		Provider: cfg.Embedder,
		Model:    cfg.EmbeddingModel,
		BaseURL:  cfg.EmbeddingURL,
		APIKey:   apiKey,
	})
	if err != nil {
		return nil, err
	}

	kb, err := knowledge.Open(cfg.DBPath, embed)
	if err != nil {
		return nil, err
	}

	if cfg.Dir != "" {
		added, err := kb.IngestDir(ctx, cfg.Dir)
		if err != nil {
			return nil, errors.Wrapf(err, "ingest %s", cfg.Dir)
		}
		log.Info().Str("dir", cfg.Dir).Int("chunks", added).Msg("knowledge ingested")
	}
	return kb, nil
}

// GatewayFactory returns a factory building a fresh gateway for the
// configured backend.
func GatewayFactory(cfg *config.Config) conversation.GatewayFactory {
	return func() (inference.Gateway, error) {
		svc, err := inference.New(inference.Config{
			Kind: cfg.Inference.Backend,
			Remote: inference.RemoteConfig{
				URL:    cfg.Inference.RemoteURL,
				APIKey: cfg.Inference.RemoteAPIKey,
			},
			Ark:    cfg.AI.NewChatModel,
			Logger: logging.NewWatermill(log.Logger),
		})
		if err != nil {
			return nil, err
		}
		return svc, nil
	}
}
