package inference

import (
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/pkg/errors"
)

// Backend kinds accepted by New.
const (
	KindRemote = "remote"
	KindLocal  = "local"
	KindArk    = "ark"
)

// Config selects and configures a backend.
type Config struct {
	Kind    string
	Remote  RemoteConfig
	Runtime Runtime
	Ark     ChatModelFactory
	Logger  watermill.LoggerAdapter
}

// New builds a gateway for cfg.Kind. The local kind uses cfg.Runtime, or
// an Ollama runtime when none is given.
func New(cfg Config) (*Service, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case KindRemote, "":
		backend, err = NewRemoteBackend(cfg.Remote)
	case KindLocal:
		runtime := cfg.Runtime
		if runtime == nil {
			runtime, err = NewOllamaRuntime()
			if err != nil {
				return nil, err
			}
		}
		backend, err = NewLocalBackend(runtime, cfg.Logger)
	case KindArk:
		if cfg.Ark == nil {
			return nil, errors.New("ark backend requires a chat model factory")
		}
		backend = NewArkBackend(cfg.Ark)
	default:
		return nil, errors.Errorf("unknown inference backend %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewService(backend), nil
}
