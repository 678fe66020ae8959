package cmds

import (
	"context"
	"os"

	"github.com/spf13/viper"

	"github.com/zhouzirui/z-chat/backend/internal/app"
	"github.com/zhouzirui/z-chat/backend/internal/config"
)

// source reads a setting from viper (config file, flags, environment) and
// falls back to the raw environment for keys viper lowercases away.
func source(key string) string {
	if v := viper.GetString(key); v != "" {
		return v
	}
	return os.Getenv(key)
}

func loadConfig() (*config.Config, error) {
	return config.LoadFrom(source)
}

func buildApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	services, err := app.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return services, cfg, nil
}
