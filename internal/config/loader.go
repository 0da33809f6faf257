package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load reads the gateway configuration from the given file.
func Load(path string) (*GatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	conf, err := decode(v)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// Watch re-reads the config file whenever it changes and replaces the backend
// set on conf, notifying its observers. Decode or validation failures keep the
// previous configuration.
func Watch(ctx context.Context, path string, conf *GatewayConfig, logger *slog.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(in fsnotify.Event) {
		logger.Info("gateway config changed", "config file", in.Name)
		if err := v.ReadInConfig(); err != nil {
			logger.Error("failed to re-read config", "error", err)
			return
		}
		next, err := decode(v)
		if err != nil {
			logger.Error("failed to decode config, keeping previous", "error", err)
			return
		}
		if err := conf.Replace(ctx, next.Backends); err != nil {
			logger.Error("invalid config, keeping previous", "error", err)
		}
	})
	v.WatchConfig()
}

func decode(v *viper.Viper) (*GatewayConfig, error) {
	conf := &GatewayConfig{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("unable to decode gateway config: %w", err)
	}
	conf.SetDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}
