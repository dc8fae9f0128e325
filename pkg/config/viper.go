package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads config.toml from
// configDir if present, and binds environment variables with the
// TURNPIPE_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (TURNPIPE_GATEWAY_BASE_URL, TURNPIPE_REDIS_ADDR, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	if configDir != "" {
		v.AddConfigPath(configDir)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: TURNPIPE_GATEWAY_BASE_URL, TURNPIPE_REDIS_ADDR, etc.
	v.SetEnvPrefix("TURNPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	v.SetDefault("server.ingress_listen", d.Server.IngressListen)
	v.SetDefault("server.admin_listen", d.Server.AdminListen)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", d.Postgres.MaxOpenConns)
	v.SetDefault("postgres.conn_max_lifetime", d.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("gateway.base_url", d.Gateway.BaseURL)
	v.SetDefault("gateway.auth_token", d.Gateway.AuthToken)
	v.SetDefault("gateway.timeout", d.Gateway.Timeout)
	v.SetDefault("gateway.breaker_max_fail", d.Gateway.BreakerMaxFail)
	v.SetDefault("gateway.breaker_cooldown", d.Gateway.BreakerCooldown)

	v.SetDefault("turn.debounce_ms", d.Turn.DebounceMs)
	v.SetDefault("turn.buffer_ttl", d.Turn.BufferTTL)
	v.SetDefault("turn.lock_ttl", d.Turn.LockTTL)

	v.SetDefault("dedup.message_ttl", d.Dedup.MessageTTL)
	v.SetDefault("dedup.idempotent_ttl", d.Dedup.IdempotentTTL)

	v.SetDefault("guards.recursion_limit", d.Guards.RecursionLimit)
	v.SetDefault("guards.recursion_ttl", d.Guards.RecursionTTL)
	v.SetDefault("guards.greeting_cooldown", d.Guards.GreetingCooldown)

	v.SetDefault("flags.pipeline_mode", string(d.Flags.PipelineMode))
}

// WatchFlags watches the config file named by path for writes and invokes
// onChange with the freshly-reloaded FlagsConfig whenever pipeline_mode (or
// any other flags.* key) changes on disk. It runs until ctx is cancelled.
//
// This is deliberately narrower than viper's own WatchConfig: only the
// flags.* section is hot-reloadable at runtime, while
// postgres/redis/gateway settings require a restart to take effect.
func WatchFlags(ctx context.Context, path string, log *zap.Logger, onChange func(FlagsConfig)) error {
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching config dir %s: %w", dir, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}

				v := viper.New()
				setViperDefaults(v)
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					log.Warn("config reload failed", zap.Error(err))
					continue
				}

				var flags FlagsConfig
				if err := v.UnmarshalKey("flags", &flags); err != nil {
					log.Warn("config reload unmarshal failed", zap.Error(err))
					continue
				}

				log.Info("feature flags reloaded", zap.String("pipeline_mode", string(flags.PipelineMode)))
				onChange(flags)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
