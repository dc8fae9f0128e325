package config

import "time"

// Config represents the persistent turn pipeline configuration stored as
// config.toml. The TOML layout uses sections for logical grouping,
// mirroring the component boundaries of the pipeline itself.
type Config struct {
	Version  int            `toml:"version"  mapstructure:"version"`
	Server   ServerConfig   `toml:"server"   mapstructure:"server"`
	Postgres PostgresConfig `toml:"postgres" mapstructure:"postgres"`
	Redis    RedisConfig    `toml:"redis"    mapstructure:"redis"`
	Gateway  GatewayConfig  `toml:"gateway"  mapstructure:"gateway"`
	Turn     TurnConfig     `toml:"turn"     mapstructure:"turn"`
	Dedup    DedupConfig    `toml:"dedup"    mapstructure:"dedup"`
	Guards   GuardsConfig   `toml:"guards"   mapstructure:"guards"`
	Flags    FlagsConfig    `toml:"flags"    mapstructure:"flags"`
}

// ServerConfig holds listen addresses for the two HTTP surfaces: the
// public webhook ingress and the internal admin/health surface.
type ServerConfig struct {
	IngressListen string `toml:"ingress_listen,omitempty" mapstructure:"ingress_listen"`
	AdminListen   string `toml:"admin_listen,omitempty"   mapstructure:"admin_listen"`
}

// PostgresConfig holds the authoritative outbox store connection settings.
type PostgresConfig struct {
	DSN             string        `toml:"dsn,omitempty"                mapstructure:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns,omitempty"     mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime,omitempty"  mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds the key-value store connection settings backing
// dedup, turn buffering/locking, guards, and the optional outbox cache.
type RedisConfig struct {
	Addr     string `toml:"addr,omitempty"     mapstructure:"addr"`
	Password string `toml:"password,omitempty" mapstructure:"password"`
	DB       int    `toml:"db,omitempty"       mapstructure:"db"`
}

// GatewayConfig holds the outbound WhatsApp gateway client settings.
type GatewayConfig struct {
	BaseURL         string        `toml:"base_url,omitempty"         mapstructure:"base_url"`
	AuthToken       string        `toml:"auth_token,omitempty"       mapstructure:"auth_token"`
	Timeout         time.Duration `toml:"timeout,omitempty"          mapstructure:"timeout"`
	BreakerMaxFail  uint32        `toml:"breaker_max_fail,omitempty"  mapstructure:"breaker_max_fail"`
	BreakerCooldown time.Duration `toml:"breaker_cooldown,omitempty" mapstructure:"breaker_cooldown"`
}

// TurnConfig tunes the Turn Controller's debounce window and the
// lifetimes of its buffer and lock keys.
type TurnConfig struct {
	DebounceMs int           `toml:"debounce_ms,omitempty" mapstructure:"debounce_ms"`
	BufferTTL  time.Duration `toml:"buffer_ttl,omitempty"  mapstructure:"buffer_ttl"`
	LockTTL    time.Duration `toml:"lock_ttl,omitempty"    mapstructure:"lock_ttl"`
}

// DedupConfig tunes the Deduplication Store's two key families.
type DedupConfig struct {
	MessageTTL    time.Duration `toml:"message_ttl,omitempty"    mapstructure:"message_ttl"`
	IdempotentTTL time.Duration `toml:"idempotent_ttl,omitempty" mapstructure:"idempotent_ttl"`
}

// GuardsConfig tunes the recursion ceiling and greeting cooldown.
type GuardsConfig struct {
	RecursionLimit   int           `toml:"recursion_limit,omitempty"   mapstructure:"recursion_limit"`
	RecursionTTL     time.Duration `toml:"recursion_ttl,omitempty"     mapstructure:"recursion_ttl"`
	GreetingCooldown time.Duration `toml:"greeting_cooldown,omitempty" mapstructure:"greeting_cooldown"`
}

// PipelineMode is the flags.pipeline_mode setting. It is loaded into
// FlagsConfig and reported on hot reload, but no code outside this
// package reads it: pipeline.Orchestrator runs the same stages
// (preprocess, classify, route, plan, persist, dispatch) for either value.
type PipelineMode string

const (
	// PipelineModeFull is the default mode.
	PipelineModeFull PipelineMode = "full"

	// PipelineModeDegraded is accepted as a value; the Orchestrator does
	// not change its behavior for it.
	PipelineModeDegraded PipelineMode = "degraded"
)

// FlagsConfig holds runtime feature toggles, readable without a restart
// when sourced from a watched config file.
type FlagsConfig struct {
	PipelineMode PipelineMode `toml:"pipeline_mode,omitempty" mapstructure:"pipeline_mode"`
}

// validConfigKeys is the authoritative set of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var validConfigKeys = map[string]bool{
	"server.ingress_listen":      true,
	"server.admin_listen":        true,
	"postgres.dsn":               true,
	"postgres.max_open_conns":    true,
	"postgres.conn_max_lifetime": true,
	"redis.addr":                 true,
	"redis.password":             true,
	"redis.db":                   true,
	"gateway.base_url":           true,
	"gateway.auth_token":         true,
	"gateway.timeout":            true,
	"gateway.breaker_max_fail":   true,
	"gateway.breaker_cooldown":   true,
	"turn.debounce_ms":           true,
	"turn.buffer_ttl":            true,
	"turn.lock_ttl":              true,
	"dedup.message_ttl":          true,
	"dedup.idempotent_ttl":       true,
	"guards.recursion_limit":     true,
	"guards.recursion_ttl":       true,
	"guards.greeting_cooldown":   true,
	"flags.pipeline_mode":        true,
}
