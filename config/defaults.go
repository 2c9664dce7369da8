package config

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel                 = "info"
	DefaultTimeout                  = 60 * time.Second
	DefaultRouteSelectionExpression = "$request.body.action"
	DefaultPushMaxRetries           = 3
	DefaultPushBaseDelay            = 50 * time.Millisecond
	DefaultPushMaxDelay             = 1 * time.Second
	DefaultPushMaxPayloadBytes      = 128 * 1024
	DefaultStreamChunkSize          = 4 * 1024
	DefaultRegistryShards           = 32
	DefaultRedisKeyPrefix           = "lambda-channels:"
	DefaultRedisTTL                 = 2 * time.Hour
	DefaultLocalAddr                = ":8080"
	DefaultLocalStage               = "local"
)

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		LogLevel:              DefaultLogLevel,
		InvokeMode:            InvokeBuffered,
		WebsocketResponseMode: WebsocketReturn,
		Timeout:               DefaultTimeout,
		Websocket: WebsocketConfig{
			RouteSelectionExpression: DefaultRouteSelectionExpression,
		},
		Push: PushConfig{
			MaxRetries:      DefaultPushMaxRetries,
			BaseDelay:       DefaultPushBaseDelay,
			MaxDelay:        DefaultPushMaxDelay,
			MaxPayloadBytes: DefaultPushMaxPayloadBytes,
		},
		Stream: StreamConfig{
			ChunkSize: DefaultStreamChunkSize,
		},
		Registry: RegistryConfig{
			Shards: DefaultRegistryShards,
			Redis: RedisConfig{
				KeyPrefix: DefaultRedisKeyPrefix,
				TTL:       DefaultRedisTTL,
			},
		},
		Local: LocalConfig{
			Addr:  DefaultLocalAddr,
			Stage: DefaultLocalStage,
		},
	}
}

// applyDefaults replaces empty or out-of-range values with defaults, logging
// every substitution.
func (c *Config) applyDefaults() {
	def := Default()

	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.InvokeMode == "" {
		c.InvokeMode = def.InvokeMode
	}
	if c.WebsocketResponseMode == "" {
		c.WebsocketResponseMode = def.WebsocketResponseMode
	}

	if c.Timeout <= 0 {
		log.Warn().Dur("timeout", c.Timeout).Dur("default", def.Timeout).Msg("[config] timeout is invalid, falling back to default")
		c.Timeout = def.Timeout
	}

	if c.Websocket.RouteSelectionExpression == "" {
		c.Websocket.RouteSelectionExpression = def.Websocket.RouteSelectionExpression
	}

	if c.Push.MaxRetries < 0 {
		log.Warn().Int("max_retries", c.Push.MaxRetries).Int("default", def.Push.MaxRetries).Msg("[config] push.max_retries is invalid, falling back to default")
		c.Push.MaxRetries = def.Push.MaxRetries
	}
	if c.Push.BaseDelay <= 0 {
		c.Push.BaseDelay = def.Push.BaseDelay
	}
	if c.Push.MaxDelay < c.Push.BaseDelay {
		log.Warn().Dur("max_delay", c.Push.MaxDelay).Dur("base_delay", c.Push.BaseDelay).Msg("[config] push.max_delay below base_delay, raising it")
		c.Push.MaxDelay = max(def.Push.MaxDelay, c.Push.BaseDelay)
	}
	if c.Push.MaxPayloadBytes <= 0 {
		c.Push.MaxPayloadBytes = def.Push.MaxPayloadBytes
	}

	if c.Stream.ChunkSize <= 0 {
		log.Warn().Int("chunk_size", c.Stream.ChunkSize).Int("default", def.Stream.ChunkSize).Msg("[config] stream.chunk_size is invalid, falling back to default")
		c.Stream.ChunkSize = def.Stream.ChunkSize
	}

	if c.Registry.Shards <= 0 {
		log.Warn().Int("shards", c.Registry.Shards).Int("default", def.Registry.Shards).Msg("[config] registry.shards is invalid, falling back to default")
		c.Registry.Shards = def.Registry.Shards
	}
	if c.Registry.Redis.KeyPrefix == "" {
		c.Registry.Redis.KeyPrefix = def.Registry.Redis.KeyPrefix
	}
	if c.Registry.Redis.TTL <= 0 {
		c.Registry.Redis.TTL = def.Registry.Redis.TTL
	}

	if c.Local.Addr == "" {
		c.Local.Addr = def.Local.Addr
	}
	if c.Local.Stage == "" {
		c.Local.Stage = def.Local.Stage
	}
}
