// Package config holds the process configuration. It is read once at startup
// and passed explicitly to the constructors that need it.
package config

import (
	"strings"
	"time"
)

// InvokeMode selects how function-URL invocations are answered.
type InvokeMode string

const (
	InvokeBuffered InvokeMode = "BUFFERED"
	InvokeStream   InvokeMode = "RESPONSE_STREAM"
)

// WebsocketResponseMode selects how WebSocket data frames are answered.
//   - return: the Lambda return value is relayed by the gateway
//   - post_to_connection: the reply is pushed through the management API
type WebsocketResponseMode string

const (
	WebsocketReturn           WebsocketResponseMode = "return"
	WebsocketPostToConnection WebsocketResponseMode = "post_to_connection"
)

type Config struct {
	DebugDump             bool                  `yaml:"debug_dump"`
	LogLevel              string                `yaml:"log_level"`
	InvokeMode            InvokeMode            `yaml:"invoke_mode"`
	WebsocketResponseMode WebsocketResponseMode `yaml:"websocket_response_mode"`

	// Timeout is the wall-clock budget of one invocation. A deadline carried by
	// the invocation context wins when it is earlier.
	Timeout time.Duration `yaml:"timeout"`

	Echo      EchoConfig      `yaml:"echo"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Push      PushConfig      `yaml:"push"`
	Stream    StreamConfig    `yaml:"stream"`
	Registry  RegistryConfig  `yaml:"registry"`
	Local     LocalConfig     `yaml:"local"`
}

type EchoConfig struct {
	// StrictJSON rejects echo bodies whose content type is not JSON-compatible.
	StrictJSON bool `yaml:"strict_json"`
}

type WebsocketConfig struct {
	RouteSelectionExpression string `yaml:"route_selection_expression"`
}

type PushConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

type StreamConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type RegistryConfig struct {
	Shards int         `yaml:"shards"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// Enabled reports whether a Redis-backed connection store was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type LocalConfig struct {
	Addr      string `yaml:"addr"`
	Stage     string `yaml:"stage"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Streaming reports whether function-URL invocations stream their response.
func (c *Config) Streaming() bool {
	return c.InvokeMode == InvokeStream
}

// PostToConnection reports whether WebSocket replies are pushed out of band.
func (c *Config) PostToConnection() bool {
	return c.WebsocketResponseMode == WebsocketPostToConnection
}

func parseBoolFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
