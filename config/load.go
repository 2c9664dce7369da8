package config

import (
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// envOverrides lists the environment variables that take precedence over the
// config file. Nil fields were not set.
type envOverrides struct {
	DebugDump             *string        `envconfig:"DEBUG_DUMP_PAYLOAD"`
	LogLevel              *string        `envconfig:"APP_LOG_LEVEL"`
	InvokeMode            *string        `envconfig:"LAMBDA_INVOKE_MODE"`
	WebsocketResponseMode *string        `envconfig:"WEBSOCKET_RESPONSE_MODE"`
	Timeout               *time.Duration `envconfig:"APP_TIMEOUT"`
	EchoStrictJSON        *bool          `envconfig:"APP_ECHO_STRICT_JSON"`
	RedisAddr             *string        `envconfig:"APP_REDIS_ADDR"`
	LocalAddr             *string        `envconfig:"APP_SERVER_ADDR"`
	LocalJWTSecret        *string        `envconfig:"APP_LOCAL_JWT_SECRET"`
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the environment, in that order. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.normalize()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document on top of the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("[config] no config file found, using defaults")
			return nil
		}
		return errors.Wrapf(err, "read config %s", path)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return errors.Wrap(err, "read environment")
	}

	if env.DebugDump != nil {
		c.DebugDump = parseBoolFlag(*env.DebugDump)
	}
	if env.LogLevel != nil {
		c.LogLevel = *env.LogLevel
	}
	if env.InvokeMode != nil {
		c.InvokeMode = InvokeMode(*env.InvokeMode)
	}
	if env.WebsocketResponseMode != nil {
		c.WebsocketResponseMode = WebsocketResponseMode(*env.WebsocketResponseMode)
	}
	if env.Timeout != nil {
		c.Timeout = *env.Timeout
	}
	if env.EchoStrictJSON != nil {
		c.Echo.StrictJSON = *env.EchoStrictJSON
	}
	if env.RedisAddr != nil {
		c.Registry.Redis.Addr = *env.RedisAddr
	}
	if env.LocalAddr != nil {
		c.Local.Addr = *env.LocalAddr
	}
	if env.LocalJWTSecret != nil {
		c.Local.JWTSecret = *env.LocalJWTSecret
	}
	return nil
}

// normalize folds the accepted spellings of the mode flags.
func (c *Config) normalize() {
	c.InvokeMode = InvokeMode(strings.ToUpper(strings.TrimSpace(string(c.InvokeMode))))
	c.WebsocketResponseMode = WebsocketResponseMode(strings.ToLower(strings.TrimSpace(string(c.WebsocketResponseMode))))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}
