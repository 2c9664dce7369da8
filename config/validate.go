package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Validate checks the fields that have no safe fallback.
func (c *Config) Validate() error {
	switch c.InvokeMode {
	case InvokeBuffered, InvokeStream:
	default:
		return errors.Errorf("invoke_mode must be %s or %s, got %q", InvokeBuffered, InvokeStream, c.InvokeMode)
	}

	switch c.WebsocketResponseMode {
	case WebsocketReturn, WebsocketPostToConnection:
	default:
		return errors.Errorf("websocket_response_mode must be %s or %s, got %q", WebsocketReturn, WebsocketPostToConnection, c.WebsocketResponseMode)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "log_level %q", c.LogLevel)
	}

	if !strings.HasPrefix(c.Websocket.RouteSelectionExpression, "$request.body.") {
		return errors.Errorf("websocket.route_selection_expression must start with $request.body., got %q", c.Websocket.RouteSelectionExpression)
	}

	if c.Registry.Redis.DB < 0 {
		return errors.New("registry.redis.db must be >= 0")
	}

	return nil
}
