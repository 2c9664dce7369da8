package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"go-lambda-channels/config"
)

const testDomain = "abc123.execute-api.eu-west-1.amazonaws.com"

// testConfig is the default configuration with push retries fast enough for
// tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Timeout = 2 * time.Second
	cfg.Push.BaseDelay = time.Millisecond
	cfg.Push.MaxDelay = 2 * time.Millisecond
	cfg.Stream.ChunkSize = 4
	return cfg
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func restEvent(t *testing.T, method, path, body string, headers map[string]string) json.RawMessage {
	t.Helper()
	return mustJSON(t, events.APIGatewayProxyRequest{
		Resource:       "/{proxy+}",
		Path:           path,
		HTTPMethod:     method,
		Headers:        headers,
		PathParameters: map[string]string{"proxy": strings.TrimPrefix(path, "/")},
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID:    "rest-req",
			Stage:        "prod",
			ResourcePath: "/{proxy+}",
			HTTPMethod:   method,
		},
		Body: body,
	})
}

func httpEvent(t *testing.T, method, path, body string, headers map[string]string) json.RawMessage {
	t.Helper()
	return mustJSON(t, events.APIGatewayV2HTTPRequest{
		Version:        "2.0",
		RouteKey:       "ANY /{proxy+}",
		RawPath:        path,
		Headers:        headers,
		PathParameters: map[string]string{"proxy": strings.TrimPrefix(path, "/")},
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RouteKey:  "ANY /{proxy+}",
			Stage:     "$default",
			RequestID: "http-req",
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method: method,
				Path:   path,
			},
		},
		Body: body,
	})
}

type functionURLEvent struct {
	events.LambdaFunctionURLRequest
	RouteKey string `json:"routeKey"`
}

func urlEvent(t *testing.T, method, path, body string, headers map[string]string) json.RawMessage {
	t.Helper()
	return mustJSON(t, functionURLEvent{
		RouteKey: RouteDefault,
		LambdaFunctionURLRequest: events.LambdaFunctionURLRequest{
			Version: "2.0",
			RawPath: path,
			Headers: headers,
			RequestContext: events.LambdaFunctionURLRequestContext{
				RequestID: "url-req",
				HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{
					Method: method,
					Path:   path,
				},
			},
			Body: body,
		},
	})
}

func wsEvent(t *testing.T, routeKey, connID, body string) json.RawMessage {
	t.Helper()
	eventType := "MESSAGE"
	switch routeKey {
	case RouteConnect:
		eventType = "CONNECT"
	case RouteDisconnect:
		eventType = "DISCONNECT"
	}
	return mustJSON(t, events.APIGatewayWebsocketProxyRequest{
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:     routeKey,
			EventType:    eventType,
			ConnectionID: connID,
			DomainName:   testDomain,
			Stage:        "prod",
			RequestID:    "ws-req",
		},
		Body: body,
	})
}

type pushed struct {
	conn    Connection
	payload string
}

// fakePusher records pushes. fail, when set, decides the outcome of each
// call from its 1-based attempt number.
type fakePusher struct {
	mu     sync.Mutex
	pushes []pushed
	calls  int
	fail   func(attempt int) error
}

func (p *fakePusher) PostToConnection(ctx context.Context, conn Connection, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		if err := p.fail(p.calls); err != nil {
			return err
		}
	}
	p.pushes = append(p.pushes, pushed{conn: conn, payload: string(payload)})
	return nil
}

func (p *fakePusher) sent() []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushed(nil), p.pushes...)
}

func (p *fakePusher) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// memStore is an in-memory Store shared by several registries to stand in for
// Redis.
type memStore struct {
	mu    sync.Mutex
	conns map[string]Connection
}

func newMemStore() *memStore {
	return &memStore{conns: make(map[string]Connection)}
}

func (s *memStore) Save(ctx context.Context, conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn.ID]; !ok {
		s.conns[conn.ID] = conn
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return nil
}

func (s *memStore) Load(ctx context.Context, id string) (Connection, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok, nil
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	srv, err := New(cfg, opts...)
	require.NoError(t, err)
	return srv
}
