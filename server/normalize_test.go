package server

import (
	"encoding/base64"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDetectsChannels(t *testing.T) {
	cases := []struct {
		name    string
		raw     []byte
		stream  bool
		channel Channel
		target  string
	}{
		{"rest", restEvent(t, "GET", "/ping", "", nil), false, ChannelRESTGateway, "/ping"},
		{"http", httpEvent(t, "POST", "/echo", "{}", nil), false, ChannelHTTPGateway, "/echo"},
		{"function url", urlEvent(t, "GET", "/ping", "", nil), false, ChannelFunctionURL, "/ping"},
		{"function url streaming", urlEvent(t, "GET", "/ping", "", nil), true, ChannelFunctionURLStream, "/ping"},
		{"websocket connect", wsEvent(t, RouteConnect, "c1", ""), false, ChannelWebSocket, RouteConnect},
		{"websocket frame", wsEvent(t, RouteDefault, "c1", `{"action":"ping"}`), false, ChannelWebSocket, RouteDefault},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := NewNormalizer(tc.stream).Normalize(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.channel, req.Channel)
			assert.Equal(t, tc.target, req.Target())
			assert.NotEmpty(t, req.ID)
			assert.Equal(t, tc.channel == ChannelWebSocket, req.ConnectionID != "")
		})
	}
}

func TestNormalizeRejectsUnservedAndGarbage(t *testing.T) {
	alb := mustJSON(t, events.ALBTargetGroupRequest{HTTPMethod: "GET", Path: "/ping"})

	cases := map[string][]byte{
		"alb":       alb,
		"not json":  []byte("nope"),
		"empty":     []byte(`{}`),
		"json list": []byte(`[1,2,3]`),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewNormalizer(false).Normalize(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedEvent)
			assert.Equal(t, 400, StatusCode(err))
		})
	}
}

func TestNormalizeDecodesBase64Body(t *testing.T) {
	raw := mustJSON(t, events.APIGatewayV2HTTPRequest{
		Version:  "2.0",
		RouteKey: "POST /echo",
		RawPath:  "/echo",
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: "POST"},
		},
		Body:            base64.StdEncoding.EncodeToString([]byte{0xff, 0x00, 0x10}),
		IsBase64Encoded: true,
	})

	req, err := NewNormalizer(false).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00, 0x10}, req.Body)
}

func TestNormalizeRejectsBadBase64(t *testing.T) {
	raw := mustJSON(t, functionURLEvent{
		RouteKey: RouteDefault,
		LambdaFunctionURLRequest: events.LambdaFunctionURLRequest{
			Version: "2.0",
			RawPath: "/echo",
			RequestContext: events.LambdaFunctionURLRequestContext{
				HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{Method: "POST"},
			},
			Body:            "***",
			IsBase64Encoded: true,
		},
	})

	_, err := NewNormalizer(false).Normalize(raw)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNormalizeCanonicalHeadersAndQuery(t *testing.T) {
	raw := mustJSON(t, events.APIGatewayProxyRequest{
		Resource:   "/echo",
		Path:       "/echo",
		HTTPMethod: "GET",
		Headers:    map[string]string{"content-type": "application/json"},
		MultiValueHeaders: map[string][]string{
			"content-type": {"application/json"},
			"x-trace":      {"a", "b"},
		},
		MultiValueQueryStringParameters: map[string][]string{"message": {"hi there"}},
	})

	req, err := NewNormalizer(false).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "application/json", req.Header("Content-Type"))
	assert.Equal(t, "a,b", req.Header("x-trace"))
	assert.Equal(t, "message=hi+there", req.RawQuery)
}

func TestNormalizeRESTDropsCustomDomainBasePath(t *testing.T) {
	raw := mustJSON(t, events.APIGatewayProxyRequest{
		Resource:       "/{proxy+}",
		Path:           "/api/ping",
		HTTPMethod:     "GET",
		PathParameters: map[string]string{"proxy": "ping"},
	})

	req, err := NewNormalizer(false).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "/ping", req.Path)
}

func TestNormalizeHTTPStripsNamedStage(t *testing.T) {
	raw := mustJSON(t, events.APIGatewayV2HTTPRequest{
		Version:  "2.0",
		RouteKey: "ANY /{proxy+}",
		RawPath:  "/prod/ping",
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			Stage: "prod",
			HTTP:  events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: "GET"},
		},
	})

	req, err := NewNormalizer(false).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "/ping", req.Path)
}

func TestNormalizeHTTPJoinsCookies(t *testing.T) {
	raw := mustJSON(t, events.APIGatewayV2HTTPRequest{
		Version:  "2.0",
		RouteKey: "GET /ping",
		RawPath:  "/ping",
		Cookies:  []string{"a=1", "b=2"},
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{Method: "GET"},
		},
	})

	req, err := NewNormalizer(false).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "a=1; b=2", req.Header("cookie"))
}

func TestNormalizeWebSocketLifecycleHasNoBody(t *testing.T) {
	req, err := NewNormalizer(false).Normalize(wsEvent(t, RouteConnect, "c1", "ignored"))
	require.NoError(t, err)
	assert.Nil(t, req.Body)
	assert.Equal(t, "CONNECT", req.Method)
	assert.Equal(t, Endpoint{DomainName: testDomain, Stage: "prod"}, req.Endpoint)

	req, err = NewNormalizer(false).Normalize(wsEvent(t, RouteDefault, "c1", `{"action":"echo"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"action":"echo"}`, string(req.Body))
}

func TestNormalizeWebSocketWithoutConnectionID(t *testing.T) {
	raw := []byte(`{"resource":"","requestContext":{"connectionId":"","routeKey":"$default"}}`)
	_, err := NewNormalizer(false).Normalize(raw)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestNormalizeKeepsGatewayRequestID(t *testing.T) {
	req, err := NewNormalizer(false).Normalize(restEvent(t, "GET", "/ping", "", nil))
	require.NoError(t, err)
	assert.Equal(t, "rest-req", req.ID)
}
