package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type integration int

const (
	integrationUnknown integration = iota
	integrationREST
	integrationWebSocket
	integrationHTTP
	integrationFunctionURL
	integrationALB
)

// envelope holds just enough of an inbound event to tell the shapes apart.
type envelope struct {
	// only REST and WebSocket events carry "resource"
	Resource *string `json:"resource"`
	// only payload format 2.0 (HTTP gateway, function URL) carries "version"
	Version *string `json:"version"`
	// always nil for function URLs
	PathParameters map[string]string `json:"pathParameters"`
	// "$default" for function URLs
	RouteKey string `json:"routeKey"`
	// REST gateway and ALB target groups; ALB has no "resource"
	HTTPMethod *string `json:"httpMethod"`

	RequestContext struct {
		ConnectionID *string `json:"connectionId"`
	} `json:"requestContext"`
}

func (e envelope) integration() integration {
	if e.Resource != nil {
		if e.RequestContext.ConnectionID == nil {
			return integrationREST
		}
		return integrationWebSocket
	}
	if e.RequestContext.ConnectionID != nil {
		return integrationWebSocket
	}
	if e.Version != nil {
		if e.RouteKey == RouteDefault && e.PathParameters == nil {
			return integrationFunctionURL
		}
		return integrationHTTP
	}
	if e.HTTPMethod != nil {
		return integrationALB
	}
	return integrationUnknown
}

// Normalizer turns raw event envelopes into canonical Requests. It is the only
// place that knows the individual event shapes.
type Normalizer struct {
	// streaming tags function-URL events as ChannelFunctionURLStream.
	streaming bool
}

func NewNormalizer(streaming bool) *Normalizer {
	return &Normalizer{streaming: streaming}
}

// Normalize parses one raw event. Every failure wraps ErrMalformedEvent.
func (n *Normalizer) Normalize(raw []byte) (*Request, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "decode envelope: %v", err)
	}

	var (
		req *Request
		err error
	)

	switch env.integration() {
	case integrationREST:
		var e events.APIGatewayProxyRequest
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "rest_api: %v", err)
		}
		req, err = n.fromREST(&e)
	case integrationHTTP:
		var e events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "http_api: %v", err)
		}
		req, err = n.fromHTTP(&e)
	case integrationFunctionURL:
		var e events.LambdaFunctionURLRequest
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "function_url: %v", err)
		}
		req, err = n.fromFunctionURL(&e)
	case integrationWebSocket:
		var e events.APIGatewayWebsocketProxyRequest
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "websocket: %v", err)
		}
		req, err = n.fromWebSocket(&e)
	case integrationALB:
		return nil, errors.Wrap(ErrMalformedEvent, "alb target group events are not served")
	default:
		return nil, errors.Wrap(ErrMalformedEvent, "unknown lambda integration type")
	}
	if err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (n *Normalizer) fromREST(e *events.APIGatewayProxyRequest) (*Request, error) {
	if e.HTTPMethod == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "rest_api: missing httpMethod")
	}

	body, err := decodeBody(e.Body, e.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "rest_api: decode base64 body: %v", err)
	}

	// With a custom-domain base path mapping, Path carries the mapping
	// prefix; the resource template does not.
	path := e.Path
	if strings.Contains(e.Resource, "{") && len(e.PathParameters) > 0 {
		path = ExpandPathParameters(e.Resource, e.PathParameters)
	}
	if path == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "rest_api: missing path")
	}

	return &Request{
		ID:       e.RequestContext.RequestID,
		Channel:  ChannelRESTGateway,
		Method:   e.HTTPMethod,
		Path:     path,
		RawQuery: joinQuery(e.QueryStringParameters, e.MultiValueQueryStringParameters),
		Headers:  canonicalHeaders(e.Headers, e.MultiValueHeaders),
		Body:     body,
		SourceIP: e.RequestContext.Identity.SourceIP,
	}, nil
}

func (n *Normalizer) fromHTTP(e *events.APIGatewayV2HTTPRequest) (*Request, error) {
	method := e.RequestContext.HTTP.Method
	if method == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "http_api: missing requestContext.http.method")
	}

	body, err := decodeBody(e.Body, e.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "http_api: decode base64 body: %v", err)
	}

	path := e.RawPath
	if path == "" {
		path = e.RequestContext.HTTP.Path
	}

	headers := canonicalHeaders(e.Headers, nil)
	addCookies(headers, e.Cookies)

	return &Request{
		ID:       e.RequestContext.RequestID,
		Channel:  ChannelHTTPGateway,
		Method:   method,
		Path:     StripStage(path, e.RequestContext.Stage),
		RawQuery: e.RawQueryString,
		Headers:  headers,
		Body:     body,
		SourceIP: e.RequestContext.HTTP.SourceIP,
	}, nil
}

func (n *Normalizer) fromFunctionURL(e *events.LambdaFunctionURLRequest) (*Request, error) {
	method := e.RequestContext.HTTP.Method
	if method == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "function_url: missing requestContext.http.method")
	}

	body, err := decodeBody(e.Body, e.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "function_url: decode base64 body: %v", err)
	}

	path := e.RawPath
	if path == "" {
		path = e.RequestContext.HTTP.Path
	}
	if path == "" {
		path = "/"
	}

	headers := canonicalHeaders(e.Headers, nil)
	addCookies(headers, e.Cookies)

	channel := ChannelFunctionURL
	if n.streaming {
		channel = ChannelFunctionURLStream
	}

	return &Request{
		ID:       e.RequestContext.RequestID,
		Channel:  channel,
		Method:   method,
		Path:     path,
		RawQuery: e.RawQueryString,
		Headers:  headers,
		Body:     body,
		SourceIP: e.RequestContext.HTTP.SourceIP,
	}, nil
}

func (n *Normalizer) fromWebSocket(e *events.APIGatewayWebsocketProxyRequest) (*Request, error) {
	rc := e.RequestContext
	if rc.ConnectionID == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "websocket: missing requestContext.connectionId")
	}
	if rc.RouteKey == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "websocket: missing requestContext.routeKey")
	}

	var body []byte
	if rc.RouteKey != RouteConnect && rc.RouteKey != RouteDisconnect {
		b, err := decodeBody(e.Body, e.IsBase64Encoded)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "websocket: decode base64 body: %v", err)
		}
		body = b
	}

	return &Request{
		ID:           rc.RequestID,
		Channel:      ChannelWebSocket,
		Method:       rc.EventType,
		RouteKey:     rc.RouteKey,
		RawQuery:     joinQuery(e.QueryStringParameters, e.MultiValueQueryStringParameters),
		Headers:      canonicalHeaders(e.Headers, e.MultiValueHeaders),
		Body:         body,
		ConnectionID: rc.ConnectionID,
		Endpoint: Endpoint{
			DomainName: rc.DomainName,
			Stage:      rc.Stage,
		},
		SourceIP: rc.Identity.SourceIP,
	}, nil
}

func decodeBody(body string, isBase64 bool) ([]byte, error) {
	if body == "" {
		return nil, nil
	}
	if isBase64 {
		return base64.StdEncoding.DecodeString(body)
	}
	return []byte(body), nil
}

// canonicalHeaders prefers the multi-value form when the gateway sent one.
func canonicalHeaders(single map[string]string, multi map[string][]string) map[string]string {
	out := make(map[string]string, max(len(single), len(multi)))
	if multi != nil {
		for k, vs := range multi {
			out[http.CanonicalHeaderKey(k)] = strings.Join(vs, ",")
		}
		return out
	}
	for k, v := range single {
		out[http.CanonicalHeaderKey(k)] = v
	}
	return out
}

func addCookies(headers map[string]string, cookies []string) {
	if len(cookies) == 0 || headers["Cookie"] != "" {
		return
	}
	headers["Cookie"] = strings.Join(cookies, "; ")
}

func joinQuery(single map[string]string, multi map[string][]string) string {
	q := make(url.Values)
	if multi != nil {
		for k, vs := range multi {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
	} else {
		for k, v := range single {
			q.Set(k, v)
		}
	}
	return q.Encode()
}
