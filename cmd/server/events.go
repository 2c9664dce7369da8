package main

import (
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go-lambda-channels/server"
)

// inbound is the part of an HTTP request every synthesized event needs.
type inbound struct {
	id       string
	method   string
	path     string
	rawQuery string
	host     string
	sourceIP string
	headers  http.Header
	body     string
	base64   bool
}

// readInbound copies r the way the gateways see it. prefix is the emulator
// route ("/rest", "/http", "/url") and is cut from the path.
func readInbound(r *http.Request, prefix string, limit int64) (*inbound, error) {
	in := &inbound{
		id:       r.Header.Get("X-Request-Id"),
		method:   r.Method,
		path:     strings.TrimPrefix(r.URL.Path, prefix),
		rawQuery: r.URL.RawQuery,
		host:     r.Host,
		headers:  r.Header.Clone(),
	}
	if in.id == "" {
		in.id = uuid.NewString()
	}
	if in.path == "" {
		in.path = "/"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		in.sourceIP = ip
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	_ = r.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	in.body, in.base64 = encodeRequestBody(r.Header.Get("Content-Type"), body)
	return in, nil
}

func encodeRequestBody(contentType string, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if (contentType == "" || server.IsTextContent(contentType)) && utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// singleHeaders joins repeated headers with commas and lower-cases names the
// way payload format 2.0 does.
func singleHeaders(h http.Header, lower bool) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if lower {
			k = strings.ToLower(k)
		}
		out[k] = strings.Join(vs, ",")
	}
	return out
}

func queryMaps(rawQuery string) (map[string]string, map[string][]string) {
	values, _ := url.ParseQuery(rawQuery)
	if len(values) == 0 {
		return nil, nil
	}
	single := make(map[string]string, len(values))
	for k, vs := range values {
		single[k] = vs[len(vs)-1]
	}
	return single, values
}

// stagePath prefixes path with a named stage, as the gateways do in the paths
// they forward.
func stagePath(stage, path string) string {
	if stage == "" || stage == "$default" {
		return path
	}
	return "/" + stage + path
}

func restEvent(in *inbound, stage string) events.APIGatewayProxyRequest {
	single, multi := queryMaps(in.rawQuery)
	return events.APIGatewayProxyRequest{
		Resource:                        "/{proxy+}",
		Path:                            stagePath(stage, in.path),
		HTTPMethod:                      in.method,
		Headers:                         singleHeaders(in.headers, false),
		MultiValueHeaders:               in.headers,
		QueryStringParameters:           single,
		MultiValueQueryStringParameters: multi,
		PathParameters:                  map[string]string{"proxy": strings.TrimPrefix(in.path, "/")},
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID:        in.id,
			Stage:            stage,
			ResourcePath:     "/{proxy+}",
			HTTPMethod:       in.method,
			DomainName:       in.host,
			Identity:         events.APIGatewayRequestIdentity{SourceIP: in.sourceIP},
			RequestTimeEpoch: time.Now().UnixMilli(),
		},
		Body:            in.body,
		IsBase64Encoded: in.base64,
	}
}

func httpEvent(in *inbound, stage string) events.APIGatewayV2HTTPRequest {
	single, _ := queryMaps(in.rawQuery)
	headers := singleHeaders(in.headers, true)
	var cookies []string
	if c, ok := headers["cookie"]; ok {
		cookies = strings.Split(c, "; ")
		delete(headers, "cookie")
	}
	return events.APIGatewayV2HTTPRequest{
		Version:               "2.0",
		RouteKey:              "ANY /{proxy+}",
		RawPath:               stagePath(stage, in.path),
		RawQueryString:        in.rawQuery,
		Cookies:               cookies,
		Headers:               headers,
		QueryStringParameters: single,
		PathParameters:        map[string]string{"proxy": strings.TrimPrefix(in.path, "/")},
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RouteKey:   "ANY /{proxy+}",
			Stage:      stage,
			RequestID:  in.id,
			DomainName: in.host,
			TimeEpoch:  time.Now().UnixMilli(),
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:   in.method,
				Path:     stagePath(stage, in.path),
				Protocol: "HTTP/1.1",
				SourceIP: in.sourceIP,
			},
		},
		Body:            in.body,
		IsBase64Encoded: in.base64,
	}
}

// functionURLEvent adds the constant route key function URLs send, which the
// aws-lambda-go request type does not model.
type functionURLEvent struct {
	events.LambdaFunctionURLRequest
	RouteKey string `json:"routeKey"`
}

func functionURLRequest(in *inbound) functionURLEvent {
	single, _ := queryMaps(in.rawQuery)
	headers := singleHeaders(in.headers, true)
	var cookies []string
	if c, ok := headers["cookie"]; ok {
		cookies = strings.Split(c, "; ")
		delete(headers, "cookie")
	}
	return functionURLEvent{
		RouteKey: server.RouteDefault,
		LambdaFunctionURLRequest: events.LambdaFunctionURLRequest{
			Version:               "2.0",
			RawPath:               in.path,
			RawQueryString:        in.rawQuery,
			Cookies:               cookies,
			Headers:               headers,
			QueryStringParameters: single,
			RequestContext: events.LambdaFunctionURLRequestContext{
				RequestID:  in.id,
				DomainName: in.host,
				TimeEpoch:  time.Now().UnixMilli(),
				HTTP: events.LambdaFunctionURLRequestContextHTTPDescription{
					Method:   in.method,
					Path:     in.path,
					Protocol: "HTTP/1.1",
					SourceIP: in.sourceIP,
				},
			},
			Body:            in.body,
			IsBase64Encoded: in.base64,
		},
	}
}

// websocketEvent builds a $connect, $disconnect or data-frame event.
func websocketEvent(routeKey, eventType, connID string, ep server.Endpoint, sourceIP string, headers http.Header, body []byte) events.APIGatewayWebsocketProxyRequest {
	now := time.Now()
	ev := events.APIGatewayWebsocketProxyRequest{
		RequestContext: events.APIGatewayWebsocketProxyRequestContext{
			RouteKey:         routeKey,
			EventType:        eventType,
			ConnectionID:     connID,
			DomainName:       ep.DomainName,
			Stage:            ep.Stage,
			RequestID:        uuid.NewString(),
			MessageDirection: "IN",
			RequestTimeEpoch: now.UnixMilli(),
			Identity:         events.APIGatewayRequestIdentity{SourceIP: sourceIP},
		},
		IsBase64Encoded: false,
	}
	if headers != nil {
		ev.Headers = singleHeaders(headers, false)
		ev.MultiValueHeaders = headers
	}
	if len(body) > 0 {
		if utf8.Valid(body) {
			ev.Body = string(body)
		} else {
			ev.Body = base64.StdEncoding.EncodeToString(body)
			ev.IsBase64Encoded = true
		}
	}
	return ev
}
