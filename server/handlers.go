package server

import (
	"context"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"go-lambda-channels/config"
)

var pongBody = []byte(`{"message":"pong"}`)

func jsonResponse(status int, body []byte) *Response {
	return &Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// Ping answers {"message":"pong"} on every channel.
func Ping(ctx context.Context, req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, pongBody), nil
}

type echo struct {
	strictJSON bool
	chunkSize  int
}

// post returns the request body unchanged. On the streaming channel the body
// is handed back as a chunk sequence.
func (e echo) post(ctx context.Context, req *Request) (*Response, error) {
	ct := req.Header("Content-Type")
	if e.strictJSON && !IsJSONContent(ct) {
		return nil, errors.Wrapf(ErrUnsupportedMediaType, "echo accepts JSON, got %q", ct)
	}
	if ct == "" {
		ct = "application/json"
	}

	resp := &Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": ct},
	}
	if req.Channel == ChannelFunctionURLStream {
		resp.Stream = SplitChunks(req.Body, e.chunkSize)
	} else {
		resp.Body = req.Body
	}
	return resp, nil
}

// query echoes the "message" query parameter as plain text.
func (e echo) query(ctx context.Context, req *Request) (*Response, error) {
	q, err := url.ParseQuery(req.RawQuery)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "query string: %v", err)
	}
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       []byte(q.Get("message")),
	}, nil
}

// frame echoes a WebSocket data frame. Binary frames keep a binary content
// type so the outbound encoder base64-encodes them.
func (e echo) frame(ctx context.Context, req *Request) (*Response, error) {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": frameContentType(req.Body)},
		Body:       req.Body,
	}, nil
}

func frameContentType(body []byte) string {
	switch {
	case !utf8.Valid(body):
		return "application/octet-stream"
	case gjson.ValidBytes(body):
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

type lifecycle struct {
	registry *Registry
}

func (l lifecycle) connect(ctx context.Context, req *Request) (*Response, error) {
	err := l.registry.Register(ctx, Connection{
		ID:            req.ConnectionID,
		EstablishedAt: time.Now().UTC(),
		Endpoint:      req.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK}, nil
}

func (l lifecycle) disconnect(ctx context.Context, req *Request) (*Response, error) {
	if err := l.registry.Remove(ctx, req.ConnectionID); err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK}, nil
}

// RegisterRoutes installs the application surface: ping and echo on the
// HTTP-shaped channels, and connect, disconnect, ping, echo and $default on
// WebSocket.
func RegisterRoutes(d *Dispatcher, cfg *config.Config, registry *Registry) {
	e := echo{strictJSON: cfg.Echo.StrictJSON, chunkSize: cfg.Stream.ChunkSize}
	l := lifecycle{registry: registry}

	d.Handle(http.MethodGet, "/ping", Ping)
	d.Handle(http.MethodPost, "/echo", e.post)
	d.Handle(http.MethodGet, "/echo", e.query)

	d.HandleRoute(RouteConnect, l.connect)
	d.HandleRoute(RouteDisconnect, l.disconnect)
	d.HandleRoute("ping", Ping)
	d.HandleRoute("echo", e.frame)
	d.HandleRoute(RouteDefault, e.frame)
}
