package server

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// HandlerFunc is the application surface shared by every channel.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Dispatcher maps a canonical Request to a handler: by method and path for
// HTTP-shaped channels, by route key for WebSocket.
type Dispatcher struct {
	paths  map[string]map[string]HandlerFunc // path -> method -> handler
	routes map[string]HandlerFunc            // websocket route key -> handler

	// gjson path derived from the route selection expression
	actionPath string
}

// NewDispatcher returns an empty dispatcher. routeSelection is a WebSocket
// route selection expression of the form "$request.body.<path>".
func NewDispatcher(routeSelection string) *Dispatcher {
	return &Dispatcher{
		paths:      make(map[string]map[string]HandlerFunc),
		routes:     make(map[string]HandlerFunc),
		actionPath: strings.TrimPrefix(routeSelection, "$request.body."),
	}
}

// Handle registers h for method and path on the HTTP-shaped channels.
func (d *Dispatcher) Handle(method, path string, h HandlerFunc) {
	byMethod, ok := d.paths[path]
	if !ok {
		byMethod = make(map[string]HandlerFunc)
		d.paths[path] = byMethod
	}
	byMethod[strings.ToUpper(method)] = h
}

// HandleRoute registers h for a WebSocket route key. Keys other than
// $connect, $disconnect and $default are also reachable from $default frames
// whose selected action names them.
func (d *Dispatcher) HandleRoute(routeKey string, h HandlerFunc) {
	d.routes[routeKey] = h
}

// Dispatch runs the handler matching req. It fails with ErrRouteNotFound or
// ErrMethodNotAllowed when nothing matches.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	h, err := d.lookup(req)
	if err != nil {
		return nil, err
	}
	return h(ctx, req)
}

func (d *Dispatcher) lookup(req *Request) (HandlerFunc, error) {
	if req.Channel == ChannelWebSocket {
		return d.lookupRoute(req)
	}

	byMethod, ok := d.paths[req.Path]
	if !ok {
		return nil, errors.Wrapf(ErrRouteNotFound, "%s %s", req.Method, req.Path)
	}
	h, ok := byMethod[strings.ToUpper(req.Method)]
	if !ok {
		return nil, errors.Wrapf(ErrMethodNotAllowed, "%s %s (allow: %s)", req.Method, req.Path, allowed(byMethod))
	}
	return h, nil
}

func (d *Dispatcher) lookupRoute(req *Request) (HandlerFunc, error) {
	if req.RouteKey != RouteDefault {
		h, ok := d.routes[req.RouteKey]
		if !ok {
			return nil, errors.Wrapf(ErrRouteNotFound, "route %s", req.RouteKey)
		}
		return h, nil
	}

	action := d.SelectAction(req.Body)
	if action == "" || isReservedRoute(action) {
		if h, ok := d.routes[RouteDefault]; ok {
			return h, nil
		}
		return nil, errors.Wrap(ErrRouteNotFound, "route $default")
	}
	h, ok := d.routes[action]
	if !ok {
		return nil, errors.Wrapf(ErrRouteNotFound, "action %q", action)
	}
	return h, nil
}

// SelectAction evaluates the route selection expression against a frame
// body. Frames that are not JSON objects or lack the field select nothing.
func (d *Dispatcher) SelectAction(body []byte) string {
	if d.actionPath == "" || !gjson.ValidBytes(body) {
		return ""
	}
	res := gjson.GetBytes(body, d.actionPath)
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}

func isReservedRoute(key string) bool {
	return key == RouteConnect || key == RouteDisconnect || key == RouteDefault
}

func allowed(byMethod map[string]HandlerFunc) string {
	methods := make([]string, 0, len(byMethod))
	for m := range byMethod {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
