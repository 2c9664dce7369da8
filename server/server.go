package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go-lambda-channels/config"
)

// Server is the invocation core: it normalizes an event, dispatches it to a
// handler and hands the result to the delivery strategy of its channel.
// Strategies are chosen once, from the configuration, when the Server is built.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	normalizer *Normalizer
	dispatcher *Dispatcher
	registry   *Registry
	metrics    *Metrics

	buffered  Delivery // REST, HTTP and buffered function URLs
	stream    Delivery // streaming function URLs
	websocket Delivery // WebSocket data frames
	lifecycle Delivery // $connect and $disconnect are always answered directly

	pusher Pusher
	store  Store

	debugDump atomic.Bool
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPusher sets the out-of-band transport used in post_to_connection mode.
func WithPusher(p Pusher) Option {
	return func(s *Server) { s.pusher = p }
}

// WithStore shares connection registrations with other instances.
func WithStore(st Store) Option {
	return func(s *Server) { s.store = st }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg: cfg,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if cfg.PostToConnection() && s.pusher == nil {
		return nil, errors.New("websocket_response_mode post_to_connection needs a pusher")
	}

	regOpts := []RegistryOption{WithRegistryLogger(s.log)}
	if s.store != nil {
		regOpts = append(regOpts, WithRegistryStore(s.store))
	}
	s.registry = NewRegistry(cfg.Registry.Shards, s.pusher, regOpts...)

	s.normalizer = NewNormalizer(cfg.Streaming())
	s.dispatcher = NewDispatcher(cfg.Websocket.RouteSelectionExpression)
	RegisterRoutes(s.dispatcher, cfg, s.registry)

	s.buffered = NewBufferedDelivery()
	s.stream = NewStreamDelivery(cfg.Stream.ChunkSize, s.log)
	s.lifecycle = NewReturnDelivery()
	if cfg.PostToConnection() {
		s.websocket = NewPushDelivery(s.registry, cfg.Push, s.log)
	} else {
		s.websocket = NewReturnDelivery()
	}

	s.debugDump.Store(cfg.DebugDump)
	return s, nil
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Metrics() *Metrics { return s.metrics }

// Dispatcher exposes route registration for additional handlers.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Server) SetDebugDump(on bool) { s.debugDump.Store(on) }

func (s *Server) DebugDump() bool { return s.debugDump.Load() }

// Apply takes the runtime-adjustable fields of a reloaded configuration.
// Delivery modes are fixed at construction; a reload that changes them is
// logged and otherwise ignored.
func (s *Server) Apply(cfg *config.Config) {
	if !s.cfg.SameModes(cfg) {
		s.log.Warn().
			Str("invoke_mode", string(cfg.InvokeMode)).
			Str("websocket_response_mode", string(cfg.WebsocketResponseMode)).
			Msg("[server] delivery modes cannot change at runtime, restart to apply")
	}
	s.SetDebugDump(cfg.DebugDump)
}

// DeliveryFor returns the strategy that answers req.
func (s *Server) DeliveryFor(req *Request) Delivery {
	switch req.Channel {
	case ChannelWebSocket:
		if req.RouteKey == RouteConnect || req.RouteKey == RouteDisconnect {
			return s.lifecycle
		}
		return s.websocket
	case ChannelFunctionURLStream:
		return s.stream
	}
	return s.buffered
}

// Handle is the Lambda entry point. It never returns an error: malformed
// events and handler failures become well-formed error responses.
func (s *Server) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	if s.debugDump.Load() {
		s.log.Debug().RawJSON("event", raw).Msg("[invoke] inbound event")
	}

	req, err := s.normalizer.Normalize(raw)
	if err != nil {
		s.metrics.Begin()
		s.metrics.Observe("unknown", DeliveryBuffered, 0, true)
		s.log.Warn().Err(err).Str("aws_request_id", lambdaRequestID(ctx)).Msg("[invoke] rejected event")
		return Outbound(ChannelUnknown, ErrorResponse(err)), nil
	}

	out, _ := s.Serve(ctx, req)

	if s.debugDump.Load() {
		if _, streaming := out.(*events.LambdaFunctionURLStreamingResponse); streaming {
			s.log.Debug().Str("request_id", req.ID).Msg("[invoke] outbound stream opened")
		} else {
			s.log.Debug().Str("request_id", req.ID).Interface("response", out).Msg("[invoke] outbound response")
		}
	}
	return out, nil
}

// Serve runs a normalized request through dispatch and delivery. The returned
// Invocation may still be delivering when the outbound value is a stream.
func (s *Server) Serve(ctx context.Context, req *Request) (any, *Invocation) {
	d := s.DeliveryFor(req)
	awsID := lambdaRequestID(ctx)

	// set once dispatch has resolved the route, before delivery can finish
	var route string
	s.metrics.Begin()
	inv := newInvocation(req, d.Mode(), s.cfg.Timeout, func(inv *Invocation) {
		s.complete(route, awsID, inv)
	})

	dctx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	if req.Channel == ChannelWebSocket && req.RouteKey != RouteConnect && req.RouteKey != RouteDisconnect {
		s.touch(dctx, req)
	}

	resp, err := s.dispatcher.Dispatch(dctx, req)
	route = routeLabel(req, err)
	inv.advance(StateDispatched)

	if err != nil {
		err = budgetErr(dctx, err)
		if req.Channel == ChannelWebSocket && errors.Is(err, ErrRouteNotFound) {
			// unrouted frames expect no reply
			s.log.Debug().Err(err).Str("connection_id", req.ConnectionID).Msg("[invoke] frame dropped")
			resp = &Response{StatusCode: http.StatusOK}
		} else {
			inv.noteErr(err)
			resp = ErrorResponse(err)
		}
	}
	if resp == nil {
		resp = &Response{StatusCode: http.StatusOK}
	}

	return d.Deliver(ctx, inv, resp), inv
}

// touch re-registers the sender of a data frame. The gateway only forwards
// frames of live connections, and the $connect may have been served by
// another instance.
func (s *Server) touch(ctx context.Context, req *Request) {
	err := s.registry.Register(ctx, Connection{
		ID:            req.ConnectionID,
		EstablishedAt: time.Now().UTC(),
		Endpoint:      req.Endpoint,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("connection_id", req.ConnectionID).Msg("[registry] register on frame failed")
	}
}

func (s *Server) complete(route, awsID string, inv *Invocation) {
	failed := inv.State() == StateFailed
	s.metrics.Observe(route, inv.Mode, inv.Duration(), failed || inv.Err() != nil)

	ev := s.log.Info()
	if failed {
		ev = s.log.Warn()
	}
	req := inv.Request
	ev = ev.Str("request_id", req.ID).
		Str("channel", req.Channel.String()).
		Str("method", req.Method).
		Str("target", req.Target()).
		Int("status", inv.Status()).
		Str("mode", inv.Mode.String()).
		Str("state", inv.State().String()).
		Dur("duration", inv.Duration())
	if awsID != "" {
		ev = ev.Str("aws_request_id", awsID)
	}
	if req.ConnectionID != "" {
		ev = ev.Str("connection_id", req.ConnectionID)
	}
	if err := inv.Err(); err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("[invoke] done")
}

func lambdaRequestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return ""
}
