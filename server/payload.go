package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Channel identifies the transport an invocation arrived through.
type Channel int

const (
	ChannelUnknown Channel = iota
	ChannelRESTGateway
	ChannelHTTPGateway
	ChannelWebSocket
	ChannelFunctionURL
	ChannelFunctionURLStream
)

func (c Channel) String() string {
	switch c {
	case ChannelRESTGateway:
		return "rest"
	case ChannelHTTPGateway:
		return "http"
	case ChannelWebSocket:
		return "websocket"
	case ChannelFunctionURL:
		return "url"
	case ChannelFunctionURLStream:
		return "url-stream"
	}
	return "unknown"
}

// DeliveryMode is how a Response leaves the process.
type DeliveryMode int

const (
	DeliveryBuffered DeliveryMode = iota
	DeliveryStream
	DeliveryReturn
	DeliveryPostToConnection
)

func (m DeliveryMode) String() string {
	switch m {
	case DeliveryBuffered:
		return "buffered"
	case DeliveryStream:
		return "stream"
	case DeliveryReturn:
		return "return"
	case DeliveryPostToConnection:
		return "post_to_connection"
	}
	return "unknown"
}

// WebSocket route keys assigned by the gateway.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Endpoint addresses the management API of the WebSocket gateway that
// delivered a connection.
type Endpoint struct {
	DomainName string `json:"domain_name"`
	Stage      string `json:"stage"`
}

// URL returns the management API base URL, https://{domain}/{stage}.
func (e Endpoint) URL() string {
	if e.Stage == "" {
		return "https://" + e.DomainName
	}
	return "https://" + e.DomainName + "/" + e.Stage
}

// Request is the channel-agnostic form of an inbound event.
type Request struct {
	ID       string
	Channel  Channel
	Method   string
	Path     string // HTTP channels
	RouteKey string // WebSocket only
	RawQuery string
	Headers  map[string]string // canonical header names
	Body     []byte

	// WebSocket only.
	ConnectionID string
	Endpoint     Endpoint

	SourceIP string
}

// Header returns the value of the named header, case-insensitively.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[http.CanonicalHeaderKey(name)]
}

// Target returns the path for HTTP channels and the route key for WebSocket.
func (r *Request) Target() string {
	if r.Channel == ChannelWebSocket {
		return r.RouteKey
	}
	return r.Path
}

// Validate enforces that a connection id is present exactly when the
// request came through the WebSocket channel.
func (r *Request) Validate() error {
	if r.Channel == ChannelUnknown {
		return errors.Wrap(ErrMalformedEvent, "request has no channel")
	}
	if (r.Channel == ChannelWebSocket) != (r.ConnectionID != "") {
		return errors.Wrapf(ErrMalformedEvent, "connection id on %s request", r.Channel)
	}
	if r.Channel == ChannelWebSocket && r.RouteKey == "" {
		return errors.Wrap(ErrMalformedEvent, "websocket request without route key")
	}
	return nil
}

// ChunkReader is a lazy, finite, non-restartable sequence of body chunks.
// NextChunk returns io.EOF once the sequence is exhausted; any other error
// aborts it. Implementations must honor ctx while waiting for data.
type ChunkReader interface {
	NextChunk(ctx context.Context) ([]byte, error)
}

// ChunkFunc adapts a function to ChunkReader.
type ChunkFunc func(ctx context.Context) ([]byte, error)

func (f ChunkFunc) NextChunk(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// SliceChunks yields the given chunks in order.
func SliceChunks(chunks ...[]byte) ChunkReader {
	i := 0
	return ChunkFunc(func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	})
}

// SplitChunks yields body in pieces of at most size bytes.
func SplitChunks(body []byte, size int) ChunkReader {
	if size <= 0 {
		size = len(body)
	}
	rest := body
	return ChunkFunc(func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(rest) == 0 {
			return nil, io.EOF
		}
		n := min(size, len(rest))
		c := rest[:n]
		rest = rest[n:]
		return c, nil
	})
}

// Response is what a handler produces. Exactly one of Body or Stream carries
// the payload; Stream wins when both are set.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Stream     ChunkReader
}

// Header returns the value of the named response header.
func (r *Response) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[http.CanonicalHeaderKey(name)]
}

// SetHeader stores value under the canonical form of name.
func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[http.CanonicalHeaderKey(name)] = value
}

// Materialize drains Stream into Body. A failure mid-stream keeps the prefix
// read so far in Body.
func (r *Response) Materialize(ctx context.Context) error {
	if r.Stream == nil {
		return nil
	}
	var buf bytes.Buffer
	stream := r.Stream
	r.Stream = nil

	for {
		chunk, err := stream.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.Body = buf.Bytes()
			return err
		}
		buf.Write(chunk)
	}
	r.Body = buf.Bytes()
	return nil
}

// Connection is an established WebSocket session.
type Connection struct {
	ID            string    `json:"id"`
	EstablishedAt time.Time `json:"established_at"`
	Endpoint      Endpoint  `json:"endpoint"`
}
