package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go-lambda-channels/config"
	"go-lambda-channels/server"
)

const (
	maxRequestBody     = 10 * 1024 * 1024
	streamReadSize     = 4 * 1024
	managementAudience = "execute-api"
)

// invoker is the Lambda side of the emulator.
type invoker interface {
	Handle(ctx context.Context, raw json.RawMessage) (any, error)
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	kind := websocket.TextMessage
	if !utf8.Valid(data) {
		kind = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(kind, data)
}

// gateway turns local HTTP traffic into the event shapes of the managed
// gateways and relays the function's answers back.
type gateway struct {
	fn      invoker
	cfg     *config.Config
	log     zerolog.Logger
	metrics *server.Metrics
	secret  []byte

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*wsConn
}

func newGateway(fn invoker, cfg *config.Config, secret []byte, metrics *server.Metrics, log zerolog.Logger) *gateway {
	return &gateway{
		fn:      fn,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		secret:  secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*wsConn),
	}
}

func (g *gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/", g.serveREST)
	mux.HandleFunc("/http/", g.serveHTTP)
	mux.HandleFunc("/url/", g.serveFunctionURL)
	mux.HandleFunc("GET /ws", g.serveWebSocket)
	mux.HandleFunc("POST /__gateway/{stage}/@connections/{id}", g.postToConnection)
	mux.HandleFunc("GET /__gateway/health", g.health)
	mux.HandleFunc("GET /__gateway/metrics", g.serveMetrics)
	return mux
}

func (g *gateway) invoke(ctx context.Context, event any) (any, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "encode event")
	}
	return g.fn.Handle(ctx, raw)
}

func (g *gateway) serveREST(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r, "/rest", maxRequestBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.relay(w, r, restEvent(in, g.cfg.Local.Stage))
}

func (g *gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r, "/http", maxRequestBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.relay(w, r, httpEvent(in, g.cfg.Local.Stage))
}

func (g *gateway) serveFunctionURL(w http.ResponseWriter, r *http.Request) {
	in, err := readInbound(r, "/url", maxRequestBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.relay(w, r, functionURLRequest(in))
}

func (g *gateway) relay(w http.ResponseWriter, r *http.Request, event any) {
	out, err := g.invoke(r.Context(), event)
	if err != nil {
		g.log.Error().Err(err).Str("path", r.URL.Path).Msg("[gateway] invocation error")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if err := writeOutbound(w, out); err != nil {
		g.log.Warn().Err(err).Str("path", r.URL.Path).Msg("[gateway] response cut short")
		// abort so the client sees a truncated response, not a complete one
		panic(http.ErrAbortHandler)
	}
}

// writeOutbound writes any of the function's response shapes to w. Streaming
// responses are flushed read by read.
func writeOutbound(w http.ResponseWriter, out any) error {
	switch resp := out.(type) {
	case *events.LambdaFunctionURLStreamingResponse:
		return writeStream(w, resp)
	case *events.APIGatewayProxyResponse:
		return writeBuffered(w, resp.StatusCode, resp.Headers, resp.MultiValueHeaders, resp.Body, resp.IsBase64Encoded)
	case *events.APIGatewayV2HTTPResponse:
		return writeBuffered(w, resp.StatusCode, resp.Headers, resp.MultiValueHeaders, resp.Body, resp.IsBase64Encoded)
	case *events.LambdaFunctionURLResponse:
		return writeBuffered(w, resp.StatusCode, resp.Headers, nil, resp.Body, resp.IsBase64Encoded)
	}
	http.Error(w, "unexpected function response", http.StatusBadGateway)
	return nil
}

func writeBuffered(w http.ResponseWriter, status int, headers map[string]string, multi map[string][]string, body string, isBase64 bool) error {
	data := []byte(body)
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			http.Error(w, "invalid base64 body from function", http.StatusBadGateway)
			return nil
		}
		data = decoded
	}

	for k, v := range headers {
		w.Header().Set(k, v)
	}
	for k, vs := range multi {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(data)
	return err
}

func writeStream(w http.ResponseWriter, resp *events.LambdaFunctionURLStreamingResponse) error {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, streamReadSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (g *gateway) endpoint(r *http.Request) server.Endpoint {
	return server.Endpoint{DomainName: r.Host, Stage: g.cfg.Local.Stage}
}

// proxyStatus reads the status of a $connect or frame answer.
func proxyStatus(out any) (int, string) {
	resp, ok := out.(*events.APIGatewayProxyResponse)
	if !ok {
		return http.StatusBadGateway, ""
	}
	if resp.IsBase64Encoded {
		if b, err := base64.StdEncoding.DecodeString(resp.Body); err == nil {
			return resp.StatusCode, string(b)
		}
	}
	return resp.StatusCode, resp.Body
}

func (g *gateway) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	ep := g.endpoint(r)
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)

	out, err := g.invoke(r.Context(), websocketEvent(server.RouteConnect, "CONNECT", connID, ep, ip, r.Header.Clone(), nil))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if status, _ := proxyStatus(out); status < 200 || status > 299 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("[ws] upgrade error")
		return
	}
	defer conn.Close()

	client := &wsConn{conn: conn}
	g.mu.Lock()
	g.conns[connID] = client
	g.mu.Unlock()

	g.log.Debug().Str("connection_id", connID).Msg("[ws] connected")

	defer func() {
		g.mu.Lock()
		delete(g.conns, connID)
		g.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), g.cfg.Timeout)
		defer cancel()
		if _, err := g.invoke(ctx, websocketEvent(server.RouteDisconnect, "DISCONNECT", connID, ep, ip, nil, nil)); err != nil {
			g.log.Warn().Err(err).Str("connection_id", connID).Msg("[ws] disconnect invocation failed")
		}
		g.log.Debug().Str("connection_id", connID).Msg("[ws] disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
			) {
				g.log.Debug().Err(err).Str("connection_id", connID).Msg("[ws] read error")
			}
			return
		}

		out, err := g.invoke(r.Context(), websocketEvent(server.RouteDefault, "MESSAGE", connID, ep, ip, nil, data))
		if err != nil {
			g.log.Warn().Err(err).Str("connection_id", connID).Msg("[ws] frame invocation failed")
			continue
		}
		// the gateway relays a returned body to the sender
		if _, body := proxyStatus(out); body != "" {
			if err := client.write([]byte(body)); err != nil {
				g.log.Debug().Err(err).Str("connection_id", connID).Msg("[ws] write error")
				return
			}
		}
	}
}

// postToConnection emulates the management API: POST
// /{stage}/@connections/{id} with the frame as body.
func (g *gateway) postToConnection(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("stage") != g.cfg.Local.Stage {
		http.NotFound(w, r)
		return
	}
	if err := g.authorize(r); err != nil {
		g.log.Debug().Err(err).Msg("[mgmt] rejected token")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	limit := int64(g.cfg.Push.MaxPayloadBytes)
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > limit {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	id := r.PathValue("id")
	g.mu.RLock()
	client := g.conns[id]
	g.mu.RUnlock()
	if client == nil {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	if err := client.write(data); err != nil {
		http.Error(w, "gone", http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type managementClaims struct {
	jwt.RegisteredClaims
}

func (g *gateway) authorize(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return errors.New("missing bearer token")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

	claims := &managementClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.secret, nil
	}, jwt.WithAudience(managementAudience), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

type healthSummary struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	InvokeMode  string `json:"invoke_mode"`
	WSMode      string `json:"websocket_response_mode"`
}

func (g *gateway) health(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	n := len(g.conns)
	g.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthSummary{
		Status:      "ok",
		Connections: n,
		InvokeMode:  string(g.cfg.InvokeMode),
		WSMode:      string(g.cfg.WebsocketResponseMode),
	})
}

func (g *gateway) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.metrics.Snapshot()); err != nil {
		http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
	}
}
