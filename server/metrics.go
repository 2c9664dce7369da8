package server

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// RouteStats aggregates completed invocations under one route label.
type RouteStats struct {
	Count        uint64        `json:"count"`
	Errors       uint64        `json:"errors"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// Snapshot is a point-in-time copy of Metrics, shaped for the metrics
// endpoint.
type Snapshot struct {
	TotalRequests uint64                `json:"total_requests"`
	TotalErrors   uint64                `json:"total_errors"`
	InFlight      uint64                `json:"in_flight"`
	ByMode        map[string]uint64     `json:"by_mode"`
	ByRoute       map[string]RouteStats `json:"by_route"`
}

// Metrics counts invocations by delivery mode and by route label. Labels come
// from routeLabel, so the set of keys is bounded by the routing table.
type Metrics struct {
	mu       sync.Mutex
	total    uint64
	failed   uint64
	inFlight uint64
	byMode   map[DeliveryMode]uint64
	byRoute  map[string]*RouteStats
}

func NewMetrics() *Metrics {
	return &Metrics{
		byMode:  make(map[DeliveryMode]uint64),
		byRoute: make(map[string]*RouteStats),
	}
}

// routeLabel names the route req was dispatched to: "rest /ping",
// "websocket $default". Targets that matched no route share one label per
// channel.
func routeLabel(req *Request, err error) string {
	if errors.Is(err, ErrRouteNotFound) {
		return req.Channel.String() + " unmatched"
	}
	return req.Channel.String() + " " + req.Target()
}

// Begin marks an invocation as in flight.
func (m *Metrics) Begin() {
	m.mu.Lock()
	m.total++
	m.inFlight++
	m.mu.Unlock()
}

// Observe records a finished invocation started with Begin.
func (m *Metrics) Observe(route string, mode DeliveryMode, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight > 0 {
		m.inFlight--
	}
	m.byMode[mode]++

	rs := m.byRoute[route]
	if rs == nil {
		rs = &RouteStats{}
		m.byRoute[route] = rs
	}
	rs.Count++
	rs.TotalLatency += latency
	if failed {
		m.failed++
		rs.Errors++
	}
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TotalRequests: m.total,
		TotalErrors:   m.failed,
		InFlight:      m.inFlight,
		ByMode:        make(map[string]uint64, len(m.byMode)),
		ByRoute:       make(map[string]RouteStats, len(m.byRoute)),
	}
	for mode, n := range m.byMode {
		snap.ByMode[mode.String()] = n
	}
	for route, rs := range m.byRoute {
		snap.ByRoute[route] = *rs
	}
	return snap
}
