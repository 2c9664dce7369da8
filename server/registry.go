package server

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Pusher sends a payload to an established connection out of band. Errors
// should wrap ErrConnectionGone or ErrPushRejected where they apply.
type Pusher interface {
	PostToConnection(ctx context.Context, conn Connection, payload []byte) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, conn Connection, payload []byte) error

func (f PusherFunc) PostToConnection(ctx context.Context, conn Connection, payload []byte) error {
	return f(ctx, conn, payload)
}

// Store persists connections beyond the local process. Save must keep an
// existing record untouched.
type Store interface {
	Save(ctx context.Context, conn Connection) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context, id string) (Connection, bool, error)
}

type entry struct {
	mu      sync.Mutex
	conn    Connection
	removed bool
}

type shard struct {
	mu    sync.Mutex
	conns map[string]*entry
}

// Registry tracks active WebSocket connections. Operations on different ids
// proceed in parallel; operations on the same id are serialized through the
// id's entry, so a push never overlaps the removal of its connection.
type Registry struct {
	shards []*shard
	pusher Pusher
	store  Store
	log    zerolog.Logger
}

type RegistryOption func(*Registry)

func WithRegistryStore(s Store) RegistryOption {
	return func(r *Registry) { r.store = s }
}

func WithRegistryLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(shards int, pusher Pusher, opts ...RegistryOption) *Registry {
	if shards <= 0 {
		shards = 1
	}
	r := &Registry{
		shards: make([]*shard, shards),
		pusher: pusher,
		log:    zerolog.Nop(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register records conn. Registering an id that is already active is a
// no-op and keeps the original EstablishedAt. With a store, the record is
// saved before it becomes visible locally.
func (r *Registry) Register(ctx context.Context, conn Connection) error {
	if conn.ID == "" {
		return errors.Wrap(ErrMalformedEvent, "register: empty connection id")
	}
	if conn.EstablishedAt.IsZero() {
		conn.EstablishedAt = time.Now().UTC()
	}

	s := r.shardFor(conn.ID)
	s.mu.Lock()
	_, exists := s.conns[conn.ID]
	s.mu.Unlock()
	if exists {
		return nil
	}

	if r.store != nil {
		if err := r.store.Save(ctx, conn); err != nil {
			return errors.Wrapf(err, "store connection %s", conn.ID)
		}
	}

	s.mu.Lock()
	if _, ok := s.conns[conn.ID]; !ok {
		s.conns[conn.ID] = &entry{conn: conn}
	}
	s.mu.Unlock()
	return nil
}

// Remove forgets id. Removing an absent id is a no-op. The store record goes
// first, so no lookup can adopt the id again once Remove returns. Remove
// waits for a push in progress on the same id to finish.
func (r *Registry) Remove(ctx context.Context, id string) error {
	var err error
	if r.store != nil {
		if derr := r.store.Delete(ctx, id); derr != nil {
			err = errors.Wrapf(derr, "delete connection %s", id)
		}
	}

	s := r.shardFor(id)
	s.mu.Lock()
	e := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	return err
}

// IsActive reports whether id is registered here or in the backing store.
func (r *Registry) IsActive(ctx context.Context, id string) bool {
	_, ok := r.Lookup(ctx, id)
	return ok
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(ctx context.Context, id string) (Connection, bool) {
	e := r.entry(ctx, id)
	if e == nil {
		return Connection{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !r.live(ctx, id, e) {
		return Connection{}, false
	}
	return e.conn, true
}

// Len is the number of connections known to this process.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.conns)
		s.mu.Unlock()
	}
	return n
}

// Push delivers payload to id through the configured Pusher. It fails with
// ErrConnectionGone when id is not registered or has been removed, here or
// by another instance sharing the store, and drops the registration when the
// pusher reports the peer gone.
func (r *Registry) Push(ctx context.Context, id string, payload []byte) error {
	e := r.entry(ctx, id)
	if e == nil {
		return errors.Wrapf(ErrConnectionGone, "connection %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !r.live(ctx, id, e) {
		return errors.Wrapf(ErrConnectionGone, "connection %s", id)
	}
	if r.pusher == nil {
		return errors.Wrap(ErrDeliveryFailed, "no pusher configured")
	}

	err := r.pusher.PostToConnection(ctx, e.conn, payload)
	if errors.Is(err, ErrConnectionGone) {
		e.removed = true
		r.forget(id, e)
		if r.store != nil {
			if derr := r.store.Delete(ctx, id); derr != nil {
				r.log.Warn().Err(derr).Str("connection_id", id).Msg("[registry] store delete failed")
			}
		}
	}
	return err
}

// live reports whether e may still be used. With a store, the record must
// still exist there: another instance may have processed the $disconnect.
// An unreachable store leaves the local view in charge. The caller holds e.mu.
func (r *Registry) live(ctx context.Context, id string, e *entry) bool {
	if e.removed {
		return false
	}
	if r.store == nil {
		return true
	}

	_, ok, err := r.store.Load(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("connection_id", id).Msg("[registry] store check failed")
		return true
	}
	if !ok {
		e.removed = true
		r.forget(id, e)
		return false
	}
	return true
}

// entry finds the local entry for id, adopting it from the store when
// another instance registered it.
func (r *Registry) entry(ctx context.Context, id string) *entry {
	s := r.shardFor(id)
	s.mu.Lock()
	e := s.conns[id]
	s.mu.Unlock()
	if e != nil || r.store == nil {
		return e
	}

	conn, ok, err := r.store.Load(ctx, id)
	if err != nil {
		r.log.Warn().Err(err).Str("connection_id", id).Msg("[registry] store lookup failed")
		return nil
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.conns[id]; e == nil {
		e = &entry{conn: conn}
		s.conns[id] = e
	}
	return e
}

// forget drops e from its shard unless id was registered again meanwhile.
// The caller holds e.mu; shard locks are never held while waiting on an entry.
func (r *Registry) forget(id string, e *entry) {
	s := r.shardFor(id)
	s.mu.Lock()
	if s.conns[id] == e {
		delete(s.conns, id)
	}
	s.mu.Unlock()
}
