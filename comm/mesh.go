package comm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Mesh is an in-process Channel implementation connecting n ranks through
// unbounded FIFO queues, one per ordered rank pair. It serves single-machine
// runs where every rank lives in its own goroutine, and tests.
//
// A send copies the payload and completes immediately; a receive blocks until
// the matching queue is non-empty. Because queues are unbounded, a rank may
// issue all its sends before waiting on any receive without deadlocking.
type Mesh struct {
	n      int
	links  [][]*queue // links[from][to]
	closed atomic.Bool
}

// NewMesh creates a mesh connecting ranks 0..n-1.
func NewMesh(n int) *Mesh {
	m := &Mesh{n: n, links: make([][]*queue, n)}
	for from := 0; from < n; from++ {
		m.links[from] = make([]*queue, n)
		for to := 0; to < n; to++ {
			if from != to {
				m.links[from][to] = newQueue()
			}
		}
	}
	return m
}

// Size returns the number of ranks in the mesh.
func (m *Mesh) Size() int { return m.n }

// Endpoint returns the Channel bound to the given rank.
func (m *Mesh) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= m.n {
		panic(fmt.Sprintf("comm: endpoint rank %d out of range [0,%d)", rank, m.n))
	}
	return &Endpoint{mesh: m, rank: rank}
}

// Close tears down the mesh. Blocked receives on any rank return ErrClosed.
func (m *Mesh) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for from := range m.links {
		for _, q := range m.links[from] {
			if q != nil {
				q.close()
			}
		}
	}
	return nil
}

// Endpoint binds a Mesh to one rank. It implements Channel.
type Endpoint struct {
	mesh *Mesh
	rank int
}

// Rank implements Channel.
func (e *Endpoint) Rank() int { return e.rank }

// SendInt32s implements Channel.
func (e *Endpoint) SendInt32s(_ context.Context, peer int, vals []int32) (Pending, error) {
	q, err := e.link(e.rank, peer)
	if err != nil {
		return nil, err
	}
	cp := make([]int32, len(vals))
	copy(cp, vals)
	if !q.push(payload{i32: cp}) {
		return nil, ErrClosed
	}
	return donePending{}, nil
}

// SendFloat64s implements Channel.
func (e *Endpoint) SendFloat64s(_ context.Context, peer int, vals []float64) (Pending, error) {
	q, err := e.link(e.rank, peer)
	if err != nil {
		return nil, err
	}
	cp := make([]float64, len(vals))
	copy(cp, vals)
	if !q.push(payload{f64: cp}) {
		return nil, ErrClosed
	}
	return donePending{}, nil
}

// RecvInt32s implements Channel.
func (e *Endpoint) RecvInt32s(ctx context.Context, peer int, buf []int32) error {
	q, err := e.link(peer, e.rank)
	if err != nil {
		return err
	}
	p, err := q.pop(ctx)
	if err != nil {
		return err
	}
	if p.i32 == nil || len(p.i32) != len(buf) {
		return &ErrPayloadMismatch{Peer: peer, Expected: fmt.Sprintf("int32[%d]", len(buf)), Got: p.describe()}
	}
	copy(buf, p.i32)
	return nil
}

// RecvFloat64s implements Channel.
func (e *Endpoint) RecvFloat64s(ctx context.Context, peer int, buf []float64) error {
	q, err := e.link(peer, e.rank)
	if err != nil {
		return err
	}
	p, err := q.pop(ctx)
	if err != nil {
		return err
	}
	if p.f64 == nil || len(p.f64) != len(buf) {
		return &ErrPayloadMismatch{Peer: peer, Expected: fmt.Sprintf("float64[%d]", len(buf)), Got: p.describe()}
	}
	copy(buf, p.f64)
	return nil
}

// Close implements Channel. Closing any endpoint tears down the whole mesh.
func (e *Endpoint) Close() error { return e.mesh.Close() }

func (e *Endpoint) link(from, to int) (*queue, error) {
	if e.mesh.closed.Load() {
		return nil, ErrClosed
	}
	other := from
	if from == e.rank {
		other = to
	}
	if other < 0 || other >= e.mesh.n || other == e.rank {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, other)
	}
	return e.mesh.links[from][to], nil
}

type payload struct {
	i32 []int32
	f64 []float64
}

func (p payload) describe() string {
	switch {
	case p.i32 != nil:
		return fmt.Sprintf("int32[%d]", len(p.i32))
	case p.f64 != nil:
		return fmt.Sprintf("float64[%d]", len(p.f64))
	default:
		return "empty"
	}
}

// queue is an unbounded FIFO with a single consumer.
type queue struct {
	mu     sync.Mutex
	items  []payload
	signal chan struct{}
	closed bool
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(p payload) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop(ctx context.Context) (payload, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return payload{}, ErrClosed
		}

		select {
		case <-q.signal:
		case <-ctx.Done():
			return payload{}, ctx.Err()
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// donePending is the Pending of a send that completed synchronously.
type donePending struct{}

// Wait implements Pending.
func (donePending) Wait(context.Context) error { return nil }
