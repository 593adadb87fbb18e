// Package tcpmesh implements the comm.Channel contract over TCP.
//
// Every rank listens on a well-known address and a single connection is
// established per rank pair (the higher rank dials, the lower rank accepts).
// TCP preserves per-connection ordering, which gives the point-to-point FIFO
// guarantee the synchronization protocol relies on. Payloads travel as
// length-prefixed little-endian frames, optionally S2-compressed.
package tcpmesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/s2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/parvec/comm"
)

var (
	helloMagic = [4]byte{'P', 'V', 'M', '1'}

	// ErrBadHello is returned when a connecting peer does not speak the mesh
	// handshake.
	ErrBadHello = errors.New("tcpmesh: invalid hello frame")
)

const (
	kindInt32   = byte(1)
	kindFloat64 = byte(2)

	flagCompressed = byte(1)

	frameHeaderLen = 1 + 1 + 4 + 4 // kind, flags, element count, byte length

	defaultDialTimeout = 30 * time.Second
	dialRetryInterval  = 100 * time.Millisecond
	sendQueueDepth     = 64
)

// Config describes one rank of a TCP mesh.
type Config struct {
	// Rank is the local rank, an index into Addrs.
	Rank int

	// Addrs lists the listen address of every rank, identical on all ranks.
	Addrs []string

	// DialTimeout bounds how long Connect keeps retrying a peer whose
	// listener is not up yet. Defaults to 30s.
	DialTimeout time.Duration

	// Compress enables S2 compression of value frames. Index frames are
	// small and stay uncompressed.
	Compress bool

	// RateBytesPerSec limits outbound throughput per connection.
	// Zero means unlimited.
	RateBytesPerSec int
}

// Mesh is a fully connected TCP process mesh. It implements comm.Channel for
// the local rank.
type Mesh struct {
	cfg    Config
	links  []*link // indexed by peer rank, nil for the local rank
	closed atomic.Bool
}

// Connect establishes the mesh: listen, dial every lower rank, accept every
// higher rank. It returns once all pairwise connections are up. All ranks
// must call Connect concurrently with identical Addrs.
func Connect(ctx context.Context, cfg Config) (*Mesh, error) {
	n := len(cfg.Addrs)
	if cfg.Rank < 0 || cfg.Rank >= n {
		return nil, fmt.Errorf("tcpmesh: rank %d out of range [0,%d)", cfg.Rank, n)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	m := &Mesh{cfg: cfg, links: make([]*link, n)}
	if n == 1 {
		return m, nil
	}

	ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("tcpmesh: listen %s: %w", cfg.Addrs[cfg.Rank], err)
	}
	defer ln.Close()

	conns := make([]net.Conn, n)
	g, gctx := errgroup.WithContext(ctx)

	// Accept one connection from every higher rank. The hello frame tells us
	// which rank is on the other end.
	g.Go(func() error {
		for i := 0; i < n-1-cfg.Rank; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("tcpmesh: accept: %w", err)
			}
			peer, err := readHello(conn)
			if err != nil {
				conn.Close()
				return err
			}
			if peer <= cfg.Rank || peer >= n || conns[peer] != nil {
				conn.Close()
				return fmt.Errorf("%w: unexpected rank %d", ErrBadHello, peer)
			}
			conns[peer] = conn
		}
		return nil
	})

	// Dial every lower rank, retrying while its listener comes up.
	for peer := 0; peer < cfg.Rank; peer++ {
		peer := peer
		g.Go(func() error {
			conn, err := dialRetry(gctx, cfg.Addrs[peer], cfg.DialTimeout)
			if err != nil {
				return fmt.Errorf("tcpmesh: dial rank %d at %s: %w", peer, cfg.Addrs[peer], err)
			}
			if err := writeHello(conn, cfg.Rank); err != nil {
				conn.Close()
				return fmt.Errorf("tcpmesh: hello to rank %d: %w", peer, err)
			}
			conns[peer] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateBytesPerSec), cfg.RateBytesPerSec)
	}
	for peer, conn := range conns {
		if conn != nil {
			m.links[peer] = newLink(conn, limiter)
		}
	}
	return m, nil
}

func dialRetry(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	d := net.Dialer{}
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-time.After(dialRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func writeHello(conn net.Conn, rank int) error {
	var buf [8]byte
	copy(buf[:4], helloMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], uint32(rank))
	_, err := conn.Write(buf[:])
	return err
}

func readHello(conn net.Conn) (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if [4]byte(buf[:4]) != helloMagic {
		return 0, ErrBadHello
	}
	return int(binary.LittleEndian.Uint32(buf[4:])), nil
}

// Rank implements comm.Channel.
func (m *Mesh) Rank() int { return m.cfg.Rank }

// Size returns the number of ranks in the mesh.
func (m *Mesh) Size() int { return len(m.cfg.Addrs) }

// SendInt32s implements comm.Channel.
func (m *Mesh) SendInt32s(ctx context.Context, peer int, vals []int32) (comm.Pending, error) {
	body := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(body[i*4:], uint32(v))
	}
	return m.send(ctx, peer, kindInt32, len(vals), body, false)
}

// SendFloat64s implements comm.Channel.
func (m *Mesh) SendFloat64s(ctx context.Context, peer int, vals []float64) (comm.Pending, error) {
	body := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(body[i*8:], math.Float64bits(v))
	}
	return m.send(ctx, peer, kindFloat64, len(vals), body, m.cfg.Compress)
}

func (m *Mesh) send(ctx context.Context, peer int, kind byte, count int, body []byte, compress bool) (comm.Pending, error) {
	l, err := m.link(peer)
	if err != nil {
		return nil, err
	}

	var flags byte
	if compress {
		body = s2.Encode(nil, body)
		flags |= flagCompressed
	}

	frame := make([]byte, frameHeaderLen+len(body))
	frame[0] = kind
	frame[1] = flags
	binary.LittleEndian.PutUint32(frame[2:], uint32(count))
	binary.LittleEndian.PutUint32(frame[6:], uint32(len(body)))
	copy(frame[frameHeaderLen:], body)

	req := &sendReq{frame: frame, done: make(chan error, 1)}
	select {
	case l.out <- req:
		return req, nil
	case <-l.stopped:
		return nil, comm.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RecvInt32s implements comm.Channel.
func (m *Mesh) RecvInt32s(ctx context.Context, peer int, buf []int32) error {
	body, err := m.recv(ctx, peer, kindInt32, len(buf), 4)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = int32(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return nil
}

// RecvFloat64s implements comm.Channel.
func (m *Mesh) RecvFloat64s(ctx context.Context, peer int, buf []float64) error {
	body, err := m.recv(ctx, peer, kindFloat64, len(buf), 8)
	if err != nil {
		return err
	}
	for i := range buf {
		buf[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
	}
	return nil
}

func (m *Mesh) recv(ctx context.Context, peer int, wantKind byte, wantCount, elemSize int) ([]byte, error) {
	l, err := m.link(peer)
	if err != nil {
		return nil, err
	}

	// A peer that never responds is a fatal external failure; the only
	// cancellation honored here is a context deadline, mapped onto the
	// socket.
	if deadline, ok := ctx.Deadline(); ok {
		_ = l.conn.SetReadDeadline(deadline)
		defer l.conn.SetReadDeadline(time.Time{})
	}

	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(l.br, header[:]); err != nil {
		return nil, fmt.Errorf("tcpmesh: read frame from rank %d: %w", peer, err)
	}
	kind := header[0]
	flags := header[1]
	count := int(binary.LittleEndian.Uint32(header[2:]))
	byteLen := int(binary.LittleEndian.Uint32(header[6:]))

	body := make([]byte, byteLen)
	if _, err := io.ReadFull(l.br, body); err != nil {
		return nil, fmt.Errorf("tcpmesh: read frame body from rank %d: %w", peer, err)
	}
	if flags&flagCompressed != 0 {
		body, err = s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("tcpmesh: decompress frame from rank %d: %w", peer, err)
		}
	}

	if kind != wantKind || count != wantCount || len(body) != count*elemSize {
		return nil, &comm.ErrPayloadMismatch{
			Peer:     peer,
			Expected: describe(wantKind, wantCount),
			Got:      describe(kind, count),
		}
	}
	return body, nil
}

func describe(kind byte, count int) string {
	switch kind {
	case kindInt32:
		return fmt.Sprintf("int32[%d]", count)
	case kindFloat64:
		return fmt.Sprintf("float64[%d]", count)
	default:
		return fmt.Sprintf("kind(%d)[%d]", kind, count)
	}
}

func (m *Mesh) link(peer int) (*link, error) {
	if m.closed.Load() {
		return nil, comm.ErrClosed
	}
	if peer < 0 || peer >= len(m.links) || m.links[peer] == nil {
		return nil, fmt.Errorf("%w: %d", comm.ErrUnknownPeer, peer)
	}
	return m.links[peer], nil
}

// Close implements comm.Channel. It tears down every connection; blocked
// receives fail.
func (m *Mesh) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	for _, l := range m.links {
		if l == nil {
			continue
		}
		if err := l.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// link is one live connection to a peer. Writes funnel through a dedicated
// goroutine so Send stays non-blocking; reads happen on the caller's
// goroutine, which is single-threaded by contract.
type link struct {
	conn    net.Conn
	br      *bufio.Reader
	out     chan *sendReq
	stopped chan struct{}
	limiter *rate.Limiter
}

type sendReq struct {
	frame []byte
	done  chan error
}

// Wait implements comm.Pending.
func (r *sendReq) Wait(ctx context.Context) error {
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newLink(conn net.Conn, limiter *rate.Limiter) *link {
	l := &link{
		conn:    conn,
		br:      bufio.NewReader(conn),
		out:     make(chan *sendReq, sendQueueDepth),
		stopped: make(chan struct{}),
		limiter: limiter,
	}
	go l.writeLoop()
	return l
}

func (l *link) writeLoop() {
	for {
		select {
		case req := <-l.out:
			req.done <- l.write(req.frame)
		case <-l.stopped:
			// Fail whatever is still queued.
			for {
				select {
				case req := <-l.out:
					req.done <- comm.ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (l *link) write(frame []byte) error {
	if l.limiter != nil {
		if err := l.limiter.WaitN(context.Background(), len(frame)); err != nil {
			return err
		}
	}
	_, err := l.conn.Write(frame)
	return err
}

func (l *link) close() error {
	close(l.stopped)
	return l.conn.Close()
}
