package tcpmesh_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/parvec"
	"github.com/hupe1980/parvec/comm"
	"github.com/hupe1980/parvec/comm/tcpmesh"
	"github.com/hupe1980/parvec/overlap"
)

// freeAddrs reserves n loopback addresses by briefly listening on them.
func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = ln.Addr().String()
		require.NoError(t, ln.Close())
	}
	return addrs
}

// connectAll brings up a full mesh of n ranks, applying mutate to every
// rank's config before connecting.
func connectAll(t *testing.T, n int, mutate func(*tcpmesh.Config)) []*tcpmesh.Mesh {
	t.Helper()

	addrs := freeAddrs(t, n)
	meshes := make([]*tcpmesh.Mesh, n)

	g := new(errgroup.Group)
	for rank := 0; rank < n; rank++ {
		rank := rank
		g.Go(func() error {
			cfg := tcpmesh.Config{
				Rank:        rank,
				Addrs:       addrs,
				DialTimeout: 5 * time.Second,
			}
			if mutate != nil {
				mutate(&cfg)
			}
			m, err := tcpmesh.Connect(context.Background(), cfg)
			meshes[rank] = m
			return err
		})
	}
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		for _, m := range meshes {
			_ = m.Close()
		}
	})
	return meshes
}

func TestConnectAndExchange(t *testing.T) {
	meshes := connectAll(t, 2, nil)
	ctx := context.Background()

	assert.Equal(t, 0, meshes[0].Rank())
	assert.Equal(t, 2, meshes[0].Size())

	g := new(errgroup.Group)
	g.Go(func() error {
		p, err := meshes[0].SendInt32s(ctx, 1, []int32{7, 8, 9})
		if err != nil {
			return err
		}
		if err := p.Wait(ctx); err != nil {
			return err
		}

		buf := make([]float64, 2)
		if err := meshes[0].RecvFloat64s(ctx, 1, buf); err != nil {
			return err
		}
		assert.Equal(t, []float64{1.25, -2.5}, buf)
		return nil
	})
	g.Go(func() error {
		buf := make([]int32, 3)
		if err := meshes[1].RecvInt32s(ctx, 0, buf); err != nil {
			return err
		}
		assert.Equal(t, []int32{7, 8, 9}, buf)

		p, err := meshes[1].SendFloat64s(ctx, 0, []float64{1.25, -2.5})
		if err != nil {
			return err
		}
		return p.Wait(ctx)
	})
	require.NoError(t, g.Wait())
}

func TestCompressedFrames(t *testing.T) {
	meshes := connectAll(t, 2, func(cfg *tcpmesh.Config) {
		cfg.Compress = true
	})
	ctx := context.Background()

	// Highly repetitive payload, the kind S2 actually shrinks.
	vals := make([]float64, 4096)
	for i := range vals {
		vals[i] = float64(i % 8)
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		p, err := meshes[0].SendFloat64s(ctx, 1, vals)
		if err != nil {
			return err
		}
		return p.Wait(ctx)
	})

	buf := make([]float64, len(vals))
	require.NoError(t, meshes[1].RecvFloat64s(ctx, 0, buf))
	require.NoError(t, g.Wait())
	assert.Equal(t, vals, buf)
}

func TestRateLimitedSend(t *testing.T) {
	meshes := connectAll(t, 2, func(cfg *tcpmesh.Config) {
		cfg.RateBytesPerSec = 1 << 20
	})
	ctx := context.Background()

	g := new(errgroup.Group)
	g.Go(func() error {
		p, err := meshes[0].SendFloat64s(ctx, 1, []float64{1, 2, 3})
		if err != nil {
			return err
		}
		return p.Wait(ctx)
	})

	buf := make([]float64, 3)
	require.NoError(t, meshes[1].RecvFloat64s(ctx, 0, buf))
	require.NoError(t, g.Wait())
	assert.Equal(t, []float64{1, 2, 3}, buf)
}

func TestPayloadMismatch(t *testing.T) {
	meshes := connectAll(t, 2, nil)
	ctx := context.Background()

	p, err := meshes[0].SendInt32s(ctx, 1, []int32{1, 2})
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx))

	err = meshes[1].RecvFloat64s(ctx, 0, make([]float64, 2))
	var mismatch *comm.ErrPayloadMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.Peer)
	assert.Equal(t, "float64[2]", mismatch.Expected)
	assert.Equal(t, "int32[2]", mismatch.Got)
}

func TestUnknownPeerAndClose(t *testing.T) {
	meshes := connectAll(t, 2, nil)
	ctx := context.Background()

	_, err := meshes[0].SendInt32s(ctx, 0, []int32{1})
	require.ErrorIs(t, err, comm.ErrUnknownPeer)
	_, err = meshes[0].SendInt32s(ctx, 7, []int32{1})
	require.ErrorIs(t, err, comm.ErrUnknownPeer)

	require.NoError(t, meshes[0].Close())
	_, err = meshes[0].SendInt32s(ctx, 1, []int32{1})
	require.ErrorIs(t, err, comm.ErrClosed)
}

func TestSingleRankMesh(t *testing.T) {
	m, err := tcpmesh.Connect(context.Background(), tcpmesh.Config{
		Rank:  0,
		Addrs: []string{"127.0.0.1:0"},
	})
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	assert.Equal(t, 1, m.Size())
}

func TestConnectRankOutOfRange(t *testing.T) {
	_, err := tcpmesh.Connect(context.Background(), tcpmesh.Config{
		Rank:  2,
		Addrs: []string{"127.0.0.1:0", "127.0.0.1:0"},
	})
	require.Error(t, err)
}

func TestRecvDeadline(t *testing.T) {
	meshes := connectAll(t, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := meshes[0].RecvFloat64s(ctx, 1, make([]float64, 1))
	require.Error(t, err)
}

// TestVectorSync runs the full synchronization protocol over real TCP
// connections instead of the in-process mesh.
func TestVectorSync(t *testing.T) {
	all, err := overlap.Build(overlap.Table{
		NumRanks: 2,
		Rows: []overlap.Row{
			{Global: 0, Owner: 0, Holders: []int{0}},
			{Global: 1, Owner: 0, Holders: []int{0, 1}, BorderHolders: []int{0, 1}},
			{Global: 2, Owner: 1, Holders: []int{0, 1}},
			{Global: 3, Owner: 1, Holders: []int{1}},
		},
	})
	require.NoError(t, err)

	meshes := connectAll(t, 2, func(cfg *tcpmesh.Config) {
		cfg.Compress = true
	})

	got := make([][]float64, 2)
	g := new(errgroup.Group)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			ctx := context.Background()
			v, err := parvec.New(ctx, all[rank], meshes[rank], 1)
			if err != nil {
				return err
			}

			// Each rank contributes 3.0 or 4.0 to the shared border row.
			var in []float64
			if rank == 0 {
				in = []float64{1, 3} // globals 0, 1
			} else {
				in = []float64{4, 2, 5} // globals 1, 2, 3
			}
			if err := v.AssignAddBorder(ctx, in); err != nil {
				return err
			}
			got[rank] = append([]float64(nil), v.Data()...)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Border row 1 sums to 7 on both holders; plain overlap row 2 carries
	// the owner's copy.
	assert.Equal(t, []float64{1, 7, 2}, got[0])
	assert.Equal(t, []float64{7, 2, 5}, got[1])
}
