package parvec_test

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/parvec"
	"github.com/hupe1980/parvec/comm"
	"github.com/hupe1980/parvec/overlap"
)

// Example_singleRank demonstrates the import/export cycle on a single rank,
// where every synchronization is a no-op.
func Example_singleRank() {
	all, err := overlap.Build(overlap.Table{
		NumRanks: 1,
		Rows: []overlap.Row{
			{Global: 0, Owner: 0, Holders: []int{0}},
			{Global: 1, Owner: 0, Holders: []int{0}},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	v, err := parvec.New(ctx, all[0], nil, 1) // no peers, no channel needed
	if err != nil {
		log.Fatal(err)
	}

	if err := v.Assign(ctx, []float64{1.5, 2.5}); err != nil {
		log.Fatal(err)
	}
	fmt.Println(v.AssignTo(nil))
	// Output: [1.5 2.5]
}

// Example_borderSum demonstrates two ranks additively sharing a border row
// through an in-process mesh. Each rank assembles its own partial value;
// after AssignAddBorder both hold the sum.
func Example_borderSum() {
	all, err := overlap.Build(overlap.Table{
		NumRanks: 2,
		Rows: []overlap.Row{
			{Global: 0, Owner: 0, Holders: []int{0}},
			{Global: 1, Owner: 0, Holders: []int{0, 1}, BorderHolders: []int{0, 1}},
			{Global: 2, Owner: 1, Holders: []int{1}},
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	mesh := comm.NewMesh(2)
	defer mesh.Close()

	inputs := [][]float64{
		{1, 3}, // rank 0: globals 0, 1
		{4, 5}, // rank 1: globals 1, 2
	}
	sums := make([]float64, 2)

	g := new(errgroup.Group)
	for rank := 0; rank < 2; rank++ {
		rank := rank
		g.Go(func() error {
			ctx := context.Background()
			v, err := parvec.New(ctx, all[rank], mesh.Endpoint(rank), 1)
			if err != nil {
				return err
			}
			if err := v.AssignAddBorder(ctx, inputs[rank]); err != nil {
				return err
			}
			ov := v.Overlap()
			sums[rank] = v.Block(ov.GlobalToDomestic(1))[0]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}

	fmt.Println(sums[0], sums[1])
	// Output: 7 7
}
