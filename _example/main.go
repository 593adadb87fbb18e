package main

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/parvec"
	"github.com/hupe1980/parvec/comm"
	"github.com/hupe1980/parvec/overlap"
)

func main() {
	// 1. Describe the partition: three rows, the middle one additively
	//    shared between both ranks.
	all, err := overlap.Build(overlap.Table{
		NumRanks: 2,
		Rows: []overlap.Row{
			{Global: 0, Owner: 0, Holders: []int{0}},
			{Global: 1, Owner: 0, Holders: []int{0, 1}, BorderHolders: []int{0, 1}},
			{Global: 2, Owner: 1, Holders: []int{1}},
		},
	})
	if err != nil {
		log.Fatalf("Failed to build overlap: %v", err)
	}

	// 2. Connect the ranks. Here both live in one process; use
	//    comm/tcpmesh for a distributed run.
	mesh := comm.NewMesh(2)
	defer mesh.Close()

	inputs := [][]float64{
		{1.0, 3.0}, // rank 0 contributes 3.0 to the shared row
		{4.0, 5.0}, // rank 1 contributes 4.0
	}

	g := new(errgroup.Group)
	for rank := 0; rank < 2; rank++ {
		g.Go(func() error {
			ctx := context.Background()
			v, err := parvec.New(ctx, all[rank], mesh.Endpoint(rank), 1)
			if err != nil {
				return err
			}

			// 3. Import the local residual; border rows end up holding
			//    the sum of all contributions.
			if err := v.AssignAddBorder(ctx, inputs[rank]); err != nil {
				return err
			}

			shared := v.Block(v.Overlap().GlobalToDomestic(1))[0]
			fmt.Printf("rank %d: shared row = %g\n", rank, shared)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Sync failed: %v", err)
	}
}
