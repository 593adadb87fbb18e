// Package parvec keeps the redundant shadow copies of a domain-decomposed
// vector consistent across processes.
//
// A parallel iterative solver partitions its unknowns over ranks; near the
// partition boundary each rank holds shadow copies ("overlap") of rows owned
// by its neighbors. Vector wraps a flat array of fixed-size numeric blocks
// sized to that overlapping ("domestic") index space and reconciles the
// copies through explicit synchronization policies:
//
//	v, _ := parvec.New(ctx, ov, ch, blockSize)
//	_ = v.Assign(ctx, state)           // import + overwrite-from-owner
//	_ = v.AssignAddBorder(ctx, resid)  // import + sum shared border rows
//	_ = v.SyncAdd(ctx)                 // full additive reduction
//	state = v.AssignTo(state)          // export back to the native numbering
//
// Choosing the right policy is part of the call site's contract: state
// vectors (pressure, composition) need the owner's copy, while fluxes and
// residual contributions assembled on several ranks need the sum. The wrong
// policy corrupts the solve without crashing, so the policy is never
// inferred.
//
// Per-peer communication plans are negotiated once at construction and
// reused for every call; synchronization itself allocates nothing. The
// transport is pluggable (see package comm): an in-process mesh for
// single-machine runs and tests, and a TCP mesh for distributed runs. A rank
// without peers synchronizes as a no-op by construction.
package parvec
