// Package alloc provides per-partition region allocators.
//
// # Overview
//
// An Allocator serves requests for one partition of the heap:
//
//   - Mutator: application allocations (shared objects and TLABs)
//   - Collector: young-generation GC copies (shared and PLABs)
//   - OldCollector: old-generation GC copies (shared and PLABs)
//
// Each allocator keeps at most two regions installed: the active region and
// a retained region, the previous active region kept because it still has
// useful space left.
//
// # Fast Path
//
// Allocation first bumps the retained region, then the active region, with
// a compare-and-swap on the region's top. No lock is taken, and any number
// of threads may race on the same region.
//
// # Slow Path
//
// When both regions are exhausted the allocator takes the heap lock, retries
// the fast path (another thread may have just installed a region), then
// reserves a new region from the FreeRegionSource, allocates in it and
// installs it as active:
//
//	old active has no usable space   -> deactivated, stays retired
//	old active beats retained        -> old active retained, old retained returned
//	retained beats old active        -> old active returned
//
// "Returned" regions go back to the source with their leftover subtracted
// from the partition's used bytes.
//
// # Humongous Requests
//
// A request larger than one region always takes the heap lock and is passed
// whole to FreeRegionSource.AllocateContiguous.
//
// # Failure
//
// Allocate returns a zero address when the source cannot provide a region.
// That is not an error: the caller reports it to the control thread, which
// escalates collection.
//
// # Usage Example
//
//	ma := alloc.NewMutator(freeSet, heapLock, cfg)
//	req := alloc.NewTLAB(4096, 256)
//	addr, inNew := ma.Allocate(thread, req)
//	if addr == 0 {
//	    controller.HandleAllocFailure(thread, req, true)
//	}
package alloc
