// Package heap assembles a region heap: backing memory, regions, the heap
// lock, the free set, one allocator per partition, heuristics, the control
// loop and the simulated collector.
//
// Mutators identify themselves with a *gcthread.Thread from NewMutator and
// allocate objects by size. An allocation that cannot be served reports the
// failure to the control loop and waits for a collection before retrying,
// up to Config.AllocFailureRetries times:
//
//	h, err := heap.New(config.Default())
//	if err != nil {
//		return err
//	}
//	h.Start(ctx)
//	defer h.Close()
//
//	t := h.NewMutator("worker-1")
//	obj, err := h.Allocate(t, 16)
//
// Objects stay live until Free is called with their handle. Collections
// may move them; the handle follows.
package heap
