package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/joshuapare/regiongc/heap"
)

// Workload describes the allocation pattern of each mutator.
type Workload struct {
	Mutators int
	Allocs   int
	MaxWords uint64
	// Window is how many of its most recent objects a mutator keeps alive.
	Window int
	// Survivors is how many objects per mutator outlive the run.
	Survivors int
	Seed      uint64
}

// Result summarizes one workload run.
type Result struct {
	Elapsed        time.Duration `json:"elapsed"`
	Allocations    int           `json:"allocations"`
	Failed         int           `json:"failed"`
	Corrupted      int           `json:"corrupted"`
	AllocatedWords uint64        `json:"allocated_words"`
	Heap           heap.Stats    `json:"heap"`
}

var errCorrupted = errors.New("payload corrupted")

type tracked struct {
	h   heap.Handle
	tag uint64
}

// runWorkload drives w against h until every mutator is done or ctx ends.
func runWorkload(ctx context.Context, h *heap.Heap, w Workload) (Result, error) {
	start := time.Now()
	results := make([]Result, w.Mutators)
	errs := make([]error, w.Mutators)

	var wg sync.WaitGroup
	for id := range w.Mutators {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[id], errs[id] = mutate(ctx, h, w, id)
		}()
	}
	wg.Wait()

	var total Result
	for _, r := range results {
		total.Allocations += r.Allocations
		total.Failed += r.Failed
		total.Corrupted += r.Corrupted
		total.AllocatedWords += r.AllocatedWords
	}
	total.Elapsed = time.Since(start)
	total.Heap = h.Stats()
	return total, errors.Join(errs...)
}

func mutate(ctx context.Context, h *heap.Heap, w Workload, id int) (Result, error) {
	var res Result
	t := h.NewMutator(fmt.Sprintf("mutator-%d", id))
	rng := rand.New(rand.NewPCG(w.Seed, uint64(id)))

	var ring []tracked
	release := func(o tracked) error {
		ok, err := verify(h, o)
		if err != nil {
			return err
		}
		if !ok {
			res.Corrupted++
		}
		return h.Free(o.h)
	}

	for i := range w.Allocs {
		if ctx.Err() != nil {
			break
		}
		words := 1 + rng.Uint64N(w.MaxWords)
		obj, err := h.Allocate(t, words)
		if errors.Is(err, heap.ErrOutOfMemory) {
			res.Failed++
			continue
		}
		if err != nil {
			return res, err
		}
		res.Allocations++
		res.AllocatedWords += words

		o := tracked{h: obj, tag: uint64(id)<<32 | uint64(i)}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], o.tag)
		if err := h.Write(obj, 0, buf[:]); err != nil {
			return res, err
		}
		ring = append(ring, o)
		if len(ring) > w.Window+w.Survivors {
			victim := w.Survivors + rng.IntN(len(ring)-w.Survivors)
			if err := release(ring[victim]); err != nil {
				return res, err
			}
			ring = append(ring[:victim], ring[victim+1:]...)
		}
	}

	for _, o := range ring {
		ok, err := verify(h, o)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Corrupted++
		}
	}
	if res.Corrupted > 0 {
		return res, fmt.Errorf("mutator %d: %w in %d objects", id, errCorrupted, res.Corrupted)
	}
	return res, nil
}

func verify(h *heap.Heap, o tracked) (bool, error) {
	b, err := h.Read(o.h)
	if err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint64(b) == o.tag, nil
}
