package heap_test

import (
	"context"
	"fmt"

	"github.com/joshuapare/regiongc/heap"
	"github.com/joshuapare/regiongc/pkg/config"
)

func Example() {
	cfg := config.Default()
	cfg.RegionCount = 16

	h, err := heap.New(cfg)
	if err != nil {
		fmt.Println(err)
		return
	}
	h.Start(context.Background())
	defer h.Close()

	m := h.NewMutator("example")
	obj, _ := h.Allocate(m, 4)
	_ = h.Write(obj, 0, []byte("hello"))

	_ = h.RequestGC(context.Background(), false)

	data, _ := h.Read(obj)
	fmt.Println(string(data[:5]))
	// Output: hello
}
