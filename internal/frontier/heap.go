package frontier

import "github.com/JakeFAU/news-crawler/internal/crawler"

type item struct {
	target crawler.Target
	seq    uint64
}

// targetHeap orders by priority ascending, then insertion order.
type targetHeap []*item

func (h targetHeap) Len() int { return len(h) }

func (h targetHeap) Less(i, j int) bool {
	if h[i].target.Priority != h[j].target.Priority {
		return h[i].target.Priority < h[j].target.Priority
	}
	return h[i].seq < h[j].seq
}

func (h targetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *targetHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *targetHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
