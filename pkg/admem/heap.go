package admem

import "container/heap"

// maxheapNode is the free-space bookkeeping of one arena. Nodes live in
// a dense per-blob array indexed by arena id and enter the blob max-heap
// while the arena is selectable.
type maxheapNode struct {
	weight int
	// free bytes of the arena
	freeSize int
	// unusable padding bytes in groups
	fragSize int
	arenaID  uint32
	inTree   bool
	// set when a new group for a requested size could not be reserved in
	// the arena, keeps the arena out of the heap until enough space is
	// freed
	inactive bool

	// position in the heap array, maintained by arenaHeap.Swap
	index int
}

// arenaWeight quantises the usable free space so that small allocations
// do not reorder the heap on every call.
func arenaWeight(node *maxheapNode) int {
	size := node.freeSize - node.fragSize
	return (size + arenaWeightMask) >> arenaWeightBits
}

// arenaHeap is a max-heap of arenas keyed by weight, ties broken by the
// lower arena id.
type arenaHeap []*maxheapNode

var _ heap.Interface = (*arenaHeap)(nil)

func (h arenaHeap) Len() int { return len(h) }

func (h arenaHeap) Less(i, j int) bool {
	if h[i].weight == h[j].weight {
		return h[i].arenaID < h[j].arenaID
	}

	// max heap, the largest free extent is the root
	return h[i].weight > h[j].weight
}

func (h arenaHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *arenaHeap) Push(x any) {
	node := x.(*maxheapNode)
	node.index = len(*h)
	node.inTree = true
	*h = append(*h, node)
}

func (h *arenaHeap) Pop() any {
	old := *h
	n := len(old)
	node := old[n-1]
	old[n-1] = nil
	node.inTree = false
	*h = old[:n-1]
	return node
}

func (h *arenaHeap) insert(node *maxheapNode) {
	heap.Push(h, node)
}

func (h *arenaHeap) remove(node *maxheapNode) {
	heap.Remove(h, node.index)
}

// popRoot removes and returns the arena with the largest weight, or nil
// if the heap is empty.
func (h *arenaHeap) popRoot() *maxheapNode {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*maxheapNode)
}
