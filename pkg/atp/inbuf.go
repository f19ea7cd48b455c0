package atp

import "container/heap"

// cachedPacket is a decoded inbound packet held in the reorder buffer
// because its sequence number is ahead of what the connection can deliver
// yet.
type cachedPacket struct {
	seqNr   uint16
	payload []byte
	fin     bool
}

// inbufHeap is a container/heap min-heap ordered by modular sequence
// distance from the connection's current ack_nr, which is what makes "less
// than" well defined across a wraparound boundary. No third-party
// priority-queue library appears anywhere in the retrieval pack, so this
// uses the standard library's container/heap, the idiomatic choice for an
// ordered-by-key buffer of this size.
type inbufHeap struct {
	items []cachedPacket
	ackNr *uint16 // pointer to the owning Connection's ack_nr, for ordering
}

func (h inbufHeap) Len() int { return len(h.items) }

func (h inbufHeap) Less(i, j int) bool {
	di := seqDiff(h.items[i].seqNr, *h.ackNr)
	dj := seqDiff(h.items[j].seqNr, *h.ackNr)
	return di < dj
}

func (h inbufHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *inbufHeap) Push(x interface{}) {
	h.items = append(h.items, x.(cachedPacket))
}

func (h *inbufHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// inbuf is the per-Connection reorder buffer: a priority queue keyed by
// seq_nr, holding decoded inbound packets whose sequence is ahead of
// ack_nr+1.
type inbuf struct {
	h inbufHeap
}

func newInbuf(ackNr *uint16) *inbuf {
	ib := &inbuf{h: inbufHeap{ackNr: ackNr}}
	heap.Init(&ib.h)
	return ib
}

func (b *inbuf) cache(p cachedPacket) {
	heap.Push(&b.h, p)
}

// peekMin returns the lowest-sequence cached packet without removing it.
func (b *inbuf) peekMin() (cachedPacket, bool) {
	if b.h.Len() == 0 {
		return cachedPacket{}, false
	}
	return b.h.items[0], true
}

func (b *inbuf) popMin() cachedPacket {
	return heap.Pop(&b.h).(cachedPacket)
}

func (b *inbuf) len() int { return b.h.Len() }
