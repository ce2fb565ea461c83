package scheduler

import "container/heap"

// readyLess orders runnable threads: higher effective priority first, then
// earlier insertion. It is a total order since insertion sequences are unique.
func readyLess(a, b *Thread) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.readySeq < b.readySeq
}

// readyHeap implements heap.Interface over threads, maintaining readyIndex.
type readyHeap []*Thread

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return readyLess(h[i], h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIndex = i
	h[j].readyIndex = j
}

func (h *readyHeap) Push(x any) {
	t := x.(*Thread)
	t.readyIndex = len(*h)
	*h = append(*h, t)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.readyIndex = -1
	*h = old[:n-1]
	return t
}

// ReadyQueue holds the threads eligible to run. Not safe for concurrent use;
// the scheduler guards it with its mutex.
type ReadyQueue struct {
	heap readyHeap
	seq  uint64
}

// Push enqueues t behind every ready thread of equal priority.
func (q *ReadyQueue) Push(t *Thread) {
	t.checkUnlinked("ready_queue.push")
	q.seq++
	t.readySeq = q.seq
	heap.Push(&q.heap, t)
}

// Pop removes and returns the highest-priority thread, earliest-queued among
// equals. Returns nil if the queue is empty.
func (q *ReadyQueue) Pop() *Thread {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Thread)
}

// Peek returns the thread Pop would return without removing it.
func (q *ReadyQueue) Peek() *Thread {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// TopPriority returns the highest queued priority, or -1 if empty.
func (q *ReadyQueue) TopPriority() int {
	if t := q.Peek(); t != nil {
		return t.priority
	}
	return -1
}

// Fix restores ordering after t's priority changed. t keeps its insertion
// sequence. It is a no-op for threads not on the queue.
func (q *ReadyQueue) Fix(t *Thread) {
	if t.readyIndex >= 0 {
		heap.Fix(&q.heap, t.readyIndex)
	}
}

// Remove takes t off the queue if present.
func (q *ReadyQueue) Remove(t *Thread) {
	if t.readyIndex >= 0 {
		heap.Remove(&q.heap, t.readyIndex)
	}
}

// Len returns the number of queued threads.
func (q *ReadyQueue) Len() int { return len(q.heap) }

// Threads returns the queued threads in dequeue order.
func (q *ReadyQueue) Threads() []*Thread {
	out := make([]*Thread, len(q.heap))
	copy(out, q.heap)
	sortThreads(out, readyLess)
	return out
}
