package scheduler

// sleep_queue.go holds timed sleepers ordered by wake-up tick. The tick
// handler drains every due sleeper in (wake tick, id) order.

import (
	"container/heap"
	"sort"
)

// sleepLess orders sleepers by wake tick, then by thread ID.
func sleepLess(a, b *Thread) bool {
	if a.wakeTick != b.wakeTick {
		return a.wakeTick < b.wakeTick
	}
	return a.id < b.id
}

type sleepHeap []*Thread

func (h sleepHeap) Len() int           { return len(h) }
func (h sleepHeap) Less(i, j int) bool { return sleepLess(h[i], h[j]) }
func (h sleepHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].sleepIndex = i
	h[j].sleepIndex = j
}

func (h *sleepHeap) Push(x any) {
	t := x.(*Thread)
	t.sleepIndex = len(*h)
	*h = append(*h, t)
}

func (h *sleepHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.sleepIndex = -1
	*h = old[:n-1]
	return t
}

// SleepQueue holds threads waiting for a wake-up tick.
type SleepQueue struct {
	heap sleepHeap
}

// Push records that t wakes at wakeTick.
func (q *SleepQueue) Push(t *Thread, wakeTick int64) {
	t.checkUnlinked("sleep_queue.push")
	t.wakeTick = wakeTick
	heap.Push(&q.heap, t)
}

// WakeDue removes and returns every sleeper whose wake tick is at or before
// now, earliest first. The caller is responsible for readying them.
func (q *SleepQueue) WakeDue(now int64) []*Thread {
	var due []*Thread
	for len(q.heap) > 0 && q.heap[0].wakeTick <= now {
		due = append(due, heap.Pop(&q.heap).(*Thread))
	}
	return due
}

// NextWake returns the earliest wake tick, or false if nobody sleeps.
func (q *SleepQueue) NextWake() (int64, bool) {
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].wakeTick, true
}

// Len returns the number of sleepers.
func (q *SleepQueue) Len() int { return len(q.heap) }

func sortThreads(ts []*Thread, less func(a, b *Thread) bool) {
	sort.Slice(ts, func(i, j int) bool { return less(ts[i], ts[j]) })
}
