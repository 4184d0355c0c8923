package retrieval

import "github.com/hupe1980/vecproj/model"

// worse reports whether a ranks after b: larger distance, then larger id.
func worse(a, b model.Hit) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.ID > b.ID
}

// topK is a bounded max-heap keeping the k best hits seen. The root is the
// worst kept hit, so a candidate is admitted only if it beats the root.
type topK struct {
	k     int
	items []model.Hit
}

func newTopK(k, hint int) *topK {
	return &topK{k: k, items: make([]model.Hit, 0, min(k, hint))}
}

// push offers h to the heap.
func (q *topK) push(h model.Hit) {
	if len(q.items) < q.k {
		q.items = append(q.items, h)
		q.siftUp(len(q.items) - 1)
		return
	}
	if !worse(q.items[0], h) {
		return
	}
	q.items[0] = h
	q.siftDown(0)
}

// accepts reports whether a hit at distance d could still be admitted.
// Ties are resolved by push.
func (q *topK) accepts(d float64) bool {
	return len(q.items) < q.k || d <= q.items[0].Distance
}

// sorted drains the heap into best-first order.
func (q *topK) sorted() []model.Hit {
	out := make([]model.Hit, len(q.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = q.items[0]
		last := len(q.items) - 1
		q.items[0] = q.items[last]
		q.items = q.items[:last]
		if last > 0 {
			q.siftDown(0)
		}
	}
	return out
}

func (q *topK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !worse(q.items[i], q.items[parent]) {
			break
		}
		q.items[i], q.items[parent] = q.items[parent], q.items[i]
		i = parent
	}
}

func (q *topK) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && worse(q.items[right], q.items[left]) {
			child = right
		}
		if !worse(q.items[child], q.items[i]) {
			break
		}
		q.items[i], q.items[child] = q.items[child], q.items[i]
		i = child
	}
}
