package kernel

import "sync"

// outboundKind distinguishes the two wire frame shapes carried by an
// outboundMsg.
type outboundKind int

const (
	outboundControl outboundKind = iota
	outboundAudio
)

// outboundMsg is one queued item for the session's single outbound writer.
type outboundMsg struct {
	kind    outboundKind
	control any    // JSON-encodable control envelope, when kind == outboundControl
	audio   []byte // Opus packet, when kind == outboundAudio
}

// outboundQueue is the kernel's single bounded outbound queue. Writes are
// non-blocking: on overflow, the oldest queued audio frame is dropped to
// make room (audio is degradable). Control frames are never dropped — if the
// queue is full of nothing but control frames (unexpected in practice; they
// are emitted far less often than audio), the new control frame is still
// appended and the queue is allowed to exceed its nominal depth rather than
// lose it.
type outboundQueue struct {
	mu                  sync.Mutex
	cond                *sync.Cond
	items               []outboundMsg
	maxDepth            int
	closed              bool
	maxConsecutiveDrops int
	consecutiveDrops    int
	onCongestion        func()
}

// newOutboundQueue constructs a queue bounded at maxDepth items. Once
// maxConsecutiveDrops audio frames have been dropped back-to-back (no
// control frame or successful enqueue in between), the registered
// congestion callback fires; maxConsecutiveDrops <= 0 disables the check.
func newOutboundQueue(maxDepth, maxConsecutiveDrops int) *outboundQueue {
	q := &outboundQueue{maxDepth: maxDepth, maxConsecutiveDrops: maxConsecutiveDrops}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// OnCongestion registers fn to be called, from a fresh goroutine-free
// context (outside q.mu), the moment consecutiveDrops reaches
// maxConsecutiveDrops. At most one registration is supported.
func (q *outboundQueue) OnCongestion(fn func()) {
	q.mu.Lock()
	q.onCongestion = fn
	q.mu.Unlock()
}

// Push enqueues msg. If the queue is at capacity and msg is an audio frame,
// it evicts the oldest audio frame already queued (or, if none is queued,
// drops msg itself) to stay within maxDepth. Either case counts as one
// consecutive drop; maxConsecutiveDrops of them in a row (with no
// successful, non-degraded enqueue in between) fires the congestion
// callback once and resets the counter. Control frames are always
// appended and reset the counter. Push on a closed queue is a no-op.
func (q *outboundQueue) Push(msg outboundMsg) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	degraded := false
	discard := false
	if len(q.items) >= q.maxDepth {
		if msg.kind == outboundAudio {
			if idx := q.oldestAudioIndexLocked(); idx >= 0 {
				q.items = append(q.items[:idx], q.items[idx+1:]...)
				degraded = true
			} else {
				// Nothing degradable to evict; drop this frame rather than
				// grow past maxDepth.
				discard = true
			}
		}
	}

	congested := false
	if degraded || discard {
		q.consecutiveDrops++
		if q.maxConsecutiveDrops > 0 && q.consecutiveDrops >= q.maxConsecutiveDrops {
			congested = true
			q.consecutiveDrops = 0
		}
	} else {
		q.consecutiveDrops = 0
	}

	if !discard {
		q.items = append(q.items, msg)
		q.cond.Signal()
	}
	cb := q.onCongestion
	q.mu.Unlock()

	if congested && cb != nil {
		cb()
	}
}

// oldestAudioIndexLocked returns the index of the first (oldest) audio
// frame in the queue, or -1 if none is present. Caller must hold q.mu.
func (q *outboundQueue) oldestAudioIndexLocked() int {
	for i, m := range q.items {
		if m.kind == outboundAudio {
			return i
		}
	}
	return -1
}

// Pop blocks until an item is available or the queue is closed. Returns
// ok=false once the queue is closed and drained.
func (q *outboundQueue) Pop() (outboundMsg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return outboundMsg{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

// Close marks the queue closed and wakes any blocked Pop. Already-queued
// items are still drained by subsequent Pop calls; Push after Close is a
// no-op.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the current queue depth. Intended for tests/metrics.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
