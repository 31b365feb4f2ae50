package kernel

import (
	"testing"
	"time"
)

func TestOutboundQueue_FIFOOrder(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(10, 0)
	q.Push(outboundMsg{kind: outboundControl, control: "a"})
	q.Push(outboundMsg{kind: outboundControl, control: "b"})

	m1, ok := q.Pop()
	if !ok || m1.control != "a" {
		t.Fatalf("first pop: got %+v, ok=%v", m1, ok)
	}
	m2, ok := q.Pop()
	if !ok || m2.control != "b" {
		t.Fatalf("second pop: got %+v, ok=%v", m2, ok)
	}
}

func TestOutboundQueue_OverflowDropsOldestAudioFrame(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(2, 0)
	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame1")})
	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame2")})
	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame3")}) // should evict frame1

	if got := q.Len(); got != 2 {
		t.Fatalf("Len after overflow: got %d, want 2", got)
	}
	m1, _ := q.Pop()
	if string(m1.audio) != "frame2" {
		t.Errorf("oldest surviving frame: got %q, want %q", m1.audio, "frame2")
	}
	m2, _ := q.Pop()
	if string(m2.audio) != "frame3" {
		t.Errorf("newest frame: got %q, want %q", m2.audio, "frame3")
	}
}

func TestOutboundQueue_ControlFramesNeverDropped(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(1, 0)
	q.Push(outboundMsg{kind: outboundControl, control: "first"})
	q.Push(outboundMsg{kind: outboundControl, control: "second"})

	if got := q.Len(); got != 2 {
		t.Fatalf("Len: got %d, want 2 (control frames must not be dropped)", got)
	}
}

func TestOutboundQueue_PopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(10, 0)

	result := make(chan outboundMsg, 1)
	go func() {
		msg, ok := q.Pop()
		if ok {
			result <- msg
		}
	}()

	select {
	case <-result:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(outboundMsg{kind: outboundControl, control: "hello"})

	select {
	case msg := <-result:
		if msg.control != "hello" {
			t.Errorf("got %+v, want control=hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestOutboundQueue_CloseUnblocksPop(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(10, 0)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop after Close with empty queue: want ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Close")
	}
}

func TestOutboundQueue_CongestionFiresAfterConsecutiveDrops(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(1, 3)
	fired := make(chan struct{}, 1)
	q.OnCongestion(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame0")}) // fills the queue, no drop yet
	for i := 0; i < 2; i++ {
		q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame")}) // evicts oldest, counts as a drop
		select {
		case <-fired:
			t.Fatalf("congestion fired early after %d drops", i+1)
		default:
		}
	}

	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame")}) // third consecutive drop
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("congestion callback never fired after maxConsecutiveDrops")
	}
}

func TestOutboundQueue_ControlFrameResetsConsecutiveDrops(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(1, 2)
	fired := make(chan struct{}, 1)
	q.OnCongestion(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame0")})
	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame1")}) // 1 drop
	q.Push(outboundMsg{kind: outboundControl, control: "reset"})      // resets the streak

	q.Push(outboundMsg{kind: outboundAudio, audio: []byte("frame2")}) // 1 drop, not 2
	select {
	case <-fired:
		t.Fatal("congestion fired despite the intervening control frame resetting the streak")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestOutboundQueue_PushAfterCloseIsNoOp(t *testing.T) {
	t.Parallel()
	q := newOutboundQueue(10, 0)
	q.Close()
	q.Push(outboundMsg{kind: outboundControl, control: "late"})
	if got := q.Len(); got != 0 {
		t.Errorf("Len after Push-after-Close: got %d, want 0", got)
	}
}
