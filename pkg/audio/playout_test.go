package audio_test

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adacab/adacab/pkg/audio"
)

// recordingSender captures every frame the clock sends. Non-blocking so the
// free-running test clock can never stall on it.
type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
	stamps []uint32
	types  []uint8
}

func (s *recordingSender) SendRaw(timestamp uint32, payload []byte, payloadType uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.frames = append(s.frames, cp)
	s.stamps = append(s.stamps, timestamp)
	s.types = append(s.types, payloadType)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSender) snapshot() ([][]byte, []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := make([][]byte, len(s.frames))
	copy(frames, s.frames)
	stamps := make([]uint32, len(s.stamps))
	copy(stamps, s.stamps)
	return frames, stamps
}

// newTestClock builds a clock whose time only advances when the send loop
// waits, so ticks run back-to-back without real sleeping.
func newTestClock(sender audio.FrameSender, codec audio.Codec) *audio.PlayoutClock {
	var mu sync.Mutex
	cur := time.Unix(1700000000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	wait := func(deadline time.Time) {
		mu.Lock()
		if deadline.After(cur) {
			cur = deadline
		}
		mu.Unlock()
	}
	return audio.NewPlayoutClock(sender, codec, audio.WithTimeSource(now, wait))
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func patternFrame(b byte) []byte {
	frame := make([]byte, audio.FrameBytes)
	for i := range frame {
		frame[i] = b
	}
	return frame
}

func TestClock_SendsQueuedThenSilence(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)
	clock.Buffer(patternFrame(0x01))
	clock.Buffer(patternFrame(0x02))

	clock.Start()
	waitFor(t, func() bool { return sender.count() >= 4 })
	clock.Stop()

	frames, stamps := sender.snapshot()
	if !bytes.Equal(frames[0], patternFrame(0x01)) || !bytes.Equal(frames[1], patternFrame(0x02)) {
		t.Fatal("queued frames not sent in order")
	}
	if !bytes.Equal(frames[2], audio.SilenceFrame(audio.CodecAlaw)) {
		t.Fatal("underrun did not send silence")
	}
	for i, f := range frames {
		if len(f) != audio.FrameBytes {
			t.Fatalf("frame %d length = %d, want %d", i, len(f), audio.FrameBytes)
		}
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i] != stamps[i-1]+audio.FrameBytes {
			t.Fatalf("timestamp step at %d: %d -> %d, want +160", i, stamps[i-1], stamps[i])
		}
	}
}

func TestClock_PayloadType(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecUlaw)
	clock.Start()
	waitFor(t, func() bool { return sender.count() >= 1 })
	clock.Stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.types[0] != 0 {
		t.Fatalf("ulaw payload type = %d, want 0", sender.types[0])
	}
}

func TestBuffer_SplitsArbitraryLengths(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)

	// 400 bytes = 2 full frames + 80 byte remainder.
	clock.Buffer(make([]byte, 400))
	if got := clock.QueuedFrames(); got != 2 {
		t.Fatalf("QueuedFrames after 400 bytes = %d, want 2", got)
	}

	// Remainder completes with the next delta.
	clock.Buffer(make([]byte, 80))
	if got := clock.QueuedFrames(); got != 3 {
		t.Fatalf("QueuedFrames after remainder completion = %d, want 3", got)
	}

	// A fresh remainder is padded by FlushPartial.
	clock.Buffer(make([]byte, 10))
	clock.FlushPartial()
	if got := clock.QueuedFrames(); got != 4 {
		t.Fatalf("QueuedFrames after FlushPartial = %d, want 4", got)
	}
}

func TestFlushPartial_PadsWithSilence(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)
	clock.Buffer([]byte{0x01, 0x02})
	clock.FlushPartial()

	clock.Start()
	waitFor(t, func() bool { return sender.count() >= 1 })
	clock.Stop()

	frames, _ := sender.snapshot()
	frame := frames[0]
	if frame[0] != 0x01 || frame[1] != 0x02 {
		t.Fatal("partial bytes lost")
	}
	for i := 2; i < audio.FrameBytes; i++ {
		if frame[i] != 0xD5 {
			t.Fatalf("pad byte %d = %#x, want alaw silence", i, frame[i])
		}
	}
}

func TestDrain_FiresExactlyOncePerArm(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)

	var drains atomic.Int32
	clock.SetOnDrained(func() { drains.Add(1) })

	clock.Buffer(patternFrame(0x01))
	clock.Buffer(patternFrame(0x02))
	clock.ArmDrain()

	clock.Start()
	defer clock.Stop()
	waitFor(t, func() bool { return drains.Load() == 1 })

	// Keep running through more silence ticks: no second firing.
	waitFor(t, func() bool { return sender.count() >= 10 })
	if got := drains.Load(); got != 1 {
		t.Fatalf("drained fired %d times, want 1", got)
	}
}

func TestDrain_ArmWithEmptyQueueDoesNotFire(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)

	var drains atomic.Int32
	clock.SetOnDrained(func() { drains.Add(1) })
	clock.ArmDrain()

	clock.Start()
	waitFor(t, func() bool { return sender.count() >= 5 })
	clock.Stop()

	if got := drains.Load(); got != 0 {
		t.Fatalf("drained fired %d times with an empty queue, want 0", got)
	}
}

func TestClear_EmptiesQueueAndSuppressesDrain(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)

	var drains atomic.Int32
	clock.SetOnDrained(func() { drains.Add(1) })

	clock.Buffer(make([]byte, 5*audio.FrameBytes+10))
	clock.ArmDrain()
	clock.Clear()

	if got := clock.QueuedFrames(); got != 0 {
		t.Fatalf("QueuedFrames after Clear = %d, want 0", got)
	}
	// The partial accumulator is cleared too.
	clock.Buffer(make([]byte, audio.FrameBytes-10))
	if got := clock.QueuedFrames(); got != 0 {
		t.Fatalf("partial residue survived Clear: %d frames", got)
	}

	clock.Start()
	waitFor(t, func() bool { return sender.count() >= 5 })
	clock.Stop()
	if got := drains.Load(); got != 0 {
		t.Fatalf("drained fired %d times after Clear, want 0", got)
	}
}

func TestOnQueueEmpty_FiresOnTransition(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	clock := newTestClock(sender, audio.CodecAlaw)

	var empties atomic.Int32
	clock.SetOnQueueEmpty(func() { empties.Add(1) })

	clock.Buffer(patternFrame(0x01))
	clock.Start()
	defer clock.Stop()
	waitFor(t, func() bool { return empties.Load() >= 1 })
}
