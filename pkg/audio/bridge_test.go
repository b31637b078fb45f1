package audio_test

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/adacab/adacab/pkg/audio"
)

// fakeUploader records base64 payloads forwarded to the transport.
type fakeUploader struct {
	mu       sync.Mutex
	payloads []string
}

func (u *fakeUploader) AppendAudio(_ context.Context, audioB64 string) error {
	u.mu.Lock()
	u.payloads = append(u.payloads, audioB64)
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payloads)
}

func newTestBridge(t *testing.T, clockFn func() time.Time) (*audio.Bridge, *fakeUploader, *fakeCanceller) {
	t.Helper()
	sender := &recordingSender{}
	uploader := &fakeUploader{}
	canceller := &fakeCanceller{}

	var gateOpts []audio.GateOption
	if clockFn != nil {
		gateOpts = append(gateOpts, audio.WithGateClock(clockFn))
	}
	gate := audio.NewMicGate(audio.CodecAlaw, gateOpts...)
	clock := newTestClock(sender, audio.CodecAlaw)
	out := audio.NewOutputController(gate, clock, canceller,
		audio.WithWatchdogClamp(50*time.Millisecond, 200*time.Millisecond))
	return audio.NewBridge(audio.CodecAlaw, gate, clock, out, uploader), uploader, canceller
}

func TestBridge_ForwardsUngatedFrames(t *testing.T) {
	t.Parallel()

	bridge, uploader, _ := newTestBridge(t, nil)
	frame := speechFrame(20)
	bridge.HandleInboundFrame(context.Background(), frame)

	if uploader.count() != 1 {
		t.Fatalf("forwarded %d frames, want 1", uploader.count())
	}
	uploader.mu.Lock()
	got := uploader.payloads[0]
	uploader.mu.Unlock()
	if got != base64.StdEncoding.EncodeToString(frame) {
		t.Fatal("payload not base64 of the original frame")
	}

	stats := bridge.Stats()
	if stats.SentFrames != 1 || stats.GatedFrames != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestBridge_GatedFramesHeldBack(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	bridge, uploader, _ := newTestBridge(t, clock.Now)

	bridge.HandleAudioStarted() // arms the gate
	clock.Advance(300 * time.Millisecond)

	bridge.HandleInboundFrame(context.Background(), speechFrame(2))
	if uploader.count() != 0 {
		t.Fatalf("gated quiet frame forwarded")
	}
	if stats := bridge.Stats(); stats.GatedFrames != 1 {
		t.Fatalf("stats = %+v, want one gated frame", stats)
	}
}

func TestBridge_BargeInFlushesThenForwards(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	bridge, uploader, canceller := newTestBridge(t, clock.Now)

	bridge.HandleAudioStarted()
	bridge.HandleAudioDelta(base64.StdEncoding.EncodeToString(make([]byte, 30*audio.FrameBytes)))
	clock.Advance(300 * time.Millisecond)

	ctx := context.Background()
	bridge.HandleInboundFrame(ctx, speechFrame(45))
	bridge.HandleInboundFrame(ctx, speechFrame(45))
	bridge.HandleInboundFrame(ctx, speechFrame(45))

	if uploader.count() != 1 {
		t.Fatalf("forwarded %d frames, want just the barge-in trigger", uploader.count())
	}
	if canceller.calls.Load() != 1 {
		t.Fatalf("cancel count = %d, want 1", canceller.calls.Load())
	}
	if got := bridge.Clock().QueuedFrames(); got != 0 {
		t.Fatalf("playout queue = %d after barge-in, want 0", got)
	}
	if bridge.Gate().IsGated() {
		t.Fatal("gate still armed after barge-in")
	}
	if stats := bridge.Stats(); stats.BargeIns != 1 {
		t.Fatalf("stats = %+v, want one barge-in", stats)
	}
}

func TestBridge_SpeechStartedActsAsBargeIn(t *testing.T) {
	t.Parallel()

	bridge, _, canceller := newTestBridge(t, nil)
	bridge.HandleAudioStarted()
	bridge.HandleSpeechStarted(context.Background())

	if canceller.calls.Load() != 1 {
		t.Fatalf("cancel count = %d, want 1", canceller.calls.Load())
	}
	if bridge.Gate().IsGated() {
		t.Fatal("gate still armed after server-vad barge-in")
	}
}
