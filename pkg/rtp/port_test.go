package rtp_test

import (
	"sync"
	"testing"
	"time"

	"github.com/adacab/adacab/pkg/rtp"
)

// pairedPorts returns two UDPPorts wired at each other over loopback.
func pairedPorts(t *testing.T) (*rtp.UDPPort, *rtp.UDPPort) {
	t.Helper()

	// Bind both ends on ephemeral ports first, then cross-wire.
	a, err := rtp.NewUDPPort("127.0.0.1:0", "127.0.0.1:9") // placeholder remote
	if err != nil {
		t.Fatalf("port a: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	b, err := rtp.NewUDPPort("127.0.0.1:0", a.LocalAddr().String())
	if err != nil {
		t.Fatalf("port b: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestUDPPort_RoundTrip(t *testing.T) {
	t.Parallel()

	a, b := pairedPorts(t)

	type packet struct {
		pt      uint8
		payload []byte
	}
	var mu sync.Mutex
	var got []packet
	a.OnInbound(func(pt uint8, payload []byte) {
		mu.Lock()
		got = append(got, packet{pt: pt, payload: payload})
		mu.Unlock()
	})

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xD5
	}
	for i := 0; i < 3; i++ {
		if err := b.SendRaw(uint32(160*i), frame, 8); err != nil {
			t.Fatalf("SendRaw %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("received %d/3 packets", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, p := range got {
		if p.pt != 8 {
			t.Errorf("packet %d payload type = %d, want 8", i, p.pt)
		}
		if len(p.payload) != 160 {
			t.Errorf("packet %d payload length = %d, want 160", i, len(p.payload))
		}
	}
}

func TestUDPPort_SendAfterClose(t *testing.T) {
	t.Parallel()

	p, err := rtp.NewUDPPort("127.0.0.1:0", "127.0.0.1:9")
	if err != nil {
		t.Fatalf("NewUDPPort: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := p.SendRaw(0, make([]byte, 160), 8); err == nil {
		t.Fatal("SendRaw after Close succeeded")
	}
}
