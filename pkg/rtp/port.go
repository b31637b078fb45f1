// Package rtp provides the RTP I/O port the audio path sends and receives
// G.711 frames through. The port owns everything the playout clock does not:
// SSRC, sequence numbering, packet marshalling, and the UDP socket.
//
// SIP signaling, SDP negotiation, and port allocation live outside this
// module; a UDPPort is constructed from the already-negotiated local and
// remote media addresses.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	pionrtp "github.com/pion/rtp"
)

// ErrClosed is returned by SendRaw after Close.
var ErrClosed = errors.New("rtp: port closed")

// InboundHandler receives one RTP payload per packet. It runs on the receive
// goroutine and must be short and non-blocking.
type InboundHandler func(payloadType uint8, payload []byte)

// Port is the bidirectional RTP media port for one call leg.
type Port interface {
	// OnInbound registers the per-packet callback. Register before traffic
	// starts; packets arriving with no handler are dropped.
	OnInbound(h InboundHandler)

	// SendRaw transmits one payload with the given RTP timestamp. Sequence
	// numbers and SSRC are managed internally.
	SendRaw(timestamp uint32, payload []byte, payloadType uint8) error

	Close() error
}

// Compile-time assertion that UDPPort satisfies Port.
var _ Port = (*UDPPort)(nil)

// UDPPort is the plain UDP implementation of Port.
type UDPPort struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	ssrc   uint32

	seq    atomic.Uint32
	closed atomic.Bool

	handlerMu sync.Mutex
	handler   InboundHandler

	done chan struct{}
}

// NewUDPPort binds localAddr and sends to remoteAddr, both "host:port". The
// receive loop starts immediately.
func NewUDPPort(localAddr, remoteAddr string) (*UDPPort, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve local %q: %w", localAddr, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: resolve remote %q: %w", remoteAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rtp: listen %q: %w", localAddr, err)
	}

	var ssrcBytes [4]byte
	if _, err := rand.Read(ssrcBytes[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rtp: ssrc: %w", err)
	}

	p := &UDPPort{
		conn:   conn,
		remote: raddr,
		ssrc:   binary.BigEndian.Uint32(ssrcBytes[:]),
		done:   make(chan struct{}),
	}
	var seqBytes [2]byte
	_, _ = rand.Read(seqBytes[:])
	p.seq.Store(uint32(binary.BigEndian.Uint16(seqBytes[:])))

	go p.receiveLoop()
	return p, nil
}

// LocalAddr returns the bound media address (useful when binding port 0).
func (p *UDPPort) LocalAddr() net.Addr { return p.conn.LocalAddr() }

// OnInbound implements Port.
func (p *UDPPort) OnInbound(h InboundHandler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

// SendRaw implements Port. Each call produces exactly one RTP packet.
func (p *UDPPort) SendRaw(timestamp uint32, payload []byte, payloadType uint8) error {
	if p.closed.Load() {
		return ErrClosed
	}

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    payloadType,
			SequenceNumber: uint16(p.seq.Add(1)),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("rtp: marshal: %w", err)
	}
	if _, err := p.conn.WriteToUDP(data, p.remote); err != nil {
		return fmt.Errorf("rtp: write: %w", err)
	}
	return nil
}

func (p *UDPPort) receiveLoop() {
	defer close(p.done)
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if !p.closed.Load() {
				slog.Warn("rtp read failed", "err", err)
			}
			return
		}

		var pkt pionrtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		p.handlerMu.Lock()
		h := p.handler
		p.handlerMu.Unlock()
		if h == nil {
			continue
		}
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		h(pkt.PayloadType, payload)
	}
}

// Close shuts the socket and stops the receive loop. Idempotent.
func (p *UDPPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.conn.Close()
	<-p.done
	if err != nil {
		return fmt.Errorf("rtp: close: %w", err)
	}
	return nil
}
