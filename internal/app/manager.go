package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adacab/adacab/internal/call"
	"github.com/adacab/adacab/internal/config"
	"github.com/adacab/adacab/internal/turns"
	"github.com/adacab/adacab/pkg/audio"
	"github.com/adacab/adacab/pkg/backend"
	"github.com/adacab/adacab/pkg/rtp"
)

// defaultMaxConcurrentCalls bounds simultaneous sessions when the config
// leaves session.max_concurrent_calls unset.
const defaultMaxConcurrentCalls = 10

// CallManager tracks live call sessions. The embedding telephony layer calls
// StartCall for each answered SIP leg; the manager enforces the concurrency
// cap, runs the session, and reports the outcome. All exported methods are
// safe for concurrent use.
type CallManager struct {
	cfg      *config.Config
	codec    audio.Codec
	geocode  backend.GeocodeFunc
	dispatch backend.DispatchFunc
	analyzer turns.Analyzer

	mu      sync.Mutex
	live    map[string]context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewCallManager creates an empty manager.
func NewCallManager(cfg *config.Config, codec audio.Codec,
	geocode backend.GeocodeFunc, dispatch backend.DispatchFunc, analyzer turns.Analyzer) *CallManager {
	return &CallManager{
		cfg:      cfg,
		codec:    codec,
		geocode:  geocode,
		dispatch: dispatch,
		analyzer: analyzer,
		live:     make(map[string]context.CancelFunc),
	}
}

// ActiveCalls reports the number of live sessions.
func (m *CallManager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// StartCall runs a session for one answered media leg. It returns once the
// session is registered; the call itself runs on its own goroutine and the
// port is closed when it ends. onDone, if non-nil, receives the outcome (the
// telephony layer uses it to drop the SIP leg or bridge the transfer).
func (m *CallManager) StartCall(ctx context.Context, port rtp.Port, onDone func(call.Outcome)) error {
	maxCalls := m.cfg.Session.MaxConcurrentCalls
	if maxCalls <= 0 {
		maxCalls = defaultMaxConcurrentCalls
	}

	sess := call.New(m.sessionConfig(), port, m.geocode, m.dispatch)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("app: manager stopped")
	}
	if len(m.live) >= maxCalls {
		m.mu.Unlock()
		return fmt.Errorf("app: at capacity (%d live calls)", maxCalls)
	}
	callCtx, cancel := context.WithCancel(ctx)
	m.live[sess.ID()] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer cancel()

		outcome := sess.Run(callCtx)

		if err := port.Close(); err != nil {
			slog.Warn("rtp port close", "call_id", sess.ID(), "err", err)
		}

		m.mu.Lock()
		delete(m.live, sess.ID())
		m.mu.Unlock()

		if onDone != nil {
			onDone(outcome)
		}
	}()
	return nil
}

// StopAll cancels every live session and waits for them to finish.
func (m *CallManager) StopAll() {
	m.mu.Lock()
	m.stopped = true
	for id, cancel := range m.live {
		slog.Info("cancelling live call", "call_id", id)
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *CallManager) sessionConfig() call.Config {
	cfg := m.cfg
	return call.Config{
		RealtimeURL:           cfg.Realtime.URL(),
		APIKey:                cfg.Realtime.APIKey,
		Voice:                 cfg.Realtime.Voice,
		Instructions:          cfg.Realtime.Instructions,
		TranscriptionModel:    cfg.Realtime.TranscriptionModel,
		Temperature:           cfg.Realtime.Temperature,
		Codec:                 m.codec,
		NoReplyTimeout:        time.Duration(cfg.Session.NoReplyTimeoutSeconds) * time.Second,
		ConfirmNoReplyTimeout: time.Duration(cfg.Session.ConfirmNoReplyTimeoutSeconds) * time.Second,
		MaxSilentReprompts:    cfg.Session.MaxSilentReprompts,
		Analyzer:              m.analyzer,
	}
}
