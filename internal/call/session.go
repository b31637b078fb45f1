// Package call implements the per-call session orchestrator: it owns every
// resource of one phone call — realtime connection, audio bridge, booking
// engine, tool router — runs the event fan-out between them, and tears it all
// down when the call ends.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/adacab/adacab/internal/booking"
	"github.com/adacab/adacab/internal/dialog"
	"github.com/adacab/adacab/internal/observe"
	"github.com/adacab/adacab/internal/turns"
	"github.com/adacab/adacab/pkg/audio"
	"github.com/adacab/adacab/pkg/backend"
	"github.com/adacab/adacab/pkg/realtime"
	"github.com/adacab/adacab/pkg/rtp"
)

// OutcomeKind classifies how a call ended.
type OutcomeKind int

const (
	// OutcomeCompleted means a booking was dispatched and the call closed
	// normally.
	OutcomeCompleted OutcomeKind = iota

	// OutcomeHungUp means the call ended without a booking (caller cancelled
	// or went silent).
	OutcomeHungUp

	// OutcomeTransferred means the call must be handed to a human operator.
	OutcomeTransferred

	// OutcomeFailed means an infrastructure failure ended the call.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeHungUp:
		return "hungup"
	case OutcomeTransferred:
		return "transferred"
	default:
		return "failed"
	}
}

// Outcome is the terminal result of one call.
type Outcome struct {
	Kind       OutcomeKind
	BookingRef string
	Reason     string
	Err        error
}

// Config carries everything a session needs beyond its injected collaborators.
type Config struct {
	// RealtimeURL is the full WebSocket endpoint including the model query
	// parameter.
	RealtimeURL string
	APIKey      string

	// Voice is the synthesis voice name.
	Voice string

	// Instructions is the base system prompt installed at session start.
	Instructions string

	// TranscriptionModel transcribes caller audio (default "whisper-1").
	TranscriptionModel string

	Temperature float64

	// Codec is the negotiated G.711 variant of the SIP leg.
	Codec audio.Codec

	// NoReplyTimeout re-prompts a silent caller; ConfirmNoReplyTimeout
	// applies while awaiting a yes/no on the read-back. After
	// MaxSilentReprompts unanswered re-prompts the session hangs up.
	NoReplyTimeout        time.Duration
	ConfirmNoReplyTimeout time.Duration
	MaxSilentReprompts    int

	// Analyzer overrides the rule-based turn analyzer (nil keeps the default).
	Analyzer turns.Analyzer

	// Prompts overrides the engine prompt set (zero value keeps defaults).
	Prompts *booking.Prompts
}

func (c *Config) applyDefaults() {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
	if c.NoReplyTimeout <= 0 {
		c.NoReplyTimeout = 15 * time.Second
	}
	if c.ConfirmNoReplyTimeout <= 0 {
		c.ConfirmNoReplyTimeout = 30 * time.Second
	}
	if c.MaxSilentReprompts <= 0 {
		c.MaxSilentReprompts = 3
	}
}

// Session is one live call. Create with New, drive with Run.
type Session struct {
	id      string
	cfg     Config
	port    rtp.Port
	client  *realtime.Client
	bridge  *audio.Bridge
	engine  *booking.Engine
	router  *dialog.Router
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	hangupArmed atomic.Bool
	finishOnce  sync.Once
	outcomeCh   chan Outcome

	replyMu         sync.Mutex
	noReply         *time.Timer
	silentReprompts int
}

// New assembles a session for one answered call on port. The transport is not
// dialled until Run.
func New(cfg Config, port rtp.Port, geocode backend.GeocodeFunc, dispatch backend.DispatchFunc) *Session {
	cfg.applyDefaults()

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		port:      port,
		metrics:   observe.DefaultMetrics(),
		outcomeCh: make(chan Outcome, 1),
	}

	transport := realtime.NewWSTransport()
	s.client = realtime.NewClient(transport)

	gate := audio.NewMicGate(cfg.Codec)
	clock := audio.NewPlayoutClock(port, cfg.Codec)
	out := audio.NewOutputController(gate, clock, s.client,
		audio.WithMicUngated(s.handleMicUngated))
	s.bridge = audio.NewBridge(cfg.Codec, gate, clock, out, s.client)

	engineOpts := []booking.Option{}
	if cfg.Prompts != nil {
		engineOpts = append(engineOpts, booking.WithPrompts(*cfg.Prompts))
	}
	s.engine = booking.New(engineOpts...)

	coord := dialog.NewCoordinator(s.client)
	routerOpts := []dialog.RouterOption{
		dialog.OnHangup(s.handleHangup),
		dialog.OnTransfer(s.handleTransfer),
	}
	if cfg.Analyzer != nil {
		routerOpts = append(routerOpts, dialog.WithAnalyzer(cfg.Analyzer))
	}
	s.router = dialog.NewRouter(s.engine, s.client, coord, geocode, dispatch, routerOpts...)

	return s
}

// ID returns the session's call id.
func (s *Session) ID() string { return s.id }

// Run connects, greets, and blocks until the call reaches an outcome or ctx
// is cancelled. All owned resources are released before Run returns. The
// whole call runs under one span; backend calls become its children and every
// log line carries the trace ID as correlation.
func (s *Session) Run(ctx context.Context) Outcome {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	var span trace.Span
	s.ctx, span = observe.StartSpan(s.ctx, "call.session",
		trace.WithAttributes(attribute.String("call_id", s.id)))
	defer span.End()

	log := observe.Logger(s.ctx).With("call_id", s.id)
	log.Info("call session starting")
	s.addActive(1)
	defer s.addActive(-1)

	transport := s.client.Transport()
	transport.OnMessage(s.handleMessage)
	transport.OnDisconnected(func(reason error) {
		s.finish(Outcome{Kind: OutcomeFailed, Reason: "realtime disconnect", Err: reason})
	})

	s.port.OnInbound(func(_ uint8, payload []byte) {
		s.bridge.HandleInboundFrame(s.ctx, payload)
	})

	if err := s.client.Connect(s.ctx, s.cfg.RealtimeURL, s.cfg.APIKey); err != nil {
		return s.fail(fmt.Errorf("call: connect: %w", err))
	}
	defer s.client.Close()

	if err := s.client.UpdateSession(s.ctx, s.sessionParams()); err != nil {
		return s.fail(fmt.Errorf("call: session setup: %w", err))
	}

	s.bridge.Clock().Start()
	defer s.bridge.Clock().Stop()

	s.router.Greet(s.ctx)
	s.resetNoReply()
	defer s.stopNoReply()

	select {
	case outcome := <-s.outcomeCh:
		log.Info("call session finished",
			"outcome", outcome.Kind.String(),
			"booking_ref", outcome.BookingRef,
		)
		span.SetAttributes(attribute.String("call.outcome", outcome.Kind.String()))
		s.recordOutcome(outcome)
		return outcome
	case <-ctx.Done():
		outcome := Outcome{Kind: OutcomeFailed, Reason: "shutdown", Err: ctx.Err()}
		span.SetAttributes(attribute.String("call.outcome", outcome.Kind.String()))
		s.recordOutcome(outcome)
		return outcome
	}
}

// sessionParams builds the initial session.update: G.711 passthrough both
// ways, server VAD, caller transcription, and the sync tool.
func (s *Session) sessionParams() realtime.SessionParams {
	return realtime.SessionParams{
		Modalities:              []string{"audio", "text"},
		Voice:                   s.cfg.Voice,
		Instructions:            s.cfg.Instructions,
		InputAudioFormat:        s.cfg.Codec.WireFormat(),
		OutputAudioFormat:       s.cfg.Codec.WireFormat(),
		InputAudioTranscription: &realtime.TranscriptionParams{Model: s.cfg.TranscriptionModel},
		TurnDetection:           realtime.DefaultTurnDetection(),
		Tools:                   []realtime.Tool{dialog.SyncToolDefinition()},
		ToolChoice:              "auto",
		Temperature:             s.cfg.Temperature,
	}
}

// ── Event fan-out ──────────────────────────────────────────────────────────────

func (s *Session) handleMessage(ctx context.Context, data []byte) error {
	ev := realtime.Parse(data)
	switch ev.Kind {
	case realtime.EventAudioStarted:
		s.bridge.HandleAudioStarted()
	case realtime.EventAudioDelta:
		s.bridge.HandleAudioDelta(ev.Delta)
	case realtime.EventAudioDone:
		s.bridge.HandleAudioDone()
	case realtime.EventSpeechStarted:
		s.countBargeIn("server_vad")
		s.bridge.HandleSpeechStarted(ctx)
		s.resetNoReply()
	case realtime.EventSpeechStopped:
		// Server VAD closes the turn by itself; no explicit commit.
	case realtime.EventToolCallDone:
		s.router.HandleToolCall(ctx, ev)
	case realtime.EventCallerTranscript:
		slog.Debug("caller said", "call_id", s.id, "transcript", ev.Transcript)
		s.router.NoteCallerLine(ev.Transcript)
		s.replyMu.Lock()
		s.silentReprompts = 0
		s.replyMu.Unlock()
		s.resetNoReply()
	case realtime.EventAssistantTranscript:
		slog.Debug("assistant said", "call_id", s.id, "transcript", ev.Transcript)
		s.router.NoteAssistantLine(ev.Transcript)
	case realtime.EventError:
		// Protocol edges ("no active response found", commit on empty buffer)
		// arrive here; they are noisy but harmless.
		slog.Warn("realtime error event", "call_id", s.id, "message", ev.ErrorMessage)
	case realtime.EventResponseCreated, realtime.EventResponseCanceled,
		realtime.EventSessionCreated, realtime.EventSessionUpdated:
		// Lifecycle acknowledgements.
	}
	return nil
}

// ── Call-end paths ─────────────────────────────────────────────────────────────

// handleHangup arms teardown-after-drain: the goodbye line must finish
// playing before the leg drops. The mic-ungated callback (drain or watchdog)
// completes it.
func (s *Session) handleHangup(string) {
	s.hangupArmed.Store(true)
}

func (s *Session) handleTransfer(reason string) {
	s.finish(Outcome{Kind: OutcomeTransferred, Reason: reason})
}

// handleMicUngated serves two duties: restart the no-reply watchdog whenever
// the caller gets the floor, and complete a pending hangup once the goodbye
// finished playing.
func (s *Session) handleMicUngated(forced bool) {
	if s.hangupArmed.Load() {
		stage, _ := s.engine.State()
		if stage == booking.StageDone {
			s.finish(Outcome{Kind: OutcomeCompleted, BookingRef: s.engine.BookingRef()})
		} else {
			s.finish(Outcome{Kind: OutcomeHungUp})
		}
		return
	}
	if forced {
		slog.Warn("mic ungated by watchdog", "call_id", s.id)
	}
	s.resetNoReply()
}

func (s *Session) finish(outcome Outcome) {
	s.finishOnce.Do(func() {
		select {
		case s.outcomeCh <- outcome:
		default:
		}
		s.cancel()
	})
}

func (s *Session) fail(err error) Outcome {
	outcome := Outcome{Kind: OutcomeFailed, Err: err}
	slog.Error("call session failed", "call_id", s.id, "err", err)
	s.recordOutcome(outcome)
	return outcome
}

// ── No-reply watchdog ──────────────────────────────────────────────────────────

func (s *Session) noReplyTimeout() time.Duration {
	stage, _ := s.engine.State()
	if stage == booking.StageConfirmDetails {
		return s.cfg.ConfirmNoReplyTimeout
	}
	return s.cfg.NoReplyTimeout
}

func (s *Session) resetNoReply() {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	if s.noReply != nil {
		s.noReply.Stop()
	}
	s.noReply = time.AfterFunc(s.noReplyTimeout(), s.noReplyFired)
}

func (s *Session) stopNoReply() {
	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	if s.noReply != nil {
		s.noReply.Stop()
		s.noReply = nil
	}
}

// noReplyFired re-prompts a silent caller, up to the configured limit; after
// that the call ends.
func (s *Session) noReplyFired() {
	if s.router.Frozen() || s.hangupArmed.Load() {
		return
	}

	s.replyMu.Lock()
	s.silentReprompts++
	count := s.silentReprompts
	s.replyMu.Unlock()

	if count > s.cfg.MaxSilentReprompts {
		slog.Info("caller silent, ending call", "call_id", s.id, "reprompts", count-1)
		s.finish(Outcome{Kind: OutcomeHungUp, Reason: "no reply"})
		return
	}

	slog.Info("caller silent, re-prompting", "call_id", s.id, "attempt", count)
	s.router.Reprompt(s.ctx, s.bridge.Gate())
	s.resetNoReply()
}

// ── Metrics plumbing ───────────────────────────────────────────────────────────

func (s *Session) addActive(delta int64) {
	if s.metrics.ActiveCalls != nil {
		s.metrics.ActiveCalls.Add(context.Background(), delta)
	}
}

func (s *Session) countBargeIn(source string) {
	if s.metrics.BargeIns != nil {
		s.metrics.BargeIns.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("source", source)))
	}
}

func (s *Session) recordOutcome(outcome Outcome) {
	ctx := context.Background()
	if s.metrics.CallsCompleted != nil {
		s.metrics.CallsCompleted.Add(ctx, 1,
			metric.WithAttributes(attribute.String("outcome", outcome.Kind.String())))
	}
	stats := s.bridge.Stats()
	if s.metrics.FramesSent != nil {
		s.metrics.FramesSent.Add(ctx, int64(stats.SentFrames))
	}
	if s.metrics.FramesGated != nil {
		s.metrics.FramesGated.Add(ctx, int64(stats.GatedFrames))
	}
	if s.metrics.BargeIns != nil && stats.BargeIns > 0 {
		s.metrics.BargeIns.Add(ctx, int64(stats.BargeIns),
			metric.WithAttributes(attribute.String("source", "gate")))
	}
}
