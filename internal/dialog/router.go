package dialog

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/adacab/adacab/internal/booking"
	"github.com/adacab/adacab/internal/observe"
	"github.com/adacab/adacab/internal/turns"
	"github.com/adacab/adacab/pkg/backend"
	"github.com/adacab/adacab/pkg/realtime"
)

// SyncToolName is the single tool exposed to the model.
const SyncToolName = "sync_booking_data"

// toolCallMinInterval is the throttle window between accepted tool calls.
// The model occasionally double-fires on one utterance; the second call
// within the window is dropped.
const toolCallMinInterval = 500 * time.Millisecond

// SyncToolDefinition returns the realtime tool schema for sync_booking_data.
func SyncToolDefinition() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        SyncToolName,
		Description: "Report everything learned from the caller's last utterance: slot values and the caller's intent. Call after every caller turn that carries booking information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"caller_name":          map[string]any{"type": "string"},
				"caller_area":          map[string]any{"type": "string"},
				"pickup":               map[string]any{"type": "string", "description": "pickup address exactly as the caller said it"},
				"destination":          map[string]any{"type": "string", "description": "destination address exactly as the caller said it"},
				"passengers":           map[string]any{"type": "integer", "minimum": 1, "maximum": 8},
				"pickup_time":          map[string]any{"type": "string", "description": `"ASAP" or "YYYY-MM-DD HH:MM"`},
				"intent":               map[string]any{"type": "string", "enum": []string{"update_field", "confirm", "decline", "cancel", "amend"}},
				"special_instructions": map[string]any{"type": "string"},
				"interpretation":       map[string]any{"type": "string", "description": "your reading of what the caller meant"},
				"last_utterance":       map[string]any{"type": "string", "description": "the caller's words verbatim"},
			},
			"required": []string{"intent", "interpretation", "last_utterance"},
		},
	}
}

// toolResult is the JSON sent back as function_call_output.
type toolResult struct {
	Status      string `json:"status"`
	Instruction string `json:"instruction,omitempty"`
	Address     string `json:"address,omitempty"`
	Reason      string `json:"reason,omitempty"`
	BookingID   string `json:"booking_id,omitempty"`
	Stage       string `json:"stage"`
}

// RouterOption is a functional option for configuring a Router.
type RouterOption func(*Router)

// WithAnalyzer replaces the default rule-based turn analyzer.
func WithAnalyzer(a turns.Analyzer) RouterOption {
	return func(r *Router) { r.analyzer = a }
}

// WithRouterNow overrides the router's time source (pickup-time validation).
// Primarily used in tests.
func WithRouterNow(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// OnHangup registers the callback fired after the engine ends the call with a
// spoken goodbye. The session layer waits for playout drain, then tears down.
func OnHangup(fn func(text string)) RouterOption {
	return func(r *Router) { r.onHangup = fn }
}

// OnTransfer registers the callback fired when the engine escalates to a
// human operator.
func OnTransfer(fn func(reason string)) RouterOption {
	return func(r *Router) { r.onTransfer = fn }
}

// Router owns the engine for the duration of a call: it is the only component
// that steps it. One Router per call; HandleToolCall runs on the event
// dispatch goroutine, so engine access is single-threaded by construction.
type Router struct {
	engine   *booking.Engine
	client   *realtime.Client
	coord    *Coordinator
	analyzer turns.Analyzer
	geocode  backend.GeocodeFunc
	dispatch backend.DispatchFunc
	now      func() time.Time
	metrics  *observe.Metrics

	onHangup   func(string)
	onTransfer func(string)

	frozen  atomic.Bool
	limiter *rate.Limiter

	mu           sync.Mutex
	seen         map[string]struct{}
	lastQuestion string
	lastCaller   string
}

// NewRouter wires a router to its collaborators.
func NewRouter(engine *booking.Engine, client *realtime.Client, coord *Coordinator,
	geocode backend.GeocodeFunc, dispatch backend.DispatchFunc, opts ...RouterOption) *Router {
	r := &Router{
		engine:   engine,
		client:   client,
		coord:    coord,
		analyzer: turns.NewRuleAnalyzer(),
		geocode:  geocode,
		dispatch: dispatch,
		now:      time.Now,
		metrics:  observe.DefaultMetrics(),
		limiter:  rate.NewLimiter(rate.Every(toolCallMinInterval), 1),
		seen:     make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Frozen reports whether the router stopped accepting tool calls (post
// hangup/transfer).
func (r *Router) Frozen() bool { return r.frozen.Load() }

// NoteAssistantLine records the assistant's latest spoken line; the analyzer
// classifies caller turns against it.
func (r *Router) NoteAssistantLine(text string) {
	r.mu.Lock()
	r.lastQuestion = text
	r.mu.Unlock()
}

// NoteCallerLine records the caller's latest transcript, used when the tool
// call omits last_utterance.
func (r *Router) NoteCallerLine(text string) {
	r.mu.Lock()
	r.lastCaller = text
	r.mu.Unlock()
}

// HandleToolCall processes one completed tool call end to end: dedup and
// throttle, argument canonicalization, turn reconciliation, one engine step,
// and execution of the resulting action. Exactly one tool result is emitted
// per accepted call_id; backend follow-ups are sent after it.
func (r *Router) HandleToolCall(ctx context.Context, ev realtime.Event) {
	if r.frozen.Load() {
		slog.Debug("tool call after call end, dropped", "call_id", ev.CallID)
		return
	}
	if ev.Name != SyncToolName {
		slog.Warn("unexpected tool call", "name", ev.Name, "call_id", ev.CallID)
		r.sendToolResult(ctx, ev.CallID, toolResult{Status: "unknown_tool", Stage: r.stageName()})
		return
	}

	r.mu.Lock()
	if _, dup := r.seen[ev.CallID]; dup {
		r.mu.Unlock()
		slog.Info("duplicate tool call dropped", "call_id", ev.CallID)
		r.countToolCall("duplicate")
		return
	}
	if !r.limiter.Allow() {
		r.mu.Unlock()
		slog.Info("tool call throttled", "call_id", ev.CallID)
		r.countToolCall("throttled")
		return
	}
	r.seen[ev.CallID] = struct{}{}
	lastQuestion, lastCaller := r.lastQuestion, r.lastCaller
	r.mu.Unlock()

	args := parseArgs(ev.Arguments)
	stageBefore, _ := r.engine.State()

	r.reconcile(ctx, args, stageBefore, lastQuestion, lastCaller)

	syncEv := r.buildEvent(ev.CallID, args)
	action := r.engine.Step(syncEv)
	r.countToolCall("handled")
	r.noteStage(stageBefore)

	slog.Info("tool call handled",
		"call_id", ev.CallID,
		"intent", syncEv.Intent,
		"stage", stageBefore.String(),
		"action", action.Kind.String(),
	)
	r.execute(ctx, ev.CallID, stageBefore, action, true)
}

// ── Argument handling ──────────────────────────────────────────────────────────

// keyAliases maps every accepted argument spelling to its canonical key.
var keyAliases = map[string]string{
	"pickup": "pickup", "pickup_address": "pickup", "pickup_location": "pickup", "from": "pickup",
	"destination": "destination", "dropoff": "destination", "drop_off": "destination",
	"dropoff_address": "destination", "to": "destination",
	"passengers": "passengers", "passenger_count": "passengers", "num_passengers": "passengers",
	"pickup_time": "pickup_time", "time": "pickup_time", "when": "pickup_time",
	"caller_name": "caller_name", "name": "caller_name",
	"caller_area": "caller_area", "area": "caller_area",
	"special_instructions": "special_instructions", "notes": "special_instructions",
	"intent": "intent", "interpretation": "interpretation", "last_utterance": "last_utterance",
}

// parseArgs decodes the tool arguments into a canonical-key map. Unparseable
// JSON yields an empty map, never an error.
func parseArgs(raw string) map[string]any {
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		slog.Warn("tool arguments unparseable", "err", err)
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		canon, ok := keyAliases[strings.ToLower(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		out[canon] = v
	}
	return out
}

func str(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// buildEvent converts canonicalized args into the engine event. Passenger
// counts are coerced to int; a present but unusable value becomes -1 so the
// engine can re-ask. Pickup times are normalized or flagged invalid.
func (r *Router) buildEvent(callID string, args map[string]any) booking.ToolSyncEvent {
	ev := booking.ToolSyncEvent{
		CallID:              callID,
		Intent:              booking.Intent(str(args, "intent")),
		CallerName:          str(args, "caller_name"),
		CallerArea:          str(args, "caller_area"),
		Pickup:              str(args, "pickup"),
		Destination:         str(args, "destination"),
		SpecialInstructions: str(args, "special_instructions"),
		Interpretation:      str(args, "interpretation"),
		LastUtterance:       str(args, "last_utterance"),
	}

	switch ev.Intent {
	case booking.IntentUpdateField, booking.IntentConfirm, booking.IntentDecline,
		booking.IntentCancel, booking.IntentAmend:
	default:
		ev.Intent = booking.IntentUpdateField
	}

	if _, present := args["passengers"]; present {
		ev.Passengers = -1
		if n, err := strconv.Atoi(str(args, "passengers")); err == nil &&
			n >= booking.MinPassengers && n <= booking.MaxPassengers {
			ev.Passengers = n
		}
	}

	if raw := str(args, "pickup_time"); raw != "" {
		if normalized, ok := booking.NormalizePickupTime(raw, r.now()); ok {
			ev.PickupTime = normalized
		} else {
			ev.PickupTimeInvalid = true
		}
	}
	return ev
}

// ── Turn reconciliation ────────────────────────────────────────────────────────

// reconcile overlays the analyzer's reading of the caller's turn onto the
// model's raw arguments: confirmations force the intent at the confirmation
// stage, corrections rewrite the slot and escalate the intent to amend, and
// direct answers fill slots the model missed.
func (r *Router) reconcile(ctx context.Context, args map[string]any, stage booking.Stage, lastQuestion, lastCaller string) {
	utterance := str(args, "last_utterance")
	if utterance == "" {
		utterance = lastCaller
	}
	if utterance == "" {
		return
	}

	cls := r.analyzer.Analyze(ctx, lastQuestion, expectedKind(stage), utterance)
	slog.Debug("turn classified",
		"relationship", cls.Relationship.String(),
		"slot", cls.Slot,
		"confidence", cls.Confidence,
	)

	switch cls.Relationship {
	case turns.ConfirmationYes:
		if stage == booking.StageConfirmDetails {
			args["intent"] = string(booking.IntentConfirm)
		}
	case turns.ConfirmationNo:
		if stage == booking.StageConfirmDetails {
			args["intent"] = string(booking.IntentDecline)
		}
	case turns.Correction:
		if cls.Slot != "" && cls.Value != "" {
			args[cls.Slot] = cls.Value
			if in := str(args, "intent"); in == "" || in == string(booking.IntentUpdateField) {
				args["intent"] = string(booking.IntentAmend)
			}
		}
	case turns.DirectAnswer:
		if cls.Slot != "" && cls.Value != "" && str(args, cls.Slot) == "" {
			args[cls.Slot] = cls.Value
		}
	}
}

// expectedKind maps the engine stage to the kind of answer the assistant's
// pending question invites.
func expectedKind(stage booking.Stage) turns.ExpectedKind {
	switch stage {
	case booking.StageCollectPickup, booking.StageGeocodingPickup:
		return turns.ExpectPickup
	case booking.StageCollectDropoff, booking.StageGeocodingDropoff:
		return turns.ExpectDestination
	case booking.StageCollectPassengers:
		return turns.ExpectPassengers
	case booking.StageCollectTime:
		return turns.ExpectPickupTime
	case booking.StageConfirmDetails:
		return turns.ExpectConfirmation
	default:
		return turns.ExpectNone
	}
}

// ── Action execution ───────────────────────────────────────────────────────────

// execute carries out one engine action. root marks the direct result of the
// tool call: it gets the tool result (sent before any speech or backend
// work). Backend completions recurse with root=false and use the follow-up
// path, because no tool call is open by then.
func (r *Router) execute(ctx context.Context, callID string, stageBefore booking.Stage, action booking.NextAction, root bool) {
	switch action.Kind {
	case booking.ActionAsk:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "ok", Instruction: action.Text, Stage: stageBefore.String()})
			r.speak(ctx, action.Text, r.coord.Speak)
		} else {
			r.speak(ctx, action.Text, r.coord.FollowUp)
		}

	case booking.ActionHangup:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "hangup", Instruction: action.Text, Stage: stageBefore.String()})
			r.speak(ctx, action.Text, r.coord.Speak)
		} else {
			r.speak(ctx, action.Text, r.coord.FollowUp)
		}
		r.frozen.Store(true)
		if r.onHangup != nil {
			r.onHangup(action.Text)
		}

	case booking.ActionTransfer:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "transfer", Reason: action.Reason, Stage: stageBefore.String()})
		}
		r.frozen.Store(true)
		if r.onTransfer != nil {
			r.onTransfer(action.Reason)
		}

	case booking.ActionGeocodePickup, booking.ActionGeocodeDropoff:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "geocoding", Address: action.Raw, Stage: stageBefore.String()})
		}
		kind := booking.BackendGeocodePickup
		if action.Kind == booking.ActionGeocodeDropoff {
			kind = booking.BackendGeocodeDropoff
		}
		start := r.now()
		res := r.geocode(ctx, action.Raw)
		r.recordBackend(kind.String(), res.OK, r.now().Sub(start))
		stage, _ := r.engine.State()
		next := r.engine.Step(booking.BackendResultEvent{
			Kind:       kind,
			OK:         res.OK,
			Normalized: res.Normalized,
			Err:        res.Err,
		})
		r.noteStage(stage)
		r.execute(ctx, callID, stageBefore, next, false)

	case booking.ActionDispatch:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "dispatching", Stage: stageBefore.String()})
		}
		start := r.now()
		res := r.dispatch(ctx, backend.BookingRequest{
			CallerName:          action.Slots.CallerName,
			CallerArea:          action.Slots.CallerArea,
			Pickup:              action.Slots.Pickup,
			Destination:         action.Slots.Destination,
			Passengers:          action.Slots.Passengers,
			PickupTime:          action.Slots.PickupTime,
			SpecialInstructions: action.Slots.SpecialInstructions,
		})
		r.recordBackend(booking.BackendDispatch.String(), res.OK, r.now().Sub(start))
		stage, _ := r.engine.State()
		next := r.engine.Step(booking.BackendResultEvent{
			Kind:      booking.BackendDispatch,
			OK:        res.OK,
			BookingID: res.BookingID,
			Err:       res.Err,
		})
		r.noteStage(stage)
		r.execute(ctx, callID, stageBefore, next, false)

	case booking.ActionNone:
		if root {
			r.sendToolResult(ctx, callID, toolResult{Status: "no_op", Reason: action.Reason, Stage: stageBefore.String()})
		}

	case booking.ActionSilence:
		// No tool result, no speech: the model stays quiet.
	}
}

// speak sends one spoken turn through fn and records it as the pending
// question for the next reconciliation.
func (r *Router) speak(ctx context.Context, text string, fn func(context.Context, string) error) {
	r.NoteAssistantLine(text)
	if err := fn(ctx, text); err != nil {
		slog.Warn("speak failed", "err", err)
	}
}

func (r *Router) sendToolResult(ctx context.Context, callID string, res toolResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		slog.Error("tool result marshal failed", "err", err)
		return
	}
	if err := r.client.SendToolResult(ctx, callID, string(payload)); err != nil {
		slog.Warn("tool result send failed", "call_id", callID, "err", err)
	}
}

func (r *Router) stageName() string {
	stage, _ := r.engine.State()
	return stage.String()
}

// ── Metrics plumbing ───────────────────────────────────────────────────────────

func (r *Router) countToolCall(status string) {
	if r.metrics.ToolCalls != nil {
		r.metrics.ToolCalls.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// noteStage records a transition when the stage moved past before.
func (r *Router) noteStage(before booking.Stage) {
	after, _ := r.engine.State()
	if after == before || r.metrics.StageTransitions == nil {
		return
	}
	r.metrics.StageTransitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("stage", after.String())))
}

func (r *Router) recordBackend(name string, ok bool, elapsed time.Duration) {
	if r.metrics.BackendDuration == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "fail"
	}
	r.metrics.BackendDuration.Record(context.Background(), elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", name),
			attribute.String("status", status),
		))
}

// Greet runs the engine's opening action: the greeting line spoken via the
// follow-up path, since no tool call is open at call start.
func (r *Router) Greet(ctx context.Context) {
	action := r.engine.Start()
	if action.Kind != booking.ActionAsk {
		return
	}
	r.speak(ctx, action.Text, r.coord.FollowUp)
}

// Reprompt re-issues the last question after a response was invalidated
// (no-reply watchdog, invalid model output). mic decides the clear-vs-commit
// branch of the sequence.
func (r *Router) Reprompt(ctx context.Context, mic MicState) {
	r.mu.Lock()
	question := r.lastQuestion
	r.mu.Unlock()
	if question == "" {
		return
	}
	if err := r.coord.Reprompt(ctx, question, mic); err != nil {
		slog.Warn("reprompt failed", "err", err)
	}
}
