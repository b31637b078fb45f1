package booking

import (
	"fmt"
	"time"
)

// maxGeocodeAttempts is how many failed lookups per address leg are tolerated
// before the call is handed to a human.
const maxGeocodeAttempts = 2

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithNow overrides the engine's time source, used only to validate scheduled
// pickup times. Primarily used in tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPrompts replaces the default prompt set.
func WithPrompts(p Prompts) Option {
	return func(e *Engine) { e.prompts = p }
}

// Engine is the deterministic booking state machine. It is not safe for
// concurrent use; the tool router and session orchestrator coordinate so a
// single goroutine steps it. For any fixed sequence of events the emitted
// actions and final state are identical across runs.
type Engine struct {
	stage   Stage
	slots   Slots
	prompts Prompts
	now     func() time.Time

	started         bool
	pickupAttempts  int
	dropoffAttempts int
	bookingRef      string
}

// New creates an Engine in the Greeting stage.
func New(opts ...Option) *Engine {
	e := &Engine{
		stage:   StageGreeting,
		prompts: DefaultPrompts(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State returns the current stage and a copy of the collected slots.
func (e *Engine) State() (Stage, Slots) {
	return e.stage, e.slots
}

// BookingRef returns the dispatch reference once the booking succeeded, or "".
func (e *Engine) BookingRef() string { return e.bookingRef }

// Start opens the call: Greeting → CollectPickup with the greeting line.
// Calling Start twice is a no-op.
func (e *Engine) Start() NextAction {
	if e.started {
		return NextAction{Kind: ActionNone, Reason: "already started"}
	}
	e.started = true
	e.stage = StageCollectPickup
	return NextAction{Kind: ActionAsk, Text: e.prompts.Greeting}
}

// Step advances the machine by one event and returns the action to execute.
// It is the only place stage may change.
func (e *Engine) Step(ev Event) NextAction {
	switch ev := ev.(type) {
	case ToolSyncEvent:
		return e.stepTool(ev)
	case BackendResultEvent:
		return e.stepBackend(ev)
	default:
		return NextAction{Kind: ActionNone, Reason: "unknown event"}
	}
}

// ── Tool events ────────────────────────────────────────────────────────────────

func (e *Engine) stepTool(ev ToolSyncEvent) NextAction {
	if e.stage.Terminal() {
		return NextAction{Kind: ActionNone, Reason: "call already ended"}
	}

	if ev.Intent == IntentCancel {
		e.stage = StageHungUp
		return NextAction{Kind: ActionHangup, Text: e.prompts.CancelGoodbye}
	}

	pickupChanged, destChanged, updated := e.absorb(ev)

	switch e.stage {
	case StageConfirmDetails:
		switch ev.Intent {
		case IntentConfirm:
			e.stage = StageDispatching
			return NextAction{Kind: ActionDispatch, Slots: e.slots}
		case IntentDecline:
			e.stage = StageCollectPickup
			return NextAction{Kind: ActionAsk, Text: e.prompts.WhatToChange}
		}
		if updated {
			// An amended address geocodes again; anything else re-confirms.
			return e.advance()
		}
		return NextAction{Kind: ActionNone, Reason: "no recognised change at confirmation"}

	case StageGeocodingPickup:
		if pickupChanged {
			return NextAction{Kind: ActionGeocodePickup, Raw: e.slots.Pickup}
		}
		return NextAction{Kind: ActionNone, Reason: "awaiting pickup geocode"}

	case StageGeocodingDropoff:
		if destChanged {
			return NextAction{Kind: ActionGeocodeDropoff, Raw: e.slots.Destination}
		}
		return NextAction{Kind: ActionNone, Reason: "awaiting destination geocode"}

	case StageDispatching:
		return NextAction{Kind: ActionNone, Reason: "dispatch in flight"}
	}

	// Collecting stages. Invalid values for the slot under collection re-ask;
	// a recognised update advances to the first unsatisfied slot; anything
	// else is an unrelated utterance.
	if e.stage == StageCollectPassengers && ev.Passengers < 0 {
		return NextAction{Kind: ActionAsk, Text: fmt.Sprintf(e.prompts.PassengersInvalid, MaxPassengers)}
	}
	if e.stage == StageCollectTime && ev.PickupTimeInvalid {
		return NextAction{Kind: ActionAsk, Text: e.prompts.TimeInvalid}
	}
	if updated {
		return e.advance()
	}
	return NextAction{Kind: ActionNone, Reason: "no recognised slot update"}
}

// absorb applies every structurally valid slot update from ev, regardless of
// stage: a destination offered while collecting the pickup is kept (and the
// stage flow later skips the question). It reports which address legs changed
// and whether anything at all was stored.
func (e *Engine) absorb(ev ToolSyncEvent) (pickupChanged, destChanged, updated bool) {
	if ev.CallerName != "" && ev.CallerName != e.slots.CallerName {
		e.slots.CallerName = ev.CallerName
		updated = true
	}
	if ev.CallerArea != "" && ev.CallerArea != e.slots.CallerArea {
		e.slots.CallerArea = ev.CallerArea
		updated = true
	}
	if ev.SpecialInstructions != "" && ev.SpecialInstructions != e.slots.SpecialInstructions {
		e.slots.SpecialInstructions = ev.SpecialInstructions
		updated = true
	}

	if ev.Pickup != "" && ev.Pickup != e.slots.Pickup {
		e.slots.Pickup = ev.Pickup
		e.slots.PickupResolved = false
		pickupChanged, updated = true, true
	}
	if ev.Destination != "" && ev.Destination != e.slots.Destination {
		e.slots.Destination = ev.Destination
		e.slots.DestinationResolved = false
		destChanged, updated = true, true
	}

	if ev.Passengers >= MinPassengers && ev.Passengers <= MaxPassengers && ev.Passengers != e.slots.Passengers {
		e.slots.Passengers = ev.Passengers
		updated = true
	}
	if ev.PickupTime != "" && ev.PickupTime != e.slots.PickupTime {
		e.slots.PickupTime = ev.PickupTime
		updated = true
	}
	return pickupChanged, destChanged, updated
}

// advance moves to the first unsatisfied slot and emits the matching action:
// unresolved addresses geocode (pickup before destination), missing slots get
// asked for, and a complete set goes to confirmation.
func (e *Engine) advance() NextAction {
	switch {
	case !e.slots.PickupResolved:
		if e.slots.Pickup != "" {
			e.stage = StageGeocodingPickup
			return NextAction{Kind: ActionGeocodePickup, Raw: e.slots.Pickup}
		}
		e.stage = StageCollectPickup
		return NextAction{Kind: ActionAsk, Text: e.prompts.AskPickup}

	case !e.slots.DestinationResolved:
		if e.slots.Destination != "" {
			e.stage = StageGeocodingDropoff
			return NextAction{Kind: ActionGeocodeDropoff, Raw: e.slots.Destination}
		}
		e.stage = StageCollectDropoff
		return NextAction{Kind: ActionAsk, Text: fmt.Sprintf(e.prompts.AskDropoff, e.slots.Pickup)}

	case e.slots.Passengers == 0:
		e.stage = StageCollectPassengers
		return NextAction{Kind: ActionAsk, Text: e.prompts.AskPassengers}

	case e.slots.PickupTime == "":
		e.stage = StageCollectTime
		return NextAction{Kind: ActionAsk, Text: e.prompts.AskTime}

	default:
		e.stage = StageConfirmDetails
		return NextAction{Kind: ActionAsk, Text: e.prompts.ConfirmText(e.slots)}
	}
}

// ── Backend events ─────────────────────────────────────────────────────────────

func (e *Engine) stepBackend(ev BackendResultEvent) NextAction {
	if e.stage.Terminal() {
		return NextAction{Kind: ActionNone, Reason: "call already ended"}
	}

	switch ev.Kind {
	case BackendGeocodePickup:
		if e.stage != StageGeocodingPickup {
			return NextAction{Kind: ActionNone, Reason: "stale pickup geocode result"}
		}
		if ev.OK {
			e.slots.Pickup = ev.Normalized
			e.slots.PickupResolved = true
			e.pickupAttempts = 0
			return e.advance()
		}
		e.pickupAttempts++
		if e.pickupAttempts >= maxGeocodeAttempts {
			e.stage = StageTransferred
			return NextAction{Kind: ActionTransfer, Reason: e.prompts.TransferGeocode}
		}
		e.stage = StageCollectPickup
		return NextAction{Kind: ActionAsk, Text: fmt.Sprintf(e.prompts.GeocodeRetry, e.slots.Pickup)}

	case BackendGeocodeDropoff:
		if e.stage != StageGeocodingDropoff {
			return NextAction{Kind: ActionNone, Reason: "stale destination geocode result"}
		}
		if ev.OK {
			e.slots.Destination = ev.Normalized
			e.slots.DestinationResolved = true
			e.dropoffAttempts = 0
			return e.advance()
		}
		e.dropoffAttempts++
		if e.dropoffAttempts >= maxGeocodeAttempts {
			e.stage = StageTransferred
			return NextAction{Kind: ActionTransfer, Reason: e.prompts.TransferGeocode}
		}
		e.stage = StageCollectDropoff
		return NextAction{Kind: ActionAsk, Text: fmt.Sprintf(e.prompts.GeocodeRetry, e.slots.Destination)}

	case BackendDispatch:
		if e.stage != StageDispatching {
			return NextAction{Kind: ActionNone, Reason: "stale dispatch result"}
		}
		if ev.OK {
			e.stage = StageDone
			e.bookingRef = ev.BookingID
			return NextAction{Kind: ActionHangup, Text: fmt.Sprintf(e.prompts.Dispatched, ev.BookingID)}
		}
		// Dispatch is not safely retryable; escalate.
		e.stage = StageTransferred
		reason := e.prompts.TransferDispatch
		if ev.Err != "" {
			reason = fmt.Sprintf("%s: %s", reason, ev.Err)
		}
		return NextAction{Kind: ActionTransfer, Reason: reason}
	}
	return NextAction{Kind: ActionNone, Reason: "unknown backend result"}
}
