// Package booking implements the deterministic taxi-booking state machine.
// The engine is pure: it performs no I/O, reads no clocks beyond an injected
// now function, and changes stage only inside Step. Everything the outside
// world does — tool calls, geocoding, dispatch — reaches it as an Event, and
// everything it wants done comes back as a NextAction.
package booking

import (
	"fmt"
	"strings"
	"time"
)

// Stage is the discrete state of a booking call.
type Stage int

const (
	StageGreeting Stage = iota
	StageCollectPickup
	StageGeocodingPickup
	StageCollectDropoff
	StageGeocodingDropoff
	StageCollectPassengers
	StageCollectTime
	StageConfirmDetails
	StageDispatching
	StageDone
	StageTransferred
	StageHungUp
)

var stageNames = map[Stage]string{
	StageGreeting:          "Greeting",
	StageCollectPickup:     "CollectPickup",
	StageGeocodingPickup:   "GeocodingPickup",
	StageCollectDropoff:    "CollectDropoff",
	StageGeocodingDropoff:  "GeocodingDropoff",
	StageCollectPassengers: "CollectPassengers",
	StageCollectTime:       "CollectTime",
	StageConfirmDetails:    "ConfirmDetails",
	StageDispatching:       "Dispatching",
	StageDone:              "Done",
	StageTransferred:       "Transferred",
	StageHungUp:            "HungUp",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageTransferred || s == StageHungUp
}

// Intent is the caller's intent as reported by the sync tool.
type Intent string

const (
	IntentUpdateField Intent = "update_field"
	IntentConfirm     Intent = "confirm"
	IntentDecline     Intent = "decline"
	IntentCancel      Intent = "cancel"
	IntentAmend       Intent = "amend"
)

const (
	// MinPassengers and MaxPassengers bound an accepted passenger count.
	MinPassengers = 1
	MaxPassengers = 8

	// PickupTimeASAP is the canonical immediate pickup value.
	PickupTimeASAP = "ASAP"

	// pickupTimeLayout is the accepted scheduled-pickup format.
	pickupTimeLayout = "2006-01-02 15:04"
)

// Slots holds everything collected about the booking so far. Address fields
// are opaque caller phrasing until the matching Resolved flag is set, after
// which they carry the geocoder's normalized form.
type Slots struct {
	CallerName string
	CallerArea string

	Pickup         string
	PickupResolved bool

	Destination         string
	DestinationResolved bool

	// Passengers is 0 until collected.
	Passengers int

	// PickupTime is "ASAP" or a "YYYY-MM-DD HH:MM" timestamp; empty until collected.
	PickupTime string

	SpecialInstructions string
}

// Event is a sealed union of the two inputs the engine steps on.
type Event interface{ isBookingEvent() }

// ToolSyncEvent is one sync_booking_data tool call, canonicalized by the tool
// router. Empty string fields are absent. Passengers is 0 when absent and -1
// when present but outside [MinPassengers, MaxPassengers]. PickupTimeInvalid
// marks a pickup_time that was present but unparseable.
type ToolSyncEvent struct {
	CallID string
	Intent Intent

	CallerName          string
	CallerArea          string
	Pickup              string
	Destination         string
	Passengers          int
	PickupTime          string
	PickupTimeInvalid   bool
	SpecialInstructions string

	Interpretation string
	LastUtterance  string
}

func (ToolSyncEvent) isBookingEvent() {}

// BackendKind tags a BackendResultEvent.
type BackendKind int

const (
	BackendGeocodePickup BackendKind = iota
	BackendGeocodeDropoff
	BackendDispatch
)

func (k BackendKind) String() string {
	switch k {
	case BackendGeocodePickup:
		return "geocode_pickup"
	case BackendGeocodeDropoff:
		return "geocode_dropoff"
	default:
		return "dispatch"
	}
}

// BackendResultEvent is the completion of a geocode or dispatch call.
type BackendResultEvent struct {
	Kind       BackendKind
	OK         bool
	Normalized string
	BookingID  string
	Err        string
}

func (BackendResultEvent) isBookingEvent() {}

// ActionKind tags a NextAction.
type ActionKind int

const (
	// ActionNone means nothing to do; Reason says why.
	ActionNone ActionKind = iota

	// ActionSilence means stay quiet: no tool result, no speech.
	ActionSilence

	// ActionAsk instructs the assistant to speak Text as its next turn.
	ActionAsk

	// ActionHangup instructs the assistant to speak Text and end the call.
	ActionHangup

	// ActionTransfer hands the call to a human; Reason is the operator note.
	ActionTransfer

	// ActionGeocodePickup / ActionGeocodeDropoff request a geocode of Raw.
	ActionGeocodePickup
	ActionGeocodeDropoff

	// ActionDispatch requests a dispatch of the Slots snapshot.
	ActionDispatch
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionSilence:
		return "silence"
	case ActionAsk:
		return "ask"
	case ActionHangup:
		return "hangup"
	case ActionTransfer:
		return "transfer"
	case ActionGeocodePickup:
		return "geocode_pickup"
	case ActionGeocodeDropoff:
		return "geocode_dropoff"
	default:
		return "dispatch"
	}
}

// NextAction is the engine's instruction to the orchestration layer. Only the
// fields relevant to Kind are populated.
type NextAction struct {
	Kind ActionKind

	// Text is what the assistant should say (Ask, Hangup).
	Text string

	// Reason explains None, Silence, and Transfer.
	Reason string

	// Raw is the unresolved address to geocode.
	Raw string

	// Slots is the booking snapshot to dispatch.
	Slots Slots
}

// NormalizePickupTime canonicalizes a pickup_time value: "asap" in any casing
// becomes PickupTimeASAP, and scheduled times are accepted in the wire layout
// or RFC 3339 as long as they are not in the past relative to now.
func NormalizePickupTime(s string, now time.Time) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if strings.EqualFold(s, PickupTimeASAP) || strings.EqualFold(s, "now") {
		return PickupTimeASAP, true
	}

	t, err := time.Parse(pickupTimeLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return "", false
		}
	}
	// A small grace window tolerates clock skew between the model and us.
	if t.Before(now.Add(-5 * time.Minute)) {
		return "", false
	}
	return t.Format(pickupTimeLayout), true
}
