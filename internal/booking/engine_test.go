package booking_test

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/adacab/adacab/internal/booking"
)

var testNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func newEngine() *booking.Engine {
	return booking.New(booking.WithNow(func() time.Time { return testNow }))
}

// drive runs the engine to the given stage with a minimal happy path.
func drive(t *testing.T, e *booking.Engine, target booking.Stage) {
	t.Helper()
	steps := []struct {
		at booking.Stage
		ev booking.Event
	}{
		{booking.StageCollectPickup, booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52A David Road"}},
		{booking.StageGeocodingPickup, booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "52A David Road, Coventry, CV1 5AB"}},
		{booking.StageCollectDropoff, booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Destination: "Coventry train station"}},
		{booking.StageGeocodingDropoff, booking.BackendResultEvent{Kind: booking.BackendGeocodeDropoff, OK: true, Normalized: "Coventry Railway Station, Station Square"}},
		{booking.StageCollectPassengers, booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: 2}},
		{booking.StageCollectTime, booking.ToolSyncEvent{Intent: booking.IntentUpdateField, PickupTime: booking.PickupTimeASAP}},
	}

	e.Start()
	for _, s := range steps {
		stage, _ := e.State()
		if stage == target {
			return
		}
		if stage != s.at {
			t.Fatalf("drive: at %v, expected %v", stage, s.at)
		}
		e.Step(s.ev)
	}
	if stage, _ := e.State(); stage != target {
		t.Fatalf("drive: ended at %v, want %v", stage, target)
	}
}

func TestStart_GreetsAndMovesToCollectPickup(t *testing.T) {
	t.Parallel()

	e := newEngine()
	action := e.Start()
	if action.Kind != booking.ActionAsk || action.Text == "" {
		t.Fatalf("Start action = %+v, want Ask with text", action)
	}
	if stage, _ := e.State(); stage != booking.StageCollectPickup {
		t.Fatalf("stage after Start = %v", stage)
	}

	if again := e.Start(); again.Kind != booking.ActionNone {
		t.Fatalf("second Start = %+v, want None", again)
	}
}

func TestHappyPathASAPBooking(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52A David Road", LastUtterance: "52A David Road"})
	if action.Kind != booking.ActionGeocodePickup || action.Raw != "52A David Road" {
		t.Fatalf("pickup step = %+v, want geocode of the raw address", action)
	}

	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "52A David Road, Coventry, CV1 5AB"})
	if action.Kind != booking.ActionAsk {
		t.Fatalf("geocode ok step = %+v, want Ask", action)
	}
	if !strings.Contains(action.Text, "52A David Road, Coventry, CV1 5AB") {
		t.Fatalf("dropoff ask does not reference the normalized pickup: %q", action.Text)
	}
	if stage, slots := e.State(); stage != booking.StageCollectDropoff || !slots.PickupResolved {
		t.Fatalf("state after geocode = %v, resolved=%v", stage, slots.PickupResolved)
	}

	e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Destination: "Coventry train station"})
	e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodeDropoff, OK: true, Normalized: "Coventry Railway Station"})
	e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: 3})

	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, PickupTime: booking.PickupTimeASAP})
	if action.Kind != booking.ActionAsk || !strings.Contains(action.Text, "correct") {
		t.Fatalf("time step = %+v, want confirmation ask", action)
	}
	if stage, _ := e.State(); stage != booking.StageConfirmDetails {
		t.Fatalf("stage = %v, want ConfirmDetails", stage)
	}

	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentConfirm})
	if action.Kind != booking.ActionDispatch {
		t.Fatalf("confirm step = %+v, want Dispatch", action)
	}
	if action.Slots.Passengers != 3 || action.Slots.PickupTime != booking.PickupTimeASAP {
		t.Fatalf("dispatch snapshot = %+v", action.Slots)
	}

	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendDispatch, OK: true, BookingID: "BK-1042"})
	if action.Kind != booking.ActionHangup || !strings.Contains(action.Text, "BK-1042") {
		t.Fatalf("dispatch ok step = %+v, want Hangup with booking id", action)
	}
	if stage, _ := e.State(); stage != booking.StageDone {
		t.Fatalf("final stage = %v", stage)
	}
	if e.BookingRef() != "BK-1042" {
		t.Fatalf("BookingRef = %q", e.BookingRef())
	}
}

func TestCompoundUtterance_GeocodesPickupFirst(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()

	action := e.Step(booking.ToolSyncEvent{
		Intent:      booking.IntentUpdateField,
		Pickup:      "52A David Road",
		Destination: "Coventry train station",
	})
	if action.Kind != booking.ActionGeocodePickup {
		t.Fatalf("compound step = %+v, want pickup geocode first", action)
	}
	if _, slots := e.State(); slots.Destination != "Coventry train station" {
		t.Fatal("destination offered early was not recorded")
	}

	// Pickup resolves; destination is already known, so the engine skips the
	// dropoff question and geocodes it directly.
	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "52A David Road, Coventry"})
	if action.Kind != booking.ActionGeocodeDropoff || action.Raw != "Coventry train station" {
		t.Fatalf("after pickup geocode = %+v, want dropoff geocode", action)
	}
}

func TestCancelHangsUpFromAnyStage(t *testing.T) {
	t.Parallel()

	for _, target := range []booking.Stage{booking.StageCollectPickup, booking.StageCollectPassengers, booking.StageConfirmDetails} {
		t.Run(target.String(), func(t *testing.T) {
			t.Parallel()
			e := newEngine()
			drive(t, e, target)
			action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentCancel})
			if action.Kind != booking.ActionHangup {
				t.Fatalf("cancel at %v = %+v, want Hangup", target, action)
			}
			if stage, _ := e.State(); stage != booking.StageHungUp {
				t.Fatalf("stage = %v, want HungUp", stage)
			}
		})
	}
}

func TestPassengersValidation(t *testing.T) {
	t.Parallel()

	e := newEngine()
	drive(t, e, booking.StageCollectPassengers)

	// Out-of-range marker re-asks with the validation message.
	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: -1})
	if action.Kind != booking.ActionAsk || !strings.Contains(action.Text, "8") {
		t.Fatalf("invalid passenger step = %+v, want validation re-ask", action)
	}
	if stage, _ := e.State(); stage != booking.StageCollectPassengers {
		t.Fatalf("stage moved on invalid input: %v", stage)
	}

	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: 4})
	if action.Kind != booking.ActionAsk {
		t.Fatalf("valid passenger step = %+v", action)
	}
	if stage, slots := e.State(); stage != booking.StageCollectTime || slots.Passengers != 4 {
		t.Fatalf("stage=%v passengers=%d", stage, slots.Passengers)
	}
}

func TestPickupTimeValidation(t *testing.T) {
	t.Parallel()

	e := newEngine()
	drive(t, e, booking.StageCollectTime)

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, PickupTimeInvalid: true})
	if action.Kind != booking.ActionAsk {
		t.Fatalf("invalid time step = %+v, want re-ask", action)
	}
	if stage, _ := e.State(); stage != booking.StageCollectTime {
		t.Fatalf("stage moved on invalid time: %v", stage)
	}

	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, PickupTime: "2025-06-10 14:30"})
	if stage, slots := e.State(); stage != booking.StageConfirmDetails || slots.PickupTime != "2025-06-10 14:30" {
		t.Fatalf("stage=%v time=%q after valid time (action %+v)", stage, slots.PickupTime, action)
	}
}

func TestGeocodeFailureRetriesThenTransfers(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()
	e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "mumbled noise"})

	action := e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, Err: "not found"})
	if action.Kind != booking.ActionAsk {
		t.Fatalf("first failure = %+v, want re-ask", action)
	}
	if stage, _ := e.State(); stage != booking.StageCollectPickup {
		t.Fatalf("stage after first failure = %v", stage)
	}

	e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "still mumbled"})
	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, Err: "not found"})
	if action.Kind != booking.ActionTransfer {
		t.Fatalf("second failure = %+v, want Transfer", action)
	}
	if stage, _ := e.State(); stage != booking.StageTransferred {
		t.Fatalf("stage = %v, want Transferred", stage)
	}
}

func TestNewPickupWhileGeocodingRegeocodess(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()
	e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52 David Road"})

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52A David Road"})
	if action.Kind != booking.ActionGeocodePickup || action.Raw != "52A David Road" {
		t.Fatalf("corrected pickup while geocoding = %+v", action)
	}

	// An unrelated update while the geocode is in flight is stored but
	// triggers no action.
	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: 2})
	if action.Kind != booking.ActionNone {
		t.Fatalf("unrelated update while geocoding = %+v, want None", action)
	}
}

func TestConfirmDeclineAndAmend(t *testing.T) {
	t.Parallel()

	e := newEngine()
	drive(t, e, booking.StageConfirmDetails)

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentDecline})
	if action.Kind != booking.ActionAsk {
		t.Fatalf("decline = %+v, want what-to-change ask", action)
	}
	if stage, _ := e.State(); stage != booking.StageCollectPickup {
		t.Fatalf("stage after decline = %v", stage)
	}

	// Amending the passenger count re-confirms with the new value.
	action = e.Step(booking.ToolSyncEvent{Intent: booking.IntentAmend, Passengers: 5})
	if action.Kind != booking.ActionAsk || !strings.Contains(action.Text, "5 passengers") {
		t.Fatalf("amend = %+v, want re-confirmation with 5 passengers", action)
	}
	if stage, slots := e.State(); stage != booking.StageConfirmDetails || slots.Passengers != 5 {
		t.Fatalf("stage=%v passengers=%d", stage, slots.Passengers)
	}
}

func TestAmendAddressAtConfirmationRegeocodess(t *testing.T) {
	t.Parallel()

	e := newEngine()
	drive(t, e, booking.StageConfirmDetails)

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentAmend, Pickup: "14 Dover Road"})
	if action.Kind != booking.ActionGeocodePickup || action.Raw != "14 Dover Road" {
		t.Fatalf("amended address = %+v, want re-geocode", action)
	}

	// Everything else is still satisfied, so the resolve returns straight to
	// confirmation.
	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "14 Dover Road, Coventry"})
	if action.Kind != booking.ActionAsk || !strings.Contains(action.Text, "14 Dover Road, Coventry") {
		t.Fatalf("after amend geocode = %+v, want re-confirmation", action)
	}
	if stage, _ := e.State(); stage != booking.StageConfirmDetails {
		t.Fatalf("stage = %v, want ConfirmDetails", stage)
	}
}

func TestDispatchFailureTransfers(t *testing.T) {
	t.Parallel()

	e := newEngine()
	drive(t, e, booking.StageConfirmDetails)
	e.Step(booking.ToolSyncEvent{Intent: booking.IntentConfirm})

	action := e.Step(booking.BackendResultEvent{Kind: booking.BackendDispatch, Err: "no drivers"})
	if action.Kind != booking.ActionTransfer || !strings.Contains(action.Reason, "no drivers") {
		t.Fatalf("dispatch failure = %+v, want Transfer with reason", action)
	}
}

func TestTerminalStagesIgnoreEvents(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()
	e.Step(booking.ToolSyncEvent{Intent: booking.IntentCancel})

	action := e.Step(booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52A David Road"})
	if action.Kind != booking.ActionNone {
		t.Fatalf("post-hangup step = %+v, want None", action)
	}
	action = e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "x"})
	if action.Kind != booking.ActionNone {
		t.Fatalf("post-hangup backend step = %+v, want None", action)
	}
}

func TestStaleBackendResultIgnored(t *testing.T) {
	t.Parallel()

	e := newEngine()
	e.Start()
	action := e.Step(booking.BackendResultEvent{Kind: booking.BackendGeocodeDropoff, OK: true, Normalized: "somewhere"})
	if action.Kind != booking.ActionNone {
		t.Fatalf("stale result = %+v, want None", action)
	}
	if _, slots := e.State(); slots.DestinationResolved {
		t.Fatal("stale result mutated slots")
	}
}

func TestDeterminism(t *testing.T) {
	t.Parallel()

	events := []booking.Event{
		booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Pickup: "52A David Road", Destination: "the station"},
		booking.BackendResultEvent{Kind: booking.BackendGeocodePickup, OK: true, Normalized: "52A David Road, Coventry"},
		booking.BackendResultEvent{Kind: booking.BackendGeocodeDropoff, Err: "not found"},
		booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Destination: "Coventry railway station"},
		booking.BackendResultEvent{Kind: booking.BackendGeocodeDropoff, OK: true, Normalized: "Coventry Railway Station"},
		booking.ToolSyncEvent{Intent: booking.IntentUpdateField, Passengers: 2, PickupTime: booking.PickupTimeASAP},
		booking.ToolSyncEvent{Intent: booking.IntentConfirm},
		booking.BackendResultEvent{Kind: booking.BackendDispatch, OK: true, BookingID: "BK-7"},
	}

	run := func() ([]booking.NextAction, booking.Stage, booking.Slots) {
		e := newEngine()
		actions := []booking.NextAction{e.Start()}
		for _, ev := range events {
			actions = append(actions, e.Step(ev))
		}
		stage, slots := e.State()
		return actions, stage, slots
	}

	actions1, stage1, slots1 := run()
	actions2, stage2, slots2 := run()

	if !reflect.DeepEqual(actions1, actions2) {
		t.Fatal("action sequences differ between identical runs")
	}
	if stage1 != stage2 || !reflect.DeepEqual(slots1, slots2) {
		t.Fatalf("final state differs: %v/%v vs %v/%v", stage1, slots1, stage2, slots2)
	}
	if stage1 != booking.StageDone {
		t.Fatalf("final stage = %v, want Done", stage1)
	}
}

func TestNormalizePickupTime(t *testing.T) {
	t.Parallel()

	now := testNow
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{in: "ASAP", want: "ASAP", wantOK: true},
		{in: "asap", want: "ASAP", wantOK: true},
		{in: "now", want: "ASAP", wantOK: true},
		{in: "2025-06-10 14:30", want: "2025-06-10 14:30", wantOK: true},
		{in: "2025-06-10T14:30:00Z", want: "2025-06-10 14:30", wantOK: true},
		{in: "2020-01-01 08:00"}, // in the past
		{in: "half past three"},
		{in: ""},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			got, ok := booking.NormalizePickupTime(tc.in, now)
			if ok != tc.wantOK || got != tc.want {
				t.Fatalf("NormalizePickupTime(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}
