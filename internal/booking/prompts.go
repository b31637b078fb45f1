package booking

import (
	"fmt"
	"strings"
)

// Prompts holds every line of text the engine can ask the assistant to speak.
// The engine itself is language-agnostic: swap this struct to localise.
// Template fields use fmt.Sprintf verbs as documented per field.
type Prompts struct {
	// Greeting opens the call.
	Greeting string

	// AskPickup, AskDropoff (%s = normalized pickup), AskPassengers, AskTime
	// collect the four core slots.
	AskPickup     string
	AskDropoff    string
	AskPassengers string
	AskTime       string

	// PassengersInvalid (%d = max) and TimeInvalid re-ask after bad values.
	PassengersInvalid string
	TimeInvalid       string

	// GeocodeRetry (%s = raw address) re-asks after a failed lookup.
	GeocodeRetry string

	// ConfirmIntro prefixes the confirmation summary built by ConfirmText.
	ConfirmIntro string

	// WhatToChange follows a declined confirmation.
	WhatToChange string

	// Dispatched (%s = booking id) closes a successful call.
	Dispatched string

	// CancelGoodbye closes a cancelled call.
	CancelGoodbye string

	// TransferGeocode and TransferDispatch are operator-facing reasons.
	TransferGeocode  string
	TransferDispatch string
}

// DefaultPrompts returns the built-in English prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		Greeting:          "Hello, you've reached the taxi booking line. Where would you like to be picked up from?",
		AskPickup:         "Where would you like to be picked up from?",
		AskDropoff:        "Got it, picking up from %s. Where are you heading?",
		AskPassengers:     "How many passengers will be travelling?",
		AskTime:           "When would you like the taxi? You can say right away, or give a date and time.",
		PassengersInvalid: "We can take between one and %d passengers. How many will be travelling?",
		TimeInvalid:       "Sorry, I didn't catch a valid time. You can say right away, or give a date and time.",
		GeocodeRetry:      "I couldn't find %s. Could you give the address again, with the street and area?",
		ConfirmIntro:      "Let me confirm your booking.",
		WhatToChange:      "No problem. What would you like to change?",
		Dispatched:        "Your taxi is booked, reference %s. The driver is on the way. Goodbye!",
		CancelGoodbye:     "No problem, nothing has been booked. Thanks for calling, goodbye!",
		TransferGeocode:   "repeated geocoding failures",
		TransferDispatch:  "dispatch rejected the booking",
	}
}

// ConfirmText renders the confirmation summary for slots.
func (p Prompts) ConfirmText(s Slots) string {
	var b strings.Builder
	b.WriteString(p.ConfirmIntro)
	fmt.Fprintf(&b, " Pickup from %s, going to %s, %d passenger", s.Pickup, s.Destination, s.Passengers)
	if s.Passengers != 1 {
		b.WriteString("s")
	}
	if s.PickupTime == PickupTimeASAP {
		b.WriteString(", as soon as possible.")
	} else {
		fmt.Fprintf(&b, ", at %s.", s.PickupTime)
	}
	if s.SpecialInstructions != "" {
		fmt.Fprintf(&b, " Note: %s.", s.SpecialInstructions)
	}
	b.WriteString(" Is that all correct?")
	return b.String()
}
