// Package backend defines the result types and callback signatures for the
// two external services the booking flow depends on — geocoding and dispatch —
// plus HTTP client implementations of both.
//
// The orchestration layer only ever sees the function types, so tests and
// alternative integrations plug in plain closures.
package backend

import "context"

// GeocodeResult is the outcome of resolving a raw caller address.
type GeocodeResult struct {
	OK         bool
	Normalized string
	Err        string
}

// DispatchResult is the outcome of submitting a booking to dispatch.
type DispatchResult struct {
	OK        bool
	BookingID string
	Err       string
}

// BookingRequest is the slot snapshot submitted to dispatch.
type BookingRequest struct {
	CallerName          string `json:"caller_name,omitempty"`
	CallerArea          string `json:"caller_area,omitempty"`
	Pickup              string `json:"pickup"`
	Destination         string `json:"destination"`
	Passengers          int    `json:"passengers"`
	PickupTime          string `json:"pickup_time"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
}

// GeocodeFunc resolves one raw address. Implementations must be idempotent on
// logical identity and honour ctx cancellation; failures come back as
// OK=false, never as panics.
type GeocodeFunc func(ctx context.Context, raw string) GeocodeResult

// DispatchFunc submits one booking. Not safely retryable: the caller escalates
// on failure instead of re-invoking.
type DispatchFunc func(ctx context.Context, req BookingRequest) DispatchResult
