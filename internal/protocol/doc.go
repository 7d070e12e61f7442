// Package protocol defines the wire contracts exchanged with Triton-4
// vehicles: heartbeat, descent-check and ascent-notify payloads, the
// command envelope dispatched back to the vehicle, and the closed enums
// for vehicle state and execution status.
//
// Validation lives here so that malformed or out-of-range payloads are
// rejected at the transport boundary, before any state mutation.
package protocol
