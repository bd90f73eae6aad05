// Package link binds one BLE peripheral to a secured PDU transport.
//
// A Connection drives the peripheral through Disconnected, Connecting and
// Connected, serializes every transaction through a sequencer, and moves PDUs
// across a characteristic: each PDU is split into frames of at most 496
// plaintext bytes, sealed with the session's outbound key once keys are set,
// written with acknowledgement, and the reply is drained until the peer
// returns an empty read.
//
// Frames that fail authentication on the way in are dropped, not reported as
// errors; Stats exposes how many were dropped so callers can spot a bad link.
package link
