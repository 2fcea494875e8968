/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"fmt"
	"time"
)

// SessionState represents the state of a call session in the state machine.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionInitiating   SessionState = "initiating"
	SessionInitiated    SessionState = "initiated"
	SessionOfferSent    SessionState = "offer_sent"
	SessionAnswerSent   SessionState = "answer_sent"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionICEFailed    SessionState = "ice_failed"
)

// sessionStateRank orders session states along the negotiation timeline.
// Used for "before connecting" style checks.
var sessionStateRank = map[SessionState]int{
	SessionDisconnected: 0,
	SessionInitiating:   1,
	SessionInitiated:    2,
	SessionOfferSent:    3,
	SessionAnswerSent:   3,
	SessionConnecting:   4,
	SessionConnected:    5,
	SessionICEFailed:    6,
}

// GlobalState is the manager-wide call state guarding against overlapping
// call attempts. Exactly one live session may exist at a time.
type GlobalState string

const (
	GlobalIdle     GlobalState = "idle"
	GlobalIncoming GlobalState = "incoming"
	GlobalOutgoing GlobalState = "outgoing"
	GlobalActive   GlobalState = "active"
)

// SDPType tags a session description as an offer or an answer.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob plus its negotiation role. The SDP text
// is treated as opaque except for the media-attribute inspection in
// ExtractMediaAttributes.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// Candidate is a trickled ICE candidate. Immutable value type; collected
// into ordered sequences.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid,omitempty"`
}

// TurnCredentials are time-limited TURN relay credentials with the relay
// URIs rewritten into authenticated form.
type TurnCredentials struct {
	Username string
	Password string
	URIs     []string
	// ExpiresAt is the absolute instant after which the credentials must
	// be re-fetched.
	ExpiresAt time.Time
}

// --- Error taxonomy ---

// ErrNotDisconnected is returned when a negotiation entry point is invoked
// on a session that already left the disconnected state.
var ErrNotDisconnected = errors.New("calling: session is not disconnected")

// ErrGroupCallUnsupported is returned by StartCall for rooms that do not
// have exactly two joined members.
var ErrGroupCallUnsupported = errors.New("calling: group calls are not supported")

// ErrNoPendingInvite is returned by AcceptCall when no invite is pending.
var ErrNoPendingInvite = errors.New("calling: no pending invite")

// ErrNoRemoteCandidates is returned when an inbound call is accepted before
// any remote ICE candidates have arrived. Answering needs at least one.
var ErrNoRemoteCandidates = errors.New("calling: no remote candidates received yet")

// ErrCallInProgress is returned when a new call is attempted while another
// call exists.
var ErrCallInProgress = errors.New("calling: a call is already in progress")

// ParseError indicates malformed SDP. Fatal to the session: callers must
// end the call.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calling: %s: %v", e.Reason, e.Err)
	}
	return "calling: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// NegotiationError indicates a remote offer that lacks a required codec or
// media section. Fatal: the offer is refused, no renegotiation is attempted.
type NegotiationError struct {
	Reason string
}

func (e *NegotiationError) Error() string {
	return "calling: negotiation rejected: " + e.Reason
}

// PipelineError indicates a device or media-graph construction failure.
// Fatal to the session; never retried.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("calling: pipeline %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("calling: pipeline %s failed", e.Stage)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// CapabilityError indicates the runtime environment is missing a required
// media processing module. The call is never started.
type CapabilityError struct {
	Missing string
}

func (e *CapabilityError) Error() string {
	return "calling: missing media capability: " + e.Missing
}

// IsParseError reports whether err is an SDP parse error.
func IsParseError(err error) bool {
	var e *ParseError
	return errors.As(err, &e)
}

// IsNegotiationError reports whether err is a negotiation rejection.
func IsNegotiationError(err error) bool {
	var e *NegotiationError
	return errors.As(err, &e)
}

// IsPipelineError reports whether err is a media pipeline failure.
func IsPipelineError(err error) bool {
	var e *PipelineError
	return errors.As(err, &e)
}
