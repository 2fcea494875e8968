/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ---- Emitter event keys ----

// SessionEventKey identifies events emitted by a CallSession.
type SessionEventKey string

const (
	SessionEventStateChanged  SessionEventKey = "state_changed"
	SessionEventOfferCreated  SessionEventKey = "offer_created"
	SessionEventAnswerCreated SessionEventKey = "answer_created"
)

// ManagerEventKey identifies events emitted by the CallManager.
type ManagerEventKey string

const (
	ManagerEventIncomingCall ManagerEventKey = "incoming_call"
	ManagerEventCallEnded    ManagerEventKey = "call_ended"
	ManagerEventStateChanged ManagerEventKey = "manager_state_changed"
	ManagerEventMutedChanged ManagerEventKey = "muted_changed"
)

// LocalDescription is the payload of offer_created / answer_created events:
// the local SDP plus the complete gathered candidate sequence.
type LocalDescription struct {
	SDP        string
	Candidates []Candidate
}

// IncomingCall is the payload of the incoming_call event.
type IncomingCall struct {
	CallID   string
	RoomID   string
	Caller   string
	Lifetime time.Duration
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}

// ---- Inbound signalling events ----

// Signalling event types delivered through the room event stream.
const (
	EventTypeInvite     = "m.call.invite"
	EventTypeCandidates = "m.call.candidates"
	EventTypeAnswer     = "m.call.answer"
	EventTypeHangup     = "m.call.hangup"
)

// RoomEvent is the raw envelope of a timeline event as delivered by the
// event stream. Content is left unparsed until dispatch.
type RoomEvent struct {
	Type           string          `json:"type"`
	Sender         string          `json:"sender"`
	RoomID         string          `json:"room_id"`
	EventID        string          `json:"event_id"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
}

// CallEvent is the closed set of parsed call-signalling events. Exactly one
// of CallInvite, CallCandidates, CallAnswer and CallHangup implements it.
type CallEvent interface {
	CallID() string
	isCallEvent()
}

// CallInvite is a parsed m.call.invite event.
type CallInvite struct {
	ID         string
	RoomID     string
	Sender     string
	OfferSDP   string
	Lifetime   time.Duration
	OriginTime time.Time
}

func (e *CallInvite) CallID() string { return e.ID }
func (*CallInvite) isCallEvent()     {}

// CallCandidates is a parsed m.call.candidates event.
type CallCandidates struct {
	ID         string
	RoomID     string
	Sender     string
	Candidates []Candidate
}

func (e *CallCandidates) CallID() string { return e.ID }
func (*CallCandidates) isCallEvent()     {}

// CallAnswer is a parsed m.call.answer event.
type CallAnswer struct {
	ID        string
	RoomID    string
	Sender    string
	AnswerSDP string
}

func (e *CallAnswer) CallID() string { return e.ID }
func (*CallAnswer) isCallEvent()     {}

// CallHangup is a parsed m.call.hangup event.
type CallHangup struct {
	ID     string
	RoomID string
	Sender string
	Reason string
}

func (e *CallHangup) CallID() string { return e.ID }
func (*CallHangup) isCallEvent()     {}

type sdpBody struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type inviteBody struct {
	CallID   string  `json:"call_id"`
	Lifetime int64   `json:"lifetime"`
	Offer    sdpBody `json:"offer"`
}

type candidatesBody struct {
	CallID     string      `json:"call_id"`
	Candidates []Candidate `json:"candidates"`
}

type answerBody struct {
	CallID string  `json:"call_id"`
	Answer sdpBody `json:"answer"`
}

type hangupBody struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"`
}

// ParseCallEvent converts a raw room event into one of the call-signalling
// variants. Returns (nil, nil) for event types that are not call signalling;
// the caller ignores those.
func ParseCallEvent(ev *RoomEvent) (CallEvent, error) {
	switch ev.Type {
	case EventTypeInvite:
		var body inviteBody
		if err := json.Unmarshal(ev.Content, &body); err != nil {
			return nil, fmt.Errorf("calling: malformed %s content: %w", ev.Type, err)
		}
		return &CallInvite{
			ID:         body.CallID,
			RoomID:     ev.RoomID,
			Sender:     ev.Sender,
			OfferSDP:   body.Offer.SDP,
			Lifetime:   time.Duration(body.Lifetime) * time.Millisecond,
			OriginTime: time.UnixMilli(ev.OriginServerTS),
		}, nil
	case EventTypeCandidates:
		var body candidatesBody
		if err := json.Unmarshal(ev.Content, &body); err != nil {
			return nil, fmt.Errorf("calling: malformed %s content: %w", ev.Type, err)
		}
		return &CallCandidates{
			ID:         body.CallID,
			RoomID:     ev.RoomID,
			Sender:     ev.Sender,
			Candidates: body.Candidates,
		}, nil
	case EventTypeAnswer:
		var body answerBody
		if err := json.Unmarshal(ev.Content, &body); err != nil {
			return nil, fmt.Errorf("calling: malformed %s content: %w", ev.Type, err)
		}
		return &CallAnswer{
			ID:        body.CallID,
			RoomID:    ev.RoomID,
			Sender:    ev.Sender,
			AnswerSDP: body.Answer.SDP,
		}, nil
	case EventTypeHangup:
		var body hangupBody
		if err := json.Unmarshal(ev.Content, &body); err != nil {
			return nil, fmt.Errorf("calling: malformed %s content: %w", ev.Type, err)
		}
		return &CallHangup{
			ID:     body.CallID,
			RoomID: ev.RoomID,
			Sender: ev.Sender,
			Reason: body.Reason,
		}, nil
	}
	return nil, nil
}
