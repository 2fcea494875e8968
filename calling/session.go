/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"log"
	"sync"

	"github.com/looplab/fsm"

	"github.com/matrix-community/matrix-voip-go/matrixsdk"
)

// Session state machine events.
const (
	sessionEvInitiate   = "initiate"
	sessionEvInitiated  = "initiated"
	sessionEvSendOffer  = "send_offer"
	sessionEvSendAnswer = "send_answer"
	sessionEvConnecting = "connecting"
	sessionEvConnect    = "connect"
	sessionEvICEFail    = "ice_fail"
	sessionEvEnd        = "end"
)

// sessionSignal is the single message type flowing into the session's
// control goroutine: either a state change to publish or a pipeline event
// to act on.
type sessionSignal struct {
	state *SessionState
	pipe  *PipelineEvent
	quit  bool
}

// SessionConfig holds configuration for a single call session.
type SessionConfig struct {
	CallID string
	RoomID string
	Logger matrixsdk.Logger
}

// CallSession drives the negotiation of exactly one call attempt: it owns
// the media pipeline, walks the session state machine and emits
// state_changed, offer_created and answer_created events. A session is
// single use; once ended it never leaves the disconnected state again.
//
// All emitter callbacks run on the session's control goroutine, so handlers
// may safely call back into the session or its owner.
type CallSession struct {
	callID string
	roomID string
	logger matrixsdk.Logger

	emitter *EventEmitter
	machine *fsm.FSM

	mu         sync.Mutex
	pipeline   MediaPipeline
	isOffering bool
	localSent  bool
	ended      bool

	signals chan sessionSignal
	done    chan struct{}
}

// NewCallSession creates a session in the disconnected state and starts its
// control goroutine.
func NewCallSession(config *SessionConfig) *CallSession {
	if config == nil {
		config = &SessionConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &CallSession{
		callID:  config.CallID,
		roomID:  config.RoomID,
		logger:  logger,
		emitter: NewEventEmitter(),
		signals: make(chan sessionSignal, 64),
		done:    make(chan struct{}),
	}
	s.machine = fsm.NewFSM(
		string(SessionDisconnected),
		fsm.Events{
			{Name: sessionEvInitiate, Src: []string{string(SessionDisconnected)}, Dst: string(SessionInitiating)},
			{Name: sessionEvInitiated, Src: []string{string(SessionInitiating)}, Dst: string(SessionInitiated)},
			{Name: sessionEvSendOffer, Src: []string{string(SessionInitiated)}, Dst: string(SessionOfferSent)},
			{Name: sessionEvSendAnswer, Src: []string{string(SessionInitiated)}, Dst: string(SessionAnswerSent)},
			{Name: sessionEvConnecting, Src: []string{string(SessionOfferSent), string(SessionAnswerSent)}, Dst: string(SessionConnecting)},
			{Name: sessionEvConnect, Src: []string{string(SessionConnecting), string(SessionOfferSent), string(SessionAnswerSent)}, Dst: string(SessionConnected)},
			{Name: sessionEvICEFail, Src: []string{
				string(SessionInitiating), string(SessionInitiated),
				string(SessionOfferSent), string(SessionAnswerSent),
				string(SessionConnecting), string(SessionConnected),
			}, Dst: string(SessionICEFailed)},
			{Name: sessionEvEnd, Src: []string{
				string(SessionInitiating), string(SessionInitiated),
				string(SessionOfferSent), string(SessionAnswerSent),
				string(SessionConnecting), string(SessionConnected),
				string(SessionICEFailed),
			}, Dst: string(SessionDisconnected)},
		},
		fsm.Callbacks{},
	)

	go s.run()
	return s
}

// On registers an event handler on the session.
func (s *CallSession) On(event SessionEventKey, handler EventHandler) {
	s.emitter.On(string(event), handler)
}

// CallID returns the call identifier this session negotiates.
func (s *CallSession) CallID() string { return s.callID }

// RoomID returns the room the call is signalled in.
func (s *CallSession) RoomID() string { return s.roomID }

// State returns the current session state.
func (s *CallSession) State() SessionState {
	return SessionState(s.machine.Current())
}

// StartCall builds the media pipeline for an outbound call and begins
// creating the local offer. The offer itself arrives asynchronously on the
// offer_created event once ICE gathering completes. Returns
// ErrNotDisconnected when the session has already been used.
func (s *CallSession) StartCall(factory PipelineFactory, mediaConfig *MediaConfig, sendVideo bool) error {
	if s.State() != SessionDisconnected {
		return ErrNotDisconnected
	}
	if err := s.transitionAndQueue(sessionEvInitiate); err != nil {
		return ErrNotDisconnected
	}

	pipeline, err := s.createPipeline(factory, mediaConfig, sendVideo, true)
	if err != nil {
		s.End()
		return err
	}
	s.transitionAndQueue(sessionEvInitiated)

	if err := pipeline.StartNegotiation(); err != nil {
		s.End()
		return err
	}
	return nil
}

// AcceptOffer builds the media pipeline for an inbound call and applies the
// remote offer. The local answer arrives asynchronously on the
// answer_created event once ICE gathering completes.
//
// The offer is validated before any device is touched: it must parse, its
// audio section must carry a usable opus mapping, and at least one remote
// candidate must accompany it. Validation failures leave the session in the
// disconnected state.
func (s *CallSession) AcceptOffer(factory PipelineFactory, mediaConfig *MediaConfig, sendVideo bool, offerSDP string, remoteCandidates []Candidate) error {
	if s.State() != SessionDisconnected {
		return ErrNotDisconnected
	}

	if _, err := ParseSessionDescription(offerSDP, SDPTypeOffer); err != nil {
		return err
	}
	attrs, ok := ExtractMediaAttributes(offerSDP, "audio", "opus")
	if !ok {
		return &NegotiationError{Reason: "offer has no audio section"}
	}
	if attrs.PayloadType == -1 {
		return &NegotiationError{Reason: "offer does not include opus audio"}
	}
	if len(remoteCandidates) == 0 {
		return ErrNoRemoteCandidates
	}

	if err := s.transitionAndQueue(sessionEvInitiate); err != nil {
		return ErrNotDisconnected
	}

	pipeline, err := s.createPipeline(factory, mediaConfig, sendVideo, false)
	if err != nil {
		s.End()
		return err
	}
	s.transitionAndQueue(sessionEvInitiated)

	if err := pipeline.ApplyRemoteOffer(offerSDP); err != nil {
		s.End()
		return err
	}
	if err := pipeline.AddRemoteCandidates(remoteCandidates); err != nil {
		s.logger.Printf("Session %s: buffered candidates rejected: %v", s.callID, err)
	}
	return nil
}

// AcceptAnswer applies the remote answer to an in-flight offer. A no-op
// unless the session is waiting in offer_sent. A malformed answer is fatal:
// the session ends.
func (s *CallSession) AcceptAnswer(answerSDP string) error {
	if s.State() != SessionOfferSent {
		return nil
	}

	if _, err := ParseSessionDescription(answerSDP, SDPTypeAnswer); err != nil {
		s.End()
		return err
	}

	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}

	if err := pipeline.ApplyRemoteAnswer(answerSDP); err != nil {
		s.End()
		return err
	}
	s.transitionAndQueue(sessionEvConnecting)
	return nil
}

// AcceptCandidates feeds remote ICE candidates to the pipeline. Candidates
// arriving before the pipeline exists are the caller's to buffer.
func (s *CallSession) AcceptCandidates(candidates []Candidate) error {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	return pipeline.AddRemoteCandidates(candidates)
}

// End tears the session down from any state. Safe to call repeatedly; only
// the first call publishes the disconnected state change.
func (s *CallSession) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	pipeline := s.pipeline
	s.pipeline = nil
	s.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			s.logger.Printf("Session %s: pipeline teardown: %v", s.callID, err)
		}
	}

	if err := s.machine.Event(context.Background(), sessionEvEnd); err == nil {
		st := s.State()
		s.queue(sessionSignal{state: &st})
	}
	s.queue(sessionSignal{quit: true})
}

// SetMuted toggles the microphone gate.
func (s *CallSession) SetMuted(muted bool) {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return
	}
	pipeline.SetMuted(muted)
}

// Muted reports the microphone gate. Always false before the call reaches
// the connecting stage.
func (s *CallSession) Muted() bool {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return false
	}
	if sessionStateRank[s.State()] < sessionStateRank[SessionConnecting] {
		return false
	}
	return pipeline.Muted()
}

// createPipeline builds and stores the media pipeline and starts forwarding
// its events into the control goroutine.
func (s *CallSession) createPipeline(factory PipelineFactory, mediaConfig *MediaConfig, sendVideo, offering bool) (MediaPipeline, error) {
	pipeline, err := factory(mediaConfig)
	if err != nil {
		return nil, err
	}
	if err := pipeline.Create(sendVideo); err != nil {
		pipeline.Close()
		return nil, err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.isOffering = offering
	s.mu.Unlock()

	go s.forwardPipelineEvents(pipeline.Events())
	return pipeline, nil
}

// forwardPipelineEvents moves pipeline events into the control goroutine's
// signal stream.
func (s *CallSession) forwardPipelineEvents(events <-chan PipelineEvent) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e := ev
			s.queue(sessionSignal{pipe: &e})
		}
	}
}

// run is the control goroutine: the only place emitter callbacks fire.
func (s *CallSession) run() {
	defer close(s.done)
	for sig := range s.signals {
		switch {
		case sig.quit:
			return
		case sig.state != nil:
			s.emitter.Emit(string(SessionEventStateChanged), *sig.state)
		case sig.pipe != nil:
			s.handlePipelineEvent(*sig.pipe)
		}
	}
}

func (s *CallSession) handlePipelineEvent(ev PipelineEvent) {
	switch ev.Kind {
	case PipelineEventGatheringComplete:
		s.onGatheringComplete(ev)
	case PipelineEventICEState:
		s.onICEState(ev.ICEState)
	case PipelineEventStreamLinked:
		s.logger.Printf("Session %s: %s stream linked", s.callID, ev.MediaKind)
		s.transitionAndEmit(sessionEvConnect)
	case PipelineEventFailure:
		s.logger.Printf("Session %s: pipeline failure: %v", s.callID, ev.Err)
		s.transitionAndEmit(sessionEvICEFail)
	case PipelineEventEOS:
		s.logger.Printf("Session %s: %s end of stream", s.callID, ev.MediaKind)
		s.End()
	}
}

// onGatheringComplete publishes the local description exactly once. The
// state change lands before the description event so observers see
// offer_sent / answer_sent when the SDP arrives.
func (s *CallSession) onGatheringComplete(ev PipelineEvent) {
	s.mu.Lock()
	if s.localSent {
		s.mu.Unlock()
		return
	}
	s.localSent = true
	offering := s.isOffering
	s.mu.Unlock()

	desc := &LocalDescription{SDP: ev.SDP, Candidates: ev.Candidates}
	if offering {
		s.transitionAndEmit(sessionEvSendOffer)
		s.emitter.Emit(string(SessionEventOfferCreated), desc)
	} else {
		s.transitionAndEmit(sessionEvSendAnswer)
		s.emitter.Emit(string(SessionEventAnswerCreated), desc)
	}
}

func (s *CallSession) onICEState(state ICEState) {
	switch state {
	case ICENew, ICEChecking:
		s.transitionAndEmit(sessionEvConnecting)
	case ICEFailed:
		s.logger.Printf("Session %s: ICE failed", s.callID)
		s.transitionAndEmit(sessionEvICEFail)
	}
}

// transitionAndQueue fires a state machine event from an API goroutine and
// queues the resulting state change for the control goroutine to publish.
func (s *CallSession) transitionAndQueue(event string) error {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return err
	}
	st := s.State()
	s.queue(sessionSignal{state: &st})
	return nil
}

// transitionAndEmit fires a state machine event from the control goroutine
// and publishes the change directly, preserving ordering with the events
// emitted right after it.
func (s *CallSession) transitionAndEmit(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		return
	}
	s.emitter.Emit(string(SessionEventStateChanged), s.State())
}

// queue delivers a signal without ever blocking. The channel is generously
// buffered; drops only happen after the control goroutine has exited.
func (s *CallSession) queue(sig sessionSignal) {
	select {
	case s.signals <- sig:
	case <-s.done:
	}
}
