/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matrix-community/matrix-voip-go/matrixsdk"
)

// defaultInviteLifetime is the validity window advertised on outbound
// invites and assumed for inbound invites that carry none.
const defaultInviteLifetime = 60 * time.Second

// defaultSendTimeout bounds the asynchronous signalling sends the manager
// performs in response to session events.
const defaultSendTimeout = 10 * time.Second

// Hangup reasons used on outbound m.call.hangup events.
const (
	HangupReasonUser      = ""
	HangupReasonICEFailed = "ice_failed"
	HangupReasonInvalid   = "invalid_sdp"
)

// RoomMessenger is the signalling transport the manager sends call events
// through. The rooms package provides the production implementation.
type RoomMessenger interface {
	JoinedMemberCount(ctx context.Context, roomID string) (int, error)
	SendCallInvite(ctx context.Context, roomID, callID, sdp string, lifetime time.Duration) error
	SendCallAnswer(ctx context.Context, roomID, callID, sdp string) error
	SendCallCandidates(ctx context.Context, roomID, callID string, candidates []Candidate) error
	SendCallHangup(ctx context.Context, roomID, callID, reason string) error
}

// CallEnded is the payload of the call_ended event.
type CallEnded struct {
	CallID string
	RoomID string
	Reason string
}

// ManagerConfig holds the collaborators and knobs of a CallManager. UserID,
// Messenger, TurnSource and PipelineFactory are required.
type ManagerConfig struct {
	// UserID is the local user; signalling events sent by it are not
	// treated as remote signalling.
	UserID string

	Messenger       RoomMessenger
	TurnSource      TurnSource
	PipelineFactory PipelineFactory

	// Media is the pipeline configuration template. Each call clones it
	// and injects the current TURN relay URIs.
	Media *MediaConfig

	// InviteLifetime is the validity window for invites. Defaults to 60s.
	InviteLifetime time.Duration

	// SendTimeout bounds asynchronous signalling sends. Defaults to 10s.
	SendTimeout time.Duration

	Clock   clock.Clock
	Logger  matrixsdk.Logger
	Metrics *Metrics
}

// CallManager owns at most one live call. It dispatches inbound signalling
// events, creates and supervises call sessions, sends the outbound
// signalling they produce and tracks the global call state.
type CallManager struct {
	config  ManagerConfig
	emitter *EventEmitter
	turn    *turnCache

	mu                 sync.Mutex
	state              GlobalState
	session            *CallSession
	callID             string
	roomID             string
	remoteUser         string
	hasInvite          bool
	inviteSDP          string
	inviteLifetime     time.Duration
	remoteOffersVideo  bool
	bufferedCandidates []Candidate
	inviteTimer        *clock.Timer
	endReason          string
}

// NewCallManager creates a manager in the idle state.
func NewCallManager(config *ManagerConfig) (*CallManager, error) {
	if config == nil {
		return nil, fmt.Errorf("calling: manager config is required")
	}
	c := *config
	if c.UserID == "" {
		return nil, fmt.Errorf("calling: user ID is required")
	}
	if c.Messenger == nil {
		return nil, fmt.Errorf("calling: room messenger is required")
	}
	if c.TurnSource == nil {
		return nil, fmt.Errorf("calling: TURN source is required")
	}
	if c.PipelineFactory == nil {
		return nil, fmt.Errorf("calling: pipeline factory is required")
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.InviteLifetime == 0 {
		c.InviteLifetime = defaultInviteLifetime
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = defaultSendTimeout
	}

	return &CallManager{
		config:  c,
		emitter: NewEventEmitter(),
		turn:    newTurnCache(c.TurnSource, c.Clock, c.Logger, c.Metrics),
		state:   GlobalIdle,
	}, nil
}

// On registers an event handler on the manager.
func (m *CallManager) On(event ManagerEventKey, handler EventHandler) {
	m.emitter.On(string(event), handler)
}

// State returns the global call state.
func (m *CallManager) State() GlobalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CallID returns the identifier of the current call, or "" when idle.
func (m *CallManager) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callID
}

// Session returns the live session, or nil when no call is in flight.
func (m *CallManager) Session() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// HandleRoomEvent parses a raw timeline event and dispatches it when it is
// call signalling. Non-call events are ignored without error.
func (m *CallManager) HandleRoomEvent(ev *RoomEvent) error {
	parsed, err := ParseCallEvent(ev)
	if err != nil {
		return err
	}
	if parsed == nil {
		return nil
	}
	m.HandleCallEvent(parsed)
	return nil
}

// HandleCallEvent dispatches one parsed signalling event.
func (m *CallManager) HandleCallEvent(ev CallEvent) {
	switch ev := ev.(type) {
	case *CallInvite:
		m.handleInvite(ev)
	case *CallCandidates:
		m.handleCandidates(ev)
	case *CallAnswer:
		m.handleAnswer(ev)
	case *CallHangup:
		m.handleHangup(ev)
	}
}

func (m *CallManager) handleInvite(inv *CallInvite) {
	if inv.Sender == m.config.UserID {
		return
	}
	// Stale invites are dropped outright so a backlog replayed after
	// reconnecting does not ring for long-over calls.
	if m.config.Clock.Now().Sub(inv.OriginTime) > m.config.InviteLifetime {
		m.config.Logger.Printf("CallManager: ignoring stale invite %s", inv.ID)
		return
	}

	m.mu.Lock()
	if inv.ID == m.callID {
		m.mu.Unlock()
		return
	}
	if m.state != GlobalIdle {
		// Glare and plain busy both land here: the colliding invite is
		// dropped without an answer or a hangup.
		m.config.Logger.Printf("CallManager: busy, ignoring invite %s from %s", inv.ID, inv.Sender)
		m.mu.Unlock()
		return
	}

	lifetime := inv.Lifetime
	if lifetime <= 0 {
		lifetime = m.config.InviteLifetime
	}

	m.callID = inv.ID
	m.roomID = inv.RoomID
	m.remoteUser = inv.Sender
	m.inviteSDP = inv.OfferSDP
	m.inviteLifetime = lifetime
	m.hasInvite = true
	_, m.remoteOffersVideo = ExtractMediaAttributes(inv.OfferSDP, "video", "vp8")
	m.state = GlobalIncoming

	if m.inviteTimer != nil {
		m.inviteTimer.Stop()
	}
	id := inv.ID
	m.inviteTimer = m.config.Clock.AfterFunc(lifetime, func() {
		m.expireInvite(id)
	})
	m.mu.Unlock()

	m.emitter.Emit(string(ManagerEventStateChanged), GlobalIncoming)
	m.emitter.Emit(string(ManagerEventIncomingCall), &IncomingCall{
		CallID:   inv.ID,
		RoomID:   inv.RoomID,
		Caller:   inv.Sender,
		Lifetime: lifetime,
	})
}

// expireInvite runs when the invite's validity window lapses without an
// accept. It withdraws only the pending invite; the global state is left
// untouched, only the hangup, accept and ignore paths move it. An
// already-running session is left alone.
func (m *CallManager) expireInvite(callID string) {
	m.mu.Lock()
	if m.callID != callID || !m.hasInvite || m.session != nil {
		m.mu.Unlock()
		return
	}
	m.hasInvite = false
	m.inviteSDP = ""
	m.mu.Unlock()

	m.config.Logger.Printf("CallManager: invite %s expired", callID)
}

func (m *CallManager) handleCandidates(ev *CallCandidates) {
	if ev.Sender == m.config.UserID {
		return
	}

	m.mu.Lock()
	if m.callID != "" && ev.ID != m.callID {
		m.config.Logger.Printf("CallManager: candidates not for this call")
		m.mu.Unlock()
		return
	}
	session := m.session
	if session == nil || session.State() == SessionDisconnected {
		// No live negotiation yet: remember only the latest batch.
		m.bufferedCandidates = append([]Candidate(nil), ev.Candidates...)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := session.AcceptCandidates(ev.Candidates); err != nil {
		m.config.Logger.Printf("CallManager: candidates rejected: %v", err)
	}
}

func (m *CallManager) handleAnswer(ev *CallAnswer) {
	m.mu.Lock()
	if ev.ID != m.callID {
		m.mu.Unlock()
		return
	}

	if ev.Sender == m.config.UserID {
		// Our own answer echoed back means another device of this
		// account picked up. Withdraw the local invite.
		if m.session == nil && m.hasInvite {
			m.hasInvite = false
			m.inviteSDP = ""
			m.callID = ""
			m.roomID = ""
			m.remoteUser = ""
			m.state = GlobalIdle
			m.mu.Unlock()

			m.config.Logger.Printf("CallManager: call %s answered on another device", ev.ID)
			m.emitter.Emit(string(ManagerEventStateChanged), GlobalIdle)
			m.emitter.Emit(string(ManagerEventCallEnded), &CallEnded{
				CallID: ev.ID,
				Reason: "answered_elsewhere",
			})
			return
		}
		m.mu.Unlock()
		return
	}

	session := m.session
	m.mu.Unlock()
	if session == nil {
		return
	}

	if err := session.AcceptAnswer(ev.AnswerSDP); err != nil {
		m.config.Logger.Printf("CallManager: remote answer rejected: %v", err)
		m.config.Metrics.CallFailed("invalid_answer")
		m.mu.Lock()
		m.endReason = HangupReasonInvalid
		roomID, callID := m.roomID, m.callID
		m.mu.Unlock()
		m.sendHangup(roomID, callID, HangupReasonInvalid)
	}
}

func (m *CallManager) handleHangup(ev *CallHangup) {
	if ev.Sender == m.config.UserID {
		return
	}

	m.mu.Lock()
	if ev.ID != m.callID {
		m.mu.Unlock()
		return
	}
	m.endReason = ev.Reason
	session := m.session
	if session != nil {
		m.mu.Unlock()
		session.End()
		return
	}
	// Remote withdrew an invite we had not accepted yet.
	m.resetLocked()
	m.mu.Unlock()

	m.emitter.Emit(string(ManagerEventStateChanged), GlobalIdle)
	m.emitter.Emit(string(ManagerEventCallEnded), &CallEnded{
		CallID: ev.ID,
		RoomID: ev.RoomID,
		Reason: ev.Reason,
	})
}

// StartCall places an outbound call into the room. Only direct rooms with
// exactly two joined members can be called. The offer is sent once the
// local description is gathered.
func (m *CallManager) StartCall(ctx context.Context, roomID string, sendVideo bool) error {
	m.mu.Lock()
	if m.state != GlobalIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.mu.Unlock()

	members, err := m.config.Messenger.JoinedMemberCount(ctx, roomID)
	if err != nil {
		return fmt.Errorf("calling: checking room membership: %w", err)
	}
	if members != 2 {
		m.config.Logger.Printf("CallManager: room %s does not have exactly two members; aborting mission.", roomID)
		return ErrGroupCallUnsupported
	}
	if !HavePlugins(sendVideo) {
		return &CapabilityError{Missing: "call media modules"}
	}

	turnURIs := m.turnURIs(ctx)
	callID := formatCallID(m.config.Clock.Now())

	session := NewCallSession(&SessionConfig{
		CallID: callID,
		RoomID: roomID,
		Logger: m.config.Logger,
	})
	m.watchSession(session)
	session.On(SessionEventOfferCreated, func(data interface{}) {
		desc, ok := data.(*LocalDescription)
		if !ok {
			return
		}
		m.sendOffer(roomID, callID, desc)
	})

	m.mu.Lock()
	if m.state != GlobalIdle {
		m.mu.Unlock()
		session.End()
		return ErrCallInProgress
	}
	m.session = session
	m.callID = callID
	m.roomID = roomID
	m.inviteLifetime = m.config.InviteLifetime
	m.endReason = HangupReasonUser
	m.state = GlobalOutgoing
	m.mu.Unlock()
	m.config.Metrics.CallStarted()
	m.emitter.Emit(string(ManagerEventStateChanged), GlobalOutgoing)

	mediaConfig := m.mediaConfig(turnURIs)
	if err := session.StartCall(m.config.PipelineFactory, mediaConfig, sendVideo); err != nil {
		m.config.Metrics.CallFailed("pipeline")
		session.End()
		return err
	}
	return nil
}

// AcceptCall answers the pending invite. The answer is sent once the local
// description is gathered; the call becomes active when media flows.
//
// At least one remote candidate must have arrived first; until then the
// invite stays pending and ErrNoRemoteCandidates is returned so the caller
// can retry.
func (m *CallManager) AcceptCall(ctx context.Context, sendVideo bool) error {
	m.mu.Lock()
	if !m.hasInvite || m.session != nil {
		m.mu.Unlock()
		return ErrNoPendingInvite
	}
	if len(m.bufferedCandidates) == 0 {
		m.mu.Unlock()
		return ErrNoRemoteCandidates
	}
	callID := m.callID
	roomID := m.roomID
	offerSDP := m.inviteSDP
	needVideo := sendVideo || m.remoteOffersVideo
	buffered := m.bufferedCandidates
	m.bufferedCandidates = nil
	m.mu.Unlock()

	if !HavePlugins(needVideo) {
		return &CapabilityError{Missing: "call media modules"}
	}
	turnURIs := m.turnURIs(ctx)

	session := NewCallSession(&SessionConfig{
		CallID: callID,
		RoomID: roomID,
		Logger: m.config.Logger,
	})
	m.watchSession(session)
	session.On(SessionEventAnswerCreated, func(data interface{}) {
		desc, ok := data.(*LocalDescription)
		if !ok {
			return
		}
		m.sendAnswer(roomID, callID, desc)
	})

	m.mu.Lock()
	m.session = session
	m.hasInvite = false
	m.endReason = HangupReasonUser
	m.mu.Unlock()
	m.config.Metrics.CallStarted()

	mediaConfig := m.mediaConfig(turnURIs)
	if err := session.AcceptOffer(m.config.PipelineFactory, mediaConfig, sendVideo, offerSDP, buffered); err != nil {
		m.config.Metrics.CallFailed("accept")
		session.End()
		return err
	}
	return nil
}

// HangupCall ends the current call, or rejects the pending invite, and
// tells the remote side.
func (m *CallManager) HangupCall(ctx context.Context) {
	m.mu.Lock()
	callID := m.callID
	roomID := m.roomID
	session := m.session
	m.endReason = HangupReasonUser
	m.mu.Unlock()

	if callID == "" {
		return
	}
	if err := m.config.Messenger.SendCallHangup(ctx, roomID, callID, HangupReasonUser); err != nil {
		m.config.Logger.Printf("CallManager: hangup send failed: %v", err)
	}

	if session != nil {
		session.End()
		return
	}

	m.mu.Lock()
	m.resetLocked()
	m.mu.Unlock()
	m.emitter.Emit(string(ManagerEventStateChanged), GlobalIdle)
	m.emitter.Emit(string(ManagerEventCallEnded), &CallEnded{
		CallID: callID,
		RoomID: roomID,
		Reason: HangupReasonUser,
	})
}

// IgnoreCall discards the pending invite without telling the remote side;
// it keeps ringing on other devices.
func (m *CallManager) IgnoreCall() {
	m.mu.Lock()
	if m.session != nil || m.state != GlobalIncoming {
		m.mu.Unlock()
		return
	}
	m.resetLocked()
	m.mu.Unlock()
	m.emitter.Emit(string(ManagerEventStateChanged), GlobalIdle)
}

// SetMuted toggles the microphone gate of the live call.
func (m *CallManager) SetMuted(muted bool) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return
	}
	session.SetMuted(muted)
	m.emitter.Emit(string(ManagerEventMutedChanged), muted)
}

// Muted reports the microphone gate of the live call.
func (m *CallManager) Muted() bool {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return false
	}
	return session.Muted()
}

// ---- Session supervision ----

// watchSession wires the session's state changes to the manager's global
// state. Handlers run on the session's control goroutine.
func (m *CallManager) watchSession(session *CallSession) {
	session.On(SessionEventStateChanged, func(data interface{}) {
		state, ok := data.(SessionState)
		if !ok {
			return
		}
		switch state {
		case SessionConnected:
			m.onSessionConnected(session)
		case SessionICEFailed:
			m.onSessionICEFailed(session)
		case SessionDisconnected:
			m.onSessionEnded(session)
		}
	})
}

func (m *CallManager) onSessionConnected(session *CallSession) {
	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	m.state = GlobalActive
	m.mu.Unlock()

	m.config.Metrics.CallConnected()
	m.emitter.Emit(string(ManagerEventStateChanged), GlobalActive)
}

func (m *CallManager) onSessionICEFailed(session *CallSession) {
	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	m.endReason = HangupReasonICEFailed
	roomID, callID := m.roomID, m.callID
	m.mu.Unlock()

	m.config.Metrics.CallFailed("ice_failed")
	m.sendHangup(roomID, callID, HangupReasonICEFailed)
	session.End()
}

func (m *CallManager) onSessionEnded(session *CallSession) {
	m.mu.Lock()
	if m.session != session {
		m.mu.Unlock()
		return
	}
	callID := m.callID
	roomID := m.roomID
	reason := m.endReason
	m.resetLocked()
	m.mu.Unlock()

	m.config.Metrics.CallEndedNow()
	m.emitter.Emit(string(ManagerEventStateChanged), GlobalIdle)
	m.emitter.Emit(string(ManagerEventCallEnded), &CallEnded{
		CallID: callID,
		RoomID: roomID,
		Reason: reason,
	})
}

// resetLocked clears all per-call state. Caller holds m.mu.
func (m *CallManager) resetLocked() {
	if m.inviteTimer != nil {
		m.inviteTimer.Stop()
		m.inviteTimer = nil
	}
	m.session = nil
	m.callID = ""
	m.roomID = ""
	m.remoteUser = ""
	m.hasInvite = false
	m.inviteSDP = ""
	m.inviteLifetime = 0
	m.remoteOffersVideo = false
	m.bufferedCandidates = nil
	m.endReason = ""
	m.state = GlobalIdle
}

// ---- Outbound signalling ----

func (m *CallManager) sendOffer(roomID, callID string, desc *LocalDescription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()

	if err := m.config.Messenger.SendCallInvite(ctx, roomID, callID, desc.SDP, m.config.InviteLifetime); err != nil {
		m.config.Logger.Printf("CallManager: invite send failed: %v", err)
		m.config.Metrics.CallFailed("signalling")
		return
	}
	if err := m.config.Messenger.SendCallCandidates(ctx, roomID, callID, desc.Candidates); err != nil {
		m.config.Logger.Printf("CallManager: candidates send failed: %v", err)
		return
	}
	m.config.Logger.Printf("CallManager: call candidates sent.")
}

func (m *CallManager) sendAnswer(roomID, callID string, desc *LocalDescription) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()

	if err := m.config.Messenger.SendCallAnswer(ctx, roomID, callID, desc.SDP); err != nil {
		m.config.Logger.Printf("CallManager: answer send failed: %v", err)
		m.config.Metrics.CallFailed("signalling")
		return
	}
	if err := m.config.Messenger.SendCallCandidates(ctx, roomID, callID, desc.Candidates); err != nil {
		m.config.Logger.Printf("CallManager: candidates send failed: %v", err)
	}
}

func (m *CallManager) sendHangup(roomID, callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.SendTimeout)
	defer cancel()
	if err := m.config.Messenger.SendCallHangup(ctx, roomID, callID, reason); err != nil {
		m.config.Logger.Printf("CallManager: hangup send failed: %v", err)
	}
}

// ---- Helpers ----

// turnURIs fetches current relay URIs; a fetch failure degrades the call to
// direct connectivity rather than blocking it.
func (m *CallManager) turnURIs(ctx context.Context) []string {
	creds, err := m.turn.Credentials(ctx)
	if err != nil {
		m.config.Logger.Printf("CallManager: no TURN relays available: %v", err)
		return nil
	}
	return creds.URIs
}

func (m *CallManager) mediaConfig(turnURIs []string) *MediaConfig {
	var cfg MediaConfig
	if m.config.Media != nil {
		cfg = *m.config.Media
	}
	cfg.TurnURIs = turnURIs
	if cfg.Clock == nil {
		cfg.Clock = m.config.Clock
	}
	if cfg.Logger == nil {
		cfg.Logger = m.config.Logger
	}
	return &cfg
}

// formatCallID derives the call identifier from the wall clock, millisecond
// precision.
func formatCallID(t time.Time) string {
	return t.Format("20060102150405") + fmt.Sprintf("%03d", t.Nanosecond()/int(time.Millisecond))
}
