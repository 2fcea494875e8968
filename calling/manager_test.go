/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const testUserID = "@alice:example.org"
const testRoomID = "!room:example.org"

type sentInvite struct {
	roomID, callID, sdp string
	lifetime            time.Duration
}

type sentAnswer struct {
	roomID, callID, sdp string
}

type sentHangup struct {
	roomID, callID, reason string
}

type fakeMessenger struct {
	mu         sync.Mutex
	members    int
	membersErr error
	invites    []sentInvite
	answers    []sentAnswer
	hangups    []sentHangup
	candidates [][]Candidate
}

func (f *fakeMessenger) JoinedMemberCount(ctx context.Context, roomID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members, f.membersErr
}

func (f *fakeMessenger) SendCallInvite(ctx context.Context, roomID, callID, sdp string, lifetime time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, sentInvite{roomID, callID, sdp, lifetime})
	return nil
}

func (f *fakeMessenger) SendCallAnswer(ctx context.Context, roomID, callID, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, sentAnswer{roomID, callID, sdp})
	return nil
}

func (f *fakeMessenger) SendCallCandidates(ctx context.Context, roomID, callID string, candidates []Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidates)
	return nil
}

func (f *fakeMessenger) SendCallHangup(ctx context.Context, roomID, callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sentHangup{roomID, callID, reason})
	return nil
}

func (f *fakeMessenger) sentAnswers() []sentAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentAnswer, len(f.answers))
	copy(out, f.answers)
	return out
}

func (f *fakeMessenger) sentInvites() []sentInvite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentInvite, len(f.invites))
	copy(out, f.invites)
	return out
}

func (f *fakeMessenger) sentHangups() []sentHangup {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentHangup, len(f.hangups))
	copy(out, f.hangups)
	return out
}

type managerFixture struct {
	manager   *CallManager
	messenger *fakeMessenger
	pipeline  *fakePipeline
	clock     *clock.Mock
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	messenger := &fakeMessenger{members: 2}
	pipeline := newFakePipeline()
	mock := clock.NewMock()

	manager, err := NewCallManager(&ManagerConfig{
		UserID:    testUserID,
		Messenger: messenger,
		TurnSource: &fakeTurnSource{resp: &TurnServerResponse{
			Username: "user",
			Password: "pass",
			TTL:      86400,
			URIs:     []string{"turn:turn.example.org:3478"},
		}},
		PipelineFactory: pipeline.factory(),
		Clock:           mock,
		Logger:          discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewCallManager failed: %v", err)
	}
	return &managerFixture{manager: manager, messenger: messenger, pipeline: pipeline, clock: mock}
}

func (f *managerFixture) invite(callID string) *CallInvite {
	return &CallInvite{
		ID:         callID,
		RoomID:     testRoomID,
		Sender:     "@bob:example.org",
		OfferSDP:   testOfferSDP,
		Lifetime:   60 * time.Second,
		OriginTime: f.clock.Now(),
	}
}

func (f *managerFixture) earlyCandidates(callID string) *CallCandidates {
	return &CallCandidates{
		ID:         callID,
		RoomID:     testRoomID,
		Sender:     "@bob:example.org",
		Candidates: []Candidate{{Candidate: "candidate:1", SDPMLineIndex: 0, SDPMid: "0"}},
	}
}

// ring delivers an invite followed by one remote candidate, the minimum an
// inbound call needs before it can be accepted.
func (f *managerFixture) ring(callID string) {
	f.manager.HandleCallEvent(f.invite(callID))
	f.manager.HandleCallEvent(f.earlyCandidates(callID))
}

func managerEvents(m *CallManager, key ManagerEventKey) <-chan interface{} {
	ch := make(chan interface{}, 16)
	m.On(key, func(data interface{}) {
		ch <- data
	})
	return ch
}

func TestManagerIncomingCallFlow(t *testing.T) {
	f := newManagerFixture(t)
	incoming := managerEvents(f.manager, ManagerEventIncomingCall)
	stateChanges := managerEvents(f.manager, ManagerEventStateChanged)
	ended := managerEvents(f.manager, ManagerEventCallEnded)

	f.manager.HandleCallEvent(f.invite("c1"))

	if got := f.manager.State(); got != GlobalIncoming {
		t.Fatalf("Expected incoming state, got %s", got)
	}
	call := waitFor(t, incoming).(*IncomingCall)
	if call.CallID != "c1" || call.Caller != "@bob:example.org" {
		t.Errorf("Unexpected incoming call payload %+v", call)
	}
	<-stateChanges // incoming

	f.manager.HandleCallEvent(f.earlyCandidates("c1"))
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	if f.pipeline.remoteOffer != testOfferSDP {
		t.Error("Expected the invite's offer to reach the pipeline")
	}

	// Gathering completes: the answer and candidates go out.
	f.pipeline.events <- PipelineEvent{
		Kind:       PipelineEventGatheringComplete,
		SDP:        "v=0\r\n",
		Candidates: []Candidate{{Candidate: "candidate:1", SDPMid: "0"}},
	}

	deadline := time.After(2 * time.Second)
	for len(f.messenger.sentAnswers()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the answer to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	answer := f.messenger.sentAnswers()[0]
	if answer.callID != "c1" || answer.roomID != testRoomID {
		t.Errorf("Unexpected answer %+v", answer)
	}

	// Media flows: the call becomes active.
	f.pipeline.events <- PipelineEvent{Kind: PipelineEventStreamLinked, MediaKind: "audio"}
	waitForGlobalState(t, stateChanges, GlobalActive)

	// Remote hangs up.
	f.manager.HandleCallEvent(&CallHangup{ID: "c1", RoomID: testRoomID, Sender: "@bob:example.org", Reason: "user_hangup"})
	endedCall := waitFor(t, ended).(*CallEnded)
	if endedCall.CallID != "c1" || endedCall.Reason != "user_hangup" {
		t.Errorf("Unexpected call_ended payload %+v", endedCall)
	}
	waitForGlobalState(t, stateChanges, GlobalIdle)
	if !f.pipeline.isClosed() {
		t.Error("Expected pipeline teardown after hangup")
	}
}

func waitForGlobalState(t *testing.T, ch <-chan interface{}, want GlobalState) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if v.(GlobalState) == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for global state %s", want)
		}
	}
}

func TestManagerOutgoingCallFlow(t *testing.T) {
	f := newManagerFixture(t)
	stateChanges := managerEvents(f.manager, ManagerEventStateChanged)

	if err := f.manager.StartCall(context.Background(), testRoomID, false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}
	waitForGlobalState(t, stateChanges, GlobalOutgoing)

	callID := f.manager.CallID()
	if len(callID) != 17 {
		t.Errorf("Expected a 17-digit timestamp call id, got %q", callID)
	}

	f.pipeline.events <- PipelineEvent{
		Kind:       PipelineEventGatheringComplete,
		SDP:        testOfferSDP,
		Candidates: []Candidate{{Candidate: "candidate:1", SDPMid: "0"}},
	}

	deadline := time.After(2 * time.Second)
	for len(f.messenger.sentInvites()) == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the invite to be sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	invite := f.messenger.sentInvites()[0]
	if invite.callID != callID || invite.lifetime != 60*time.Second {
		t.Errorf("Unexpected invite %+v", invite)
	}

	// Remote answers.
	f.manager.HandleCallEvent(&CallAnswer{ID: callID, RoomID: testRoomID, Sender: "@bob:example.org", AnswerSDP: testOfferSDP})
	f.pipeline.events <- PipelineEvent{Kind: PipelineEventStreamLinked, MediaKind: "audio"}
	waitForGlobalState(t, stateChanges, GlobalActive)
}

func TestManagerRejectsGroupRooms(t *testing.T) {
	f := newManagerFixture(t)
	f.messenger.members = 3

	err := f.manager.StartCall(context.Background(), testRoomID, false)
	if err != ErrGroupCallUnsupported {
		t.Fatalf("Expected ErrGroupCallUnsupported, got %v", err)
	}
	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected manager to stay idle, got %s", f.manager.State())
	}
}

func TestManagerIgnoresStaleInvite(t *testing.T) {
	f := newManagerFixture(t)

	invite := f.invite("c-old")
	invite.OriginTime = f.clock.Now().Add(-2 * time.Minute)
	f.manager.HandleCallEvent(invite)

	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected stale invite to be ignored, state is %s", f.manager.State())
	}
}

func TestManagerIgnoresOwnEvents(t *testing.T) {
	f := newManagerFixture(t)

	invite := f.invite("c-self")
	invite.Sender = testUserID
	f.manager.HandleCallEvent(invite)

	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected own invite to be ignored, state is %s", f.manager.State())
	}
}

func TestManagerGlare(t *testing.T) {
	f := newManagerFixture(t)

	if err := f.manager.StartCall(context.Background(), testRoomID, false); err != nil {
		t.Fatalf("StartCall failed: %v", err)
	}

	// The colliding invite is dropped without any outbound signalling.
	f.manager.HandleCallEvent(f.invite("c-glare"))
	if f.manager.State() != GlobalOutgoing {
		t.Errorf("Expected outgoing state to survive glare, got %s", f.manager.State())
	}
	if len(f.messenger.sentHangups()) != 0 {
		t.Error("Expected no hangup in response to glare")
	}
}

func TestManagerInviteExpiry(t *testing.T) {
	f := newManagerFixture(t)
	stateChanges := managerEvents(f.manager, ManagerEventStateChanged)

	f.ring("c-exp")
	waitForGlobalState(t, stateChanges, GlobalIncoming)

	f.clock.Add(61 * time.Second)

	// Expiry withdraws only the invite itself. The incoming state stays up
	// until hangup, accept or ignore shuts the ring down.
	if got := f.manager.State(); got != GlobalIncoming {
		t.Fatalf("Expected incoming state to survive expiry, got %s", got)
	}
	if err := f.manager.AcceptCall(context.Background(), false); err != ErrNoPendingInvite {
		t.Fatalf("Expected ErrNoPendingInvite after expiry, got %v", err)
	}

	f.manager.IgnoreCall()
	waitForGlobalState(t, stateChanges, GlobalIdle)
}

func TestManagerAcceptRequiresCandidates(t *testing.T) {
	f := newManagerFixture(t)

	f.manager.HandleCallEvent(f.invite("c1"))

	if err := f.manager.AcceptCall(context.Background(), false); err != ErrNoRemoteCandidates {
		t.Fatalf("Expected ErrNoRemoteCandidates, got %v", err)
	}
	if got := f.manager.State(); got != GlobalIncoming {
		t.Fatalf("Expected the invite to stay pending, got %s", got)
	}

	// Once candidates arrive the same accept goes through.
	f.manager.HandleCallEvent(f.earlyCandidates("c1"))
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
}

func TestManagerBuffersEarlyCandidates(t *testing.T) {
	f := newManagerFixture(t)

	f.manager.HandleCallEvent(&CallCandidates{
		ID:         "c1",
		RoomID:     testRoomID,
		Sender:     "@bob:example.org",
		Candidates: []Candidate{{Candidate: "candidate:early", SDPMLineIndex: 0}},
	})
	f.manager.HandleCallEvent(f.invite("c1"))

	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	got := f.pipeline.remoteCandidates()
	if len(got) != 1 || got[0].Candidate != "candidate:early" {
		t.Errorf("Expected buffered candidates to be applied, got %+v", got)
	}
}

func TestManagerRejectsMismatchedCandidates(t *testing.T) {
	f := newManagerFixture(t)

	f.ring("c1")
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	f.manager.HandleCallEvent(&CallCandidates{
		ID:         "c-other",
		RoomID:     testRoomID,
		Sender:     "@bob:example.org",
		Candidates: []Candidate{{Candidate: "candidate:stray"}},
	})
	for _, c := range f.pipeline.remoteCandidates() {
		if c.Candidate == "candidate:stray" {
			t.Error("Expected candidates for another call to be dropped")
		}
	}
}

func TestManagerHangupCall(t *testing.T) {
	f := newManagerFixture(t)
	ended := managerEvents(f.manager, ManagerEventCallEnded)

	f.ring("c1")
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	f.manager.HangupCall(context.Background())

	hangups := f.messenger.sentHangups()
	if len(hangups) != 1 || hangups[0].callID != "c1" {
		t.Fatalf("Expected one hangup for c1, got %+v", hangups)
	}
	waitFor(t, ended)
	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected idle after hangup, got %s", f.manager.State())
	}
	if !f.pipeline.isClosed() {
		t.Error("Expected pipeline teardown on hangup")
	}
}

func TestManagerIgnoreCall(t *testing.T) {
	f := newManagerFixture(t)

	f.manager.HandleCallEvent(f.invite("c1"))
	f.manager.IgnoreCall()

	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected idle after ignore, got %s", f.manager.State())
	}
	if len(f.messenger.sentHangups()) != 0 {
		t.Error("Expected no outbound signalling on ignore")
	}
}

func TestManagerICEFailureHangsUp(t *testing.T) {
	f := newManagerFixture(t)
	ended := managerEvents(f.manager, ManagerEventCallEnded)

	f.ring("c1")
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}

	f.pipeline.events <- PipelineEvent{Kind: PipelineEventICEState, ICEState: ICEFailed}

	endedCall := waitFor(t, ended).(*CallEnded)
	if endedCall.Reason != HangupReasonICEFailed {
		t.Errorf("Expected ice_failed reason, got %q", endedCall.Reason)
	}
	hangups := f.messenger.sentHangups()
	if len(hangups) != 1 || hangups[0].reason != HangupReasonICEFailed {
		t.Fatalf("Expected an ice_failed hangup, got %+v", hangups)
	}
}

func TestManagerAnsweredElsewhere(t *testing.T) {
	f := newManagerFixture(t)
	ended := managerEvents(f.manager, ManagerEventCallEnded)

	f.manager.HandleCallEvent(f.invite("c1"))
	f.manager.HandleCallEvent(&CallAnswer{ID: "c1", RoomID: testRoomID, Sender: testUserID, AnswerSDP: testOfferSDP})

	endedCall := waitFor(t, ended).(*CallEnded)
	if endedCall.Reason != "answered_elsewhere" {
		t.Errorf("Expected answered_elsewhere, got %q", endedCall.Reason)
	}
	if f.manager.State() != GlobalIdle {
		t.Errorf("Expected idle, got %s", f.manager.State())
	}
}

func TestManagerMutePassthrough(t *testing.T) {
	f := newManagerFixture(t)
	mutes := managerEvents(f.manager, ManagerEventMutedChanged)

	// No live call: a no-op.
	f.manager.SetMuted(true)
	if f.manager.Muted() {
		t.Error("Expected no mute without a call")
	}

	f.ring("c1")
	if err := f.manager.AcceptCall(context.Background(), false); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	f.manager.SetMuted(true)
	if got := waitFor(t, mutes).(bool); !got {
		t.Error("Expected muted_changed true")
	}
}
