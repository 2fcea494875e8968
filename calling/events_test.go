/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseCallEvent(t *testing.T) {
	t.Run("Invite", func(t *testing.T) {
		ev := &RoomEvent{
			Type:           EventTypeInvite,
			Sender:         "@bob:example.org",
			RoomID:         "!room:example.org",
			OriginServerTS: 1693555200000,
			Content:        json.RawMessage(`{"call_id":"c1","lifetime":60000,"offer":{"type":"offer","sdp":"v=0"},"version":0}`),
		}
		parsed, err := ParseCallEvent(ev)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		invite, ok := parsed.(*CallInvite)
		if !ok {
			t.Fatalf("Expected *CallInvite, got %T", parsed)
		}
		if invite.CallID() != "c1" {
			t.Errorf("Expected call id c1, got %s", invite.CallID())
		}
		if invite.OfferSDP != "v=0" {
			t.Errorf("Expected offer SDP, got %q", invite.OfferSDP)
		}
		if invite.Lifetime != 60*time.Second {
			t.Errorf("Expected 60s lifetime, got %v", invite.Lifetime)
		}
		if invite.OriginTime != time.UnixMilli(1693555200000) {
			t.Errorf("Unexpected origin time %v", invite.OriginTime)
		}
	})

	t.Run("Candidates", func(t *testing.T) {
		ev := &RoomEvent{
			Type:    EventTypeCandidates,
			Sender:  "@bob:example.org",
			RoomID:  "!room:example.org",
			Content: json.RawMessage(`{"call_id":"c1","candidates":[{"candidate":"candidate:1","sdpMLineIndex":0,"sdpMid":"0"}],"version":0}`),
		}
		parsed, err := ParseCallEvent(ev)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		cands, ok := parsed.(*CallCandidates)
		if !ok {
			t.Fatalf("Expected *CallCandidates, got %T", parsed)
		}
		if len(cands.Candidates) != 1 || cands.Candidates[0].SDPMid != "0" {
			t.Errorf("Unexpected candidates %+v", cands.Candidates)
		}
	})

	t.Run("Answer", func(t *testing.T) {
		ev := &RoomEvent{
			Type:    EventTypeAnswer,
			Content: json.RawMessage(`{"call_id":"c1","answer":{"type":"answer","sdp":"v=0"},"version":0}`),
		}
		parsed, err := ParseCallEvent(ev)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		answer, ok := parsed.(*CallAnswer)
		if !ok {
			t.Fatalf("Expected *CallAnswer, got %T", parsed)
		}
		if answer.AnswerSDP != "v=0" {
			t.Errorf("Expected answer SDP, got %q", answer.AnswerSDP)
		}
	})

	t.Run("Hangup", func(t *testing.T) {
		ev := &RoomEvent{
			Type:    EventTypeHangup,
			Content: json.RawMessage(`{"call_id":"c1","version":0}`),
		}
		parsed, err := ParseCallEvent(ev)
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if _, ok := parsed.(*CallHangup); !ok {
			t.Fatalf("Expected *CallHangup, got %T", parsed)
		}
	})

	t.Run("NonCallEvent", func(t *testing.T) {
		ev := &RoomEvent{
			Type:    "m.room.message",
			Content: json.RawMessage(`{"body":"hi","msgtype":"m.text"}`),
		}
		parsed, err := ParseCallEvent(ev)
		if err != nil {
			t.Fatalf("Expected non-call events to be skipped, got %v", err)
		}
		if parsed != nil {
			t.Fatalf("Expected nil for non-call event, got %T", parsed)
		}
	})

	t.Run("MalformedContent", func(t *testing.T) {
		ev := &RoomEvent{
			Type:    EventTypeInvite,
			Content: json.RawMessage(`{`),
		}
		if _, err := ParseCallEvent(ev); err == nil {
			t.Fatal("Expected error for malformed content")
		}
	})
}

func TestEventEmitter(t *testing.T) {
	emitter := NewEventEmitter()

	received := 0
	emitter.On("test", func(data interface{}) {
		received++
	})
	emitter.Emit("test", nil)
	emitter.Emit("other", nil)
	if received != 1 {
		t.Errorf("Expected 1 delivery, got %d", received)
	}

	emitter.Off("test")
	emitter.Emit("test", nil)
	if received != 1 {
		t.Errorf("Expected no delivery after Off, got %d", received)
	}
}
