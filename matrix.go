/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package matrixvoip is a Matrix client SDK focused on one-to-one VoIP:
// room-event call signalling, TURN credential handling and a WebRTC media
// layer, behind a plugin-per-concern client.
package matrixvoip

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-community/matrix-voip-go/calling"
	"github.com/matrix-community/matrix-voip-go/eventstream"
	"github.com/matrix-community/matrix-voip-go/matrixsdk"
	"github.com/matrix-community/matrix-voip-go/rooms"
)

// MatrixClient is the top-level client for the Matrix client-server API
type MatrixClient struct {
	// Core client for the Matrix API
	core *matrixsdk.Client

	// Plugins
	roomsClient       *rooms.Client
	eventStreamClient *eventstream.Client
	callingClient     *calling.Client

	// Mutex for thread-safe lazy initialization of plugins
	mu sync.Mutex
}

// NewClient creates a new Matrix client with the given access token and
// optional configuration
func NewClient(accessToken string, config *matrixsdk.Config) (*MatrixClient, error) {
	core, err := matrixsdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	client := &MatrixClient{
		core: core,
	}

	return client, nil
}

// Core returns the underlying API client
func (c *MatrixClient) Core() *matrixsdk.Client {
	return c.core
}

// Rooms returns the Rooms plugin
func (c *MatrixClient) Rooms() *rooms.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomsClient == nil {
		c.roomsClient = rooms.New(c.core, nil)
	}
	return c.roomsClient
}

// EventStream returns the EventStream plugin
func (c *MatrixClient) EventStream() *eventstream.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventStreamClient == nil {
		c.eventStreamClient = eventstream.New(c.core, nil)
	}
	return c.eventStreamClient
}

// Calling returns the Calling plugin, creating it on first use with the
// given configuration. The plugin is wired to the Rooms plugin for outbound
// signalling and to the EventStream plugin for inbound signalling; callers
// still decide when the stream starts via EventStream().Listen().
func (c *MatrixClient) Calling(config *calling.Config) (*calling.Client, error) {
	c.mu.Lock()
	if c.callingClient != nil {
		c.mu.Unlock()
		return c.callingClient, nil
	}
	c.mu.Unlock()

	if config == nil {
		config = calling.DefaultConfig()
	}
	if config.Messenger == nil {
		config.Messenger = &roomMessenger{rooms: c.Rooms()}
	}

	client, err := calling.New(c.core, config)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.callingClient != nil {
		client = c.callingClient
		c.mu.Unlock()
		return client, nil
	}
	c.callingClient = client
	c.mu.Unlock()

	c.routeCallEvents(client)
	return client, nil
}

// routeCallEvents forwards inbound call signalling from the event stream to
// the call manager.
func (c *MatrixClient) routeCallEvents(client *calling.Client) {
	stream := c.EventStream()
	route := func(ev *eventstream.Event) {
		if err := client.Manager.HandleRoomEvent(&calling.RoomEvent{
			Type:           ev.Type,
			Sender:         ev.Sender,
			RoomID:         ev.RoomID,
			EventID:        ev.EventID,
			OriginServerTS: ev.OriginServerTS,
			Content:        ev.Content,
		}); err != nil {
			c.core.GetLogger().Printf("Dropping malformed call event %s: %v", ev.EventID, err)
		}
	}
	for _, eventType := range []string{
		calling.EventTypeInvite,
		calling.EventTypeCandidates,
		calling.EventTypeAnswer,
		calling.EventTypeHangup,
	} {
		stream.On(eventType, route)
	}
}

// roomMessenger adapts the Rooms plugin to the call manager's outbound
// signalling interface. The underlying plugin bounds its requests with the
// core client's timeout, so the contexts are not threaded further.
type roomMessenger struct {
	rooms *rooms.Client
}

func (m *roomMessenger) JoinedMemberCount(_ context.Context, roomID string) (int, error) {
	return m.rooms.JoinedMemberCount(roomID)
}

func (m *roomMessenger) SendCallInvite(_ context.Context, roomID, callID, sdp string, lifetime time.Duration) error {
	return m.rooms.InviteCall(roomID, callID, lifetime.Milliseconds(), sdp)
}

func (m *roomMessenger) SendCallAnswer(_ context.Context, roomID, callID, sdp string) error {
	return m.rooms.AnswerCall(roomID, callID, sdp)
}

func (m *roomMessenger) SendCallCandidates(_ context.Context, roomID, callID string, candidates []calling.Candidate) error {
	wire := make([]rooms.Candidate, len(candidates))
	for i, cand := range candidates {
		wire[i] = rooms.Candidate{
			Candidate:     cand.Candidate,
			SDPMLineIndex: cand.SDPMLineIndex,
			SDPMid:        cand.SDPMid,
		}
	}
	return m.rooms.SendCallCandidates(roomID, callID, wire)
}

func (m *roomMessenger) SendCallHangup(_ context.Context, roomID, callID, reason string) error {
	// Version 0 hangup events carry no reason on the wire.
	_ = reason
	return m.rooms.HangupCall(roomID, callID)
}
