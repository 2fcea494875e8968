/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rooms

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/matrix-community/matrix-voip-go/matrixsdk"
)

// CallVersion is the VoIP specification version stamped on every outbound
// call-signalling event.
const CallVersion = 0

// Candidate is the wire form of a trickled ICE candidate, as carried in
// m.call.candidates events.
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	SDPMid        string `json:"sdpMid,omitempty"`
}

// Config holds the configuration for the Rooms plugin
type Config struct {
	// Any configuration settings for the rooms plugin can go here
}

// DefaultConfig returns the default configuration for the Rooms plugin
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the rooms API client. It provides the room-level operations the
// call layer needs: member lookup and sending the four call-signalling
// event types.
type Client struct {
	matrixClient *matrixsdk.Client
	config       *Config
}

// New creates a new Rooms plugin
func New(matrixClient *matrixsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		matrixClient: matrixClient,
		config:       config,
	}
}

// joinedMembersResponse is the body of GET /rooms/{roomId}/joined_members.
type joinedMembersResponse struct {
	Joined map[string]struct {
		DisplayName *string `json:"display_name"`
		AvatarURL   *string `json:"avatar_url"`
	} `json:"joined"`
}

// JoinedMembers returns the user ids currently joined to the room.
func (c *Client) JoinedMembers(roomID string) ([]string, error) {
	if roomID == "" {
		return nil, fmt.Errorf("roomID is required")
	}

	path := fmt.Sprintf("rooms/%s/joined_members", url.PathEscape(roomID))
	resp, err := c.matrixClient.Request(http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var result joinedMembersResponse
	if err := matrixsdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}

	members := make([]string, 0, len(result.Joined))
	for userID := range result.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// JoinedMemberCount returns the number of users currently joined to the room.
func (c *Client) JoinedMemberCount(roomID string) (int, error) {
	members, err := c.JoinedMembers(roomID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// sendEventResponse is the body of PUT /rooms/{roomId}/send/{type}/{txnId}.
type sendEventResponse struct {
	EventID string `json:"event_id"`
}

// SendEvent sends a room event of the given type with an auto-generated
// transaction id and returns the event id assigned by the homeserver.
func (c *Client) SendEvent(roomID, eventType string, content interface{}) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("roomID is required")
	}
	if eventType == "" {
		return "", fmt.Errorf("eventType is required")
	}

	txnID := uuid.New().String()
	path := fmt.Sprintf("rooms/%s/send/%s/%s", url.PathEscape(roomID), url.PathEscape(eventType), txnID)
	resp, err := c.matrixClient.Request(http.MethodPut, path, nil, content)
	if err != nil {
		return "", err
	}

	var result sendEventResponse
	if err := matrixsdk.ParseResponse(resp, &result); err != nil {
		return "", err
	}
	return result.EventID, nil
}

// --- Call signalling sends ---

type sessionDescriptionBody struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type inviteContent struct {
	CallID   string                 `json:"call_id"`
	Lifetime int64                  `json:"lifetime"`
	Offer    sessionDescriptionBody `json:"offer"`
	Version  int                    `json:"version"`
}

type answerContent struct {
	CallID  string                 `json:"call_id"`
	Answer  sessionDescriptionBody `json:"answer"`
	Version int                    `json:"version"`
}

type candidatesContent struct {
	CallID     string      `json:"call_id"`
	Candidates []Candidate `json:"candidates"`
	Version    int         `json:"version"`
}

type hangupContent struct {
	CallID  string `json:"call_id"`
	Version int    `json:"version"`
}

// InviteCall sends an m.call.invite event carrying the local SDP offer.
// lifetimeMS is the number of milliseconds the invite remains valid for.
func (c *Client) InviteCall(roomID, callID string, lifetimeMS int64, sdp string) error {
	_, err := c.SendEvent(roomID, "m.call.invite", inviteContent{
		CallID:   callID,
		Lifetime: lifetimeMS,
		Offer:    sessionDescriptionBody{Type: "offer", SDP: sdp},
		Version:  CallVersion,
	})
	return err
}

// AnswerCall sends an m.call.answer event carrying the local SDP answer.
func (c *Client) AnswerCall(roomID, callID, sdp string) error {
	_, err := c.SendEvent(roomID, "m.call.answer", answerContent{
		CallID:  callID,
		Answer:  sessionDescriptionBody{Type: "answer", SDP: sdp},
		Version: CallVersion,
	})
	return err
}

// SendCallCandidates sends an m.call.candidates event with the locally
// gathered ICE candidates.
func (c *Client) SendCallCandidates(roomID, callID string, candidates []Candidate) error {
	_, err := c.SendEvent(roomID, "m.call.candidates", candidatesContent{
		CallID:     callID,
		Candidates: candidates,
		Version:    CallVersion,
	})
	return err
}

// HangupCall sends an m.call.hangup event ending the call.
func (c *Client) HangupCall(roomID, callID string) error {
	_, err := c.SendEvent(roomID, "m.call.hangup", hangupContent{
		CallID:  callID,
		Version: CallVersion,
	})
	return err
}
