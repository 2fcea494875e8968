/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"strings"

	"github.com/pion/sdp/v3"
)

// ParseSessionDescription validates the SDP text syntactically and wraps it
// with its negotiation role. A ParseError is fatal to the owning session.
func ParseSessionDescription(text string, typ SDPType) (*SessionDescription, error) {
	if text == "" {
		return nil, &ParseError{Reason: "empty SDP"}
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(text); err != nil {
		return nil, &ParseError{Reason: "invalid SDP", Err: err}
	}
	return &SessionDescription{Type: typ, SDP: text}, nil
}

// MediaAttributes is the subset of a media section the call layer inspects.
type MediaAttributes struct {
	// PayloadType is the RTP payload number of the first rtpmap entry
	// naming the requested encoding, or -1 when no rtpmap matches.
	PayloadType int
	ReceiveOnly bool
	SendOnly    bool
}

// ExtractMediaAttributes scans the SDP for the first media section of the
// given kind ("audio", "video") and reports its direction attributes and the
// payload type mapped to encodingName. The encoding match is a
// case-insensitive substring match over the raw rtpmap value, so a malformed
// encoding name simply never matches and yields PayloadType -1 rather than
// an error; callers treat -1 as "no usable media of this encoding".
// The second return value is false when no media section of the requested
// kind exists at all.
func ExtractMediaAttributes(sdpText, mediaType, encodingName string) (MediaAttributes, bool) {
	attrs := MediaAttributes{PayloadType: -1}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(sdpText); err != nil {
		return attrs, false
	}

	wanted := strings.ToLower(encodingName)
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media != mediaType {
			continue
		}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "recvonly":
				attrs.ReceiveOnly = true
			case "sendonly":
				attrs.SendOnly = true
			case "rtpmap":
				if attrs.PayloadType == -1 && strings.Contains(strings.ToLower(attr.Value), wanted) {
					attrs.PayloadType = leadingInt(attr.Value)
				}
			}
		}
		return attrs, true
	}
	return attrs, false
}

// leadingInt parses the leading decimal digits of s, returning 0 when s does
// not start with a digit. Matches C atoi semantics for rtpmap values such as
// "111 opus/48000/2".
func leadingInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// MarshalCandidates serializes a candidate sequence into its wire JSON array
// form, as carried in m.call.candidates events.
func MarshalCandidates(candidates []Candidate) (json.RawMessage, error) {
	return json.Marshal(candidates)
}

// UnmarshalCandidates parses a wire JSON candidate array. The round trip
// through MarshalCandidates is lossless.
func UnmarshalCandidates(raw json.RawMessage) ([]Candidate, error) {
	var candidates []Candidate
	if err := json.Unmarshal(raw, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}
