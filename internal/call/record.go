// Package call holds the domain model of one call attempt: the session
// descriptor shared through the signaling store, the candidate exchange
// channels under it, and the error taxonomy of the negotiation flow.
package call

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// MediaKind selects which devices a call captures. Audio is always
// captured; AudioVideo adds the camera.
type MediaKind string

const (
	AudioOnly  MediaKind = "audio"
	AudioVideo MediaKind = "video"
)

// WantsVideo reports whether the camera should be captured for this kind.
func (k MediaKind) WantsVideo() bool { return k == AudioVideo }

// Party identifies one participant together with the display data the other
// side shows during ringing, saving it a profile lookup.
type Party struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// SessionPayload is one negotiation payload (offer or answer).
type SessionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Record is the session descriptor for one call attempt — the only state
// shared between the two sides. Each field has exactly one writer: the whole
// record is created by the caller's side, Offer is written by the caller's
// engine, Answer by the callee's. A record is never reused for a second
// attempt.
type Record struct {
	CallID   string          `json:"callId"`
	Kind     MediaKind       `json:"mediaKind"`
	CallerID string          `json:"callerId"`
	CalleeID string          `json:"calleeId"`
	Callee   Party           `json:"callee"`
	Offer    *SessionPayload `json:"offer,omitempty"`
	Answer   *SessionPayload `json:"answer,omitempty"`
}

// NewCallID derives a unique call identifier from the two participants, the
// creation time, and a random component. The participant/time prefix keeps
// identifiers debuggable in store dumps; the random suffix makes collisions
// between rapid retries with the same pair impossible.
func NewCallID(callerID, calleeID string, at time.Time) string {
	h := fnv.New64a()
	h.Write([]byte(callerID))
	h.Write([]byte{0})
	h.Write([]byte(calleeID))
	return fmt.Sprintf("%x-%d-%s", h.Sum64(), at.UnixMilli(), uuid.NewString()[:8])
}

// DocKey returns the store key of the session descriptor for callID.
func DocKey(callID string) string {
	return "calls/" + callID
}

// CallerCandidates returns the sub-collection prefix the caller appends its
// connectivity candidates to (and the callee reads from).
func CallerCandidates(callID string) string {
	return DocKey(callID) + "/callerCandidates"
}

// CalleeCandidates returns the sub-collection prefix the callee appends its
// connectivity candidates to (and the caller reads from).
func CalleeCandidates(callID string) string {
	return DocKey(callID) + "/calleeCandidates"
}
