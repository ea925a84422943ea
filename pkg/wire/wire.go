// Package wire defines the payload types carried over Parley's push
// streams. Server and client both depend on this package; nothing here
// touches the network.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Message is one chat message as delivered on /messages/stream.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	FileURL   string    `json:"fileUrl,omitempty"`
	ReplyToID string    `json:"replyToMessageId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PresenceKind discriminates presence stream payloads.
type PresenceKind string

const (
	PresenceTyping PresenceKind = "typing"
	PresenceOnline PresenceKind = "online"
)

// Presence is one typing/online event as delivered on /presence/stream.
type Presence struct {
	Kind     PresenceKind `json:"type"`
	UserID   string       `json:"userId"`
	IsTyping bool         `json:"isTyping,omitempty"`
	IsOnline bool         `json:"isOnline,omitempty"`
}

// Notification is one entry on /notifications/stream.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SignalType discriminates call signals.
type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallEnded    SignalType = "call-ended"
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// End reasons carried in a call-ended signal.
const (
	ReasonEnded    = "ended"
	ReasonRejected = "rejected"
	ReasonBusy     = "busy"
)

// CallSignal is one unit of call-setup/teardown data as delivered on
// /calls/stream. Data is raw JSON whose shape depends on SignalType;
// the typed accessors below decode it, so call sites never cast blindly.
type CallSignal struct {
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	SignalType SignalType      `json:"signalType"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// OfferPayload is the Data of an offer signal. The initial ring
// announcement carries only CallType; the SDP follows once the caller's
// peer connection has produced it.
type OfferPayload struct {
	CallType CallType                   `json:"callType,omitempty"`
	SDP      *webrtc.SessionDescription `json:"sdp,omitempty"`
}

// AnswerPayload is the Data of an answer signal.
type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// EndPayload is the Data of a call-ended signal.
type EndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Offer decodes the signal payload as an offer.
func (s CallSignal) Offer() (OfferPayload, error) {
	if s.SignalType != SignalOffer {
		return OfferPayload{}, fmt.Errorf("wire: %s signal is not an offer", s.SignalType)
	}
	var p OfferPayload
	if err := json.Unmarshal(s.Data, &p); err != nil {
		return OfferPayload{}, fmt.Errorf("wire: decode offer payload: %w", err)
	}
	return p, nil
}

// Answer decodes the signal payload as an answer.
func (s CallSignal) Answer() (AnswerPayload, error) {
	if s.SignalType != SignalAnswer {
		return AnswerPayload{}, fmt.Errorf("wire: %s signal is not an answer", s.SignalType)
	}
	var p AnswerPayload
	if err := json.Unmarshal(s.Data, &p); err != nil {
		return AnswerPayload{}, fmt.Errorf("wire: decode answer payload: %w", err)
	}
	return p, nil
}

// Candidate decodes the signal payload as an ICE candidate.
func (s CallSignal) Candidate() (webrtc.ICECandidateInit, error) {
	if s.SignalType != SignalICECandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("wire: %s signal is not an ice-candidate", s.SignalType)
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(s.Data, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("wire: decode ice candidate: %w", err)
	}
	return c, nil
}

// End decodes the signal payload as a call-ended notice. A missing or
// empty payload yields a zero EndPayload, matching senders that omit it.
func (s CallSignal) End() (EndPayload, error) {
	if s.SignalType != SignalCallEnded {
		return EndPayload{}, fmt.Errorf("wire: %s signal is not a call-ended notice", s.SignalType)
	}
	if len(s.Data) == 0 {
		return EndPayload{}, nil
	}
	var p EndPayload
	if err := json.Unmarshal(s.Data, &p); err != nil {
		return EndPayload{}, fmt.Errorf("wire: decode end payload: %w", err)
	}
	return p, nil
}

// MustData marshals v into a signal Data field. It panics on marshal
// failure, which only happens for non-serializable payload types.
func MustData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wire: marshal signal payload: %v", err))
	}
	return raw
}
