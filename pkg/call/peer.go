package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/Parley-Chat/parley/pkg/wire"
)

// PeerConnection is the negotiation surface the session drives. The
// production implementation wraps pion; tests substitute a fake.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track Track) error
	OnICECandidate(f func(candidate webrtc.ICECandidateInit))
	OnRemoteTrack(f func(track RemoteTrack))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory builds a fresh peer connection for one call.
type PeerFactory func() (PeerConnection, error)

// Signaler is the server-facing collaborator: call lifecycle endpoints
// plus the signal relay. Publish failures are logged by the session, not
// retried; a stale retried offer is worse than a dropped one.
type Signaler interface {
	Initiate(ctx context.Context, recipientID string, callType wire.CallType) (callID string, err error)
	Signal(ctx context.Context, toUserID string, sig wire.CallSignal) error
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string) error
}
