// Package call implements the client-side call session: media acquisition,
// peer-connection negotiation, ICE candidate queueing, ring timeout,
// connection-quality monitoring and teardown.
package call

import "context"

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local capture track. Disabling a track mutes it without
// renegotiation; Stop releases the underlying device.
type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// MediaStream groups the local tracks acquired for one call.
type MediaStream interface {
	Tracks() []Track
	Stop()
}

// MediaDevices acquires local capture. Implementations must return a
// *errors.MediaError classifying the failure (permission-denied,
// no-device, device-busy, other) so the session can surface a specific
// outcome instead of a generic one.
type MediaDevices interface {
	Acquire(ctx context.Context, audio, video bool) (MediaStream, error)
}

// RemoteTrack is one track received from the peer.
type RemoteTrack interface {
	Kind() TrackKind
}

// trackSet is the MediaStream used by the concrete device adapters.
type trackSet struct {
	tracks []Track
}

// NewMediaStream builds a MediaStream over the given tracks.
func NewMediaStream(tracks ...Track) MediaStream {
	return &trackSet{tracks: tracks}
}

func (t *trackSet) Tracks() []Track { return t.tracks }

func (t *trackSet) Stop() {
	for _, tr := range t.tracks {
		tr.Stop()
	}
}
