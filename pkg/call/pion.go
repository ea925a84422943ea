package call

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// NewPionFactory returns a PeerFactory producing pion-backed peer
// connections configured with the given STUN servers.
func NewPionFactory(stunServers []string) PeerFactory {
	return func() (PeerConnection, error) {
		cfg := webrtc.Configuration{}
		if len(stunServers) > 0 {
			cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
		}
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

// pionPeer adapts *webrtc.PeerConnection to the PeerConnection interface
// and implements StatsReader for the quality monitor.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// LocalRTPTrack is a Track that can feed a pion peer connection.
type LocalRTPTrack interface {
	Track
	RTP() webrtc.TrackLocal
}

func (p *pionPeer) AddTrack(track Track) error {
	lt, ok := track.(LocalRTPTrack)
	if !ok {
		return fmt.Errorf("track kind %s does not carry an RTP source", track.Kind())
	}
	_, err := p.pc.AddTrack(lt.RTP())
	return err
}

func (p *pionPeer) OnICECandidate(f func(candidate webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		f(c.ToJSON())
	})
}

func (p *pionPeer) OnRemoteTrack(f func(track RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(&pionRemoteTrack{t: t})
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// ReadStats samples round-trip time and loss from the remote inbound RTP
// stream reports.
func (p *pionPeer) ReadStats() (QualityStats, error) {
	report := p.pc.GetStats()
	var out QualityStats
	for _, s := range report {
		ri, ok := s.(webrtc.RemoteInboundRTPStreamStats)
		if !ok {
			continue
		}
		if ri.FractionLost > out.PacketLoss {
			out.PacketLoss = ri.FractionLost
		}
		rtt := time.Duration(ri.RoundTripTime * float64(time.Second))
		if rtt > out.RTT {
			out.RTT = rtt
		}
	}
	return out, nil
}

type pionRemoteTrack struct {
	t *webrtc.TrackRemote
}

func (r *pionRemoteTrack) Kind() TrackKind {
	if r.t.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

// Codec returns the negotiated codec parameters for the remote track.
func (r *pionRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return r.t.Codec()
}

// SampleTrack feeds captured media samples into a peer connection and
// supports mute-without-renegotiation: samples written while the track
// is disabled are dropped.
type SampleTrack struct {
	kind    TrackKind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stop    func()
}

// NewSampleTrack builds a local track for the given codec. stop releases
// the capture device and may be nil.
func NewSampleTrack(kind TrackKind, codec webrtc.RTPCodecCapability, id, streamID string, stop func()) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}
	t := &SampleTrack{kind: kind, local: local, stop: stop}
	t.enabled.Store(true)
	return t, nil
}

func (t *SampleTrack) Kind() TrackKind         { return t.kind }
func (t *SampleTrack) Enabled() bool           { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *SampleTrack) RTP() webrtc.TrackLocal  { return t.local }

func (t *SampleTrack) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

// WriteSample forwards one captured sample unless the track is muted.
func (t *SampleTrack) WriteSample(sample media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(sample)
}
