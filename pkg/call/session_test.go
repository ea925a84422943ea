package call

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/pkg/wire"
)

/* ------------------------------------------------------------------ *
|  Fakes                                                              |
* -------------------------------------------------------------------*/

type fakeTrack struct {
	mu      sync.Mutex
	kind    TrackKind
	enabled bool
	stopped bool
}

func newFakeTrack(kind TrackKind) *fakeTrack {
	return &fakeTrack{kind: kind, enabled: true}
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevices struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeTrack
}

func (d *fakeDevices) Acquire(_ context.Context, audio, video bool) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.tracks = nil
	var tracks []Track
	if audio {
		t := newFakeTrack(TrackAudio)
		d.tracks = append(d.tracks, t)
		tracks = append(tracks, t)
	}
	if video {
		t := newFakeTrack(TrackVideo)
		d.tracks = append(d.tracks, t)
		tracks = append(tracks, t)
	}
	return NewMediaStream(tracks...), nil
}

func (d *fakeDevices) track(kind TrackKind) *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

type fakePeer struct {
	mu          sync.Mutex
	offerErr    error
	remoteErr   error
	localDesc   *webrtc.SessionDescription
	remoteDesc  *webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	addedTracks []Track
	closed      bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(RemoteTrack)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.localDesc = &desc
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remoteDesc = &desc
	return nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddTrack(track Track) error {
	p.mu.Lock()
	p.addedTracks = append(p.addedTracks, track)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteTrack(f func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePeer) RemoteDesc() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc
}

func (p *fakePeer) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePeer) fireICE(candidate webrtc.ICECandidateInit) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	if f != nil {
		f(candidate)
	}
}

type sentSignal struct {
	to  string
	sig wire.CallSignal
}

type fakeSignaler struct {
	mu        sync.Mutex
	callID    string
	initErr   error
	initiates []string
	signals   []sentSignal
	answers   []string
	rejects   []string
	ends      []string
}

func (s *fakeSignaler) Initiate(_ context.Context, recipientID string, _ wire.CallType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return "", s.initErr
	}
	s.initiates = append(s.initiates, recipientID)
	if s.callID == "" {
		s.callID = "call-1"
	}
	return s.callID, nil
}

func (s *fakeSignaler) Signal(_ context.Context, toUserID string, sig wire.CallSignal) error {
	s.mu.Lock()
	s.signals = append(s.signals, sentSignal{to: toUserID, sig: sig})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Answer(_ context.Context, callID string) error {
	s.mu.Lock()
	s.answers = append(s.answers, callID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Reject(_ context.Context, callID string) error {
	s.mu.Lock()
	s.rejects = append(s.rejects, callID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) End(_ context.Context, callID string) error {
	s.mu.Lock()
	s.ends = append(s.ends, callID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) sent() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentSignal(nil), s.signals...)
}

func (s *fakeSignaler) sentOfType(st wire.SignalType) []sentSignal {
	var out []sentSignal
	for _, sn := range s.sent() {
		if sn.sig.SignalType == st {
			out = append(out, sn)
		}
	}
	return out
}

/* ------------------------------------------------------------------ *
|  Fixture                                                            |
* -------------------------------------------------------------------*/

type sessionFixture struct {
	session *Session
	devices *fakeDevices
	sig     *fakeSignaler

	mu     sync.Mutex
	peers  []*fakePeer
	phases []Phase
	ended  []Outcome
}

func newSessionFixture(t *testing.T, ringTimeout time.Duration) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		devices: &fakeDevices{},
		sig:     &fakeSignaler{},
	}
	f.session = NewSession(Config{
		Devices: f.devices,
		Peers: func() (PeerConnection, error) {
			p := &fakePeer{}
			f.mu.Lock()
			f.peers = append(f.peers, p)
			f.mu.Unlock()
			return p, nil
		},
		Signaler:    f.sig,
		RingTimeout: ringTimeout,
		OnPhaseChange: func(p Phase) {
			f.mu.Lock()
			f.phases = append(f.phases, p)
			f.mu.Unlock()
		},
		OnEnded: func(o Outcome) {
			f.mu.Lock()
			f.ended = append(f.ended, o)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *sessionFixture) peer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *sessionFixture) endedOutcomes() []Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outcome(nil), f.ended...)
}

func (f *sessionFixture) phaseLog() []Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Phase(nil), f.phases...)
}

func remoteSDP(t webrtc.SDPType, sdp string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: t, SDP: sdp}
}

func offerSignal(callID, from string, callType wire.CallType, sdp *webrtc.SessionDescription) wire.CallSignal {
	return wire.CallSignal{
		CallID:     callID,
		FromUserID: from,
		SignalType: wire.SignalOffer,
		Data:       wire.MustData(wire.OfferPayload{CallType: callType, SDP: sdp}),
	}
}

func answerSignal(callID, from string, sdp webrtc.SessionDescription) wire.CallSignal {
	return wire.CallSignal{
		CallID:     callID,
		FromUserID: from,
		SignalType: wire.SignalAnswer,
		Data:       wire.MustData(wire.AnswerPayload{SDP: sdp}),
	}
}

func candidateSignal(callID, candidate string) wire.CallSignal {
	return wire.CallSignal{
		CallID:     callID,
		SignalType: wire.SignalICECandidate,
		Data:       wire.MustData(webrtc.ICECandidateInit{Candidate: candidate}),
	}
}

func endedSignal(callID, reason string) wire.CallSignal {
	return wire.CallSignal{
		CallID:     callID,
		SignalType: wire.SignalCallEnded,
		Data:       wire.MustData(wire.EndPayload{Reason: reason}),
	}
}

/* ------------------------------------------------------------------ *
|  Outgoing calls                                                     |
* -------------------------------------------------------------------*/

func TestInitiateOutgoingCall(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	require.Equal(t, PhaseOutgoingRinging, f.session.Phase())
	require.Equal(t, DirectionOutgoing, f.session.Direction())
	require.Equal(t, "call-1", f.session.CallID())
	require.Equal(t, "bob", f.session.RemoteUserID())
	require.False(t, f.session.Muted())
	require.False(t, f.session.VideoEnabled(), "voice call sends no video")

	offers := f.sig.sentOfType(wire.SignalOffer)
	require.Len(t, offers, 1)
	require.Equal(t, "bob", offers[0].to)

	payload, err := offers[0].sig.Offer()
	require.NoError(t, err)
	require.Equal(t, wire.CallVoice, payload.CallType)
	require.NotNil(t, payload.SDP)
	require.Equal(t, "local-offer", payload.SDP.SDP)
}

func TestInitiateWhileBusy(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	require.ErrorIs(t, f.session.Initiate(t.Context(), "carol", wire.CallVoice), ErrCallInProgress)
}

func TestInitiateMediaFailureAbortsToIdle(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	f.devices.err = errors.NewMediaError(errors.MediaPermissionDenied, stderrors.New("denied by user"))

	err := f.session.Initiate(t.Context(), "bob", wire.CallVoice)
	require.Error(t, err)

	var mediaErr *errors.MediaError
	require.ErrorAs(t, err, &mediaErr)
	require.Equal(t, errors.MediaPermissionDenied, mediaErr.Class)

	require.Equal(t, PhaseIdle, f.session.Phase())
	require.Empty(t, f.sig.sent(), "no signal leaves the client before media is up")

	// The session is not wedged: a later call still starts.
	f.devices.err = nil
	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
}

func TestOutgoingCallAnswered(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))

	// Candidates from bob arrive before his answer; they queue.
	f.session.HandleSignal(t.Context(), candidateSignal("call-1", "cand-1"))
	f.session.HandleSignal(t.Context(), candidateSignal("call-1", "cand-2"))
	require.Empty(t, f.peer().Candidates())

	f.session.HandleSignal(t.Context(), answerSignal("call-1", "bob", *remoteSDP(webrtc.SDPTypeAnswer, "remote-answer")))
	require.Equal(t, PhaseActive, f.session.Phase())
	require.Equal(t, "remote-answer", f.peer().RemoteDesc().SDP)

	// Queue drained in arrival order, later candidates applied directly.
	cands := f.peer().Candidates()
	require.Len(t, cands, 2)
	require.Equal(t, "cand-1", cands[0].Candidate)
	require.Equal(t, "cand-2", cands[1].Candidate)

	f.session.HandleSignal(t.Context(), candidateSignal("call-1", "cand-3"))
	cands = f.peer().Candidates()
	require.Len(t, cands, 3)
	require.Equal(t, "cand-3", cands[2].Candidate)
}

func TestOutgoingRingTimeoutIsMissed(t *testing.T) {
	f := newSessionFixture(t, 30*time.Millisecond)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))

	require.Eventually(t, func() bool {
		return f.session.Phase() == PhaseIdle
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, OutcomeMissed, f.session.LastOutcome())
	require.True(t, f.peer().Closed())
	require.True(t, f.devices.track(TrackAudio).Stopped(), "devices released on timeout")
	require.Equal(t, []Outcome{OutcomeMissed}, f.endedOutcomes())
}

func TestOutgoingCandidatesArePublished(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.peer().fireICE(webrtc.ICECandidateInit{Candidate: "local-cand"})

	published := f.sig.sentOfType(wire.SignalICECandidate)
	require.Len(t, published, 1)
	require.Equal(t, "bob", published[0].to)

	cand, err := published[0].sig.Candidate()
	require.NoError(t, err)
	require.Equal(t, "local-cand", cand.Candidate)
}

func TestConnectionFailureTearsDownWithoutSignal(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.session.HandleSignal(t.Context(), answerSignal("call-1", "bob", *remoteSDP(webrtc.SDPTypeAnswer, "remote-answer")))
	require.Equal(t, PhaseActive, f.session.Phase())

	before := len(f.sig.sent())
	f.peer().fireState(webrtc.PeerConnectionStateFailed)

	require.Equal(t, PhaseIdle, f.session.Phase())
	require.Equal(t, OutcomeFailed, f.session.LastOutcome())
	require.Len(t, f.sig.sent(), before, "the remote side detects its own failure")
}

/* ------------------------------------------------------------------ *
|  Incoming calls                                                     |
* -------------------------------------------------------------------*/

func TestIncomingOfferRings(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVideo, remoteSDP(webrtc.SDPTypeOffer, "remote-offer")))

	require.Equal(t, PhaseIncomingRinging, f.session.Phase())
	require.Equal(t, DirectionIncoming, f.session.Direction())
	require.Equal(t, "call-7", f.session.CallID())
	require.Equal(t, "alice", f.session.RemoteUserID())
	require.Equal(t, []Phase{PhaseIncomingRinging}, f.phaseLog())
}

func TestSecondOfferGetsBusyRejection(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "o1")))
	f.session.HandleSignal(t.Context(), offerSignal("call-8", "carol", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "o2")))

	// Current call untouched.
	require.Equal(t, "call-7", f.session.CallID())
	require.Equal(t, PhaseIncomingRinging, f.session.Phase())

	rejections := f.sig.sentOfType(wire.SignalCallEnded)
	require.Len(t, rejections, 1)
	require.Equal(t, "carol", rejections[0].to)
	require.Equal(t, "call-8", rejections[0].sig.CallID)

	end, err := rejections[0].sig.End()
	require.NoError(t, err)
	require.Equal(t, wire.ReasonBusy, end.Reason)
}

func TestAnswerEstablishesIncomingCall(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "remote-offer")))
	f.session.HandleSignal(t.Context(), candidateSignal("call-7", "cand-1"))
	f.session.HandleSignal(t.Context(), candidateSignal("call-7", "cand-2"))

	require.NoError(t, f.session.Answer(t.Context()))
	require.Equal(t, PhaseActive, f.session.Phase())
	require.Equal(t, "remote-offer", f.peer().RemoteDesc().SDP)

	cands := f.peer().Candidates()
	require.Len(t, cands, 2)
	require.Equal(t, "cand-1", cands[0].Candidate)
	require.Equal(t, "cand-2", cands[1].Candidate)

	answers := f.sig.sentOfType(wire.SignalAnswer)
	require.Len(t, answers, 1)
	require.Equal(t, "alice", answers[0].to)

	payload, err := answers[0].sig.Answer()
	require.NoError(t, err)
	require.Equal(t, "local-answer", payload.SDP.SDP)

	require.Equal(t, []string{"call-7"}, f.sig.answers)
	require.Equal(t, []Phase{PhaseIncomingRinging, PhaseConnecting, PhaseActive}, f.phaseLog())
}

func TestAnswerBeforeSDPArrives(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	// Ring announcement only, no SDP yet.
	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, nil))
	require.Equal(t, PhaseIncomingRinging, f.session.Phase())

	require.ErrorIs(t, f.session.Answer(t.Context()), ErrNoOffer)
	require.Equal(t, PhaseIncomingRinging, f.session.Phase(), "still ringing, the SDP may yet arrive")

	// The SDP offer catches up; answering now works.
	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "late-offer")))
	require.NoError(t, f.session.Answer(t.Context()))
	require.Equal(t, PhaseActive, f.session.Phase())
}

// gatedDevices blocks Acquire until released, exposing the setup window
// where the session has entered PhaseConnecting but built no peer yet.
type gatedDevices struct {
	inner    *fakeDevices
	acquired chan struct{}
	release  chan struct{}
}

func (d *gatedDevices) Acquire(ctx context.Context, audio, video bool) (MediaStream, error) {
	d.acquired <- struct{}{}
	<-d.release
	return d.inner.Acquire(ctx, audio, video)
}

func TestAnswerSignalDuringMediaSetupIsDropped(t *testing.T) {
	devices := &gatedDevices{
		inner:    &fakeDevices{},
		acquired: make(chan struct{}),
		release:  make(chan struct{}),
	}
	signaler := &fakeSignaler{}

	var mu sync.Mutex
	var peers []*fakePeer
	session := NewSession(Config{
		Devices: devices,
		Peers: func() (PeerConnection, error) {
			p := &fakePeer{}
			mu.Lock()
			peers = append(peers, p)
			mu.Unlock()
			return p, nil
		},
		Signaler:    signaler,
		RingTimeout: time.Hour,
	})

	session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "remote-offer")))

	done := make(chan error, 1)
	go func() { done <- session.Answer(t.Context()) }()
	<-devices.acquired // Answer is mid-setup: connecting, no peer yet

	// A stray answer relayed to the callee in this window must be
	// dropped, not applied to a peer that does not exist.
	require.NotPanics(t, func() {
		session.HandleSignal(t.Context(), answerSignal("call-7", "alice", *remoteSDP(webrtc.SDPTypeAnswer, "stray-answer")))
	})
	require.Equal(t, PhaseConnecting, session.Phase())

	close(devices.release)
	require.NoError(t, <-done)
	require.Equal(t, PhaseActive, session.Phase())

	mu.Lock()
	peer := peers[0]
	mu.Unlock()
	require.Equal(t, "remote-offer", peer.RemoteDesc().SDP, "only the stored offer is applied")
}

func TestIncomingRingTimeoutIsMissed(t *testing.T) {
	f := newSessionFixture(t, 30*time.Millisecond)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "o")))

	require.Eventually(t, func() bool {
		return f.session.Phase() == PhaseIdle
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, OutcomeMissed, f.session.LastOutcome())
}

func TestAnswerDisarmsRingTimeout(t *testing.T) {
	f := newSessionFixture(t, 40*time.Millisecond)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "o")))
	require.NoError(t, f.session.Answer(t.Context()))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, PhaseActive, f.session.Phase())
}

func TestRejectIncomingCall(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	f.session.HandleSignal(t.Context(), offerSignal("call-7", "alice", wire.CallVoice, remoteSDP(webrtc.SDPTypeOffer, "o")))
	require.NoError(t, f.session.Reject(t.Context()))

	require.Equal(t, PhaseIdle, f.session.Phase())
	require.Equal(t, OutcomeRejected, f.session.LastOutcome())
	require.Equal(t, []string{"call-7"}, f.sig.rejects)
}

func TestRejectRequiresIncomingRinging(t *testing.T) {
	f := newSessionFixture(t, time.Hour)
	require.ErrorIs(t, f.session.Reject(t.Context()), ErrNoActiveCall)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	require.ErrorIs(t, f.session.Reject(t.Context()), ErrNoActiveCall)
}

/* ------------------------------------------------------------------ *
|  Teardown                                                           |
* -------------------------------------------------------------------*/

func TestEndActiveCall(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.session.HandleSignal(t.Context(), answerSignal("call-1", "bob", *remoteSDP(webrtc.SDPTypeAnswer, "a")))

	require.NoError(t, f.session.End(t.Context()))
	require.Equal(t, PhaseIdle, f.session.Phase())
	require.Equal(t, OutcomeEnded, f.session.LastOutcome())
	require.Equal(t, []string{"call-1"}, f.sig.ends)
	require.True(t, f.peer().Closed())
	require.True(t, f.devices.track(TrackAudio).Stopped())

	require.ErrorIs(t, f.session.End(t.Context()), ErrNoActiveCall, "teardown is idempotent")
}

func TestRemoteEndTearsDown(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.session.HandleSignal(t.Context(), endedSignal("call-1", wire.ReasonRejected))

	require.Equal(t, PhaseIdle, f.session.Phase())
	require.Equal(t, OutcomeRejected, f.session.LastOutcome())
	require.True(t, f.peer().Closed())
}

func TestRemoteBusyOutcome(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.session.HandleSignal(t.Context(), endedSignal("call-1", wire.ReasonBusy))

	require.Equal(t, OutcomeBusy, f.session.LastOutcome())
}

func TestStaleEndedSignalIsIgnored(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVoice))
	f.session.HandleSignal(t.Context(), endedSignal("call-ancient", wire.ReasonEnded))

	require.Equal(t, PhaseOutgoingRinging, f.session.Phase(), "signals for other calls are dropped")
}

/* ------------------------------------------------------------------ *
|  Track toggles                                                      |
* -------------------------------------------------------------------*/

func TestMuteToggle(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVideo))

	f.session.SetMuted(true)
	require.True(t, f.session.Muted())
	require.False(t, f.devices.track(TrackAudio).Enabled())
	require.True(t, f.devices.track(TrackVideo).Enabled(), "mute only touches audio")

	f.session.SetMuted(false)
	require.True(t, f.devices.track(TrackAudio).Enabled())
}

func TestVideoToggle(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	require.NoError(t, f.session.Initiate(t.Context(), "bob", wire.CallVideo))
	require.True(t, f.session.VideoEnabled())

	f.session.SetVideoEnabled(false)
	require.False(t, f.session.VideoEnabled())
	require.False(t, f.devices.track(TrackVideo).Enabled())
	require.True(t, f.devices.track(TrackAudio).Enabled(), "video toggle leaves audio alone")
}

func TestTogglesAreNoopsWhenIdle(t *testing.T) {
	f := newSessionFixture(t, time.Hour)

	f.session.SetMuted(true)
	require.False(t, f.session.Muted())
	f.session.SetVideoEnabled(true)
	require.False(t, f.session.VideoEnabled())
}
