package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/pkg/wire"
)

// Phase is the call session lifecycle state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseOutgoingRinging Phase = "outgoing-ringing"
	PhaseIncomingRinging Phase = "incoming-ringing"
	PhaseConnecting      Phase = "connecting"
	PhaseActive          Phase = "active"
)

// Direction records which side of the call this session is.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Outcome is the terminal result of a call. Every call resolves to
// exactly one of these; the session is never left in an ambiguous state.
type Outcome string

const (
	OutcomeEnded         Outcome = "ended"
	OutcomeRejected      Outcome = "rejected"
	OutcomeMissed        Outcome = "missed"
	OutcomeBusy          Outcome = "busy"
	OutcomeFailed        Outcome = "failed"
	OutcomeFailedToStart Outcome = "failed-to-start"
)

// DefaultRingTimeout bounds how long a call may ring unanswered.
const DefaultRingTimeout = 30 * time.Second

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no call in a state that allows this transition")
	ErrNoOffer        = errors.New("no offer received for this call yet")
)

// Config wires a Session to its collaborators. Devices, Peers and
// Signaler are required; callbacks are optional and must not call back
// into the session synchronously.
type Config struct {
	Devices  MediaDevices
	Peers    PeerFactory
	Signaler Signaler

	RingTimeout     time.Duration
	QualityInterval time.Duration

	OnPhaseChange   func(Phase)
	OnEnded         func(Outcome)
	OnQualityChange func(Quality)
	OnRemoteTrack   func(RemoteTrack)
}

// Session drives one call at a time: media acquisition, offer/answer
// exchange, ICE queueing, ring timeout, quality monitoring and
// teardown. All signal handling is serialized; teardown is idempotent
// and always returns the session to the idle shape.
type Session struct {
	cfg Config
	log *zap.Logger

	mu           sync.Mutex
	phase        Phase
	starting     bool
	epoch        uint64
	callID       string
	callType     wire.CallType
	direction    Direction
	remoteUserID string
	local        MediaStream
	peer         PeerConnection
	remoteOffer  *webrtc.SessionDescription
	remoteSet    bool
	pendingICE   []webrtc.ICECandidateInit
	ringTimer    *time.Timer
	monitor      *qualityMonitor
	muted        bool
	videoEnabled bool
	lastOutcome  Outcome
}

// NewSession builds an idle session.
func NewSession(cfg Config) *Session {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = defaultQualityInterval
	}
	return &Session{
		cfg:   cfg,
		log:   logger.New("call-session"),
		phase: PhaseIdle,
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// CallID returns the active call's ID, empty when idle.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// Direction returns which side of the active call this session is.
func (s *Session) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// RemoteUserID returns the other participant's user ID.
func (s *Session) RemoteUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUserID
}

// Muted reports whether local audio is muted.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// VideoEnabled reports whether local video is being sent.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// ConnectionQuality returns the monitor's latest level.
func (s *Session) ConnectionQuality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor == nil {
		return QualityUnknown
	}
	return s.monitor.Current()
}

// LastOutcome returns how the most recent call resolved.
func (s *Session) LastOutcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOutcome
}

// Initiate starts an outgoing call: acquires local media, announces the
// call to the server, builds the peer connection and publishes the SDP
// offer. A classified *errors.MediaError aborts back to idle without any
// signal having been sent.
func (s *Session) Initiate(ctx context.Context, recipientID string, callType wire.CallType) error {
	s.mu.Lock()
	if s.phase != PhaseIdle || s.starting {
		s.mu.Unlock()
		return ErrCallInProgress
	}
	s.starting = true
	epoch := s.epoch
	s.mu.Unlock()

	media, err := s.cfg.Devices.Acquire(ctx, true, callType == wire.CallVideo)
	if err != nil {
		s.clearStarting()
		return err
	}

	callID, err := s.cfg.Signaler.Initiate(ctx, recipientID, callType)
	if err != nil {
		media.Stop()
		s.clearStarting()
		return err
	}

	peer, err := s.cfg.Peers()
	if err != nil {
		media.Stop()
		s.clearStarting()
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		media.Stop()
		_ = peer.Close()
		return ErrNoActiveCall
	}
	s.callID = callID
	s.callType = callType
	s.direction = DirectionOutgoing
	s.remoteUserID = recipientID
	s.local = media
	s.peer = peer
	s.muted = false
	s.videoEnabled = callType == wire.CallVideo
	s.wirePeerLocked(peer, callID, recipientID)
	s.attachTracksLocked(peer, media)

	offer, err := peer.CreateOffer()
	if err == nil {
		err = peer.SetLocalDescription(offer)
	}
	if err != nil {
		s.log.Error("Offer negotiation failed", zap.String("call_id", callID), zap.Error(err))
		notify := s.teardownLocked(OutcomeFailedToStart)
		s.mu.Unlock()
		notify()
		return err
	}

	s.phase = PhaseOutgoingRinging
	s.startRingTimerLocked(callID)
	s.starting = false
	s.mu.Unlock()

	s.notifyPhase(PhaseOutgoingRinging)
	s.publishSignal(ctx, recipientID, wire.CallSignal{
		CallID:     callID,
		SignalType: wire.SignalOffer,
		Data:       wire.MustData(wire.OfferPayload{CallType: callType, SDP: &offer}),
	})
	return nil
}

// HandleSignal feeds one relay signal into the state machine. Calls are
// serialized internally; signals for an unknown call are dropped except
// for offers, which either start an incoming session or get a busy
// rejection.
func (s *Session) HandleSignal(ctx context.Context, sig wire.CallSignal) {
	switch sig.SignalType {
	case wire.SignalOffer:
		s.handleOffer(ctx, sig)
	case wire.SignalAnswer:
		s.handleAnswer(sig)
	case wire.SignalICECandidate:
		s.handleCandidate(sig)
	case wire.SignalCallEnded:
		s.handleRemoteEnd(sig)
	default:
		s.log.Warn("Unknown call signal type", zap.String("signal_type", string(sig.SignalType)))
	}
}

func (s *Session) handleOffer(ctx context.Context, sig wire.CallSignal) {
	payload, err := sig.Offer()
	if err != nil {
		s.log.Warn("Malformed offer signal", zap.String("call_id", sig.CallID), zap.Error(err))
		return
	}

	s.mu.Lock()
	busy := s.phase != PhaseIdle || s.starting
	if busy && sig.CallID != s.callID {
		// Never overwrite an in-progress call: the new caller gets
		// an explicit busy rejection instead.
		s.mu.Unlock()
		s.publishSignal(ctx, sig.FromUserID, wire.CallSignal{
			CallID:     sig.CallID,
			SignalType: wire.SignalCallEnded,
			Data:       wire.MustData(wire.EndPayload{Reason: wire.ReasonBusy}),
		})
		return
	}

	if !busy {
		s.callID = sig.CallID
		s.callType = payload.CallType
		if s.callType == "" {
			s.callType = wire.CallVoice
		}
		s.direction = DirectionIncoming
		s.remoteUserID = sig.FromUserID
		s.remoteOffer = payload.SDP
		s.phase = PhaseIncomingRinging
		s.startRingTimerLocked(sig.CallID)
		s.mu.Unlock()
		s.notifyPhase(PhaseIncomingRinging)
		return
	}

	// Same call: the ring announcement arrived first, this carries the SDP.
	if payload.SDP != nil {
		s.remoteOffer = payload.SDP
		if s.peer != nil {
			s.applyRemoteDescriptionLocked(*payload.SDP)
		}
	}
	s.mu.Unlock()
}

// Answer accepts the incoming call: acquires local media matching the
// call type, builds the peer connection, applies the remote offer,
// publishes the SDP answer and confirms the answer to the server.
func (s *Session) Answer(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIncomingRinging {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	if s.remoteOffer == nil {
		s.mu.Unlock()
		return ErrNoOffer
	}
	callID := s.callID
	remote := s.remoteUserID
	callType := s.callType
	epoch := s.epoch
	s.phase = PhaseConnecting
	s.mu.Unlock()
	s.notifyPhase(PhaseConnecting)

	media, err := s.cfg.Devices.Acquire(ctx, true, callType == wire.CallVideo)
	if err != nil {
		s.abortAnswer(ctx, callID, remote)
		return err
	}
	peer, err := s.cfg.Peers()
	if err != nil {
		media.Stop()
		s.abortAnswer(ctx, callID, remote)
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch || s.callID != callID {
		s.mu.Unlock()
		media.Stop()
		_ = peer.Close()
		return ErrNoActiveCall
	}
	s.local = media
	s.peer = peer
	s.muted = false
	s.videoEnabled = callType == wire.CallVideo
	s.wirePeerLocked(peer, callID, remote)
	s.attachTracksLocked(peer, media)
	s.applyRemoteDescriptionLocked(*s.remoteOffer)

	answer, err := peer.CreateAnswer()
	if err == nil {
		err = peer.SetLocalDescription(answer)
	}
	if err != nil {
		s.log.Error("Answer negotiation failed", zap.String("call_id", callID), zap.Error(err))
		notify := s.teardownLocked(OutcomeFailed)
		s.mu.Unlock()
		notify()
		return err
	}

	s.stopRingTimerLocked()
	s.phase = PhaseActive
	s.startQualityMonitorLocked(peer)
	s.mu.Unlock()

	s.notifyPhase(PhaseActive)
	s.publishSignal(ctx, remote, wire.CallSignal{
		CallID:     callID,
		SignalType: wire.SignalAnswer,
		Data:       wire.MustData(wire.AnswerPayload{SDP: answer}),
	})
	if err := s.cfg.Signaler.Answer(ctx, callID); err != nil {
		s.log.Warn("Answer confirmation failed", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// abortAnswer tears the half-answered call down after a local failure
// and tells the caller it is over.
func (s *Session) abortAnswer(ctx context.Context, callID, remote string) {
	s.publishSignal(ctx, remote, wire.CallSignal{
		CallID:     callID,
		SignalType: wire.SignalCallEnded,
		Data:       wire.MustData(wire.EndPayload{Reason: wire.ReasonEnded}),
	})
	s.teardown(callID, OutcomeFailedToStart)
}

func (s *Session) handleAnswer(sig wire.CallSignal) {
	payload, err := sig.Answer()
	if err != nil {
		s.log.Warn("Malformed answer signal", zap.String("call_id", sig.CallID), zap.Error(err))
		return
	}

	s.mu.Lock()
	if sig.CallID != s.callID || (s.phase != PhaseOutgoingRinging && s.phase != PhaseConnecting) {
		s.mu.Unlock()
		return
	}
	if s.peer == nil {
		// Answer() releases the lock while acquiring media, so during
		// PhaseConnecting the peer may not exist yet. An answer relayed
		// to us in that window has nothing to apply to; this side
		// produces its own answer once setup completes.
		s.mu.Unlock()
		s.log.Warn("Dropping answer signal with no peer connection", zap.String("call_id", sig.CallID))
		return
	}
	if err := s.peer.SetRemoteDescription(payload.SDP); err != nil {
		s.log.Error("Applying remote answer failed", zap.String("call_id", sig.CallID), zap.Error(err))
		notify := s.teardownLocked(OutcomeFailed)
		s.mu.Unlock()
		notify()
		return
	}
	s.remoteSet = true
	s.drainCandidatesLocked()
	s.stopRingTimerLocked()
	s.phase = PhaseActive
	s.startQualityMonitorLocked(s.peer)
	s.mu.Unlock()
	s.notifyPhase(PhaseActive)
}

func (s *Session) handleCandidate(sig wire.CallSignal) {
	cand, err := sig.Candidate()
	if err != nil {
		s.log.Warn("Malformed ice-candidate signal", zap.String("call_id", sig.CallID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.CallID != s.callID {
		return
	}
	if s.peer != nil && s.remoteSet {
		if err := s.peer.AddICECandidate(cand); err != nil {
			s.log.Warn("Applying ice candidate failed", zap.String("call_id", sig.CallID), zap.Error(err))
		}
		return
	}
	// Remote description not set yet: queue in arrival order.
	s.pendingICE = append(s.pendingICE, cand)
}

func (s *Session) handleRemoteEnd(sig wire.CallSignal) {
	payload, _ := sig.End()
	outcome := OutcomeEnded
	switch payload.Reason {
	case wire.ReasonRejected:
		outcome = OutcomeRejected
	case wire.ReasonBusy:
		outcome = OutcomeBusy
	}
	s.teardown(sig.CallID, outcome)
}

// Reject declines the incoming call. The server relays the rejection
// signal to the caller.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIncomingRinging {
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	callID := s.callID
	notify := s.teardownLocked(OutcomeRejected)
	s.mu.Unlock()
	notify()

	if err := s.cfg.Signaler.Reject(ctx, callID); err != nil {
		s.log.Warn("Reject publish failed", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// End hangs up the current call. The server relays the call-ended
// signal to the other party.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseOutgoingRinging, PhaseIncomingRinging, PhaseConnecting, PhaseActive:
	default:
		s.mu.Unlock()
		return ErrNoActiveCall
	}
	callID := s.callID
	notify := s.teardownLocked(OutcomeEnded)
	s.mu.Unlock()
	notify()

	if err := s.cfg.Signaler.End(ctx, callID); err != nil {
		s.log.Warn("Hangup publish failed", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// SetMuted toggles local audio without renegotiation. Idempotent.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		if t.Kind() == TrackAudio {
			t.SetEnabled(!muted)
		}
	}
	s.muted = muted
}

// SetVideoEnabled toggles local video without renegotiation. Idempotent.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return
	}
	for _, t := range s.local.Tracks() {
		if t.Kind() == TrackVideo {
			t.SetEnabled(enabled)
		}
	}
	s.videoEnabled = enabled
}

/* ------------------------------------------------------------------ *
|  Internals                                                          |
* -------------------------------------------------------------------*/

func (s *Session) clearStarting() {
	s.mu.Lock()
	s.starting = false
	s.mu.Unlock()
}

// wirePeerLocked installs the peer callbacks for this call. Callbacks
// fire on transport goroutines, so they re-enter through the public
// teardown path rather than touching state directly.
func (s *Session) wirePeerLocked(peer PeerConnection, callID, remote string) {
	peer.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.publishSignal(ctx, remote, wire.CallSignal{
			CallID:     callID,
			SignalType: wire.SignalICECandidate,
			Data:       wire.MustData(cand),
		})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			// The remote side detects its own failure; no signal is sent.
			s.teardown(callID, OutcomeFailed)
		}
	})
	peer.OnRemoteTrack(func(track RemoteTrack) {
		if s.cfg.OnRemoteTrack != nil {
			s.cfg.OnRemoteTrack(track)
		}
	})
}

func (s *Session) attachTracksLocked(peer PeerConnection, media MediaStream) {
	for _, t := range media.Tracks() {
		if err := peer.AddTrack(t); err != nil {
			s.log.Warn("Attaching local track failed",
				zap.String("kind", string(t.Kind())),
				zap.Error(err))
		}
	}
}

// applyRemoteDescriptionLocked sets the remote description and drains
// the pending ICE queue in arrival order.
func (s *Session) applyRemoteDescriptionLocked(desc webrtc.SessionDescription) {
	if s.remoteSet {
		return
	}
	if err := s.peer.SetRemoteDescription(desc); err != nil {
		s.log.Error("Applying remote description failed", zap.String("call_id", s.callID), zap.Error(err))
		return
	}
	s.remoteSet = true
	s.drainCandidatesLocked()
}

func (s *Session) drainCandidatesLocked() {
	for _, cand := range s.pendingICE {
		if err := s.peer.AddICECandidate(cand); err != nil {
			s.log.Warn("Applying queued ice candidate failed", zap.String("call_id", s.callID), zap.Error(err))
		}
	}
	s.pendingICE = nil
}

func (s *Session) startRingTimerLocked(callID string) {
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.onRingTimeout(callID)
	})
}

func (s *Session) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *Session) onRingTimeout(callID string) {
	s.mu.Lock()
	if s.callID != callID {
		s.mu.Unlock()
		return
	}
	switch s.phase {
	case PhaseOutgoingRinging, PhaseIncomingRinging, PhaseConnecting:
	default:
		s.mu.Unlock()
		return
	}
	s.log.Info("Call timed out unanswered", zap.String("call_id", callID))
	notify := s.teardownLocked(OutcomeMissed)
	s.mu.Unlock()
	notify()
}

func (s *Session) startQualityMonitorLocked(peer PeerConnection) {
	reader, ok := peer.(StatsReader)
	if !ok {
		return
	}
	s.monitor = newQualityMonitor(reader, s.cfg.QualityInterval, s.cfg.OnQualityChange)
	s.monitor.Start()
}

// teardown ends the identified call if it is still current. Safe to call
// from any trigger path; later calls for the same ID are no-ops.
func (s *Session) teardown(callID string, outcome Outcome) {
	s.mu.Lock()
	if s.callID != callID || callID == "" {
		s.mu.Unlock()
		return
	}
	notify := s.teardownLocked(outcome)
	s.mu.Unlock()
	notify()
}

// teardownLocked releases every per-call resource exactly once and
// resets the session to the idle shape. Returns the callback batch to
// run after the lock is released.
func (s *Session) teardownLocked(outcome Outcome) func() {
	s.stopRingTimerLocked()
	if s.monitor != nil {
		s.monitor.Stop()
		s.monitor = nil
	}
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	if s.peer != nil {
		_ = s.peer.Close()
		s.peer = nil
	}
	s.pendingICE = nil
	s.remoteOffer = nil
	s.remoteSet = false
	s.callID = ""
	s.callType = ""
	s.direction = ""
	s.remoteUserID = ""
	s.muted = false
	s.videoEnabled = false
	s.starting = false
	s.phase = PhaseIdle
	s.lastOutcome = outcome
	s.epoch++

	onEnded := s.cfg.OnEnded
	onPhase := s.cfg.OnPhaseChange
	return func() {
		if onEnded != nil {
			onEnded(outcome)
		}
		if onPhase != nil {
			onPhase(PhaseIdle)
		}
	}
}

func (s *Session) notifyPhase(p Phase) {
	if s.cfg.OnPhaseChange != nil {
		s.cfg.OnPhaseChange(p)
	}
}

func (s *Session) publishSignal(ctx context.Context, toUserID string, sig wire.CallSignal) {
	if err := s.cfg.Signaler.Signal(ctx, toUserID, sig); err != nil {
		// Latency-sensitive: a stale retried signal is worse than a
		// dropped one, so log and move on.
		s.log.Warn("Call signal publish failed",
			zap.String("call_id", sig.CallID),
			zap.String("signal_type", string(sig.SignalType)),
			zap.Error(err))
	}
}
