package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/pkg/wire"
)

type initiateCallRequest struct {
	RecipientID string        `json:"recipientId" validate:"required,uuid4"`
	CallType    wire.CallType `json:"callType" validate:"required,oneof=voice video"`
}

// HandleInitiateCall serves POST /calls/initiate: record the call, ring
// the recipient, and arm the ring timeout that turns an unanswered call
// into a missed one.
func (h *Handlers) HandleInitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	callerID := auth.UserFromContext(r.Context())
	if callerID == req.RecipientID {
		errors.HandleHTTP(w, r, errors.InvalidRequestError("cannot call yourself"))
		return
	}

	callID, initiatedAt, err := h.store.CreateCall(r.Context(), callerID, req.RecipientID, string(req.CallType))
	if err != nil {
		errors.HandleHTTP(w, r, errors.StorageError("create call", err))
		return
	}

	// Ring announcement: an offer signal carrying only the call type.
	// The SDP follows over /calls/signal once the caller's peer
	// connection produces it.
	ring := domain.CallSignalEvent{
		ToUserID: req.RecipientID,
		Signal: wire.CallSignal{
			CallID:     callID,
			FromUserID: callerID,
			SignalType: wire.SignalOffer,
			Data:       wire.MustData(wire.OfferPayload{CallType: req.CallType}),
		},
	}
	delivered := h.dispatcher.DispatchCallSignal(ring)
	h.publish(r, domain.TopicCallSignal, ring)

	h.armRingTimeout(callID, callerID)

	h.log.Info("Call initiated",
		zap.String("call_id", callID),
		zap.String("caller_id", callerID),
		zap.String("recipient_id", req.RecipientID),
		zap.String("call_type", string(req.CallType)),
		zap.Bool("recipient_online", delivered))

	writeJSON(w, http.StatusCreated, map[string]any{
		"callId":      callID,
		"initiatedAt": initiatedAt,
		"stunServers": h.cfg.Calls.STUNServers,
	})
}

// armRingTimeout marks the call missed if nobody answers within the
// configured window, and tells the caller to stop ringing.
func (h *Handlers) armRingTimeout(callID, callerID string) {
	timer := time.AfterFunc(h.cfg.Calls.RingTimeout, func() {
		h.ringTimers.Delete(callID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		caller, recipient, ok, err := h.store.FinishCall(ctx, callID, callerID, domain.CallStatusMissed)
		if err != nil {
			h.log.Error("Failed to mark call missed",
				zap.String("call_id", callID),
				zap.Error(err))
			return
		}
		if !ok {
			return // answered or finished in the meantime
		}

		h.log.Info("Call missed",
			zap.String("call_id", callID),
			zap.String("caller_id", caller))

		for _, target := range []string{caller, recipient} {
			ended := domain.CallSignalEvent{
				ToUserID: target,
				Signal: wire.CallSignal{
					CallID:     callID,
					SignalType: wire.SignalCallEnded,
					Data:       wire.MustData(wire.EndPayload{Reason: wire.ReasonEnded}),
				},
			}
			h.dispatcher.DispatchCallSignal(ended)
			if err := h.bus.Publish(ctx, domain.TopicCallSignal, ended); err != nil {
				h.log.Warn("Bus publish failed", zap.String("topic", domain.TopicCallSignal), zap.Error(err))
			}
		}
	})
	h.ringTimers.Store(callID, timer)
}

// disarmRingTimeout cancels the missed-call timer once a call leaves
// the ringing state.
func (h *Handlers) disarmRingTimeout(callID string) {
	if t, ok := h.ringTimers.LoadAndDelete(callID); ok {
		t.(*time.Timer).Stop()
	}
}

type callSignalRequest struct {
	CallID     string          `json:"callId" validate:"required,uuid4"`
	ToUserID   string          `json:"toUserId" validate:"required,uuid4"`
	SignalType wire.SignalType `json:"signalType" validate:"required,oneof=offer answer ice-candidate call-ended"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// HandleCallSignal serves POST /calls/signal: relay one signaling unit
// (SDP offer/answer, ICE candidate, teardown notice) to the target
// user's slot. The server never inspects SDP; it only routes.
func (h *Handlers) HandleCallSignal(w http.ResponseWriter, r *http.Request) {
	var req callSignalRequest
	if err := decodeJSON(r, &req); err != nil {
		errors.HandleHTTP(w, r, err)
		return
	}

	fromUserID := auth.UserFromContext(r.Context())

	event := domain.CallSignalEvent{
		ToUserID: req.ToUserID,
		Signal: wire.CallSignal{
			CallID:     req.CallID,
			FromUserID: fromUserID,
			SignalType: req.SignalType,
			Data:       []byte(req.Data),
		},
	}
	delivered := h.dispatcher.DispatchCallSignal(event)
	h.publish(r, domain.TopicCallSignal, event)

	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

// HandleAnswerCall serves POST /calls/{id}/answer. Only the recipient
// of a still-ringing call may answer.
func (h *Handlers) HandleAnswerCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	userID := auth.UserFromContext(r.Context())

	if err := h.store.AnswerCall(r.Context(), callID, userID); err != nil {
		errors.HandleHTTP(w, r, errors.CallNotFoundError(callID))
		return
	}

	h.disarmRingTimeout(callID)

	h.log.Info("Call answered",
		zap.String("call_id", callID),
		zap.String("recipient_id", userID))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleRejectCall serves POST /calls/{id}/reject: terminal reject by
// the recipient, with a call-ended notice relayed to the caller.
func (h *Handlers) HandleRejectCall(w http.ResponseWriter, r *http.Request) {
	h.finishCall(w, r, domain.CallStatusRejected, wire.ReasonRejected)
}

// HandleEndCall serves POST /calls/{id}/end: either party hangs up an
// active or ringing call.
func (h *Handlers) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	h.finishCall(w, r, domain.CallStatusEnded, wire.ReasonEnded)
}

func (h *Handlers) finishCall(w http.ResponseWriter, r *http.Request, status, reason string) {
	callID := r.PathValue("id")
	userID := auth.UserFromContext(r.Context())

	callerID, recipientID, ok, err := h.store.FinishCall(r.Context(), callID, userID, status)
	if err != nil {
		errors.HandleHTTP(w, r, errors.StorageError("finish call", err))
		return
	}
	if !ok {
		errors.HandleHTTP(w, r, errors.CallNotFoundError(callID))
		return
	}

	h.disarmRingTimeout(callID)

	// Signal the other party. The one who hung up already knows.
	other := callerID
	if userID == callerID {
		other = recipientID
	}
	ended := domain.CallSignalEvent{
		ToUserID: other,
		Signal: wire.CallSignal{
			CallID:     callID,
			FromUserID: userID,
			SignalType: wire.SignalCallEnded,
			Data:       wire.MustData(wire.EndPayload{Reason: reason}),
		},
	}
	h.dispatcher.DispatchCallSignal(ended)
	h.publish(r, domain.TopicCallSignal, ended)

	h.log.Info("Call finished",
		zap.String("call_id", callID),
		zap.String("status", status),
		zap.String("by_user_id", userID))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
