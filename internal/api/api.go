// Package api implements the authenticated write endpoints. Every
// handler follows the same dual delivery path: persist, publish on the
// bus, then dispatch directly so local subscribers see the event
// without waiting on bus workers. Clients deduplicate by ID.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	validator "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/errors"
	"github.com/Parley-Chat/parley/internal/limiter"
	"github.com/Parley-Chat/parley/internal/logger"
	"github.com/Parley-Chat/parley/internal/realtime"
)

var validate = validator.New()

// Handlers carries the collaborators every write endpoint needs.
type Handlers struct {
	cfg        *config.Config
	store      domain.Store
	bus        domain.Bus
	dispatcher *realtime.Dispatcher
	limiter    *limiter.SendLimiter
	authn      *auth.Authenticator
	log        *zap.Logger

	ringTimers sync.Map // callID -> *time.Timer
}

// NewHandlers wires the write endpoints.
func NewHandlers(cfg *config.Config, store domain.Store, b domain.Bus, d *realtime.Dispatcher, sl *limiter.SendLimiter, authn *auth.Authenticator) *Handlers {
	return &Handlers{
		cfg:        cfg,
		store:      store,
		bus:        b,
		dispatcher: d,
		limiter:    sl,
		authn:      authn,
		log:        logger.New("api"),
	}
}

// Router returns the write-endpoint mux, with authentication applied to
// every route.
func (h *Handlers) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /messages", h.HandleSendMessage)
	mux.HandleFunc("POST /presence/typing", h.HandleTyping)
	mux.HandleFunc("POST /presence/online", h.HandleOnline)

	mux.HandleFunc("POST /calls/initiate", h.HandleInitiateCall)
	mux.HandleFunc("POST /calls/signal", h.HandleCallSignal)
	mux.HandleFunc("POST /calls/{id}/answer", h.HandleAnswerCall)
	mux.HandleFunc("POST /calls/{id}/reject", h.HandleRejectCall)
	mux.HandleFunc("POST /calls/{id}/end", h.HandleEndCall)

	return errors.Recovery(h.authn.Middleware(mux))
}

// decodeJSON reads and validates a request body.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.InvalidRequestError("malformed JSON body: " + err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		return errors.InvalidRequestError(err.Error())
	}
	return nil
}

// writeJSON sends a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requireParticipant resolves the caller and confirms chat membership.
func (h *Handlers) requireParticipant(r *http.Request, chatID string) (string, error) {
	userID := auth.UserFromContext(r.Context())

	isMember, err := h.store.IsParticipant(r.Context(), chatID, userID)
	if err != nil {
		return "", errors.StorageError("participant check", err)
	}
	if !isMember {
		return "", errors.NotParticipantError(chatID, userID)
	}
	return userID, nil
}

// publish runs the bus half of dual delivery. A full bus is logged, not
// surfaced: the direct dispatch already reached local subscribers.
func (h *Handlers) publish(r *http.Request, topic string, event any) {
	if err := h.bus.Publish(r.Context(), topic, event); err != nil {
		h.log.Warn("Bus publish failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (h *Handlers) now() time.Time { return time.Now().UTC() }
