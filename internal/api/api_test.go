package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Parley-Chat/parley/internal/auth"
	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/domain"
	"github.com/Parley-Chat/parley/internal/limiter"
	"github.com/Parley-Chat/parley/internal/realtime"
	"github.com/Parley-Chat/parley/pkg/wire"
)

const (
	chatID  = "3f2a8f0e-5c1a-4f6e-9b2d-8a7c6d5e4f3a"
	aliceID = "11111111-1111-4111-8111-111111111111"
	bobID   = "22222222-2222-4222-8222-222222222222"
	eveID   = "99999999-9999-4999-8999-999999999999"
)

// syncBus delivers published events to subscribers inline and records
// every publish for assertions.
type syncBus struct {
	mu        sync.Mutex
	handlers  map[string][]func(ctx context.Context, payload []byte) error
	published map[string][][]byte
}

func newSyncBus() *syncBus {
	return &syncBus{
		handlers:  make(map[string][]func(ctx context.Context, payload []byte) error),
		published: make(map[string][][]byte),
	}
}

func (b *syncBus) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published[topic] = append(b.published[topic], payload)
	handlers := b.handlers[topic]
	b.mu.Unlock()
	for _, h := range handlers {
		_ = h(ctx, payload)
	}
	return nil
}

func (b *syncBus) Subscribe(topic string, handler func(ctx context.Context, payload []byte) error) {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
}

func (b *syncBus) publishedOn(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

type fakeCall struct {
	callerID    string
	recipientID string
	status      string
}

// fakeStore is an in-memory domain.Store.
type fakeStore struct {
	mu            sync.Mutex
	participants  map[string][]string // chatID -> user IDs
	messages      []*domain.MessageRecord
	notifications map[string][]*domain.NotificationRecord
	calls         map[string]*fakeCall
	nextCallID    string
	appendErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		participants:  map[string][]string{chatID: {aliceID, bobID}},
		notifications: make(map[string][]*domain.NotificationRecord),
		calls:         make(map[string]*fakeCall),
	}
}

func (s *fakeStore) IsParticipant(_ context.Context, chat, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.participants[chat] {
		if p == user {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) Participants(_ context.Context, chat string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants[chat]...), nil
}

func (s *fakeStore) UserChats(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chats []string
	for chat, users := range s.participants {
		for _, p := range users {
			if p == user {
				chats = append(chats, chat)
			}
		}
	}
	return chats, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, m *domain.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeStore) InsertNotification(_ context.Context, user string, n *domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = uuid.NewString()
	n.CreatedAt = time.Now().UTC()
	s.notifications[user] = append(s.notifications[user], n)
	return nil
}

func (s *fakeStore) CreateCall(_ context.Context, caller, recipient, _ string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextCallID
	if id == "" {
		id = uuid.NewString()
	}
	s.calls[id] = &fakeCall{callerID: caller, recipientID: recipient, status: domain.CallStatusRinging}
	return id, time.Now().UTC(), nil
}

func (s *fakeStore) AnswerCall(_ context.Context, callID, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.recipientID != recipient || c.status != domain.CallStatusRinging {
		return context.Canceled
	}
	c.status = domain.CallStatusActive
	return nil
}

func (s *fakeStore) FinishCall(_ context.Context, callID, user, status string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return "", "", false, nil
	}
	if c.status != domain.CallStatusRinging && c.status != domain.CallStatusActive {
		return "", "", false, nil
	}
	if user != c.callerID && user != c.recipientID {
		return "", "", false, nil
	}
	c.status = status
	return c.callerID, c.recipientID, true, nil
}

func (s *fakeStore) callStatus(callID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calls[callID]; ok {
		return c.status
	}
	return ""
}

type apiFixture struct {
	router http.Handler
	store  *fakeStore
	bus    *syncBus
	authn  *auth.Authenticator
}

func newAPIFixture(t *testing.T, ringTimeout time.Duration) *apiFixture {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Throttling: config.Throttling{Enabled: false},
		},
		Auth: config.AuthConfig{
			Secret:   "0123456789abcdef0123456789abcdef",
			TokenTTL: time.Hour,
		},
		Calls: config.CallsConfig{
			RingTimeout: ringTimeout,
			STUNServers: []string{"stun:stun.example.com:3478"},
		},
	}

	store := newFakeStore()
	bus := newSyncBus()
	dispatcher := realtime.NewDispatcher(bus)
	sl := limiter.New(cfg.Server.Throttling)
	authn := auth.New(cfg.Auth)

	h := NewHandlers(cfg, store, bus, dispatcher, sl, authn)
	return &apiFixture{router: h.Router(), store: store, bus: bus, authn: authn}
}

func (f *apiFixture) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.authn.IssueToken(userID))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSendMessagePersistsAndPublishes(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/messages", map[string]any{
		"chatId":  chatID,
		"content": "hello bob",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var msg wire.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	require.NotEmpty(t, msg.ID)
	require.Equal(t, chatID, msg.ChatID)
	require.Equal(t, aliceID, msg.SenderID)
	require.Equal(t, "hello bob", msg.Content)

	require.Len(t, f.store.messages, 1)
	require.Len(t, f.bus.publishedOn(domain.TopicNewMessage), 1)

	// Bob got a notification, Alice did not.
	require.Len(t, f.store.notifications[bobID], 1)
	require.Empty(t, f.store.notifications[aliceID])
	require.Len(t, f.bus.publishedOn(domain.TopicNotification), 1)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, eveID, http.MethodPost, "/messages", map[string]any{
		"chatId":  chatID,
		"content": "let me in",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, f.store.messages)
	require.Empty(t, f.bus.publishedOn(domain.TopicNewMessage))
}

func TestSendMessageRejectsMalformedBody(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/messages", map[string]any{
		"chatId": "not-a-uuid",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageRequiresAuth(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, "", http.MethodPost, "/messages", map[string]any{
		"chatId":  chatID,
		"content": "hi",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Throttling: config.Throttling{Enabled: true, MaxMessagesPerSecond: 1, BurstSize: 1},
		},
		Auth:  config.AuthConfig{Secret: "0123456789abcdef0123456789abcdef", TokenTTL: time.Hour},
		Calls: config.CallsConfig{RingTimeout: time.Hour, STUNServers: []string{"stun:s"}},
	}
	h := NewHandlers(cfg, f.store, f.bus, realtime.NewDispatcher(newSyncBus()), limiter.New(cfg.Server.Throttling), f.authn)
	router := h.Router()

	body := func() *bytes.Buffer {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(map[string]any{"chatId": chatID, "content": "spam"}))
		return &buf
	}

	req := httptest.NewRequest(http.MethodPost, "/messages", body())
	req.Header.Set("Authorization", "Bearer "+f.authn.IssueToken(aliceID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/messages", body())
	req.Header.Set("Authorization", "Bearer "+f.authn.IssueToken(aliceID))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestTypingPublishesPresence(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/presence/typing", map[string]any{
		"chatId":   chatID,
		"isTyping": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	published := f.bus.publishedOn(domain.TopicPresence)
	require.Len(t, published, 1)

	var ev domain.PresenceEvent
	require.NoError(t, json.Unmarshal(published[0], &ev))
	require.Equal(t, chatID, ev.ChatID)
	require.Equal(t, wire.PresenceTyping, ev.Presence.Kind)
	require.Equal(t, aliceID, ev.Presence.UserID)
	require.True(t, ev.Presence.IsTyping)
}

func TestOnlineFansOutToUserChats(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/presence/online", map[string]any{
		"isOnline": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body["chats"])

	require.Len(t, f.bus.publishedOn(domain.TopicPresence), 1)
}

func TestInitiateCallRingsRecipient(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID      string   `json:"callId"`
		STUNServers []string `json:"stunServers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.CallID)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, body.STUNServers)

	published := f.bus.publishedOn(domain.TopicCallSignal)
	require.Len(t, published, 1)

	var ev domain.CallSignalEvent
	require.NoError(t, json.Unmarshal(published[0], &ev))
	require.Equal(t, bobID, ev.ToUserID)
	require.Equal(t, wire.SignalOffer, ev.Signal.SignalType)
	require.Equal(t, aliceID, ev.Signal.FromUserID)

	offer, err := ev.Signal.Offer()
	require.NoError(t, err)
	require.Equal(t, wire.CallVoice, offer.CallType)
	require.Nil(t, offer.SDP, "ring announcement carries no SDP")
}

func TestInitiateCallRejectsSelfCall(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": aliceID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRingTimeoutMarksCallMissed(t *testing.T) {
	f := newAPIFixture(t, 40*time.Millisecond)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	require.Eventually(t, func() bool {
		return f.store.callStatus(body.CallID) == domain.CallStatusMissed
	}, time.Second, 10*time.Millisecond)

	// Ring announcement plus one call-ended notice per participant.
	require.Eventually(t, func() bool {
		return len(f.bus.publishedOn(domain.TopicCallSignal)) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestAnswerDisarmsRingTimeout(t *testing.T) {
	f := newAPIFixture(t, 40*time.Millisecond)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "video",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = f.do(t, bobID, http.MethodPost, "/calls/"+body.CallID+"/answer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, domain.CallStatusActive, f.store.callStatus(body.CallID))
}

func TestAnswerUnknownCall(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, bobID, http.MethodPost, "/calls/"+uuid.NewString()+"/answer", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRejectNotifiesCaller(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = f.do(t, bobID, http.MethodPost, "/calls/"+body.CallID+"/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.CallStatusRejected, f.store.callStatus(body.CallID))

	published := f.bus.publishedOn(domain.TopicCallSignal)
	require.Len(t, published, 2)

	var ev domain.CallSignalEvent
	require.NoError(t, json.Unmarshal(published[1], &ev))
	require.Equal(t, aliceID, ev.ToUserID, "caller is told the call was rejected")
	require.Equal(t, wire.SignalCallEnded, ev.Signal.SignalType)

	end, err := ev.Signal.End()
	require.NoError(t, err)
	require.Equal(t, wire.ReasonRejected, end.Reason)
}

func TestEndByCallerNotifiesRecipient(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = f.do(t, bobID, http.MethodPost, "/calls/"+body.CallID+"/answer", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, aliceID, http.MethodPost, "/calls/"+body.CallID+"/end", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.CallStatusEnded, f.store.callStatus(body.CallID))

	published := f.bus.publishedOn(domain.TopicCallSignal)
	require.Len(t, published, 2)

	var ev domain.CallSignalEvent
	require.NoError(t, json.Unmarshal(published[1], &ev))
	require.Equal(t, bobID, ev.ToUserID, "the party who did not hang up is notified")
}

func TestEndRejectsStranger(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/initiate", map[string]any{
		"recipientId": bobID,
		"callType":    "voice",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		CallID string `json:"callId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	rec = f.do(t, eveID, http.MethodPost, "/calls/"+body.CallID+"/end", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, domain.CallStatusRinging, f.store.callStatus(body.CallID))
}

func TestCallSignalRelayReportsDelivery(t *testing.T) {
	f := newAPIFixture(t, time.Hour)

	rec := f.do(t, aliceID, http.MethodPost, "/calls/signal", map[string]any{
		"callId":     uuid.NewString(),
		"toUserId":   bobID,
		"signalType": "ice-candidate",
		"data":       map[string]any{"candidate": "candidate:1 1 udp 2122260223 192.0.2.1 54400 typ host"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body["delivered"], "no slot attached for the target user")

	require.Len(t, f.bus.publishedOn(domain.TopicCallSignal), 1)
}
