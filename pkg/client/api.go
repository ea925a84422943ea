package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Parley-Chat/parley/pkg/wire"
)

// API is a thin client for the server's write endpoints. It satisfies
// the call session's Signaler contract.
type API struct {
	// BaseURL is the server's HTTP origin, e.g. "http://localhost:8080".
	BaseURL string
	Token   string
	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client
}

func (a *API) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return http.DefaultClient
}

func (a *API) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// SendMessage posts a chat message and returns it as persisted.
func (a *API) SendMessage(ctx context.Context, chatID, content string) (wire.Message, error) {
	var out wire.Message
	err := a.post(ctx, "/messages", map[string]any{
		"chatId":  chatID,
		"content": content,
	}, &out)
	return out, err
}

// SetTyping publishes a typing indicator for a chat.
func (a *API) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return a.post(ctx, "/presence/typing", map[string]any{
		"chatId":   chatID,
		"isTyping": typing,
	}, nil)
}

// SetOnline broadcasts the caller's online status to all their chats.
func (a *API) SetOnline(ctx context.Context, online bool) error {
	return a.post(ctx, "/presence/online", map[string]any{
		"isOnline": online,
	}, nil)
}

// InitiateResponse is the server's answer to a call initiation.
type InitiateResponse struct {
	CallID      string    `json:"callId"`
	InitiatedAt time.Time `json:"initiatedAt"`
	STUNServers []string  `json:"stunServers"`
}

// Initiate registers a new call and rings the recipient.
func (a *API) Initiate(ctx context.Context, recipientID string, callType wire.CallType) (string, error) {
	var out InitiateResponse
	err := a.post(ctx, "/calls/initiate", map[string]any{
		"recipientId": recipientID,
		"callType":    callType,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.CallID, nil
}

// Signal relays one call signal to its target user.
func (a *API) Signal(ctx context.Context, toUserID string, sig wire.CallSignal) error {
	return a.post(ctx, "/calls/signal", map[string]any{
		"callId":     sig.CallID,
		"toUserId":   toUserID,
		"signalType": sig.SignalType,
		"data":       sig.Data,
	}, nil)
}

// Answer confirms the call as answered.
func (a *API) Answer(ctx context.Context, callID string) error {
	return a.post(ctx, "/calls/"+callID+"/answer", struct{}{}, nil)
}

// Reject declines a ringing call; the server notifies the caller.
func (a *API) Reject(ctx context.Context, callID string) error {
	return a.post(ctx, "/calls/"+callID+"/reject", struct{}{}, nil)
}

// End hangs up; the server notifies the other party.
func (a *API) End(ctx context.Context, callID string) error {
	return a.post(ctx, "/calls/"+callID+"/end", struct{}{}, nil)
}
