package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smallbiznis/tripline/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Provider error codes that mean the token will never work again.
const (
	ErrCodeNotRegistered       = "NotRegistered"
	ErrCodeInvalidRegistration = "InvalidRegistration"
	ErrCodeMismatchSenderID    = "MismatchSenderId"
)

func IsInvalidTokenError(code string) bool {
	switch code {
	case ErrCodeNotRegistered, ErrCodeInvalidRegistration, ErrCodeMismatchSenderID:
		return true
	}
	return false
}

var ErrTransport = errors.New("push_transport_failed")

// TokenResult is the provider outcome for one token; Error is empty on success.
type TokenResult struct {
	Token string
	Error string
}

type Transport interface {
	Send(ctx context.Context, tokens []string, msg Message) ([]TokenResult, error)
}

type FCMTransport struct {
	endpoint  string
	serverKey string
	timeout   time.Duration
	client    *http.Client
}

func NewFCMTransport(cfg config.Config) Transport {
	return newFCMTransport(cfg.Push.Endpoint, cfg.Push.ServerKey, cfg.Push.Timeout, nil)
}

func newFCMTransport(endpoint, serverKey string, timeout time.Duration, client *http.Client) *FCMTransport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &FCMTransport{
		endpoint:  endpoint,
		serverKey: serverKey,
		timeout:   timeout,
		client:    client,
	}
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type fcmRequest struct {
	To              string            `json:"to,omitempty"`
	RegistrationIDs []string          `json:"registration_ids,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	Notification    fcmNotification   `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

func sendTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (t *FCMTransport) Send(ctx context.Context, tokens []string, msg Message) ([]TokenResult, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	ctx, span := otel.Tracer("tripline/push").Start(ctx, "push.fcm.send")
	defer span.End()
	span.SetAttributes(attribute.Int("push.tokens", len(tokens)), attribute.String("event_type", msg.EventType))

	ctx, cancel := sendTimeout(ctx, t.timeout)
	defer cancel()

	req := fcmRequest{
		Priority:     msg.Priority,
		Notification: fcmNotification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}
	if len(tokens) == 1 {
		req.To = tokens[0]
	} else {
		req.RegistrationIDs = tokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "key="+t.serverKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var decoded fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}

	// results are positional; a short list means the provider dropped the rest.
	out := make([]TokenResult, len(tokens))
	for i, token := range tokens {
		out[i] = TokenResult{Token: token, Error: "Unavailable"}
		if i < len(decoded.Results) {
			out[i].Error = decoded.Results[i].Error
		}
	}
	return out, nil
}
