// Push transport over the FCM v1 HTTP API, authenticated via
// golang.org/x/oauth2/google service-account credentials. Sends to every
// token on the event; succeeds if at least one token accepts, fails only
// if every token fails.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

const fcmV1URLTemplate = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

type PushConfig struct {
	ProjectID          string
	ServiceAccountJSON string
}

type PushAdapter struct {
	projectID   string
	httpClient  *http.Client
	credentials *google.Credentials
}

func NewPushAdapter(ctx context.Context, cfg PushConfig) (*PushAdapter, error) {
	creds, err := google.CredentialsFromJSON(ctx, []byte(cfg.ServiceAccountJSON),
		"https://www.googleapis.com/auth/firebase.messaging")
	if err != nil {
		return nil, fmt.Errorf("failed to load fcm credentials: %w", err)
	}

	return &PushAdapter{
		projectID:   cfg.ProjectID,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		credentials: creds,
	}, nil
}

type fcmV1Message struct {
	Message fcmV1MessagePayload `json:"message"`
}

type fcmV1MessagePayload struct {
	Token        string             `json:"token"`
	Notification *fcmV1Notification `json:"notification,omitempty"`
	Data         map[string]string  `json:"data,omitempty"`
	Android      *fcmV1Android      `json:"android,omitempty"`
}

type fcmV1Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmV1Android struct {
	Priority string `json:"priority,omitempty"`
}

type fcmV1Response struct {
	Name  string `json:"name"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *PushAdapter) Send(ctx context.Context, msg pipeline.RenderedMessage) (map[string]any, error) {
	if len(msg.UserPushTokens) == 0 {
		return nil, pipeline.NewTerminalError("transport.push", fmt.Errorf("no push tokens"))
	}

	priority := "normal"
	if msg.Priority == pipeline.PriorityHigh || msg.Priority == pipeline.PriorityUrgent {
		priority = "high"
	}

	succeeded := 0
	var lastErr error
	messageIDs := make([]string, 0, len(msg.UserPushTokens))

	for _, token := range msg.UserPushTokens {
		id, err := a.sendOne(ctx, token, msg.Subject, msg.Body, priority)
		if err != nil {
			lastErr = err
			continue
		}
		succeeded++
		messageIDs = append(messageIDs, id)
	}

	if succeeded == 0 {
		// A full miss is usually an FCM outage or expired credentials, both
		// of which clear on their own; broker redelivery retries it.
		return nil, pipeline.NewTransientError("transport.push.send", fmt.Errorf("all %d tokens failed, last error: %w", len(msg.UserPushTokens), lastErr))
	}

	return map[string]any{"devices_sent": succeeded, "devices_total": len(msg.UserPushTokens), "message_ids": messageIDs}, nil
}

func (a *PushAdapter) sendOne(ctx context.Context, token, title, body, priority string) (string, error) {
	accessToken, err := a.credentials.TokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}

	fcmMsg := fcmV1Message{Message: fcmV1MessagePayload{
		Token:        token,
		Notification: &fcmV1Notification{Title: title, Body: body},
		Android:      &fcmV1Android{Priority: priority},
	}}

	payload, err := json.Marshal(fcmMsg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fcm message: %w", err)
	}

	url := fmt.Sprintf(fcmV1URLTemplate, a.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build fcm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fcm request failed: %w", err)
	}
	defer resp.Body.Close()

	body2, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read fcm response: %w", err)
	}

	var fcmResp fcmV1Response
	if err := json.Unmarshal(body2, &fcmResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal fcm response: %w", err)
	}
	if fcmResp.Error != nil {
		return "", fmt.Errorf("fcm error: %s", fcmResp.Error.Message)
	}

	return fcmResp.Name, nil
}
