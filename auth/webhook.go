package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultWebhookTimeout bounds a single authorization callback.
const DefaultWebhookTimeout = 5 * time.Second

// WebhookAuthorizer delegates credential checks to an external HTTP
// endpoint. The endpoint receives a JSON POST of the credentials and
// answers with an authorization verdict; the server never sees the
// backing store.
type WebhookAuthorizer struct {
	url    string
	client *http.Client
}

// NewWebhook builds an authorizer calling the given URL. A nil client
// uses a default with DefaultWebhookTimeout.
func NewWebhook(url string, client *http.Client) *WebhookAuthorizer {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookAuthorizer{url: url, client: client}
}

type webhookRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type webhookResponse struct {
	Authorized bool   `json:"authorized"`
	UserID     string `json:"user_id"`
	Role       string `json:"role"`
}

// Authorize posts the credentials to the webhook. A reachable endpoint
// that answers anything but an explicit grant yields ErrUnauthorized;
// transport and decoding failures are returned as backend errors.
func (w *WebhookAuthorizer) Authorize(ctx context.Context, username, password string) (Identity, error) {
	body, err := json.Marshal(webhookRequest{Username: username, Password: password})
	if err != nil {
		return Identity{}, fmt.Errorf("auth: encode webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: webhook call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrUnauthorized
	default:
		return Identity{}, fmt.Errorf("auth: webhook returned status %d", resp.StatusCode)
	}

	var verdict webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return Identity{}, fmt.Errorf("auth: decode webhook response: %w", err)
	}
	if !verdict.Authorized {
		return Identity{}, ErrUnauthorized
	}

	id := Identity{UserID: verdict.UserID, Role: verdict.Role}
	if id.UserID == "" {
		id.UserID = username
	}
	if id.Role == "" {
		id.Role = "user"
	}
	return id, nil
}
