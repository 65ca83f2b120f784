package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushClient delivers payloads to a push gateway that relays them to APN or
// GCM, keyed by the client's registration id.
type PushClient struct {
	url      string
	username string
	password string
	client   *http.Client
}

// NewPushClient creates a client for the given gateway endpoint. Credentials
// are optional.
func NewPushClient(url, username, password string) *PushClient {
	return &PushClient{
		url:      url,
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Push implements the Pusher interface.
func (p *PushClient) Push(service, registrationID string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"service":         service,
		"registration_id": registrationID,
		"message":         payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned status %d", resp.StatusCode)
	}
	return nil
}
