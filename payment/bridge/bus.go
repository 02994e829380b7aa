// Downstream event-bus collaborator. Payment events are posted as signed
// JSON; consumers validate the HMAC the same way our own webhook does.

package bridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"
)

// Bus delivers one event to the downstream consumer and reports the HTTP
// status code, or an error for transport failures.
type Bus interface {
	Notify(ctx context.Context, event string, payload map[string]interface{}) (int, error)
}

type HTTPBus struct {
	Endpoint string
	Secret   string
	HTTP     *http.Client
}

func NewHTTPBus(endpoint, secret string) *HTTPBus {
	return &HTTPBus{
		Endpoint: endpoint,
		Secret:   secret,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *HTTPBus) Notify(ctx context.Context, event string, payload map[string]interface{}) (int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	mac := hmac.New(sha256.New, []byte(b.Secret))
	mac.Write(body)
	req.Header.Set("X-Nexus-Signature", hex.EncodeToString(mac.Sum(nil)))

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
