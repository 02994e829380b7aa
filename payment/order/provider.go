// Client for the PIX payment provider API. The reconciliation poller uses
// GetCharge to re-check orders the webhook may have missed; the charge
// endpoint uses CreateCharge.

package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// paid-class provider statuses
var providerPaidStatuses = map[string]bool{
	"COMPLETED": true,
	"PAID":      true,
	"CONFIRMED": true,
	"RECEIVED":  true,
}

type ProviderCharge struct {
	Status     string
	PaidAt     time.Time
	Value      int64
	Identifier string
}

func (c *ProviderCharge) Paid() bool {
	return providerPaidStatuses[strings.ToUpper(c.Status)]
}

// Provider is the narrow interface the poller needs from the payment
// provider. Network failures must be returned, never panic: the scheduler
// loop counts them and moves on.
type Provider interface {
	GetCharge(ctx context.Context, chargeID string) (*ProviderCharge, error)
}

type ProviderClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewProviderClient(baseURL, apiKey string) *ProviderClient {
	return &ProviderClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ProviderClient) GetCharge(ctx context.Context, chargeID string) (*ProviderCharge, error) {
	endpoint := fmt.Sprintf("%s/api/v1/charge/%s", c.BaseURL, url.PathEscape(chargeID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned %s for charge %s", resp.Status, chargeID)
	}

	var body struct {
		Charge struct {
			Status     string `json:"status"`
			PaidAt     string `json:"paidAt"`
			Value      int64  `json:"value"`
			Identifier string `json:"identifier"`
		} `json:"charge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	charge := &ProviderCharge{
		Status:     strings.ToUpper(body.Charge.Status),
		Value:      body.Charge.Value,
		Identifier: body.Charge.Identifier,
	}
	if body.Charge.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, body.Charge.PaidAt); err == nil {
			charge.PaidAt = t
		}
	}
	return charge, nil
}

type CreatedCharge struct {
	BRCode     string
	Identifier string
}

// CreateCharge registers a charge with the provider and returns the
// copy-paste payment code.
func (c *ProviderClient) CreateCharge(ctx context.Context, chargeID string, value int64, comment string) (*CreatedCharge, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"correlationID": chargeID,
		"value":         value,
		"comment":       comment,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/charge", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("provider charge creation returned %s", resp.Status)
	}

	var body struct {
		Charge struct {
			BRCode     string `json:"brCode"`
			Identifier string `json:"identifier"`
		} `json:"charge"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &CreatedCharge{BRCode: body.Charge.BRCode, Identifier: body.Charge.Identifier}, nil
}
