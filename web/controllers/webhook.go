// Provider webhook ingestor. The provider only ever sees 200, 401 or 403:
// internal processing errors are logged and acknowledged with 200 so the
// provider does not retry-storm us over our own bugs.

package controllers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"flowpay/payment/order"
)

type webhookCharge struct {
	CorrelationID string `json:"correlationID"`
	Value         int64  `json:"value"`
	Status        string `json:"status"`
	PaidAt        string `json:"paidAt"`
	Identifier    string `json:"identifier"`
	Customer      *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"customer"`
}

type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Charge webhookCharge `json:"charge"`
	} `json:"data"`
}

func paidEvent(event string) bool {
	return event == "charge.paid" || event == "charge.confirmed"
}

func (a *API) Webhook(c *gin.Context) {
	ip := strings.TrimPrefix(c.ClientIP(), "::ffff:")
	if len(a.Cfg.AllowedIPs) > 0 && !allowedIP(a.Cfg.AllowedIPs, ip) {
		log.Println("webhook: blocked unauthorized source IP", ip)
		c.JSON(http.StatusForbidden, gin.H{"error": "Unauthorized IP"})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		log.Println("webhook: body read failed:", err)
		c.JSON(http.StatusOK, gin.H{"error": "Internal error"})
		return
	}

	// No secret configured: treat as a provider connectivity probe so a
	// fresh deployment can be validated before the secret is provisioned.
	if a.Cfg.WebhookSecret == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	if !validSignature(raw, c.GetHeader("X-Signature"), a.Cfg.WebhookSecret) {
		log.Println("webhook: invalid HMAC signature from", ip)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		log.Println("webhook: malformed payload:", err)
		c.JSON(http.StatusOK, gin.H{"error": "Internal error"})
		return
	}

	if !paidEvent(evt.Event) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Ignored"})
		return
	}

	charge := evt.Data.Charge
	paidAt := time.Time{}
	if charge.PaidAt != "" {
		if t, err := time.Parse(time.RFC3339, charge.PaidAt); err == nil {
			paidAt = t
		}
	}

	ctx := c.Request.Context()
	applied, err := a.Orders.ApplyPaidEvent(ctx, charge.CorrelationID, paidAt)
	if errors.Is(err, order.ErrOrderNotFound) {
		log.Println("webhook: order not found for", charge.CorrelationID)
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Unknown order"})
		return
	}
	if err != nil {
		log.Println("webhook: paid transition failed:", charge.CorrelationID, err)
		c.JSON(http.StatusOK, gin.H{"error": "Internal error"})
		return
	}

	if !applied {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Already processed"})
		return
	}

	ref := customerRef(charge)
	if ref != "" {
		if err := a.Orders.FillCustomerRef(ctx, charge.CorrelationID, ref); err != nil {
			log.Println("webhook: buyer data enrichment failed:", err)
		}
	}

	a.Bridge.Enqueue(charge.CorrelationID, ref)
	if _, err := a.Batches.AssignToOpenBatch(ctx, charge.CorrelationID); err != nil {
		log.Println("webhook: batch assignment failed:", charge.CorrelationID, err)
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func allowedIP(allowlist []string, ip string) bool {
	for _, allowed := range allowlist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// validSignature checks the HMAC-SHA256 digest of the raw body against the
// header, accepting either hex or base64 encoding, in constant time.
func validSignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	digest := mac.Sum(nil)

	hexSig := []byte(hex.EncodeToString(digest))
	b64Sig := []byte(base64.StdEncoding.EncodeToString(digest))
	got := []byte(signature)

	return hmac.Equal(got, hexSig) || hmac.Equal(got, b64Sig)
}

func customerRef(charge webhookCharge) string {
	if charge.Customer == nil {
		return ""
	}
	if charge.Customer.Email != "" {
		return charge.Customer.Email
	}
	return charge.Customer.Name
}
