package controllers

import (
	"encoding/base64"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"flowpay/payment/order"
	"flowpay/payment/qrcode"
)

// CreateCharge registers a charge with the payment provider and persists the
// order in CREATED. The settlement pipeline picks it up once the provider
// confirms payment.
func (a *API) CreateCharge(c *gin.Context) {
	var req struct {
		Amount      int64  `json:"amount"` // in cents
		Currency    string `json:"currency"`
		CustomerRef string `json:"customer_ref"`
	}
	if err := c.BindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.Currency == "" {
		req.Currency = "BRL"
	}

	chargeID := uuid.New().String()

	created, err := a.Provider.CreateCharge(c.Request.Context(), chargeID, req.Amount, "flowpay order")
	if err != nil {
		log.Println("charge: provider creation failed:", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to create charge"})
		return
	}

	o, err := a.Orders.Create(c.Request.Context(), chargeID, req.Amount, req.Currency, req.CustomerRef, created.BRCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create order"})
		return
	}

	var qrB64 string
	if png, err := qrcode.GeneratePixQRCode(created.BRCode); err == nil {
		qrB64 = base64.StdEncoding.EncodeToString(png)
	} else {
		log.Println("charge: QR code generation failed:", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"charge_id": chargeID,
		"status":    o.Status,
		"br_code":   created.BRCode,
		"qr_code":   qrB64,
	})
}

func (a *API) GetCharge(c *gin.Context) {
	o, err := a.Orders.Get(c.Request.Context(), c.Param("charge_id"))
	if errors.Is(err, order.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"charge_id":     o.ChargeID,
		"status":        o.Status,
		"bridge_status": o.BridgeStatus,
		"amount":        o.Amount,
		"currency":      o.Currency,
		"batch_id":      o.BatchID,
		"tx_hash":       o.TxHash,
		"paid_at":       o.PaidAt,
		"settled_at":    o.SettledAt,
	})
}
