// Operator endpoints: review queue, settlement bookkeeping, DLQ inspection,
// and manual triggers for the reconciliation and anchor jobs.

package controllers

import (
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/bcrypt"

	"flowpay/payment/ledger"
	"flowpay/payment/order"
)

func (a *API) AdminLogin(c *gin.Context) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.BindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	adminEmail := os.Getenv("ADMIN_EMAIL")
	passwordHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if adminEmail == "" || passwordHash == "" || body.Email != adminEmail {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(body.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  body.Email,
		"role": "admin",
		"exp":  time.Now().Add(12 * time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte(os.Getenv("SECRET")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": tokenString})
}

func (a *API) PendingOrders(c *gin.Context) {
	orders, err := a.Orders.PendingReview(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (a *API) ApproveOrder(c *gin.Context) {
	a.runTransition(c, func(chargeID string) error {
		return a.Orders.Approve(c.Request.Context(), chargeID)
	})
}

// SettleOrder records the settlement transaction hash produced by the
// settlement executor, and writes an individual proof to the ledger. The
// proof write is best effort: its failure never rolls back settlement.
func (a *API) SettleOrder(c *gin.Context) {
	var body struct {
		TxHash string `json:"tx_hash"`
	}
	if err := c.BindJSON(&body); err != nil || body.TxHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tx_hash is required"})
		return
	}

	chargeID := c.Param("charge_id")
	if err := a.Orders.MarkSettled(c.Request.Context(), chargeID, body.TxHash); err != nil {
		a.transitionError(c, err)
		return
	}

	if a.Ledger != nil {
		_, err := a.Ledger.WriteProof(c.Request.Context(), ledger.ProofRequest{
			Ref:   chargeID,
			TxRef: body.TxHash,
			Metadata: map[string]interface{}{
				"type":     "settlement_proof",
				"chargeId": chargeID,
			},
		})
		if err != nil {
			log.Println("admin: settlement proof write failed:", chargeID, err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) FailSettlement(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.BindJSON(&body); err != nil || body.Reason == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	a.runTransition(c, func(chargeID string) error {
		return a.Orders.MarkSettlementFailed(c.Request.Context(), chargeID, body.Reason)
	})
}

func (a *API) RetrySettlement(c *gin.Context) {
	a.runTransition(c, func(chargeID string) error {
		return a.Orders.ResumeSettlement(c.Request.Context(), chargeID)
	})
}

func (a *API) ListDLQ(c *gin.Context) {
	entries, err := a.Store.ListDLQ(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch DLQ"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (a *API) RunReconciliation(c *gin.Context) {
	stats := a.Poller.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, stats)
}

func (a *API) AnchorBatch(c *gin.Context) {
	result, err := a.Anchor.AnchorOpenBatch(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"message": "No batch to anchor"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *API) Metrics(c *gin.Context) {
	counts, err := a.Store.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count orders"})
		return
	}

	cpuUsage, err := cpu.Percent(time.Second, false)
	if err != nil || len(cpuUsage) == 0 {
		cpuUsage = []float64{0}
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		memInfo = &mem.VirtualMemoryStat{}
	}

	c.JSON(http.StatusOK, gin.H{
		"orders":      counts,
		"cpu_percent": cpuUsage[0],
		"mem_percent": memInfo.UsedPercent,
	})
}

func (a *API) runTransition(c *gin.Context, fn func(chargeID string) error) {
	if err := fn(c.Param("charge_id")); err != nil {
		a.transitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) transitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, order.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Illegal status transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
