package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"captrade/service"

	"github.com/gin-gonic/gin"
)

// SignatureHeader carries the payment provider's webhook signature in the
// form "t=<unix ts>,v1=<hex hmac>". The HMAC-SHA256 is computed over
// "<ts>.<raw body>" with the shared webhook secret.
const SignatureHeader = "X-Payment-Signature"

// PaymentWebhookEvent is the provider's event envelope. Metadata rides either
// on the plan embedded in the payment or, for older plans, is resolved from
// the follow_plans table by plan id.
type PaymentWebhookEvent struct {
	Action string `json:"action"`
	Data   struct {
		Payment *webhookPayment `json:"payment"`
		Refund  *struct {
			ID      string          `json:"id"`
			Payment *webhookPayment `json:"payment"`
		} `json:"refund"`
	} `json:"data"`
}

type webhookPayment struct {
	ID    string `json:"id"`
	Payer struct {
		UserID string `json:"user_id"`
	} `json:"payer"`
	Plan struct {
		ID       string `json:"id"`
		Metadata struct {
			FollowPurchase  bool   `json:"followPurchase"`
			CapperUserID    string `json:"capperUserId"`
			CapperCompanyID string `json:"capperCompanyId"`
			NumPlays        int    `json:"numPlays"`
		} `json:"metadata"`
	} `json:"plan"`
}

// PaymentWebhook processes payment provider events. The endpoint is
// idempotent: the provider retries deliveries, so duplicates of any event
// must return 200 without side effects.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !verifySignature(c.GetHeader(SignatureHeader), body, h.cfg.Payments.WebhookSecret) {
		log.Printf("[Webhook] Rejected payment event: bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var event PaymentWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	switch normalizeAction(event.Action) {
	case "succeeded":
		h.handlePaymentSucceeded(c, &event)
	case "refunded":
		h.handlePaymentRefunded(c, &event)
	case "failed":
		log.Printf("[Webhook] Payment failed event received, nothing to do")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		log.Printf("[Webhook] Ignoring unhandled action %q", event.Action)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

func (h *Handler) handlePaymentSucceeded(c *gin.Context, event *PaymentWebhookEvent) {
	p := event.Data.Payment
	if p == nil || p.ID == "" || p.Payer.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payment id and payer required"})
		return
	}

	capperID := p.Plan.Metadata.CapperUserID
	companyID := p.Plan.Metadata.CapperCompanyID
	plays := p.Plan.Metadata.NumPlays

	if !p.Plan.Metadata.FollowPurchase || capperID == "" || plays <= 0 {
		// Older plans carry no metadata; resolve it by plan id
		plan, err := h.service.GetFollowPlan(c.Request.Context(), p.Plan.ID)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				log.Printf("[Webhook] Payment %s has no follow metadata and plan %s is unknown, ignoring", p.ID, p.Plan.ID)
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve plan"})
			return
		}
		capperID = plan.CapperUserID
		companyID = plan.CapperCompanyID
		plays = plan.NumPlays
	}

	purchase, err := h.service.CreateEntitlement(c.Request.Context(), p.Payer.UserID, capperID, companyID, plays, p.ID)
	if err != nil {
		h.writeError(c, err, "failed to create entitlement")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "purchase": purchase})
}

func (h *Handler) handlePaymentRefunded(c *gin.Context, event *PaymentWebhookEvent) {
	paymentID := ""
	if event.Data.Refund != nil && event.Data.Refund.Payment != nil {
		paymentID = event.Data.Refund.Payment.ID
	}
	if paymentID == "" && event.Data.Payment != nil {
		paymentID = event.Data.Payment.ID
	}
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refund payment id required"})
		return
	}

	purchase, err := h.service.Refund(c.Request.Context(), paymentID)
	if err != nil {
		// Refunds for payments we never recorded are acknowledged, not retried
		if errors.Is(err, service.ErrNotFound) {
			log.Printf("[Webhook] Refund for unknown payment %s, ignoring", paymentID)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process refund"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "processed", "purchase": purchase})
}

// verifySignature checks the "t=<ts>,v1=<hex>" header against
// HMAC-SHA256(secret, "<ts>.<body>") in constant time.
func verifySignature(header string, body []byte, secret string) bool {
	if secret == "" || header == "" {
		return false
	}

	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

// normalizeAction folds provider action aliases into a canonical verb.
func normalizeAction(action string) string {
	a := strings.ToLower(strings.TrimSpace(action))
	a = strings.TrimPrefix(a, "payment.")
	switch a {
	case "succeeded", "success", "completed", "payment_succeeded":
		return "succeeded"
	case "refunded", "refund", "payment_refunded":
		return "refunded"
	case "failed", "failure", "payment_failed":
		return "failed"
	}
	return a
}
