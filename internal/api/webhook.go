package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const (
	maxWebhookBody     = 1 << 20
	defaultDedupeSize  = 4096
	defaultReportTopic = "Intelligence Report"
)

// WebhookConfig configures the LemonSqueezy order webhook.
type WebhookConfig struct {
	Secret string
	// PremiumVariants are variant IDs sold as the premium tier.
	PremiumVariants []string
	// DedupeSize bounds the set of recently accepted order IDs.
	DedupeSize int
}

type lemonSqueezyPayload struct {
	Meta struct {
		EventName  string                 `json:"event_name"`
		CustomData map[string]interface{} `json:"custom_data"`
		TestMode   bool                   `json:"test_mode"`
	} `json:"meta"`
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			OrderNumber    int    `json:"order_number"`
			UserName       string `json:"user_name"`
			UserEmail      string `json:"user_email"`
			Status         string `json:"status"`
			FirstOrderItem *struct {
				ProductID   int    `json:"product_id"`
				ProductName string `json:"product_name"`
				VariantID   int    `json:"variant_id"`
				VariantName string `json:"variant_name"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// paid reports whether the event means the order is paid for.
func (p *lemonSqueezyPayload) paid() bool {
	switch p.Meta.EventName {
	case "order_created":
		return p.Data.Attributes.Status == "paid"
	case "order_paid":
		return true
	}
	return false
}

func (p *lemonSqueezyPayload) topic() string {
	if v, ok := p.Meta.CustomData["topic"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if item := p.Data.Attributes.FirstOrderItem; item != nil && item.ProductName != "" {
		return item.ProductName
	}
	return defaultReportTopic
}

// orderDedupe remembers recently accepted order IDs so webhook redeliveries
// do not start a second run.
type orderDedupe struct {
	seen *lru.Cache[string, struct{}]
}

func newOrderDedupe(size int) (*orderDedupe, error) {
	if size <= 0 {
		size = defaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("api: order dedupe: %w", err)
	}
	return &orderDedupe{seen: seen}, nil
}

// claim returns false if id was already claimed.
func (d *orderDedupe) claim(id string) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return !found
}

func (d *orderDedupe) release(id string) {
	d.seen.Remove(id)
}

// VerifySignature reports whether sig is the hex HMAC-SHA256 of body under secret.
func VerifySignature(secret string, body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(sig))))
}

// LemonSqueezyWebhook verifies and accepts paid-order webhooks, enqueuing a
// report request per order.
func (h *Handlers) LemonSqueezyWebhook(c *gin.Context) {
	if h.webhook.Secret == "" {
		log.Error().Msg("api: webhook secret not configured, rejecting webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook processing configuration error"})
		return
	}
	sig := c.GetHeader("X-Signature")
	if sig == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing webhook signature"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reading body"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}
	if !VerifySignature(h.webhook.Secret, body, sig) {
		log.Warn().Str("client_ip", c.ClientIP()).Msg("api: invalid webhook signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	var payload lemonSqueezyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	if payload.Data.Type != "orders" || payload.Data.ID == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payload is not an order"})
		return
	}

	logger := log.With().Str("event", payload.Meta.EventName).Str("order_id", payload.Data.ID).Logger()
	if !payload.paid() {
		logger.Info().Str("status", payload.Data.Attributes.Status).Msg("api: webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	attrs := payload.Data.Attributes
	if attrs.UserEmail == "" {
		logger.Error().Msg("api: paid order has no customer email")
		h.alert(c.Request.Context(), models.AlertEvent{
			Kind:     models.AlertReportFailed,
			Severity: models.SeverityCritical,
			Title:    "Order cannot be fulfilled",
			Message:  fmt.Sprintf("Order %s was paid but carries no customer email.", payload.Data.ID),
			Fields:   map[string]string{"order_id": payload.Data.ID},
		})
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "customer email missing"})
		return
	}

	if !h.orders.claim(payload.Data.ID) {
		logger.Info().Msg("api: duplicate order webhook ignored")
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	name := attrs.UserName
	if name == "" {
		name = attrs.UserEmail
	}
	req := &models.ReportRequest{
		Topic:     payload.topic(),
		Tier:      h.tierFor(&payload),
		Source:    models.SourceOrder,
		OrderID:   payload.Data.ID,
		Requester: models.Requester{Name: name, Email: attrs.UserEmail},
	}
	if !h.submit(c, req) {
		h.orders.release(payload.Data.ID)
		return
	}
	logger.Info().Str("request_id", req.ID).Str("tier", string(req.Tier)).Bool("test_mode", payload.Meta.TestMode).
		Msg("api: order accepted")
}

func (h *Handlers) tierFor(p *lemonSqueezyPayload) models.PlanTier {
	item := p.Data.Attributes.FirstOrderItem
	if item == nil {
		return models.TierStandard
	}
	variant := strconv.Itoa(item.VariantID)
	for _, v := range h.webhook.PremiumVariants {
		if v == variant {
			return models.TierPremium
		}
	}
	return models.TierStandard
}

func (h *Handlers) alert(ctx context.Context, ev models.AlertEvent) {
	if h.deps.Alerter == nil {
		return
	}
	ev.Timestamp = h.now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	h.deps.Alerter.Notify(ctx, ev)
}
