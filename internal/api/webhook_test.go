package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const paidOrder = `{
	"meta": {"event_name": "order_created", "custom_data": {"topic": "EU battery market"}},
	"data": {
		"type": "orders",
		"id": "1001",
		"attributes": {
			"order_number": 7,
			"user_name": "Dana",
			"user_email": "dana@example.com",
			"status": "paid",
			"first_order_item": {"product_id": 5, "product_name": "Market Brief", "variant_id": 42, "variant_name": "Deep"}
		}
	}
}`

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	assert.True(t, VerifySignature(testSecret, body, sign(body)))
	assert.False(t, VerifySignature(testSecret, body, sign([]byte(`{"a":2}`))))
	assert.False(t, VerifySignature("other", body, sign(body)))
}

func TestWebhook_AcceptsPaidOrder(t *testing.T) {
	hs := newHarness(t)
	body := []byte(paidOrder)

	w := hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)})
	require.Equal(t, http.StatusAccepted, w.Code)

	reqs := hs.queue.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "EU battery market", req.Topic)
	assert.Equal(t, models.TierPremium, req.Tier)
	assert.Equal(t, models.SourceOrder, req.Source)
	assert.Equal(t, "1001", req.OrderID)
	assert.Equal(t, models.Requester{Name: "Dana", Email: "dana@example.com"}, req.Requester)
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	hs := newHarness(t)
	body := []byte(paidOrder)

	assert.Equal(t, http.StatusUnauthorized, hs.do(http.MethodPost, "/webhook", body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign([]byte("x"))}).Code)
	assert.Empty(t, hs.queue.requests())
}

func TestWebhook_IgnoresUnpaidEvents(t *testing.T) {
	hs := newHarness(t)
	body := []byte(`{"meta":{"event_name":"order_created"},"data":{"type":"orders","id":"9","attributes":{"status":"pending","user_email":"a@b.c"}}}`)

	w := hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])
	assert.Empty(t, hs.queue.requests())
}

func TestWebhook_OrderPaidUsesProductAndStandardTier(t *testing.T) {
	hs := newHarness(t)
	body := []byte(`{"meta":{"event_name":"order_paid"},"data":{"type":"orders","id":"77","attributes":{"status":"paid","user_email":"x@example.com","first_order_item":{"product_name":"Weekly Brief","variant_id":1}}}}`)

	w := hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)})
	require.Equal(t, http.StatusAccepted, w.Code)
	req := hs.queue.requests()[0]
	assert.Equal(t, "Weekly Brief", req.Topic)
	assert.Equal(t, models.TierStandard, req.Tier)
	assert.Equal(t, "x@example.com", req.Requester.Name)
}

func TestWebhook_DuplicateDeliveryIgnored(t *testing.T) {
	hs := newHarness(t)
	body := []byte(paidOrder)
	headers := map[string]string{"X-Signature": sign(body)}

	require.Equal(t, http.StatusAccepted, hs.do(http.MethodPost, "/webhook", body, headers).Code)
	w := hs.do(http.MethodPost, "/webhook", body, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", decode(t, w)["status"])
	assert.Len(t, hs.queue.requests(), 1)
}

func TestWebhook_OverloadAllowsRedelivery(t *testing.T) {
	hs := newHarness(t)
	body := []byte(paidOrder)
	headers := map[string]string{"X-Signature": sign(body)}

	hs.queue.err = scheduler.ErrSchedulerOverload
	require.Equal(t, http.StatusTooManyRequests, hs.do(http.MethodPost, "/webhook", body, headers).Code)

	hs.queue.err = nil
	assert.Equal(t, http.StatusAccepted, hs.do(http.MethodPost, "/webhook", body, headers).Code)
	assert.Len(t, hs.queue.requests(), 1)
}

func TestWebhook_MissingEmailAlerts(t *testing.T) {
	hs := newHarness(t)
	body := []byte(`{"meta":{"event_name":"order_paid"},"data":{"type":"orders","id":"5","attributes":{"status":"paid"}}}`)

	w := hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Len(t, hs.alerts.events, 1)
	assert.Equal(t, models.SeverityCritical, hs.alerts.events[0].Severity)
	assert.Empty(t, hs.queue.requests())
}

func TestWebhook_RejectsNonOrderPayload(t *testing.T) {
	hs := newHarness(t)

	body := []byte(`not json`)
	assert.Equal(t, http.StatusBadRequest,
		hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)}).Code)

	body = []byte(`{"meta":{"event_name":"order_paid"},"data":{"type":"subscriptions","id":"1"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity,
		hs.do(http.MethodPost, "/webhook", body, map[string]string{"X-Signature": sign(body)}).Code)
}
