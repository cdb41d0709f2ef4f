package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const validPayload = `{
	"id": "evt_1",
	"type": "checkout.session.completed",
	"livemode": false,
	"data": {"object": {
		"id": "cs_1",
		"amount_total": 900,
		"currency": "usd",
		"metadata": {"order_number": "ord-1", "user_id": "7", "original_amount": "10.00"}
	}}
}`

func sign(secret string, ts time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestHMACVerifier(t *testing.T) {
	secret := "whsec_test"
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	newVerifier := func() *HMACVerifier {
		v := NewHMACVerifier(secret, 5*time.Minute)
		v.now = func() time.Time { return now }
		return v
	}

	t.Run("valid signature parses event", func(t *testing.T) {
		payload := []byte(validPayload)
		event, err := newVerifier().VerifyAndParse(payload, sign(secret, now, payload))
		assert.NoError(t, err)
		assert.Equal(t, "evt_1", event.ID)
		assert.Equal(t, EventCheckoutCompleted, event.Type)
		assert.Equal(t, "ord-1", event.Data.Object.Metadata.OrderNumber)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		payload := []byte(validPayload)
		_, err := newVerifier().VerifyAndParse(payload, sign("other", now, payload))
		assert.Error(t, err)
	})

	t.Run("stale timestamp rejected", func(t *testing.T) {
		payload := []byte(validPayload)
		_, err := newVerifier().VerifyAndParse(payload, sign(secret, now.Add(-time.Hour), payload))
		assert.Error(t, err)
	})

	t.Run("missing header rejected", func(t *testing.T) {
		_, err := newVerifier().VerifyAndParse([]byte(validPayload), "")
		assert.Error(t, err)
	})
}

func TestParseEvent(t *testing.T) {
	t.Run("missing required fields fail closed", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{"type": "checkout.session.completed", "data": {"object": {"id": "cs_1"}}}`))
		assert.Error(t, err) // no event id

		_, err = ParseEvent([]byte(`{"id": "evt_1", "type": "x", "data": {"object": {}}}`))
		assert.Error(t, err) // no object id
	})

	t.Run("malformed json fails closed", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{`))
		assert.Error(t, err)
	})

	t.Run("incomplete checkout metadata rejected at extraction", func(t *testing.T) {
		event, err := ParseEvent([]byte(`{"id": "evt_1", "type": "checkout.session.completed",
			"data": {"object": {"id": "cs_1", "metadata": {"order_number": "ord-1"}}}}`))
		assert.NoError(t, err)

		_, err = event.Data.Object.checkoutMetadata()
		assert.Error(t, err)
	})
}
