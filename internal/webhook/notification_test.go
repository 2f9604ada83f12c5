package webhook

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentIDFromNotification(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		query  string
		wantID string
		wantOK bool
	}{
		{"action payload", `{"action":"payment.updated","data":{"id":"abc123"}}`, "", "abc123", true},
		{"numeric id", `{"type":"payment","data":{"id":123456789}}`, "", "123456789", true},
		{"ipn resource url", `{"topic":"payment","resource":"https://api.mercadopago.com/v1/payments/555"}`, "", "555", true},
		{"bare resource", `{"resource":"777"}`, "", "777", true},
		{"query data.id", `{}`, "type=payment&data.id=888", "888", true},
		{"query id with topic", ``, "topic=payment&id=999", "999", true},
		{"merchant order ignored", `{"topic":"merchant_order","resource":"https://api.mercadopago.com/merchant_orders/1"}`, "", "", false},
		{"non payment resource", `{"resource":"https://api.mercadopago.com/merchant_orders/1"}`, "", "", false},
		{"no id", `{"action":"payment.created","data":{}}`, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			assert.NoError(t, err)
			id, ok, err := paymentIDFromNotification([]byte(tt.body), q)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestPaymentIDFromNotificationRejectsGarbage(t *testing.T) {
	_, _, err := paymentIDFromNotification(nil, url.Values{})
	assert.ErrorIs(t, err, errBadNotification)

	_, _, err = paymentIDFromNotification([]byte("not json"), url.Values{})
	assert.ErrorIs(t, err, errBadNotification)
}
