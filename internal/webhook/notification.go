package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

var errBadNotification = errors.New("unparseable notification")

type notification struct {
	Action   string          `json:"action"`
	Type     string          `json:"type"`
	Topic    string          `json:"topic"`
	Resource string          `json:"resource"`
	RawData  json.RawMessage `json:"data"`
}

// paymentIDFromNotification extracts the payment id from the notification
// shapes Mercado Pago sends (webhooks and legacy IPN). ok is false when the
// notification is about something other than a payment.
func paymentIDFromNotification(body []byte, query url.Values) (id string, ok bool, err error) {
	if id, ok := paymentIDFromQuery(query); ok {
		return id, true, nil
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", false, errBadNotification
	}
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", false, errBadNotification
	}

	kind := strings.ToLower(firstNonEmpty(n.Type, n.Topic))
	if kind == "" && strings.HasPrefix(strings.ToLower(n.Action), "payment.") {
		kind = "payment"
	}
	if kind != "" && kind != "payment" {
		return "", false, nil
	}

	if id := dataID(n.RawData); id != "" {
		return id, true, nil
	}
	if id := idFromResource(n.Resource); id != "" {
		return id, true, nil
	}
	return "", false, nil
}

func paymentIDFromQuery(q url.Values) (string, bool) {
	kind := strings.ToLower(firstNonEmpty(q.Get("type"), q.Get("topic")))
	if kind != "payment" {
		return "", false
	}
	id := strings.TrimSpace(firstNonEmpty(q.Get("data.id"), q.Get("id")))
	return id, id != ""
}

func dataID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var d struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &d); err != nil || len(d.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(d.ID, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(d.ID, &n); err == nil {
		return n.String()
	}
	return ""
}

// idFromResource accepts a bare id or a URL ending in /payments/<id>.
func idFromResource(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return ""
	}
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		if !strings.Contains(resource[:i], "payments") {
			return ""
		}
		resource = resource[i+1:]
	}
	if resource == "" || strings.ContainsAny(resource, "?#") {
		return ""
	}
	return resource
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
