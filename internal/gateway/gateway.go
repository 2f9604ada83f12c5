// Package gateway talks to the Mercado Pago payments API. Notifications sent
// by the gateway are never trusted on their own: FetchPaymentStatus is the
// only way the rest of the bot learns that a payment was approved.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const maxResponseBytes = 1 << 20

var ErrGateway = errors.New("payment gateway error")

// Error describes a failed gateway call.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Body)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrGateway, e.Err}
	}
	return []error{ErrGateway}
}

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	if e.Err != nil {
		var netErr net.Error
		return errors.As(e.Err, &netErr) || errors.Is(e.Err, io.ErrUnexpectedEOF)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type ChargeRequest struct {
	PayerEmail        string
	PayerFirstName    string
	Amount            float64
	Description       string
	ExternalReference string
}

type Charge struct {
	ID           string
	Status       string
	QRCode       string
	QRCodeBase64 string
}

type PaymentStatus struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
}

func (p PaymentStatus) Approved() bool {
	return p.Status == "approved"
}

type Client struct {
	baseURL         string
	token           string
	notificationURL string
	httpClient      *http.Client
	maxRetries      uint64
	retryBase       time.Duration
	newKey          func() string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithRetries(max uint64, base time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max
		if base > 0 {
			c.retryBase = base
		}
	}
}

func New(baseURL, token, notificationURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		notificationURL: notificationURL,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		maxRetries:      2,
		retryBase:       200 * time.Millisecond,
		newKey:          func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type createPaymentBody struct {
	TransactionAmount float64 `json:"transaction_amount"`
	Description       string  `json:"description"`
	PaymentMethodID   string  `json:"payment_method_id"`
	Payer             struct {
		Email     string `json:"email"`
		FirstName string `json:"first_name,omitempty"`
	} `json:"payer"`
	NotificationURL   string `json:"notification_url,omitempty"`
	ExternalReference string `json:"external_reference,omitempty"`
}

type paymentResponse struct {
	ID                 flexibleID `json:"id"`
	Status             string     `json:"status"`
	StatusDetail       string     `json:"status_detail"`
	ExternalReference  string     `json:"external_reference"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// CreateCharge creates a PIX charge. Retries reuse the same idempotency key so
// the gateway never creates two charges for one call.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.Amount <= 0 {
		return nil, &Error{Op: "create charge", Body: "amount must be positive"}
	}
	body := createPaymentBody{
		TransactionAmount: req.Amount,
		Description:       req.Description,
		PaymentMethodID:   "pix",
		NotificationURL:   c.notificationURL,
		ExternalReference: req.ExternalReference,
	}
	body.Payer.Email = req.PayerEmail
	body.Payer.FirstName = req.PayerFirstName

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: "create charge", Err: err}
	}

	key := c.newKey()
	var resp paymentResponse
	err = c.do(ctx, "create charge", func(ctx context.Context) (*http.Request, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payments", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("X-Idempotency-Key", key)
		return r, nil
	}, &resp)
	if err != nil {
		return nil, err
	}

	tx := resp.PointOfInteraction.TransactionData
	if resp.ID == "" || tx.QRCode == "" || tx.QRCodeBase64 == "" {
		return nil, &Error{Op: "create charge", Body: "response without payment id or QR payload"}
	}
	return &Charge{
		ID:           string(resp.ID),
		Status:       resp.Status,
		QRCode:       tx.QRCode,
		QRCodeBase64: tx.QRCodeBase64,
	}, nil
}

// FetchPaymentStatus returns the authoritative status of a payment.
func (c *Client) FetchPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, &Error{Op: "fetch payment", Body: "empty payment id"}
	}

	var resp paymentResponse
	err := c.do(ctx, "fetch payment", func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/payments/"+url.PathEscape(paymentID), nil)
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.Status == "" {
		return nil, &Error{Op: "fetch payment", Body: "malformed payment response"}
	}
	if string(resp.ID) != paymentID {
		return nil, &Error{Op: "fetch payment", Body: fmt.Sprintf("payment id mismatch: asked %s, got %s", paymentID, resp.ID)}
	}
	return &PaymentStatus{
		ID:                string(resp.ID),
		Status:            resp.Status,
		StatusDetail:      resp.StatusDetail,
		ExternalReference: resp.ExternalReference,
	}, nil
}

func (c *Client) do(ctx context.Context, op string, build func(context.Context) (*http.Request, error), out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := build(ctx)
		if err != nil {
			return &Error{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		err = c.roundTrip(op, req, out)
		var gwErr *Error
		if errors.As(err, &gwErr) && gwErr.Temporary() && ctx.Err() == nil {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) roundTrip(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(data), 300)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: "malformed JSON response", Err: err}
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
